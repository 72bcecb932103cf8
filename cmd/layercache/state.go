package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// state carries what restore saw over to save, which runs in a later process.
type state struct {
	RestoredKey           string   `json:"restoredKey"`
	AlreadyExistingImages []string `json:"alreadyExistingImages"`
	RestoredImages        []string `json:"restoredImages"`
}

func defaultStatePath() string {
	return filepath.Join(os.TempDir(), "layercache-state.json")
}

func writeState(path string, st state) error {
	st.normalize()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func readState(path string) (state, error) {
	var st state
	data, err := os.ReadFile(path)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("failed to parse state file %s: %w", path, err)
	}
	st.normalize()
	return st, nil
}

// normalize turns absent image lists into empty ones; no images is a valid
// outcome of restore.
func (st *state) normalize() {
	if st.AlreadyExistingImages == nil {
		st.AlreadyExistingImages = []string{}
	}
	if st.RestoredImages == nil {
		st.RestoredImages = []string{}
	}
}

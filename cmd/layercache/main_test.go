package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRestoreKeys(t *testing.T) {
	assert.Equal(t, []string{"a-", "b-"}, parseRestoreKeys("ci-{hash}", "a-, b-,,"))
	assert.Equal(t, []string{"ci-"}, parseRestoreKeys("ci-{hash}", ""))
	assert.Equal(t, []string{"os-"}, parseRestoreKeys("os-{hash}-v1", " "))
	assert.Nil(t, parseRestoreKeys("{hash}-v1", ""))
}

func TestStateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	want := state{
		RestoredKey:           "ci-abc-root",
		AlreadyExistingImages: []string{"alpine:3"},
		RestoredImages:        []string{},
	}
	require.NoError(t, writeState(path, want))

	got, err := readState(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestStateFileWithoutImages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, writeState(path, state{RestoredKey: "ci-abc-root"}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"restoredImages": []`)

	got, err := readState(path)
	require.NoError(t, err)
	assert.Equal(t, state{
		RestoredKey:           "ci-abc-root",
		AlreadyExistingImages: []string{},
		RestoredImages:        []string{},
	}, got)
}

func TestReadStateMissingListsAreEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"restoredKey":"","restoredImages":null}`), 0644))

	got, err := readState(path)
	require.NoError(t, err)
	assert.Empty(t, got.AlreadyExistingImages)
	assert.NotNil(t, got.RestoredImages)
}

func TestReadStateRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"restoredKey":`), 0644))

	_, err := readState(path)
	assert.Error(t, err)

	_, err = readState(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

package layercachetest

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencontainers/go-digest"
)

// Layer is a layer archive inside a test bundle. Its diff id is ID when set,
// otherwise the digest of Content.
type Layer struct {
	Path    string
	Content string
	ID      digest.Digest
}

// DiffID returns the content hash docker would record for this layer.
func (l Layer) DiffID() digest.Digest {
	if l.ID != "" {
		return l.ID
	}
	return digest.FromString(l.Content)
}

// Image is one image of a test bundle.
type Image struct {
	Tags   []string
	Layers []Layer
}

type manifestEntry struct {
	Config   string   `json:"Config"`
	RepoTags []string `json:"RepoTags"`
	Layers   []string `json:"Layers"`
}

type imageConfig struct {
	RootFS struct {
		Type    string          `json:"type"`
		DiffIDs []digest.Digest `json:"diff_ids"`
	} `json:"rootfs"`
}

// WriteBundle lays out images in dir the way an unpacked `docker save`
// stream looks: manifest.json, one config per image and the layer archives.
func WriteBundle(t *testing.T, dir string, images ...Image) {
	t.Helper()

	var entries []manifestEntry
	for _, img := range images {
		var cfg imageConfig
		cfg.RootFS.Type = "layers"
		entry := manifestEntry{RepoTags: img.Tags}
		for _, l := range img.Layers {
			cfg.RootFS.DiffIDs = append(cfg.RootFS.DiffIDs, l.DiffID())
			entry.Layers = append(entry.Layers, l.Path)
			writeFile(t, filepath.Join(dir, filepath.FromSlash(l.Path)), []byte(l.Content))
		}
		if cfg.RootFS.DiffIDs == nil {
			cfg.RootFS.DiffIDs = []digest.Digest{}
		}

		raw, err := json.Marshal(cfg)
		if err != nil {
			t.Fatalf("Failed to marshal image config: %v", err)
		}
		entry.Config = digest.FromBytes(raw).Encoded() + ".json"
		writeFile(t, filepath.Join(dir, entry.Config), raw)
		entries = append(entries, entry)
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		t.Fatalf("Failed to marshal manifest: %v", err)
	}
	writeFile(t, filepath.Join(dir, "manifest.json"), raw)
}

// ReadTree returns the content of every regular file under dir keyed by its
// slash separated relative path.
func ReadTree(t *testing.T, dir string) map[string]string {
	t.Helper()

	files := make(map[string]string)
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to read tree %s: %v", dir, err)
	}
	return files
}

// LayerFiles filters a tree down to the layer archives.
func LayerFiles(tree map[string]string) map[string]string {
	layers := make(map[string]string)
	for p, content := range tree {
		if strings.HasSuffix(p, "layer.tar") {
			layers[p] = content
		}
	}
	return layers
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("Failed to create directory for %s: %v", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

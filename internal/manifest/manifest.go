// Package manifest reads the bundle written by `docker save` once it has been
// unpacked into a directory, and maps content hashes to the layer archives
// that hold them.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/opencontainers/go-digest"
)

// FileName is the manifest list at the root of an unpacked bundle.
const FileName = "manifest.json"

// ErrMalformed is returned when manifest or config JSON does not have the
// expected shape.
var ErrMalformed = errors.New("malformed image bundle")

// Manifest describes one exported image: its config file, tags and layer
// archives. Layers[j] holds the content identified by the config's
// rootfs.diff_ids[j].
type Manifest = tarball.Descriptor

// LoadRaw returns the unparsed bytes of the manifest list in dir.
func LoadRaw(dir string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
	}
	return raw, nil
}

// Load parses the manifest list in dir. Layer paths are converted to the
// host's path separator.
func Load(dir string) ([]Manifest, error) {
	raw, err := LoadRaw(dir)
	if err != nil {
		return nil, err
	}

	var manifests tarball.Manifest
	if err := json.Unmarshal(raw, &manifests); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, FileName, err)
	}
	if manifests == nil {
		return nil, fmt.Errorf("%w: %s is not a list of images", ErrMalformed, FileName)
	}

	for i := range manifests {
		m := &manifests[i]
		if m.Config == "" {
			return nil, fmt.Errorf("%w: %s entry %d has no Config", ErrMalformed, FileName, i)
		}
		if m.Config, err = localPath(m.Config); err != nil {
			return nil, fmt.Errorf("%w: %s entry %d: %v", ErrMalformed, FileName, i, err)
		}
		for j, layer := range m.Layers {
			if m.Layers[j], err = localPath(layer); err != nil {
				return nil, fmt.Errorf("%w: %s entry %d layer %d: %v", ErrMalformed, FileName, i, j, err)
			}
		}
	}
	return manifests, nil
}

// Hash returns the hex encoded sha256 of the raw manifest list. Any byte
// change to manifest.json, including tags and layer order, changes it.
func Hash(dir string) (string, error) {
	raw, err := LoadRaw(dir)
	if err != nil {
		return "", err
	}
	return digest.FromBytes(raw).Encoded(), nil
}

// localPath converts a slash separated bundle path to a native relative path
// and refuses anything that escapes the bundle directory.
func localPath(p string) (string, error) {
	native := filepath.Clean(filepath.FromSlash(p))
	if filepath.IsAbs(native) || native == ".." || strings.HasPrefix(native, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the bundle", p)
	}
	if native == "." {
		return "", fmt.Errorf("empty path %q", p)
	}
	return native, nil
}

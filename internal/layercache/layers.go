package layercache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"

	"github.com/vinimdocarmo/layercache/internal/manifest"
)

// separateLayers moves one archive per layer entry to its canonical place in
// LayersDir and deletes every other copy from the unpacked tree.
func (lc *LayerCache) separateLayers(layers manifest.LayerMap) error {
	root := lc.UnpackedDir()
	for _, layer := range layers {
		if len(layer.Paths) == 0 {
			continue
		}
		// docker save links duplicate layers to a single file
		from, err := filepath.EvalSymlinks(filepath.Join(root, layer.Paths[0]))
		if err != nil {
			return fmt.Errorf("failed to resolve layer %s at %s: %w", layer.ID, layer.Paths[0], err)
		}
		to := lc.layerPath(layer.ID)

		lc.log.Debug("Moving layer tar", "layerID", layer.ID, "from", from, "to", to)
		if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
			return err
		}
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("failed to move layer %s: %w", layer.ID, err)
		}

		for _, p := range layer.Paths {
			full := filepath.Join(root, p)
			if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("failed to delete duplicate layer %s at %s: %w", layer.ID, p, err)
			}
		}
	}
	return nil
}

// joinLayers puts every canonical layer archive back at its first recorded
// path and copies it to the rest, rebuilding the tree docker save produced.
func (lc *LayerCache) joinLayers(layers manifest.LayerMap) error {
	root := lc.UnpackedDir()
	for _, layer := range layers {
		if len(layer.Paths) == 0 {
			continue
		}
		from := lc.layerPath(layer.ID)
		to := filepath.Join(root, layer.Paths[0])

		lc.log.Debug("Moving layer tar", "layerID", layer.ID, "from", from, "to", to)
		if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
			return err
		}
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("failed to move layer %s back to %s: %w", layer.ID, layer.Paths[0], err)
		}

		for _, p := range layer.Paths[1:] {
			lc.log.Debug("Cloning layer tar", "layerID", layer.ID, "from", to, "to", p)
			if err := copyFile(to, filepath.Join(root, p)); err != nil {
				return fmt.Errorf("failed to clone layer %s to %s: %w", layer.ID, p, err)
			}
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// debugListing logs every file under dir with its size.
func (lc *LayerCache) debugListing(dir string) {
	if lc.log.GetLevel() > log.DebugLevel {
		return
	}

	var total int64
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, p)
		total += info.Size()
		lc.log.Debug("  "+rel, "size", humanize.Bytes(uint64(info.Size())), "mode", info.Mode())
		return nil
	})
	if err != nil {
		lc.log.Debug("Failed to list directory", "dir", dir, "error", err)
		return
	}
	lc.log.Debug("Listed directory", "dir", dir, "total", humanize.Bytes(uint64(total)))
}

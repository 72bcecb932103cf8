package archive

import (
	"archive/tar"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Pack writes a zstd compressed tar holding every path in paths. paths[i]
// is stored under the entry prefix "<i>", so Unpack can put each one back
// where the caller asks regardless of where it came from.
func Pack(w io.Writer, paths []string) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	tw := tar.NewWriter(enc)

	for i, p := range paths {
		if err := addTree(tw, p, strconv.Itoa(i)); err != nil {
			tw.Close()
			enc.Close()
			return fmt.Errorf("failed to archive %s: %w", p, err)
		}
	}
	if err := tw.Close(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// Unpack reverses Pack, extracting entry prefix "<i>" to paths[i].
func Unpack(r io.Reader, paths []string) error {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()

	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		name, err := cleanName(hdr.Name)
		if err != nil {
			return err
		}
		if name == "" {
			continue
		}

		idxStr, rest, _ := strings.Cut(name, "/")
		idx, err := strconv.Atoi(idxStr)
		if err != nil || idx < 0 || idx >= len(paths) {
			return fmt.Errorf("archive entry %q does not belong to any of %d paths", hdr.Name, len(paths))
		}

		root := filepath.Clean(paths[idx])
		target := root
		if rest != "" {
			target = filepath.Join(root, filepath.FromSlash(rest))
		}
		if err := extractEntry(tr, hdr, root, target); err != nil {
			return err
		}
	}
}

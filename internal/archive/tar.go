// Package archive streams directory trees in and out of tar archives.
package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// WriteTar writes a tar archive of the contents of dir into w. Entry names
// are relative to dir.
func WriteTar(w io.Writer, dir string) error {
	tw := tar.NewWriter(w)
	if err := addTree(tw, dir, ""); err != nil {
		tw.Close()
		return err
	}
	return tw.Close()
}

// ExtractTar extracts a tar stream into dir, creating it if needed.
func ExtractTar(r io.Reader, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tr := tar.NewReader(r)
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
		if err := extractEntry(tr, hdr, dir, filepath.Join(dir, filepath.FromSlash(name))); err != nil {
			return err
		}
	}
}

// addTree adds src to tw. A directory contributes its contents under prefix;
// a regular file is written as prefix itself.
func addTree(tw *tar.Writer, src, prefix string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		if prefix == "" {
			return fmt.Errorf("expected directory, got %q", src)
		}
		return addEntry(tw, src, prefix, info)
	}

	src = filepath.Clean(src)
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == src {
			if prefix == "" {
				return nil
			}
			return addEntry(tw, p, prefix, info)
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if prefix != "" {
			name = path.Join(prefix, name)
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return addEntry(tw, p, name, fi)
	})
}

func addEntry(tw *tar.Writer, p, name string, info fs.FileInfo) error {
	var link string
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(p)
		if err != nil {
			return err
		}
		link = target
	} else if !info.Mode().IsRegular() && !info.IsDir() {
		return fmt.Errorf("unsupported file type %s: %s", info.Mode().Type(), p)
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = name
	if info.IsDir() && !strings.HasSuffix(hdr.Name, "/") {
		hdr.Name += "/"
	}
	// ownership is not part of the cached content
	hdr.Uid, hdr.Gid, hdr.Uname, hdr.Gname = 0, 0, "", ""
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	if _, err := io.Copy(tw, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, root, target string) error {
	if !isSubpath(root, target) {
		return fmt.Errorf("invalid tar entry %q", hdr.Name)
	}
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, 0755)
	case tar.TypeReg, tar.TypeRegA:
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		mode := os.FileMode(hdr.Mode).Perm()
		if mode == 0 {
			mode = 0644
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, tr); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	case tar.TypeSymlink:
		if filepath.IsAbs(hdr.Linkname) {
			return fmt.Errorf("invalid symlink %q -> %q", hdr.Name, hdr.Linkname)
		}
		resolved := filepath.Join(filepath.Dir(target), filepath.FromSlash(hdr.Linkname))
		if !isSubpath(root, resolved) {
			return fmt.Errorf("invalid symlink %q -> %q", hdr.Name, hdr.Linkname)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return os.Symlink(hdr.Linkname, target)
	default:
		return fmt.Errorf("unsupported tar entry %q", hdr.Name)
	}
}

// cleanName normalises a tar entry name and rejects absolute or parent
// traversal paths. The archive root itself yields "".
func cleanName(name string) (string, error) {
	clean := path.Clean(name)
	if clean == "." || clean == "" {
		return "", nil
	}
	if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid tar entry %q", name)
	}
	return clean, nil
}

func isSubpath(root, target string) bool {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

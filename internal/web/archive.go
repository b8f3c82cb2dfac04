package web

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// skipInArchive lists directory names left out of output downloads.
var skipInArchive = map[string]bool{
	".terraform":   true,
	"node_modules": true,
	"__pycache__":  true,
	".git":         true,
}

// ErrOutsideWorkRoot is returned when a delete targets a path the server
// does not own.
var ErrOutsideWorkRoot = errors.New("path is outside the work root")

// ZipDir writes dir to w as a zip archive with slash separated names
// relative to dir. Provider caches and dependency folders are skipped.
func ZipDir(dir string, w io.Writer) error {
	zw := zip.NewWriter(w)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && skipInArchive[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		hdr.Method = zip.Deflate
		fw, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(fw, f)
		return err
	})
	if err != nil {
		_ = zw.Close()
		return fmt.Errorf("zip %s: %w", dir, err)
	}
	return zw.Close()
}

// within reports whether target is strictly inside root after resolving
// symlinks on both sides.
func within(root, target string) (bool, error) {
	r, err := resolve(root)
	if err != nil {
		return false, err
	}
	t, err := resolve(target)
	if err != nil {
		return false, err
	}
	rel, err := filepath.Rel(r, t)
	if err != nil {
		return false, nil
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false, nil
	}
	return true, nil
}

func resolve(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}
	return filepath.Clean(abs), nil
}

// SafeRemove deletes target when it lies under root. The root itself is
// never removed.
func SafeRemove(root, target string) error {
	if root == "" || target == "" {
		return ErrOutsideWorkRoot
	}
	ok, err := within(root, target)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrOutsideWorkRoot, target)
	}
	return os.RemoveAll(target)
}

// Package pathstage provides scoped path joins, directory canonicalization,
// and archiving helpers shared by the compilation and execution pipelines.
package pathstage

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ErrPathEscape is returned by ScopedJoin when the resolved path would
// escape the given base directory.
var ErrPathEscape = errors.New("pathstage: resolved path escapes base directory")

// ScopedJoin joins base with untrusted and returns a path guaranteed to be a
// descendant of base after resolving ".." segments and symlinks. It is the
// only defense against malicious upload filenames (see DESIGN.md).
func ScopedJoin(base, untrusted string) (string, error) {
	base, err := Canonicalize(base)
	if err != nil {
		return "", fmt.Errorf("pathstage: canonicalize base: %w", err)
	}
	joined := filepath.Join(base, untrusted)

	resolved := joined
	if _, err := os.Lstat(joined); err == nil {
		if real, err := filepath.EvalSymlinks(joined); err == nil {
			resolved = real
		}
	} else {
		// The target doesn't exist yet (common for upload destinations):
		// resolve as much of the path as does exist, then append the rest.
		resolved, err = resolveExistingPrefix(joined)
		if err != nil {
			return "", err
		}
	}

	rel, err := filepath.Rel(base, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrPathEscape
	}
	return joined, nil
}

func resolveExistingPrefix(p string) (string, error) {
	dir := filepath.Dir(p)
	for {
		if info, err := os.Lstat(dir); err == nil {
			real := dir
			if info.Mode()&os.ModeSymlink != 0 {
				resolved, err := filepath.EvalSymlinks(dir)
				if err != nil {
					return "", err
				}
				real = resolved
			}
			rest, err := filepath.Rel(dir, p)
			if err != nil {
				return "", err
			}
			return filepath.Join(real, rest), nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return p, nil
		}
		dir = parent
	}
}

// Canonicalize resolves symlinks and returns an absolute path.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return abs, nil
		}
		return "", err
	}
	return real, nil
}

// ZipTree walks dir and returns an uncompressed (stored) zip archive
// preserving relative paths, file mode 0o644, and directory entries.
// Unreadable files are skipped silently. Symlinks are followed and written
// as their target's type, per the policy documented in DESIGN.md; a
// symlinked directory becomes an empty directory entry, as its contents are
// not walked.
func ZipTree(dir string) ([]byte, error) {
	var w bytes.Buffer
	zw := zip.NewWriter(&w)

	err := filepath.Walk(dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if info.Mode()&os.ModeSymlink != 0 {
			target, statErr := os.Stat(path)
			if statErr != nil {
				return nil
			}
			info = target
		}

		if info.IsDir() {
			_, err := zw.CreateHeader(&zip.FileHeader{
				Name:   rel + "/",
				Method: zip.Store,
			})
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		hdr := &zip.FileHeader{
			Name:   rel,
			Method: zip.Store,
		}
		hdr.SetMode(0o644)
		entry, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		_, err = io.Copy(entry, f)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("pathstage: zip tree: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("pathstage: zip tree: %w", err)
	}
	return w.Bytes(), nil
}

// TarTree packages dir as an uncompressed tar byte stream, used to ship the
// reconciled source tree to the image builder. It includes every entry
// under dir, including .git (see DESIGN.md Open Question on excluding it).
func TarTree(dir string) ([]byte, error) {
	var w bytes.Buffer
	tw := tar.NewWriter(&w)

	err := filepath.Walk(dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		link := ""
		if info.Mode()&os.ModeSymlink != 0 {
			target, readErr := os.Readlink(path)
			if readErr != nil {
				return nil
			}
			link = target
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return nil
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return nil
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pathstage: tar tree: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("pathstage: tar tree: %w", err)
	}
	return w.Bytes(), nil
}

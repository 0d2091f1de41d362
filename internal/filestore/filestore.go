// Package filestore implements the sandboxed local file store each
// replica peer holds: read, write, delete, copy, rename, exists, and
// count_user_files over a single root directory, with every path treated
// as a leaf name resolved under that root.
package filestore

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/replicafed/replicafed/pkg/errors"
)

const (
	dirPerm  = 0700
	filePerm = 0600

	// tombstoneName is the reserved marker file count_user_files
	// excludes from quota checks.
	tombstoneName = ".replicafed-tombstone"
)

// Store anchors file operations at a fixed root directory. Every path
// argument is resolved under root; an escape attempt (via "..", an
// absolute path, or a symlink-free traversal that would land outside
// root) is rejected with an IOError.
type Store struct {
	root string
}

// New creates (if necessary) and returns a Store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, errors.IOError("filestore.New", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.IOError("filestore.New", err)
	}
	return &Store{root: abs}, nil
}

// resolve maps a leaf path argument to an absolute on-disk path, rejecting
// any argument that would escape root.
func (s *Store) resolve(p string) (string, error) {
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.New(errors.ErrCodeIOError, "path escapes store root").WithOperation("resolve").WithDetail("path", p)
	}
	full := filepath.Join(s.root, clean)
	if full != s.root && !strings.HasPrefix(full, s.root+string(filepath.Separator)) {
		return "", errors.New(errors.ErrCodeIOError, "path escapes store root").WithOperation("resolve").WithDetail("path", p)
	}
	return full, nil
}

// Read returns the full contents of path, or NotFound if absent.
func (s *Store) Read(path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NotFound("read", path)
		}
		return nil, errors.IOError("read", err)
	}
	return data, nil
}

// Write creates or overwrites path with data.
func (s *Store) Write(path string, data []byte) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), dirPerm); err != nil {
		return errors.IOError("write", err)
	}
	if err := os.WriteFile(full, data, filePerm); err != nil {
		return errors.IOError("write", err)
	}
	return nil
}

// Delete removes path, or returns NotFound if it is absent.
func (s *Store) Delete(path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			return errors.NotFound("delete", path)
		}
		return errors.IOError("delete", err)
	}
	return nil
}

// Copy duplicates src to dst, overwriting dst if it exists. Fails with
// NotFound if src is absent.
func (s *Store) Copy(src, dst string) error {
	data, err := s.Read(src)
	if err != nil {
		return err
	}
	return s.Write(dst, data)
}

// Rename moves oldPath to newPath. Fails with NotFound if oldPath is
// absent.
func (s *Store) Rename(oldPath, newPath string) error {
	oldFull, err := s.resolve(oldPath)
	if err != nil {
		return err
	}
	newFull, err := s.resolve(newPath)
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(oldFull); statErr != nil {
		if os.IsNotExist(statErr) {
			return errors.NotFound("rename", oldPath)
		}
		return errors.IOError("rename", statErr)
	}
	if err := os.MkdirAll(filepath.Dir(newFull), dirPerm); err != nil {
		return errors.IOError("rename", err)
	}
	if err := os.Rename(oldFull, newFull); err != nil {
		return errors.IOError("rename", err)
	}
	return nil
}

// Exists reports whether path is present. It never fails; any stat error
// other than "not exist" is treated as absent.
func (s *Store) Exists(path string) bool {
	full, err := s.resolve(path)
	if err != nil {
		return false
	}
	_, err = os.Stat(full)
	return err == nil
}

// CountUserFiles returns the number of files under root, excluding the
// reserved tombstone marker.
func (s *Store) CountUserFiles() (int, error) {
	count := 0
	err := filepath.Walk(s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if filepath.Base(p) == tombstoneName {
			return nil
		}
		count++
		return nil
	})
	if err != nil {
		return 0, errors.IOError("count_user_files", err)
	}
	return count, nil
}

// Apply replays a single mutating operation record (family.OperationRecord
// shape, taken as loose arguments to avoid an import cycle) against the
// store. Used identically by the primary applying a freshly accepted
// operation and by replay reconstructing a backup from history.
func (s *Store) Apply(verb string, arg1, arg2 string, data []byte) error {
	switch verb {
	case "write":
		return s.Write(arg1, data)
	case "delete":
		return s.Delete(arg1)
	case "copy":
		return s.Copy(arg1, arg2)
	case "rename":
		return s.Rename(arg1, arg2)
	default:
		return errors.New(errors.ErrCodeIOError, "unknown mutating verb").WithOperation("apply").WithDetail("verb", verb)
	}
}

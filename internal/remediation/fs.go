// internal/remediation/fs.go
package remediation

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// FileSystem is the file access the remediator needs. Implementations wrap
// failures in *IOError.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	Copy(src, dst string) error
	Remove(path string) error
	Exists(path string) bool
	MkdirAll(path string) error
}

// IOError is a file system failure tied to an operation and path.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// OSFileSystem is the FileSystem backed by the local disk.
type OSFileSystem struct{}

func (OSFileSystem) ReadFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &IOError{Op: "read", Path: path, Err: err}
	}
	return b, nil
}

// WriteFile replaces the file content, keeping the existing permission bits.
func (OSFileSystem) WriteFile(path string, data []byte) error {
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return &IOError{Op: "write", Path: path, Err: err}
	}
	return nil
}

// Copy writes src to dst through a temporary file so dst is never half written.
func (OSFileSystem) Copy(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return &IOError{Op: "copy", Path: src, Err: err}
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return &IOError{Op: "copy", Path: src, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".mender-*")
	if err != nil {
		return &IOError{Op: "copy", Path: dst, Err: err}
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = io.Copy(tmp, in); err != nil {
		return &IOError{Op: "copy", Path: dst, Err: err}
	}
	if err = tmp.Chmod(info.Mode().Perm()); err != nil {
		return &IOError{Op: "copy", Path: dst, Err: err}
	}
	if err = tmp.Close(); err != nil {
		return &IOError{Op: "copy", Path: dst, Err: err}
	}
	if err = os.Rename(tmp.Name(), dst); err != nil {
		return &IOError{Op: "copy", Path: dst, Err: err}
	}
	return nil
}

func (OSFileSystem) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: "remove", Path: path, Err: err}
	}
	return nil
}

func (OSFileSystem) Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func (OSFileSystem) MkdirAll(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return &IOError{Op: "mkdir", Path: path, Err: err}
	}
	return nil
}

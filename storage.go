package tftp

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Storage opens the files served or received by a Server. Open must return
// ErrNotFound, ErrAccessDenied, ErrDiskFull or ErrFileExists (possibly
// wrapped) so the matching TFTP error code can be sent.
//
// A handle opened for reading must implement io.Reader, one opened for
// writing io.Writer. Handles may implement Stat() or Len() to report their
// size and Abort() to discard a write that did not complete.
type Storage interface {
	Open(name string, write bool) (io.Closer, error)
}

type aborter interface {
	Abort() error
}

// DirStorage serves files out of a single directory.
type DirStorage struct {
	Root           string
	DisableCreate  bool
	DisableWrite   bool
	AllowOverwrite bool
}

// Check verifies the root exists and is a directory.
func (d *DirStorage) Check() error {
	stat, err := os.Stat(d.Root)
	if err != nil {
		return err
	}
	if !stat.IsDir() {
		return fmt.Errorf("server root %s is not a directory", d.Root)
	}
	return nil
}

func (d *DirStorage) path(name string) string {
	name = strings.Replace(name, "..", "", -1) // Prevent escaping from root directory
	name = strings.TrimLeft(filepath.FromSlash(name), string(filepath.Separator))
	return filepath.Join(d.Root, filepath.Clean(string(filepath.Separator)+name))
}

func (d *DirStorage) Open(name string, write bool) (io.Closer, error) {
	path := d.path(name)

	if !write {
		file, err := os.Open(path)
		if err != nil {
			return nil, storageError(err)
		}
		stat, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, storageError(err)
		}
		if stat.IsDir() {
			file.Close()
			return nil, fmt.Errorf("%s is a directory: %w", name, ErrAccessDenied)
		}
		return file, nil
	}

	if d.DisableWrite {
		return nil, fmt.Errorf("writes disabled: %w", ErrAccessDenied)
	}

	exists := fileExists(path)
	if !exists && d.DisableCreate {
		return nil, fmt.Errorf("cannot create new file: %w", ErrAccessDenied)
	}
	if exists && !d.AllowOverwrite {
		return nil, fmt.Errorf("attempted overwrite of %s: %w", name, ErrFileExists)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return nil, storageError(err)
	}
	return &dirUpload{File: tmp, dest: path}, nil
}

// dirUpload writes to a temporary file which replaces the destination only
// once the transfer completes.
type dirUpload struct {
	*os.File
	dest string
}

func (u *dirUpload) Write(p []byte) (int, error) {
	n, err := u.File.Write(p)
	if err != nil {
		return n, storageError(err)
	}
	return n, nil
}

func (u *dirUpload) Close() error {
	if err := u.File.Close(); err != nil {
		os.Remove(u.Name())
		return storageError(err)
	}
	return os.Rename(u.Name(), u.dest)
}

func (u *dirUpload) Abort() error {
	u.File.Close()
	return os.Remove(u.Name())
}

func storageError(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%v: %w", err, ErrNotFound)
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%v: %w", err, ErrAccessDenied)
	case errors.Is(err, syscall.ENOSPC):
		return fmt.Errorf("%v: %w", err, ErrDiskFull)
	}
	return err
}

func fileExists(filename string) bool {
	_, err := os.Stat(filename)
	return err == nil
}

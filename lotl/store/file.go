package store

import (
	"context"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
)

// File stores the snapshot in a single file, replaced atomically.
type File struct {
	path string
}

// NewFile creates a file store, creating the parent directory.
func NewFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("snapshot path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create snapshot directory")
	}
	return &File{path: path}, nil
}

// Path returns the snapshot file path.
func (f *File) Path() string {
	return f.path
}

// Load implements SnapshotStore.
func (f *File) Load(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read snapshot %s", f.path)
	}
	return data, nil
}

// Save implements SnapshotStore. The data is written to a temporary file
// next to the target and renamed over it.
func (f *File) Save(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".snapshot-*")
	if err != nil {
		return errors.Wrap(err, "create temporary snapshot")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write snapshot")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "sync snapshot")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close snapshot")
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return errors.Wrapf(err, "replace snapshot %s", f.path)
	}
	return nil
}

package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Local stores objects as flat files under a data directory, named by their
// opaque id, never by the user-declared filename.
type Local struct {
	dataDir string
}

func NewLocal(dataDir string) (*Local, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Local{dataDir: dataDir}, nil
}

func (l *Local) Save(id string, r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(l.dataDir, "upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	target := filepath.Join(l.dataDir, id)
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("failed to move object into place: %w", err)
	}
	return target, nil
}

func (l *Local) Open(location string) (io.ReadCloser, error) {
	return os.Open(location)
}

func (l *Local) Delete(location string) error {
	if err := os.Remove(location); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Path returns where an object with the given id would be stored.
func (l *Local) Path(id string) string {
	return filepath.Join(l.dataDir, id)
}

package refstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// FileStore keeps one <digest>.blob file per reference under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating reference dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(digest string) string {
	return filepath.Join(s.dir, digest+".blob")
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	id := IDFor(data)
	digest := id[len(idPrefix):]
	path := s.path(digest)
	if _, err := os.Stat(path); err == nil {
		return id, nil
	}

	// Write to a unique temp file, then rename: concurrent puts of the same
	// blob race harmlessly.
	tmp, err := os.CreateTemp(s.dir, digest+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("creating blob: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("committing blob: %w", err)
	}
	return id, nil
}

func (s *FileStore) Get(_ context.Context, id string) ([]byte, error) {
	digest, err := parseID(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(digest))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", id, err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, id string) (bool, error) {
	digest, err := parseID(id)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(digest))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", id, err)
	}
}

func (s *FileStore) Delete(_ context.Context, id string) error {
	digest, err := parseID(id)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(digest)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting %s: %w", id, err)
	}
	return nil
}

package report

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"

	"forwarding-audit-go/internal/apperr"
)

// ArtifactStore persists finished documents
type ArtifactStore interface {
	Exists(name string) (bool, error)
	Write(name string, data []byte) (string, error)
}

// DirStore keeps artifacts as files in one directory
type DirStore struct {
	dir string
}

var _ ArtifactStore = (*DirStore)(nil)

// NewDirStore creates dir if needed
func NewDirStore(dir string) (*DirStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create reports dir %s: %w", dir, err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve reports dir %s: %w", dir, err)
	}
	return &DirStore{dir: abs}, nil
}

// Dir returns the absolute artifact directory
func (s *DirStore) Dir() string {
	return s.dir
}

func (s *DirStore) path(name string) (string, error) {
	if name != filepath.Base(name) || name == "." || name == ".." {
		return "", apperr.Validation(entityJob, "name", fmt.Sprintf("%q is not a base name", name))
	}
	return filepath.Join(s.dir, name), nil
}

// Exists reports whether an artifact called name is already stored
func (s *DirStore) Exists(name string) (bool, error) {
	path, err := s.path(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return true, nil
}

// Write stores data atomically and returns the artifact path. A reader never
// observes a partially written file.
func (s *DirStore) Write(name string, data []byte) (string, error) {
	path, err := s.path(name)
	if err != nil {
		return "", err
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return "", apperr.Persist(name, err)
	}
	return path, nil
}

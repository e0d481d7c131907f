package persistence

import (
	"adaptive-risk-go/internal/models"
	"fmt"
	"os"
	"path/filepath"
)

// fileRepository stores one JSON document per component under a directory.
// Writes go to a temp file in the same directory followed by a rename, so a
// crash leaves either the old file or the new one, never a half-written one.
type fileRepository struct {
	dir string
}

// NewFileRepository creates the snapshot directory if needed and returns a
// file-backed repository.
func NewFileRepository(dir string) (StateRepository, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state dir %s: %w", dir, err)
	}
	return &fileRepository{dir: dir}, nil
}

func (r *fileRepository) path(component string) string {
	return filepath.Join(r.dir, component+".json")
}

func (r *fileRepository) Save(component string, state any) error {
	data, err := encodeDocument(component, models.SchemaVersion, state)
	if err != nil {
		return fmt.Errorf("failed to encode %s snapshot: %w", component, err)
	}

	final := r.path(component)
	tmp, err := os.CreateTemp(r.dir, component+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", component, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s snapshot: %w", component, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s snapshot: %w", component, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close %s snapshot: %w", component, err)
	}

	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s snapshot: %w", component, err)
	}
	return nil
}

func (r *fileRepository) Load(component string, out any) (bool, error) {
	data, err := os.ReadFile(r.path(component))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s snapshot: %w", component, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	ok, err := decodeDocument(data, models.SchemaVersion, out)
	if err != nil {
		return false, fmt.Errorf("failed to decode %s snapshot: %w", component, err)
	}
	return ok, nil
}

func (r *fileRepository) Close() error { return nil }

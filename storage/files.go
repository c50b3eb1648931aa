package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Archive spools composed payloads to disk for inspection, one file per
// message at <dir>/<id>.eml. The latest attempt overwrites earlier ones.
type Archive struct {
	dir string
}

// NewArchive returns an Archive rooted at dir.
func NewArchive(dir string) *Archive {
	return &Archive{dir: dir}
}

// Save writes the payload for message id.
func (a *Archive) Save(id string, data []byte) error {
	name, err := a.path(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write archive: %w", err)
	}
	if err := os.Rename(tmp, name); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write archive: %w", err)
	}
	return nil
}

// Remove deletes the payload for message id. A missing file is not an error.
func (a *Archive) Remove(id string) error {
	name, err := a.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove archive: %w", err)
	}
	return nil
}

func (a *Archive) path(id string) (string, error) {
	safeID, err := sanitizeComponent(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(a.dir, safeID+".eml"), nil
}

func sanitizeComponent(v string) (string, error) {
	if strings.ContainsAny(v, "/\\") || strings.Contains(v, "..") {
		return "", errors.New("invalid identifier")
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", errors.New("empty identifier")
	}
	return v, nil
}

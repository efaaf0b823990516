package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Uploads saves uploaded documents under Root.
type Uploads struct {
	Root string
}

// Put stores r under a unique name derived from name and returns its path.
func (u Uploads) Put(name string, r io.Reader) (string, error) {
	if err := os.MkdirAll(u.Root, 0o755); err != nil {
		return "", fmt.Errorf("create upload directory: %w", err)
	}
	base := filepath.Base(filepath.Clean(name))
	if base == "." || base == string(filepath.Separator) {
		base = "document"
	}
	abs := filepath.Join(u.Root, uuid.New().String()+"_"+strings.ReplaceAll(base, " ", "_"))
	f, err := os.Create(abs)
	if err != nil {
		return "", fmt.Errorf("create upload: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		os.Remove(abs)
		return "", fmt.Errorf("write upload: %w", err)
	}
	return abs, nil
}

// Remove deletes a stored upload.
func (u Uploads) Remove(path string) error {
	return os.Remove(path)
}

// Package local stores objects as files under a root directory.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/xraph/imgdispatch/storage"
)

// Compile-time interface check.
var _ storage.Storage = (*Storage)(nil)

// Storage keeps each ref at root/ref.
type Storage struct {
	root string
}

// New creates the root directory if needed and returns a Storage on it.
func New(root string) (*Storage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("imgdispatch/local: mkdir %s: %w", root, err)
	}
	return &Storage{root: root}, nil
}

// Root returns the directory objects are stored under.
func (s *Storage) Root() string { return s.root }

func (s *Storage) path(ref string) (string, error) {
	cleaned, err := storage.CleanRef(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %q", err, ref)
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned)), nil
}

// Get reads the file at ref.
func (s *Storage) Get(_ context.Context, ref string) ([]byte, error) {
	p, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("imgdispatch/local: get %s: %w", ref, err)
	}
	return data, nil
}

// Put writes data to a temporary file and renames it into place, so
// readers never observe a partial object.
func (s *Storage) Put(_ context.Context, ref string, data []byte) error {
	p, err := s.path(ref)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("imgdispatch/local: put %s: %w", ref, err)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return fmt.Errorf("imgdispatch/local: put %s: %w", ref, err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck,gosec // write error wins
		return fmt.Errorf("imgdispatch/local: put %s: %w", ref, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("imgdispatch/local: put %s: %w", ref, err)
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return fmt.Errorf("imgdispatch/local: put %s: %w", ref, err)
	}
	return nil
}

// Delete removes the file at ref.
func (s *Storage) Delete(_ context.Context, ref string) error {
	p, err := s.path(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("imgdispatch/local: delete %s: %w", ref, err)
	}
	return nil
}

// Package local implements a local filesystem blob store.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

const uriScheme = "file://"

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes artifacts to the local filesystem.
type BlobStore struct {
	baseDir string
}

// New creates a new local filesystem-backed blob store.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	return &BlobStore{baseDir: abs}, nil
}

// PutObject writes data under the base directory and returns a file:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (snapshot.BlobObject, error) {
	if strings.TrimSpace(path) == "" {
		return snapshot.BlobObject{}, fmt.Errorf("path is required")
	}
	fullPath, err := s.contained(filepath.Join(s.baseDir, path))
	if err != nil {
		return snapshot.BlobObject{}, err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return snapshot.BlobObject{}, fmt.Errorf("failed to create parent directories: %w", err)
	}
	if err := os.WriteFile(fullPath, data, 0o600); err != nil {
		return snapshot.BlobObject{}, fmt.Errorf("failed to write file: %w", err)
	}
	return snapshot.BlobObject{URI: uriScheme + fullPath, Size: int64(len(data))}, nil
}

// GetObject reads the blob at uri.
func (s *BlobStore) GetObject(_ context.Context, uri string) ([]byte, error) {
	fullPath, err := s.pathFromURI(uri)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fullPath) // #nosec G304 -- path is confined to baseDir.
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("blob %s: %w", uri, snapshot.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return data, nil
}

// DeleteObject removes the blob at uri. Deleting a missing blob succeeds.
func (s *BlobStore) DeleteObject(_ context.Context, uri string) error {
	fullPath, err := s.pathFromURI(uri)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

func (s *BlobStore) pathFromURI(uri string) (string, error) {
	path, ok := strings.CutPrefix(uri, uriScheme)
	if !ok || path == "" {
		return "", fmt.Errorf("invalid file uri %q", uri)
	}
	return s.contained(path)
}

// contained rejects paths that escape the base directory.
func (s *BlobStore) contained(path string) (string, error) {
	clean := filepath.Clean(path)
	if !strings.HasPrefix(clean, filepath.Clean(s.baseDir)+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return clean, nil
}

// Package memory stores blobs and documents in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

const uriScheme = "memory://"

// BlobStore stores artifacts in-memory and returns pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data: make(map[string][]byte),
	}
}

// PutObject persists a copy of data and returns its URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (snapshot.BlobObject, error) {
	if strings.TrimSpace(path) == "" {
		return snapshot.BlobObject{}, fmt.Errorf("path is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[path] = append([]byte(nil), data...)
	return snapshot.BlobObject{URI: uriScheme + path, Size: int64(len(data))}, nil
}

// GetObject returns a copy of the blob stored at uri.
func (s *BlobStore) GetObject(_ context.Context, uri string) ([]byte, error) {
	path, err := pathFromURI(uri)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[path]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", uri, snapshot.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// DeleteObject removes the blob at uri. Deleting a missing blob succeeds.
func (s *BlobStore) DeleteObject(_ context.Context, uri string) error {
	path, err := pathFromURI(uri)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, path)
	return nil
}

// Len returns the number of stored blobs.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func pathFromURI(uri string) (string, error) {
	path, ok := strings.CutPrefix(uri, uriScheme)
	if !ok || path == "" {
		return "", fmt.Errorf("invalid memory uri %q", uri)
	}
	return path, nil
}

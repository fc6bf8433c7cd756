// Package gcs provides a BlobStore backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
}

// BlobStore writes snapshot artifacts to a configured GCS bucket.
type BlobStore struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed blob store.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// PutObject uploads data to the configured bucket and returns a gs:// URI.
func (s *BlobStore) PutObject(
	ctx context.Context,
	path string,
	contentType string,
	data []byte,
) (snapshot.BlobObject, error) {
	if strings.TrimSpace(path) == "" {
		return snapshot.BlobObject{}, fmt.Errorf("path is required")
	}
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return snapshot.BlobObject{}, fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return snapshot.BlobObject{}, fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return snapshot.BlobObject{}, fmt.Errorf("close writer: %w", err)
	}
	return snapshot.BlobObject{
		URI:  fmt.Sprintf("gs://%s/%s", s.bucket, path),
		Size: int64(len(data)),
	}, nil
}

// GetObject downloads the object referenced by a gs:// URI.
func (s *BlobStore) GetObject(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("blob %s: %w", uri, snapshot.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open object: %w", err)
	}
	defer func() {
		_ = reader.Close()
	}()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return data, nil
}

// DeleteObject removes the object referenced by a gs:// URI. Missing objects are not an error.
func (s *BlobStore) DeleteObject(ctx context.Context, uri string) error {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return err
	}
	err = s.client.Bucket(bucket).Object(object).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// ParseURI splits gs://bucket/path into its bucket and object name.
func ParseURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("invalid gcs uri %q", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("invalid gcs uri %q", uri)
	}
	return bucket, object, nil
}

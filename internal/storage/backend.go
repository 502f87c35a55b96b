// Package storage defines the Backend interface for raw object storage
// behind the blob offload store.
package storage

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned by GetObject when no object exists at the key.
var ErrNotFound = errors.New("object not found")

// Backend is the interface for content storage backends.
// Implementations handle raw object I/O (S3, local filesystem).
// Content addressing and compression are handled by blobstore.
type Backend interface {
	// GetObject retrieves an entire object by key.
	GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error)

	// PutObject uploads content to the given key.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key.
	DeleteObject(ctx context.Context, key string) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier ("s3", "local").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

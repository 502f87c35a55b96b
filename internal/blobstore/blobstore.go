// Package blobstore offloads large file bodies to content-addressed
// storage and fetches them back by URL.
package blobstore

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// ErrBlobStore matches every error returned by a Store.
var ErrBlobStore = errors.New("blob store")

// ErrInvalidKey is returned for blob keys that are not a hex digest.
var ErrInvalidKey = errors.New("invalid blob key")

// Error describes a failed upload or fetch.
type Error struct {
	Op  string // "upload" or "fetch"
	Ref string // URL or key, when known
	Err error
}

func (e *Error) Error() string {
	if e.Ref == "" {
		return fmt.Sprintf("blob %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("blob %s %s: %v", e.Op, e.Ref, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports ErrBlobStore as a match for every blob store error.
func (e *Error) Is(target error) bool { return target == ErrBlobStore }

// Store uploads content and returns a URL from which it can be fetched.
type Store interface {
	Upload(ctx context.Context, content []byte) (string, error)
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Key returns the content address of content: the hex BLAKE3-256 digest.
func Key(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// ValidKey reports whether key looks like a value returned by Key.
func ValidKey(key string) bool {
	if len(key) != 64 {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}

// objectKey shards keys by their first byte so a local backend does not
// put every blob in one directory.
func objectKey(key string) string {
	return "blobs/" + key[:2] + "/" + key
}

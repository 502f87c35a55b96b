package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"

	"github.com/fruitsalade/previewsync/internal/logging"
	"github.com/fruitsalade/previewsync/internal/metrics"
	"github.com/fruitsalade/previewsync/internal/storage"
)

// BlobPathPrefix is the relay route under which blobs are served.
const BlobPathPrefix = "/api/v1/blobs/"

// zstd encoders and decoders are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("blobstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("blobstore: zstd decoder initialization failed: " + err.Error())
	}
}

// BackendOptions configures a BackendStore.
type BackendOptions struct {
	// BaseURL is the public URL of the relay serving the blobs, used to
	// build the URLs returned by Upload.
	BaseURL string
	// MaxBlobSize rejects larger uploads. Zero means unlimited.
	MaxBlobSize int64
	Logger      *zap.Logger
}

// BackendStore is a Store over a raw storage.Backend. Blobs are keyed by
// their content digest and stored zstd-compressed, so uploading the same
// content twice writes once.
type BackendStore struct {
	backend storage.Backend
	baseURL string
	maxSize int64
	logger  *zap.Logger
}

var _ Store = (*BackendStore)(nil)

// NewBackendStore wraps backend.
func NewBackendStore(backend storage.Backend, opts BackendOptions) *BackendStore {
	return &BackendStore{
		backend: backend,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		maxSize: opts.MaxBlobSize,
		logger:  logging.Or(opts.Logger),
	}
}

// BaseURL returns the configured public base URL, which may be empty.
func (s *BackendStore) BaseURL() string { return s.baseURL }

// URL returns the public URL for key.
func (s *BackendStore) URL(key string) string {
	return s.baseURL + BlobPathPrefix + key
}

// Put stores content and returns its key.
func (s *BackendStore) Put(ctx context.Context, content []byte) (string, error) {
	if s.maxSize > 0 && int64(len(content)) > s.maxSize {
		metrics.RecordBlobOperation("upload", len(content), false)
		return "", &Error{Op: "upload", Err: fmt.Errorf("blob of %d bytes exceeds limit of %d", len(content), s.maxSize)}
	}

	key := Key(content)
	objKey := objectKey(key)

	exists, err := s.backend.ObjectExists(ctx, objKey)
	if err != nil {
		metrics.RecordBlobOperation("upload", len(content), false)
		return "", &Error{Op: "upload", Ref: key, Err: err}
	}
	if exists {
		s.logger.Debug("blob already stored", zap.String("key", key))
		metrics.RecordBlobOperation("upload", len(content), true)
		return key, nil
	}

	compressed := zstdEncoder.EncodeAll(content, nil)
	if err := s.backend.PutObject(ctx, objKey, bytes.NewReader(compressed), int64(len(compressed))); err != nil {
		metrics.RecordBlobOperation("upload", len(content), false)
		return "", &Error{Op: "upload", Ref: key, Err: err}
	}

	metrics.RecordBlobOperation("upload", len(content), true)
	s.logger.Debug("blob stored",
		zap.String("key", key),
		zap.Int("size", len(content)),
		zap.Int("compressed", len(compressed)),
		zap.String("backend", s.backend.Type()),
	)
	return key, nil
}

// Get returns the content stored under key.
func (s *BackendStore) Get(ctx context.Context, key string) ([]byte, error) {
	if !ValidKey(key) {
		return nil, &Error{Op: "fetch", Ref: key, Err: ErrInvalidKey}
	}

	rc, _, err := s.backend.GetObject(ctx, objectKey(key))
	if err != nil {
		metrics.RecordBlobOperation("fetch", 0, false)
		return nil, &Error{Op: "fetch", Ref: key, Err: err}
	}
	defer rc.Close()

	compressed, err := io.ReadAll(rc)
	if err != nil {
		metrics.RecordBlobOperation("fetch", 0, false)
		return nil, &Error{Op: "fetch", Ref: key, Err: err}
	}
	content, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		metrics.RecordBlobOperation("fetch", 0, false)
		s.discard(ctx, key)
		return nil, &Error{Op: "fetch", Ref: key, Err: fmt.Errorf("zstd decompress: %w", err)}
	}
	if Key(content) != key {
		metrics.RecordBlobOperation("fetch", len(content), false)
		s.discard(ctx, key)
		return nil, &Error{Op: "fetch", Ref: key, Err: errors.New("content does not match key")}
	}

	metrics.RecordBlobOperation("fetch", len(content), true)
	return content, nil
}

// discard deletes a corrupt object so the next Put of the same content
// writes it again instead of finding it present.
func (s *BackendStore) discard(ctx context.Context, key string) {
	if err := s.backend.DeleteObject(ctx, objectKey(key)); err != nil {
		s.logger.Warn("failed to discard corrupt blob", zap.String("key", key), zap.Error(err))
		return
	}
	s.logger.Warn("discarded corrupt blob", zap.String("key", key))
}

// Upload stores content and returns its public URL.
func (s *BackendStore) Upload(ctx context.Context, content []byte) (string, error) {
	key, err := s.Put(ctx, content)
	if err != nil {
		return "", err
	}
	return s.URL(key), nil
}

// Fetch resolves a URL produced by Upload.
func (s *BackendStore) Fetch(ctx context.Context, url string) ([]byte, error) {
	key, ok := KeyFromURL(url)
	if !ok {
		return nil, &Error{Op: "fetch", Ref: url, Err: ErrInvalidKey}
	}
	return s.Get(ctx, key)
}

// KeyFromURL extracts the blob key from a blob URL.
func KeyFromURL(url string) (string, bool) {
	idx := strings.LastIndex(url, BlobPathPrefix)
	if idx < 0 {
		return "", false
	}
	key := url[idx+len(BlobPathPrefix):]
	if q := strings.IndexAny(key, "?#"); q >= 0 {
		key = key[:q]
	}
	return key, ValidKey(key)
}

// IsNotFound reports whether err means the blob does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound) || errors.Is(err, ErrInvalidKey)
}

package blobstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/previewsync/internal/metrics"
	"github.com/fruitsalade/previewsync/internal/retry"
)

// UploadResponse is the body returned by PUT /api/v1/blobs.
type UploadResponse struct {
	URL  string `json:"url"`
	Key  string `json:"key"`
	Size int    `json:"size"`
}

// HTTPConfig configures an HTTPStore.
type HTTPConfig struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
}

// HTTPStore is a Store that talks to a relay's blob endpoints.
type HTTPStore struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config

	mu        sync.RWMutex
	authToken string
}

var _ Store = (*HTTPStore)(nil)

// NewHTTPStore creates a client for the relay at cfg.BaseURL.
func NewHTTPStore(cfg HTTPConfig) *HTTPStore {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	return &HTTPStore{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		retryConfig: cfg.RetryConfig,
		authToken:   cfg.AuthToken,
	}
}

// SetAuthToken sets the JWT sent with every request.
func (s *HTTPStore) SetAuthToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authToken = token
}

func (s *HTTPStore) applyAuth(req *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}
}

// Upload sends content to the relay and returns the URL it is served at.
func (s *HTTPStore) Upload(ctx context.Context, content []byte) (string, error) {
	result, err := retry.DoWithResult(ctx, s.retryConfig, func() (UploadResponse, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, s.baseURL+"/api/v1/blobs", bytes.NewReader(content))
		if err != nil {
			return UploadResponse{}, err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		s.applyAuth(req)

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return UploadResponse{}, retry.Retryable(fmt.Errorf("upload request failed: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			err := fmt.Errorf("upload failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
			if retry.RetryableStatus(resp.StatusCode) {
				return UploadResponse{}, retry.Retryable(err)
			}
			return UploadResponse{}, err
		}

		var out UploadResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return UploadResponse{}, fmt.Errorf("parse upload response: %w", err)
		}
		if out.URL == "" {
			return UploadResponse{}, fmt.Errorf("upload response missing url")
		}
		return out, nil
	})
	if err != nil {
		metrics.RecordBlobOperation("upload", len(content), false)
		return "", &Error{Op: "upload", Err: err}
	}
	metrics.RecordBlobOperation("upload", len(content), true)
	return result.URL, nil
}

// Fetch downloads the content at url.
func (s *HTTPStore) Fetch(ctx context.Context, url string) ([]byte, error) {
	data, err := retry.DoWithResult(ctx, s.retryConfig, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		s.applyAuth(req)

		resp, err := s.httpClient.Do(req)
		if err != nil {
			return nil, retry.Retryable(fmt.Errorf("fetch request failed: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			err := fmt.Errorf("fetch failed (%d)", resp.StatusCode)
			if retry.RetryableStatus(resp.StatusCode) {
				return nil, retry.Retryable(err)
			}
			return nil, err
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, retry.Retryable(fmt.Errorf("read body: %w", err))
		}
		return data, nil
	})
	if err != nil {
		metrics.RecordBlobOperation("fetch", 0, false)
		return nil, &Error{Op: "fetch", Ref: url, Err: err}
	}
	metrics.RecordBlobOperation("fetch", len(data), true)
	return data, nil
}

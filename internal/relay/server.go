// Package relay provides the HTTP relay: channel fan-out over SSE with
// device presence, and the blob endpoints used for offloaded files.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/previewsync/internal/blobstore"
	"github.com/fruitsalade/previewsync/internal/hub"
	"github.com/fruitsalade/previewsync/internal/logging"
	"github.com/fruitsalade/previewsync/internal/metrics"
	"github.com/fruitsalade/previewsync/internal/protocol"
)

// Server defaults.
const (
	DefaultMaxMessageSize = 1 << 20
	DefaultHeartbeat      = 15 * time.Second
)

// Options configures a Server.
type Options struct {
	// Auth protects /api/v1/ when non-nil. Blob downloads stay public so
	// preview runtimes can fetch content-addressed URLs directly.
	Auth           *Auth
	MaxBlobSize    int64
	MaxMessageSize int64
	Heartbeat      time.Duration
}

// Server is the HTTP relay server.
type Server struct {
	hub            *hub.Hub
	blobs          *blobstore.BackendStore
	auth           *Auth
	maxBlobSize    int64
	maxMessageSize int64
	heartbeat      time.Duration
}

// NewServer creates a new server.
func NewServer(h *hub.Hub, blobs *blobstore.BackendStore, opts Options) *Server {
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = DefaultMaxMessageSize
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	return &Server{
		hub:            h,
		blobs:          blobs,
		auth:           opts.Auth,
		maxBlobSize:    opts.MaxBlobSize,
		maxMessageSize: opts.MaxMessageSize,
		heartbeat:      opts.Heartbeat,
	}
}

// Handler returns the HTTP handler with auth, logging and metrics
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/blobs/{key}", s.handleBlobGet)

	protected := http.NewServeMux()
	protected.HandleFunc("GET /api/v1/channels/{channel}/events", s.handleEvents)
	protected.HandleFunc("POST /api/v1/channels/{channel}/messages", s.handlePublish)
	protected.HandleFunc("PUT /api/v1/blobs", s.handleBlobPut)

	var authed http.Handler = protected
	if s.auth != nil {
		authed = s.auth.Middleware(protected)
	}
	mux.Handle("/api/v1/", authed)

	return logging.Middleware(metrics.Middleware(mux))
}

// ─── Health ─────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": s.hub.Total(),
	})
}

// ─── Channels ───────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	if !GetClaims(r.Context()).AllowsChannel(channel) {
		sendError(w, http.StatusForbidden, "token not valid for channel")
		return
	}

	var device *protocol.Device
	if raw := r.URL.Query().Get("device"); raw != "" {
		d, err := protocol.ParseDevice(raw)
		if err != nil {
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		device = &d
	}
	sender := r.URL.Query().Get("sender")
	if sender == "" {
		sender = uuid.NewString()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the headers go out so a client that saw 200 is
	// guaranteed to receive everything published afterwards.
	sub := s.hub.Subscribe(channel, sender, device)
	defer s.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := logging.WithContext(r.Context()).With(zap.String("channel", channel), zap.String("sender", sender))
	log.Info("subscriber connected", zap.Bool("device", device != nil))
	defer log.Info("subscriber disconnected")

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case env, ok := <-sub.C:
			if !ok {
				return
			}
			data, err := protocol.MarshalEnvelope(env)
			if err != nil {
				log.Warn("marshal envelope failed", zap.Error(err))
				continue
			}
			fmt.Fprintf(w, "event: message\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// PublishResponse is the body returned for a published message.
type PublishResponse struct {
	Delivered int `json:"delivered"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel")
	if !GetClaims(r.Context()).AllowsChannel(channel) {
		sendError(w, http.StatusForbidden, "token not valid for channel")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxMessageSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(w, http.StatusRequestEntityTooLarge, "message too large")
			return
		}
		sendError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	env, err := protocol.UnmarshalEnvelope(body)
	if err != nil {
		sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	n := s.hub.Publish(channel, env)
	logging.WithContext(r.Context()).Debug("message relayed",
		zap.String("channel", channel),
		zap.String("type", string(env.Message.Type)),
		zap.Int("delivered", n),
	)
	sendJSON(w, http.StatusAccepted, PublishResponse{Delivered: n})
}

// ─── Blobs ──────────────────────────────────────────────────────────────────

func (s *Server) handleBlobPut(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		sendError(w, http.StatusNotImplemented, "blob storage not configured")
		return
	}

	reader := io.Reader(r.Body)
	if s.maxBlobSize > 0 {
		reader = http.MaxBytesReader(w, r.Body, s.maxBlobSize)
	}
	content, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(w, http.StatusRequestEntityTooLarge, "blob too large")
			return
		}
		sendError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	key, err := s.blobs.Put(r.Context(), content)
	if err != nil {
		logging.WithContext(r.Context()).Error("blob upload failed", zap.Error(err))
		sendError(w, http.StatusInternalServerError, "store blob failed")
		return
	}

	sendJSON(w, http.StatusCreated, blobstore.UploadResponse{
		URL:  s.blobURL(r, key),
		Key:  key,
		Size: len(content),
	})
}

func (s *Server) handleBlobGet(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		sendError(w, http.StatusNotImplemented, "blob storage not configured")
		return
	}

	key := r.PathValue("key")
	if !blobstore.ValidKey(key) {
		sendError(w, http.StatusBadRequest, "invalid blob key")
		return
	}

	content, err := s.blobs.Get(r.Context(), key)
	if err != nil {
		if blobstore.IsNotFound(err) {
			sendError(w, http.StatusNotFound, "blob not found")
			return
		}
		logging.WithContext(r.Context()).Error("blob fetch failed", zap.String("key", key), zap.Error(err))
		sendError(w, http.StatusInternalServerError, "fetch blob failed")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("ETag", `"`+key+`"`)
	w.Write(content)
}

// blobURL builds the public URL of a blob, falling back to the request's
// host when no public base URL is configured.
func (s *Server) blobURL(r *http.Request, key string) string {
	if s.blobs.BaseURL() != "" {
		return s.blobs.URL(key)
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + blobstore.BlobPathPrefix + key
}

func sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

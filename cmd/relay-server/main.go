// PreviewSync Relay Server
//
// Features:
// - Channel fan-out over SSE with device presence
// - Content-addressed blob upload/download (local or S3 storage)
// - JWT-protected channel access
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/fruitsalade/previewsync/internal/blobstore"
	"github.com/fruitsalade/previewsync/internal/config"
	"github.com/fruitsalade/previewsync/internal/hub"
	"github.com/fruitsalade/previewsync/internal/logging"
	"github.com/fruitsalade/previewsync/internal/metrics"
	"github.com/fruitsalade/previewsync/internal/relay"
	"github.com/fruitsalade/previewsync/internal/storage"
	"github.com/fruitsalade/previewsync/internal/storage/local"
	s3storage "github.com/fruitsalade/previewsync/internal/storage/s3"
)

func main() {
	flags := pflag.NewFlagSet("relay-server", pflag.ExitOnError)
	configFile := flags.String("config", os.Getenv("PREVIEWSYNC_CONFIG"), "config file (yaml, toml or json)")
	flags.String("listen", "", "HTTP listen address")
	flags.String("metrics", "", "metrics listen address")
	flags.String("public-url", "", "public base URL used in blob URLs")
	flags.String("storage", "", "storage backend: local or s3")
	flags.String("storage-path", "", "root directory for the local backend")
	flags.String("log-level", "", "log level")
	flags.String("log-format", "", "log format: json or console")
	_ = flags.Parse(os.Args[1:])

	cfg, err := config.Load(*configFile, flags)
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}
	if err := cfg.Relay.Validate(cfg.Storage); err != nil {
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(cfg.Log); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("PreviewSync relay starting...",
		zap.String("listen", cfg.Relay.ListenAddr),
		zap.String("metrics", cfg.Relay.MetricsAddr),
		zap.String("storage", cfg.Storage.Backend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend, err := newBackend(ctx, cfg.Storage)
	if err != nil {
		logging.Fatal("storage init failed", zap.Error(err))
	}
	defer backend.Close()

	blobs := blobstore.NewBackendStore(backend, blobstore.BackendOptions{
		BaseURL:     cfg.Relay.PublicURL,
		MaxBlobSize: cfg.Relay.MaxBlobSize,
	})

	var auth *relay.Auth
	if cfg.Relay.JWTSecret != "" {
		auth = relay.NewAuth(cfg.Relay.JWTSecret)
	} else {
		logging.Warn("no JWT secret configured, channels are open to anyone")
	}

	srv := relay.NewServer(hub.New(hub.DefaultBuffer), blobs, relay.Options{
		Auth:           auth,
		MaxBlobSize:    cfg.Relay.MaxBlobSize,
		MaxMessageSize: cfg.Relay.MaxMessageSize,
		Heartbeat:      cfg.Relay.Heartbeat,
	})

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.Relay.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.Relay.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// SSE streams are long-lived, so no write timeout.
	httpServer := &http.Server{
		Addr:              cfg.Relay.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		httpServer.Close()
		metricsServer.Close()
	}()

	logging.Info("relay listening", zap.String("addr", cfg.Relay.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
}

func newBackend(ctx context.Context, cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case "local":
		return local.New(cfg.Local)
	case "s3":
		return s3storage.New(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

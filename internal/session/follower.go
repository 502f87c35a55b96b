package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fruitsalade/previewsync/internal/blobstore"
	"github.com/fruitsalade/previewsync/internal/filesync"
	"github.com/fruitsalade/previewsync/internal/logging"
	"github.com/fruitsalade/previewsync/internal/protocol"
	"github.com/fruitsalade/previewsync/internal/transport"
)

// FollowerConfig configures a Follower.
type FollowerConfig struct {
	Device protocol.Device
	// FetchConcurrency bounds concurrent blob fetches per CODE message.
	FetchConcurrency int
	Logger           *zap.Logger

	// OnChange is called after each CODE message with the paths that
	// changed and the full file set.
	OnChange func(changed []string, files map[string]string)
	// OnMessage receives every other message type.
	OnMessage func(protocol.Message)
}

// Follower is the preview side of a session. It reconstructs the
// session's files from CODE messages and reports back over the same
// channel.
type Follower struct {
	ch       transport.Channel
	receiver *filesync.Receiver
	cfg      FollowerConfig
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// applyMu serializes CODE messages; deliveries may arrive from more
	// than one transport goroutine.
	applyMu sync.Mutex

	mu       sync.Mutex
	started  bool
	metadata protocol.Metadata
	deps     map[string]string
}

// NewFollower creates a follower reading from ch. store resolves blob
// references in CODE messages.
func NewFollower(ch transport.Channel, store blobstore.Store, cfg FollowerConfig) *Follower {
	logger := logging.Or(cfg.Logger).With(zap.String("device", cfg.Device.ID))
	return &Follower{
		ch: ch,
		receiver: filesync.NewReceiver(store, filesync.ReceiverOptions{
			FetchConcurrency: cfg.FetchConcurrency,
			Logger:           logger,
		}),
		cfg:    cfg,
		logger: logger,
	}
}

// Start subscribes to channel and asks the session to resend its code.
func (f *Follower) Start(ctx context.Context, channel string) error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return fmt.Errorf("follower already started")
	}
	f.started = true
	f.ctx, f.cancel = context.WithCancel(context.Background())
	f.mu.Unlock()

	f.ch.Listen(f.handle)
	if err := f.ch.Subscribe(ctx, channel); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}
	if err := f.publish(ctx, protocol.ResendCode(f.cfg.Device)); err != nil {
		return fmt.Errorf("request code: %w", err)
	}
	f.logger.Info("following session", zap.String("channel", channel))
	return nil
}

// Stop unsubscribes. A CODE message being applied finishes first.
func (f *Follower) Stop(ctx context.Context) error {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return nil
	}
	f.started = false
	cancel := f.cancel
	f.mu.Unlock()

	err := f.ch.Unsubscribe(ctx)
	f.applyMu.Lock()
	cancel()
	f.applyMu.Unlock()
	return err
}

// Files returns the reconstructed files.
func (f *Follower) Files() map[string]string { return f.receiver.Files() }

// Metadata returns the metadata and dependencies of the last CODE message.
func (f *Follower) Metadata() (protocol.Metadata, map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metadata, f.deps
}

// Console sends a console log line to the session.
func (f *Follower) Console(ctx context.Context, method string, payload ...any) error {
	return f.publish(ctx, protocol.Console(f.cfg.Device, method, payload...))
}

// ReportError sends a runtime error to the session.
func (f *Follower) ReportError(ctx context.Context, info protocol.ErrorInfo) error {
	device := f.cfg.Device
	return f.publish(ctx, protocol.Message{Type: protocol.TypeError, Device: &device, Error: &info})
}

func (f *Follower) publish(ctx context.Context, msg protocol.Message) error {
	return f.ch.Publish(ctx, protocol.Stamp(msg))
}

func (f *Follower) handle(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeCode:
		f.applyCode(msg)
	case protocol.TypeLoadingMessage:
		f.logger.Info("session loading", zap.String("message", msg.Text))
	case protocol.TypeReload:
		f.logger.Info("reload requested")
	case protocol.TypeResendCode, protocol.TypeConsole, protocol.TypeError, protocol.TypePresence:
		// Traffic from other previews.
		return
	}
	if msg.Type != protocol.TypeCode && f.cfg.OnMessage != nil {
		f.cfg.OnMessage(msg)
	}
}

func (f *Follower) applyCode(msg protocol.Message) {
	f.applyMu.Lock()
	defer f.applyMu.Unlock()

	f.mu.Lock()
	ctx := f.ctx
	f.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}

	changed, err := f.receiver.Apply(ctx, msg.Diff, msg.BlobRef)
	if err != nil {
		f.logger.Warn("some files could not be fetched", zap.Error(err))
	}

	f.mu.Lock()
	if msg.Metadata != nil {
		f.metadata = *msg.Metadata
	}
	f.deps = msg.Dependencies
	f.mu.Unlock()

	f.logger.Debug("applied code", zap.Strings("changed", changed))
	if f.cfg.OnChange != nil && len(changed) > 0 {
		f.cfg.OnChange(changed, f.receiver.Files())
	}
}

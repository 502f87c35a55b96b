// Package httprelay provides a transport over the relay server's HTTP API:
// Server-Sent Events for inbound messages and POST for outbound ones.
package httprelay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/previewsync/internal/logging"
	"github.com/fruitsalade/previewsync/internal/protocol"
	"github.com/fruitsalade/previewsync/internal/retry"
	"github.com/fruitsalade/previewsync/internal/transport"
)

// Config holds transport configuration.
type Config struct {
	BaseURL string
	// Name labels the transport in logs and metrics. Defaults to the
	// relay host.
	Name      string
	AuthToken string
	// Device, when set, is announced to the channel as a presence join.
	Device       *protocol.Device
	RetryConfig  retry.Config
	Timeout      time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Logger       *zap.Logger
}

// Transport is a transport.Transport backed by a relay server.
type Transport struct {
	baseURL      string
	name         string
	id           string
	authToken    string
	device       *protocol.Device
	retryConfig  retry.Config
	client       *http.Client
	streamClient *http.Client
	reconnectMin time.Duration
	reconnectMax time.Duration
	logger       *zap.Logger

	mu        sync.Mutex
	channel   string
	handlers  []transport.Handler
	connected bool
	cancel    context.CancelFunc
	done      chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

// New creates a relay transport.
func New(cfg Config) *Transport {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.ReconnectMin == 0 {
		cfg.ReconnectMin = time.Second
	}
	if cfg.ReconnectMax == 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Name == "" {
		cfg.Name = "relay"
		if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
			cfg.Name = u.Host
		}
	}

	return &Transport{
		baseURL:      baseURL,
		name:         cfg.Name,
		id:           uuid.NewString(),
		authToken:    cfg.AuthToken,
		device:       cfg.Device,
		retryConfig:  cfg.RetryConfig,
		client:       &http.Client{Timeout: cfg.Timeout},
		streamClient: &http.Client{Timeout: 0}, // No timeout for SSE
		reconnectMin: cfg.ReconnectMin,
		reconnectMax: cfg.ReconnectMax,
		logger:       logging.Or(cfg.Logger).With(zap.String("transport", cfg.Name)),
	}
}

// Name implements transport.Transport.
func (t *Transport) Name() string { return t.name }

// ID returns the sender identity used for echo suppression.
func (t *Transport) ID() string { return t.id }

// IsConnected reports whether the event stream is currently open.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Listen implements transport.Channel.
func (t *Transport) Listen(fn transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, fn)
}

// Subscribe opens the channel's event stream. It waits for the first
// connection attempt: on failure the error is returned while the stream
// keeps reconnecting in the background.
func (t *Transport) Subscribe(ctx context.Context, channel string) error {
	if err := t.Unsubscribe(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	first := make(chan error, 1)

	t.mu.Lock()
	t.channel = channel
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.subscribeLoop(loopCtx, channel, done, first)

	select {
	case err := <-first:
		if err != nil {
			return &transport.Error{Op: "subscribe", Transport: t.name, Err: err}
		}
		return nil
	case <-ctx.Done():
		return &transport.Error{Op: "subscribe", Transport: t.name, Err: ctx.Err()}
	}
}

// Unsubscribe closes the event stream and waits for it to finish.
func (t *Transport) Unsubscribe(context.Context) error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.channel = ""
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (t *Transport) subscribeLoop(ctx context.Context, channel string, done chan struct{}, first chan<- error) {
	defer close(done)
	defer t.setConnected(false)

	reconnectDelay := t.reconnectMin
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := t.connect(ctx, channel, func() {
			reconnectDelay = t.reconnectMin
			reportFirst(first, nil)
		})
		if ctx.Err() != nil {
			return
		}
		reportFirst(first, err)

		t.logger.Warn("event stream lost, reconnecting",
			zap.Error(err),
			zap.Duration("delay", reconnectDelay),
		)

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}

		reconnectDelay *= 2
		if reconnectDelay > t.reconnectMax {
			reconnectDelay = t.reconnectMax
		}
	}
}

func reportFirst(first chan<- error, err error) {
	select {
	case first <- err:
	default:
	}
}

func (t *Transport) streamURL(channel string) string {
	q := url.Values{}
	q.Set("sender", t.id)
	if t.device != nil {
		raw, _ := json.Marshal(t.device)
		q.Set("device", string(raw))
	}
	return t.baseURL + "/api/v1/channels/" + url.PathEscape(channel) + "/events?" + q.Encode()
}

func (t *Transport) applyAuth(req *http.Request) {
	if t.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.authToken)
	}
}

// connect holds one event stream open until it ends. onOpen runs once the
// relay has accepted the subscription.
func (t *Transport) connect(ctx context.Context, channel string, onOpen func()) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.streamURL(channel), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	t.applyAuth(req)

	resp, err := t.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("relay returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	t.setConnected(true)
	defer t.setConnected(false)
	onOpen()
	t.logger.Info("event stream connected", zap.String("channel", channel))

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if data.Len() > 0 {
				t.dispatch([]byte(data.String()))
				data.Reset()
			}
			continue
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		if strings.HasPrefix(line, "data:") {
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read: %w", err)
	}
	return fmt.Errorf("connection closed")
}

func (t *Transport) dispatch(data []byte) {
	env, err := protocol.UnmarshalEnvelope(data)
	if err != nil {
		t.logger.Debug("dropping malformed event", zap.Error(err))
		return
	}
	if env.Sender == t.id {
		return
	}

	t.mu.Lock()
	handlers := t.handlers
	t.mu.Unlock()
	for _, fn := range handlers {
		fn(env.Message)
	}
}

func (t *Transport) setConnected(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = v
}

// Publish posts msg to the channel, retrying transient failures.
func (t *Transport) Publish(ctx context.Context, msg protocol.Message) error {
	t.mu.Lock()
	channel := t.channel
	t.mu.Unlock()
	if channel == "" {
		return &transport.Error{Op: "publish", Transport: t.name, Err: transport.ErrNotSubscribed}
	}

	body, err := protocol.MarshalEnvelope(protocol.Envelope{Sender: t.id, Message: msg})
	if err != nil {
		return &transport.Error{Op: "publish", Transport: t.name, Err: err}
	}
	target := t.baseURL + "/api/v1/channels/" + url.PathEscape(channel) + "/messages"

	err = retry.Do(ctx, t.retryConfig, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		t.applyAuth(req)

		resp, err := t.client.Do(req)
		if err != nil {
			return retry.Retryable(fmt.Errorf("publish request failed: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			err := fmt.Errorf("publish failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
			if retry.RetryableStatus(resp.StatusCode) {
				return retry.Retryable(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return &transport.Error{Op: "publish", Transport: t.name, Err: err}
	}
	return nil
}

package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/previewsync/internal/ackcache"
	"github.com/fruitsalade/previewsync/internal/clock"
	"github.com/fruitsalade/previewsync/internal/logging"
	"github.com/fruitsalade/previewsync/internal/metrics"
	"github.com/fruitsalade/previewsync/internal/protocol"
)

// Mirror defaults.
const (
	DefaultGraceWindow       = 3000 * time.Millisecond
	DefaultFailoverThreshold = 5
)

// MirrorConfig configures a Mirror. Zero values select defaults.
type MirrorConfig struct {
	GraceWindow       time.Duration
	FailoverThreshold int
	CacheCapacity     int
	Clock             clock.Clock
	Logger            *zap.Logger
}

// MirrorStats is a snapshot of a mirror's reliability counters.
type MirrorStats struct {
	// Missed counts messages that only the fallback delivered.
	Missed     int
	FailedOver bool
}

// Mirror presents one channel backed by a primary and a fallback
// transport. Inbound messages from both are merged and deduplicated by
// fingerprint. Outbound messages go through the primary until it reports
// disconnected or the fallback has had to deliver FailoverThreshold
// messages the primary missed; from then on they go through the fallback
// for the rest of the mirror's life.
//
// A Mirror deliberately has no IsConnected: connectivity of the merged
// channel is not meaningful.
type Mirror struct {
	primary  Transport
	fallback Transport
	grace    time.Duration
	limit    int
	clock    clock.Clock
	logger   *zap.Logger
	acks     *ackcache.Cache

	mu         sync.Mutex
	pending    map[protocol.Fingerprint]*heldDelivery
	handlers   []Handler
	missed     int
	failedOver bool
}

var _ Channel = (*Mirror)(nil)

// heldDelivery is a fallback-only message waiting out the grace window.
type heldDelivery struct {
	msg   protocol.Message
	timer *clock.Timer
}

// NewMirror creates a mirror and registers itself as a listener on both
// transports.
func NewMirror(primary, fallback Transport, cfg MirrorConfig) *Mirror {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.FailoverThreshold <= 0 {
		cfg.FailoverThreshold = DefaultFailoverThreshold
	}

	m := &Mirror{
		primary:  primary,
		fallback: fallback,
		grace:    cfg.GraceWindow,
		limit:    cfg.FailoverThreshold,
		clock:    clock.OrReal(cfg.Clock),
		logger:   logging.Or(cfg.Logger).With(zap.String("primary", primary.Name()), zap.String("fallback", fallback.Name())),
		acks:     ackcache.New(cfg.CacheCapacity),
		pending:  make(map[protocol.Fingerprint]*heldDelivery),
	}
	primary.Listen(m.fromPrimary)
	fallback.Listen(m.fromFallback)
	return m
}

// Subscribe subscribes both transports. The mirror stays usable when only
// one of them succeeds; the returned error reports the failures.
func (m *Mirror) Subscribe(ctx context.Context, channel string) error {
	var errs []error
	if err := m.primary.Subscribe(ctx, channel); err != nil {
		m.logger.Warn("primary subscribe failed", zap.Error(err))
		errs = append(errs, err)
	}
	if err := m.fallback.Subscribe(ctx, channel); err != nil {
		m.logger.Warn("fallback subscribe failed", zap.Error(err))
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Unsubscribe unsubscribes both transports and discards messages held in
// the grace window.
func (m *Mirror) Unsubscribe(ctx context.Context) error {
	m.mu.Lock()
	for fp, held := range m.pending {
		held.timer.Stop()
		delete(m.pending, fp)
	}
	m.mu.Unlock()

	return errors.Join(m.primary.Unsubscribe(ctx), m.fallback.Unsubscribe(ctx))
}

// Publish sends msg through the active transport.
func (m *Mirror) Publish(ctx context.Context, msg protocol.Message) error {
	primaryUp := m.primary.IsConnected()

	m.mu.Lock()
	useFallback := m.failedOver || !primaryUp || m.missed >= m.limit
	switched := useFallback && !m.failedOver
	if useFallback {
		m.failedOver = true
	}
	missed := m.missed
	m.mu.Unlock()

	if switched {
		metrics.RecordFailover()
		m.logger.Warn("failing over to fallback transport",
			zap.Bool("primary_connected", primaryUp),
			zap.Int("missed", missed),
		)
	}

	t := m.primary
	if useFallback {
		t = m.fallback
	}
	err := t.Publish(ctx, msg)
	metrics.RecordPublish(t.Name(), string(msg.Type), err == nil)
	return err
}

// Listen registers fn for the merged, deduplicated message stream.
func (m *Mirror) Listen(fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, fn)
}

// Stats returns the current reliability counters.
func (m *Mirror) Stats() MirrorStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MirrorStats{Missed: m.missed, FailedOver: m.failedOver}
}

func (m *Mirror) fromPrimary(msg protocol.Message) {
	metrics.RecordReceive(m.primary.Name(), string(msg.Type))
	if msg.Type == protocol.TypePresence {
		m.passThrough(msg)
		return
	}
	fp, err := protocol.ComputeFingerprint(msg)
	if err != nil {
		m.logger.Warn("dropping message without fingerprint", zap.Error(err))
		return
	}

	m.mu.Lock()
	if held, ok := m.pending[fp]; ok {
		held.timer.Stop()
		delete(m.pending, fp)
	}
	fresh := m.acks.MarkIfAbsent(fp)
	handlers := m.handlers
	m.mu.Unlock()

	if !fresh {
		metrics.RecordDuplicate()
		return
	}
	deliver(handlers, msg)
}

func (m *Mirror) fromFallback(msg protocol.Message) {
	metrics.RecordReceive(m.fallback.Name(), string(msg.Type))
	if msg.Type == protocol.TypePresence {
		m.passThrough(msg)
		return
	}
	fp, err := protocol.ComputeFingerprint(msg)
	if err != nil {
		m.logger.Warn("dropping message without fingerprint", zap.Error(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.pending[fp]; held || m.acks.Contains(fp) {
		metrics.RecordDuplicate()
		return
	}
	held := &heldDelivery{msg: msg}
	m.pending[fp] = held
	held.timer = m.clock.AfterFunc(m.grace, func() { m.expire(fp, held) })
}

// expire delivers a held fallback message the primary never sent.
func (m *Mirror) expire(fp protocol.Fingerprint, held *heldDelivery) {
	m.mu.Lock()
	if m.pending[fp] != held {
		m.mu.Unlock()
		return
	}
	delete(m.pending, fp)
	if !m.acks.MarkIfAbsent(fp) {
		m.mu.Unlock()
		return
	}
	m.missed++
	missed := m.missed
	handlers := m.handlers
	m.mu.Unlock()

	metrics.RecordFallbackDelivery()
	m.logger.Debug("delivered fallback-only message",
		zap.String("type", string(held.msg.Type)),
		zap.Int("missed", missed),
	)
	deliver(handlers, held.msg)
}

// passThrough delivers presence events from either transport without
// dedup. Each transport reports its own membership, and the same device
// may legitimately join and leave repeatedly.
func (m *Mirror) passThrough(msg protocol.Message) {
	m.mu.Lock()
	handlers := m.handlers
	m.mu.Unlock()
	deliver(handlers, msg)
}

func deliver(handlers []Handler, msg protocol.Message) {
	for _, fn := range handlers {
		fn(msg)
	}
}

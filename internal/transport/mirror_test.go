package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/previewsync/internal/clock"
	"github.com/fruitsalade/previewsync/internal/protocol"
)

// stubTransport records publishes and lets tests inject inbound messages.
type stubTransport struct {
	name string

	mu           sync.Mutex
	connected    bool
	channel      string
	published    []protocol.Message
	handlers     []Handler
	subscribeErr error
}

func newStub(name string) *stubTransport {
	return &stubTransport{name: name, connected: true}
}

func (s *stubTransport) Subscribe(_ context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return &Error{Op: "subscribe", Transport: s.name, Err: s.subscribeErr}
	}
	s.channel = channel
	return nil
}

func (s *stubTransport) Unsubscribe(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channel = ""
	return nil
}

func (s *stubTransport) Publish(_ context.Context, msg protocol.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, msg)
	return nil
}

func (s *stubTransport) Listen(fn Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, fn)
}

func (s *stubTransport) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *stubTransport) Name() string { return s.name }

func (s *stubTransport) setConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = v
}

func (s *stubTransport) deliver(msg protocol.Message) {
	s.mu.Lock()
	handlers := append([]Handler(nil), s.handlers...)
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(msg)
	}
}

func (s *stubTransport) publishCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

type recorder struct {
	mu   sync.Mutex
	msgs []protocol.Message
	at   []time.Time
	clk  clock.Clock
}

func (r *recorder) handle(msg protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	r.at = append(r.at, r.clk.Now())
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newMirror(t *testing.T) (*Mirror, *stubTransport, *stubTransport, *clock.FakeClock, *recorder) {
	t.Helper()
	clk := clock.Fake(epoch)
	primary, fallback := newStub("primary"), newStub("fallback")
	m := NewMirror(primary, fallback, MirrorConfig{Clock: clk})
	rec := &recorder{clk: clk}
	m.Listen(rec.handle)
	return m, primary, fallback, clk, rec
}

func msg(text string) protocol.Message { return protocol.Loading(text) }

func TestMirror_PrimaryThenFallback(t *testing.T) {
	_, primary, fallback, clk, rec := newMirror(t)

	primary.deliver(msg("M"))
	clk.Advance(10 * time.Millisecond)
	fallback.deliver(msg("M"))
	clk.Advance(5 * time.Second)

	require.Equal(t, 1, rec.count())
	assert.Equal(t, epoch, rec.at[0])
	assert.Equal(t, 0, clk.PendingCount())
}

func TestMirror_FallbackOnlyDeliversAfterGrace(t *testing.T) {
	m, _, fallback, clk, rec := newMirror(t)

	fallback.deliver(msg("M"))
	clk.Advance(2999 * time.Millisecond)
	assert.Equal(t, 0, rec.count())

	clk.Advance(time.Millisecond)
	require.Equal(t, 1, rec.count())
	assert.Equal(t, epoch.Add(3000*time.Millisecond), rec.at[0])
	assert.Equal(t, 1, m.Stats().Missed)
}

func TestMirror_FallbackThenPrimaryWithinGrace(t *testing.T) {
	m, primary, fallback, clk, rec := newMirror(t)

	fallback.deliver(msg("M"))
	clk.Advance(time.Second)
	primary.deliver(msg("M"))
	assert.Equal(t, 1, rec.count())

	clk.Advance(10 * time.Second)
	assert.Equal(t, 1, rec.count())
	assert.Equal(t, 0, m.Stats().Missed)
}

func TestMirror_PrimaryAfterGraceIsDropped(t *testing.T) {
	_, primary, fallback, clk, rec := newMirror(t)

	fallback.deliver(msg("M"))
	clk.Advance(4 * time.Second)
	primary.deliver(msg("M"))
	fallback.deliver(msg("M"))
	clk.Advance(4 * time.Second)

	assert.Equal(t, 1, rec.count())
}

func TestMirror_AnyInterleavingDeliversOnce(t *testing.T) {
	type step struct {
		fromPrimary bool
		advance     time.Duration
	}
	sequences := [][]step{
		{{true, 0}, {true, 0}, {false, 0}},
		{{false, 0}, {false, 100 * time.Millisecond}, {true, 0}},
		{{false, 0}, {false, 5 * time.Second}, {false, 0}},
		{{false, 3 * time.Second}, {true, 0}, {false, 0}},
		{{true, 1 * time.Second}, {false, 5 * time.Second}, {true, 0}},
	}

	for i, seq := range sequences {
		_, primary, fallback, clk, rec := newMirror(t)
		for _, s := range seq {
			if s.fromPrimary {
				primary.deliver(msg("M"))
			} else {
				fallback.deliver(msg("M"))
			}
			clk.Advance(s.advance)
		}
		clk.Advance(10 * time.Second)
		assert.Equal(t, 1, rec.count(), "sequence %d", i)
	}
}

func TestMirror_ConcurrentDeliveriesFireOnce(t *testing.T) {
	_, primary, fallback, clk, rec := newMirror(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); primary.deliver(msg("M")) }()
		go func() { defer wg.Done(); fallback.deliver(msg("M")) }()
	}
	wg.Wait()
	clk.Advance(10 * time.Second)

	assert.Equal(t, 1, rec.count())
}

func TestMirror_DistinctMessagesAllDelivered(t *testing.T) {
	_, primary, _, _, rec := newMirror(t)
	primary.deliver(msg("a"))
	primary.deliver(msg("b"))
	primary.deliver(msg("c"))
	assert.Equal(t, 3, rec.count())
}

func TestMirror_RepublishedContentIsDelivered(t *testing.T) {
	_, primary, fallback, clk, rec := newMirror(t)

	first := protocol.Stamp(msg("same"))
	second := protocol.Stamp(msg("same"))
	require.NotEqual(t, first.ID, second.ID)

	primary.deliver(first)
	fallback.deliver(first)
	primary.deliver(second)
	fallback.deliver(second)
	clk.Advance(5 * time.Second)

	require.Equal(t, 2, rec.count())
	assert.Equal(t, first.ID, rec.msgs[0].ID)
	assert.Equal(t, second.ID, rec.msgs[1].ID)
}

func TestMirror_PublishUsesPrimary(t *testing.T) {
	m, primary, fallback, _, _ := newMirror(t)
	require.NoError(t, m.Publish(context.Background(), msg("x")))
	assert.Equal(t, 1, primary.publishCount())
	assert.Equal(t, 0, fallback.publishCount())
	assert.False(t, m.Stats().FailedOver)
}

func TestMirror_FailoverOnMissedThreshold(t *testing.T) {
	m, primary, fallback, clk, _ := newMirror(t)

	for i := 0; i < DefaultFailoverThreshold-1; i++ {
		fallback.deliver(msg(string(rune('a' + i))))
		clk.Advance(DefaultGraceWindow)
	}
	require.NoError(t, m.Publish(context.Background(), msg("p1")))
	assert.Equal(t, 1, primary.publishCount())

	fallback.deliver(msg("last"))
	clk.Advance(DefaultGraceWindow)
	assert.Equal(t, DefaultFailoverThreshold, m.Stats().Missed)

	require.NoError(t, m.Publish(context.Background(), msg("p2")))
	assert.Equal(t, 1, primary.publishCount())
	assert.Equal(t, 1, fallback.publishCount())
	assert.True(t, m.Stats().FailedOver)
}

// Failover is permanent for the mirror's lifetime, even after the primary
// reconnects and delivers reliably again.
func TestMirror_FailoverIsSticky(t *testing.T) {
	m, primary, fallback, _, _ := newMirror(t)

	primary.setConnected(false)
	require.NoError(t, m.Publish(context.Background(), msg("1")))
	assert.Equal(t, 1, fallback.publishCount())

	primary.setConnected(true)
	primary.deliver(msg("ok"))
	require.NoError(t, m.Publish(context.Background(), msg("2")))
	require.NoError(t, m.Publish(context.Background(), msg("3")))

	assert.Equal(t, 0, primary.publishCount())
	assert.Equal(t, 3, fallback.publishCount())
	assert.True(t, m.Stats().FailedOver)
}

func TestMirror_SubscribeBoth(t *testing.T) {
	m, primary, fallback, _, _ := newMirror(t)
	require.NoError(t, m.Subscribe(context.Background(), "room"))
	assert.Equal(t, "room", primary.channel)
	assert.Equal(t, "room", fallback.channel)
}

func TestMirror_SubscribePartialFailure(t *testing.T) {
	m, primary, fallback, _, _ := newMirror(t)
	primary.subscribeErr = errors.New("refused")

	err := m.Subscribe(context.Background(), "room")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, "room", fallback.channel)
}

func TestMirror_UnsubscribeDiscardsHeld(t *testing.T) {
	m, _, fallback, clk, rec := newMirror(t)

	fallback.deliver(msg("M"))
	require.NoError(t, m.Unsubscribe(context.Background()))
	clk.Advance(10 * time.Second)

	assert.Equal(t, 0, rec.count())
	assert.Equal(t, 0, m.Stats().Missed)
}

func TestMirror_PresenceIsNotDeduplicated(t *testing.T) {
	m, primary, fallback, clk, rec := newMirror(t)
	device := protocol.Device{ID: "d1", Platform: protocol.PlatformIOS}

	primary.deliver(protocol.Presence(protocol.PresenceJoin, device))
	primary.deliver(protocol.Presence(protocol.PresenceLeave, device))
	primary.deliver(protocol.Presence(protocol.PresenceJoin, device))
	fallback.deliver(protocol.Presence(protocol.PresenceJoin, device))

	assert.Equal(t, 4, rec.count())
	assert.Equal(t, 0, clk.PendingCount())
	assert.Equal(t, 0, m.Stats().Missed)
}

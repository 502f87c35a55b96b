package httprelay

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/previewsync/internal/hub"
	"github.com/fruitsalade/previewsync/internal/protocol"
	"github.com/fruitsalade/previewsync/internal/relay"
	"github.com/fruitsalade/previewsync/internal/retry"
	"github.com/fruitsalade/previewsync/internal/transport"
)

func newRelay(t *testing.T, opts relay.Options) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(relay.NewServer(hub.New(0), nil, opts).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func fastConfig(base string) Config {
	return Config{
		BaseURL:      base,
		RetryConfig:  retry.Config{MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1},
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
	}
}

func collect(tr *Transport) chan protocol.Message {
	ch := make(chan protocol.Message, 16)
	tr.Listen(func(m protocol.Message) { ch <- m })
	return ch
}

func next(t *testing.T, ch chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return protocol.Message{}
	}
}

func TestTransport_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	srv := newRelay(t, relay.Options{})

	a, b := New(fastConfig(srv.URL)), New(fastConfig(srv.URL))
	aIn, bIn := collect(a), collect(b)
	require.NoError(t, a.Subscribe(ctx, "room"))
	require.NoError(t, b.Subscribe(ctx, "room"))
	defer a.Unsubscribe(ctx)
	defer b.Unsubscribe(ctx)
	assert.True(t, a.IsConnected())

	require.NoError(t, a.Publish(ctx, protocol.Code(map[string]string{"App.js": "--- a/App.js\n+++ b/App.js\n"}, nil, nil, protocol.Metadata{Name: "demo"})))
	m := next(t, bIn)
	assert.Equal(t, protocol.TypeCode, m.Type)
	assert.Equal(t, "demo", m.Metadata.Name)

	select {
	case m := <-aIn:
		t.Fatalf("echo delivered to sender: %+v", m)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTransport_DevicePresence(t *testing.T) {
	ctx := context.Background()
	srv := newRelay(t, relay.Options{})

	editor := New(fastConfig(srv.URL))
	in := collect(editor)
	require.NoError(t, editor.Subscribe(ctx, "room"))
	defer editor.Unsubscribe(ctx)

	cfg := fastConfig(srv.URL)
	cfg.Device = &protocol.Device{ID: "ios-1", DisplayName: "iPhone", Platform: protocol.PlatformIOS}
	phone := New(cfg)
	require.NoError(t, phone.Subscribe(ctx, "room"))

	m := next(t, in)
	assert.Equal(t, protocol.PresenceJoin, m.Action)
	assert.Equal(t, "ios-1", m.Device.ID)

	require.NoError(t, phone.Unsubscribe(ctx))
	m = next(t, in)
	assert.Equal(t, protocol.PresenceLeave, m.Action)
}

func TestTransport_PublishBeforeSubscribe(t *testing.T) {
	tr := New(fastConfig("http://127.0.0.1:1"))
	err := tr.Publish(context.Background(), protocol.Loading("x"))
	assert.ErrorIs(t, err, transport.ErrNotSubscribed)
}

func TestTransport_SubscribeUnauthorized(t *testing.T) {
	srv := newRelay(t, relay.Options{Auth: relay.NewAuth("k")})
	tr := New(fastConfig(srv.URL))
	err := tr.Subscribe(context.Background(), "room")
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrTransport)
	assert.False(t, tr.IsConnected())
	require.NoError(t, tr.Unsubscribe(context.Background()))
}

func TestTransport_Authorized(t *testing.T) {
	auth := relay.NewAuth("k")
	srv := newRelay(t, relay.Options{Auth: auth})
	token, err := auth.Issue("cli", "room", time.Hour)
	require.NoError(t, err)

	cfg := fastConfig(srv.URL)
	cfg.AuthToken = token
	tr := New(cfg)
	require.NoError(t, tr.Subscribe(context.Background(), "room"))
	defer tr.Unsubscribe(context.Background())
	require.NoError(t, tr.Publish(context.Background(), protocol.Loading("ok")))
}

func TestTransport_Reconnects(t *testing.T) {
	var connects atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := connects.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		if n == 1 {
			return // drop the first stream immediately
		}
		<-r.Context().Done()
	}))
	defer srv.Close()

	tr := New(fastConfig(srv.URL))
	require.NoError(t, tr.Subscribe(context.Background(), "room"))
	require.Eventually(t, func() bool { return connects.Load() >= 2 && tr.IsConnected() }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, tr.Unsubscribe(context.Background()))
	assert.False(t, tr.IsConnected())
}

func TestTransport_PublishRetriesServerErrors(t *testing.T) {
	var posts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			<-r.Context().Done()
			return
		}
		if posts.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	tr := New(fastConfig(srv.URL))
	require.NoError(t, tr.Subscribe(context.Background(), "room"))
	defer tr.Unsubscribe(context.Background())
	require.NoError(t, tr.Publish(context.Background(), protocol.Loading("x")))
	assert.Equal(t, int32(2), posts.Load())
}

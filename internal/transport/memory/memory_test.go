package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/previewsync/internal/hub"
	"github.com/fruitsalade/previewsync/internal/protocol"
	"github.com/fruitsalade/previewsync/internal/transport"
)

func collect(t *Transport) chan protocol.Message {
	ch := make(chan protocol.Message, 16)
	t.Listen(func(m protocol.Message) { ch <- m })
	return ch
}

func next(t *testing.T, ch chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return protocol.Message{}
	}
}

func TestTransport_PublishReachesPeers(t *testing.T) {
	ctx := context.Background()
	h := hub.New(0)
	a, b := New(h, Options{Name: "a"}), New(h, Options{Name: "b"})
	aIn, bIn := collect(a), collect(b)

	require.NoError(t, a.Subscribe(ctx, "room"))
	require.NoError(t, b.Subscribe(ctx, "room"))
	assert.True(t, a.IsConnected())

	require.NoError(t, a.Publish(ctx, protocol.Loading("hello")))
	assert.Equal(t, "hello", next(t, bIn).Text)

	select {
	case m := <-aIn:
		t.Fatalf("sender received its own message %+v", m)
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, a.Unsubscribe(ctx))
	require.NoError(t, b.Unsubscribe(ctx))
	assert.False(t, a.IsConnected())
}

func TestTransport_PublishBeforeSubscribe(t *testing.T) {
	tr := New(hub.New(0), Options{})
	err := tr.Publish(context.Background(), protocol.Loading("x"))
	assert.ErrorIs(t, err, transport.ErrNotSubscribed)
	assert.ErrorIs(t, err, transport.ErrTransport)
}

func TestTransport_DevicePresence(t *testing.T) {
	ctx := context.Background()
	h := hub.New(0)
	editor := New(h, Options{})
	in := collect(editor)
	require.NoError(t, editor.Subscribe(ctx, "room"))

	device := protocol.Device{ID: "web-1", Platform: protocol.PlatformWeb}
	preview := New(h, Options{Device: &device})
	require.NoError(t, preview.Subscribe(ctx, "room"))

	m := next(t, in)
	assert.Equal(t, protocol.TypePresence, m.Type)
	assert.Equal(t, protocol.PresenceJoin, m.Action)

	require.NoError(t, preview.Unsubscribe(ctx))
	m = next(t, in)
	assert.Equal(t, protocol.PresenceLeave, m.Action)
}

func TestTransport_Offline(t *testing.T) {
	ctx := context.Background()
	h := hub.New(0)
	a, b := New(h, Options{}), New(h, Options{})
	bIn := collect(b)
	require.NoError(t, a.Subscribe(ctx, "room"))
	require.NoError(t, b.Subscribe(ctx, "room"))

	a.SetOffline(true)
	assert.False(t, a.IsConnected())
	require.NoError(t, a.Publish(ctx, protocol.Loading("lost")))

	a.SetOffline(false)
	require.NoError(t, a.Publish(ctx, protocol.Loading("kept")))
	assert.Equal(t, "kept", next(t, bIn).Text)
}

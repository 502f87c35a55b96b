package hub

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/previewsync/internal/protocol"
)

func receive(t *testing.T, sub *Subscription) protocol.Envelope {
	t.Helper()
	select {
	case env, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return protocol.Envelope{}
	}
}

func assertEmpty(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case env := <-sub.C:
		t.Fatalf("unexpected envelope %+v", env)
	default:
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	h := New(0)
	a := h.Subscribe("room", "a", nil)
	b := h.Subscribe("room", "b", nil)
	c := h.Subscribe("other", "c", nil)

	assert.Equal(t, 2, h.Count("room"))
	assert.Equal(t, 3, h.Total())

	h.Unsubscribe(a)
	h.Unsubscribe(a)
	assert.Equal(t, 1, h.Count("room"))

	_, ok := <-a.C
	assert.False(t, ok)

	h.Unsubscribe(b)
	h.Unsubscribe(c)
	assert.Equal(t, 0, h.Total())
}

func TestHub_PublishSkipsSenderAndOtherChannels(t *testing.T) {
	h := New(0)
	a := h.Subscribe("room", "a", nil)
	b := h.Subscribe("room", "b", nil)
	c := h.Subscribe("other", "c", nil)

	n := h.Publish("room", protocol.Envelope{Sender: "a", Message: protocol.Loading("hi")})
	assert.Equal(t, 1, n)

	env := receive(t, b)
	assert.Equal(t, protocol.TypeLoadingMessage, env.Message.Type)
	assertEmpty(t, a)
	assertEmpty(t, c)
}

func TestHub_Presence(t *testing.T) {
	h := New(0)
	editor := h.Subscribe("room", "editor", nil)

	phone := protocol.Device{ID: "d1", DisplayName: "Phone", Platform: protocol.PlatformIOS}
	follower := h.Subscribe("room", "phone", &phone)

	env := receive(t, editor)
	assert.Equal(t, protocol.TypePresence, env.Message.Type)
	assert.Equal(t, protocol.PresenceJoin, env.Message.Action)
	assert.Equal(t, "d1", env.Message.Device.ID)
	assertEmpty(t, follower)

	// A late subscriber learns about devices already present.
	late := h.Subscribe("room", "late", nil)
	env = receive(t, late)
	assert.Equal(t, protocol.PresenceJoin, env.Message.Action)
	assert.Equal(t, "d1", env.Message.Device.ID)

	h.Unsubscribe(follower)
	env = receive(t, editor)
	assert.Equal(t, protocol.PresenceLeave, env.Message.Action)
}

func TestHub_DropsForSlowConsumer(t *testing.T) {
	h := New(4)
	sub := h.Subscribe("room", "slow", nil)
	for i := 0; i < 10; i++ {
		h.Publish("room", protocol.Envelope{Sender: "x", Message: protocol.Loading("m")})
	}

	count := 0
	for {
		select {
		case <-sub.C:
			count++
			continue
		default:
		}
		break
	}
	assert.Equal(t, 4, count)
}

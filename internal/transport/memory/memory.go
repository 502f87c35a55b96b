// Package memory provides an in-process transport over a hub.Hub. It
// backs the direct channel to co-located web previews and lets tests run
// a full session without a network.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/fruitsalade/previewsync/internal/hub"
	"github.com/fruitsalade/previewsync/internal/protocol"
	"github.com/fruitsalade/previewsync/internal/transport"
)

// Options configures a Transport.
type Options struct {
	// Name labels the transport in logs and metrics. Defaults to "memory".
	Name string
	// Device, when set, is announced to the channel as a presence join.
	Device *protocol.Device
}

// Transport is a transport.Transport backed by a hub.
type Transport struct {
	hub    *hub.Hub
	name   string
	id     string
	device *protocol.Device

	mu       sync.Mutex
	sub      *hub.Subscription
	handlers []transport.Handler
	done     chan struct{}
	offline  bool
}

var _ transport.Transport = (*Transport)(nil)

// New creates a transport on h.
func New(h *hub.Hub, opts Options) *Transport {
	if opts.Name == "" {
		opts.Name = "memory"
	}
	return &Transport{
		hub:    h,
		name:   opts.Name,
		id:     uuid.NewString(),
		device: opts.Device,
	}
}

// ID returns the sender identity used for echo suppression.
func (t *Transport) ID() string { return t.id }

// Name implements transport.Transport.
func (t *Transport) Name() string { return t.name }

// Subscribe joins channel, leaving any previous one.
func (t *Transport) Subscribe(ctx context.Context, channel string) error {
	if err := t.Unsubscribe(ctx); err != nil {
		return err
	}

	sub := t.hub.Subscribe(channel, t.id, t.device)
	done := make(chan struct{})

	t.mu.Lock()
	t.sub = sub
	t.done = done
	t.mu.Unlock()

	go t.receive(sub, done)
	return nil
}

func (t *Transport) receive(sub *hub.Subscription, done chan struct{}) {
	defer close(done)
	for env := range sub.C {
		t.mu.Lock()
		handlers := t.handlers
		offline := t.offline
		t.mu.Unlock()
		if offline {
			continue
		}
		for _, fn := range handlers {
			fn(env.Message)
		}
	}
}

// Unsubscribe leaves the current channel and waits for the receive loop
// to drain.
func (t *Transport) Unsubscribe(context.Context) error {
	t.mu.Lock()
	sub, done := t.sub, t.done
	t.sub, t.done = nil, nil
	t.mu.Unlock()

	if sub == nil {
		return nil
	}
	t.hub.Unsubscribe(sub)
	<-done
	return nil
}

// Publish sends msg to the other subscribers on the channel.
func (t *Transport) Publish(_ context.Context, msg protocol.Message) error {
	t.mu.Lock()
	sub, offline := t.sub, t.offline
	t.mu.Unlock()

	if sub == nil {
		return &transport.Error{Op: "publish", Transport: t.name, Err: transport.ErrNotSubscribed}
	}
	if offline {
		return nil
	}
	t.hub.Publish(sub.Channel, protocol.Envelope{Sender: t.id, Message: msg})
	return nil
}

// Listen implements transport.Channel.
func (t *Transport) Listen(fn transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, fn)
}

// IsConnected reports whether the transport is subscribed and online.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sub != nil && !t.offline
}

// SetOffline simulates a silent outage: while offline, the transport
// reports disconnected, silently drops publishes and ignores inbound
// messages.
func (t *Transport) SetOffline(offline bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offline = offline
}

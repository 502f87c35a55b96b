// Package hub fans envelopes out to the subscribers of a named channel and
// announces device presence as subscribers come and go.
package hub

import (
	"sync"

	"github.com/fruitsalade/previewsync/internal/metrics"
	"github.com/fruitsalade/previewsync/internal/protocol"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Subscription is one subscriber on one channel.
type Subscription struct {
	Channel string
	Sender  string
	Device  *protocol.Device

	// C receives envelopes for the channel. It is closed by Unsubscribe.
	C <-chan protocol.Envelope

	ch chan protocol.Envelope
}

// Hub manages channel subscribers and publishes envelopes.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Subscription]struct{}
	buffer   int
}

// New creates a hub. A non-positive buffer selects DefaultBuffer.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		channels: make(map[string]map[*Subscription]struct{}),
		buffer:   buffer,
	}
}

// Subscribe adds a subscriber to channel. Envelopes published by sender
// are not echoed back to it. When device is non-nil the other subscribers
// see a presence join, and the new subscriber is told about every device
// already on the channel. The caller must call Unsubscribe when done.
func (h *Hub) Subscribe(channel, sender string, device *protocol.Device) *Subscription {
	ch := make(chan protocol.Envelope, h.buffer)
	sub := &Subscription{Channel: channel, Sender: sender, Device: device, C: ch, ch: ch}

	h.mu.Lock()
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.channels[channel] = subs
	}
	for other := range subs {
		if other.Device != nil {
			h.send(sub, presence(protocol.PresenceJoin, *other.Device))
		}
	}
	subs[sub] = struct{}{}
	if device != nil {
		h.broadcastLocked(channel, presence(protocol.PresenceJoin, *device), sub)
	}
	total := h.countLocked()
	h.mu.Unlock()

	metrics.SetRelaySubscribers(total)
	return sub
}

// Unsubscribe removes a subscriber, closes its channel and announces the
// device leaving.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	subs, ok := h.channels[sub.Channel]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := subs[sub]; !ok {
		h.mu.Unlock()
		return
	}
	delete(subs, sub)
	close(sub.ch)
	if len(subs) == 0 {
		delete(h.channels, sub.Channel)
	} else if sub.Device != nil {
		h.broadcastLocked(sub.Channel, presence(protocol.PresenceLeave, *sub.Device), nil)
	}
	total := h.countLocked()
	h.mu.Unlock()

	metrics.SetRelaySubscribers(total)
}

// Publish sends env to every subscriber on channel except its sender.
// Non-blocking: drops envelopes for slow consumers. It returns the number
// of subscribers the envelope was queued for.
func (h *Hub) Publish(channel string, env protocol.Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := h.broadcastLocked(channel, env, nil)
	metrics.RecordRelayEvent(string(env.Message.Type))
	return n
}

func (h *Hub) broadcastLocked(channel string, env protocol.Envelope, skip *Subscription) int {
	n := 0
	for sub := range h.channels[channel] {
		if sub == skip || (env.Sender != "" && sub.Sender == env.Sender) {
			continue
		}
		if h.send(sub, env) {
			n++
		}
	}
	return n
}

func (h *Hub) send(sub *Subscription, env protocol.Envelope) bool {
	select {
	case sub.ch <- env:
		return true
	default:
		metrics.RecordRelayDrop()
		return false
	}
}

// Count returns the number of subscribers on channel.
func (h *Hub) Count(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Total returns the number of subscribers across all channels.
func (h *Hub) Total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

func (h *Hub) countLocked() int {
	n := 0
	for _, subs := range h.channels {
		n += len(subs)
	}
	return n
}

func presence(action string, device protocol.Device) protocol.Envelope {
	return protocol.Envelope{Message: protocol.Presence(action, device)}
}

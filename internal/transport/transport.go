// Package transport defines the publish/subscribe channel abstraction used
// to talk to preview runtimes, and the Mirror that merges two of them.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/fruitsalade/previewsync/internal/protocol"
)

// ErrTransport matches every error returned by a transport.
var ErrTransport = errors.New("transport")

// ErrNotSubscribed is returned by Publish before Subscribe succeeds.
var ErrNotSubscribed = errors.New("not subscribed")

// Error describes a failed transport operation.
type Error struct {
	Op        string // "subscribe", "unsubscribe" or "publish"
	Transport string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Transport, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports ErrTransport as a match for every transport error.
func (e *Error) Is(target error) bool { return target == ErrTransport }

// Handler receives inbound messages.
type Handler func(protocol.Message)

// Channel is a logical bidirectional message channel.
type Channel interface {
	// Subscribe joins the named channel.
	Subscribe(ctx context.Context, channel string) error
	// Unsubscribe leaves the current channel.
	Unsubscribe(ctx context.Context) error
	// Publish sends msg to every other subscriber of the channel.
	Publish(ctx context.Context, msg protocol.Message) error
	// Listen registers fn for inbound messages. Handlers are called in
	// registration order from the transport's receive goroutine.
	Listen(fn Handler)
}

// Transport is a concrete channel implementation.
type Transport interface {
	Channel
	// IsConnected reports whether the transport currently has a live
	// connection.
	IsConnected() bool
	// Name labels the transport in logs and metrics.
	Name() string
}

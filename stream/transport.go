package stream

import (
	"context"
	"sync"
)

// Transport is the engine's view of one client connection: a capability to
// write events and to tear the connection down. Implementations are provided
// by the transport layer (SSE, WebSocket); the engine never sees raw sockets.
//
// Send must honor ctx cancellation and deadlines so a slow client applies
// backpressure through a bounded wait instead of unbounded buffering. Send
// is never called concurrently for the same session; the registry serializes
// writes per session.
type Transport interface {
	Send(ctx context.Context, ev Event) error
	Close() error
}

// ChanTransport is an in-process Transport backed by a channel. It is used
// by tests and by embedders that consume events directly instead of over a
// network connection.
type ChanTransport struct {
	ch        chan Event
	closeOnce sync.Once
	done      chan struct{}
}

// NewChanTransport creates a channel transport with the given delivery
// buffer size.
func NewChanTransport(size int) *ChanTransport {
	return &ChanTransport{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Events returns the receive side of the transport.
func (t *ChanTransport) Events() <-chan Event {
	return t.ch
}

// Send delivers ev to the channel, waiting until the consumer has room,
// the context expires, or the transport is closed.
func (t *ChanTransport) Send(ctx context.Context, ev Event) error {
	select {
	case <-t.done:
		return context.Canceled
	default:
	}

	select {
	case t.ch <- ev:
		return nil
	case <-t.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close shuts down the transport. Safe to call more than once.
func (t *ChanTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}

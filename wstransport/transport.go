// Package wstransport serves hub streams over WebSocket connections. The
// wire protocol mirrors SSE semantics: each frame carries the event ID so
// clients can reconnect with the last ID they processed, and clients may
// join or leave rooms with control frames.
package wstransport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/streamhub/stream"
)

// eventFrame is one stream event on the WebSocket wire.
type eventFrame struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Event   string `json:"event,omitempty"`
	Data    string `json:"data"`
	RetryMs int64  `json:"retry_ms,omitempty"`
}

// controlFrame is a client request: {"action":"join","room":"trades"}.
type controlFrame struct {
	Action string `json:"action"`
	Room   string `json:"room"`
}

// wsTransport adapts one WebSocket connection to the stream.Transport
// contract. Gorilla connections allow one concurrent writer, so events,
// pings, and control acks all serialize through writeMu.
type wsTransport struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSTransport(conn *websocket.Conn) *wsTransport {
	return &wsTransport{
		conn: conn,
		done: make(chan struct{}),
	}
}

// Send writes one event frame, bounded by the context deadline.
func (t *wsTransport) Send(ctx context.Context, ev stream.Event) error {
	select {
	case <-t.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	frame := eventFrame{
		Type:  "event",
		ID:    ev.IDString(),
		Event: ev.Name,
		Data:  string(ev.Data),
	}
	if ev.Retry > 0 {
		frame.RetryMs = ev.Retry.Milliseconds()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		var netErr net.Error
		if stderrors.As(err, &netErr) && netErr.Timeout() {
			return context.DeadlineExceeded
		}
		return err
	}
	return nil
}

// writeControl sends a ping or close frame under the write lock.
func (t *wsTransport) writeControl(messageType int, data []byte, deadline time.Time) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(messageType, data)
}

// Close tears the connection down. Safe to call more than once. The read
// pump observes the closed socket and unwinds the handler.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		_ = t.writeControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = t.conn.Close()
		close(t.done)
	})
	return nil
}

// closed returns a channel closed once the transport is torn down.
func (t *wsTransport) closed() <-chan struct{} {
	return t.done
}

package sse

import (
	"context"
	stderrors "errors"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/c360/streamhub/stream"
)

// connTransport adapts one SSE response to the stream.Transport contract.
// The registry serializes event writes, but heartbeats come from the handler
// goroutine, so all wire access goes through mu.
type connTransport struct {
	rc      *http.ResponseController
	flusher http.Flusher
	enc     *Encoder

	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newConnTransport(w http.ResponseWriter, flusher http.Flusher) *connTransport {
	return &connTransport{
		rc:      http.NewResponseController(w),
		flusher: flusher,
		enc:     NewEncoder(w),
		done:    make(chan struct{}),
	}
}

// Send writes one event frame and flushes it. The context deadline is pushed
// down to the TCP write, so a client that stops reading surfaces as a
// deadline error within the hub's write timeout instead of blocking the
// writer on a full socket buffer.
func (t *connTransport) Send(ctx context.Context, ev stream.Event) error {
	select {
	case <-t.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := t.rc.SetWriteDeadline(deadline); err == nil {
			defer func() { _ = t.rc.SetWriteDeadline(time.Time{}) }()
		}
	}
	if err := t.enc.WriteEvent(ev); err != nil {
		if stderrors.Is(err, os.ErrDeadlineExceeded) {
			return context.DeadlineExceeded
		}
		return err
	}
	t.flusher.Flush()
	return nil
}

// sendComment writes a heartbeat frame. Errors are returned so the handler
// can tear the connection down when the peer is gone.
func (t *connTransport) sendComment(text string) error {
	select {
	case <-t.done:
		return context.Canceled
	default:
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enc.WriteComment(text); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// sendRetry advertises the reconnect delay on connect.
func (t *connTransport) sendRetry(d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enc.WriteRetry(d); err != nil {
		return err
	}
	t.flusher.Flush()
	return nil
}

// Close wakes the handler goroutine, which ends the HTTP request. Safe to
// call more than once.
func (t *connTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}

// closed returns a channel that is closed once the transport is torn down.
func (t *connTransport) closed() <-chan struct{} {
	return t.done
}

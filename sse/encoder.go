// Package sse serves hub streams over Server-Sent Events. One HTTP request
// maps to one session; the Last-Event-ID header drives replay on reconnect.
package sse

import (
	"bytes"
	"io"
	"strconv"
	"time"

	"github.com/c360/streamhub/stream"
)

// Encoder writes SSE wire frames. It buffers each frame and emits it with a
// single Write so a frame is never interleaved with another writer's output.
type Encoder struct {
	w   io.Writer
	buf bytes.Buffer
}

// NewEncoder creates an encoder writing frames to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// WriteEvent emits ev as one SSE frame. Multi-line payloads become one
// "data:" line per payload line, which the client recombines.
func (e *Encoder) WriteEvent(ev stream.Event) error {
	e.buf.Reset()
	e.buf.WriteString("id: ")
	e.buf.WriteString(ev.IDString())
	e.buf.WriteByte('\n')
	if ev.Name != "" {
		e.buf.WriteString("event: ")
		e.buf.WriteString(ev.Name)
		e.buf.WriteByte('\n')
	}
	if ev.Retry > 0 {
		e.buf.WriteString("retry: ")
		e.buf.WriteString(strconv.FormatInt(ev.Retry.Milliseconds(), 10))
		e.buf.WriteByte('\n')
	}
	for _, line := range bytes.Split(ev.Data, []byte{'\n'}) {
		e.buf.WriteString("data: ")
		e.buf.Write(line)
		e.buf.WriteByte('\n')
	}
	e.buf.WriteByte('\n')

	_, err := e.w.Write(e.buf.Bytes())
	return err
}

// WriteComment emits a comment frame. Clients ignore it; proxies see bytes
// flowing, which keeps idle connections from being reaped.
func (e *Encoder) WriteComment(text string) error {
	e.buf.Reset()
	e.buf.WriteString(": ")
	e.buf.WriteString(text)
	e.buf.WriteString("\n\n")

	_, err := e.w.Write(e.buf.Bytes())
	return err
}

// WriteRetry emits a standalone retry frame advertising the reconnect delay.
func (e *Encoder) WriteRetry(d time.Duration) error {
	e.buf.Reset()
	e.buf.WriteString("retry: ")
	e.buf.WriteString(strconv.FormatInt(d.Milliseconds(), 10))
	e.buf.WriteString("\n\n")

	_, err := e.w.Write(e.buf.Bytes())
	return err
}

// Package stream implements the streamhub core: per-stream event sequencing,
// bounded replay buffers, session lifecycle tracking, room broadcast, and the
// distributed adapter contract that lets rooms span processes.
package stream

import (
	"strconv"
	"time"
)

// Event is a single item on a stream's wire. Events are immutable once
// created: the registry assigns the ID at emission time and the same value
// is shared with the replay buffer and any remote subscribers as a copy.
type Event struct {
	// ID is unique and strictly increasing within one stream's lifetime.
	ID uint64 `json:"id"`
	// Name is the event type visible to clients (SSE "event:" field).
	Name string `json:"name,omitempty"`
	// Data is the payload. Not interpreted by the engine.
	Data []byte `json:"data"`
	// Retry is an optional reconnect delay hint forwarded to clients.
	Retry time.Duration `json:"retry,omitempty"`
}

// IDString returns the event ID in the decimal form used on the wire.
func (e Event) IDString() string {
	return strconv.FormatUint(e.ID, 10)
}

// ParseEventID parses a client-supplied last-seen event ID. Returns ok=false
// for an empty or malformed value, which callers treat as "no last-seen id".
func ParseEventID(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

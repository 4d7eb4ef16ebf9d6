package stream

import (
	"strings"
	"sync"
	"time"
)

// SessionState tracks the lifecycle of one streaming session.
type SessionState int

const (
	// SessionOpen means the connection was accepted but no event has been
	// written yet.
	SessionOpen SessionState = iota
	// SessionStreaming means events are flowing.
	SessionStreaming
	// SessionClosed is terminal. Writes to a closed session report
	// ErrSessionClosed instead of raising into caller code.
	SessionClosed
)

// String returns the string representation of SessionState
func (s SessionState) String() string {
	switch s {
	case SessionOpen:
		return "open"
	case SessionStreaming:
		return "streaming"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// BackpressurePolicy selects what happens when a transport write cannot
// complete within the configured write timeout.
type BackpressurePolicy int

const (
	// PolicyBlock waits for the transport without a deadline; the write is
	// bounded only by caller context cancellation.
	PolicyBlock BackpressurePolicy = iota
	// PolicyDrop abandons the write after the deadline and reports
	// ErrBackpressure. The event stays in the replay buffer, so the client
	// can recover it on reconnect.
	PolicyDrop
	// PolicyClose closes the session after the deadline.
	PolicyClose
)

// String returns the string representation of BackpressurePolicy
func (p BackpressurePolicy) String() string {
	switch p {
	case PolicyBlock:
		return "block"
	case PolicyDrop:
		return "drop"
	case PolicyClose:
		return "close"
	default:
		return "unknown"
	}
}

// ParseBackpressurePolicy maps a config string to a policy.
// Unknown values fall back to PolicyDrop.
func ParseBackpressurePolicy(s string) BackpressurePolicy {
	switch strings.ToLower(s) {
	case "block":
		return PolicyBlock
	case "close":
		return PolicyClose
	default:
		return PolicyDrop
	}
}

// Session is the registry's record of one live connection. All mutation goes
// through registry operations; the struct is never handed to two concurrent
// writers because mu serializes both state transitions and transport writes.
type Session struct {
	id        string
	streamKey string
	transport Transport
	createdAt time.Time

	// mu serializes writes and state transitions for this session. Holding
	// it across an entire replay is what keeps a live event from ever being
	// written before an older replayed one.
	mu    sync.Mutex
	state SessionState

	// rooms this session has joined, maintained by the room manager.
	roomsMu sync.Mutex
	rooms   map[string]struct{}
}

// ID returns the opaque session identifier.
func (s *Session) ID() string {
	return s.id
}

// StreamKey returns the logical stream this session is attached to.
func (s *Session) StreamKey() string {
	return s.streamKey
}

// CreatedAt returns when the session was accepted.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Rooms returns a copy of the room names this session belongs to.
func (s *Session) Rooms() []string {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	out := make([]string, 0, len(s.rooms))
	for name := range s.rooms {
		out = append(out, name)
	}
	return out
}

// trackRoom records a room membership on the session.
func (s *Session) trackRoom(name string) {
	s.roomsMu.Lock()
	s.rooms[name] = struct{}{}
	s.roomsMu.Unlock()
}

// untrackRoom removes a room membership from the session.
func (s *Session) untrackRoom(name string) {
	s.roomsMu.Lock()
	delete(s.rooms, name)
	s.roomsMu.Unlock()
}

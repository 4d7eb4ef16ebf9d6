package stream

import (
	"context"
	"log/slog"

	"github.com/c360/streamhub/errors"
)

// ReplayStatus summarizes what a reconnecting client got back.
type ReplayStatus int

const (
	// ReplayNone means no events were missed; the stream continues live.
	ReplayNone ReplayStatus = iota
	// ReplayFull means every event after the client's last ID was
	// redelivered.
	ReplayFull
	// ReplayPartial means eviction opened a gap: the buffered suffix was
	// redelivered but older events are gone for good.
	ReplayPartial
)

// String returns the string representation of ReplayStatus
func (s ReplayStatus) String() string {
	switch s {
	case ReplayNone:
		return "none"
	case ReplayFull:
		return "full"
	case ReplayPartial:
		return "partial"
	default:
		return "unknown"
	}
}

// ReplaySource supplies the events a reconnecting client missed. The second
// return reports whether the range is complete or truncated by eviction.
type ReplaySource interface {
	Since(streamKey string, lastID uint64) ([]Event, bool)
}

// SliceSource is a fixed, in-memory ReplaySource. Useful for backfilling a
// stream from events materialized elsewhere.
type SliceSource []Event

// Since returns the events with ID greater than lastID. The slice must be
// sorted by ID ascending. A SliceSource is always complete: it represents
// the full known history of the stream.
func (s SliceSource) Since(_ string, lastID uint64) ([]Event, bool) {
	i := 0
	for i < len(s) && s[i].ID <= lastID {
		i++
	}
	out := make([]Event, len(s)-i)
	copy(out, s[i:])
	return out, true
}

// Coordinator redelivers missed events when a client reconnects with the
// last event ID it saw. Replay runs under the session's write lock, so live
// writes queue behind it and the client observes strictly ascending IDs
// across the reconnect boundary.
type Coordinator struct {
	registry *Registry
	source   ReplaySource
	logger   *slog.Logger
	metrics  *Metrics
}

// NewCoordinator creates a reconnection coordinator reading from source.
func NewCoordinator(registry *Registry, source ReplaySource, logger *slog.Logger, metrics *Metrics) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		registry: registry,
		source:   source,
		logger:   logger,
		metrics:  metrics,
	}
}

// Resume redelivers to sessionID every buffered event of its stream with ID
// greater than lastID, then transitions the session to Streaming. Replayed
// events keep their original IDs and are not re-recorded.
//
// When eviction has discarded part of the requested range, the surviving
// suffix is still delivered and Resume reports ReplayPartial together with
// ErrReplayIncomplete, so the caller can tell the client its view has a gap.
func (c *Coordinator) Resume(ctx context.Context, sessionID string, lastID uint64) (ReplayStatus, error) {
	s, ok := c.registry.Session(sessionID)
	if !ok {
		return ReplayNone, errors.WrapInvalid(errors.ErrSessionNotFound, "Coordinator", "Resume", "lookup session")
	}

	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return ReplayNone, errors.WrapTransient(errors.ErrSessionClosed, "Coordinator", "Resume", "resume session")
	}

	events, complete := c.source.Since(s.streamKey, lastID)

	var closed bool
	for i, ev := range events {
		var err error
		closed, err = c.registry.sendLocked(ctx, s, ev)
		if err != nil {
			s.mu.Unlock()
			if closed {
				c.registry.finalizeClose(s)
			}
			c.logger.Warn("replay aborted",
				"session_id", sessionID, "stream_key", s.streamKey,
				"delivered", i, "pending", len(events)-i, "error", err)
			return ReplayNone, err
		}
	}
	if s.state == SessionOpen {
		s.state = SessionStreaming
	}
	s.mu.Unlock()

	if c.metrics != nil && len(events) > 0 {
		c.metrics.replayEvents.Add(float64(len(events)))
	}

	if !complete {
		if c.metrics != nil {
			c.metrics.replayPartial.Inc()
		}
		c.logger.Info("replay truncated by eviction",
			"session_id", sessionID, "stream_key", s.streamKey,
			"last_id", lastID, "delivered", len(events))
		return ReplayPartial, errors.WrapTransient(errors.ErrReplayIncomplete, "Coordinator", "Resume",
			"replay evicted range")
	}
	if len(events) == 0 {
		return ReplayNone, nil
	}

	c.logger.Debug("replay complete",
		"session_id", sessionID, "stream_key", s.streamKey,
		"last_id", lastID, "delivered", len(events))
	return ReplayFull, nil
}

package stream

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/streamhub/errors"
)

// Registry owns the canonical state of every active session and mediates all
// transport writes. Per-session state is only ever mutated through registry
// operations; the per-session mutex serializes writes even when multiple
// producers target the same session concurrently.
type Registry struct {
	seq          *Sequencer
	replay       *ReplayBuffer
	policy       BackpressurePolicy
	writeTimeout time.Duration
	logger       *slog.Logger
	metrics      *Metrics

	mu       sync.RWMutex
	sessions map[string]*Session
	draining bool

	// onClose is invoked exactly once per session after it leaves the
	// registry. The hub points this at the room manager so a closed session
	// is promptly removed from all rooms. Called without any session or
	// registry lock held.
	onClose func(s *Session)
}

// RegistryConfig carries construction parameters for a Registry.
type RegistryConfig struct {
	Sequencer    *Sequencer
	Replay       *ReplayBuffer
	Policy       BackpressurePolicy
	WriteTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *Metrics
}

// NewRegistry creates a session registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		seq:          cfg.Sequencer,
		replay:       cfg.Replay,
		policy:       cfg.Policy,
		writeTimeout: cfg.WriteTimeout,
		logger:       logger,
		metrics:      cfg.Metrics,
		sessions:     make(map[string]*Session),
	}
}

// SetCloseHook registers the callback invoked after a session is
// unregistered. Must be called before sessions are opened.
func (r *Registry) SetCloseHook(fn func(s *Session)) {
	r.onClose = fn
}

// Open accepts a new connection for streamKey and returns its session ID.
func (r *Registry) Open(streamKey string, transport Transport) (string, error) {
	if streamKey == "" {
		return "", errors.WrapInvalid(errors.ErrInvalidData, "Registry", "Open", "empty stream key")
	}
	if transport == nil {
		return "", errors.WrapInvalid(errors.ErrInvalidData, "Registry", "Open", "nil transport")
	}

	s := &Session{
		id:        uuid.NewString(),
		streamKey: streamKey,
		transport: transport,
		createdAt: time.Now(),
		state:     SessionOpen,
		rooms:     make(map[string]struct{}),
	}

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		return "", errors.WrapTransient(errors.ErrShuttingDown, "Registry", "Open", "accept session")
	}
	r.sessions[s.id] = s
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.sessionsTotal.Inc()
		r.metrics.sessionsOpen.Set(float64(count))
	}
	r.logger.Debug("session opened",
		"session_id", s.id, "stream_key", streamKey, "active", count)

	return s.id, nil
}

// Session returns the session record for sessionID.
func (r *Registry) Session(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// IsOpen reports whether sessionID exists and is not closed.
func (r *Registry) IsOpen(sessionID string) bool {
	s, ok := r.Session(sessionID)
	return ok && s.State() != SessionClosed
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Write sequences ev for the session's stream, records it in the replay
// buffer, and delivers it to the transport. ev.ID is assigned by the
// registry; any caller-provided value is ignored. The completed event is
// returned so callers can observe the assigned ID.
//
// The replay buffer is updated before transport delivery, so a reconnect
// immediately after a write observes the event. A transport failure
// transitions the session to Closed and is reported as ErrTransportFailure;
// the registry does not retry.
func (r *Registry) Write(ctx context.Context, sessionID string, ev Event) (Event, error) {
	s, ok := r.Session(sessionID)
	if !ok {
		return Event{}, errors.WrapInvalid(errors.ErrSessionNotFound, "Registry", "Write", "lookup session")
	}

	s.mu.Lock()
	if s.state == SessionClosed {
		s.mu.Unlock()
		return Event{}, errors.WrapTransient(errors.ErrSessionClosed, "Registry", "Write", "write event")
	}

	ev.ID = r.seq.Next(s.streamKey)
	if err := r.replay.Record(s.streamKey, ev); err != nil {
		s.mu.Unlock()
		return ev, err
	}

	closed, err := r.sendLocked(ctx, s, ev)
	if err == nil && s.state == SessionOpen {
		s.state = SessionStreaming
	}
	s.mu.Unlock()

	if closed {
		r.finalizeClose(s)
	}
	if err == nil && r.metrics != nil {
		r.metrics.eventsWritten.Inc()
	}
	return ev, err
}

// Begin explicitly transitions an Open session to Streaming without writing
// an event.
func (r *Registry) Begin(sessionID string) error {
	s, ok := r.Session(sessionID)
	if !ok {
		return errors.WrapInvalid(errors.ErrSessionNotFound, "Registry", "Begin", "lookup session")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionClosed {
		return errors.WrapTransient(errors.ErrSessionClosed, "Registry", "Begin", "begin streaming")
	}
	if s.state == SessionOpen {
		s.state = SessionStreaming
	}
	return nil
}

// sendLocked delivers ev to the session transport, applying the configured
// backpressure policy. Caller holds s.mu. The returned closed flag tells the
// caller to finalize removal after releasing the lock.
func (r *Registry) sendLocked(ctx context.Context, s *Session, ev Event) (closed bool, err error) {
	sendCtx := ctx
	if r.policy != PolicyBlock && r.writeTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, r.writeTimeout)
		defer cancel()
	}

	sendErr := s.transport.Send(sendCtx, ev)
	if sendErr == nil {
		return false, nil
	}

	// A deadline hit on our own write timeout is backpressure, not a broken
	// transport. Caller cancellation propagates as-is.
	if stderrors.Is(sendErr, context.DeadlineExceeded) && ctx.Err() == nil {
		if r.metrics != nil {
			r.metrics.writeErrors.WithLabelValues("backpressure").Inc()
		}
		switch r.policy {
		case PolicyClose:
			r.closeLocked(s)
			return true, errors.WrapTransient(errors.ErrBackpressure, "Registry", "Write",
				"slow consumer closed")
		default:
			return false, errors.WrapTransient(errors.ErrBackpressure, "Registry", "Write",
				"deliver event")
		}
	}

	if ctx.Err() != nil {
		return false, errors.WrapTransient(ctx.Err(), "Registry", "Write", "deliver event")
	}

	// Transport broke. The session is closed; the caller decides whether to
	// retry on a new connection.
	if r.metrics != nil {
		r.metrics.writeErrors.WithLabelValues("transport").Inc()
	}
	r.closeLocked(s)
	return true, errors.WrapTransient(errors.ErrTransportFailure, "Registry", "Write",
		"deliver event")
}

// closeLocked marks the session closed and shuts the transport.
// Caller holds s.mu.
func (r *Registry) closeLocked(s *Session) {
	if s.state == SessionClosed {
		return
	}
	s.state = SessionClosed
	_ = s.transport.Close()
}

// Close terminates sessionID. Idempotent: closing an unknown or already
// closed session is a no-op with no duplicate unregistration side effects.
func (r *Registry) Close(sessionID string) {
	s, ok := r.Session(sessionID)
	if !ok {
		return
	}

	// Closing the transport first unblocks any in-flight write or replay
	// so Close is prompt even against a slow consumer.
	_ = s.transport.Close()

	s.mu.Lock()
	already := s.state == SessionClosed
	s.state = SessionClosed
	s.mu.Unlock()

	if !already {
		r.finalizeClose(s)
	}
}

// finalizeClose removes the session from the registry and fires the close
// hook. Runs exactly once per session, outside all locks.
func (r *Registry) finalizeClose(s *Session) {
	r.mu.Lock()
	delete(r.sessions, s.id)
	count := len(r.sessions)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.sessionsOpen.Set(float64(count))
	}
	r.logger.Debug("session closed",
		"session_id", s.id, "stream_key", s.streamKey, "active", count)

	if r.onClose != nil {
		r.onClose(s)
	}
}

// Drain refuses new sessions and closes all current ones. Used on shutdown.
func (r *Registry) Drain() {
	r.mu.Lock()
	r.draining = true
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Close(id)
	}
}

package stream

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/streamhub/errors"
)

// BroadcastResult reports the outcome of one broadcast sweep.
type BroadcastResult struct {
	// Delivered counts members whose transport accepted the event.
	Delivered int
	// Failed lists session IDs that did not receive the event. Members whose
	// session turned out to be closed are also evicted from the room.
	Failed []string
	// RemoteErr is set when remote propagation failed or timed out. Local
	// delivery is unaffected; the broadcast ran in degraded single-instance
	// mode.
	RemoteErr error
}

// room is the manager's record of one named broadcast group.
type room struct {
	name    string
	members map[string]*Session
	sub     AdapterSubscription
}

// RoomManager groups sessions into named rooms and fans broadcasts out to
// every member, locally and across instances through the configured adapter.
// Each member receives broadcast events sequenced in its own stream, so a
// room event and a direct write never collide on IDs.
type RoomManager struct {
	origin         string
	registry       *Registry
	adapter        Adapter
	publishTimeout time.Duration
	keepWarm       bool
	logger         *slog.Logger
	metrics        *Metrics

	mu    sync.Mutex
	rooms map[string]*room
}

// RoomManagerConfig carries construction parameters for a RoomManager.
type RoomManagerConfig struct {
	// Origin identifies this hub instance in adapter envelopes. Subscribers
	// drop envelopes carrying their own origin.
	Origin         string
	Registry       *Registry
	Adapter        Adapter
	PublishTimeout time.Duration
	// KeepWarm retains adapter subscriptions for emptied rooms instead of
	// unsubscribing on last leave.
	KeepWarm bool
	Logger   *slog.Logger
	Metrics  *Metrics
}

// NewRoomManager creates a room manager and registers itself as the
// registry's close hook so closed sessions leave their rooms promptly.
func NewRoomManager(cfg RoomManagerConfig) *RoomManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	adapter := cfg.Adapter
	if adapter == nil {
		adapter = NewNoopAdapter()
	}
	m := &RoomManager{
		origin:         cfg.Origin,
		registry:       cfg.Registry,
		adapter:        adapter,
		publishTimeout: cfg.PublishTimeout,
		keepWarm:       cfg.KeepWarm,
		logger:         logger,
		metrics:        cfg.Metrics,
		rooms:          make(map[string]*room),
	}
	cfg.Registry.SetCloseHook(m.removeSession)
	return m
}

// Join adds sessionID to roomName, creating the room on first join.
// Idempotent: joining a room twice is a no-op. The first member of a room
// establishes the adapter subscription for it.
func (m *RoomManager) Join(roomName, sessionID string) error {
	if roomName == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "RoomManager", "Join", "empty room name")
	}
	s, ok := m.registry.Session(sessionID)
	if !ok {
		return errors.WrapInvalid(errors.ErrSessionNotFound, "RoomManager", "Join", "lookup session")
	}
	if s.State() == SessionClosed {
		return errors.WrapTransient(errors.ErrSessionClosed, "RoomManager", "Join", "join room")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rm, exists := m.rooms[roomName]
	if !exists {
		rm = &room{name: roomName, members: make(map[string]*Session)}
		m.rooms[roomName] = rm
	}
	if _, member := rm.members[sessionID]; member {
		return nil
	}

	if rm.sub == nil {
		sub, err := m.adapter.Subscribe(roomName, func(env Envelope) {
			m.handleRemote(env)
		})
		if err != nil {
			if !exists {
				delete(m.rooms, roomName)
			}
			return errors.WrapTransient(err, "RoomManager", "Join", "subscribe room")
		}
		rm.sub = sub
	}

	rm.members[sessionID] = s
	s.trackRoom(roomName)
	if m.metrics != nil {
		m.metrics.roomMembers.WithLabelValues(roomName).Set(float64(len(rm.members)))
	}
	m.logger.Debug("session joined room",
		"room", roomName, "session_id", sessionID, "members", len(rm.members))
	return nil
}

// Leave removes sessionID from roomName. Idempotent: leaving a room the
// session is not in, or a room that does not exist, is a no-op. When the last
// member leaves, the adapter subscription is dropped and the room is deleted
// unless the manager keeps rooms warm.
func (m *RoomManager) Leave(roomName, sessionID string) {
	m.mu.Lock()
	sub := m.leaveLocked(roomName, sessionID)
	m.mu.Unlock()
	m.unsubscribe(roomName, sub)
}

// leaveLocked implements Leave and returns the subscription of a room that
// emptied, for the caller to drop after releasing m.mu. Unsubscribing under
// the lock deadlocks: the adapter waits for its in-flight handler to return,
// and that handler needs m.mu to deliver. Caller holds m.mu.
func (m *RoomManager) leaveLocked(roomName, sessionID string) AdapterSubscription {
	rm, ok := m.rooms[roomName]
	if !ok {
		return nil
	}
	s, member := rm.members[sessionID]
	if !member {
		return nil
	}

	delete(rm.members, sessionID)
	s.untrackRoom(roomName)
	if m.metrics != nil {
		m.metrics.roomMembers.WithLabelValues(roomName).Set(float64(len(rm.members)))
	}
	m.logger.Debug("session left room",
		"room", roomName, "session_id", sessionID, "members", len(rm.members))

	if len(rm.members) == 0 && !m.keepWarm {
		delete(m.rooms, roomName)
		return rm.sub
	}
	return nil
}

// unsubscribe drops an adapter subscription. Must not be called with m.mu
// held.
func (m *RoomManager) unsubscribe(roomName string, sub AdapterSubscription) {
	if sub == nil {
		return
	}
	if err := sub.Unsubscribe(); err != nil {
		m.logger.Warn("room unsubscribe failed", "room", roomName, "error", err)
	}
}

// Broadcast writes ev to every current member of roomName and publishes it to
// other instances through the adapter. ev.ID is ignored; each member's copy
// is sequenced in that member's own stream. The sweep never aborts on a
// failed member: closed sessions are evicted, other failures are recorded in
// the result, and remaining members still receive the event.
//
// A broadcast to an unknown or empty room is not an error; it still
// propagates remotely so members on other instances receive it.
func (m *RoomManager) Broadcast(ctx context.Context, roomName string, ev Event) (BroadcastResult, error) {
	if roomName == "" {
		return BroadcastResult{}, errors.WrapInvalid(errors.ErrInvalidData, "RoomManager", "Broadcast", "empty room name")
	}

	var res BroadcastResult
	res.Delivered, res.Failed = m.deliverLocal(ctx, roomName, ev)

	pubCtx := ctx
	if m.publishTimeout > 0 {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(ctx, m.publishTimeout)
		defer cancel()
	}
	env := Envelope{Origin: m.origin, Room: roomName, Name: ev.Name, Data: ev.Data}
	if err := m.adapter.Publish(pubCtx, env); err != nil {
		res.RemoteErr = err
		if m.metrics != nil {
			m.metrics.remoteErrors.WithLabelValues("publish").Inc()
		}
		m.logger.Warn("remote broadcast degraded",
			"room", roomName, "error", err)
	} else if m.metrics != nil {
		m.metrics.remotePublished.Inc()
	}

	if m.metrics != nil {
		m.metrics.roomBroadcasts.Inc()
	}
	return res, nil
}

// deliverLocal writes ev to each local member of roomName sequentially.
// Member writes run without any room lock held, so a transport failure that
// closes a session can re-enter the manager through the close hook.
func (m *RoomManager) deliverLocal(ctx context.Context, roomName string, ev Event) (delivered int, failed []string) {
	m.mu.Lock()
	rm, ok := m.rooms[roomName]
	var ids []string
	if ok {
		ids = make([]string, 0, len(rm.members))
		for id := range rm.members {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		if _, err := m.registry.Write(ctx, id, ev); err != nil {
			failed = append(failed, id)
			if stderrors.Is(err, errors.ErrSessionClosed) || stderrors.Is(err, errors.ErrSessionNotFound) {
				m.Leave(roomName, id)
			}
			continue
		}
		delivered++
	}
	return delivered, failed
}

// handleRemote delivers an envelope received from another instance to local
// members. Envelopes published by this instance are dropped so local members
// never see a broadcast twice.
func (m *RoomManager) handleRemote(env Envelope) {
	if env.Origin == m.origin {
		return
	}
	if m.metrics != nil {
		m.metrics.remoteReceived.Inc()
	}
	ev := Event{Name: env.Name, Data: env.Data}
	delivered, failed := m.deliverLocal(context.Background(), env.Room, ev)
	if len(failed) > 0 {
		m.logger.Warn("remote broadcast had failed members",
			"room", env.Room, "origin", env.Origin, "delivered", delivered, "failed", len(failed))
	}
}

// removeSession is the registry close hook: it removes a closed session from
// every room it joined.
func (m *RoomManager) removeSession(s *Session) {
	names := s.Rooms()
	if len(names) == 0 {
		return
	}
	subs := make(map[string]AdapterSubscription, len(names))
	m.mu.Lock()
	for _, name := range names {
		if sub := m.leaveLocked(name, s.ID()); sub != nil {
			subs[name] = sub
		}
	}
	m.mu.Unlock()
	for name, sub := range subs {
		m.unsubscribe(name, sub)
	}
}

// Members returns the sorted session IDs currently in roomName.
func (m *RoomManager) Members(roomName string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	rm, ok := m.rooms[roomName]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Rooms returns the names of all active rooms.
func (m *RoomManager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for name := range m.rooms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Shutdown drops all adapter subscriptions. Sessions are not closed; that is
// the registry's job during drain.
func (m *RoomManager) Shutdown() {
	m.mu.Lock()
	subs := make(map[string]AdapterSubscription, len(m.rooms))
	for name, rm := range m.rooms {
		if rm.sub != nil {
			subs[name] = rm.sub
		}
		delete(m.rooms, name)
	}
	m.mu.Unlock()
	for name, sub := range subs {
		m.unsubscribe(name, sub)
	}
}

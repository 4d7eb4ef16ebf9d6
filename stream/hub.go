package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/streamhub/component"
	"github.com/c360/streamhub/config"
	"github.com/c360/streamhub/errors"
	"github.com/c360/streamhub/metric"
)

// Hub is the top-level streaming engine. It owns the sequencer, replay
// buffer, session registry, room manager, and reconnection coordinator, and
// exposes the operations transports call: attach a connection, write events,
// join rooms, broadcast, resume.
//
// Hub implements component.LifecycleComponent so the process owner can manage
// it alongside the transports and the metrics server.
type Hub struct {
	cfg     config.HubConfig
	origin  string
	logger  *slog.Logger
	metrics *Metrics

	sequencer   *Sequencer
	replay      *ReplayBuffer
	registry    *Registry
	rooms       *RoomManager
	coordinator *Coordinator
	adapter     Adapter

	mu        sync.Mutex
	state     component.State
	startTime time.Time
	lastErr   error
}

// HubOptions carries the collaborators a Hub needs beyond its config.
type HubOptions struct {
	// Origin identifies this instance in adapter envelopes. Usually the
	// platform ID from config.
	Origin string
	// Adapter bridges room broadcasts between instances. Nil means
	// single-instance operation.
	Adapter Adapter
	Logger  *slog.Logger
	// Registry receives hub metrics when non-nil.
	Registry *metric.MetricsRegistry
}

// NewHub assembles a streaming hub from cfg and opts.
func NewHub(cfg config.HubConfig, opts HubOptions) (*Hub, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := NewMetrics(opts.Registry)
	if err != nil {
		return nil, errors.WrapFatal(err, "Hub", "NewHub", "register metrics")
	}

	adapter := opts.Adapter
	if adapter == nil {
		adapter = NewNoopAdapter()
	}

	sequencer := NewSequencer(cfg.SequenceOrigin)
	replay := NewReplayBuffer(cfg.CapacityPerStream)
	registry := NewRegistry(RegistryConfig{
		Sequencer:    sequencer,
		Replay:       replay,
		Policy:       ParseBackpressurePolicy(cfg.Backpressure),
		WriteTimeout: cfg.WriteTimeout,
		Logger:       logger,
		Metrics:      metrics,
	})
	rooms := NewRoomManager(RoomManagerConfig{
		Origin:         opts.Origin,
		Registry:       registry,
		Adapter:        adapter,
		PublishTimeout: cfg.PublishTimeout,
		KeepWarm:       cfg.KeepRoomsWarm,
		Logger:         logger,
		Metrics:        metrics,
	})

	return &Hub{
		cfg:         cfg,
		origin:      opts.Origin,
		logger:      logger,
		metrics:     metrics,
		sequencer:   sequencer,
		replay:      replay,
		registry:    registry,
		rooms:       rooms,
		coordinator: NewCoordinator(registry, replay, logger, metrics),
		adapter:     adapter,
		state:       component.StateCreated,
	}, nil
}

// Meta returns component metadata.
func (h *Hub) Meta() component.Metadata {
	return component.Metadata{
		Name:        "hub",
		Type:        "hub",
		Description: "Streaming session and room broadcast engine",
		Version:     "1.0.0",
	}
}

// Health reports whether the hub is accepting sessions.
func (h *Hub) Health() component.HealthStatus {
	h.mu.Lock()
	defer h.mu.Unlock()

	status := component.HealthStatus{
		Healthy:   h.state == component.StateStarted,
		LastCheck: time.Now(),
	}
	if h.lastErr != nil {
		status.LastError = h.lastErr.Error()
		status.ErrorCount = 1
	}
	if !h.startTime.IsZero() {
		status.Uptime = time.Since(h.startTime)
	}
	return status
}

// Initialize validates configuration.
func (h *Hub) Initialize() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cfg.CapacityPerStream <= 0 {
		h.lastErr = errors.WrapFatal(errors.ErrInvalidConfig, "Hub", "Initialize", "validate replay capacity")
		h.state = component.StateFailed
		return h.lastErr
	}
	h.state = component.StateInitialized
	return nil
}

// Start marks the hub running. Sessions may be attached after Start returns.
func (h *Hub) Start(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state == component.StateStarted {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Hub", "Start", "start hub")
	}
	if h.state != component.StateInitialized {
		return errors.WrapInvalid(errors.ErrNotStarted, "Hub", "Start", "start before initialize")
	}
	h.state = component.StateStarted
	h.startTime = time.Now()
	h.logger.Info("hub started",
		"origin", h.origin,
		"replay_capacity", h.cfg.CapacityPerStream,
		"backpressure", h.cfg.Backpressure)
	return nil
}

// Stop drains sessions, drops room subscriptions, and releases replay
// buffers. Safe to call more than once.
func (h *Hub) Stop(timeout time.Duration) error {
	h.mu.Lock()
	if h.state != component.StateStarted {
		h.mu.Unlock()
		return nil
	}
	h.state = component.StateStopped
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.registry.Drain()
		h.rooms.Shutdown()
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		h.logger.Warn("hub stop timed out", "timeout", timeout)
		return errors.WrapTransient(context.DeadlineExceeded, "Hub", "Stop", "drain sessions")
	}

	h.replay.Clear()
	h.logger.Info("hub stopped")
	return nil
}

// Attach registers a new connection for streamKey and, when lastID points at
// an earlier position of the stream, replays the missed suffix before any
// live event can be written. hasLastID distinguishes a fresh connect from a
// reconnect; a fresh connect never replays.
func (h *Hub) Attach(ctx context.Context, streamKey string, transport Transport, lastID uint64, hasLastID bool) (string, ReplayStatus, error) {
	sessionID, err := h.registry.Open(streamKey, transport)
	if err != nil {
		return "", ReplayNone, err
	}
	if !hasLastID {
		return sessionID, ReplayNone, nil
	}

	status, err := h.coordinator.Resume(ctx, sessionID, lastID)
	return sessionID, status, err
}

// Write sequences and delivers ev on sessionID's stream, returning the event
// with its assigned ID.
func (h *Hub) Write(ctx context.Context, sessionID string, ev Event) (Event, error) {
	return h.registry.Write(ctx, sessionID, ev)
}

// Close terminates a session. Idempotent.
func (h *Hub) Close(sessionID string) {
	h.registry.Close(sessionID)
}

// Join adds a session to a room.
func (h *Hub) Join(roomName, sessionID string) error {
	return h.rooms.Join(roomName, sessionID)
}

// Leave removes a session from a room.
func (h *Hub) Leave(roomName, sessionID string) {
	h.rooms.Leave(roomName, sessionID)
}

// Broadcast fans ev out to every member of roomName, locally and remotely.
func (h *Hub) Broadcast(ctx context.Context, roomName string, ev Event) (BroadcastResult, error) {
	return h.rooms.Broadcast(ctx, roomName, ev)
}

// Registry exposes the session registry for transports that need direct
// session access.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Rooms exposes the room manager.
func (h *Hub) Rooms() *RoomManager {
	return h.rooms
}

// RetryHint returns the reconnect delay to advertise to clients, zero when
// none is configured.
func (h *Hub) RetryHint() time.Duration {
	return h.cfg.RetryHint
}

package sse

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/streamhub/component"
	"github.com/c360/streamhub/errors"
	"github.com/c360/streamhub/metric"
	"github.com/c360/streamhub/stream"
)

const (
	// heartbeatInterval paces comment frames on idle connections.
	heartbeatInterval = 25 * time.Second
	// lastEventIDHeader is the standard reconnect header sent by
	// EventSource clients.
	lastEventIDHeader = "Last-Event-ID"
)

// ServerConfig carries construction parameters for the SSE server.
type ServerConfig struct {
	Port int
	Path string
	Hub  *stream.Hub
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Registry receives connection metrics when non-nil.
	Registry *metric.MetricsRegistry
}

// Server exposes hub streams at GET <path>?stream=<key>[&rooms=a,b]. Each
// request holds one session open until the client disconnects or the hub
// closes it. Reconnecting clients send Last-Event-ID and receive the missed
// suffix before live events.
type Server struct {
	port   int
	path   string
	hub    *stream.Hub
	logger *slog.Logger

	server  *http.Server
	metrics *serverMetrics

	mu        sync.Mutex
	state     component.State
	startTime time.Time
	lastErr   error
	wg        sync.WaitGroup
}

type serverMetrics struct {
	connections prometheus.Gauge
	connects    prometheus.Counter
	disconnects *prometheus.CounterVec
}

func newServerMetrics(registry *metric.MetricsRegistry) (*serverMetrics, error) {
	if registry == nil {
		return nil, nil
	}
	m := &serverMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "streamhub",
			Subsystem: "sse",
			Name:      "connections",
			Help:      "Currently open SSE connections",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamhub",
			Subsystem: "sse",
			Name:      "connections_total",
			Help:      "Total accepted SSE connections",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamhub",
			Subsystem: "sse",
			Name:      "disconnections_total",
			Help:      "Total SSE disconnections by reason",
		}, []string{"reason"}),
	}
	if err := registry.RegisterGauge("sse", "connections", m.connections); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("sse", "connections_total", m.connects); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("sse", "disconnections_total", m.disconnects); err != nil {
		return nil, err
	}
	return m, nil
}

// NewServer creates an SSE transport server for hub.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Hub == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "sse", "NewServer", "nil hub")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics, err := newServerMetrics(cfg.Registry)
	if err != nil {
		return nil, errors.WrapFatal(err, "sse", "NewServer", "register metrics")
	}
	return &Server{
		port:    cfg.Port,
		path:    cfg.Path,
		hub:     cfg.Hub,
		logger:  logger,
		metrics: metrics,
		state:   component.StateCreated,
	}, nil
}

// Meta returns component metadata.
func (s *Server) Meta() component.Metadata {
	return component.Metadata{
		Name:        fmt.Sprintf("sse-server-%d", s.port),
		Type:        "transport",
		Description: fmt.Sprintf("SSE stream endpoint on :%d%s", s.port, s.path),
		Version:     "1.0.0",
	}
}

// Health reports listener health.
func (s *Server) Health() component.HealthStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := component.HealthStatus{
		Healthy:   s.state == component.StateStarted,
		LastCheck: time.Now(),
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
		status.ErrorCount = 1
	}
	if !s.startTime.IsZero() {
		status.Uptime = time.Since(s.startTime)
	}
	return status
}

// Initialize validates listener settings.
func (s *Server) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port < 1 || s.port > 65535 {
		s.state = component.StateFailed
		s.lastErr = errors.WrapFatal(errors.ErrInvalidConfig, "sse", "Initialize",
			fmt.Sprintf("invalid port %d", s.port))
		return s.lastErr
	}
	if !strings.HasPrefix(s.path, "/") {
		s.state = component.StateFailed
		s.lastErr = errors.WrapFatal(errors.ErrInvalidConfig, "sse", "Initialize",
			fmt.Sprintf("path %q must start with /", s.path))
		return s.lastErr
	}
	s.state = component.StateInitialized
	return nil
}

// Start begins serving. The listener error, if any, surfaces through Health.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == component.StateStarted {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "sse", "Start", "start server")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleStream)
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.mu.Lock()
			s.lastErr = err
			s.state = component.StateFailed
			s.mu.Unlock()
			s.logger.Error("sse server failed", "port", s.port, "error", err)
		}
	}()

	s.state = component.StateStarted
	s.startTime = time.Now()
	s.logger.Info("sse server started", "port", s.port, "path", s.path)
	return nil
}

// Stop shuts the listener down. Open connections are closed by the hub's
// drain, which tears each transport down and unblocks its handler.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.state != component.StateStarted {
		s.mu.Unlock()
		return nil
	}
	s.state = component.StateStopped
	server := s.server
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	err := server.Shutdown(ctx)
	s.wg.Wait()
	if err != nil {
		return errors.WrapTransient(err, "sse", "Stop", "shutdown listener")
	}
	s.logger.Info("sse server stopped", "port", s.port)
	return nil
}

// handleStream serves one SSE session.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	streamKey := r.URL.Query().Get("stream")
	if streamKey == "" {
		http.Error(w, "missing stream parameter", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Reconnecting EventSource clients send the header; the query fallback
	// serves clients that cannot set headers.
	lastRaw := r.Header.Get(lastEventIDHeader)
	if lastRaw == "" {
		lastRaw = r.URL.Query().Get("last_event_id")
	}
	lastID, hasLastID := stream.ParseEventID(lastRaw)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	transport := newConnTransport(w, flusher)
	if hint := s.hub.RetryHint(); hint > 0 {
		if err := transport.sendRetry(hint); err != nil {
			return
		}
	}

	sessionID, status, err := s.hub.Attach(r.Context(), streamKey, transport, lastID, hasLastID)
	// Attach can fail after the session was registered (replay error), so the
	// close must cover the error path too.
	defer s.hub.Close(sessionID)
	if err != nil && !stderrors.Is(err, errors.ErrReplayIncomplete) {
		s.logger.Warn("sse attach failed", "stream_key", streamKey, "error", err)
		return
	}

	if s.metrics != nil {
		s.metrics.connects.Inc()
		s.metrics.connections.Inc()
		defer s.metrics.connections.Dec()
	}
	s.logger.Debug("sse session attached",
		"session_id", sessionID, "stream_key", streamKey,
		"replay", status.String(), "remote", r.RemoteAddr)

	if status == stream.ReplayPartial {
		// The client's view has a gap it cannot recover over this protocol.
		// Tell it so application code can resync out of band.
		_ = transport.sendComment("replay incomplete")
	}

	for _, room := range splitRooms(r.URL.Query().Get("rooms")) {
		if err := s.hub.Join(room, sessionID); err != nil {
			s.logger.Warn("room join failed",
				"session_id", sessionID, "room", room, "error", err)
		}
	}

	reason := s.serveHeartbeats(r.Context(), transport)
	if s.metrics != nil {
		s.metrics.disconnects.WithLabelValues(reason).Inc()
	}
	s.logger.Debug("sse session detached", "session_id", sessionID, "reason", reason)
}

// serveHeartbeats keeps the connection alive until the client goes away or
// the hub closes the transport. Returns the disconnect reason.
func (s *Server) serveHeartbeats(ctx context.Context, t *connTransport) string {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "client_gone"
		case <-t.closed():
			return "hub_closed"
		case <-ticker.C:
			if err := t.sendComment("hb"); err != nil {
				return "heartbeat_failed"
			}
		}
	}
}

func splitRooms(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	rooms := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			rooms = append(rooms, p)
		}
	}
	return rooms
}

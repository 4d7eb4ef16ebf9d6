package wstransport

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/streamhub/component"
	"github.com/c360/streamhub/errors"
	"github.com/c360/streamhub/metric"
	"github.com/c360/streamhub/stream"
)

const (
	// pongWait bounds how long a silent client stays connected.
	pongWait = 60 * time.Second
	// pingPeriod paces keepalive pings; must be shorter than pongWait.
	pingPeriod = 25 * time.Second
	// maxControlFrameSize bounds inbound client frames.
	maxControlFrameSize = 4096
)

// ServerConfig carries construction parameters for the WebSocket server.
type ServerConfig struct {
	Port int
	Path string
	Hub  *stream.Hub
	// Logger defaults to slog.Default.
	Logger *slog.Logger
	// Registry receives connection metrics when non-nil.
	Registry *metric.MetricsRegistry
	// CheckOrigin overrides the upgrade origin check. Nil allows all
	// origins.
	CheckOrigin func(r *http.Request) bool
}

// Server upgrades GET <path>?stream=<key>[&rooms=a,b] to a WebSocket and
// holds one session open per connection. Clients reconnect by passing
// last_event_id and may join or leave rooms with control frames at any time.
type Server struct {
	port     int
	path     string
	hub      *stream.Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader

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
			Subsystem: "websocket",
			Name:      "connections",
			Help:      "Currently open WebSocket connections",
		}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamhub",
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "Total accepted WebSocket connections",
		}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamhub",
			Subsystem: "websocket",
			Name:      "disconnections_total",
			Help:      "Total WebSocket disconnections by reason",
		}, []string{"reason"}),
	}
	if err := registry.RegisterGauge("websocket", "connections", m.connections); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("websocket", "connections_total", m.connects); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("websocket", "disconnections_total", m.disconnects); err != nil {
		return nil, err
	}
	return m, nil
}

// NewServer creates a WebSocket transport server for hub.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Hub == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "wstransport", "NewServer", "nil hub")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics, err := newServerMetrics(cfg.Registry)
	if err != nil {
		return nil, errors.WrapFatal(err, "wstransport", "NewServer", "register metrics")
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		port:   cfg.Port,
		path:   cfg.Path,
		hub:    cfg.Hub,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		metrics: metrics,
		state:   component.StateCreated,
	}, nil
}

// Meta returns component metadata.
func (s *Server) Meta() component.Metadata {
	return component.Metadata{
		Name:        fmt.Sprintf("websocket-server-%d", s.port),
		Type:        "transport",
		Description: fmt.Sprintf("WebSocket stream endpoint on :%d%s", s.port, s.path),
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
		s.lastErr = errors.WrapFatal(errors.ErrInvalidConfig, "wstransport", "Initialize",
			fmt.Sprintf("invalid port %d", s.port))
		return s.lastErr
	}
	if !strings.HasPrefix(s.path, "/") {
		s.state = component.StateFailed
		s.lastErr = errors.WrapFatal(errors.ErrInvalidConfig, "wstransport", "Initialize",
			fmt.Sprintf("path %q must start with /", s.path))
		return s.lastErr
	}
	s.state = component.StateInitialized
	return nil
}

// Start begins serving.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == component.StateStarted {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "wstransport", "Start", "start server")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)
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
			s.logger.Error("websocket server failed", "port", s.port, "error", err)
		}
	}()

	s.state = component.StateStarted
	s.startTime = time.Now()
	s.logger.Info("websocket server started", "port", s.port, "path", s.path)
	return nil
}

// Stop shuts the listener down. Open sessions are torn down by the hub's
// drain closing each transport.
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
		return errors.WrapTransient(err, "wstransport", "Stop", "shutdown listener")
	}
	s.logger.Info("websocket server stopped", "port", s.port)
	return nil
}

// handleUpgrade serves one WebSocket session.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	streamKey := r.URL.Query().Get("stream")
	if streamKey == "" {
		http.Error(w, "missing stream parameter", http.StatusBadRequest)
		return
	}
	lastRaw := r.Header.Get("Last-Event-ID")
	if lastRaw == "" {
		lastRaw = r.URL.Query().Get("last_event_id")
	}
	lastID, hasLastID := stream.ParseEventID(lastRaw)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	transport := newWSTransport(conn)
	sessionID, status, err := s.hub.Attach(r.Context(), streamKey, transport, lastID, hasLastID)
	// Attach can fail after the session was registered (replay error), so the
	// close must cover the error path too. Closing the session also closes
	// the transport.
	defer s.hub.Close(sessionID)
	if err != nil && !stderrors.Is(err, errors.ErrReplayIncomplete) {
		s.logger.Warn("websocket attach failed", "stream_key", streamKey, "error", err)
		_ = transport.Close()
		return
	}

	if s.metrics != nil {
		s.metrics.connects.Inc()
		s.metrics.connections.Inc()
		defer s.metrics.connections.Dec()
	}
	s.logger.Debug("websocket session attached",
		"session_id", sessionID, "stream_key", streamKey,
		"replay", status.String(), "remote", r.RemoteAddr)

	for _, room := range splitRooms(r.URL.Query().Get("rooms")) {
		if err := s.hub.Join(room, sessionID); err != nil {
			s.logger.Warn("room join failed",
				"session_id", sessionID, "room", room, "error", err)
		}
	}

	go s.pingLoop(transport)
	reason := s.readLoop(conn, transport, sessionID)
	if s.metrics != nil {
		s.metrics.disconnects.WithLabelValues(reason).Inc()
	}
	s.logger.Debug("websocket session detached", "session_id", sessionID, "reason", reason)
}

// pingLoop keeps the connection alive until the transport closes.
func (s *Server) pingLoop(t *wsTransport) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed():
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := t.writeControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// readLoop consumes client frames until the connection drops. Join and leave
// control frames mutate room membership; anything else is discarded.
func (s *Server) readLoop(conn *websocket.Conn, t *wsTransport, sessionID string) string {
	conn.SetReadLimit(maxControlFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.closed():
				return "hub_closed"
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return "client_closed"
			}
			return "read_failed"
		}

		var ctrl controlFrame
		if err := json.Unmarshal(data, &ctrl); err != nil || ctrl.Room == "" {
			continue
		}
		switch ctrl.Action {
		case "join":
			if err := s.hub.Join(ctrl.Room, sessionID); err != nil {
				s.logger.Warn("room join failed",
					"session_id", sessionID, "room", ctrl.Room, "error", err)
			}
		case "leave":
			s.hub.Leave(ctrl.Room, sessionID)
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

package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamhub/component"
)

// stubComponent implements component.LifecycleComponent with a fixed health.
type stubComponent struct {
	name    string
	healthy bool
	lastErr string
}

func (s *stubComponent) Meta() component.Metadata {
	return component.Metadata{Name: s.name, Type: "test"}
}

func (s *stubComponent) Health() component.HealthStatus {
	return component.HealthStatus{
		Healthy:   s.healthy,
		LastError: s.lastErr,
		LastCheck: time.Now(),
	}
}

func (s *stubComponent) Initialize() error           { return nil }
func (s *stubComponent) Start(context.Context) error { return nil }
func (s *stubComponent) Stop(time.Duration) error    { return nil }

func TestMonitor_TrackAndGet(t *testing.T) {
	m := NewMonitor()
	m.Track("hub", &stubComponent{name: "hub", healthy: true})

	status, ok := m.Get("hub")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())
	assert.Equal(t, "hub", status.Component)

	_, ok = m.Get("missing")
	assert.False(t, ok)
}

func TestMonitor_PushedStatusWinsOverPolled(t *testing.T) {
	m := NewMonitor()
	m.Track("adapter", &stubComponent{name: "adapter", healthy: true})
	m.UpdateDegraded("adapter", "remote publishes failing")

	status, ok := m.Get("adapter")
	require.True(t, ok)
	assert.True(t, status.IsDegraded())
	assert.Equal(t, "remote publishes failing", status.Message)
}

func TestMonitor_Snapshot(t *testing.T) {
	m := NewMonitor()
	m.Track("hub", &stubComponent{name: "hub", healthy: true})
	m.Track("sse", &stubComponent{name: "sse", healthy: true})

	snap := m.Snapshot("streamhub")
	assert.True(t, snap.IsHealthy())
	require.Len(t, snap.SubStatuses, 2)

	// Sub-statuses come back in name order.
	assert.Equal(t, "hub", snap.SubStatuses[0].Component)
	assert.Equal(t, "sse", snap.SubStatuses[1].Component)

	m.Track("ws", &stubComponent{name: "ws", healthy: false, lastErr: "listener down"})
	snap = m.Snapshot("streamhub")
	assert.True(t, snap.IsUnhealthy())
	assert.Len(t, snap.SubStatuses, 3)
}

func TestMonitor_SnapshotEmpty(t *testing.T) {
	m := NewMonitor()
	snap := m.Snapshot("streamhub")
	assert.True(t, snap.IsHealthy())
	assert.Empty(t, snap.SubStatuses)
}

func TestMonitor_Remove(t *testing.T) {
	m := NewMonitor()
	m.Track("hub", &stubComponent{name: "hub", healthy: true})
	m.UpdateHealthy("extra", "fine")
	assert.Equal(t, 2, m.Count())

	m.Remove("hub")
	m.Remove("extra")
	assert.Equal(t, 0, m.Count())
}

func TestMonitor_Handler(t *testing.T) {
	m := NewMonitor()
	m.Track("hub", &stubComponent{name: "hub", healthy: true})

	ts := httptest.NewServer(m.Handler("streamhub", nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var status Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, "streamhub", status.Component)
	assert.True(t, status.Healthy)
}

func TestMonitor_HandlerUnhealthy(t *testing.T) {
	m := NewMonitor()
	m.Track("hub", &stubComponent{name: "hub", healthy: false, lastErr: "not started"})

	ts := httptest.NewServer(m.Handler("streamhub", nil))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestMonitor_HandlerRejectsNonGet(t *testing.T) {
	m := NewMonitor()
	ts := httptest.NewServer(m.Handler("streamhub", nil))
	defer ts.Close()

	resp, err := http.Post(ts.URL, "application/json", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

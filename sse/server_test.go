package sse

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamhub/config"
	"github.com/c360/streamhub/stream"
)

func newTestHub(t *testing.T) *stream.Hub {
	t.Helper()
	cfg := config.Default().Hub
	hub, err := stream.NewHub(cfg, stream.HubOptions{Origin: "node-1"})
	require.NoError(t, err)
	require.NoError(t, hub.Initialize())
	require.NoError(t, hub.Start(context.Background()))
	t.Cleanup(func() { _ = hub.Stop(time.Second) })
	return hub
}

func TestServerInitializeValidation(t *testing.T) {
	hub := newTestHub(t)

	srv, err := NewServer(ServerConfig{Port: 0, Path: "/events", Hub: hub})
	require.NoError(t, err)
	require.Error(t, srv.Initialize(), "port 0 is invalid")

	srv, err = NewServer(ServerConfig{Port: 8084, Path: "events", Hub: hub})
	require.NoError(t, err)
	require.Error(t, srv.Initialize(), "path must start with /")

	srv, err = NewServer(ServerConfig{Port: 8084, Path: "/events", Hub: hub})
	require.NoError(t, err)
	require.NoError(t, srv.Initialize())

	_, err = NewServer(ServerConfig{Port: 8084, Path: "/events"})
	require.Error(t, err, "hub is required")
}

func TestServerRejectsBadRequests(t *testing.T) {
	hub := newTestHub(t)
	srv, err := NewServer(ServerConfig{Port: 8084, Path: "/events", Hub: hub})
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(srv.handleStream))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing stream parameter")

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"?stream=k", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServerStreamsEvents(t *testing.T) {
	hub := newTestHub(t)
	srv, err := NewServer(ServerConfig{Port: 8084, Path: "/events", Hub: hub})
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(srv.handleStream))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"?stream=orders&rooms=trades", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// The session joins the room during attach; once visible, write to it.
	var sessionID string
	require.Eventually(t, func() bool {
		members := hub.Rooms().Members("trades")
		if len(members) != 1 {
			return false
		}
		sessionID = members[0]
		return true
	}, 2*time.Second, 10*time.Millisecond)

	_, err = hub.Write(context.Background(), sessionID, stream.Event{Name: "fill", Data: []byte("hello")})
	require.NoError(t, err)

	reader := bufio.NewReader(resp.Body)
	var lines []string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == "\n" && len(lines) > 0 && lines[len(lines)-1] == "data: hello" {
			break
		}
		if line != "\n" {
			lines = append(lines, line[:len(line)-1])
		}
	}

	assert.Contains(t, lines, "retry: 3000")
	assert.Contains(t, lines, "id: 1")
	assert.Contains(t, lines, "event: fill")
	assert.Contains(t, lines, "data: hello")
}

func TestServerDisconnectClosesSession(t *testing.T) {
	hub := newTestHub(t)
	srv, err := NewServer(ServerConfig{Port: 8084, Path: "/events", Hub: hub})
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(srv.handleStream))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"?stream=orders", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return hub.Registry().Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	_ = resp.Body.Close()

	require.Eventually(t, func() bool {
		return hub.Registry().Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServerClosesSessionWhenReplayFails(t *testing.T) {
	cfg := config.Default().Hub
	cfg.Backpressure = config.BackpressureBlock
	cfg.WriteTimeout = time.Nanosecond
	hub, err := stream.NewHub(cfg, stream.HubOptions{Origin: "node-1"})
	require.NoError(t, err)
	require.NoError(t, hub.Initialize())
	require.NoError(t, hub.Start(context.Background()))
	t.Cleanup(func() { _ = hub.Stop(time.Second) })

	// Populate the replay window. The writes hit the nanosecond write
	// deadline, but events are recorded before delivery so replay holds
	// them anyway.
	feederID, err := hub.Registry().Open("orders", stream.NewChanTransport(1))
	require.NoError(t, err)
	_, _ = hub.Write(context.Background(), feederID, stream.Event{Name: "fill", Data: []byte("a")})
	_, _ = hub.Write(context.Background(), feederID, stream.Event{Name: "fill", Data: []byte("b")})

	srv, err := NewServer(ServerConfig{Port: 8084, Path: "/events", Hub: hub})
	require.NoError(t, err)
	ts := httptest.NewServer(http.HandlerFunc(srv.handleStream))
	defer ts.Close()

	// Replaying event 2 to this client fails on the same deadline, so the
	// attach errors after the session was registered. The handler must not
	// leave that session behind.
	resp, err := http.Get(ts.URL + "?stream=orders&last_event_id=1")
	require.NoError(t, err)
	_, _ = io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	assert.Eventually(t, func() bool { return hub.Registry().Len() == 1 },
		time.Second, 10*time.Millisecond, "only the feeder session should remain")
}

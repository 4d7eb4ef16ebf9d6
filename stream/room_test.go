package stream

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/streamhub/errors"
)

// fakeAdapter records publishes and exposes subscription handlers so tests
// can inject remote envelopes.
type fakeAdapter struct {
	mu           sync.Mutex
	published    []Envelope
	handlers     map[string]func(Envelope)
	publishErr   error
	subscribes   int
	unsubscribes int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{handlers: make(map[string]func(Envelope))}
}

func (a *fakeAdapter) Publish(_ context.Context, env Envelope) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.publishErr != nil {
		return a.publishErr
	}
	a.published = append(a.published, env)
	return nil
}

func (a *fakeAdapter) Subscribe(room string, handler func(Envelope)) (AdapterSubscription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.subscribes++
	a.handlers[room] = handler
	return &fakeSub{adapter: a, room: room}, nil
}

func (a *fakeAdapter) deliver(env Envelope) {
	a.mu.Lock()
	handler := a.handlers[env.Room]
	a.mu.Unlock()
	if handler != nil {
		handler(env)
	}
}

func (a *fakeAdapter) publishedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.published)
}

type fakeSub struct {
	adapter *fakeAdapter
	room    string
}

func (s *fakeSub) Unsubscribe() error {
	s.adapter.mu.Lock()
	defer s.adapter.mu.Unlock()
	s.adapter.unsubscribes++
	delete(s.adapter.handlers, s.room)
	return nil
}

type roomFixture struct {
	registry *Registry
	rooms    *RoomManager
	adapter  *fakeAdapter
}

func newRoomFixture(t *testing.T, keepWarm bool) *roomFixture {
	t.Helper()
	registry := newTestRegistry(PolicyDrop, time.Second)
	adapter := newFakeAdapter()
	rooms := NewRoomManager(RoomManagerConfig{
		Origin:         "node-1",
		Registry:       registry,
		Adapter:        adapter,
		PublishTimeout: time.Second,
		KeepWarm:       keepWarm,
	})
	return &roomFixture{registry: registry, rooms: rooms, adapter: adapter}
}

// open attaches a buffered session on its own stream key.
func (f *roomFixture) open(t *testing.T, streamKey string) (string, *ChanTransport) {
	t.Helper()
	transport := NewChanTransport(16)
	id, err := f.registry.Open(streamKey, transport)
	require.NoError(t, err)
	return id, transport
}

func TestRoomJoinIsIdempotent(t *testing.T) {
	f := newRoomFixture(t, false)
	id, _ := f.open(t, "s1")

	require.NoError(t, f.rooms.Join("trades", id))
	require.NoError(t, f.rooms.Join("trades", id))

	assert.Equal(t, []string{id}, f.rooms.Members("trades"))
	assert.Equal(t, 1, f.adapter.subscribes, "one subscription per room")
}

func TestRoomJoinValidation(t *testing.T) {
	f := newRoomFixture(t, false)

	assert.True(t, stderrors.Is(f.rooms.Join("", "x"), errors.ErrInvalidData))
	assert.True(t, stderrors.Is(f.rooms.Join("trades", "nope"), errors.ErrSessionNotFound))
}

func TestRoomLastLeaveDropsSubscription(t *testing.T) {
	f := newRoomFixture(t, false)
	a, _ := f.open(t, "s1")
	b, _ := f.open(t, "s2")

	require.NoError(t, f.rooms.Join("trades", a))
	require.NoError(t, f.rooms.Join("trades", b))

	f.rooms.Leave("trades", a)
	assert.Equal(t, 0, f.adapter.unsubscribes)

	f.rooms.Leave("trades", b)
	assert.Equal(t, 1, f.adapter.unsubscribes)
	assert.Empty(t, f.rooms.Rooms())

	// Leaving again, or leaving an unknown room, is a no-op.
	f.rooms.Leave("trades", b)
	f.rooms.Leave("never", b)
	assert.Equal(t, 1, f.adapter.unsubscribes)
}

func TestRoomKeepWarmRetainsSubscription(t *testing.T) {
	f := newRoomFixture(t, true)
	id, _ := f.open(t, "s1")

	require.NoError(t, f.rooms.Join("trades", id))
	f.rooms.Leave("trades", id)

	assert.Equal(t, 0, f.adapter.unsubscribes)
	assert.Equal(t, []string{"trades"}, f.rooms.Rooms())

	// Rejoining reuses the warm subscription.
	require.NoError(t, f.rooms.Join("trades", id))
	assert.Equal(t, 1, f.adapter.subscribes)
}

func TestRoomBroadcastSequencesPerMemberStream(t *testing.T) {
	f := newRoomFixture(t, false)
	a, ta := f.open(t, "alice")
	b, tb := f.open(t, "bob")

	require.NoError(t, f.rooms.Join("trades", a))
	require.NoError(t, f.rooms.Join("trades", b))

	// Bob has already seen one direct write on his stream.
	_, err := f.registry.Write(context.Background(), b, Event{Data: []byte("direct")})
	require.NoError(t, err)
	<-tb.Events()

	res, err := f.rooms.Broadcast(context.Background(), "trades", Event{Name: "fill", Data: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.Empty(t, res.Failed)
	assert.NoError(t, res.RemoteErr)

	got := <-ta.Events()
	assert.Equal(t, uint64(1), got.ID, "first event on alice's stream")
	got = <-tb.Events()
	assert.Equal(t, uint64(2), got.ID, "second event on bob's stream")

	require.Equal(t, 1, f.adapter.publishedCount())
	env := f.adapter.published[0]
	assert.Equal(t, "node-1", env.Origin)
	assert.Equal(t, "trades", env.Room)
	assert.Equal(t, "fill", env.Name)
}

func TestRoomBroadcastIsolatesFailedMember(t *testing.T) {
	f := newRoomFixture(t, false)
	good, tg := f.open(t, "s1")

	bad, err := f.registry.Open("s2", &failTransport{err: fmt.Errorf("gone")})
	require.NoError(t, err)

	require.NoError(t, f.rooms.Join("trades", good))
	require.NoError(t, f.rooms.Join("trades", bad))

	res, err := f.rooms.Broadcast(context.Background(), "trades", Event{Data: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, []string{bad}, res.Failed)

	// The healthy member got the event.
	got := <-tg.Events()
	assert.Equal(t, []byte("x"), got.Data)

	// The broken session was closed by the registry and left the room.
	assert.False(t, f.registry.IsOpen(bad))
	assert.Equal(t, []string{good}, f.rooms.Members("trades"))
}

func TestRoomBroadcastUnknownRoomStillPublishes(t *testing.T) {
	f := newRoomFixture(t, false)

	res, err := f.rooms.Broadcast(context.Background(), "empty", Event{Data: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Delivered)
	assert.Equal(t, 1, f.adapter.publishedCount())
}

func TestRoomBroadcastDegradesOnRemoteFailure(t *testing.T) {
	f := newRoomFixture(t, false)
	id, transport := f.open(t, "s1")
	require.NoError(t, f.rooms.Join("trades", id))

	f.adapter.publishErr = errors.ErrPublishTimeout

	res, err := f.rooms.Broadcast(context.Background(), "trades", Event{Data: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered, "local delivery unaffected")
	assert.True(t, stderrors.Is(res.RemoteErr, errors.ErrPublishTimeout))

	got := <-transport.Events()
	assert.Equal(t, []byte("x"), got.Data)
}

func TestRoomRemoteEnvelopeDelivered(t *testing.T) {
	f := newRoomFixture(t, false)
	id, transport := f.open(t, "s1")
	require.NoError(t, f.rooms.Join("trades", id))

	f.adapter.deliver(Envelope{Origin: "node-2", Room: "trades", Name: "fill", Data: []byte("x")})

	got := <-transport.Events()
	assert.Equal(t, uint64(1), got.ID, "remote events are sequenced locally")
	assert.Equal(t, "fill", got.Name)
}

func TestRoomOwnOriginEnvelopeDropped(t *testing.T) {
	f := newRoomFixture(t, false)
	id, transport := f.open(t, "s1")
	require.NoError(t, f.rooms.Join("trades", id))

	f.adapter.deliver(Envelope{Origin: "node-1", Room: "trades", Data: []byte("echo")})

	select {
	case ev := <-transport.Events():
		t.Fatalf("own-origin envelope must not be delivered, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRoomClosedSessionLeavesAllRooms(t *testing.T) {
	f := newRoomFixture(t, false)
	id, _ := f.open(t, "s1")

	require.NoError(t, f.rooms.Join("trades", id))
	require.NoError(t, f.rooms.Join("news", id))

	f.registry.Close(id)

	assert.Empty(t, f.rooms.Members("trades"))
	assert.Empty(t, f.rooms.Members("news"))
	assert.Equal(t, 2, f.adapter.unsubscribes, "emptied rooms drop their subscriptions")
}

func TestRoomShutdown(t *testing.T) {
	f := newRoomFixture(t, true)
	id, _ := f.open(t, "s1")
	require.NoError(t, f.rooms.Join("trades", id))

	f.rooms.Shutdown()
	assert.Empty(t, f.rooms.Rooms())
	assert.Equal(t, 1, f.adapter.unsubscribes)
}

func TestRoomConcurrentBroadcastsKeepPerStreamOrder(t *testing.T) {
	f := newRoomFixture(t, false)
	id, transport := f.open(t, "s1")
	require.NoError(t, f.rooms.Join("trades", id))

	const publishers = 4
	const perPublisher = 25

	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perPublisher; j++ {
				_, err := f.rooms.Broadcast(context.Background(), "trades", Event{Data: []byte("x")})
				assert.NoError(t, err)
			}
		}()
	}

	var last uint64
	for i := 0; i < publishers*perPublisher; i++ {
		ev := <-transport.Events()
		assert.Greater(t, ev.ID, last, "IDs must be strictly ascending on one stream")
		last = ev.ID
	}
	wg.Wait()
}

// queueAdapter delivers envelopes through a bounded queue drained by a single
// dispatch goroutine, and Unsubscribe waits for that goroutine to finish.
// This mirrors the NATS adapter's subscription lifecycle.
type queueAdapter struct {
	mu   sync.Mutex
	subs map[string]*queueSub
}

type queueSub struct {
	queue chan Envelope
	done  chan struct{}
	once  sync.Once
}

func newQueueAdapter() *queueAdapter {
	return &queueAdapter{subs: make(map[string]*queueSub)}
}

func (a *queueAdapter) Publish(context.Context, Envelope) error { return nil }

func (a *queueAdapter) Subscribe(room string, handler func(Envelope)) (AdapterSubscription, error) {
	sub := &queueSub{queue: make(chan Envelope, 16), done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for env := range sub.queue {
			handler(env)
		}
	}()
	a.mu.Lock()
	a.subs[room] = sub
	a.mu.Unlock()
	return sub, nil
}

func (a *queueAdapter) deliver(env Envelope) {
	a.mu.Lock()
	sub := a.subs[env.Room]
	a.mu.Unlock()
	if sub != nil {
		sub.queue <- env
	}
}

func (s *queueSub) Unsubscribe() error {
	s.once.Do(func() { close(s.queue) })
	<-s.done
	return nil
}

// gateTransport blocks every Send until the gate is opened.
type gateTransport struct {
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newGateTransport() *gateTransport {
	return &gateTransport{entered: make(chan struct{}), gate: make(chan struct{})}
}

func (t *gateTransport) Send(ctx context.Context, _ Event) error {
	t.once.Do(func() { close(t.entered) })
	select {
	case <-t.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *gateTransport) Close() error { return nil }

func TestRoomLeaveDuringRemoteDeliveryDoesNotBlock(t *testing.T) {
	registry := newTestRegistry(PolicyBlock, 5*time.Second)
	adapter := newQueueAdapter()
	rooms := NewRoomManager(RoomManagerConfig{
		Origin:   "node-1",
		Registry: registry,
		Adapter:  adapter,
	})

	transport := newGateTransport()
	id, err := registry.Open("s1", transport)
	require.NoError(t, err)
	require.NoError(t, rooms.Join("ops", id))

	// Two envelopes: the first is mid-delivery when the member leaves, the
	// second forces the dispatcher to contend for the manager lock while the
	// leave is unsubscribing.
	adapter.deliver(Envelope{Origin: "node-2", Room: "ops", Name: "fill", Data: []byte("a")})
	adapter.deliver(Envelope{Origin: "node-2", Room: "ops", Name: "fill", Data: []byte("b")})

	<-transport.entered

	left := make(chan struct{})
	go func() {
		rooms.Leave("ops", id)
		close(left)
	}()

	time.Sleep(20 * time.Millisecond)
	close(transport.gate)

	select {
	case <-left:
	case <-time.After(2 * time.Second):
		t.Fatal("Leave did not return while a remote delivery was in flight")
	}
	assert.Empty(t, rooms.Rooms())
}

func TestRoomShutdownDuringRemoteDeliveryDoesNotBlock(t *testing.T) {
	registry := newTestRegistry(PolicyBlock, 5*time.Second)
	adapter := newQueueAdapter()
	rooms := NewRoomManager(RoomManagerConfig{
		Origin:   "node-1",
		Registry: registry,
		Adapter:  adapter,
	})

	transport := newGateTransport()
	id, err := registry.Open("s1", transport)
	require.NoError(t, err)
	require.NoError(t, rooms.Join("ops", id))

	adapter.deliver(Envelope{Origin: "node-2", Room: "ops", Name: "fill", Data: []byte("a")})
	adapter.deliver(Envelope{Origin: "node-2", Room: "ops", Name: "fill", Data: []byte("b")})

	<-transport.entered

	stopped := make(chan struct{})
	go func() {
		rooms.Shutdown()
		close(stopped)
	}()

	time.Sleep(20 * time.Millisecond)
	close(transport.gate)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return while a remote delivery was in flight")
	}
}

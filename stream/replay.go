package stream

import (
	"sort"
	"sync"

	"github.com/c360/streamhub/errors"
	"github.com/c360/streamhub/pkg/buffer"
)

// ReplayBuffer retains the most recent events per stream key so a
// reconnecting client can be caught up. Each key owns an independent bounded
// ring with strict FIFO eviction by ID; rings for distinct keys never share
// a lock.
//
// Retention is bounded by entry count, not time. A request that predates the
// retained window yields a partial replay, reported via the complete flag
// rather than an error.
type ReplayBuffer struct {
	capacity int

	mu    sync.RWMutex
	rings map[string]buffer.Buffer[Event]
}

// NewReplayBuffer creates a replay buffer retaining up to capacity events
// per stream key. A capacity below 1 is treated as 1.
func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ReplayBuffer{
		capacity: capacity,
		rings:    make(map[string]buffer.Buffer[Event]),
	}
}

// Capacity returns the per-stream retention limit.
func (rb *ReplayBuffer) Capacity() int {
	return rb.capacity
}

// ring returns the ring for streamKey, creating it on first use.
func (rb *ReplayBuffer) ring(streamKey string) (buffer.Buffer[Event], error) {
	rb.mu.RLock()
	r, ok := rb.rings[streamKey]
	rb.mu.RUnlock()
	if ok {
		return r, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if r, ok = rb.rings[streamKey]; ok {
		return r, nil
	}

	r, err := buffer.NewRing[Event](rb.capacity,
		buffer.WithOverflowPolicy[Event](buffer.DropOldest),
	)
	if err != nil {
		return nil, errors.Wrap(err, "ReplayBuffer", "ring", "create ring")
	}
	rb.rings[streamKey] = r
	return r, nil
}

// Record appends an event to streamKey's ring, evicting the oldest entry
// once the ring is over capacity. Events must be recorded in ascending ID
// order per key; the registry's per-session write serialization guarantees
// this for session streams.
func (rb *ReplayBuffer) Record(streamKey string, ev Event) error {
	r, err := rb.ring(streamKey)
	if err != nil {
		return err
	}
	if err := r.Write(ev); err != nil {
		return errors.Wrap(err, "ReplayBuffer", "Record", "append event")
	}
	return nil
}

// Since returns the retained events for streamKey with ID greater than
// lastID, in ascending order. The complete flag is false when lastID
// predates the retained window, meaning events between lastID and the
// result's first entry were evicted and the replay is best-effort.
//
// Since observes a consistent snapshot: events recorded after the call
// starts do not appear, and no torn reads occur.
func (rb *ReplayBuffer) Since(streamKey string, lastID uint64) ([]Event, bool) {
	rb.mu.RLock()
	r, ok := rb.rings[streamKey]
	rb.mu.RUnlock()
	if !ok {
		// Nothing ever recorded for this key.
		return nil, true
	}

	snap := r.Snapshot()
	if len(snap) == 0 {
		return nil, true
	}

	evicted := r.Stats().Drops() > 0
	complete := !evicted || snap[0].ID <= lastID+1

	// Snapshot is ascending by ID; binary search for the first entry > lastID.
	idx := sort.Search(len(snap), func(i int) bool {
		return snap[i].ID > lastID
	})
	if idx == len(snap) {
		return nil, true
	}

	out := make([]Event, len(snap)-idx)
	copy(out, snap[idx:])
	return out, complete
}

// Latest returns the highest retained ID for streamKey, or 0 if nothing is
// retained.
func (rb *ReplayBuffer) Latest(streamKey string) uint64 {
	rb.mu.RLock()
	r, ok := rb.rings[streamKey]
	rb.mu.RUnlock()
	if !ok {
		return 0
	}

	snap := r.Snapshot()
	if len(snap) == 0 {
		return 0
	}
	return snap[len(snap)-1].ID
}

// Remove drops the ring for streamKey, releasing its memory. Replay for the
// key is no longer possible afterwards.
func (rb *ReplayBuffer) Remove(streamKey string) {
	rb.mu.Lock()
	r, ok := rb.rings[streamKey]
	if ok {
		delete(rb.rings, streamKey)
	}
	rb.mu.Unlock()

	if ok {
		_ = r.Close()
	}
}

// Clear drops all rings. Used on shutdown.
func (rb *ReplayBuffer) Clear() {
	rb.mu.Lock()
	rings := rb.rings
	rb.rings = make(map[string]buffer.Buffer[Event])
	rb.mu.Unlock()

	for _, r := range rings {
		_ = r.Close()
	}
}

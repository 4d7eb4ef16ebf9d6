package stream

import (
	"sync"
	"sync/atomic"
)

// Sequencer assigns strictly increasing event IDs per stream key. Counters
// live in memory only; IDs are never reused within a key's lifetime as long
// as the owning process does not restart. Durability across restarts is an
// explicit non-guarantee.
type Sequencer struct {
	origin   uint64
	counters sync.Map // streamKey -> *atomic.Uint64
}

// NewSequencer creates a sequencer whose first assigned ID is origin.
// An origin of 0 is treated as 1.
func NewSequencer(origin uint64) *Sequencer {
	if origin == 0 {
		origin = 1
	}
	return &Sequencer{origin: origin}
}

// Next returns the next ID for streamKey. Safe for concurrent use; counters
// for distinct keys never contend.
func (s *Sequencer) Next(streamKey string) uint64 {
	c, ok := s.counters.Load(streamKey)
	if !ok {
		c, _ = s.counters.LoadOrStore(streamKey, new(atomic.Uint64))
	}
	return s.origin - 1 + c.(*atomic.Uint64).Add(1)
}

// Current returns the last assigned ID for streamKey, or origin-1 if no ID
// has been assigned yet.
func (s *Sequencer) Current(streamKey string) uint64 {
	c, ok := s.counters.Load(streamKey)
	if !ok {
		return s.origin - 1
	}
	return s.origin - 1 + c.(*atomic.Uint64).Load()
}

// Origin returns the first ID this sequencer assigns on a fresh stream.
func (s *Sequencer) Origin() uint64 {
	return s.origin
}

// Forget drops the counter for streamKey. Used when a stream is torn down
// for good; a later Next for the same key starts over at origin.
func (s *Sequencer) Forget(streamKey string) {
	s.counters.Delete(streamKey)
}

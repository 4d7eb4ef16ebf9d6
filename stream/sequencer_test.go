package stream

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequencerStartsAtOrigin(t *testing.T) {
	seq := NewSequencer(1)

	assert.Equal(t, uint64(1), seq.Next("orders"))
	assert.Equal(t, uint64(2), seq.Next("orders"))
	assert.Equal(t, uint64(3), seq.Next("orders"))
}

func TestSequencerCustomOrigin(t *testing.T) {
	seq := NewSequencer(100)

	assert.Equal(t, uint64(100), seq.Next("orders"))
	assert.Equal(t, uint64(101), seq.Next("orders"))
}

func TestSequencerStreamsAreIndependent(t *testing.T) {
	seq := NewSequencer(1)

	assert.Equal(t, uint64(1), seq.Next("a"))
	assert.Equal(t, uint64(2), seq.Next("a"))
	assert.Equal(t, uint64(1), seq.Next("b"))
	assert.Equal(t, uint64(3), seq.Next("a"))
	assert.Equal(t, uint64(2), seq.Next("b"))
}

func TestSequencerCurrent(t *testing.T) {
	seq := NewSequencer(1)

	// Before any event the stream has no current position.
	assert.Equal(t, uint64(0), seq.Current("a"))

	seq.Next("a")
	seq.Next("a")
	assert.Equal(t, uint64(2), seq.Current("a"))
}

func TestSequencerForget(t *testing.T) {
	seq := NewSequencer(1)
	seq.Next("a")
	seq.Next("a")

	seq.Forget("a")
	assert.Equal(t, uint64(0), seq.Current("a"))
	assert.Equal(t, uint64(1), seq.Next("a"))
}

func TestSequencerConcurrentNextIsContiguous(t *testing.T) {
	const (
		workers   = 8
		perWorker = 500
	)
	seq := NewSequencer(1)

	var mu sync.Mutex
	seen := make(map[uint64]bool, workers*perWorker)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				id := seq.Next("stream")
				mu.Lock()
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers*perWorker)
	for id := uint64(1); id <= uint64(workers*perWorker); id++ {
		assert.True(t, seen[id], "missing id %d", id)
	}
}

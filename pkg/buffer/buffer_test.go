package buffer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingBasicOperations(t *testing.T) {
	buf, err := NewRing[int](3)
	require.NoError(t, err)
	defer func() { _ = buf.Close() }()

	assert.True(t, buf.IsEmpty())
	assert.False(t, buf.IsFull())
	assert.Equal(t, 0, buf.Size())
	assert.Equal(t, 3, buf.Capacity())

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	assert.Equal(t, 2, buf.Size())

	v, ok := buf.Read()
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	v, ok = buf.Read()
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	_, ok = buf.Read()
	assert.False(t, ok, "empty buffer should report no item")
}

func TestRingDropOldest(t *testing.T) {
	buf, err := NewRing[int](3, WithOverflowPolicy[int](DropOldest))
	require.NoError(t, err)
	defer func() { _ = buf.Close() }()

	for i := 1; i <= 5; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, 3, buf.Size())
	assert.Equal(t, []int{3, 4, 5}, buf.Snapshot())
}

func TestRingDropNewest(t *testing.T) {
	buf, err := NewRing[int](3, WithOverflowPolicy[int](DropNewest))
	require.NoError(t, err)
	defer func() { _ = buf.Close() }()

	for i := 1; i <= 5; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, []int{1, 2, 3}, buf.Snapshot())
}

func TestRingDropCallback(t *testing.T) {
	var mu sync.Mutex
	var dropped []int

	buf, err := NewRing[int](2,
		WithOverflowPolicy[int](DropOldest),
		WithDropCallback[int](func(item int) {
			mu.Lock()
			dropped = append(dropped, item)
			mu.Unlock()
		}))
	require.NoError(t, err)
	defer func() { _ = buf.Close() }()

	for i := 1; i <= 4; i++ {
		require.NoError(t, buf.Write(i))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, dropped)
}

func TestRingSnapshotDoesNotConsume(t *testing.T) {
	buf, err := NewRing[string](4)
	require.NoError(t, err)
	defer func() { _ = buf.Close() }()

	require.NoError(t, buf.Write("a"))
	require.NoError(t, buf.Write("b"))

	assert.Equal(t, []string{"a", "b"}, buf.Snapshot())
	assert.Equal(t, 2, buf.Size(), "snapshot should not remove items")

	// Mutating the snapshot must not affect the buffer.
	snap := buf.Snapshot()
	snap[0] = "mutated"
	assert.Equal(t, []string{"a", "b"}, buf.Snapshot())
}

func TestRingTakeBlocksUntilWrite(t *testing.T) {
	buf, err := NewRing[int](2)
	require.NoError(t, err)
	defer func() { _ = buf.Close() }()

	got := make(chan int, 1)
	go func() {
		v, ok := buf.Take()
		if ok {
			got <- v
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, buf.Write(7))

	select {
	case v := <-got:
		assert.Equal(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("Take did not receive the written item")
	}
}

func TestRingTakeReturnsFalseOnClose(t *testing.T) {
	buf, err := NewRing[int](2)
	require.NoError(t, err)

	done := make(chan bool, 1)
	go func() {
		_, ok := buf.Take()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, buf.Close())

	select {
	case ok := <-done:
		assert.False(t, ok, "Take should return false after Close")
	case <-time.After(time.Second):
		t.Fatal("Take did not unblock on Close")
	}

	require.Error(t, buf.Write(1), "write after close should fail")
}

func TestRingBlockPolicyUnblocksOnRead(t *testing.T) {
	buf, err := NewRing[int](1, WithOverflowPolicy[int](Block))
	require.NoError(t, err)
	defer func() { _ = buf.Close() }()

	require.NoError(t, buf.Write(1))

	wrote := make(chan struct{})
	go func() {
		_ = buf.Write(2)
		close(wrote)
	}()

	select {
	case <-wrote:
		t.Fatal("write should block while buffer is full")
	case <-time.After(30 * time.Millisecond):
	}

	_, ok := buf.Read()
	require.True(t, ok)

	select {
	case <-wrote:
	case <-time.After(time.Second):
		t.Fatal("blocked write did not resume after read")
	}
}

func TestRingClear(t *testing.T) {
	buf, err := NewRing[int](4)
	require.NoError(t, err)
	defer func() { _ = buf.Close() }()

	require.NoError(t, buf.Write(1))
	require.NoError(t, buf.Write(2))
	buf.Clear()

	assert.True(t, buf.IsEmpty())
	assert.Empty(t, buf.Snapshot())
	require.NoError(t, buf.Write(3))
	assert.Equal(t, []int{3}, buf.Snapshot())
}

func TestRingStats(t *testing.T) {
	buf, err := NewRing[int](2, WithOverflowPolicy[int](DropOldest))
	require.NoError(t, err)
	defer func() { _ = buf.Close() }()

	for i := 0; i < 3; i++ {
		require.NoError(t, buf.Write(i))
	}
	buf.Read()

	stats := buf.Stats()
	assert.Equal(t, int64(3), stats.Writes())
	assert.Equal(t, int64(1), stats.Reads())
	assert.Equal(t, int64(1), stats.Drops())
	assert.Equal(t, int64(2), stats.MaxSize())
}

func TestRingThreadSafety(t *testing.T) {
	buf, err := NewRing[int](64, WithOverflowPolicy[int](DropOldest))
	require.NoError(t, err)

	const writers = 8
	const perWriter = 200

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_ = buf.Write(base + i)
			}
		}(w * perWriter)
	}

	var reads int64
	var readWg sync.WaitGroup
	readWg.Add(1)
	go func() {
		defer readWg.Done()
		for {
			if _, ok := buf.Take(); !ok {
				return
			}
			reads++
		}
	}()

	wg.Wait()
	require.NoError(t, buf.Close())
	readWg.Wait()

	stats := buf.Stats()
	assert.Equal(t, int64(writers*perWriter), stats.Writes())
	assert.Equal(t, stats.Writes()-stats.Drops(), reads+int64(buf.Size()))
}

func TestRingZeroCapacityDefaultsToOne(t *testing.T) {
	buf, err := NewRing[int](0)
	require.NoError(t, err)
	defer func() { _ = buf.Close() }()
	assert.Equal(t, 1, buf.Capacity())
}

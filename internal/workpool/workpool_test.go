package workpool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitToStart(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(2)

	const numTasks = 20
	var count atomic.Int32
	var wg sync.WaitGroup
	for range numTasks {
		wg.Add(1)
		pool.WaitToStart(func() {
			defer wg.Done()
			count.Add(1)
		})
	}
	wg.Wait()
	assert.Equal(t, int32(numTasks), count.Load())

	// Disabled parallelism runs inline.
	pool.SetMaxParallelism(0)
	ran := false
	pool.WaitToStart(func() { ran = true })
	assert.True(t, ran)
}

func TestParallelFor(t *testing.T) {
	pool := New()
	pool.SetMaxParallelism(4)

	// Every index must be visited exactly once.
	const n = 1000
	visits := make([]int32, n)
	pool.ParallelFor(n, 10, func(start, end int) {
		require.LessOrEqual(t, end, n)
		for i := start; i < end; i++ {
			atomic.AddInt32(&visits[i], 1)
		}
	})
	for i, v := range visits {
		require.Equalf(t, int32(1), v, "index %d visited %d times", i, v)
	}

	// Small ranges run inline as a single chunk.
	var calls atomic.Int32
	pool.ParallelFor(5, 10, func(start, end int) {
		calls.Add(1)
		assert.Equal(t, 0, start)
		assert.Equal(t, 5, end)
	})
	assert.Equal(t, int32(1), calls.Load())

	// Empty range does nothing.
	pool.ParallelFor(0, 1, func(start, end int) { t.Fatal("must not be called") })
}

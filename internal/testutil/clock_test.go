package testutil

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildClock_StartsAtEpoch(t *testing.T) {
	clock := NewBuildClock(0, 0)
	assert.Equal(t, int64(0), clock.Current())
	assert.Equal(t, DefaultBuildEpoch, clock.Next())
	assert.Equal(t, DefaultBuildEpoch, clock.Current())
}

func TestBuildClock_Steps(t *testing.T) {
	clock := NewBuildClock(1700000000000, 250)

	assert.Equal(t, int64(1700000000000), clock.Next())
	assert.Equal(t, int64(1700000000250), clock.Next())
	assert.Equal(t, int64(1700000000500), clock.NowMillis())
}

func TestBuildClock_Reset(t *testing.T) {
	clock := NewBuildClock(0, 0)
	clock.Next()
	clock.Next()

	clock.Reset()
	assert.Equal(t, int64(0), clock.Current())
	assert.Equal(t, DefaultBuildEpoch, clock.Next())
}

func TestBuildClock_ThreadSafe(t *testing.T) {
	clock := NewBuildClock(1, 1)
	const goroutines = 50
	const calls = 20

	var wg sync.WaitGroup
	results := make(chan int64, goroutines*calls)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < calls; j++ {
				results <- clock.Next()
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool)
	for v := range results {
		require.False(t, seen[v], "duplicate timestamp %d", v)
		seen[v] = true
	}
	assert.Len(t, seen, goroutines*calls)
	assert.Equal(t, int64(goroutines*calls), clock.Current())
}

package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowBurstThenRefill(t *testing.T) {
	l := New(3, 9*time.Second)
	t0 := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

	for range 3 {
		assert.True(t, l.Allow("A", t0))
	}
	assert.False(t, l.Allow("A", t0.Add(time.Second)))
	assert.True(t, l.Allow("B", t0.Add(time.Second)), "other identities keep their own bucket")

	assert.True(t, l.Allow("A", t0.Add(4*time.Second)), "one token back after period/limit")
	assert.False(t, l.Allow("A", t0.Add(4*time.Second)))

	for range 3 {
		assert.True(t, l.Allow("A", t0.Add(20*time.Second)), "a full period refills the burst")
	}
	assert.False(t, l.Allow("A", t0.Add(20*time.Second)))
}

func TestDisabledLimiter(t *testing.T) {
	var nilLimiter *Limiter
	assert.True(t, nilLimiter.Allow("A", time.Now()))

	l := New(0, time.Second)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("A", time.Now()))
	}
}

func TestPrune(t *testing.T) {
	l := New(1, time.Second)
	t0 := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	l.Allow("A", t0)
	l.Prune(t0.Add(2 * time.Second))
	assert.Zero(t, keys(l))
}

func TestAllowConcurrent(t *testing.T) {
	l := New(50, time.Minute)
	now := time.Now()
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("A", now) {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), allowed.Load())
}

func TestPruneKeepsActiveKeys(t *testing.T) {
	l := New(2, time.Second)
	t0 := time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, l.Allow("A", t0))
	assert.True(t, l.Allow("A", t0))
	l.Prune(t0.Add(100 * time.Millisecond))
	assert.Equal(t, 1, keys(l))
	assert.False(t, l.Allow("A", t0.Add(100*time.Millisecond)), "pruning never hands out fresh tokens early")
}

func TestRunPrunesIdleKeys(t *testing.T) {
	l := New(1, 10*time.Millisecond)
	assert.True(t, l.Allow("A", time.Now().Add(-time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	assert.Eventually(t, func() bool { return keys(l) == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func keys(l *Limiter) int {
	n := 0
	for i := range l.buckets {
		b := &l.buckets[i]
		b.mu.Lock()
		n += len(b.entries)
		b.mu.Unlock()
	}
	return n
}

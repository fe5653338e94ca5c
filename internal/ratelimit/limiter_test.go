package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the limiter deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(max int, window time.Duration) (*Limiter, *fakeClock) {
	l := New(max, window, true)
	clock := newFakeClock()
	l.now = clock.Now
	return l, clock
}

func TestAllowThenBlock(t *testing.T) {
	l, clock := newTestLimiter(3, time.Second)

	for i := 0; i < 3; i++ {
		res := l.Check("k")
		require.True(t, res.Allowed, "call %d should be allowed", i+1)
		clock.Advance(10 * time.Millisecond)
	}

	res := l.Check("k")
	require.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 1, res.RetryAfter)

	// First call landed at t=0, so the window frees at t=1000ms.
	clock.Advance(1070 * time.Millisecond) // now at t=1100ms
	res = l.Check("k")
	assert.True(t, res.Allowed)
}

func TestBlockExpiry(t *testing.T) {
	l, clock := newTestLimiter(2, time.Second)

	l.Check("k")
	l.Check("k")
	res := l.Check("k")
	require.False(t, res.Allowed)

	clock.Advance(res.ResetAt.Sub(clock.Now()))
	res = l.Check("k")
	assert.True(t, res.Allowed, "check at blocked_until must be allowed")

	l.mu.Lock()
	e := l.entries["k"]
	assert.False(t, e.blocked, "block must be cleared")
	l.mu.Unlock()
}

func TestKeyIsolation(t *testing.T) {
	l, _ := newTestLimiter(1, time.Second)

	require.True(t, l.Check("a").Allowed)
	require.False(t, l.Check("a").Allowed)

	// A saturated key a must not affect key b.
	assert.True(t, l.Check("b").Allowed)
}

func TestDisabledLimiterAdmitsEverything(t *testing.T) {
	l := New(1, time.Second, false)
	for i := 0; i < 10; i++ {
		res := l.Check("k")
		require.True(t, res.Allowed)
		assert.Equal(t, 1, res.Remaining)
	}
	assert.Equal(t, 0, l.Size(), "disabled limiter keeps no state")
}

func TestWindowConservation(t *testing.T) {
	const max = 5
	l, clock := newTestLimiter(max, time.Second)

	allowed := 0
	for i := 0; i < 50; i++ {
		if l.Check("k").Allowed {
			allowed++
		}
		clock.Advance(10 * time.Millisecond)
	}
	// 500ms elapsed: still inside the first window.
	assert.Equal(t, max, allowed)
}

func TestTimestampsBoundedByMax(t *testing.T) {
	l, clock := newTestLimiter(3, time.Second)
	for i := 0; i < 20; i++ {
		l.Check("k")
		clock.Advance(5 * time.Millisecond)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.LessOrEqual(t, len(l.entries["k"].timestamps), 3)
}

func TestCleanupDeletesIdleEntries(t *testing.T) {
	l, clock := newTestLimiter(3, time.Second)

	l.Check("stale")
	clock.Advance(2 * time.Second)
	l.Check("fresh")

	l.Cleanup()

	l.mu.Lock()
	defer l.mu.Unlock()
	_, staleAlive := l.entries["stale"]
	_, freshAlive := l.entries["fresh"]
	assert.False(t, staleAlive, "pruned-empty unblocked entry must be deleted")
	assert.True(t, freshAlive)
}

func TestCleanupClearsExpiredBlocks(t *testing.T) {
	l, clock := newTestLimiter(1, time.Second)

	l.Check("k")
	require.False(t, l.Check("k").Allowed)

	clock.Advance(5 * time.Second)
	l.Cleanup()

	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries["k"]; ok {
		assert.False(t, e.blocked)
	}
}

func TestLRUEvictionPartialSelection(t *testing.T) {
	l, clock := newTestLimiter(3, time.Hour)

	over := 50 // below partialEvictionThreshold
	for i := 0; i < MaxEntries+over; i++ {
		l.Check(fmt.Sprintf("key-%d", i))
		clock.Advance(time.Millisecond)
	}

	l.Cleanup()
	require.Equal(t, MaxEntries, l.Size())

	// The oldest keys are the ones evicted.
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i < over; i++ {
		_, ok := l.entries[fmt.Sprintf("key-%d", i)]
		assert.False(t, ok, "key-%d should have been evicted", i)
	}
}

func TestLRUEvictionFullSort(t *testing.T) {
	l, clock := newTestLimiter(3, time.Hour)

	over := partialEvictionThreshold + 36
	for i := 0; i < MaxEntries+over; i++ {
		l.Check(fmt.Sprintf("key-%d", i))
		clock.Advance(time.Millisecond)
	}

	l.Cleanup()
	require.Equal(t, MaxEntries, l.Size())

	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entries["key-0"]
	assert.False(t, ok)
	_, ok = l.entries[fmt.Sprintf("key-%d", MaxEntries+over-1)]
	assert.True(t, ok)
}

func TestCleanupReentrancyGuard(t *testing.T) {
	l, _ := newTestLimiter(3, time.Second)
	l.Check("k")

	// Simulate a sweep already in progress; the second invocation must be a
	// no-op instead of deadlocking or double-sweeping.
	l.mu.Lock()
	l.cleaning = true
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		l.Cleanup()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Cleanup blocked while another sweep was running")
	}
}

func TestConcurrentChecksHoldBound(t *testing.T) {
	const max = 10
	l := New(max, time.Hour, true)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("k").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, max, allowed)
}

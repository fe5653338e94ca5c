// Package ratelimit implements the gateway's per-client admission control: a
// sliding-window rate limiter with temporary block state and an LRU-bounded
// client table. All state is in memory and owned by a single mutex; nothing
// survives a restart.
package ratelimit

import (
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// MaxEntries caps the client table. When the cleanup sweep leaves more
	// entries than this, the least recently active ones are evicted.
	MaxEntries = 10000

	// DefaultCleanupInterval is how often the background sweep runs.
	DefaultCleanupInterval = 60 * time.Second

	// partialEvictionThreshold switches the eviction strategy: small eviction
	// counts use repeated selection, larger ones a full sort.
	partialEvictionThreshold = 64
)

// Result is the outcome of a single admission check.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool

	// Remaining is the number of requests left in the current window.
	Remaining int

	// ResetAt is when the window frees up again.
	ResetAt time.Time

	// RetryAfter is the suggested client wait in whole seconds. Only set on
	// denied results.
	RetryAfter int
}

type entry struct {
	timestamps   []time.Time
	blocked      bool
	blockedUntil time.Time
	lastActivity time.Time
}

// Limiter is a sliding-window rate limiter keyed by client identifier.
type Limiter struct {
	mu      sync.Mutex
	entries map[string]*entry

	maxRequests int
	window      time.Duration
	enabled     bool

	cleaning bool

	stopCh   chan struct{}
	stopOnce sync.Once

	// now is the clock source, swappable in tests.
	now func() time.Time
}

// New creates a limiter allowing maxRequests per window. A disabled limiter
// admits everything.
func New(maxRequests int, window time.Duration, enabled bool) *Limiter {
	return &Limiter{
		entries:     make(map[string]*entry),
		maxRequests: maxRequests,
		window:      window,
		enabled:     enabled,
		stopCh:      make(chan struct{}),
		now:         time.Now,
	}
}

// Enabled reports whether admission control is active.
func (l *Limiter) Enabled() bool {
	return l.enabled
}

// Limit returns the configured per-window request budget.
func (l *Limiter) Limit() int {
	return l.maxRequests
}

// Check records an admission attempt for key and returns the decision.
//
// A key that fills its window is blocked until the oldest in-window request
// ages out; while blocked, every check is denied with a retry hint. Expired
// blocks are cleared lazily on the next check.
func (l *Limiter) Check(key string) Result {
	now := l.now()

	if !l.enabled {
		return Result{Allowed: true, Remaining: l.maxRequests, ResetAt: now.Add(l.window)}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{}
		l.entries[key] = e
	}
	e.lastActivity = now

	if e.blocked {
		if now.Before(e.blockedUntil) {
			retry := int((e.blockedUntil.Sub(now) + time.Second - 1) / time.Second)
			return Result{Allowed: false, Remaining: 0, ResetAt: e.blockedUntil, RetryAfter: retry}
		}
		e.blocked = false
		e.blockedUntil = time.Time{}
	}

	e.prune(now.Add(-l.window))

	if len(e.timestamps) >= l.maxRequests {
		e.blocked = true
		e.blockedUntil = e.timestamps[0].Add(l.window)
		retry := int((e.blockedUntil.Sub(now) + time.Second - 1) / time.Second)
		if retry < 1 {
			retry = 1
		}
		return Result{Allowed: false, Remaining: 0, ResetAt: e.blockedUntil, RetryAfter: retry}
	}

	e.timestamps = append(e.timestamps, now)
	return Result{
		Allowed:   true,
		Remaining: l.maxRequests - len(e.timestamps),
		ResetAt:   e.timestamps[0].Add(l.window),
	}
}

// prune drops timestamps at or before cutoff. Timestamps are appended in
// order, so the suffix after the first survivor is kept wholesale.
func (e *entry) prune(cutoff time.Time) {
	idx := 0
	for idx < len(e.timestamps) && !e.timestamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		e.timestamps = append(e.timestamps[:0], e.timestamps[idx:]...)
	}
}

// StartCleanup launches the periodic table sweep. Call Stop to end it.
func (l *Limiter) StartCleanup(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Cleanup()
			case <-l.stopCh:
				return
			}
		}
	}()
}

// Stop terminates the background sweep.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Cleanup prunes every entry to the window, clears expired blocks, deletes
// entries that are empty and unblocked, and evicts by last activity when the
// table still exceeds MaxEntries. Reentrant invocations are dropped.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	if l.cleaning {
		l.mu.Unlock()
		return
	}
	l.cleaning = true
	defer func() {
		l.cleaning = false
		l.mu.Unlock()
	}()

	now := l.now()
	cutoff := now.Add(-l.window)

	for key, e := range l.entries {
		e.prune(cutoff)
		if e.blocked && !now.Before(e.blockedUntil) {
			e.blocked = false
			e.blockedUntil = time.Time{}
		}
		if len(e.timestamps) == 0 && !e.blocked {
			delete(l.entries, key)
		}
	}

	if over := len(l.entries) - MaxEntries; over > 0 {
		l.evictLocked(over)
	}
}

// evictLocked removes the n least recently active entries. Small n uses
// repeated selection to avoid materializing and sorting the whole table.
func (l *Limiter) evictLocked(n int) {
	if n <= partialEvictionThreshold {
		for i := 0; i < n; i++ {
			var oldestKey string
			var oldest time.Time
			for key, e := range l.entries {
				if oldestKey == "" || e.lastActivity.Before(oldest) {
					oldestKey = key
					oldest = e.lastActivity
				}
			}
			if oldestKey == "" {
				return
			}
			delete(l.entries, oldestKey)
		}
		log.Debugf("rate limiter evicted %d entries by selection", n)
		return
	}

	type aged struct {
		key  string
		last time.Time
	}
	all := make([]aged, 0, len(l.entries))
	for key, e := range l.entries {
		all = append(all, aged{key, e.lastActivity})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].last.Before(all[j].last) })
	for i := 0; i < n && i < len(all); i++ {
		delete(l.entries, all[i].key)
	}
	log.Debugf("rate limiter evicted %d entries by sort", n)
}

// Size returns the current entry count. Intended for tests and status.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

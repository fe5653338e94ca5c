// Package pool provides the per-backend process pool: a bounded-concurrency
// executor with a FIFO admission queue, age-based queue rejection, and a
// graceful shutdown protocol. One pool exists per CLI backend; API backends
// bypass pooling entirely.
package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lmrouter/claude-gateway/internal/backend"
)

// Pool admission errors.
var (
	// ErrQueueFull is returned when both the execution slots and the queue
	// are at capacity.
	ErrQueueFull = errors.New("pool queue is full")

	// ErrQueueTimeout is returned for items that aged out of the queue
	// before a slot opened.
	ErrQueueTimeout = errors.New("request timed out waiting in queue")

	// ErrShutdown is returned for requests arriving at, or queued in, a pool
	// that is shutting down.
	ErrShutdown = errors.New("pool is shutting down")
)

const (
	// DefaultQueueTimeout is how long an item may wait in the queue.
	DefaultQueueTimeout = 30 * time.Second

	// DefaultSweepInterval is how often aged queue items are collected.
	DefaultSweepInterval = 5 * time.Second
)

// Stats is a point-in-time snapshot of pool state and counters.
type Stats struct {
	Active        int    `json:"active"`
	Queued        int    `json:"queued"`
	MaxConcurrent int    `json:"max_concurrent"`
	MaxQueue      int    `json:"max_queue"`
	Processed     uint64 `json:"processed_total"`
	QueuedTotal   uint64 `json:"queued_total"`
	Failed        uint64 `json:"failed_total"`
}

// Utilization is the fraction of execution slots in use.
func (s Stats) Utilization() float64 {
	if s.MaxConcurrent == 0 {
		return 0
	}
	return float64(s.Active) / float64(s.MaxConcurrent)
}

type outcome struct {
	result *backend.ExecutionResult
	err    error
}

type queueItem struct {
	req      *backend.ExecutionRequest
	done     chan outcome
	queuedAt time.Time
	settled  bool
}

// settle delivers the outcome exactly once. Callers must hold the pool lock
// or own the item exclusively.
func (it *queueItem) settle(o outcome) {
	if it.settled {
		return
	}
	it.settled = true
	it.done <- o
}

// Pool is a bounded-concurrency executor for a single CLI backend.
type Pool struct {
	backend backend.Backend

	mu           sync.Mutex
	active       int
	queue        []*queueItem
	shuttingDown bool
	dispatching  bool

	processed   uint64
	queuedTotal uint64
	failed      uint64

	maxConcurrent int
	maxQueue      int
	queueTimeout  time.Duration
	sweepInterval time.Duration

	idle     chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option tunes pool construction.
type Option func(*Pool)

// WithQueueTimeout overrides the queue-residence limit.
func WithQueueTimeout(d time.Duration) Option {
	return func(p *Pool) { p.queueTimeout = d }
}

// WithSweepInterval overrides the aging sweep period. Zero disables the
// sweep (tests drive it manually).
func WithSweepInterval(d time.Duration) Option {
	return func(p *Pool) { p.sweepInterval = d }
}

// New creates a pool running at most maxConcurrent requests with at most
// maxQueue waiting, and starts the queue-aging sweep.
func New(b backend.Backend, maxConcurrent, maxQueue int, opts ...Option) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if maxQueue < 0 {
		maxQueue = 0
	}
	p := &Pool{
		backend:       b,
		maxConcurrent: maxConcurrent,
		maxQueue:      maxQueue,
		queueTimeout:  DefaultQueueTimeout,
		sweepInterval: DefaultSweepInterval,
		idle:          make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.sweepInterval > 0 {
		go p.sweepLoop()
	}
	return p
}

// Backend returns the backend this pool fronts.
func (p *Pool) Backend() backend.Backend {
	return p.backend
}

// HasCapacity reports whether a new request could run or queue right now.
func (p *Pool) HasCapacity() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active < p.maxConcurrent || len(p.queue) < p.maxQueue
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:        p.active,
		Queued:        len(p.queue),
		MaxConcurrent: p.maxConcurrent,
		MaxQueue:      p.maxQueue,
		Processed:     p.processed,
		QueuedTotal:   p.queuedTotal,
		Failed:        p.failed,
	}
}

// Execute admits req and blocks until it completes, is rejected, or ctx is
// cancelled. Cancellation abandons the caller's wait but never the slot
// accounting: a request that already started runs to completion.
func (p *Pool) Execute(ctx context.Context, req *backend.ExecutionRequest) (*backend.ExecutionResult, error) {
	p.mu.Lock()
	if p.shuttingDown {
		p.mu.Unlock()
		return nil, ErrShutdown
	}

	if p.active < p.maxConcurrent {
		p.active++
		p.processed++
		p.mu.Unlock()
		res, err := p.backend.Execute(ctx, req)
		p.release(err)
		return res, err
	}

	if len(p.queue) >= p.maxQueue {
		p.mu.Unlock()
		return nil, ErrQueueFull
	}

	item := &queueItem{
		req:      req,
		done:     make(chan outcome, 1),
		queuedAt: time.Now(),
	}
	p.queue = append(p.queue, item)
	p.queuedTotal++
	p.mu.Unlock()

	select {
	case o := <-item.done:
		return o.result, o.err
	case <-ctx.Done():
		// The item stays queued; its buffered channel absorbs the eventual
		// outcome so the dispatcher never blocks on an abandoned caller.
		return nil, ctx.Err()
	}
}

// release returns a slot and triggers dispatch of queued work.
func (p *Pool) release(err error) {
	p.mu.Lock()
	p.active--
	if err != nil {
		p.failed++
	}
	if p.shuttingDown && p.active == 0 {
		select {
		case p.idle <- struct{}{}:
		default:
		}
	}
	p.mu.Unlock()
	p.dispatchNext()
}

// dispatchNext drains the queue into free slots. The dispatching flag keeps
// the loop single-entrant: a cascade of finishing workers must not run the
// loop concurrently and overshoot maxConcurrent.
func (p *Pool) dispatchNext() {
	p.mu.Lock()
	if p.dispatching {
		p.mu.Unlock()
		return
	}
	p.dispatching = true
	for !p.shuttingDown && p.active < p.maxConcurrent && len(p.queue) > 0 {
		item := p.queue[0]
		p.queue = p.queue[1:]
		p.active++
		p.processed++
		go p.run(item)
	}
	p.dispatching = false
	p.mu.Unlock()
}

func (p *Pool) run(item *queueItem) {
	res, err := p.backend.Execute(context.Background(), item.req)
	p.mu.Lock()
	item.settle(outcome{result: res, err: err})
	p.mu.Unlock()
	p.release(err)
}

func (p *Pool) sweepLoop() {
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.SweepQueue()
		case <-p.stopCh:
			return
		}
	}
}

// SweepQueue rejects every queued item older than the queue timeout.
func (p *Pool) SweepQueue() {
	now := time.Now()
	p.mu.Lock()
	kept := p.queue[:0]
	for _, item := range p.queue {
		if now.Sub(item.queuedAt) > p.queueTimeout {
			item.settle(outcome{err: ErrQueueTimeout})
			p.failed++
			log.Warnf("pool %s: queued request aged out after %v", p.backend.Name(), now.Sub(item.queuedAt).Truncate(time.Millisecond))
			continue
		}
		kept = append(kept, item)
	}
	p.queue = kept
	p.mu.Unlock()
}

// ShutdownResult reports what Shutdown did.
type ShutdownResult struct {
	// Rejected is the number of queued items that were rejected.
	Rejected int

	// TimedOut is true when active work did not drain within the timeout.
	TimedOut bool
}

// Shutdown stops admissions, rejects all queued items, and waits up to
// timeout for in-flight work to finish.
func (p *Pool) Shutdown(timeout time.Duration) ShutdownResult {
	p.stopOnce.Do(func() { close(p.stopCh) })

	p.mu.Lock()
	p.shuttingDown = true
	rejected := len(p.queue)
	for _, item := range p.queue {
		item.settle(outcome{err: ErrShutdown})
	}
	p.queue = nil
	drained := p.active == 0
	p.mu.Unlock()

	if drained {
		return ShutdownResult{Rejected: rejected}
	}

	select {
	case <-p.idle:
		return ShutdownResult{Rejected: rejected}
	case <-time.After(timeout):
		log.Warnf("pool %s: shutdown timed out with work still active", p.backend.Name())
		return ShutdownResult{Rejected: rejected, TimedOut: true}
	}
}

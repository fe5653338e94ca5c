// Package gateway composes the routing core: the registry, one process pool
// per CLI backend, and the router. The HTTP handlers talk to a Gateway and
// never touch pools or backends directly.
package gateway

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lmrouter/claude-gateway/internal/backend"
	"github.com/lmrouter/claude-gateway/internal/pool"
	"github.com/lmrouter/claude-gateway/internal/registry"
	"github.com/lmrouter/claude-gateway/internal/router"
)

// Result is one dispatched execution plus its routing context.
type Result struct {
	BackendName string
	IsFallback  bool
	Reason      string
	Res         *backend.ExecutionResult
}

// QueueStatus is the /queue/status payload.
type QueueStatus struct {
	Pools     map[string]PoolStatus `json:"pools"`
	Aggregate PoolStatus            `json:"aggregate"`
}

// PoolStatus is the externally visible pool state.
type PoolStatus struct {
	Active        int     `json:"active"`
	Queued        int     `json:"queued"`
	MaxConcurrent int     `json:"max_concurrent"`
	MaxQueue      int     `json:"max_queue"`
	Utilization   float64 `json:"utilization"`
	Processed     uint64  `json:"processed_total"`
	QueuedTotal   uint64  `json:"queued_total"`
	Failed        uint64  `json:"failed_total"`
}

// Gateway routes and executes requests over a fixed registry snapshot.
type Gateway struct {
	reg    *registry.Registry
	pools  map[string]*pool.Pool
	router *router.Router
}

// New builds a gateway. A pool is created for every CLI backend using the
// given pool sizing.
func New(reg *registry.Registry, maxConcurrent, maxQueue int, poolOpts ...pool.Option) *Gateway {
	g := &Gateway{
		reg:   reg,
		pools: make(map[string]*pool.Pool),
	}
	for _, b := range reg.All() {
		if b.Kind() == backend.KindCLI {
			g.pools[b.Name()] = pool.New(b, maxConcurrent, maxQueue, poolOpts...)
		}
	}
	g.router = router.New(reg, g)
	return g
}

// Registry returns the underlying registry.
func (g *Gateway) Registry() *registry.Registry { return g.reg }

// Stats implements router.PoolStats.
func (g *Gateway) Stats(backendName string) (pool.Stats, bool) {
	p, ok := g.pools[backendName]
	if !ok {
		return pool.Stats{}, false
	}
	return p.Stats(), true
}

// Execute routes one request and runs it. CLI backends go through their
// pool; API backends are called directly.
func (g *Gateway) Execute(ctx context.Context, req *backend.ExecutionRequest, opts router.Options) (*Result, error) {
	dec, err := g.router.Route(ctx, req, opts)
	if err != nil {
		return nil, err
	}

	b := dec.Backend
	var res *backend.ExecutionResult
	if p, ok := g.pools[b.Name()]; ok {
		res, err = p.Execute(ctx, req)
	} else {
		res, err = b.Execute(ctx, req)
	}
	if err != nil {
		return &Result{BackendName: b.Name(), IsFallback: dec.IsFallback, Reason: dec.Reason}, err
	}
	return &Result{
		BackendName: b.Name(),
		IsFallback:  dec.IsFallback,
		Reason:      dec.Reason,
		Res:         res,
	}, nil
}

// QueueStatus snapshots every pool plus an aggregate view.
func (g *Gateway) QueueStatus() QueueStatus {
	status := QueueStatus{Pools: make(map[string]PoolStatus, len(g.pools))}
	var agg pool.Stats
	for name, p := range g.pools {
		st := p.Stats()
		status.Pools[name] = poolStatus(st)
		agg.Active += st.Active
		agg.Queued += st.Queued
		agg.MaxConcurrent += st.MaxConcurrent
		agg.MaxQueue += st.MaxQueue
		agg.Processed += st.Processed
		agg.QueuedTotal += st.QueuedTotal
		agg.Failed += st.Failed
	}
	status.Aggregate = poolStatus(agg)
	return status
}

func poolStatus(st pool.Stats) PoolStatus {
	return PoolStatus{
		Active:        st.Active,
		Queued:        st.Queued,
		MaxConcurrent: st.MaxConcurrent,
		MaxQueue:      st.MaxQueue,
		Utilization:   st.Utilization(),
		Processed:     st.Processed,
		QueuedTotal:   st.QueuedTotal,
		Failed:        st.Failed,
	}
}

// Shutdown drains every pool, waiting up to timeout for in-flight work.
func (g *Gateway) Shutdown(timeout time.Duration) {
	for name, p := range g.pools {
		res := p.Shutdown(timeout)
		if res.Rejected > 0 || res.TimedOut {
			log.Warnf("pool %s shutdown: rejected=%d timed_out=%v", name, res.Rejected, res.TimedOut)
		}
	}
}

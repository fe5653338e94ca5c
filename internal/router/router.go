// Package router picks a backend for each request. Routing looks at the
// explicit backend override, the tool predicate on the request, live pool
// occupancy, and a cost ladder over the available API backends.
package router

import (
	"context"
	"fmt"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/lmrouter/claude-gateway/internal/backend"
	"github.com/lmrouter/claude-gateway/internal/pool"
	"github.com/lmrouter/claude-gateway/internal/registry"
)

// DegradedReason annotates responses served by a plain API backend after
// every tool-capable backend was at capacity.
const DegradedReason = "degraded — tools disabled"

// largePromptTokens is the estimated-token threshold above which routing
// prefers large-context backends.
const largePromptTokens = 100000

// ErrNoBackend is returned when no backend can serve the request.
var ErrNoBackend = fmt.Errorf("no available backend")

// PoolStats exposes live pool occupancy per CLI backend. Backends without a
// pool report ok=false and are treated as having capacity.
type PoolStats interface {
	Stats(backendName string) (pool.Stats, bool)
}

// Options modifies a single routing call.
type Options struct {
	// ExplicitBackend bypasses routing when it names an available backend.
	ExplicitBackend string

	// ModelHint is the caller's model string, consulted by the tie-break
	// ladder.
	ModelHint string

	// AllowFallback permits degrading a tool request onto an API backend
	// when every tool-capable backend is saturated.
	AllowFallback bool
}

// Decision is the routing outcome.
type Decision struct {
	Backend backend.Backend

	// IsFallback marks a tool request degraded onto a non-tool backend.
	IsFallback bool

	// Reason is set when IsFallback is true.
	Reason string
}

// Router routes requests over a registry using live pool stats.
type Router struct {
	reg   *registry.Registry
	pools PoolStats
}

// New builds a router.
func New(reg *registry.Registry, pools PoolStats) *Router {
	return &Router{reg: reg, pools: pools}
}

// Route picks the backend for one request.
func (rt *Router) Route(ctx context.Context, req *backend.ExecutionRequest, opts Options) (*Decision, error) {
	if opts.ExplicitBackend != "" {
		if b, ok := rt.reg.Get(opts.ExplicitBackend); ok && b.IsAvailable(ctx) {
			return &Decision{Backend: b}, nil
		}
		log.Warnf("explicit backend %q unavailable, routing normally", opts.ExplicitBackend)
	}

	if req.RequiresTools() {
		return rt.routeToolPath(ctx, req, opts)
	}
	return rt.routeAPIPath(ctx, req, opts, false)
}

// routeToolPath walks the tool-capable backends in configured order and
// takes the first one that is both available and has pool capacity.
func (rt *Router) routeToolPath(ctx context.Context, req *backend.ExecutionRequest, opts Options) (*Decision, error) {
	capable := rt.reg.ToolCapable()
	var firstAvailable backend.Backend
	for _, b := range capable {
		if !b.IsAvailable(ctx) {
			continue
		}
		if firstAvailable == nil {
			firstAvailable = b
		}
		if rt.hasCapacity(b.Name()) {
			return &Decision{Backend: b}, nil
		}
	}

	if opts.AllowFallback {
		dec, err := rt.routeAPIPath(ctx, req, opts, true)
		if err == nil {
			return dec, nil
		}
		log.Warnf("degraded fallback found no API backend: %v", err)
	}

	// Saturated but not degradable: hand back the first available tool
	// backend and let its pool apply back-pressure.
	if firstAvailable != nil {
		return &Decision{Backend: firstAvailable}, nil
	}
	return nil, ErrNoBackend
}

// routeAPIPath probes the API backends in parallel and picks one through the
// tie-break ladder.
func (rt *Router) routeAPIPath(ctx context.Context, req *backend.ExecutionRequest, opts Options, degraded bool) (*Decision, error) {
	candidates := rt.reg.APIOnly()
	if len(candidates) == 0 {
		return nil, ErrNoBackend
	}

	available := probeParallel(ctx, candidates)
	if len(available) == 0 {
		return nil, ErrNoBackend
	}

	chosen := pickAPI(available, req, opts)
	dec := &Decision{Backend: chosen}
	if degraded {
		dec.IsFallback = true
		dec.Reason = DegradedReason
	}
	return dec, nil
}

// pickAPI applies the tie-break ladder: large prompts prefer "gemini"
// backends, sonnet or thinking model hints prefer "sonnet" backends, and
// otherwise the cheapest backend wins.
func pickAPI(available []backend.Backend, req *backend.ExecutionRequest, opts Options) backend.Backend {
	if req.EstimatedPromptTokens() > largePromptTokens {
		if b := firstNamed(available, "gemini"); b != nil {
			return b
		}
	} else {
		hint := strings.ToLower(opts.ModelHint)
		if strings.Contains(hint, "sonnet") || strings.Contains(hint, "thinking") {
			if b := firstNamed(available, "sonnet"); b != nil {
				return b
			}
		}
	}

	cheapest := available[0]
	for _, b := range available[1:] {
		if b.EstimatedCostPerRequest() < cheapest.EstimatedCostPerRequest() {
			cheapest = b
		}
	}
	return cheapest
}

func firstNamed(backends []backend.Backend, substr string) backend.Backend {
	for _, b := range backends {
		if strings.Contains(strings.ToLower(b.Name()), substr) {
			return b
		}
	}
	return nil
}

// probeParallel checks availability concurrently, preserving input order in
// the result. A probe panic coerces to unavailable.
func probeParallel(ctx context.Context, candidates []backend.Backend) []backend.Backend {
	alive := make([]bool, len(candidates))
	var wg sync.WaitGroup
	for i, b := range candidates {
		wg.Add(1)
		go func(i int, b backend.Backend) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					log.Errorf("availability probe for %s panicked: %v", b.Name(), rec)
					alive[i] = false
				}
			}()
			alive[i] = b.IsAvailable(ctx)
		}(i, b)
	}
	wg.Wait()

	var out []backend.Backend
	for i, ok := range alive {
		if ok {
			out = append(out, candidates[i])
		}
	}
	return out
}

// hasCapacity reports whether the named backend's pool can take one more
// request, either on a free slot or in the queue.
func (rt *Router) hasCapacity(name string) bool {
	if rt.pools == nil {
		return true
	}
	st, ok := rt.pools.Stats(name)
	if !ok {
		return true
	}
	return st.Active < st.MaxConcurrent || st.Queued < st.MaxQueue
}

// Package registry holds the set of configured backends, classifies them,
// and answers availability questions. A registry is immutable after
// construction; configuration reloads build a fresh one and swap it in.
package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/lmrouter/claude-gateway/internal/backend"
)

// deniedRoots are system directories no backend source path may resolve
// under.
var deniedRoots = []string{"/etc", "/var", "/usr", "/bin", "/sbin", "/root", "/proc", "/sys"}

// healthProbeTimeout bounds each individual availability probe.
const healthProbeTimeout = 5 * time.Second

// RoutingConfig is the registry-level routing policy.
type RoutingConfig struct {
	// Default names the backend used when nothing else decides.
	Default string `yaml:"default"`

	// PreferCheapest picks the lowest-cost API backend on ties.
	PreferCheapest bool `yaml:"prefer-cheapest"`

	// FallbackChain lists backends tried in order when the primary path is
	// saturated.
	FallbackChain []string `yaml:"fallback-chain"`

	// AllowDegraded permits falling back from the tool path to a plain API
	// backend that will not honor tool requests.
	AllowDegraded bool `yaml:"allow-degraded"`
}

// Registry is the name-indexed set of backends plus routing policy.
type Registry struct {
	backends map[string]backend.Backend
	order    []string
	routing  RoutingConfig
}

// New builds a registry from the given backends. Names must be unique and
// at least one backend must have constructed successfully.
func New(backends []backend.Backend, routing RoutingConfig) (*Registry, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("no backends configured")
	}

	r := &Registry{
		backends: make(map[string]backend.Backend, len(backends)),
		routing:  routing,
	}
	for _, b := range backends {
		name := b.Name()
		if _, dup := r.backends[name]; dup {
			return nil, fmt.Errorf("duplicate backend name %q", name)
		}
		r.backends[name] = b
		r.order = append(r.order, name)
	}
	return r, nil
}

// ValidateSourcePath rejects paths resolving under protected system
// directories. Used at startup for every configured source directory.
func ValidateSourcePath(path string) error {
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving source path %q: %w", path, err)
	}
	abs = filepath.Clean(abs)
	for _, root := range deniedRoots {
		if abs == root || strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return fmt.Errorf("source path %q resolves under protected directory %s", path, root)
		}
	}
	return nil
}

// Routing returns the routing policy.
func (r *Registry) Routing() RoutingConfig {
	return r.routing
}

// Get looks up a backend by name.
func (r *Registry) Get(name string) (backend.Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// All returns every backend in configuration order.
func (r *Registry) All() []backend.Backend {
	out := make([]backend.Backend, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.backends[name])
	}
	return out
}

// Names returns the backend names, sorted.
func (r *Registry) Names() []string {
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// ToolCapable returns the tool-capable backends in configuration order.
func (r *Registry) ToolCapable() []backend.Backend {
	var out []backend.Backend
	for _, b := range r.All() {
		if b.SupportsTools() {
			out = append(out, b)
		}
	}
	return out
}

// APIOnly returns the plain-API backends in configuration order.
func (r *Registry) APIOnly() []backend.Backend {
	var out []backend.Backend
	for _, b := range r.All() {
		if b.Kind() == backend.KindAPI {
			out = append(out, b)
		}
	}
	return out
}

// FallbackChain resolves the configured fallback chain to backend handles,
// skipping unknown names.
func (r *Registry) FallbackChain() []backend.Backend {
	var out []backend.Backend
	for _, name := range r.routing.FallbackChain {
		if b, ok := r.backends[name]; ok {
			out = append(out, b)
		} else {
			log.Warnf("fallback chain references unknown backend %q", name)
		}
	}
	return out
}

// HealthCheck probes every backend concurrently and always returns one
// result per backend. A probe that panics or overruns its timeout is
// reported as unavailable; one failing probe never blocks another.
func (r *Registry) HealthCheck(ctx context.Context) map[string]bool {
	results := make(map[string]bool, len(r.backends))
	mu := make(chan struct{}, 1)
	mu <- struct{}{}

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range r.All() {
		b := b
		g.Go(func() error {
			alive := probe(gctx, b)
			<-mu
			results[b.Name()] = alive
			mu <- struct{}{}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// probe runs one availability check with a timeout and panic containment.
func probe(ctx context.Context, b backend.Backend) (alive bool) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("health probe for %s panicked: %v", b.Name(), rec)
			alive = false
		}
	}()

	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Errorf("health probe for %s panicked: %v", b.Name(), rec)
				done <- false
			}
		}()
		done <- b.IsAvailable(probeCtx)
	}()

	select {
	case alive = <-done:
		return alive
	case <-probeCtx.Done():
		return false
	}
}

package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lmrouter/claude-gateway/internal/backend"
	"github.com/lmrouter/claude-gateway/internal/pool"
	"github.com/lmrouter/claude-gateway/internal/registry"
	"github.com/lmrouter/claude-gateway/internal/router"
)

type stubBackend struct {
	name  string
	kind  backend.Kind
	tools bool
	cost  float64
	block chan struct{}
	calls chan string
}

func (s *stubBackend) Name() string                         { return s.name }
func (s *stubBackend) Kind() backend.Kind                   { return s.kind }
func (s *stubBackend) SupportsTools() bool                  { return s.tools }
func (s *stubBackend) ProviderFamily() string               { return "test" }
func (s *stubBackend) EstimatedCostPerRequest() float64     { return s.cost }
func (s *stubBackend) IsAvailable(ctx context.Context) bool { return true }

func (s *stubBackend) Execute(ctx context.Context, req *backend.ExecutionRequest) (*backend.ExecutionResult, error) {
	if s.calls != nil {
		s.calls <- s.name
	}
	if s.block != nil {
		<-s.block
	}
	return &backend.ExecutionResult{OK: true, Output: "from " + s.name}, nil
}

func newGateway(t *testing.T, backends ...backend.Backend) *Gateway {
	t.Helper()
	reg, err := registry.New(backends, registry.RoutingConfig{})
	require.NoError(t, err)
	return New(reg, 1, 2, pool.WithSweepInterval(0))
}

func TestExecuteAPIDirect(t *testing.T) {
	g := newGateway(t, &stubBackend{name: "openai", kind: backend.KindAPI, cost: 0.01})

	res, err := g.Execute(context.Background(), &backend.ExecutionRequest{Query: "q"}, router.Options{})
	require.NoError(t, err)
	assert.Equal(t, "openai", res.BackendName)
	assert.Equal(t, "from openai", res.Res.Output)
	assert.False(t, res.IsFallback)
}

func TestExecuteCLIThroughPool(t *testing.T) {
	cli := &stubBackend{name: "claude", kind: backend.KindCLI, tools: true, block: make(chan struct{})}
	g := newGateway(t, cli, &stubBackend{name: "openai", kind: backend.KindAPI, cost: 0.01})

	req := &backend.ExecutionRequest{Query: "q", AllowedTools: []string{"Read"}}
	done := make(chan error, 1)
	go func() {
		_, err := g.Execute(context.Background(), req, router.Options{})
		done <- err
	}()

	require.Eventually(t, func() bool {
		st, ok := g.Stats("claude")
		return ok && st.Active == 1
	}, time.Second, 5*time.Millisecond, "CLI execution must occupy a pool slot")

	close(cli.block)
	require.NoError(t, <-done)

	st, _ := g.Stats("claude")
	assert.Equal(t, 0, st.Active)
	assert.Equal(t, uint64(1), st.Processed)
}

func TestExecuteDegradedFallback(t *testing.T) {
	cli := &stubBackend{name: "claude", kind: backend.KindCLI, tools: true, block: make(chan struct{})}
	defer close(cli.block)
	g := newGateway(t, cli, &stubBackend{name: "openai", kind: backend.KindAPI, cost: 0.01})

	// Saturate the claude pool: one active, queue full.
	for i := 0; i < 3; i++ {
		go g.Execute(context.Background(), &backend.ExecutionRequest{Query: "q", AddDirs: []string{"/tmp"}}, router.Options{})
	}
	require.Eventually(t, func() bool {
		st, _ := g.Stats("claude")
		return st.Active == 1 && st.Queued == 2
	}, time.Second, 5*time.Millisecond)

	res, err := g.Execute(context.Background(),
		&backend.ExecutionRequest{Query: "q", AddDirs: []string{"/tmp"}},
		router.Options{AllowFallback: true})
	require.NoError(t, err)
	assert.Equal(t, "openai", res.BackendName)
	assert.True(t, res.IsFallback)
	assert.Equal(t, router.DegradedReason, res.Reason)
}

func TestQueueStatusAggregates(t *testing.T) {
	g := newGateway(t,
		&stubBackend{name: "claude", kind: backend.KindCLI, tools: true},
		&stubBackend{name: "codex", kind: backend.KindCLI, tools: true},
		&stubBackend{name: "openai", kind: backend.KindAPI},
	)

	status := g.QueueStatus()
	require.Len(t, status.Pools, 2, "API backends have no pool")
	assert.Equal(t, 2, status.Aggregate.MaxConcurrent)
	assert.Equal(t, 4, status.Aggregate.MaxQueue)
}

func TestShutdownDrains(t *testing.T) {
	g := newGateway(t, &stubBackend{name: "claude", kind: backend.KindCLI, tools: true},
		&stubBackend{name: "openai", kind: backend.KindAPI})

	g.Shutdown(time.Second)

	_, err := g.Execute(context.Background(),
		&backend.ExecutionRequest{Query: "q", AddDirs: []string{"/tmp"}}, router.Options{})
	assert.ErrorIs(t, err, pool.ErrShutdown)
}

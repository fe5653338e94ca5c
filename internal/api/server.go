// Package api provides the HTTP server of the gateway: the gin engine, the
// route table, and the glue between middleware, handlers, and the routing
// core.
package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/lmrouter/claude-gateway/internal/api/handlers"
	"github.com/lmrouter/claude-gateway/internal/api/handlers/openai"
	"github.com/lmrouter/claude-gateway/internal/api/middleware"
	"github.com/lmrouter/claude-gateway/internal/backend"
	"github.com/lmrouter/claude-gateway/internal/config"
	"github.com/lmrouter/claude-gateway/internal/gateway"
	"github.com/lmrouter/claude-gateway/internal/logging"
	"github.com/lmrouter/claude-gateway/internal/ratelimit"
	"github.com/lmrouter/claude-gateway/internal/router"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// Server is the HTTP front of the gateway. The routing core behind it can
// be swapped at runtime when the backends configuration is reloaded.
type Server struct {
	engine  *gin.Engine
	server  *http.Server
	limiter *ratelimit.Limiter
	cfg     *config.Config
	started time.Time

	mu sync.RWMutex
	gw *gateway.Gateway
}

// NewServer wires the engine, middleware and routes.
func NewServer(cfg *config.Config, gw *gateway.Gateway, limiter *ratelimit.Limiter, recorder logging.Recorder) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.AccessLogger())
	engine.Use(logging.Recovery())
	if cfg.EnableCORS {
		engine.Use(middleware.CORS())
	}

	s := &Server{
		engine:  engine,
		gw:      gw,
		limiter: limiter,
		cfg:     cfg,
		started: time.Now(),
	}

	// The handler dispatches through the server so gateway swaps take
	// effect without rebuilding routes.
	chat := openai.NewHandler(s, openai.Options{
		Recorder:            recorder,
		DefaultSystemPrompt: cfg.DefaultSystemPrompt,
	})
	s.setupRoutes(chat)

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}
	return s
}

func (s *Server) setupRoutes(chat *openai.Handler) {
	// Health and status bypass the limiter.
	s.engine.GET("/", s.healthHandler)
	s.engine.GET("/health", s.healthHandler)
	s.engine.GET("/queue/status", s.queueStatusHandler)

	limited := middleware.RateLimit(s.limiter)

	v1 := s.engine.Group("/v1")
	v1.Use(limited)
	{
		v1.GET("/models", s.modelsHandler)
		v1.POST("/chat/completions", chat.ChatCompletions)
	}

	// gin's tree cannot host /v1/:backend/chat/completions next to the
	// static route above, so the per-backend form is matched in NoRoute.
	s.engine.NoRoute(limited, func(c *gin.Context) {
		if name, ok := explicitBackendPath(c.Request.Method, c.Request.URL.Path); ok {
			chat.Complete(c, name)
			return
		}
		handlers.WriteError(c, http.StatusNotFound, handlers.TypeInvalidRequest,
			"unknown route", "not_found", nil)
	})
}

// explicitBackendPath matches POST /v1/{backend}/chat/completions.
func explicitBackendPath(method, path string) (string, bool) {
	if method != http.MethodPost {
		return "", false
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 4 && parts[0] == "v1" && parts[2] == "chat" && parts[3] == "completions" && parts[1] != "" {
		return parts[1], true
	}
	return "", false
}

// Gateway returns the current routing core.
func (s *Server) Gateway() *gateway.Gateway {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gw
}

// SwapGateway replaces the routing core, draining the old one in the
// background. Used by the config reload path.
func (s *Server) SwapGateway(gw *gateway.Gateway) {
	s.mu.Lock()
	old := s.gw
	s.gw = gw
	s.mu.Unlock()

	if old != nil {
		go old.Shutdown(30 * time.Second)
	}
}

// Execute implements handlers.Dispatcher against the current gateway. The
// degraded-fallback policy follows the live routing config.
func (s *Server) Execute(ctx context.Context, req *backend.ExecutionRequest, opts router.Options) (*gateway.Result, error) {
	gw := s.Gateway()
	opts.AllowFallback = gw.Registry().Routing().AllowDegraded
	return gw.Execute(ctx, req, opts)
}

func (s *Server) healthHandler(c *gin.Context) {
	routing := s.Gateway().Registry().Routing()
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"version":        Version,
		"backend":        routing.Default,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"routing": gin.H{
			"default":         routing.Default,
			"prefer_cheapest": routing.PreferCheapest,
			"fallback_chain":  routing.FallbackChain,
		},
	})
}

func (s *Server) queueStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.Gateway().QueueStatus())
}

// modelsHandler lists every configured backend as an OpenAI model
// descriptor.
func (s *Server) modelsHandler(c *gin.Context) {
	type model struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}

	created := s.started.Unix()
	var data []model
	for _, b := range s.Gateway().Registry().All() {
		data = append(data, model{
			ID:      b.Name(),
			Object:  "model",
			Created: created,
			OwnedBy: b.ProviderFamily(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// Handler exposes the engine for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	log.Infof("gateway listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

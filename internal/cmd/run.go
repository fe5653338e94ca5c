// Package cmd builds and runs the gateway service: it assembles the
// limiter, the backends, the registry, the pools, and the HTTP server from
// configuration, and owns the shutdown sequence.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/lmrouter/claude-gateway/internal/api"
	apibackend "github.com/lmrouter/claude-gateway/internal/backend/api"
	"github.com/lmrouter/claude-gateway/internal/backend/claudecli"
	"github.com/lmrouter/claude-gateway/internal/config"
	"github.com/lmrouter/claude-gateway/internal/gateway"
	"github.com/lmrouter/claude-gateway/internal/logging"
	"github.com/lmrouter/claude-gateway/internal/pool"
	"github.com/lmrouter/claude-gateway/internal/ratelimit"
	"github.com/lmrouter/claude-gateway/internal/registry"
	"github.com/lmrouter/claude-gateway/internal/watcher"

	"github.com/lmrouter/claude-gateway/internal/backend"
)

// shutdownTimeout bounds the graceful drain of pools and the HTTP server.
const shutdownTimeout = 30 * time.Second

// StartService runs the gateway until SIGINT or SIGTERM.
func StartService(cfg *config.Config, configPath string) {
	applyLogLevel(cfg)

	gw, err := BuildGateway(cfg)
	if err != nil {
		log.Fatalf("failed to build gateway: %v", err)
	}

	limiter := ratelimit.New(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window(), cfg.RateLimit.Enabled)
	limiter.StartCleanup(ratelimit.DefaultCleanupInterval)

	var recorder *logging.SQLiteRecorder
	if cfg.RequestLog.Enabled {
		recorder, err = logging.NewSQLiteRecorder(cfg.RequestLog.DatabasePath)
		if err != nil {
			log.Fatalf("failed to open request log: %v", err)
		}
		log.Infof("request logging to %s", cfg.RequestLog.DatabasePath)
	}

	srv := api.NewServer(cfg, gw, limiter, recorder)

	watchCtx, stopWatch := context.WithCancel(context.Background())
	defer stopWatch()
	if configPath != "" {
		w, errWatch := watcher.New(configPath, func(newCfg *config.Config) {
			newGw, errBuild := BuildGateway(newCfg)
			if errBuild != nil {
				log.Errorf("config reload kept previous backends: %v", errBuild)
				return
			}
			srv.SwapGateway(newGw)
			applyLogLevel(newCfg)
			log.Infof("backends reloaded: %v", newGw.Registry().Names())
		})
		if errWatch != nil {
			log.Errorf("config watcher unavailable: %v", errWatch)
		} else if errStart := w.Start(watchCtx); errStart == nil {
			defer func() { _ = w.Stop() }()
		}
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- srv.Start() }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infof("received %s, shutting down", sig)
	case err = <-serverErr:
		if err != nil {
			log.Errorf("server error: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err = srv.Shutdown(ctx); err != nil {
		log.Errorf("error stopping HTTP server: %v", err)
	}
	srv.Gateway().Shutdown(shutdownTimeout)
	limiter.Stop()
	if err = recorder.Close(); err != nil {
		log.Errorf("error closing request log: %v", err)
	}
	log.Info("shutdown complete")
}

// BuildGateway constructs the registry and pools from configuration. At
// least one backend must construct successfully.
func BuildGateway(cfg *config.Config) (*gateway.Gateway, error) {
	var backends []backend.Backend

	for _, bc := range cfg.CLIBackends {
		if err := registry.ValidateSourcePath(bc.WorkingDirectory); err != nil {
			return nil, err
		}
		b, err := claudecli.New(claudecli.Config{
			Name:             bc.Name,
			Command:          bc.Command,
			ConfigDir:        bc.ConfigDir,
			WorkingDirectory: bc.WorkingDirectory,
			Timeout:          bc.Timeout(),
			CostPerRequest:   bc.CostPerRequest,
		})
		if err != nil {
			log.Warnf("skipping CLI backend %s: %v", bc.Name, err)
			continue
		}
		backends = append(backends, b)
	}

	for _, bc := range cfg.APIBackends {
		b, err := apibackend.New(apibackend.Config{
			Name:           bc.Name,
			BaseURL:        bc.BaseURL,
			APIKey:         bc.APIKey,
			Model:          bc.Model,
			ProviderFamily: bc.ProviderFamily,
			CostPerRequest: bc.CostPerRequest,
		})
		if err != nil {
			log.Warnf("skipping API backend %s: %v", bc.Name, err)
			continue
		}
		backends = append(backends, b)
	}

	reg, err := registry.New(backends, registry.RoutingConfig{
		Default:        cfg.Routing.Default,
		PreferCheapest: cfg.Routing.PreferCheapest,
		FallbackChain:  cfg.Routing.FallbackChain,
		AllowDegraded:  cfg.Routing.AllowDegraded,
	})
	if err != nil {
		return nil, fmt.Errorf("building registry: %w", err)
	}

	return gateway.New(reg, cfg.Pool.MaxConcurrent, cfg.Pool.MaxQueue,
		pool.WithQueueTimeout(cfg.Pool.QueueTimeout())), nil
}

func applyLogLevel(cfg *config.Config) {
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
		return
	}
	switch cfg.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

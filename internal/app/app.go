// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra: external connections (Redis when CACHE_MODE=redis)
//  2. initServices: metrics, cache store, write-behind group, request log
//  3. initProviders: the four supplier adapters
//  4. initGateway: dispatcher, health checker, HTTP server
//
// Shutdown runs in reverse: the server stops accepting requests and drains
// in-flight ones, pending cache writes are awaited (bounded by
// SHUTDOWN_TIMEOUT), then the request log and connections are closed.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/edge-gateway/internal/background"
	npCache "github.com/nulpointcorp/edge-gateway/internal/cache"
	"github.com/nulpointcorp/edge-gateway/internal/config"
	"github.com/nulpointcorp/edge-gateway/internal/logger"
	"github.com/nulpointcorp/edge-gateway/internal/metrics"
	"github.com/nulpointcorp/edge-gateway/internal/providers/registry"
	"github.com/nulpointcorp/edge-gateway/internal/proxy"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// serveCtx parents upstream calls and probes. It outlives a cancelled
	// baseCtx until the server has drained.
	serveCtx  context.Context
	stopServe context.CancelFunc

	// Optional external connections: nil when not configured.
	rdb *redis.Client

	store     npCache.Cache
	memCache  *npCache.MemoryCache
	writes    *background.Group
	respCache *npCache.ResponseCache
	reqLogger *logger.Logger
	prom      *metrics.Registry

	registry *registry.Registry
	health   *proxy.HealthChecker
	mgmt     *proxy.ManagementRoutes
	gw       *proxy.Gateway
	srv      *fasthttp.Server

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if cfg == nil {
		return nil, fmt.Errorf("app: config must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}
	a.serveCtx, a.stopServe = context.WithCancel(context.WithoutCancel(ctx))

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"services", a.initServices},
		{"providers", a.initProviders},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the server
// fails. It shuts the app down gracefully before returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("providers", len(a.registry.All())),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.srv.ListenAndServe(addr); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	return g.Wait()
}

// Handler returns the fully wired request handler.
func (a *App) Handler() fasthttp.RequestHandler {
	return a.srv.Handler
}

// shutdown drains the server and pending cache writes within
// ShutdownTimeout, then releases resources.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(a.baseCtx), a.cfg.ShutdownTimeout)
	defer cancel()

	a.log.Info("shutting down", slog.Duration("timeout", a.cfg.ShutdownTimeout))

	var errs []error
	if err := a.srv.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	a.stopServe()

	if a.writes != nil {
		if err := a.writes.Wait(ctx); err != nil {
			a.log.Warn("pending cache writes abandoned", slog.String("error", err.Error()))
		}
		if dropped := a.writes.Dropped(); dropped > 0 {
			a.log.Info("cache writes dropped during run", slog.Int64("dropped", dropped))
		}
	}

	a.Close()
	return errors.Join(errs...)
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		a.stopServe()

		if a.health != nil {
			a.health.Close()
		}
		if a.reqLogger != nil {
			if err := a.reqLogger.Close(); err != nil {
				a.log.Error("request log close error", slog.String("error", err.Error()))
			}
			if dropped := a.reqLogger.DroppedLogs(); dropped > 0 {
				a.log.Warn("request log entries dropped", slog.Int64("dropped", dropped))
			}
		}
		if a.memCache != nil {
			a.memCache.Close()
		}
		if a.rdb != nil {
			if err := a.rdb.Close(); err != nil {
				a.log.Error("redis close error", slog.String("error", err.Error()))
			}
		}
	})
}

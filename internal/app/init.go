package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/edge-gateway/internal/background"
	npCache "github.com/nulpointcorp/edge-gateway/internal/cache"
	"github.com/nulpointcorp/edge-gateway/internal/logger"
	"github.com/nulpointcorp/edge-gateway/internal/metrics"
	"github.com/nulpointcorp/edge-gateway/internal/providers/registry"
	"github.com/nulpointcorp/edge-gateway/internal/proxy"
)

// maxRequestBodySize bounds inbound edge requests.
const maxRequestBodySize = 8 << 20

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode != "redis" {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", a.cfg.RedactedRedisURL()))
	rdb, err := npCache.DialRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// initServices creates the metrics registry, the cache store with its
// write-behind group, and the request logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	switch a.cfg.Cache.Mode {
	case "redis":
		a.store = npCache.NewRedisStore(a.rdb)
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = npCache.NewMemoryCache(ctx)
		a.store = a.memCache
		a.log.Info("cache backend: memory (in-process)")
	case "none":
		a.log.Info("cache backend: disabled")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	if a.store != nil {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		if el.Len() > 0 {
			a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
		}

		a.writes = background.New(a.cfg.WriteBehind.Concurrency, a.cfg.WriteBehind.Timeout, a.log)
		a.respCache = npCache.NewResponseCache(a.store, a.writes, npCache.Options{
			TTL:        a.cfg.Cache.TTL,
			Exclusions: el,
			Observer:   a.prom,
			Logger:     a.log,
		})
	}

	if !a.cfg.RequestLog.Enabled {
		return nil
	}
	var sink logger.Sink
	if dsn := a.cfg.RequestLog.ClickHouseDSN; dsn != "" {
		ch, err := logger.NewClickHouseSink(ctx, dsn)
		if err != nil {
			return fmt.Errorf("request log: %w", err)
		}
		sink = ch
		a.log.Info("request log sink: clickhouse")
	}
	reqLogger, err := logger.New(a.serveCtx, a.log, sink)
	if err != nil {
		return fmt.Errorf("request log: %w", err)
	}
	a.reqLogger = reqLogger
	return nil
}

// initProviders builds the closed supplier set. Providers carry no
// credentials; every request brings its own bearer token.
func (a *App) initProviders(ctx context.Context) error {
	reg, err := registry.New(ctx, a.cfg, registry.Options{
		Observer: a.prom,
		Logger:   a.log,
	})
	if err != nil {
		return err
	}
	a.registry = reg

	names := make([]string, 0, len(reg.All()))
	for _, p := range reg.All() {
		names = append(names, string(p.Name()))
	}
	a.log.Info("providers loaded", slog.Any("providers", names))
	return nil
}

// initGateway wires the dispatcher, health checks and the HTTP server.
func (a *App) initGateway(_ context.Context) error {
	hcOpts := proxy.HealthCheckerOptions{
		Interval: a.cfg.HealthProbeInterval,
		Recorder: a.prom,
		Logger:   a.log,
	}
	if pinger, ok := a.store.(npCache.Pinger); ok {
		hcOpts.Cache = pinger
	}
	a.health = proxy.NewHealthChecker(a.serveCtx, a.registry.All(), hcOpts)

	a.gw = proxy.NewGateway(a.serveCtx, a.registry, proxy.GatewayOptions{
		Cache:      a.respCache,
		Health:     a.health,
		Metrics:    a.prom,
		RequestLog: a.reqLogger,
		Logger:     a.log,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}
	a.srv = proxy.NewServer(a.gw.Handler(a.mgmt), maxRequestBodySize)
	return nil
}

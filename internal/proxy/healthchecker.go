package proxy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/edge-gateway/internal/cache"
	"github.com/nulpointcorp/edge-gateway/internal/providers"
)

const (
	healthProbeTimeout = 5 * time.Second
	cachePingTimeout   = time.Second
)

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusDown     = "down"
	statusUnknown  = "unknown"
)

// HealthRecorder receives provider probe results.
type HealthRecorder interface {
	SetProviderHealth(supplier string, probed, ok bool)
}

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return statusUnknown
	}
	return s.status
}

// HealthCheckerOptions configure a HealthChecker. A zero Interval disables
// background probing; providers then stay "unknown".
type HealthCheckerOptions struct {
	Interval time.Duration
	Cache    cache.Pinger
	Recorder HealthRecorder
	Logger   *slog.Logger
}

// HealthChecker probes providers in the background and answers health and
// readiness questions from the latest results.
type HealthChecker struct {
	providers []providers.Provider
	statuses  map[providers.Supplier]*componentStatus
	cache     cache.Pinger
	recorder  HealthRecorder
	interval  time.Duration
	baseCtx   context.Context
	log       *slog.Logger

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker. When opts.Interval is positive
// the first probe runs synchronously and later ones on a ticker.
func NewHealthChecker(ctx context.Context, provs []providers.Provider, opts HealthCheckerOptions) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	hc := &HealthChecker{
		providers: provs,
		statuses:  make(map[providers.Supplier]*componentStatus, len(provs)),
		cache:     opts.Cache,
		recorder:  opts.Recorder,
		interval:  opts.Interval,
		baseCtx:   ctx,
		log:       log,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	for _, p := range provs {
		hc.statuses[p.Name()] = &componentStatus{status: statusUnknown}
		if hc.recorder != nil {
			hc.recorder.SetProviderHealth(string(p.Name()), false, false)
		}
	}

	if hc.interval > 0 {
		hc.probe()
		hc.wg.Add(1)
		go hc.run()
	}

	return hc
}

// HealthSnapshot is the body of GET /health.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Cache         string            `json:"cache"`
}

// Snapshot builds a snapshot from the latest probe results. Unprobed
// providers do not degrade the overall status.
func (hc *HealthChecker) Snapshot(ctx context.Context) HealthSnapshot {
	overall := statusOK

	provs := make(map[string]string, len(hc.statuses))
	for name, s := range hc.statuses {
		st := s.get()
		provs[string(name)] = st
		if st == statusDegraded {
			overall = statusDegraded
		}
	}

	cacheStatus := hc.cacheStatus(ctx)
	if cacheStatus == statusDown {
		overall = statusDegraded
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Cache:         cacheStatus,
	}
}

// ReadinessOK reports whether the cache store answers a ping. A gateway
// without a cache is always ready.
func (hc *HealthChecker) ReadinessOK(ctx context.Context) bool {
	return hc.cacheStatus(ctx) != statusDown
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() {
		close(hc.done)
	})
	hc.wg.Wait()
}

func (hc *HealthChecker) cacheStatus(ctx context.Context) string {
	if hc.cache == nil {
		return "disabled"
	}
	ctx, cancel := context.WithTimeout(ctx, cachePingTimeout)
	defer cancel()
	if err := hc.cache.Ping(ctx); err != nil {
		hc.log.WarnContext(ctx, "cache_ping_failed", slog.String("error", err.Error()))
		return statusDown
	}
	return statusOK
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, p := range hc.providers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hc.probeOne(ctx, p)
		}()
	}
	wg.Wait()
}

func (hc *HealthChecker) probeOne(ctx context.Context, p providers.Provider) {
	name := p.Name()
	s := hc.statuses[name]

	err := p.HealthCheck(ctx)
	switch {
	case errors.Is(err, providers.ErrNoProbeKey):
		s.set(statusUnknown)
		hc.record(name, false, false)
	case err != nil:
		s.set(statusDegraded)
		hc.record(name, true, false)
		hc.log.Warn("provider_probe_failed",
			slog.String("supplier", string(name)),
			slog.String("error", err.Error()),
		)
	default:
		s.set(statusOK)
		hc.record(name, true, true)
	}
}

func (hc *HealthChecker) record(name providers.Supplier, probed, ok bool) {
	if hc.recorder != nil {
		hc.recorder.SetProviderHealth(string(name), probed, ok)
	}
}

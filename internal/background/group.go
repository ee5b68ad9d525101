// Package background runs detached, bounded work that must outlive the
// request that scheduled it but not the process: cache write-behind.
//
// Tasks get a context that is detached from the caller's cancellation and
// bounded by a per-task timeout. Wait blocks until every scheduled task has
// finished, so the application can drain pending writes on shutdown.
package background

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Go after Wait has been called.
var ErrClosed = errors.New("background: group closed")

// ErrFull is returned by Go when the concurrency limit is reached.
var ErrFull = errors.New("background: too many pending tasks")

// Group is a bounded set of detached tasks. The zero value is not usable;
// create one with New.
type Group struct {
	eg      errgroup.Group
	timeout time.Duration
	closed  atomic.Bool
	log     *slog.Logger

	dropped atomic.Int64
}

// New returns a Group running at most limit tasks at once, each bounded by
// timeout.
func New(limit int, timeout time.Duration, log *slog.Logger) *Group {
	if log == nil {
		log = slog.Default()
	}
	g := &Group{timeout: timeout, log: log}
	if limit > 0 {
		g.eg.SetLimit(limit)
	}
	return g
}

// Go schedules fn without blocking. parent supplies values (trace ids and
// the like) but its cancellation is ignored. Task errors are logged, never
// propagated; one failing task does not affect the others.
func (g *Group) Go(parent context.Context, name string, fn func(ctx context.Context) error) error {
	if g.closed.Load() {
		g.dropped.Add(1)
		return ErrClosed
	}

	ctx := context.WithoutCancel(parent)
	started := g.eg.TryGo(func() error {
		tctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				g.log.Error("background_task_panic",
					slog.String("task", name),
					slog.Any("panic", r),
				)
			}
		}()

		if err := fn(tctx); err != nil {
			g.log.Warn("background_task_failed",
				slog.String("task", name),
				slog.String("error", err.Error()),
			)
		}
		return nil
	})
	if !started {
		g.dropped.Add(1)
		return ErrFull
	}
	return nil
}

// Dropped returns how many tasks were rejected so far.
func (g *Group) Dropped() int64 { return g.dropped.Load() }

// Wait stops accepting tasks and blocks until every scheduled task has
// returned or ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	g.closed.Store(true)

	done := make(chan struct{})
	go func() {
		_ = g.eg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

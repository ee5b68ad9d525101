package logger

import (
	"context"
	"log/slog"
)

type slogSink struct {
	log *slog.Logger
}

// NewSlogSink writes one "request" record per entry.
func NewSlogSink(log *slog.Logger) Sink {
	return &slogSink{log: log}
}

func (s *slogSink) Write(ctx context.Context, batch []RequestLog) error {
	for _, e := range batch {
		s.log.InfoContext(ctx, "request",
			slog.String("id", e.ID.String()),
			slog.String("supplier", e.Supplier),
			slog.String("version", e.Version),
			slog.String("path", e.Path),
			slog.Uint64("status", uint64(e.Status)),
			slog.Uint64("latency_ms", uint64(e.LatencyMs)),
			slog.String("cache", e.Cache),
			slog.Bool("stream", e.Stream),
			slog.Time("created_at", normalizeTime(e.CreatedAt)),
		)
	}
	return nil
}

func (s *slogSink) Close() error { return nil }

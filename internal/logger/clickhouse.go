package logger

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const requestLogTable = "edge_request_logs"

const createRequestLogTable = `CREATE TABLE IF NOT EXISTS ` + requestLogTable + ` (
	id          UUID,
	supplier    LowCardinality(String),
	version     LowCardinality(String),
	path        String,
	status      UInt16,
	latency_ms  UInt32,
	cache       LowCardinality(String),
	stream      Bool,
	created_at  DateTime64(3, 'UTC')
) ENGINE = MergeTree
ORDER BY (created_at, supplier)
TTL toDateTime(created_at) + INTERVAL 30 DAY`

// ClickHouseSink appends batches to the edge_request_logs table.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink connects to dsn, verifies the connection and creates
// the table when missing.
func NewClickHouseSink(ctx context.Context, dsn string) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: parse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("clickhouse: open: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := conn.Ping(initCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: ping: %w", err)
	}
	if err := conn.Exec(initCtx, createRequestLogTable); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clickhouse: create table: %w", err)
	}

	return &ClickHouseSink{conn: conn}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, batch []RequestLog) error {
	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+requestLogTable)
	if err != nil {
		return fmt.Errorf("clickhouse: prepare batch: %w", err)
	}
	for _, e := range batch {
		if err := b.Append(
			e.ID,
			e.Supplier,
			e.Version,
			e.Path,
			e.Status,
			e.LatencyMs,
			e.Cache,
			e.Stream,
			normalizeTime(e.CreatedAt),
		); err != nil {
			_ = b.Abort()
			return fmt.Errorf("clickhouse: append: %w", err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("clickhouse: send: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

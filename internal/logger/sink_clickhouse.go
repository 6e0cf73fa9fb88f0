package logger

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseSink batches RequestLog entries into a single INSERT per flush
// against a ClickHouse table. The app wires it in place of the default
// SlogSink whenever a ClickHouse address is configured.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// ClickHouseConfig configures a ClickHouseSink connection.
type ClickHouseConfig struct {
	Addr     []string
	Database string
	Username string
	Password string
	Table    string // defaults to "request_logs"
}

// NewClickHouseSink opens a ClickHouse connection and returns a sink that
// writes to cfg.Table (default "request_logs"):
//
//	CREATE TABLE request_logs (
//	  id UUID, provider String, model String,
//	  input_tokens UInt32, output_tokens UInt32,
//	  latency_ms UInt16, status UInt16, cached UInt8,
//	  created_at DateTime64(3)
//	) ENGINE = MergeTree ORDER BY created_at;
func NewClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	table := cfg.Table
	if table == "" {
		table = "request_logs"
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: cfg.Addr,
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("logger: clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("logger: clickhouse ping: %w", err)
	}

	return &ClickHouseSink{conn: conn, table: table}, nil
}

func (s *ClickHouseSink) Write(ctx context.Context, batch []RequestLog) error {
	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO "+s.table)
	if err != nil {
		return fmt.Errorf("logger: clickhouse prepare batch: %w", err)
	}
	for _, e := range batch {
		cached := uint8(0)
		if e.Cached {
			cached = 1
		}
		if err := b.Append(
			e.ID, e.Provider, e.Model,
			e.InputTokens, e.OutputTokens,
			e.LatencyMs, e.Status, cached,
			normalizeTime(e.CreatedAt),
		); err != nil {
			return fmt.Errorf("logger: clickhouse append: %w", err)
		}
	}
	if err := b.Send(); err != nil {
		return fmt.Errorf("logger: clickhouse send: %w", err)
	}
	return nil
}

// Close releases the underlying ClickHouse connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}

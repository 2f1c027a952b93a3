package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loomium/nodeward/internal/history"
)

// Sink sends restart events to ClickHouse using the official Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(addr, table string) (*Sink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "default",
			Username: "default",
			Password: "",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	return &Sink{conn: conn, table: table}, nil
}

// EnsureSchema creates the restart history table when missing. Split out of
// New so tests can target scratch tables.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		timestamp DateTime64(3) DEFAULT now64(3),
		node String,
		pid Int32,
		event String,
		exit_code Int32,
		reason String,
		attempt Int32,
		downtime_ms Int64
	) ENGINE = MergeTree() ORDER BY timestamp`, s.table)
	return s.conn.Exec(ctx, stmt)
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (timestamp, node, pid, event, exit_code, reason, attempt, downtime_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	rec := e.Record
	err := s.conn.Exec(ctx, query,
		e.OccurredAt,
		rec.Node,
		int32(rec.PID),
		string(e.Type),
		int32(rec.ExitCode),
		rec.Reason,
		int32(rec.Attempt),
		rec.Downtime.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loomium/nodeward/internal/history"
)

// Sink writes restart events to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite restart-history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	// Append-only audit table; no primary key needed.
	stmt := `CREATE TABLE IF NOT EXISTS restart_history(
		timestamp TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		node TEXT NOT NULL,
		pid INTEGER NOT NULL,
		event TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		reason TEXT,
		attempt INTEGER NOT NULL,
		downtime_ms INTEGER NOT NULL
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	rec := e.Record
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO restart_history(timestamp, node, pid, event, exit_code, reason, attempt, downtime_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), rec.Node, rec.PID, string(e.Type), rec.ExitCode, rec.Reason, rec.Attempt, rec.Downtime.Milliseconds())
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

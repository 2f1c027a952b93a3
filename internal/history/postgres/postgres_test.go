package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loomium/nodeward/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	sink, err := New(connStr)
	if err != nil {
		t.Fatalf("Failed to create PostgreSQL sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	events := []history.Event{
		{
			Type:       history.EventRestarting,
			OccurredAt: time.Now().UTC(),
			Record:     history.Record{Node: "llama", PID: 100, ExitCode: 1, Reason: "exit status 1", Attempt: 0},
		},
		{
			Type:       history.EventRestarted,
			OccurredAt: time.Now().UTC(),
			Record:     history.Record{Node: "llama", PID: 101, ExitCode: 1, Reason: "exit status 1", Attempt: 0, Downtime: time.Second},
		},
		{
			Type:       history.EventExhausted,
			OccurredAt: time.Now().UTC(),
			Record:     history.Record{Node: "llama", PID: 101, ExitCode: 137, Reason: "signal: killed", Attempt: 5},
		},
	}
	for _, e := range events {
		if err := sink.Send(ctx, e); err != nil {
			t.Fatalf("Failed to send %s event: %v", e.Type, err)
		}
	}

	var count int
	if err := sink.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM restart_history`).Scan(&count); err != nil {
		t.Fatalf("Failed to count rows: %v", err)
	}
	if count != len(events) {
		t.Fatalf("Expected %d rows, got %d", len(events), count)
	}

	var attempt int
	row := sink.db.QueryRowContext(ctx, `SELECT attempt FROM restart_history WHERE event = 'exhausted'`)
	if err := row.Scan(&attempt); err != nil {
		t.Fatalf("Failed to read exhausted row: %v", err)
	}
	if attempt != 5 {
		t.Fatalf("Expected attempt 5, got %d", attempt)
	}
}

func TestPostgresEmptyDSN(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty DSN")
	}
}

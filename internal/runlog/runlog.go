// Package runlog provides durable storage for the engine's run history.
//
// Every finalized cell run is appended to a SQLite database keyed by the
// engine's logical clock, so the history can be inspected after the
// process exits and ordered without wall-clock race conditions.
package runlog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/cellflow/internal/engine"
)

//go:embed schema.sql
var schemaSQL string

// Log is a durable append-only record of finalized cell runs.
// Uses SQLite with WAL mode for concurrent read access.
type Log struct {
	db *sql.DB
}

// Entry is one recorded run, as read back from the log. DurationUS is
// the run's wall time in microseconds, matching the stored column.
type Entry struct {
	Seq        int64  `json:"seq"`
	RunToken   string `json:"run_token"`
	CellID     string `json:"cell_id"`
	Counter    int64  `json:"counter"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
	DurationUS int64  `json:"duration_us"`
	RecordedAt string `json:"recorded_at"`
}

// Open creates or opens a run log database at the given path.
// Applies required pragmas and the schema automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Log, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Log{db: db}, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection.
func (l *Log) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record appends one finalized run to the log. Duplicate seq values are
// silently ignored, so re-recording the same run is idempotent.
func (l *Log) Record(ctx context.Context, ev engine.RunEvent) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO runs (seq, run_token, cell_id, counter, state, error, duration_us)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO NOTHING
	`,
		ev.Seq,
		ev.RunToken,
		ev.CellID,
		ev.Counter,
		string(ev.State),
		ev.Error,
		ev.Duration.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// Observer adapts the log into an engine.RunObserver. Write failures are
// logged and swallowed: the run log is an audit trail, never a reason to
// fail a cell run.
func (l *Log) Observer() engine.RunObserver {
	return func(ev engine.RunEvent) {
		if err := l.Record(context.Background(), ev); err != nil {
			slog.Error("run log write failed", "cell", ev.CellID, "seq", ev.Seq, "error", err)
		}
	}
}

// History returns the recorded runs for one cell, oldest first. A limit
// of 0 returns the full history.
func (l *Log) History(ctx context.Context, cellID string, limit int) ([]Entry, error) {
	query := `
		SELECT seq, run_token, cell_id, counter, state, error, duration_us, recorded_at
		FROM runs
		WHERE cell_id = ?
		ORDER BY seq ASC
	`
	args := []any{cellID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return l.readEntries(ctx, query, args...)
}

// Runs returns every run recorded for one run token, in execution order.
// A tick's trigger and all its propagated re-runs share a token, so this
// reconstructs what one external change caused.
func (l *Log) Runs(ctx context.Context, runToken string) ([]Entry, error) {
	return l.readEntries(ctx, `
		SELECT seq, run_token, cell_id, counter, state, error, duration_us, recorded_at
		FROM runs
		WHERE run_token = ?
		ORDER BY seq ASC
	`, runToken)
}

// All returns the whole log in execution order.
func (l *Log) All(ctx context.Context) ([]Entry, error) {
	return l.readEntries(ctx, `
		SELECT seq, run_token, cell_id, counter, state, error, duration_us, recorded_at
		FROM runs
		ORDER BY seq ASC
	`)
}

func (l *Log) readEntries(ctx context.Context, query string, args ...any) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Seq, &e.RunToken, &e.CellID, &e.Counter, &e.State,
			&e.Error, &e.DurationUS, &e.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	// Return empty slice instead of nil
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Registers the pure-Go "sqlite" driver with database/sql.
	_ "modernc.org/sqlite"
)

// DB is the sqlite-backed Recorder. It owns the connection pool; the server
// closes it on shutdown.
type DB struct {
	conn *sql.DB
}

// New opens (or creates) the history database. Use ":memory:" in tests.
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: opening database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: pinging database: %w", err)
	}

	// WAL lets the list endpoint read while runs are being recorded.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: setting WAL mode: %w", err)
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("history: running migrations: %w", err)
	}
	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			backend     TEXT NOT NULL,
			kind        TEXT NOT NULL,
			success     INTEGER NOT NULL,
			error_text  TEXT NOT NULL DEFAULT '',
			duration_ns INTEGER NOT NULL,
			started_at  DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);
	`)
	if err != nil {
		return fmt.Errorf("creating runs table: %w", err)
	}
	return nil
}

// maxErrorText bounds what one bad run can write into the trail.
const maxErrorText = 4096

func (db *DB) Record(ctx context.Context, rec *Record) error {
	errText := rec.ErrorText
	if len(errText) > maxErrorText {
		errText = errText[:maxErrorText]
	}
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO runs (id, backend, kind, success, error_text, duration_ns, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Backend, rec.Kind, boolToInt(rec.Success), errText,
		rec.Duration.Nanoseconds(), rec.StartedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("history: inserting run %s: %w", rec.ID, err)
	}
	return nil
}

func (db *DB) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, backend, kind, success, error_text, duration_ns, started_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: listing runs: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var success int
		var durationNS int64
		var startedAt string
		if err := rows.Scan(&rec.ID, &rec.Backend, &rec.Kind, &success,
			&rec.ErrorText, &durationNS, &startedAt); err != nil {
			return nil, fmt.Errorf("history: scanning run: %w", err)
		}
		rec.Success = success != 0
		rec.Duration = time.Duration(durationNS)
		if ts, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			rec.StartedAt = ts
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

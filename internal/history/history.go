// Package history keeps a journal of completed merge runs in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Run is one journal entry for a completed merge run.
type Run struct {
	ID          string
	StartedAt   time.Time
	CompletedAt time.Time
	Mode        string
	Label       string
	OutputFile  string
	Sent        int
	Skipped     int
	Errors      int
}

// Store persists merge runs.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := initDB(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initDB(db *sql.DB) error {
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	schema := `
	CREATE TABLE IF NOT EXISTS merge_run (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		completed_at TEXT NOT NULL,
		mode TEXT NOT NULL,
		label TEXT NOT NULL,
		output_file TEXT NOT NULL,
		sent INTEGER NOT NULL,
		skipped INTEGER NOT NULL,
		errors INTEGER NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create history schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends a completed run to the journal.
func (s *Store) Record(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO merge_run (id, started_at, completed_at, mode, label, output_file, sent, skipped, errors)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.StartedAt.UTC().Format(time.RFC3339),
		run.CompletedAt.UTC().Format(time.RFC3339),
		run.Mode,
		run.Label,
		run.OutputFile,
		run.Sent,
		run.Skipped,
		run.Errors,
	)
	if err != nil {
		return fmt.Errorf("failed to record merge run: %w", err)
	}
	return nil
}

// List returns all recorded runs, most recent first.
func (s *Store) List(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, completed_at, mode, label, output_file, sent, skipped, errors
		 FROM merge_run ORDER BY completed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list merge runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var started, completed string
		if err := rows.Scan(&run.ID, &started, &completed, &run.Mode, &run.Label,
			&run.OutputFile, &run.Sent, &run.Skipped, &run.Errors); err != nil {
			return nil, fmt.Errorf("failed to scan merge run: %w", err)
		}
		if run.StartedAt, err = time.Parse(time.RFC3339, started); err != nil {
			return nil, fmt.Errorf("failed to parse run start time: %w", err)
		}
		if run.CompletedAt, err = time.Parse(time.RFC3339, completed); err != nil {
			return nil, fmt.Errorf("failed to parse run completion time: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

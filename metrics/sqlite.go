package metrics

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink stores scalars in a SQLite database, one row per value, keyed
// by run id so several runs can share a file.
type SQLiteSink struct {
	path  string
	runID string

	mu sync.RWMutex
	db *sql.DB
}

func NewSQLiteSink(path, runID string) *SQLiteSink {
	return &SQLiteSink{path: path, runID: runID}
}

// Init opens the database, creates the schema and registers the run.
func (s *SQLiteSink) Init(ctx context.Context, trainName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path == "" {
		return errors.New("sqlite path is required")
	}
	if s.runID == "" {
		return errors.New("run id is required")
	}
	if s.db != nil {
		return nil
	}

	db, err := sql.Open("sqlite", s.path)
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return err
	}
	if err := createTables(ctx, db); err != nil {
		_ = db.Close()
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO runs (run_id, train_name, started_at)
		VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO NOTHING
	`, s.runID, trainName, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		_ = db.Close()
		return err
	}

	s.db = db
	return nil
}

// RunID returns the id rows are written under.
func (s *SQLiteSink) RunID() string {
	return s.runID
}

func (s *SQLiteSink) AddScalar(ctx context.Context, name string, value float64, step int) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO scalars (run_id, name, step, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id, name, step) DO UPDATE SET value = excluded.value
	`, s.runID, name, step, value)
	return err
}

// Scalars returns the values recorded for name in this run, ordered by step.
func (s *SQLiteSink) Scalars(ctx context.Context, name string) ([]Scalar, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT step, value FROM scalars
		WHERE run_id = ? AND name = ?
		ORDER BY step
	`, s.runID, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Scalar
	for rows.Next() {
		sc := Scalar{Name: name}
		if err := rows.Scan(&sc.Step, &sc.Value); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteSink) getDB() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, errors.New("metrics sink is not initialized")
	}
	return s.db, nil
}

func createTables(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			train_name TEXT NOT NULL,
			started_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS scalars (
			run_id TEXT NOT NULL,
			name TEXT NOT NULL,
			step INTEGER NOT NULL,
			value REAL NOT NULL,
			PRIMARY KEY (run_id, name, step)
		);
	`)
	return err
}

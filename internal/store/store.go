package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned when a run doesn't exist
var ErrRunNotFound = errors.New("run not found")

// Store persists finished run results locally. The tracking engine
// never imports this package; cmd hands the finalized result in.
type Store struct {
	db *sql.DB
}

// Open opens the SQLite database at path, creating it and running
// migrations if necessary. An empty path uses the default location
// ~/.runlink/data.db; ":memory:" gives an ephemeral database for
// tests.
func Open(path string) (*Store, error) {
	if path == "" {
		defaultPath, err := defaultDBPath()
		if err != nil {
			return nil, err
		}
		path = defaultPath
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func defaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(home, ".runlink", "data.db"), nil
}

// migrate runs all database migrations
func migrate(db *sql.DB) error {
	migrations := []string{
		// Finished runs, mirroring the backend's run model columns so
		// a future sync can upload rows as-is.
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT NOT NULL,
			distance_km REAL NOT NULL,
			duration_seconds INTEGER NOT NULL,
			avg_pace_sec_per_km INTEGER NOT NULL,
			km_splits_json TEXT NOT NULL,
			completion_score INTEGER,
			data_source TEXT NOT NULL,
			treadmill_brand TEXT,
			target_kind TEXT NOT NULL,
			planned_workout_id TEXT,
			created_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at)`,
	}

	for _, migration := range migrations {
		if _, err := db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"scribe/internal/config"
	"scribe/internal/jobs"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS blobs (
    path       TEXT PRIMARY KEY,
    data       BLOB NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS job_snapshots (
    user_key   TEXT PRIMARY KEY,
    payload    TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
`

// SQLite persists blobs and job snapshots in a single SQLite database.
type SQLite struct {
	db   *sql.DB
	path string
}

// OpenSQLite initializes or connects to the store database under the
// configured data directory.
func OpenSQLite(cfg *config.Config) (*SQLite, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.DataDir, "scribe.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLite{db: db, path: dbPath}, nil
}

// Path returns the database file location.
func (s *SQLite) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) Get(ctx context.Context, path string) ([]byte, error) {
	var data []byte
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT data FROM blobs WHERE path = ?`, path)
		return row.Scan(&data)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, jobs.ErrNotFound
		}
		return nil, fmt.Errorf("get blob %q: %w", path, err)
	}
	return data, nil
}

func (s *SQLite) Put(ctx context.Context, path string, data []byte) error {
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	err := retryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO blobs (path, data, updated_at) VALUES (?, ?, ?)
             ON CONFLICT(path) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			path, data, timestamp,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("put blob %q: %w", path, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, path string) error {
	err := retryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, `DELETE FROM blobs WHERE path = ?`, path)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("delete blob %q: %w", path, err)
	}
	return nil
}

func (s *SQLite) GetJobs(ctx context.Context, userKey string) ([]jobs.Record, error) {
	var payload string
	err := retryOnBusy(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT payload FROM job_snapshots WHERE user_key = ?`, userKey)
		return row.Scan(&payload)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get jobs for %q: %w", userKey, err)
	}

	var records []jobs.Record
	if err := json.Unmarshal([]byte(payload), &records); err != nil {
		return nil, fmt.Errorf("decode job snapshot for %q: %w", userKey, err)
	}
	return records, nil
}

func (s *SQLite) PutJobs(ctx context.Context, userKey string, records []jobs.Record) error {
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encode job snapshot for %q: %w", userKey, err)
	}
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	err = retryOnBusy(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx,
			`INSERT INTO job_snapshots (user_key, payload, updated_at) VALUES (?, ?, ?)
             ON CONFLICT(user_key) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
			userKey, string(payload), timestamp,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("put jobs for %q: %w", userKey, err)
	}
	return nil
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	ctx = ensureContext(ctx)
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

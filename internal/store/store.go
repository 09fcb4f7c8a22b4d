package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const defaultEvaluatedRetention = 500

// Store wraps a per-account SQLite database with methods for event
// ingestion, thread-watch scheduling, context reads, full-text search,
// and legacy import. Every exported operation runs as a single
// transaction; a killed process leaves the file at the last committed
// transaction.
type Store struct {
	db     *sql.DB
	path   string
	now    func() time.Time
	logger *slog.Logger

	evaluatedRetention int
	silenceAfter       time.Duration
	closeOnSilence     bool
}

// Option adjusts Store behavior at open time.
type Option func(*Store)

// WithClock injects a time source. Used by tests to drive the
// backoff state machine deterministically.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithEvaluatedRetention bounds the evaluated-notification ledger to the
// n most recently inserted rows.
func WithEvaluatedRetention(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.evaluatedRetention = n
		}
	}
}

// WithSilenceThreshold sets how long a watched thread may stay quiet
// before it leaves the watching state. closeOnSilence picks the terminal
// closed state instead of the reopenable silenced state.
func WithSilenceThreshold(d time.Duration, closeOnSilence bool) Option {
	return func(s *Store) {
		if d > 0 {
			s.silenceAfter = d
		}
		s.closeOnSilence = closeOnSilence
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open opens (or creates) the account store at path, applies pending
// migrations, and runs the schema reconciliation pass. Pass ":memory:"
// for an in-memory database (used by tests).
//
// A file that is not a valid database fails fast with *CorruptError;
// a failed reconciliation fails with *ReconcileError.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Limit to a single connection: in-process serialization on top of
	// the file lock avoids "database is locked" between our own statements.
	db.SetMaxOpenConns(1)

	// busy_timeout makes overlapping invocations (manual command racing a
	// cron tick) wait briefly for the write lock instead of failing.
	// WAL allows concurrent readers while a writer is active.
	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, &CorruptError{Path: path, Err: err}
		}
	}

	// Validity probe before touching the schema: a non-database file
	// fails here and must not be "repaired".
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master").Scan(&n); err != nil {
		db.Close()
		return nil, &CorruptError{Path: path, Err: err}
	}

	s := &Store{
		db:                 db,
		path:               path,
		now:                time.Now,
		logger:             slog.Default(),
		evaluatedRetention: defaultEvaluatedRetention,
		silenceAfter:       defaultSilenceAfter,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	if err := s.reconcile(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// fmtTime renders a timestamp as a fixed-width UTC RFC 3339 string so
// lexical order equals chronological order.
func fmtTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetMeta reads a scalar from the MetaKV table. ErrNotFound if absent.
func (s *Store) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return value, err
}

// SetMeta writes a scalar to the MetaKV table.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// Package state provides the SQLite-backed queue table and project record
// store used by geoquery.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/leapstack-labs/geoquery/internal/notifier"
	_ "modernc.org/sqlite" // register the "sqlite" driver
)

// timeLayout is fixed-width so that TEXT timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the job queue table and the record store on SQLite.
type SQLiteStore struct {
	db      *sql.DB
	path    string
	logger  *slog.Logger
	changes *notifier.Notifier[notifier.Ping]
}

// NewSQLiteStore creates a new SQLite state store instance.
func NewSQLiteStore(logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SQLiteStore{
		logger:  logger,
		changes: notifier.NewPinger(),
	}
}

// NewSQLiteStoreWithDB wraps an already opened connection. Migrations are
// not run.
func NewSQLiteStoreWithDB(db *sql.DB, logger *slog.Logger) *SQLiteStore {
	s := NewSQLiteStore(logger)
	s.db = db
	return s
}

// Open opens a connection to the SQLite database.
// Use ":memory:" for an in-memory database.
func (s *SQLiteStore) Open(path string) error {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	s.db = db
	s.path = path
	s.logger.Debug("opened state database", slog.String("path", path))
	return nil
}

// OpenAndMigrate opens the database and applies pending migrations.
func (s *SQLiteStore) OpenAndMigrate(path string) error {
	if err := s.Open(path); err != nil {
		return err
	}
	if err := s.Migrate(); err != nil {
		_ = s.Close()
		return err
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Path returns the database path passed to Open.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Changes returns the notifier pinged after every write made through this
// store.
func (s *SQLiteStore) Changes() *notifier.Notifier[notifier.Ping] {
	return s.changes
}

// Ping verifies that the query_jobs table is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not opened")
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM query_jobs WHERE 1 = 0`).Scan(&n); err != nil {
		return fmt.Errorf("failed to reach query_jobs: %w", err)
	}
	return nil
}

func (s *SQLiteStore) notify() {
	s.changes.Broadcast(notifier.Ping{})
}

// generateID creates a new UUID.
func generateID() string {
	return uuid.New().String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		// Rows written by other tools may use plain RFC 3339.
		t, err = time.Parse(time.RFC3339Nano, strings.TrimSpace(v))
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", v, err)
	}
	return t.UTC(), nil
}

// Package persistence records pipeline run history in SQLite.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrRunNotFound is returned when no run has the requested id.
var ErrRunNotFound = errors.New("run not found")

// Run is one pipeline execution.
type Run struct {
	ID          string
	Stages      []string
	State       string
	FailedStage string
	Error       string
	StartedAt   time.Time
	FinishedAt  time.Time // Zero while the run is in progress
}

// Duration is the wall time of a finished run.
func (r Run) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// TaskRecord is the final outcome of one task unit in a run.
type TaskRecord struct {
	RunID      string
	Stage      string
	Task       string
	Attempts   int
	Cached     bool
	Error      string
	Duration   time.Duration
	FinishedAt time.Time
}

// CheckRecord is one quality check result.
type CheckRecord struct {
	RunID string
	Name  string
	Value string
	Error string
}

// Store defines the run history operations.
type Store interface {
	// Runs
	StartRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// Tasks and checks
	RecordTask(ctx context.Context, rec TaskRecord) error
	ListTasks(ctx context.Context, runID string) ([]TaskRecord, error)
	RecordCheck(ctx context.Context, rec CheckRecord) error
	ListChecks(ctx context.Context, runID string) ([]CheckRecord, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the history database at dbPath, creating parent
// directories and the schema as needed.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}
	connStr := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", dbPath)
	return openStore(ctx, connStr)
}

// NewMemoryStore creates a private in-memory store for testing.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	// A unique name keeps stores from different tests apart while letting
	// pooled connections share one database.
	connStr := fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", uuid.NewString())
	return openStore(ctx, connStr)
}

func openStore(ctx context.Context, connStr string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Writers queue on one connection instead of failing with SQLITE_BUSY
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)

package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Fixed width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// StartRun inserts a new in-progress run.
func (s *SQLiteStore) StartRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, stages, state, started_at)
		VALUES (?, ?, ?, ?)
	`, run.ID, strings.Join(run.Stages, ","), run.State, formatTime(run.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.ID, err)
	}
	return nil
}

// FinishRun stores the final state of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, run Run) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET state = ?, failed_stage = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, run.State, run.FailedStage, run.Error, formatTime(run.FinishedAt), run.ID)
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", run.ID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	return nil
}

const runColumns = `id, stages, state, failed_stage, error, started_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(sc rowScanner) (Run, error) {
	var (
		run      Run
		stages   string
		started  string
		finished sql.NullString
	)
	if err := sc.Scan(&run.ID, &stages, &run.State, &run.FailedStage, &run.Error, &started, &finished); err != nil {
		return Run{}, err
	}
	if stages != "" {
		run.Stages = strings.Split(stages, ",")
	}
	var err error
	if run.StartedAt, err = parseTime(started); err != nil {
		return Run{}, fmt.Errorf("bad started_at for run %s: %w", run.ID, err)
	}
	if finished.Valid {
		if run.FinishedAt, err = parseTime(finished.String); err != nil {
			return Run{}, fmt.Errorf("bad finished_at for run %s: %w", run.ID, err)
		}
	}
	return run, nil
}

// GetRun retrieves a run by id.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return &run, nil
}

// ListRuns returns the most recent runs first. limit <= 0 returns all.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		ORDER BY started_at DESC, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// RecordTask upserts the outcome of a task unit. A task run twice in the same
// run keeps its latest outcome.
func (s *SQLiteStore) RecordTask(ctx context.Context, rec TaskRecord) error {
	cached := 0
	if rec.Cached {
		cached = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_runs (run_id, stage, task, attempts, cached, error, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, stage, task) DO UPDATE SET
			attempts = excluded.attempts,
			cached = excluded.cached,
			error = excluded.error,
			duration_ms = excluded.duration_ms,
			finished_at = excluded.finished_at
	`, rec.RunID, rec.Stage, rec.Task, rec.Attempts, cached, rec.Error, rec.Duration.Milliseconds(), formatTime(rec.FinishedAt))
	if err != nil {
		return fmt.Errorf("failed to record task %s: %w", rec.Task, err)
	}
	return nil
}

// ListTasks returns the task outcomes of a run in completion order.
func (s *SQLiteStore) ListTasks(ctx context.Context, runID string) ([]TaskRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, stage, task, attempts, cached, error, duration_ms, finished_at
		FROM task_runs
		WHERE run_id = ?
		ORDER BY finished_at, rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var (
			rec      TaskRecord
			cached   int
			ms       int64
			finished string
		)
		if err := rows.Scan(&rec.RunID, &rec.Stage, &rec.Task, &rec.Attempts, &cached, &rec.Error, &ms, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		rec.Cached = cached != 0
		rec.Duration = time.Duration(ms) * time.Millisecond
		if rec.FinishedAt, err = parseTime(finished); err != nil {
			return nil, fmt.Errorf("bad finished_at for task %s: %w", rec.Task, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return out, nil
}

// RecordCheck appends a quality check result to a run.
func (s *SQLiteStore) RecordCheck(ctx context.Context, rec CheckRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO validation_results (run_id, name, value, error)
		VALUES (?, ?, ?, ?)
	`, rec.RunID, rec.Name, rec.Value, rec.Error)
	if err != nil {
		return fmt.Errorf("failed to record check %s: %w", rec.Name, err)
	}
	return nil
}

// ListChecks returns the check results of a run in the order they were
// recorded.
func (s *SQLiteStore) ListChecks(ctx context.Context, runID string) ([]CheckRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, name, value, error
		FROM validation_results
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query checks: %w", err)
	}
	defer rows.Close()

	var out []CheckRecord
	for rows.Next() {
		var rec CheckRecord
		if err := rows.Scan(&rec.RunID, &rec.Name, &rec.Value, &rec.Error); err != nil {
			return nil, fmt.Errorf("failed to scan check: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checks: %w", err)
	}
	return out, nil
}

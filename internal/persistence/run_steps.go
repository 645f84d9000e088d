package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStepRepo manages run_step rows: one per (run, attempt, ordinal),
// covering the QA service's run_steps lifecycle (spec.md §4.13).
type RunStepRepo struct {
	adapter Adapter
}

func NewRunStepRepo(a Adapter) *RunStepRepo { return &RunStepRepo{adapter: a} }

// Create inserts a queued run step.
func (r *RunStepRepo) Create(ctx context.Context, s *RunStep) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = StepQueued
	}
	_, err := r.adapter.Exec(ctx, `
INSERT INTO run_steps (id, run_id, attempt, ordinal, status, command, working_dir,
	timeout_ms, exit_code, stdout_path, stdout_size, stdout_tail, truncated,
	stderr_path, stderr_size, stderr_tail, skip_reason, started_at, ended_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.RunID, s.Attempt, s.Ordinal, s.Status, s.Command, s.WorkingDir,
		s.TimeoutMs, s.ExitCode, s.StdoutPath, s.StdoutSize, s.StdoutTail, boolToInt(s.Truncated),
		s.StderrPath, s.StderrSize, s.StderrTail, s.SkipReason,
		nullTime(s.StartedAt), nullTime(s.EndedAt))
	if err != nil {
		return fmt.Errorf("insert run step: %w", err)
	}
	return nil
}

// Start marks a queued step running.
func (r *RunStepRepo) Start(ctx context.Context, id string) error {
	_, err := r.adapter.Exec(ctx, `
UPDATE run_steps SET status = ?, started_at = ? WHERE id = ?`, StepRunning, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("start run step: %w", err)
	}
	return nil
}

// Finish records the terminal outcome of an executed step.
func (r *RunStepRepo) Finish(ctx context.Context, id string, status RunStepStatus, exitCode int,
	stdoutPath string, stdoutSize int64, stdoutTail string,
	stderrPath string, stderrSize int64, stderrTail string, truncated bool) error {
	_, err := r.adapter.Exec(ctx, `
UPDATE run_steps SET status = ?, exit_code = ?, stdout_path = ?, stdout_size = ?, stdout_tail = ?,
	stderr_path = ?, stderr_size = ?, stderr_tail = ?, truncated = ?, ended_at = ?
WHERE id = ?`,
		status, exitCode, stdoutPath, stdoutSize, stdoutTail,
		stderrPath, stderrSize, stderrTail, boolToInt(truncated), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("finish run step: %w", err)
	}
	return nil
}

// Skip marks a step skipped with a reason (e.g. an earlier required step failed).
func (r *RunStepRepo) Skip(ctx context.Context, id, reason string) error {
	_, err := r.adapter.Exec(ctx, `
UPDATE run_steps SET status = ?, skip_reason = ?, ended_at = ? WHERE id = ?`,
		StepSkipped, reason, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("skip run step: %w", err)
	}
	return nil
}

// ListByRun returns all steps for a run ordered by attempt then ordinal.
func (r *RunStepRepo) ListByRun(ctx context.Context, runID string) ([]*RunStep, error) {
	rows, err := r.adapter.Query(ctx, runStepSelectColumns+`
FROM run_steps WHERE run_id = ? ORDER BY attempt ASC, ordinal ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run steps: %w", err)
	}
	defer rows.Close()

	var out []*RunStep
	for rows.Next() {
		s, err := scanRunStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

const runStepSelectColumns = `SELECT id, run_id, attempt, ordinal, status, command, working_dir,
	timeout_ms, exit_code, stdout_path, stdout_size, stdout_tail, truncated,
	stderr_path, stderr_size, stderr_tail, skip_reason, started_at, ended_at`

func scanRunStep(rows *sql.Rows) (*RunStep, error) {
	var s RunStep
	var truncated int
	var startedAt, endedAt sql.NullTime
	if err := rows.Scan(&s.ID, &s.RunID, &s.Attempt, &s.Ordinal, &s.Status, &s.Command, &s.WorkingDir,
		&s.TimeoutMs, &s.ExitCode, &s.StdoutPath, &s.StdoutSize, &s.StdoutTail, &truncated,
		&s.StderrPath, &s.StderrSize, &s.StderrTail, &s.SkipReason, &startedAt, &endedAt); err != nil {
		return nil, fmt.Errorf("scan run step: %w", err)
	}
	s.Truncated = truncated != 0
	if startedAt.Valid {
		s.StartedAt = startedAt.Time
	}
	if endedAt.Valid {
		s.EndedAt = endedAt.Time
	}
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

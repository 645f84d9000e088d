package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunRepo manages run rows: one per engine invocation (scout/worker/qa/ci).
type RunRepo struct {
	adapter Adapter
}

func NewRunRepo(a Adapter) *RunRepo { return &RunRepo{adapter: a} }

// Create inserts a run in running status.
func (r *RunRepo) Create(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	if run.Metadata == nil {
		run.Metadata = map[string]any{}
	}
	metadata, err := json.Marshal(run.Metadata)
	if err != nil {
		return fmt.Errorf("marshal run metadata: %w", err)
	}

	_, err = r.adapter.Exec(ctx, `
INSERT INTO runs (id, type, project_id, ticket_id, status, iteration, created_at,
	started_at, completed_at, terminal_error, metadata, pr_url)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Type, run.ProjectID, run.TicketID, run.Status, run.Iteration,
		run.CreatedAt, nullTime(run.StartedAt), nullTime(run.CompletedAt), run.TerminalError,
		string(metadata), run.PRURL)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// Complete marks a run finished, recording its terminal status and error
// (empty string if none) and PR URL (empty string if none was opened).
func (r *RunRepo) Complete(ctx context.Context, id string, status RunStatus, terminalError, prURL string) error {
	_, err := r.adapter.Exec(ctx, `
UPDATE runs SET status = ?, completed_at = ?, terminal_error = ?, pr_url = ? WHERE id = ?`,
		status, time.Now().UTC(), terminalError, prURL, id)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// SetIteration records the current phase-machine iteration count for a run.
func (r *RunRepo) SetIteration(ctx context.Context, id string, iteration int) error {
	_, err := r.adapter.Exec(ctx, `UPDATE runs SET iteration = ? WHERE id = ?`, iteration, id)
	if err != nil {
		return fmt.Errorf("set run iteration: %w", err)
	}
	return nil
}

// Get fetches a run by id.
func (r *RunRepo) Get(ctx context.Context, id string) (*Run, error) {
	rows, err := r.adapter.Query(ctx, runSelectColumns+` FROM runs WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, sql.ErrNoRows
	}
	return scanRun(rows)
}

// ListByTicket returns runs for a ticket, most recent first.
func (r *RunRepo) ListByTicket(ctx context.Context, ticketID string) ([]*Run, error) {
	rows, err := r.adapter.Query(ctx, runSelectColumns+`
FROM runs WHERE ticket_id = ? ORDER BY created_at DESC`, ticketID)
	if err != nil {
		return nil, fmt.Errorf("list runs by ticket: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

const runSelectColumns = `SELECT id, type, project_id, ticket_id, status, iteration, created_at,
	started_at, completed_at, terminal_error, metadata, pr_url`

func scanRun(rows *sql.Rows) (*Run, error) {
	var run Run
	var startedAt, completedAt sql.NullTime
	var metadata string
	if err := rows.Scan(&run.ID, &run.Type, &run.ProjectID, &run.TicketID, &run.Status,
		&run.Iteration, &run.CreatedAt, &startedAt, &completedAt, &run.TerminalError,
		&metadata, &run.PRURL); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if startedAt.Valid {
		run.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		run.CompletedAt = completedAt.Time
	}
	if err := json.Unmarshal([]byte(metadata), &run.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal run metadata: %w", err)
	}
	return &run, nil
}

package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TicketRepo manages ticket rows. Spec.md §3 invariant: only the owning
// pipeline step mutates status — this repo does not enforce that itself
// (it is a storage layer), the ticket pipeline (internal/ticket) and phase
// machine (internal/phase) are the sole callers of UpdateStatus.
type TicketRepo struct {
	adapter Adapter
}

func NewTicketRepo(a Adapter) *TicketRepo { return &TicketRepo{adapter: a} }

// Create inserts a ticket in backlog status.
func (r *TicketRepo) Create(ctx context.Context, t *Ticket) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TicketBacklog
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	allowed, err := json.Marshal(t.AllowedPaths)
	if err != nil {
		return fmt.Errorf("marshal allowed paths: %w", err)
	}
	forbidden, err := json.Marshal(t.ForbiddenPaths)
	if err != nil {
		return fmt.Errorf("marshal forbidden paths: %w", err)
	}
	verify, err := json.Marshal(t.VerificationCommands)
	if err != nil {
		return fmt.Errorf("marshal verification commands: %w", err)
	}

	_, err = r.adapter.Exec(ctx, `
INSERT INTO tickets (id, project_id, title, description, status, priority, shard, category,
	allowed_paths, forbidden_paths, verification_commands, max_retries, retry_count,
	next_retry_at, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Description, t.Status, t.Priority, t.Shard, t.Category,
		string(allowed), string(forbidden), string(verify), t.MaxRetries, t.RetryCount,
		nullTime(t.NextRetryAt), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ticket: %w", err)
	}
	return nil
}

// UpdateStatus performs a ticket status transition. Callers (ticket
// pipeline, phase machine) are responsible for only calling this with
// transitions allowed by spec.md §4.11.
func (r *TicketRepo) UpdateStatus(ctx context.Context, id string, status TicketStatus) error {
	_, err := r.adapter.Exec(ctx, `
UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update ticket status: %w", err)
	}
	return nil
}

// IncrementRetry bumps retry_count and sets next_retry_at (backoff).
func (r *TicketRepo) IncrementRetry(ctx context.Context, id string, nextRetryAt time.Time) error {
	_, err := r.adapter.Exec(ctx, `
UPDATE tickets SET retry_count = retry_count + 1, next_retry_at = ?, updated_at = ? WHERE id = ?`,
		nextRetryAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("increment ticket retry: %w", err)
	}
	return nil
}

// Get fetches a ticket by id.
func (r *TicketRepo) Get(ctx context.Context, id string) (*Ticket, error) {
	rows, err := r.adapter.Query(ctx, ticketSelectColumns+` FROM tickets WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("query ticket: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, sql.ErrNoRows
	}
	return scanTicket(rows)
}

// ListReady returns ready tickets for a project ordered by priority desc,
// excluding any still inside their retry backoff window.
func (r *TicketRepo) ListReady(ctx context.Context, projectID string, now time.Time) ([]*Ticket, error) {
	rows, err := r.adapter.Query(ctx, ticketSelectColumns+`
FROM tickets
WHERE project_id = ? AND status = ?
  AND (next_retry_at IS NULL OR next_retry_at <= ?)
ORDER BY priority DESC, created_at ASC`, projectID, TicketReady, now)
	if err != nil {
		return nil, fmt.Errorf("list ready tickets: %w", err)
	}
	defer rows.Close()

	var out []*Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListTitles returns all ticket titles for a project (used by the
// deduplication filter stage, spec.md §4.9 stage 5).
func (r *TicketRepo) ListTitles(ctx context.Context, projectID string) ([]string, error) {
	rows, err := r.adapter.Query(ctx, `SELECT title FROM tickets WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list ticket titles: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, err
		}
		out = append(out, title)
	}
	return out, rows.Err()
}

const ticketSelectColumns = `SELECT id, project_id, title, description, status, priority, shard, category,
	allowed_paths, forbidden_paths, verification_commands, max_retries, retry_count,
	next_retry_at, created_at, updated_at`

func scanTicket(rows *sql.Rows) (*Ticket, error) {
	var t Ticket
	var allowed, forbidden, verify string
	var nextRetry sql.NullTime
	if err := rows.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.Status, &t.Priority,
		&t.Shard, &t.Category, &allowed, &forbidden, &verify, &t.MaxRetries, &t.RetryCount,
		&nextRetry, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan ticket: %w", err)
	}
	if nextRetry.Valid {
		t.NextRetryAt = nextRetry.Time
	}
	if err := json.Unmarshal([]byte(allowed), &t.AllowedPaths); err != nil {
		return nil, fmt.Errorf("unmarshal allowed paths: %w", err)
	}
	if err := json.Unmarshal([]byte(forbidden), &t.ForbiddenPaths); err != nil {
		return nil, fmt.Errorf("unmarshal forbidden paths: %w", err)
	}
	if err := json.Unmarshal([]byte(verify), &t.VerificationCommands); err != nil {
		return nil, fmt.Errorf("unmarshal verification commands: %w", err)
	}
	return &t, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

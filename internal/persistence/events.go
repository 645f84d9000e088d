package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// EventRepo manages the append-only events table. This is a durable mirror
// of the ndjson event log (internal/eventlog) used for relational queries;
// the ndjson file remains the authoritative replay source per spec.md §4.12.
type EventRepo struct {
	adapter Adapter
}

func NewEventRepo(a Adapter) *EventRepo { return &EventRepo{adapter: a} }

// Append inserts an event. Step must be unique per run (enforced by a
// unique index) so a replay can detect and reject duplicate writes.
func (r *EventRepo) Append(ctx context.Context, e *Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Payload == nil {
		e.Payload = map[string]any{}
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = r.adapter.Exec(ctx, `
INSERT INTO events (id, run_id, step, time, type, payload)
VALUES (?, ?, ?, ?, ?, ?)`, e.ID, e.RunID, e.Step, e.Time, e.Type, string(payload))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ListByRun returns all events for a run in step order, the same order
// the ndjson replay applies them in.
func (r *EventRepo) ListByRun(ctx context.Context, runID string) ([]*Event, error) {
	rows, err := r.adapter.Query(ctx, eventSelectColumns+`
FROM events WHERE run_id = ? ORDER BY step ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastStep returns the highest step number recorded for a run, or 0 if
// none exist — used to resume numbering after a restart.
func (r *EventRepo) LastStep(ctx context.Context, runID string) (int64, error) {
	rows, err := r.adapter.Query(ctx, `SELECT COALESCE(MAX(step), 0) FROM events WHERE run_id = ?`, runID)
	if err != nil {
		return 0, fmt.Errorf("query last step: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return 0, nil
	}
	var last int64
	if err := rows.Scan(&last); err != nil {
		return 0, fmt.Errorf("scan last step: %w", err)
	}
	return last, rows.Err()
}

const eventSelectColumns = `SELECT id, run_id, step, time, type, payload`

func scanEvent(rows *sql.Rows) (*Event, error) {
	var e Event
	var payload string
	if err := rows.Scan(&e.ID, &e.RunID, &e.Step, &e.Time, &e.Type, &payload); err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal event payload: %w", err)
	}
	return &e, nil
}

package phase

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeloop/internal/persistence"
	"forgeloop/internal/proposal"
	"forgeloop/internal/ticket"
)

func TestParallelExecuteRunsNonConflictingWave(t *testing.T) {
	store := &fakeTickets{}
	var pipelineRuns atomic.Int32
	hooks := Hooks{
		Scout: func(_ context.Context, _ ScoutRequest) ([]proposal.Proposal, error) {
			return []proposal.Proposal{
				{Title: "Refactor request parsing", Category: "refactor", Files: []string{"src/a/x.ts"}, ImpactScore: 7, Confidence: 90},
				{Title: "Tighten response types", Category: "types", Files: []string{"src/b/y.ts"}, ImpactScore: 6, Confidence: 85},
			}, nil
		},
		RunTicketPipeline: func(_ context.Context, tk persistence.Ticket) ticket.Outcome {
			pipelineRuns.Add(1)
			return ticket.Outcome{Success: true, PRURL: "https://example.com/pr/" + tk.ID, ChangedFiles: tk.AllowedPaths}
		},
	}
	cfg := testConfig()
	cfg.Phase.MaxPRs = 2
	cfg.Phase.ParallelWidth = 2
	m := newTestMachine(t, cfg, store, hooks)

	final, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, final)
	assert.Equal(t, int32(2), pipelineRuns.Load())
	assert.Equal(t, 2, m.State().Budgets.TicketsCompleted)
	assert.Equal(t, 2, m.State().Budgets.PRsCreated)
	for _, tk := range store.tickets {
		assert.Equal(t, persistence.TicketDone, tk.Status)
	}
}

func TestParallelExecuteConflictingTicketsFallToSingle(t *testing.T) {
	store := &fakeTickets{}
	var pipelineRuns atomic.Int32
	planCalls := 0
	hooks := Hooks{
		Scout: func(_ context.Context, _ ScoutRequest) ([]proposal.Proposal, error) {
			// Both touch the same file: they can never share a wave.
			return []proposal.Proposal{
				{Title: "Refactor request parsing", Category: "refactor", Files: []string{"src/a/x.ts"}, ImpactScore: 7, Confidence: 90},
				{Title: "Tighten handling of timeouts", Category: "fix", Files: []string{"src/a/x.ts"}, ImpactScore: 6, Confidence: 85},
			}, nil
		},
		Plan: func(_ context.Context, tk persistence.Ticket) (string, error) {
			planCalls++
			return `{"ticket_id":"` + tk.ID + `","files_to_touch":[{"path":"src/a/x.ts","action":"modify","reason":"r"}],"estimated_lines":5}`, nil
		},
		Execute: func(_ context.Context, _ ExecuteRequest) (*ExecuteResult, error) {
			return &ExecuteResult{Done: true, ChangedFiles: []string{"src/a/x.ts"}, LinesChanged: 2}, nil
		},
		QA: func(_ context.Context, _ persistence.Ticket) (*QAResult, error) {
			return &QAResult{Passed: true}, nil
		},
		PR: func(_ context.Context, _ persistence.Ticket) (string, error) { return "url", nil },
		RunTicketPipeline: func(_ context.Context, _ persistence.Ticket) ticket.Outcome {
			pipelineRuns.Add(1)
			return ticket.Outcome{Success: true}
		},
	}
	cfg := testConfig()
	cfg.Phase.MaxPRs = 2
	cfg.Phase.ParallelWidth = 2
	m := newTestMachine(t, cfg, store, hooks)

	final, err := m.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, PhaseDone, final)
	// Conflicting tickets must not fan out; each runs through the
	// sequential PLAN → EXECUTE → QA → PR path instead.
	assert.Equal(t, int32(0), pipelineRuns.Load())
	assert.Equal(t, 2, planCalls)
	assert.Equal(t, 2, m.State().Budgets.TicketsCompleted)
}

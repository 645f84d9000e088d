// Package phase implements spec.md §4.11: the session-level state machine
// that drives SCOUT → PLAN → EXECUTE → QA → PR → NEXT_TICKET cycles,
// enforcing budgets, spindle recoveries, and plan validation, and
// journaling every transition through the event log.
//
// Grounded on the teacher's internal/core orchestrator loop (a long-lived
// advance()-style driver that picks the next eligible action, executes it,
// and records the result), with its mangle-rule eligibility queries
// replaced by the direct transition table spec.md §4.11 enumerates — see
// DESIGN.md for the rationale.
package phase

import (
	"forgeloop/internal/dedup"
	"forgeloop/internal/learnings"
	"forgeloop/internal/persistence"
	"forgeloop/internal/proposal"
)

// Phase is the closed state enum from spec.md §4.11.
type Phase string

const (
	PhaseScout           Phase = "SCOUT"
	PhasePlan            Phase = "PLAN"
	PhaseExecute         Phase = "EXECUTE"
	PhaseQA              Phase = "QA"
	PhasePR              Phase = "PR"
	PhaseNextTicket      Phase = "NEXT_TICKET"
	PhaseParallelExecute Phase = "PARALLEL_EXECUTE"

	PhaseDone              Phase = "DONE"
	PhaseBlockedNeedsHuman Phase = "BLOCKED_NEEDS_HUMAN"
	PhaseFailedBudget      Phase = "FAILED_BUDGET"
	PhaseFailedValidation  Phase = "FAILED_VALIDATION"
	PhaseFailedSpindle     Phase = "FAILED_SPINDLE"
)

// Terminal reports whether p ends the session.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseDone, PhaseBlockedNeedsHuman, PhaseFailedBudget, PhaseFailedValidation, PhaseFailedSpindle:
		return true
	}
	return false
}

// Event types written to the session journal (spec.md §3: "a closed enum
// of ≈30 values covering phase transitions, proposal lifecycle, scope
// checks, QA results, PR creation, budget/spindle warnings").
const (
	EventSessionStarted  = "SESSION_STARTED"
	EventSessionEnded    = "SESSION_ENDED"
	EventAdvanceCalled   = "ADVANCE_CALLED"
	EventAdvanceReturned = "ADVANCE_RETURNED"
	EventPhaseTransition = "PHASE_TRANSITION"

	EventScoutStarted   = "SCOUT_STARTED"
	EventScoutCompleted = "SCOUT_COMPLETED"
	EventScoutEmpty     = "SCOUT_EMPTY"
	EventScoutRetry     = "SCOUT_RETRY"
	EventSectorAdvanced = "SECTOR_ADVANCED"
	EventSectorReset    = "SECTOR_RESET"

	EventProposalsFound   = "PROPOSALS_FOUND"
	EventProposalAccepted = "PROPOSAL_ACCEPTED"
	EventProposalRejected = "PROPOSAL_REJECTED"
	EventProposalDeferred = "PROPOSAL_DEFERRED"

	EventTicketCreated   = "TICKET_CREATED"
	EventTicketLeased    = "TICKET_LEASED"
	EventTicketStarted   = "TICKET_STARTED"
	EventTicketCompleted = "TICKET_COMPLETED"
	EventTicketFailed    = "TICKET_FAILED"
	EventTicketBlocked   = "TICKET_BLOCKED"

	EventPlanSubmitted = "PLAN_SUBMITTED"
	EventPlanApproved  = "PLAN_APPROVED"
	EventPlanRejected  = "PLAN_REJECTED"

	EventScopeCheckPassed = "SCOPE_CHECK_PASSED"
	EventScopeViolation   = "SCOPE_VIOLATION"

	EventQAStarted = "QA_STARTED"
	EventQAPassed  = "QA_PASSED"
	EventQAFailed  = "QA_FAILED"

	EventPRCreated = "PR_CREATED"
	EventPRFailed  = "PR_FAILED"
	EventPRSkipped = "PR_SKIPPED"

	EventBudgetWarning   = "BUDGET_WARNING"
	EventBudgetExhausted = "BUDGET_EXHAUSTED"
	EventSpindleWarning  = "SPINDLE_WARNING"
	EventSpindleAbort    = "SPINDLE_ABORT"
	EventSpindleRecovery = "SPINDLE_RECOVERY"

	EventLearningRecorded = "LEARNING_RECORDED"
	EventDedupRecorded    = "DEDUP_RECORDED"
	EventWaveStarted      = "WAVE_STARTED"
	EventWaveCompleted    = "WAVE_COMPLETED"
)

// Budgets is the session's cumulative counters (spec.md §3 SessionState).
type Budgets struct {
	TicketsCompleted  int `json:"tickets_completed"`
	TicketsFailed     int `json:"tickets_failed"`
	TicketsBlocked    int `json:"tickets_blocked"`
	PRsCreated        int `json:"prs_created"`
	ScoutCycles       int `json:"scout_cycles"`
	TotalLinesChanged int `json:"total_lines_changed"`
}

// ScopeConfig is the cycle's scout constraints (spec.md §3 SessionState
// "scope config").
type ScopeConfig struct {
	Formula       string   `json:"formula,omitempty"`
	Scope         string   `json:"scope,omitempty"`
	Categories    []string `json:"categories,omitempty"`
	MinConfidence float64  `json:"min_confidence,omitempty"`
	MinImpact     int      `json:"min_impact,omitempty"`
	MaxProposals  int      `json:"max_proposals,omitempty"`
}

// WorkerState is the per-worker sub-state tracked in parallel mode.
type WorkerState struct {
	TicketID string `json:"ticket_id"`
	Phase    Phase  `json:"phase"`
	Failed   bool   `json:"failed"`
}

// SessionState is the engine's in-memory phase-machine state, snapshotted
// to state.json at each transition (spec.md §3).
type SessionState struct {
	Phase      Phase `json:"phase"`
	Step       int   `json:"step"`
	TicketStep int   `json:"ticket_step"`

	Budgets Budgets `json:"budgets"`

	CurrentTicketID string      `json:"current_ticket_id,omitempty"`
	CurrentPlan     *CommitPlan `json:"current_plan,omitempty"`
	PlanApproved    bool        `json:"plan_approved"`
	PlanRejections  int         `json:"plan_rejections"`

	ExecuteRejections int `json:"execute_rejections"`
	QARetries         int `json:"qa_retries"`
	ScoutRetries      int `json:"scout_retries"`

	Scope ScopeConfig `json:"scope"`
	Hints []string    `json:"hints,omitempty"`

	ParallelWidth int                    `json:"parallel_width"`
	Workers       map[string]WorkerState `json:"workers,omitempty"`

	SpindleRecoveriesUsed int `json:"spindle_recoveries_used"`

	Deferred []proposal.Proposal `json:"deferred,omitempty"`

	DedupEntries []dedup.Entry        `json:"dedup_entries,omitempty"`
	Learnings    []learnings.Learning `json:"learnings,omitempty"`
}

// NewSessionState returns the initial state of a fresh session.
func NewSessionState() *SessionState {
	return &SessionState{Phase: PhaseScout, ParallelWidth: 1}
}

// ApplyEvent folds one journaled event into a replayed state (spec.md
// §4.12: on a missing or corrupt snapshot, "the session is rebuilt by
// replaying events to fixed-point"). Only events that change SessionState
// are handled; the rest are diagnostics.
func ApplyEvent(s SessionState, e persistence.Event) SessionState {
	payload := func(key string) string {
		if e.Payload == nil {
			return ""
		}
		v, _ := e.Payload[key].(string)
		return v
	}
	// Numeric payload values arrive as int when recorded live and as
	// float64 after a JSON round-trip through events.ndjson.
	payloadInt := func(key string) int {
		if e.Payload == nil {
			return 0
		}
		switch v := e.Payload[key].(type) {
		case int:
			return v
		case int64:
			return int(v)
		case float64:
			return int(v)
		}
		return 0
	}
	switch e.Type {
	case EventAdvanceCalled:
		s.Step++
	case EventPhaseTransition:
		if to := payload("to"); to != "" {
			s.Phase = Phase(to)
		}
	case EventScoutStarted:
		s.Budgets.ScoutCycles++
	case EventScoutRetry:
		s.ScoutRetries++
	case EventScoutCompleted, EventSectorAdvanced:
		s.ScoutRetries = 0
	case EventTicketLeased:
		s.CurrentTicketID = payload("ticket_id")
		s.TicketStep = 0
		s.PlanApproved = false
		s.CurrentPlan = nil
		s.PlanRejections = 0
		s.ExecuteRejections = 0
		s.QARetries = 0
	case EventTicketStarted:
		s.TicketStep++
	case EventPlanApproved:
		s.PlanApproved = true
	case EventPlanRejected:
		s.PlanRejections++
	case EventScopeCheckPassed:
		s.Budgets.TotalLinesChanged += payloadInt("lines")
	case EventQAFailed:
		s.QARetries++
	case EventTicketCompleted:
		s.Budgets.TicketsCompleted++
		s.CurrentTicketID = ""
	case EventTicketFailed:
		s.Budgets.TicketsFailed++
		s.CurrentTicketID = ""
	case EventTicketBlocked:
		s.Budgets.TicketsBlocked++
		s.CurrentTicketID = ""
	case EventPRCreated:
		s.Budgets.PRsCreated++
	case EventSpindleRecovery:
		s.SpindleRecoveriesUsed++
	}
	return s
}

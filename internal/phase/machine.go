package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"forgeloop/internal/config"
	"forgeloop/internal/dedup"
	"forgeloop/internal/eventlog"
	"forgeloop/internal/learnings"
	"forgeloop/internal/logging"
	"forgeloop/internal/persistence"
	"forgeloop/internal/proposal"
	"forgeloop/internal/sector"
	"forgeloop/internal/spindle"
	"forgeloop/internal/ticket"
	"forgeloop/internal/trajectory"
)

// TicketStore is the narrow slice of the ticket repository the machine
// needs; *persistence.TicketRepo satisfies it.
type TicketStore interface {
	Create(ctx context.Context, t *persistence.Ticket) error
	UpdateStatus(ctx context.Context, id string, status persistence.TicketStatus) error
	ListReady(ctx context.Context, projectID string, now time.Time) ([]*persistence.Ticket, error)
	ListTitles(ctx context.Context, projectID string) ([]string, error)
}

// ScoutRequest is what the scout hook receives for one cycle.
type ScoutRequest struct {
	Sector          *sector.Sector
	Scope           ScopeConfig
	DedupBlock      string
	LearningsBlock  string
	Hints           []string
	TrajectoryFocus string
	HardSector      bool
}

// ExecuteRequest is what the execute hook receives per EXECUTE entry.
type ExecuteRequest struct {
	Ticket persistence.Ticket
	Plan   *CommitPlan
}

// ExecuteResult is the execute hook's outcome (ticket pipeline steps 1-5).
type ExecuteResult struct {
	Done          bool
	FailureReason ticket.FailureReason
	ChangedFiles  []string
	LinesChanged  int
	CommitID      string
	Spindle       *spindle.Result
}

// QAResult is the QA hook's outcome.
type QAResult struct {
	Passed bool
	Detail string
}

// Hooks are the machine's injected capabilities. The production wiring in
// Driver backs them with the worktree manager, agent backends, QA service,
// and gh client; tests substitute stubs.
type Hooks struct {
	Scout             func(ctx context.Context, req ScoutRequest) ([]proposal.Proposal, error)
	Review            func(ctx context.Context, proposals []proposal.Proposal) ([]proposal.AdversarialVerdict, error)
	Plan              func(ctx context.Context, t persistence.Ticket) (string, error)
	Execute           func(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error)
	QA                func(ctx context.Context, t persistence.Ticket) (*QAResult, error)
	PR                func(ctx context.Context, t persistence.Ticket) (string, error)
	RunTicketPipeline func(ctx context.Context, t persistence.Ticket) ticket.Outcome
	FinishTicket      func(ctx context.Context, ticketID string, success bool)
}

// Machine drives one session. It owns its SessionState exclusively
// (spec.md §3 ownership).
type Machine struct {
	Config    *config.Config
	ProjectID string
	RunID     string
	Log       *eventlog.Log
	Tickets   TicketStore
	Hooks     Hooks

	Sectors        *sector.State
	Dedup          *dedup.Memory
	LearningsStore *learnings.Store

	Trajectory      *trajectory.Trajectory
	TrajectoryState *trajectory.State
	Formula         *proposal.FormulaFile

	// PRTitles is an optional extra capability (see OpenPRTitles).
	PRTitles OpenPRTitles

	// Hints are user-supplied scout hints (loaded from hints.json).
	Hints []string

	Mode string // "planning" | "continuous" | "milestone"
	Now  func() time.Time

	state         *SessionState
	currentTicket *persistence.Ticket
	lastExecute   *ExecuteResult
	waveTickets   []*persistence.Ticket
	cooldown      proposal.FileCooldown
	deadline      time.Time
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// State exposes the session state for snapshots, reports, and tests.
func (m *Machine) State() *SessionState { return m.state }

// Start initializes (or resumes) the session state. A usable state.json
// snapshot wins; otherwise the state is rebuilt by replaying the journal
// (spec.md §4.12).
func (m *Machine) Start(ctx context.Context) error {
	m.cooldown = make(proposal.FileCooldown)
	m.state = NewSessionState()
	if m.Config.Phase.ParallelWidth > 1 {
		m.state.ParallelWidth = m.Config.Phase.ParallelWidth
	}

	var snapshot SessionState
	if ok, _ := m.Log.LoadState(&snapshot); ok {
		m.state = &snapshot
	} else {
		replayed, err := eventlog.Replay(m.Log.RunDir(), *m.state, ApplyEvent)
		if err == nil {
			m.state = &replayed
		}
	}
	if m.state.Phase == "" {
		m.state.Phase = PhaseScout
	}

	m.deadline = m.now().Add(config.ParseDuration(m.Config.Phase.WallClockDeadline, 12*time.Hour))
	if len(m.Hints) > 0 {
		m.state.Hints = m.Hints
	}
	m.state.DedupEntries = m.Dedup.Entries
	m.state.Learnings = m.LearningsStore.Learnings

	m.record(EventSessionStarted, map[string]any{"project_id": m.ProjectID, "mode": m.Mode})
	return m.Log.SaveState(m.state)
}

// record appends one event and folds it into the live state through the
// same ApplyEvent used for replay, so a rebuilt state matches the snapshot
// (spec.md §8 "replaying it to rebuild state yields a state equal to the
// post-ingest snapshot").
func (m *Machine) record(eventType string, payload map[string]any) {
	evt, err := m.Log.Append(persistence.Event{RunID: m.RunID, Type: eventType, Payload: payload})
	if err != nil {
		logging.Phase("append event %s: %v", eventType, err)
		return
	}
	*m.state = ApplyEvent(*m.state, evt)
}

// transition moves the machine to a new phase, journaling the move first
// (spec.md §3 Event invariant: "an event is written before any persistent
// state transition it describes").
func (m *Machine) transition(to Phase, detail string) Phase {
	payload := map[string]any{"from": string(m.state.Phase), "to": string(to)}
	if detail != "" {
		payload["detail"] = detail
	}
	m.record(EventPhaseTransition, payload)
	if err := m.Log.SaveState(m.state); err != nil {
		logging.Phase("save state snapshot: %v", err)
	}
	logging.Phase("%s -> %s %s", payload["from"], to, detail)
	return to
}

// Run advances the machine until a terminal phase or context cancellation.
// On cancellation the current ticket's worktree is released and a
// session-end event is written (spec.md §5 cancellation policy).
func (m *Machine) Run(ctx context.Context) (Phase, error) {
	for !m.state.Phase.Terminal() {
		if ctx.Err() != nil {
			m.interrupt(ctx)
			return m.state.Phase, ctx.Err()
		}
		if _, err := m.Advance(ctx); err != nil {
			m.record(EventSessionEnded, map[string]any{"error": err.Error()})
			return m.state.Phase, err
		}
	}
	m.record(EventSessionEnded, map[string]any{"phase": string(m.state.Phase)})
	m.syncCaches()
	return m.state.Phase, m.Log.SaveState(m.state)
}

func (m *Machine) interrupt(ctx context.Context) {
	if m.currentTicket != nil && m.Hooks.FinishTicket != nil {
		// Use a fresh context: the session's is already canceled.
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m.Hooks.FinishTicket(cleanupCtx, m.currentTicket.ID, false)
	}
	m.record(EventSessionEnded, map[string]any{"interrupted": true})
	m.syncCaches()
	_ = m.Log.SaveState(m.state)
}

func (m *Machine) syncCaches() {
	m.state.DedupEntries = m.Dedup.Entries
	m.state.Learnings = m.LearningsStore.Learnings
}

// Advance executes exactly one phase step and returns the resulting phase.
// Every invocation is bracketed by ADVANCE_CALLED / ADVANCE_RETURNED
// events carrying the digest spec.md §4.11 names.
func (m *Machine) Advance(ctx context.Context) (Phase, error) {
	m.record(EventAdvanceCalled, m.digest())

	if next, exhausted := m.checkBudgets(); exhausted {
		m.state.Phase = m.transition(next, "budget exhausted")
		m.record(EventAdvanceReturned, m.digest())
		return m.state.Phase, nil
	}

	var next Phase
	var err error
	switch m.state.Phase {
	case PhaseScout:
		next, err = m.handleScout(ctx)
	case PhaseNextTicket:
		next, err = m.handleNextTicket(ctx)
	case PhasePlan:
		next, err = m.handlePlan(ctx)
	case PhaseExecute:
		next, err = m.handleExecute(ctx)
	case PhaseQA:
		next, err = m.handleQA(ctx)
	case PhasePR:
		next, err = m.handlePR(ctx)
	case PhaseParallelExecute:
		next, err = m.handleParallelExecute(ctx)
	default:
		next = m.state.Phase
	}
	if err != nil {
		m.record(EventAdvanceReturned, m.digest())
		return m.state.Phase, err
	}

	if next != m.state.Phase {
		m.state.Phase = m.transition(next, "")
	} else {
		// Self-loops (SCOUT → SCOUT, PLAN → PLAN, EXECUTE → EXECUTE) still
		// snapshot so a crash resumes mid-loop.
		_ = m.Log.SaveState(m.state)
	}
	m.record(EventAdvanceReturned, m.digest())
	return m.state.Phase, nil
}

// digest is the ADVANCE event payload: phase, step number, budgets
// remaining, spindle risk, time remaining (spec.md §4.11).
func (m *Machine) digest() map[string]any {
	return map[string]any{
		"phase":             string(m.state.Phase),
		"step":              m.state.Step,
		"prs_remaining":     m.Config.Phase.MaxPRs - m.state.Budgets.PRsCreated,
		"steps_remaining":   m.Config.Phase.MaxSessionSteps - m.state.Step,
		"spindle_used":      m.state.SpindleRecoveriesUsed,
		"time_remaining_ms": m.deadline.Sub(m.now()).Milliseconds(),
	}
}

// checkBudgets enforces the session-wide caps before any prompt is issued
// (spec.md §4.11 Budgets).
func (m *Machine) checkBudgets() (Phase, bool) {
	if m.state.Phase.Terminal() {
		return m.state.Phase, false
	}
	if m.Config.Phase.MaxSessionSteps > 0 && m.state.Step >= m.Config.Phase.MaxSessionSteps {
		m.record(EventBudgetExhausted, map[string]any{"budget": "session_steps"})
		return PhaseFailedBudget, true
	}
	if !m.deadline.IsZero() && m.now().After(m.deadline) {
		m.record(EventBudgetExhausted, map[string]any{"budget": "wall_clock"})
		return PhaseFailedBudget, true
	}
	if m.state.Phase == PhaseScout && m.Config.Phase.MaxScoutCycles > 0 &&
		m.state.Budgets.ScoutCycles >= m.Config.Phase.MaxScoutCycles {
		m.record(EventBudgetExhausted, map[string]any{"budget": "scout_cycles"})
		return PhaseFailedBudget, true
	}
	return m.state.Phase, false
}

// --- NEXT_TICKET ---

func (m *Machine) handleNextTicket(ctx context.Context) (Phase, error) {
	ready, err := m.Tickets.ListReady(ctx, m.ProjectID, m.now())
	if err != nil {
		return m.state.Phase, fmt.Errorf("list ready tickets: %w", err)
	}

	if len(ready) == 0 {
		if m.state.Budgets.PRsCreated >= m.Config.Phase.MaxPRs ||
			(m.Config.Phase.MaxScoutCycles > 0 && m.state.Budgets.ScoutCycles >= m.Config.Phase.MaxScoutCycles) {
			return PhaseDone, nil
		}
		return PhaseScout, nil
	}

	if m.state.ParallelWidth > 1 && len(ready) > 1 && m.Hooks.RunTicketPipeline != nil {
		if wave := m.selectWave(ready); len(wave) > 1 {
			m.state.Workers = make(map[string]WorkerState, len(wave))
			for _, t := range wave {
				if err := m.Tickets.UpdateStatus(ctx, t.ID, persistence.TicketLeased); err != nil {
					return m.state.Phase, fmt.Errorf("lease ticket %s: %w", t.ID, err)
				}
				m.record(EventTicketLeased, map[string]any{"ticket_id": t.ID, "title": t.Title})
				m.state.Workers[t.ID] = WorkerState{TicketID: t.ID, Phase: PhaseExecute}
			}
			return PhaseParallelExecute, nil
		}
	}

	t := ready[0]
	if err := m.Tickets.UpdateStatus(ctx, t.ID, persistence.TicketLeased); err != nil {
		return m.state.Phase, fmt.Errorf("lease ticket %s: %w", t.ID, err)
	}
	m.currentTicket = t
	m.lastExecute = nil
	m.record(EventTicketLeased, map[string]any{"ticket_id": t.ID, "title": t.Title})

	// docs tickets bypass the plan phase (spec.md §4.11).
	if t.Category == persistence.CategoryDocs {
		m.state.PlanApproved = true
		return PhaseExecute, nil
	}
	return PhasePlan, nil
}

// --- PLAN ---

func (m *Machine) handlePlan(ctx context.Context) (Phase, error) {
	t := m.currentTicket
	if t == nil {
		return PhaseNextTicket, nil
	}

	raw, err := m.Hooks.Plan(ctx, *t)
	if err != nil {
		if ctx.Err() != nil {
			return m.state.Phase, ctx.Err()
		}
		return m.rejectPlan(ctx, t, fmt.Sprintf("plan agent error: %v", err))
	}
	m.record(EventPlanSubmitted, map[string]any{"ticket_id": t.ID})

	plan, err := ParseCommitPlan(raw)
	if err != nil {
		return m.rejectPlan(ctx, t, err.Error())
	}
	if err := ValidatePlan(plan, *t, m.Config.Ticket.MaxLinesChanged); err != nil {
		return m.rejectPlan(ctx, t, err.Error())
	}

	m.state.CurrentPlan = plan
	planJSON, _ := json.Marshal(plan)
	m.record(EventPlanApproved, map[string]any{"ticket_id": t.ID, "plan": string(planJSON)})
	return PhaseExecute, nil
}

func (m *Machine) rejectPlan(ctx context.Context, t *persistence.Ticket, reason string) (Phase, error) {
	m.record(EventPlanRejected, map[string]any{"ticket_id": t.ID, "reason": reason})
	// Blocked only on *exceeding* the cap (spec.md §4.11 PLAN → PLAN).
	if m.state.PlanRejections > m.maxPlanRejections() {
		m.recordLearning(learnings.SourcePlanRejection, t, "plan rejected repeatedly: "+reason, "validation_failed")
		return m.blockTicket(ctx, t, "validation_failed")
	}
	return PhasePlan, nil
}

func (m *Machine) maxPlanRejections() int {
	if m.Config.Ticket.MaxPlanRejections > 0 {
		return m.Config.Ticket.MaxPlanRejections
	}
	return 3
}

// --- EXECUTE ---

func (m *Machine) handleExecute(ctx context.Context) (Phase, error) {
	t := m.currentTicket
	if t == nil {
		return PhaseNextTicket, nil
	}
	if err := m.Tickets.UpdateStatus(ctx, t.ID, persistence.TicketInProgress); err != nil {
		return m.state.Phase, fmt.Errorf("mark ticket in progress: %w", err)
	}
	m.record(EventTicketStarted, map[string]any{"ticket_id": t.ID})

	res, err := m.Hooks.Execute(ctx, ExecuteRequest{Ticket: *t, Plan: m.state.CurrentPlan})
	if err != nil {
		if ctx.Err() != nil {
			return m.state.Phase, ctx.Err()
		}
		return m.failTicket(ctx, t, ticket.FailureReason("agent_error"), err.Error())
	}
	m.lastExecute = res

	if !res.Done {
		switch res.FailureReason {
		case ticket.FailureSpindleAbort, ticket.FailureSpindleBlock:
			return m.handleSpindleFailure(ctx, t, res)
		case ticket.FailureScopeViolation:
			m.record(EventScopeViolation, map[string]any{"ticket_id": t.ID, "files": res.ChangedFiles})
			m.recordLearning(learnings.SourceScopeViolation, t, "agent touched files outside ticket scope", "scope_violation")
			m.applyFailureFeedback(t, "scope_violation", res.ChangedFiles)
			return m.blockTicket(ctx, t, "scope_violation")
		default:
			return m.failTicket(ctx, t, res.FailureReason, "")
		}
	}

	plan := m.state.CurrentPlan
	if t.Category == persistence.CategoryDocs {
		plan = nil // docs bypass plan validation along with the plan phase
	}
	if err := ValidateExecuteResult(plan, res.ChangedFiles, res.LinesChanged, m.Config.Ticket.MaxLinesChanged); err != nil {
		m.state.ExecuteRejections++
		m.record(EventPlanRejected, map[string]any{"ticket_id": t.ID, "reason": err.Error(), "stage": "execute"})
		if m.state.ExecuteRejections >= m.maxPlanRejections() {
			m.recordLearning(learnings.SourceTicketFailure, t, "execute result diverged from plan: "+err.Error(), "validation_failed")
			return m.blockTicket(ctx, t, "validation_failed")
		}
		return PhaseExecute, nil
	}

	// The line delta rides on the event so ApplyEvent accumulates it for
	// both the live state and journal replay (spec.md §8 property 2).
	m.record(EventScopeCheckPassed, map[string]any{"ticket_id": t.ID, "files": res.ChangedFiles, "lines": res.LinesChanged})
	return PhaseQA, nil
}

func (m *Machine) handleSpindleFailure(ctx context.Context, t *persistence.Ticket, res *ExecuteResult) (Phase, error) {
	reason := "spindle_abort"
	if res.FailureReason == ticket.FailureSpindleBlock {
		reason = "spindle_block"
	}
	payload := map[string]any{"ticket_id": t.ID, "reason": reason}
	if res.Spindle != nil {
		payload["trigger"] = string(res.Spindle.Reason)
	}
	m.record(EventSpindleAbort, payload)
	m.applyFailureFeedback(t, reason, res.ChangedFiles)

	// Both abort and block consume a recovery: either way the session has
	// burned a ticket on a stuck agent (Open Question decision, DESIGN.md).
	if m.state.SpindleRecoveriesUsed >= m.Config.Phase.SpindleRecoveries {
		m.record(EventBudgetExhausted, map[string]any{"budget": "spindle_recoveries"})
		return PhaseFailedSpindle, nil
	}
	m.record(EventSpindleRecovery, map[string]any{"ticket_id": t.ID, "used": m.state.SpindleRecoveriesUsed})
	if _, err := m.blockTicket(ctx, t, reason); err != nil {
		return m.state.Phase, err
	}
	return PhaseNextTicket, nil
}

// --- QA ---

func (m *Machine) handleQA(ctx context.Context) (Phase, error) {
	t := m.currentTicket
	if t == nil {
		return PhaseNextTicket, nil
	}
	m.record(EventQAStarted, map[string]any{"ticket_id": t.ID})

	res, err := m.Hooks.QA(ctx, *t)
	if err != nil {
		if ctx.Err() != nil {
			return m.state.Phase, ctx.Err()
		}
		res = &QAResult{Passed: false, Detail: err.Error()}
	}

	if res.Passed {
		m.record(EventQAPassed, map[string]any{"ticket_id": t.ID})
		return PhasePR, nil
	}

	m.record(EventQAFailed, map[string]any{"ticket_id": t.ID, "detail": res.Detail})
	if m.state.QARetries < m.qaRetryBudget() {
		return PhaseExecute, nil
	}

	m.recordQAFailureLearning(t, res.Detail)
	m.applyFailureFeedback(t, "qa_failed", nil)
	return m.blockTicket(ctx, t, "qa_failed")
}

func (m *Machine) qaRetryBudget() int {
	if m.Config.QA.MaxAttempts > 0 {
		return m.Config.QA.MaxAttempts
	}
	return 2
}

func (m *Machine) recordQAFailureLearning(t *persistence.Ticket, detail string) {
	l := learnings.Learning{
		ID:              uuid.NewString(),
		Text:            fmt.Sprintf("QA failed for %q: %s", t.Title, detail),
		Category:        learnings.CategoryGotcha,
		Source:          learnings.SourceQAFailure,
		Tags:            append(pathTags(t.AllowedPaths), "failureType:qa_failed"),
		Weight:          60,
		CreatedAt:       m.now(),
		LastConfirmedAt: m.now(),
		Knowledge: &learnings.Knowledge{
			FailureContext: &learnings.FailureContext{
				Command:        firstOf(t.VerificationCommands),
				ErrorSignature: detail,
			},
		},
	}
	m.LearningsStore.Learnings = append(m.LearningsStore.Learnings, l)
	m.record(EventLearningRecorded, map[string]any{"source": string(l.Source), "text": l.Text})
}

// --- PR ---

func (m *Machine) handlePR(ctx context.Context) (Phase, error) {
	t := m.currentTicket
	if t == nil {
		return PhaseNextTicket, nil
	}

	if m.Config.Phase.SkipPR || m.Hooks.PR == nil {
		m.record(EventPRSkipped, map[string]any{"ticket_id": t.ID})
	} else {
		url, err := m.Hooks.PR(ctx, *t)
		if err != nil {
			if ctx.Err() != nil {
				return m.state.Phase, ctx.Err()
			}
			// Non-fatal (spec.md §7 pr_failed): the ticket stays done.
			m.record(EventPRFailed, map[string]any{"ticket_id": t.ID, "error": err.Error()})
			m.recordLearning(learnings.SourceProcessInsight, t, "PR creation failed: "+err.Error(), "")
		} else {
			m.record(EventPRCreated, map[string]any{"ticket_id": t.ID, "url": url})
		}
	}

	if err := m.Tickets.UpdateStatus(ctx, t.ID, persistence.TicketDone); err != nil {
		return m.state.Phase, fmt.Errorf("mark ticket done: %w", err)
	}
	m.record(EventTicketCompleted, map[string]any{"ticket_id": t.ID, "title": t.Title})
	m.applySuccessFeedback(t)
	m.finishTicket(ctx, t.ID, true)
	return PhaseNextTicket, nil
}

// --- shared ticket bookkeeping ---

func (m *Machine) blockTicket(ctx context.Context, t *persistence.Ticket, reason string) (Phase, error) {
	if err := m.Tickets.UpdateStatus(ctx, t.ID, persistence.TicketBlocked); err != nil {
		return m.state.Phase, fmt.Errorf("block ticket: %w", err)
	}
	m.record(EventTicketBlocked, map[string]any{"ticket_id": t.ID, "reason": reason})
	m.finishTicket(ctx, t.ID, false)
	return PhaseNextTicket, nil
}

func (m *Machine) failTicket(ctx context.Context, t *persistence.Ticket, reason ticket.FailureReason, detail string) (Phase, error) {
	if err := m.Tickets.UpdateStatus(ctx, t.ID, persistence.TicketAborted); err != nil {
		return m.state.Phase, fmt.Errorf("abort ticket: %w", err)
	}
	m.record(EventTicketFailed, map[string]any{"ticket_id": t.ID, "reason": string(reason), "detail": detail})
	m.applyFailureFeedback(t, string(reason), nil)
	m.finishTicket(ctx, t.ID, false)
	return PhaseNextTicket, nil
}

func (m *Machine) finishTicket(ctx context.Context, ticketID string, success bool) {
	if m.Hooks.FinishTicket != nil {
		m.Hooks.FinishTicket(ctx, ticketID, success)
	}
	m.currentTicket = nil
	m.state.CurrentPlan = nil
	m.state.PlanApproved = false
	m.lastExecute = nil
}

// applySuccessFeedback folds a completed ticket back into the cross-run
// memories (spec.md §4.10's feedback paragraph).
func (m *Machine) applySuccessFeedback(t *persistence.Ticket) {
	m.Dedup.Entries = dedup.RecordEntry(m.Dedup.Entries, t.Title, true, m.now())
	m.record(EventDedupRecorded, map[string]any{"title": t.Title, "completed": true})

	if t.Shard != "" {
		sector.RecordOutcome(m.Sectors, t.Shard, string(t.Category), true)
	}
	if m.lastExecute != nil {
		for _, f := range m.lastExecute.ChangedFiles {
			if m.cooldown[f] > 0 {
				m.cooldown[f]--
			}
		}
	}
	m.syncCaches()
}

func (m *Machine) applyFailureFeedback(t *persistence.Ticket, reason string, changedFiles []string) {
	m.Dedup.Entries = dedup.RecordFailure(m.Dedup.Entries, t.Title, reason, m.now())
	m.record(EventDedupRecorded, map[string]any{"title": t.Title, "completed": false, "failure_reason": reason})

	if t.Shard != "" {
		sector.RecordOutcome(m.Sectors, t.Shard, string(t.Category), false)
	}
	files := changedFiles
	if len(files) == 0 && m.lastExecute != nil {
		files = m.lastExecute.ChangedFiles
	}
	for _, f := range files {
		m.cooldown[f]++
	}
	m.syncCaches()
}

func (m *Machine) recordLearning(source learnings.Source, t *persistence.Ticket, text, failureType string) {
	tags := pathTags(t.AllowedPaths)
	if failureType != "" {
		tags = append(tags, "failureType:"+failureType)
	}
	l := learnings.Learning{
		ID:              uuid.NewString(),
		Text:            text,
		Category:        learnings.CategoryGotcha,
		Source:          source,
		Tags:            tags,
		Weight:          60,
		CreatedAt:       m.now(),
		LastConfirmedAt: m.now(),
	}
	m.LearningsStore.Learnings = append(m.LearningsStore.Learnings, l)
	m.record(EventLearningRecorded, map[string]any{"source": string(source), "text": text})
}

func pathTags(paths []string) []string {
	tags := make([]string, 0, len(paths))
	for _, p := range paths {
		tags = append(tags, "path:"+p)
	}
	return tags
}

func firstOf(list []string) string {
	if len(list) > 0 {
		return list[0]
	}
	return ""
}

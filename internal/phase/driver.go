package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"forgeloop/internal/agent"
	"forgeloop/internal/execrunner"
	"forgeloop/internal/ghpr"
	"forgeloop/internal/globmatch"
	"forgeloop/internal/learnings"
	"forgeloop/internal/logging"
	"forgeloop/internal/persistence"
	"forgeloop/internal/qa"
	"forgeloop/internal/spindle"
	"forgeloop/internal/ticket"
	"forgeloop/internal/worktree"
)

// Driver is the production implementation of the machine's ticket hooks.
// It keeps one live worktree per ticket across EXECUTE/QA/PR phases: QA
// retries re-drive the agent in the same worktree rather than re-creating
// one (Open Question decision recorded in DESIGN.md), and FinishTicket
// releases it exactly once.
type Driver struct {
	Worktrees      *worktree.Manager
	ExecuteBackend agent.Backend
	PlanBackend    agent.Backend
	QAConfig       qa.Config
	PRClient       *ghpr.Client
	BaseBranch     string
	SpindleConfig  spindle.Config
	LearningsStore *learnings.Store
	ArtifactRoot   string
	AgentTimeoutMs int64
	DraftPRs       bool

	// Optional: when set, QA runs and their steps are persisted (spec.md
	// §4.13).
	Runs      *persistence.RunRepo
	RunSteps  *persistence.RunStepRepo
	ProjectID string

	mu     sync.Mutex
	active map[string]*activeTicket
}

type activeTicket struct {
	handle  *worktree.Handle
	spindle *spindle.State
	commits int
}

func (d *Driver) ticketState(ctx context.Context, ticketID string) (*activeTicket, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active == nil {
		d.active = make(map[string]*activeTicket)
	}
	if at, ok := d.active[ticketID]; ok {
		return at, nil
	}
	handle, err := d.Worktrees.Create(ctx, d.BaseBranch)
	if err != nil {
		return nil, err
	}
	at := &activeTicket{handle: handle, spindle: spindle.NewState()}
	d.active[ticketID] = at
	return at, nil
}

// Plan asks the plan backend for a commit-plan JSON (spec.md §6's
// commit-plan schema) from the repository root.
func (d *Driver) Plan(ctx context.Context, t persistence.Ticket) (string, error) {
	prompt := buildPlanPrompt(t)
	res, err := d.PlanBackend.Run(ctx, agent.RunInput{
		WorktreePath: d.Worktrees.RepoPath,
		Prompt:       prompt,
		TimeoutMs:    d.AgentTimeoutMs,
	})
	if err != nil {
		return "", err
	}
	if res == nil || !res.Success {
		return "", fmt.Errorf("plan agent failed: %s", resultError(res))
	}
	return res.Stdout, nil
}

func buildPlanPrompt(t persistence.Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Produce a commit plan (JSON: ticket_id, files_to_touch[{path,reason,action}], expected_tests[], risk_level, estimated_lines) for this ticket.\n\n")
	fmt.Fprintf(&b, "Ticket %s [%s]: %s\n\n%s\n", t.ID, t.Category, t.Title, t.Description)
	if len(t.AllowedPaths) > 0 {
		fmt.Fprintf(&b, "Allowed paths: %s\n", strings.Join(t.AllowedPaths, ", "))
	}
	if len(t.ForbiddenPaths) > 0 {
		fmt.Fprintf(&b, "Forbidden paths: %s\n", strings.Join(t.ForbiddenPaths, ", "))
	}
	return b.String()
}

// Execute runs ticket pipeline steps 1-5 (worktree, agent, spindle check,
// scope check, commit) against the ticket's persistent worktree.
func (d *Driver) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	t := req.Ticket
	at, err := d.ticketState(ctx, t.ID)
	if err != nil {
		return nil, fmt.Errorf("acquire worktree: %w", err)
	}

	relevant := learnings.SelectRelevant(d.LearningsStore.Learnings, learnings.Context{
		Paths:     t.AllowedPaths,
		Commands:  t.VerificationCommands,
		TitleHint: t.Title,
	}, 15)
	risk := learnings.AssessAdaptiveRisk(d.LearningsStore.Learnings, t.AllowedPaths)

	prompt := ticket.BuildPrompt(ticket.PromptInputs{
		Task:                 fmt.Sprintf("%s\n\n%s", t.Title, t.Description),
		Learnings:            learnings.FormatLearningsForPrompt(relevant, 2000),
		ComplexityPreamble:   complexityPreamble(risk, req.Plan),
		AllowedPaths:         t.AllowedPaths,
		ForbiddenPaths:       t.ForbiddenPaths,
		VerificationCommands: t.VerificationCommands,
	})

	res, err := d.ExecuteBackend.Run(ctx, agent.RunInput{
		WorktreePath: at.handle.Path,
		Prompt:       prompt,
		TimeoutMs:    d.AgentTimeoutMs,
		TracePath:    d.artifactPath(t.ID, "trace.ndjson"),
	})
	if err != nil {
		return nil, err
	}
	if res == nil || (!res.Success && res.TimedOut) {
		return &ExecuteResult{Done: false, FailureReason: ticket.FailureReason("agent_timeout")}, nil
	}

	diffText, _ := d.Worktrees.DiffText(ctx, at.handle)
	spindleResult := spindle.CheckText(at.spindle, res.Stdout, diffText, d.SpindleConfig)
	if spindleResult.ShouldAbort || spindleResult.ShouldBlock {
		reason := ticket.FailureSpindleAbort
		if spindleResult.ShouldBlock {
			reason = ticket.FailureSpindleBlock
		}
		return &ExecuteResult{Done: false, FailureReason: reason, Spindle: &spindleResult}, nil
	}

	changed, err := d.Worktrees.Diff(ctx, at.handle)
	if err != nil {
		return nil, fmt.Errorf("diff worktree: %w", err)
	}
	if len(changed) == 0 {
		return &ExecuteResult{Done: false, FailureReason: ticket.FailureNoChanges}, nil
	}
	if violations := scopeViolations(changed, t.AllowedPaths, t.ForbiddenPaths); len(violations) > 0 {
		logging.Ticket("scope violations for %s: %s", t.ID, strings.Join(violations, ", "))
		return &ExecuteResult{Done: false, FailureReason: ticket.FailureScopeViolation, ChangedFiles: changed}, nil
	}

	at.commits++
	message := fmt.Sprintf("%s: %s", t.Category, t.Title)
	if at.commits > 1 {
		message = fmt.Sprintf("%s (attempt %d)", message, at.commits)
	}
	commitID, err := d.Worktrees.Commit(ctx, at.handle, message)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &ExecuteResult{
		Done:         true,
		ChangedFiles: changed,
		LinesChanged: countChangedLines(diffText),
		CommitID:     commitID,
	}, nil
}

func complexityPreamble(risk learnings.AdaptiveRisk, plan *CommitPlan) string {
	var parts []string
	if risk.Level == learnings.RiskElevated || risk.Level == learnings.RiskHigh {
		parts = append(parts, fmt.Sprintf("Caution: this area has a %s failure history. Make minimal, well-tested changes.", risk.Level))
		if len(risk.FragilePaths) > 0 {
			parts = append(parts, "Fragile paths: "+strings.Join(risk.FragilePaths, ", "))
		}
	}
	if plan != nil {
		planJSON, _ := json.Marshal(plan)
		parts = append(parts, "Approved plan (touch only these files): "+string(planJSON))
	}
	return strings.Join(parts, "\n")
}

func scopeViolations(changed, allowed, forbidden []string) []string {
	var violations []string
	for _, f := range changed {
		if globmatch.MatchAny(forbidden, f) {
			violations = append(violations, f+": forbidden")
			continue
		}
		if len(allowed) > 0 && !globmatch.MatchAny(allowed, f) {
			violations = append(violations, f+": outside allowed paths")
		}
	}
	return violations
}

// countChangedLines counts added plus removed lines in a unified diff.
func countChangedLines(diffText string) int {
	count := 0
	for _, line := range strings.Split(diffText, "\n") {
		if len(line) == 0 {
			continue
		}
		if strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---") {
			continue
		}
		if line[0] == '+' || line[0] == '-' {
			count++
		}
	}
	return count
}

// QA runs the ticket's verification commands (or detected ones) inside the
// ticket's live worktree.
func (d *Driver) QA(ctx context.Context, t persistence.Ticket) (*QAResult, error) {
	at, err := d.ticketState(ctx, t.ID)
	if err != nil {
		return nil, err
	}

	commands := t.VerificationCommands
	if len(commands) == 0 {
		commands = qa.DetectCommands(fileExists, at.handle.Path)
	}
	if len(commands) == 0 {
		return &QAResult{Passed: true, Detail: "no verification commands"}, nil
	}

	cfg := d.QAConfig
	cfg.ArtifactDir = d.artifactPath(t.ID, "qa")
	runner := func(ctx context.Context, cmd execrunner.Command) (*execrunner.Result, error) {
		cmd.Dir = at.handle.Path
		return execrunner.Run(ctx, cmd)
	}
	outcome := qa.Execute(ctx, t.ID, commands, cfg, runner)
	if d.Runs != nil && d.RunSteps != nil {
		if err := qa.PersistOutcome(ctx, d.Runs, d.RunSteps, d.ProjectID, &outcome); err != nil {
			logging.QA("persist QA outcome for %s: %v", t.ID, err)
		}
	}
	if outcome.Success {
		return &QAResult{Passed: true}, nil
	}
	return &QAResult{Passed: false, Detail: qaFailureDetail(outcome)}, nil
}

func qaFailureDetail(outcome qa.Outcome) string {
	if outcome.Run.TerminalError != "" {
		return outcome.Run.TerminalError
	}
	for _, step := range outcome.Steps {
		if step.Status == persistence.StepFailed {
			return fmt.Sprintf("%s exited %d", step.Command, step.ExitCode)
		}
	}
	return "verification failed"
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// PR pushes the ticket's branch and opens a pull request.
func (d *Driver) PR(ctx context.Context, t persistence.Ticket) (string, error) {
	at, err := d.ticketState(ctx, t.ID)
	if err != nil {
		return "", err
	}
	if err := d.Worktrees.Push(ctx, at.handle, at.handle.Branch); err != nil {
		return "", fmt.Errorf("push branch: %w", err)
	}
	if d.PRClient == nil {
		return "", nil
	}
	return d.PRClient.CreatePR(ctx, at.handle.Branch, d.BaseBranch, t.Title, t.Description, d.DraftPRs)
}

// FinishTicket releases the ticket's worktree (spec.md §4.3: exactly one
// cleanup per create, on every exit path).
func (d *Driver) FinishTicket(ctx context.Context, ticketID string, success bool) {
	d.mu.Lock()
	at, ok := d.active[ticketID]
	if ok {
		delete(d.active, ticketID)
	}
	d.mu.Unlock()
	if ok {
		d.Worktrees.Cleanup(ctx, at.handle)
	}
}

// Close releases any worktrees still held (shutdown path).
func (d *Driver) Close(ctx context.Context) {
	d.mu.Lock()
	remaining := make([]*activeTicket, 0, len(d.active))
	for id, at := range d.active {
		remaining = append(remaining, at)
		delete(d.active, id)
	}
	d.mu.Unlock()
	for _, at := range remaining {
		d.Worktrees.Cleanup(ctx, at.handle)
	}
}

// RunTicketPipeline runs one ticket end-to-end through the nine-step
// pipeline (used by PARALLEL_EXECUTE and by the work/ci CLI modes).
func (d *Driver) RunTicketPipeline(ctx context.Context, t persistence.Ticket) ticket.Outcome {
	deps := ticket.Deps{
		Worktree:      d.Worktrees,
		Backend:       d.ExecuteBackend,
		QARunner:      execrunner.Run,
		BaseBranch:    d.BaseBranch,
		SpindleConfig: d.SpindleConfig,
		QAConfig:      d.QAConfig,
		DraftPRs:      d.DraftPRs,
		SkipPR:        d.PRClient == nil,
	}
	if d.PRClient != nil {
		deps.PRCreator = d.PRClient
	}
	relevant := learnings.SelectRelevant(d.LearningsStore.Learnings, learnings.Context{
		Paths:     t.AllowedPaths,
		Commands:  t.VerificationCommands,
		TitleHint: t.Title,
	}, 15)
	tc := ticket.Context{
		Ticket: t,
		Prompt: ticket.BuildPrompt(ticket.PromptInputs{
			Task:                 fmt.Sprintf("%s\n\n%s", t.Title, t.Description),
			Learnings:            learnings.FormatLearningsForPrompt(relevant, 2000),
			AllowedPaths:         t.AllowedPaths,
			ForbiddenPaths:       t.ForbiddenPaths,
			VerificationCommands: t.VerificationCommands,
		}),
		ArtifactDir:    d.artifactPath(t.ID, ""),
		AgentTimeoutMs: d.AgentTimeoutMs,
	}
	return ticket.Run(ctx, deps, tc)
}

func (d *Driver) artifactPath(ticketID, name string) string {
	if d.ArtifactRoot == "" {
		return ""
	}
	if name == "" {
		return filepath.Join(d.ArtifactRoot, ticketID)
	}
	return filepath.Join(d.ArtifactRoot, ticketID, name)
}

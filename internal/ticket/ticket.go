// Package ticket implements spec.md §4.10: the nine-step pipeline that
// takes one ready ticket from a fresh worktree through agent execution,
// loop detection, scope validation, commit, push, QA, and PR, always
// releasing its worktree exactly once.
//
// Grounded on the teacher's internal/core.tdd_loop (the red-green-refactor
// step sequence driving a single unit of work through an agent, a
// validation gate, and a retry decision) generalized to spec.md §4.10's
// nine named steps and its git/QA/PR specifics, none of which tdd_loop
// needs since it runs entirely in the teacher's own repo checkout.
package ticket

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"forgeloop/internal/agent"
	"forgeloop/internal/dedup"
	"forgeloop/internal/globmatch"
	"forgeloop/internal/learnings"
	"forgeloop/internal/logging"
	"forgeloop/internal/persistence"
	"forgeloop/internal/qa"
	"forgeloop/internal/sector"
	"forgeloop/internal/spindle"
	"forgeloop/internal/worktree"
)

// FailureReason is the closed set of non-success terminal reasons spec.md
// §4.10 names.
type FailureReason string

const (
	FailureSpindleAbort     FailureReason = "spindle_abort"
	FailureSpindleBlock     FailureReason = "spindle_block"
	FailureScopeViolation   FailureReason = "scope_violation"
	FailureNoChanges        FailureReason = "no_changes"
	FailureQAFailed         FailureReason = "qa_failed"
	FailureWorktreeFatal    FailureReason = "worktree_fatal"
)

// PRCreator abstracts the GitHub-CLI integration (spec.md §4.10 step 8).
type PRCreator interface {
	CreatePR(ctx context.Context, branch, baseBranch, title, body string, draft bool) (url string, err error)
}

// PromptInputs is everything step 2 folds into the execute agent's prompt
// (spec.md §4.10 step 2: "task + guidelines + learnings selected by §4.6 +
// project metadata + optional complexity preamble + allowed/forbidden
// paths + verification commands").
type PromptInputs struct {
	Task                string
	Guidelines          string
	Learnings           string // pre-rendered via learnings.FormatLearningsForPrompt
	ProjectMetadata     string
	ComplexityPreamble  string
	AllowedPaths        []string
	ForbiddenPaths      []string
	VerificationCommands []string
}

// BuildPrompt renders PromptInputs into the single prompt string sent to
// the execute backend.
func BuildPrompt(in PromptInputs) string {
	var b strings.Builder
	b.WriteString(in.Task)
	b.WriteString("\n\n")
	if in.Guidelines != "" {
		b.WriteString(in.Guidelines)
		b.WriteString("\n\n")
	}
	if in.ComplexityPreamble != "" {
		b.WriteString(in.ComplexityPreamble)
		b.WriteString("\n\n")
	}
	if in.Learnings != "" {
		b.WriteString(in.Learnings)
		b.WriteString("\n\n")
	}
	if in.ProjectMetadata != "" {
		b.WriteString(in.ProjectMetadata)
		b.WriteString("\n\n")
	}
	if len(in.AllowedPaths) > 0 {
		fmt.Fprintf(&b, "Allowed paths: %s\n", strings.Join(in.AllowedPaths, ", "))
	}
	if len(in.ForbiddenPaths) > 0 {
		fmt.Fprintf(&b, "Forbidden paths: %s\n", strings.Join(in.ForbiddenPaths, ", "))
	}
	if len(in.VerificationCommands) > 0 {
		fmt.Fprintf(&b, "Verification commands: %s\n", strings.Join(in.VerificationCommands, "; "))
	}
	return b.String()
}

// Deps bundles every collaborator the pipeline needs. QARunner and
// PRCreator may be nil to skip those steps entirely (used by tests and by
// ci-only invocations that do not open PRs).
type Deps struct {
	Worktree      *worktree.Manager
	Backend       agent.Backend
	QARunner      qa.Runner
	PRCreator     PRCreator
	BaseBranch    string
	SpindleConfig spindle.Config
	QAConfig      qa.Config
	DraftPRs      bool
	SkipPR        bool
	Now           func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Context carries per-ticket state threaded through every step.
type Context struct {
	Ticket      persistence.Ticket
	Prompt      string
	ArtifactDir string
	AgentTimeoutMs int64
	Progress    func(string)
}

func (c Context) report(msg string) {
	if c.Progress != nil {
		c.Progress(msg)
	}
}

// StepStatus records one step's outcome for the final run summary.
type StepStatus struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Outcome is the pipeline's final result (spec.md §4.10).
type Outcome struct {
	Success       bool            `json:"success"`
	FailureReason FailureReason   `json:"failure_reason,omitempty"`
	CommitID      string          `json:"commit_id,omitempty"`
	PRURL         string          `json:"pr_url,omitempty"`
	ChangedFiles  []string        `json:"changed_files,omitempty"`
	Spindle       *spindle.Result `json:"spindle,omitempty"`
	DurationMs    int64           `json:"duration_ms"`
	Steps         []StepStatus    `json:"steps"`
}

func (o *Outcome) step(name, status, detail string) {
	o.Steps = append(o.Steps, StepStatus{Name: name, Status: status, Detail: detail})
}

// Run drives a single ticket through all nine steps, guaranteeing the
// worktree is released exactly once regardless of which step stops the
// pipeline (spec.md §4.3 invariant, §4.10).
func Run(ctx context.Context, deps Deps, tc Context) Outcome {
	start := deps.now()
	outcome := Outcome{}
	state := spindle.NewState()

	// Step 1: worktree.
	handle, err := deps.Worktree.Create(ctx, deps.BaseBranch)
	if err != nil {
		outcome.step("worktree", "failed", err.Error())
		outcome.Success = false
		outcome.FailureReason = FailureWorktreeFatal
		outcome.DurationMs = deps.now().Sub(start).Milliseconds()
		return outcome
	}
	outcome.step("worktree", "success", handle.Path)
	defer deps.Worktree.Cleanup(ctx, handle)

	// Step 2: agent.
	tc.report("running execute agent")
	runResult, err := deps.Backend.Run(ctx, agent.RunInput{
		WorktreePath: handle.Path,
		Prompt:       tc.Prompt,
		TimeoutMs:    tc.AgentTimeoutMs,
		TracePath:    traceArtifactPath(tc.ArtifactDir),
	})
	if err != nil || runResult == nil {
		outcome.step("agent", "failed", errString(err))
		writeArtifact(tc.ArtifactDir, "agent-error.txt", errString(err))
		outcome.Success = false
		outcome.FailureReason = FailureWorktreeFatal
		outcome.DurationMs = deps.now().Sub(start).Milliseconds()
		return outcome
	}
	writeArtifact(tc.ArtifactDir, "agent-stdout.txt", runResult.Stdout)
	writeArtifact(tc.ArtifactDir, "agent-stderr.txt", runResult.Stderr)
	outcome.step("agent", "success", "")

	diffText, _ := deps.Worktree.DiffText(ctx, handle)

	// Step 3: spindle check.
	result := spindle.CheckText(state, runResult.Stdout, diffText, deps.SpindleConfig)
	if result.ShouldAbort || result.ShouldBlock {
		outcome.Spindle = &result
		reason := FailureSpindleAbort
		if result.ShouldBlock {
			reason = FailureSpindleBlock
		}
		recs := spindle.Recommendations(result)
		artifact := spindleArtifact{
			Reason:          result.Reason,
			Confidence:      result.Confidence,
			Diagnostics:     result.Diagnostics,
			Recommendations: recs,
		}
		data, _ := json.MarshalIndent(artifact, "", "  ")
		writeArtifact(tc.ArtifactDir, "spindle.json", string(data))
		outcome.step("spindle_check", "aborted", string(result.Reason))
		outcome.Success = false
		outcome.FailureReason = reason
		outcome.DurationMs = deps.now().Sub(start).Milliseconds()
		return outcome
	}
	outcome.step("spindle_check", "success", "")

	// Step 4: scope check.
	changed, err := deps.Worktree.Diff(ctx, handle)
	if err != nil {
		outcome.step("scope_check", "failed", err.Error())
		outcome.Success = false
		outcome.FailureReason = FailureScopeViolation
		outcome.DurationMs = deps.now().Sub(start).Milliseconds()
		return outcome
	}
	outcome.ChangedFiles = changed

	if len(changed) == 0 {
		outcome.step("scope_check", "aborted", "no_changes")
		outcome.Success = false
		outcome.FailureReason = FailureNoChanges
		outcome.DurationMs = deps.now().Sub(start).Milliseconds()
		return outcome
	}

	violations := scopeViolations(changed, tc.Ticket.AllowedPaths, tc.Ticket.ForbiddenPaths)
	if len(violations) > 0 {
		data, _ := json.MarshalIndent(violations, "", "  ")
		writeArtifact(tc.ArtifactDir, "scope-violations.json", string(data))
		outcome.step("scope_check", "aborted", strings.Join(violations, ", "))
		outcome.Success = false
		outcome.FailureReason = FailureScopeViolation
		outcome.DurationMs = deps.now().Sub(start).Milliseconds()
		return outcome
	}
	outcome.step("scope_check", "success", "")

	// Step 5: commit.
	message := commitMessage(tc.Ticket)
	commitID, err := deps.Worktree.Commit(ctx, handle, message)
	if err != nil {
		outcome.step("commit", "failed", err.Error())
		outcome.Success = false
		outcome.FailureReason = FailureNoChanges
		outcome.DurationMs = deps.now().Sub(start).Milliseconds()
		return outcome
	}
	outcome.CommitID = commitID
	outcome.step("commit", "success", commitID)

	// Step 6: push.
	remoteBranch := branchNameFor(tc.Ticket)
	if err := deps.Worktree.Push(ctx, handle, remoteBranch); err != nil {
		outcome.step("push", "failed", err.Error())
		// Non-fatal per spec.md §4.10 step 6: the ticket still succeeds,
		// just without a PR.
		outcome.Success = true
		outcome.DurationMs = deps.now().Sub(start).Milliseconds()
		return outcome
	}
	outcome.step("push", "success", remoteBranch)

	// Step 7: QA.
	commands := tc.Ticket.VerificationCommands
	qaOutcome := qa.Execute(ctx, tc.Ticket.ID, commands, deps.QAConfig, deps.QARunner)
	if !qaOutcome.Success {
		outcome.step("qa", "failed", qaOutcome.Run.TerminalError)
		outcome.Success = false
		outcome.FailureReason = FailureQAFailed
		outcome.DurationMs = deps.now().Sub(start).Milliseconds()
		return outcome
	}
	outcome.step("qa", "success", "")

	// Step 8: PR.
	if !deps.SkipPR && deps.PRCreator != nil {
		url, err := deps.PRCreator.CreatePR(ctx, remoteBranch, deps.BaseBranch, tc.Ticket.Title, prBody(tc.Ticket, changed), deps.DraftPRs)
		if err != nil {
			outcome.step("pr", "failed", err.Error())
		} else {
			outcome.PRURL = url
			outcome.step("pr", "success", url)
		}
	} else {
		outcome.step("pr", "skipped", "")
	}

	// Step 9: cleanup (worktree released via defer above; write summary).
	outcome.Success = true
	outcome.DurationMs = deps.now().Sub(start).Milliseconds()
	writeSummary(tc.ArtifactDir, outcome)
	return outcome
}

type spindleArtifact struct {
	Reason          spindle.Reason      `json:"reason"`
	Confidence      float64             `json:"confidence"`
	Diagnostics     spindle.Diagnostics `json:"diagnostics"`
	Recommendations []string            `json:"recommendations"`
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

func commitMessage(t persistence.Ticket) string {
	return fmt.Sprintf("%s: %s", t.Category, t.Title)
}

func branchNameFor(t persistence.Ticket) string {
	slug := strings.ToLower(strings.Map(func(r rune) rune {
		if r == ' ' {
			return '-'
		}
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return -1
	}, t.Title))
	if len(slug) > 40 {
		slug = slug[:40]
	}
	return fmt.Sprintf("forgeloop/%s-%s", t.ID, slug)
}

func prBody(t persistence.Ticket, changed []string) string {
	var b strings.Builder
	b.WriteString(t.Description)
	b.WriteString("\n\nChanged files:\n")
	for _, f := range changed {
		b.WriteString("- " + f + "\n")
	}
	return b.String()
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func traceArtifactPath(artifactDir string) string {
	if artifactDir == "" {
		return ""
	}
	return filepath.Join(artifactDir, "trace.ndjson")
}

func writeArtifact(artifactDir, name, content string) {
	if artifactDir == "" {
		return
	}
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		logging.Ticket("write artifact %s: create dir: %v", name, err)
		return
	}
	if err := os.WriteFile(filepath.Join(artifactDir, name), []byte(content), 0o644); err != nil {
		logging.Ticket("write artifact %s: %v", name, err)
	}
}

func writeSummary(artifactDir string, outcome Outcome) {
	if artifactDir == "" {
		return
	}
	data, err := json.MarshalIndent(outcome, "", "  ")
	if err != nil {
		return
	}
	writeArtifact(artifactDir, "summary.json", string(data))
}

// Feedback groups the state updates a ticket outcome produces: dedup
// entries, an optional failure-sourced learning, and the sector outcome.
// It has no field for bumping the counters of existing learnings on
// success. Nothing in this package builds or returns a Feedback;
// ApplyOutcome returns the dedup entries and learning directly.
type Feedback struct {
	DedupEntries   []dedup.Entry
	NewLearning    *learnings.Learning
	SectorOutcome  bool
}

// ApplyOutcome folds a ticket's pipeline Outcome into the dedup memory and
// proposes a new learning, without touching persistence directly (spec.md
// §4.10's feedback paragraph).
func ApplyOutcome(title string, category string, paths []string, outcome Outcome, dedupEntries []dedup.Entry, now time.Time) (updatedDedup []dedup.Entry, newLearning *learnings.Learning) {
	if outcome.Success {
		updatedDedup = dedup.RecordEntry(dedupEntries, title, true, now)
		return updatedDedup, nil
	}

	updatedDedup = dedup.RecordFailure(dedupEntries, title, string(outcome.FailureReason), now)

	tags := make([]string, 0, len(paths)+1)
	for _, p := range paths {
		tags = append(tags, "path:"+p)
	}
	tags = append(tags, "failureType:"+string(outcome.FailureReason))

	l := &learnings.Learning{
		Text:            fmt.Sprintf("ticket %q failed at %s", title, outcome.FailureReason),
		Category:        learnings.CategoryGotcha,
		Source:          sourceFor(outcome.FailureReason),
		Tags:            tags,
		Weight:          60,
		CreatedAt:       now,
		LastConfirmedAt: now,
	}
	return updatedDedup, l
}

func sourceFor(reason FailureReason) learnings.Source {
	switch reason {
	case FailureQAFailed:
		return learnings.SourceQAFailure
	default:
		return learnings.SourceTicketFailure
	}
}

// RecordSectorOutcome updates the sector's success/failure affinity
// counters for the ticket's category (spec.md §4.10 feedback paragraph).
func RecordSectorOutcome(state *sector.State, sectorPath, category string, success bool) {
	sector.RecordOutcome(state, sectorPath, category, success)
}

package phase

import (
	"encoding/json"
	"fmt"
	"strings"

	"forgeloop/internal/globmatch"
	"forgeloop/internal/persistence"
)

// PlanAction is the closed per-file action enum (spec.md §3 CommitPlan).
type PlanAction string

const (
	ActionCreate PlanAction = "create"
	ActionModify PlanAction = "modify"
	ActionDelete PlanAction = "delete"
)

// PlanFile is one (path, action, reason) entry of a commit plan.
type PlanFile struct {
	Path   string     `json:"path"`
	Action PlanAction `json:"action"`
	Reason string     `json:"reason"`
}

// CommitPlan is the pre-execute summary a ticket must have approved before
// entering EXECUTE (spec.md §3, §6's commit-plan JSON schema).
type CommitPlan struct {
	TicketID       string     `json:"ticket_id"`
	FilesToTouch   []PlanFile `json:"files_to_touch"`
	ExpectedTests  []string   `json:"expected_tests"`
	RiskLevel      string     `json:"risk_level"`
	EstimatedLines int        `json:"estimated_lines"`
}

// ParseCommitPlan decodes the plan agent's JSON response. A parse failure
// is an ordinary validation error, never a session-terminating one
// (spec.md §9's parse → validate → reject flow).
func ParseCommitPlan(raw string) (*CommitPlan, error) {
	var plan CommitPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("parse commit plan: %w", err)
	}
	if len(plan.FilesToTouch) == 0 {
		return nil, fmt.Errorf("commit plan lists no files")
	}
	for _, f := range plan.FilesToTouch {
		switch f.Action {
		case ActionCreate, ActionModify, ActionDelete:
		default:
			return nil, fmt.Errorf("commit plan file %q has unknown action %q", f.Path, f.Action)
		}
	}
	return &plan, nil
}

// ValidatePlan enforces spec.md §4.11's PLAN → EXECUTE gate: every planned
// file must fall inside the ticket's scope, and estimated_lines must fit
// the per-ticket budget. The returned error names the offending files.
func ValidatePlan(plan *CommitPlan, t persistence.Ticket, maxLines int) error {
	var outside []string
	for _, f := range plan.FilesToTouch {
		if globmatch.MatchAny(t.ForbiddenPaths, f.Path) {
			outside = append(outside, f.Path)
			continue
		}
		if len(t.AllowedPaths) > 0 && !globmatch.MatchAny(t.AllowedPaths, f.Path) {
			outside = append(outside, f.Path)
		}
	}
	if len(outside) > 0 {
		return fmt.Errorf("plan files outside ticket scope: %s", strings.Join(outside, ", "))
	}
	if maxLines > 0 && plan.EstimatedLines > maxLines {
		return fmt.Errorf("plan estimates %d lines, budget is %d", plan.EstimatedLines, maxLines)
	}
	return nil
}

// PlanFiles returns the plan's path list, used by the EXECUTE → QA gate
// ("changed files subset of plan files").
func (p *CommitPlan) PlanFiles() []string {
	files := make([]string, 0, len(p.FilesToTouch))
	for _, f := range p.FilesToTouch {
		files = append(files, f.Path)
	}
	return files
}

// ValidateExecuteResult checks spec.md §4.11's EXECUTE → QA gate: changed
// files must be a subset of the approved plan's files, and the line delta
// must fit the budget. The returned error names the first file outside the
// plan (spec.md §8 scenario 6's "rejection message referencing
// src/bar.ts").
func ValidateExecuteResult(plan *CommitPlan, changedFiles []string, linesChanged, maxLines int) error {
	if plan != nil {
		planned := make(map[string]bool, len(plan.FilesToTouch))
		for _, f := range plan.FilesToTouch {
			planned[f.Path] = true
		}
		for _, f := range changedFiles {
			if !planned[f] {
				return fmt.Errorf("changed file %s is not in the approved plan", f)
			}
		}
	}
	if maxLines > 0 && linesChanged > maxLines {
		return fmt.Errorf("changed %d lines, budget is %d", linesChanged, maxLines)
	}
	return nil
}

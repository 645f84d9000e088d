package phase

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"forgeloop/internal/learnings"
	"forgeloop/internal/persistence"
)

// TicketSummary is one row of the session report.
type TicketSummary struct {
	Title         string
	Category      string
	Status        string
	FailureReason string
	PRURL         string
	ArtifactDir   string
}

// Report is the user-visible session summary spec.md §7 requires on exit.
type Report struct {
	RunID        string
	Phase        Phase
	StartedAt    time.Time
	EndedAt      time.Time
	Budgets      Budgets
	Tickets      []TicketSummary
	BudgetReason string
	TopLearnings []learnings.Learning
}

// BuildReport assembles the report from the machine's final state plus the
// ticket summaries the caller collected.
func BuildReport(m *Machine, runID string, startedAt, endedAt time.Time, tickets []TicketSummary, budgetReason string) Report {
	top := make([]learnings.Learning, len(m.LearningsStore.Learnings))
	copy(top, m.LearningsStore.Learnings)
	sort.SliceStable(top, func(i, j int) bool { return top[i].Weight > top[j].Weight })
	if len(top) > 5 {
		top = top[:5]
	}
	return Report{
		RunID:        runID,
		Phase:        m.State().Phase,
		StartedAt:    startedAt,
		EndedAt:      endedAt,
		Budgets:      m.State().Budgets,
		Tickets:      tickets,
		BudgetReason: budgetReason,
		TopLearnings: top,
	}
}

// Markdown renders the report.
func (r Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Session %s\n\n", r.RunID)
	fmt.Fprintf(&b, "Final phase: %s  \n", r.Phase)
	fmt.Fprintf(&b, "Duration: %s\n\n", r.EndedAt.Sub(r.StartedAt).Round(time.Second))

	fmt.Fprintf(&b, "## Budgets\n\n")
	fmt.Fprintf(&b, "- Tickets completed: %d\n", r.Budgets.TicketsCompleted)
	fmt.Fprintf(&b, "- Tickets failed: %d\n", r.Budgets.TicketsFailed)
	fmt.Fprintf(&b, "- Tickets blocked: %d\n", r.Budgets.TicketsBlocked)
	fmt.Fprintf(&b, "- PRs created: %d\n", r.Budgets.PRsCreated)
	fmt.Fprintf(&b, "- Scout cycles: %d\n", r.Budgets.ScoutCycles)
	fmt.Fprintf(&b, "- Lines changed: %d\n", r.Budgets.TotalLinesChanged)
	if r.BudgetReason != "" {
		fmt.Fprintf(&b, "- Terminated by budget: %s\n", r.BudgetReason)
	}

	if len(r.Tickets) > 0 {
		fmt.Fprintf(&b, "\n## Tickets\n\n")
		fmt.Fprintf(&b, "| Title | Category | Status | Failure | PR |\n|---|---|---|---|---|\n")
		for _, t := range r.Tickets {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", t.Title, t.Category, t.Status, t.FailureReason, t.PRURL)
		}
		for _, t := range r.Tickets {
			if t.ArtifactDir != "" {
				fmt.Fprintf(&b, "\nArtifacts for %q: %s\n", t.Title, t.ArtifactDir)
			}
		}
	}

	if len(r.TopLearnings) > 0 {
		fmt.Fprintf(&b, "\n## Top learnings\n\n")
		for _, l := range r.TopLearnings {
			fmt.Fprintf(&b, "- [%s] %s (w:%.0f)\n", strings.ToUpper(string(l.Category)), l.Text, l.Weight)
		}
	}
	return b.String()
}

// WriteReport saves the report under <state_dir>/reports/session-<id>.md.
func WriteReport(stateDir string, r Report) (string, error) {
	dir := filepath.Join(stateDir, "reports")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create reports dir: %w", err)
	}
	path := filepath.Join(dir, "session-"+r.RunID+".md")
	if err := os.WriteFile(path, []byte(r.Markdown()), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// SummarizeTickets converts the per-ticket outcomes the machine produced
// into report rows, keyed from the journaled events.
func SummarizeTickets(events []persistence.Event, artifactRoot string) []TicketSummary {
	byID := make(map[string]*TicketSummary)
	var order []string
	get := func(payload map[string]any) *TicketSummary {
		id, _ := payload["ticket_id"].(string)
		if id == "" {
			return nil
		}
		if s, ok := byID[id]; ok {
			return s
		}
		s := &TicketSummary{}
		if artifactRoot != "" {
			s.ArtifactDir = filepath.Join(artifactRoot, id)
		}
		byID[id] = s
		order = append(order, id)
		return s
	}
	for _, e := range events {
		s := get(e.Payload)
		if s == nil {
			continue
		}
		if title, ok := e.Payload["title"].(string); ok && title != "" {
			s.Title = title
		}
		switch e.Type {
		case EventTicketCompleted:
			s.Status = "done"
		case EventTicketBlocked:
			s.Status = "blocked"
			if reason, ok := e.Payload["reason"].(string); ok {
				s.FailureReason = reason
			}
		case EventTicketFailed:
			s.Status = "aborted"
			if reason, ok := e.Payload["reason"].(string); ok {
				s.FailureReason = reason
			}
		case EventPRCreated:
			if url, ok := e.Payload["url"].(string); ok {
				s.PRURL = url
			}
		}
	}
	out := make([]TicketSummary, 0, len(order))
	for _, id := range order {
		if byID[id].Status != "" || byID[id].Title != "" {
			out = append(out, *byID[id])
		}
	}
	return out
}

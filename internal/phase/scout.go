package phase

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"forgeloop/internal/agent"
	"forgeloop/internal/config"
	"forgeloop/internal/dedup"
	"forgeloop/internal/globmatch"
	"forgeloop/internal/learnings"
	"forgeloop/internal/logging"
	"forgeloop/internal/persistence"
	"forgeloop/internal/proposal"
	"forgeloop/internal/sector"
	"forgeloop/internal/trajectory"
)

// OpenPRTitles is an optional extra Hooks capability: titles of PRs
// already open on engine-owned branches, the second dedup source of
// spec.md §4.9 stage 5. Discovered by feature-testing, matching spec.md
// §9's capability-set polymorphism note.
type OpenPRTitles interface {
	ListOpenEngineTitles(ctx context.Context, branchPrefix string) ([]string, error)
}

func (m *Machine) handleScout(ctx context.Context) (Phase, error) {
	sec := sector.GetNextScope(m.Sectors)
	if sec == nil {
		if m.Config.Phase.ContinuousMode {
			sector.NextCycle(m.Sectors)
			m.record(EventSectorReset, map[string]any{"cycle": m.Sectors.Cycle})
			return PhaseScout, nil
		}
		return PhaseDone, nil
	}

	req := m.buildScoutRequest(sec)
	m.record(EventScoutStarted, map[string]any{"sector": sec.Path, "scope": req.Scope.Scope})

	raw, err := m.Hooks.Scout(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return m.state.Phase, ctx.Err()
		}
		logging.Scout("scout failed for sector %s: %v", sec.Path, err)
		raw = nil
	}

	raw = filterConfidence(raw, m.confidenceFloor(sec))

	// Adversarial review (spec.md §4.9 stage 1): a second agent pass that
	// re-scores proposals before the filter pipeline sees them.
	var verdicts []proposal.AdversarialVerdict
	if m.Config.Proposal.AdversarialReview && m.Hooks.Review != nil && len(raw) > 0 {
		v, err := m.Hooks.Review(ctx, raw)
		if err != nil {
			if ctx.Err() != nil {
				return m.state.Phase, ctx.Err()
			}
			logging.Proposal("adversarial review failed, continuing unreviewed: %v", err)
		} else {
			verdicts = v
		}
	}

	result := m.runProposalPipeline(ctx, raw, req.Scope, verdicts)
	for _, title := range result.ReviewDrops {
		l := learnings.Learning{
			ID:              uuid.NewString(),
			Text:            fmt.Sprintf("review sharply downgraded %q", title),
			Category:        learnings.CategoryContext,
			Source:          learnings.SourceReviewDowngrade,
			Weight:          40,
			CreatedAt:       m.now(),
			LastConfirmedAt: m.now(),
		}
		m.LearningsStore.Learnings = append(m.LearningsStore.Learnings, l)
		m.record(EventLearningRecorded, map[string]any{"source": string(l.Source), "text": l.Text})
	}
	m.record(EventProposalsFound, map[string]any{
		"found": result.Counts.Found, "category": result.Counts.Category,
		"scope": result.Counts.Scope, "dedup": result.Counts.Dedup,
		"impact": result.Counts.Impact, "balance": result.Counts.Balance,
		"batch": result.Counts.Batch,
	})

	for _, p := range result.DedupRejected {
		m.Dedup.Entries = dedup.RecordEntry(m.Dedup.Entries, p.Title, false, m.now())
		m.record(EventProposalRejected, map[string]any{"title": p.Title, "stage": "dedup"})
	}
	for _, p := range result.Deferred {
		m.record(EventProposalDeferred, map[string]any{"title": p.Title, "scope": p.OriginalScope})
	}
	m.state.Deferred = result.Deferred
	m.syncCaches()

	sector.MarkScanned(m.Sectors, sec.Path, len(result.Accepted), m.now())

	if len(result.Accepted) > 0 {
		for _, p := range result.Accepted {
			t := m.ticketFromProposal(p, sec.Path)
			if err := m.Tickets.Create(ctx, t); err != nil {
				return m.state.Phase, fmt.Errorf("create ticket: %w", err)
			}
			m.record(EventProposalAccepted, map[string]any{"title": p.Title, "category": p.Category})
			m.record(EventTicketCreated, map[string]any{"ticket_id": t.ID, "title": t.Title})
		}
		m.record(EventScoutCompleted, map[string]any{"sector": sec.Path, "accepted": len(result.Accepted)})
		return PhaseNextTicket, nil
	}

	m.record(EventScoutEmpty, map[string]any{"sector": sec.Path})
	m.record(EventScoutRetry, map[string]any{"retries": m.state.ScoutRetries})
	if m.state.ScoutRetries > m.maxScoutRetries() {
		m.record(EventSectorAdvanced, map[string]any{"from": sec.Path})
		if sector.GetNextScope(m.Sectors) == nil && !m.Config.Phase.ContinuousMode {
			return PhaseDone, nil
		}
	}
	return PhaseScout, nil
}

func (m *Machine) maxScoutRetries() int {
	if m.Config.Proposal.MaxScoutRetries > 0 {
		return m.Config.Proposal.MaxScoutRetries
	}
	return 2
}

// confidenceFloor raises the scout confidence bar for hard sectors
// (spec.md §4.7: "hard sectors raise the scout confidence floor").
func (m *Machine) confidenceFloor(sec *sector.Sector) float64 {
	floor := m.state.Scope.MinConfidence
	if m.Formula != nil && m.Formula.MinConfidence > floor {
		floor = m.Formula.MinConfidence
	}
	if sector.ClassifyDifficulty(*sec) == sector.DifficultyHard {
		floor += 10
	}
	return floor
}

func filterConfidence(proposals []proposal.Proposal, floor float64) []proposal.Proposal {
	if floor <= 0 {
		return proposals
	}
	var out []proposal.Proposal
	for _, p := range proposals {
		if p.Confidence >= floor {
			out = append(out, p)
		}
	}
	return out
}

func (m *Machine) buildScoutRequest(sec *sector.Sector) ScoutRequest {
	scope := m.state.Scope
	if scope.Scope == "" {
		scope.Scope = strings.TrimSuffix(sec.Path, "/") + "/**"
	}
	if m.Formula != nil {
		scope.Formula = m.Formula.Name
		if m.Formula.Scope != "" {
			scope.Scope = m.Formula.Scope
		}
	}

	var focus string
	if m.Trajectory != nil && m.TrajectoryState != nil {
		if f := trajectory.CurrentFocus(m.Trajectory, m.TrajectoryState); f != nil {
			focus = f.Description
			if f.Scope != "" {
				scope.Scope = f.Scope
			}
		}
	}

	relevant := learnings.SelectRelevant(m.LearningsStore.Learnings, learnings.Context{Paths: []string{sec.Path}}, m.Config.Learnings.SelectTopK)

	return ScoutRequest{
		Sector:          sec,
		Scope:           scope,
		DedupBlock:      dedup.FormatForPrompt(m.Dedup.Entries, 2000),
		LearningsBlock:  learnings.FormatLearningsForPrompt(relevant, 2000),
		Hints:           m.state.Hints,
		TrajectoryFocus: focus,
		HardSector:      sector.ClassifyDifficulty(*sec) == sector.DifficultyHard,
	}
}

func (m *Machine) runProposalPipeline(ctx context.Context, raw []proposal.Proposal, scope ScopeConfig, verdicts []proposal.AdversarialVerdict) proposal.Result {
	existing, err := m.Tickets.ListTitles(ctx, m.ProjectID)
	if err != nil {
		logging.Proposal("list ticket titles: %v", err)
	}
	if m.PRTitles != nil {
		if titles, err := m.PRTitles.ListOpenEngineTitles(ctx, "forgeloop/"); err == nil {
			existing = append(existing, titles...)
		} else {
			logging.Proposal("list open PR titles: %v", err)
		}
	}

	formula := proposal.Formula{AllowCategories: scope.Categories}
	if m.Formula != nil {
		formula = m.Formula.Formula()
	}

	var affinity sector.Affinity
	if sec := findSector(m.Sectors, raw); sec != nil {
		affinity = sec.Affinity
	}

	cfg := proposal.Config{
		MinImpactScore:    m.Config.Proposal.MinImpactScore,
		MaxTestRatio:      m.Config.Proposal.MaxTestRatio,
		Batch:             m.batchSize(),
		AdversarialReview: m.Config.Proposal.AdversarialReview,
		DedupThreshold:    m.Config.Dedup.Threshold,
	}
	if scope.MinImpact > 0 {
		cfg.MinImpactScore = scope.MinImpact
	}
	if scope.MaxProposals > 0 {
		cfg.Batch = scope.MaxProposals
	}

	return proposal.Run(raw, cfg, proposal.Hooks{
		Formula:            formula,
		Scope:              scope.Scope,
		ScopeMatches:       func(file, scope string) bool { return globmatch.Match(scope, file) },
		ExistingTitles:     existing,
		DedupEntries:       m.Dedup.Entries,
		EnabledTitles:      dedup.GetEnabledProposals(m.Dedup.Entries, m.now(), config.ParseDuration(m.Config.Dedup.EnabledWindow, 48*time.Hour)),
		Affinity:           affinity,
		Cooldown:           m.cooldown,
		RemainingPRBudget:   m.Config.Phase.MaxPRs - m.state.Budgets.PRsCreated,
		Mode:                m.Mode,
		PreviouslyDeferred:  m.state.Deferred,
		AdversarialVerdicts: verdicts,
	})
}

func (m *Machine) batchSize() int {
	switch m.Mode {
	case "continuous":
		return m.Config.Proposal.DefaultBatchContinuous
	case "milestone":
		return m.Config.Proposal.DefaultBatchMilestone
	default:
		return m.Config.Proposal.DefaultBatchPlanning
	}
}

// findSector locates the sector most proposals point into, for the
// category-affinity stage.
func findSector(state *sector.State, proposals []proposal.Proposal) *sector.Sector {
	if state == nil || len(proposals) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, p := range proposals {
		for _, f := range p.Files {
			for i := range state.Sectors {
				if strings.HasPrefix(f, state.Sectors[i].Path+"/") || f == state.Sectors[i].Path {
					counts[state.Sectors[i].Path]++
				}
			}
		}
	}
	var best *sector.Sector
	bestCount := 0
	for i := range state.Sectors {
		if c := counts[state.Sectors[i].Path]; c > bestCount {
			best = &state.Sectors[i]
			bestCount = c
		}
	}
	return best
}

func (m *Machine) ticketFromProposal(p proposal.Proposal, sectorPath string) *persistence.Ticket {
	allowed := p.AllowedPaths
	if len(allowed) == 0 {
		allowed = p.Files
	}
	desc := p.Description
	if len(p.AcceptanceCriteria) > 0 {
		desc += "\n\nAcceptance criteria:\n- " + strings.Join(p.AcceptanceCriteria, "\n- ")
	}
	now := m.now()
	return &persistence.Ticket{
		ID:                   uuid.NewString(),
		ProjectID:            m.ProjectID,
		Title:                p.Title,
		Description:          desc,
		Status:               persistence.TicketReady,
		Priority:             p.ImpactScore,
		Shard:                sectorPath,
		Category:             persistence.TicketCategory(p.Category),
		AllowedPaths:         allowed,
		VerificationCommands: p.VerificationCommands,
		MaxRetries:           m.Config.Ticket.MaxRetries,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

// --- production scout fan-out ---

// BuildScoutPrompt renders one scout batch's prompt: scope, formula hint,
// trajectory focus, hard-sector warning, dedup and learnings blocks, and
// the file batch to analyze.
func BuildScoutPrompt(req ScoutRequest, files []string, formulaHint string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scan the following files for improvement opportunities and respond with the proposals JSON schema.\n\nScope: %s\n", req.Scope.Scope)
	if formulaHint != "" {
		fmt.Fprintf(&b, "Focus: %s\n", formulaHint)
	}
	if req.TrajectoryFocus != "" {
		fmt.Fprintf(&b, "Strategic focus for this cycle: %s\n", req.TrajectoryFocus)
	}
	if req.HardSector {
		b.WriteString("This area has a poor success record; only propose high-confidence changes.\n")
	}
	if len(req.Hints) > 0 {
		fmt.Fprintf(&b, "Hints: %s\n", strings.Join(req.Hints, "; "))
	}
	if req.DedupBlock != "" {
		fmt.Fprintf(&b, "\nAlready completed (do not repropose):\n%s", req.DedupBlock)
	}
	if req.LearningsBlock != "" {
		fmt.Fprintf(&b, "\nKnown gotchas:\n%s", req.LearningsBlock)
	}
	fmt.Fprintf(&b, "\nFiles:\n%s\n", strings.Join(files, "\n"))
	return b.String()
}

// ScoutBatchSize is how many files each fan-out batch analyzes.
const ScoutBatchSize = 30

// NewScoutHook builds the production scout hook: it lists the sector's
// files, partitions them into batches, analyzes batches concurrently under
// a semaphore (spec.md §5.1's bounded fan-out), and merges the parsed
// proposals.
func NewScoutHook(backend agent.Backend, repoRoot string, concurrency int, timeoutMs int64, formulaHint string) func(ctx context.Context, req ScoutRequest) ([]proposal.Proposal, error) {
	if concurrency <= 0 {
		concurrency = 3
	}
	return func(ctx context.Context, req ScoutRequest) ([]proposal.Proposal, error) {
		files, err := listSectorFiles(repoRoot, req.Sector.Path)
		if err != nil {
			return nil, fmt.Errorf("list sector files: %w", err)
		}
		if len(files) == 0 {
			return nil, nil
		}

		sem := semaphore.NewWeighted(int64(concurrency))
		g, gctx := errgroup.WithContext(ctx)
		var mu sync.Mutex
		var all []proposal.Proposal

		for start := 0; start < len(files); start += ScoutBatchSize {
			batch := files[start:min(start+ScoutBatchSize, len(files))]
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)

				prompt := BuildScoutPrompt(req, batch, formulaHint)
				res, err := backend.Run(gctx, agent.RunInput{WorktreePath: repoRoot, Prompt: prompt, TimeoutMs: timeoutMs})
				if err != nil {
					return err
				}
				if res == nil || !res.Success {
					logging.Scout("scout batch failed: %s", resultError(res))
					return nil // one failed batch does not sink the cycle
				}
				parsed, skipped, err := proposal.ParseScoutResponse(res.Stdout)
				if err != nil {
					logging.Scout("scout batch returned unparseable JSON: %v", err)
					return nil
				}
				for _, s := range skipped {
					logging.Scout("skipped malformed proposal: %s", s)
				}
				mu.Lock()
				all = append(all, parsed...)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return all, err
		}
		return all, nil
	}
}

// NewReviewHook builds the production adversarial-review hook: one extra
// agent call, in sequence with the scout phase (spec.md §5.2), that
// re-scores each proposal's confidence.
func NewReviewHook(backend agent.Backend, repoRoot string, timeoutMs int64) func(ctx context.Context, proposals []proposal.Proposal) ([]proposal.AdversarialVerdict, error) {
	return func(ctx context.Context, proposals []proposal.Proposal) ([]proposal.AdversarialVerdict, error) {
		var b strings.Builder
		b.WriteString("Adversarially review these proposals. For each, respond with JSON {\"verdicts\":[{\"title\":...,\"confidence\":0-100}]} where confidence is your re-scored confidence (0 rejects the proposal).\n\n")
		for _, p := range proposals {
			fmt.Fprintf(&b, "- [%s, impact %d, confidence %.0f] %s: %s\n", p.Category, p.ImpactScore, p.Confidence, p.Title, p.Description)
		}
		res, err := backend.Run(ctx, agent.RunInput{WorktreePath: repoRoot, Prompt: b.String(), TimeoutMs: timeoutMs})
		if err != nil {
			return nil, err
		}
		if res == nil || !res.Success {
			return nil, fmt.Errorf("review agent failed: %s", resultError(res))
		}
		var parsed struct {
			Verdicts []struct {
				Title      string  `json:"title"`
				Confidence float64 `json:"confidence"`
			} `json:"verdicts"`
		}
		if err := json.Unmarshal([]byte(res.Stdout), &parsed); err != nil {
			return nil, fmt.Errorf("parse review verdicts: %w", err)
		}
		verdicts := make([]proposal.AdversarialVerdict, 0, len(parsed.Verdicts))
		for _, v := range parsed.Verdicts {
			verdicts = append(verdicts, proposal.AdversarialVerdict{Title: v.Title, NewConfidence: v.Confidence})
		}
		return verdicts, nil
	}
}

func resultError(res *agent.RunResult) string {
	if res == nil {
		return "nil result"
	}
	return res.Error
}

func listSectorFiles(repoRoot, sectorPath string) ([]string, error) {
	root := filepath.Join(repoRoot, sectorPath)
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "node_modules" || name == "vendor" || name == ".forgeloop" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(repoRoot, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	return files, err
}

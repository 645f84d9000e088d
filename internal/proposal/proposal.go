// Package proposal implements spec.md §4.9: the eleven-stage filter
// pipeline that turns a scout's raw candidate proposals into the batch of
// tickets a session actually opens, plus the wave-partitioning step used
// when running tickets in parallel.
//
// Grounded on the teacher's internal/pipeline (the multi-stage
// filter/ranking chain feeding mangle's rule evaluation) generalized from
// datalog rule matching to the direct-Go-control-flow stage list spec.md
// §4.9 enumerates — see DESIGN.md for why mangle itself was dropped.
package proposal

import (
	"sort"
	"strings"

	"forgeloop/internal/dedup"
	"forgeloop/internal/sector"
)

// Proposal is one candidate surfaced by a scout run, before it becomes a
// ticket (spec.md §4.9 input).
type Proposal struct {
	Title                string
	Description          string
	Category             string
	Files                []string
	AllowedPaths         []string // broader globs the resulting ticket may touch
	AcceptanceCriteria   []string
	VerificationCommands []string
	ImpactScore          int
	Confidence           float64
	Rationale            string
	Complexity           string // trivial | simple | moderate | complex
	Risk                 string
	TouchedFilesEstimate int
	RollbackNote         string
	OriginalScope        string // recorded scope glob when deferred for scope mismatch
	Deferred             bool
	SourceScope          string // the scope this proposal was generated under
}

// Formula is the cycle's category allow/block configuration (spec.md §4.9
// stage 3).
type Formula struct {
	AllowCategories []string
	BlockCategories []string
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// Config bundles the tunables stage functions need (mirrors
// internal/config.ProposalConfig).
type Config struct {
	MinImpactScore     int
	MaxTestRatio       float64
	Batch              int
	AdversarialReview  bool
	DedupThreshold     float64
}

// StageCounts records the per-stage survivor count for diagnostics (spec.md
// §4.9 "found → category → scope → dedup → impact → balance").
type StageCounts struct {
	Found      int
	Adversarial int
	Reinjected int
	Category   int
	Scope      int
	Dedup      int
	Impact     int
	Dependency int
	Affinity   int
	Balance    int
	Cooldown   int
	Batch      int
}

// Result is the pipeline's full output. DedupRejected is surfaced so the
// caller can record a completed=false dedup-memory entry for each (spec.md
// §4.9 stage 5).
type Result struct {
	Accepted      []Proposal
	Deferred      []Proposal
	DedupRejected []Proposal
	ReviewDrops   []string // titles whose confidence fell >20 points in review; callers record a learning each
	Counts        StageCounts
}

// AdversarialVerdict is one reviewed proposal's outcome from the optional
// second-pass review (spec.md §4.9 stage 1).
type AdversarialVerdict struct {
	Title         string
	NewConfidence float64
}

// ApplyAdversarialReview applies verdicts by title, returning the surviving
// proposals with adjusted confidence and the titles of the proposals
// whose confidence fell by more than 20 points — callers record a learning
// for each.
func ApplyAdversarialReview(proposals []Proposal, verdicts []AdversarialVerdict) (survivors []Proposal, bigDrops []string) {
	byTitle := make(map[string]float64, len(verdicts))
	for _, v := range verdicts {
		byTitle[dedup.NormalizeTitle(v.Title)] = v.NewConfidence
	}
	for _, p := range proposals {
		newConf, reviewed := byTitle[dedup.NormalizeTitle(p.Title)]
		if !reviewed {
			survivors = append(survivors, p)
			continue
		}
		if p.Confidence-newConf > 20 {
			bigDrops = append(bigDrops, p.Title)
		}
		p.Confidence = newConf
		if newConf <= 0 {
			continue
		}
		survivors = append(survivors, p)
	}
	return survivors, bigDrops
}

// ReinjectDeferred re-adds proposals previously deferred for scope mismatch
// whose recorded scope is now covered by currentScope (spec.md §4.9 stage
// 2). scopeCovers reports whether every file in a proposal matches the
// current scope glob.
func ReinjectDeferred(active, deferred []Proposal, currentScope string, scopeCovers func(files []string, scope string) bool) (stillActive, stillDeferred []Proposal) {
	stillActive = append(stillActive, active...)
	for _, p := range deferred {
		if scopeCovers(p.Files, currentScope) {
			p.Deferred = false
			stillActive = append(stillActive, p)
			continue
		}
		stillDeferred = append(stillDeferred, p)
	}
	return stillActive, stillDeferred
}

// FilterCategory applies the formula's allow/block lists (spec.md §4.9
// stage 3). Block wins over allow. "test" survives even when absent from
// the allow list, to be capped later by the test-balance stage.
func FilterCategory(proposals []Proposal, formula Formula) []Proposal {
	var out []Proposal
	for _, p := range proposals {
		if containsFold(formula.BlockCategories, p.Category) {
			continue
		}
		if len(formula.AllowCategories) == 0 || containsFold(formula.AllowCategories, p.Category) || strings.EqualFold(p.Category, "test") {
			out = append(out, p)
		}
	}
	return out
}

// FilterScope partitions proposals by whether every file matches the
// cycle's scope glob (spec.md §4.9 stage 4). Out-of-scope proposals are
// returned separately with their originating scope recorded so
// ReinjectDeferred can re-add them later.
func FilterScope(proposals []Proposal, scope string, matches func(file, scope string) bool) (inScope, deferred []Proposal) {
	for _, p := range proposals {
		ok := len(p.Files) > 0
		for _, f := range p.Files {
			if !matches(f, scope) {
				ok = false
				break
			}
		}
		if ok {
			inScope = append(inScope, p)
			continue
		}
		p.Deferred = true
		p.OriginalScope = scope
		deferred = append(deferred, p)
	}
	return inScope, deferred
}

// FilterDedup rejects proposals whose title duplicates an existing ticket
// title, an open PR title, or a dedup-memory entry (spec.md §4.9 stage 5).
// Rejected proposals are reported so the caller can record a
// completed=false dedup-memory entry for each.
func FilterDedup(proposals []Proposal, existingTitles []string, memEntries []dedup.Entry, threshold float64) (survivors, rejected []Proposal) {
	for _, p := range proposals {
		if dedup.IsDuplicate(p.Title, existingTitles, threshold) {
			rejected = append(rejected, p)
			continue
		}
		if dedup.MatchAgainstMemory(p.Title, memEntries, threshold) != nil {
			rejected = append(rejected, p)
			continue
		}
		survivors = append(survivors, p)
	}
	return survivors, rejected
}

// FilterImpactFloor rejects proposals below minImpact (spec.md §4.9 stage
// 6, default 3).
func FilterImpactFloor(proposals []Proposal, minImpact int) []Proposal {
	if minImpact <= 0 {
		minImpact = 3
	}
	var out []Proposal
	for _, p := range proposals {
		if p.ImpactScore >= minImpact {
			out = append(out, p)
		}
	}
	return out
}

// SortDependencyEnablement moves proposals whose title matches any entry in
// enabledTitles to the front, preserving relative order otherwise (spec.md
// §4.9 stage 7, fed by dedup.GetEnabledProposals).
func SortDependencyEnablement(proposals []Proposal, enabledTitles []string) []Proposal {
	enabled := make(map[string]struct{}, len(enabledTitles))
	for _, t := range enabledTitles {
		enabled[dedup.NormalizeTitle(t)] = struct{}{}
	}
	out := make([]Proposal, len(proposals))
	copy(out, proposals)
	sort.SliceStable(out, func(i, j int) bool {
		_, ei := enabled[dedup.NormalizeTitle(out[i].Title)]
		_, ej := enabled[dedup.NormalizeTitle(out[j].Title)]
		return ei && !ej
	})
	return out
}

// SortCategoryAffinity sorts boosted categories to the front and suppressed
// categories to the back, per the sector's affinity lists (spec.md §4.9
// stage 8).
func SortCategoryAffinity(proposals []Proposal, affinity sector.Affinity) []Proposal {
	rank := func(p Proposal) int {
		for _, c := range affinity.Boost {
			if strings.EqualFold(c, p.Category) {
				return 0
			}
		}
		for _, c := range affinity.Suppress {
			if strings.EqualFold(c, p.Category) {
				return 2
			}
		}
		return 1
	}
	out := make([]Proposal, len(proposals))
	copy(out, proposals)
	sort.SliceStable(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })
	return out
}

// BalanceTestRatio keeps all non-test proposals plus the highest-scoring
// test proposals up to maxTestRatio of the final count (spec.md §4.9 stage
// 9).
func BalanceTestRatio(proposals []Proposal, maxTestRatio float64) []Proposal {
	if maxTestRatio <= 0 {
		maxTestRatio = 0.4
	}
	var nonTest, tests []Proposal
	for _, p := range proposals {
		if strings.EqualFold(p.Category, "test") {
			tests = append(tests, p)
		} else {
			nonTest = append(nonTest, p)
		}
	}
	if len(tests) == 0 {
		return nonTest
	}
	sort.SliceStable(tests, func(i, j int) bool {
		if tests[i].ImpactScore != tests[j].ImpactScore {
			return tests[i].ImpactScore > tests[j].ImpactScore
		}
		return tests[i].Confidence > tests[j].Confidence
	})

	total := len(nonTest) + len(tests)
	maxTests := int(float64(total) * maxTestRatio)
	currentRatio := float64(len(tests)) / float64(total)
	if currentRatio <= maxTestRatio {
		return append(nonTest, tests...)
	}
	if maxTests > len(tests) {
		maxTests = len(tests)
	}
	return append(nonTest, tests[:maxTests]...)
}

// FileCooldown maps a file path to the number of recent ticket failures
// that touched it.
type FileCooldown map[string]int

// ReRankByCooldown sorts proposals touching cooled-down files to the back,
// so they are retried later rather than rejected (spec.md §4.9 stage 10).
func ReRankByCooldown(proposals []Proposal, cooldown FileCooldown) []Proposal {
	score := func(p Proposal) int {
		total := 0
		for _, f := range p.Files {
			total += cooldown[f]
		}
		return total
	}
	out := make([]Proposal, len(proposals))
	copy(out, proposals)
	sort.SliceStable(out, func(i, j int) bool { return score(out[i]) < score(out[j]) })
	return out
}

// defaultBatchFor returns spec.md §4.9 stage 11's default batch size for
// the named session mode.
func defaultBatchFor(mode string) int {
	switch mode {
	case "continuous":
		return 5
	case "milestone":
		return 10
	default:
		return 3
	}
}

// SelectBatch takes the first min(remainingPRBudget, batch) proposals
// (spec.md §4.9 stage 11). batch <= 0 selects the default for mode.
func SelectBatch(proposals []Proposal, remainingPRBudget, batch int, mode string) []Proposal {
	if batch <= 0 {
		batch = defaultBatchFor(mode)
	}
	n := batch
	if remainingPRBudget < n {
		n = remainingPRBudget
	}
	if n < 0 {
		n = 0
	}
	if n > len(proposals) {
		n = len(proposals)
	}
	return proposals[:n]
}

// Run executes the full eleven-stage pipeline and returns the final
// accepted batch, the deferred queue, and per-stage counts. Hooks that
// require external state (adversarial review, existing ticket/PR titles,
// dedup memory, scope matching, affinity, cooldown) are passed in by the
// caller so this package stays free of persistence/agent dependencies.
type Hooks struct {
	Formula            Formula
	Scope              string
	ScopeMatches        func(file, scope string) bool
	ExistingTitles      []string
	DedupEntries        []dedup.Entry
	EnabledTitles       []string
	Affinity            sector.Affinity
	Cooldown            FileCooldown
	RemainingPRBudget   int
	Mode                string
	PreviouslyDeferred  []Proposal
	AdversarialVerdicts []AdversarialVerdict
}

func Run(raw []Proposal, cfg Config, hooks Hooks) Result {
	counts := StageCounts{Found: len(raw)}
	proposals := raw

	var reviewDrops []string
	if cfg.AdversarialReview && len(hooks.AdversarialVerdicts) > 0 {
		proposals, reviewDrops = ApplyAdversarialReview(proposals, hooks.AdversarialVerdicts)
	}
	counts.Adversarial = len(proposals)

	var stillDeferred []Proposal
	if hooks.ScopeMatches != nil {
		proposals, stillDeferred = ReinjectDeferred(proposals, hooks.PreviouslyDeferred, hooks.Scope, func(files []string, scope string) bool {
			for _, f := range files {
				if !hooks.ScopeMatches(f, scope) {
					return false
				}
			}
			return true
		})
	}
	counts.Reinjected = len(proposals) - counts.Adversarial

	proposals = FilterCategory(proposals, hooks.Formula)
	counts.Category = len(proposals)

	var deferredByScope []Proposal
	if hooks.ScopeMatches != nil {
		proposals, deferredByScope = FilterScope(proposals, hooks.Scope, hooks.ScopeMatches)
	}
	counts.Scope = len(proposals)

	var dedupRejected []Proposal
	proposals, dedupRejected = FilterDedup(proposals, hooks.ExistingTitles, hooks.DedupEntries, cfg.DedupThreshold)
	counts.Dedup = len(proposals)

	proposals = FilterImpactFloor(proposals, cfg.MinImpactScore)
	counts.Impact = len(proposals)

	proposals = SortDependencyEnablement(proposals, hooks.EnabledTitles)
	counts.Dependency = len(proposals)

	proposals = SortCategoryAffinity(proposals, hooks.Affinity)
	counts.Affinity = len(proposals)

	proposals = BalanceTestRatio(proposals, cfg.MaxTestRatio)
	counts.Balance = len(proposals)

	if hooks.Cooldown != nil {
		proposals = ReRankByCooldown(proposals, hooks.Cooldown)
	}
	counts.Cooldown = len(proposals)

	accepted := SelectBatch(proposals, hooks.RemainingPRBudget, cfg.Batch, hooks.Mode)
	counts.Batch = len(accepted)

	// The outgoing deferred queue replaces the caller's persisted one, so
	// it must carry forward previously-deferred proposals the current
	// scope still does not cover, not just this cycle's new deferrals
	// (spec.md §4.9 stage 2).
	var deferred []Proposal
	deferred = append(deferred, stillDeferred...)
	deferred = append(deferred, deferredByScope...)

	return Result{Accepted: accepted, Deferred: deferred, DedupRejected: dedupRejected, ReviewDrops: reviewDrops, Counts: counts}
}

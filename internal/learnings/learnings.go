// Package learnings implements spec.md §4.6: a decaying, tagged repository
// of gotchas/patterns fed back into scout and execute prompts, scored for
// relevance against a ticket's paths/commands/title.
//
// Same persistence discipline as internal/dedup: a JSON file under the
// project state directory, guarded by internal/filelock, corruption-
// tolerant on load. Grounded on the teacher's internal/store.LearnedCorpusStore
// decay-then-prune shape (DecayConfidence), generalized to the tag/score
// model spec.md §4.6 specifies instead of embeddings (see DESIGN.md).
package learnings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"forgeloop/internal/dedup"
	"forgeloop/internal/filelock"
	"forgeloop/internal/logging"
)

// Category is the closed enum from spec.md §3.
type Category string

const (
	CategoryGotcha     Category = "gotcha"
	CategoryPattern    Category = "pattern"
	CategoryWarning    Category = "warning"
	CategoryContext    Category = "context"
	CategoryCompaction Category = "compaction"
)

// Source is the closed source-tag enum from spec.md §3.
type Source string

const (
	SourceQAFailure          Source = "qa_failure"
	SourceTicketFailure      Source = "ticket_failure"
	SourceTicketSuccess      Source = "ticket_success"
	SourceReviewDowngrade    Source = "review_downgrade"
	SourcePlanRejection      Source = "plan_rejection"
	SourceScopeViolation     Source = "scope_violation"
	SourceReviewerFeedback   Source = "reviewer_feedback"
	SourceCrossSectorPattern Source = "cross_sector_pattern"
	SourceProcessInsight     Source = "process_insight"
	SourceManual             Source = "manual"
)

// FailureContext is the structured failure detail spec.md §3 allows a
// Learning's knowledge block to carry.
type FailureContext struct {
	Command         string `json:"command,omitempty"`
	ErrorSignature  string `json:"error_signature,omitempty"`
	FixApplied      string `json:"fix_applied,omitempty"`
}

// Knowledge is the optional structured knowledge block (spec.md §3).
type Knowledge struct {
	CochangeFiles  []string        `json:"cochange_files,omitempty"`
	FragilePaths   []string        `json:"fragile_paths,omitempty"`
	RootCause      string          `json:"root_cause,omitempty"`
	PatternType    string          `json:"pattern_type,omitempty"`
	AppliesTo      string          `json:"applies_to,omitempty"` // glob
	FailureContext *FailureContext `json:"failure_context,omitempty"`
}

// Learning is one durable, decaying piece of knowledge (spec.md §3).
type Learning struct {
	ID               string     `json:"id"`
	Text             string     `json:"text"` // <= 200 chars
	Category         Category   `json:"category"`
	Source           Source     `json:"source"`
	Tags             []string   `json:"tags,omitempty"` // path:X / cmd:Y / failureType:Z
	Weight           float64    `json:"weight"`
	CreatedAt        time.Time  `json:"created_at"`
	LastConfirmedAt  time.Time  `json:"last_confirmed_at"`
	AccessCount      int        `json:"access_count"`
	AppliedCount     int        `json:"applied_count,omitempty"`
	SuccessCount     int        `json:"success_count,omitempty"`
	Knowledge        *Knowledge `json:"knowledge,omitempty"`
}

// Store is the full persisted learnings.json document.
type Store struct {
	Learnings []Learning `json:"learnings"`
}

const maxTextLen = 200

func truncateText(s string) string {
	if len(s) <= maxTextLen {
		return s
	}
	return s[:maxTextLen]
}

// ApplyDecay halves the base rate when access_count > 0, halves again when
// last_confirmed_at is within confirmWindow of now, caps at 100, and drops
// entries at or below zero (spec.md §4.6).
func ApplyDecay(learnings []Learning, rate float64, now time.Time, confirmWindow time.Duration) []Learning {
	if rate <= 0 {
		rate = 3
	}
	if confirmWindow <= 0 {
		confirmWindow = 7 * 24 * time.Hour
	}
	out := make([]Learning, 0, len(learnings))
	for _, l := range learnings {
		decay := rate
		if l.AccessCount > 0 {
			decay /= 2
		}
		if now.Sub(l.LastConfirmedAt) < confirmWindow {
			decay /= 2
		}
		w := l.Weight - decay
		if w > 100 {
			w = 100
		}
		l.Weight = w
		if l.Weight <= 0 {
			continue
		}
		out = append(out, l)
	}
	return out
}

// compatibleFailureType reports whether a and b carry compatible
// failureType:* tags: compatible means neither has one, or both have the
// same one.
func compatibleFailureType(a, b Learning) bool {
	ta, tb := failureTypeTag(a), failureTypeTag(b)
	if ta == "" || tb == "" {
		return true
	}
	return ta == tb
}

func failureTypeTag(l Learning) string {
	for _, t := range l.Tags {
		if strings.HasPrefix(t, "failureType:") {
			return t
		}
	}
	return ""
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Consolidate merges near-duplicate learnings when the list exceeds
// threshold: merge j into i if their bigram similarity >= similarityFloor,
// same category, same source, compatible failureType tag, and neither has
// access_count >= 3. Aborts entirely (returns the input unchanged) if
// consolidation would reduce the list below ceil(threshold*0.4) entries
// (spec.md §4.6, §8 invariant 6: never merges across category/source/
// incompatible failureType).
func Consolidate(learnings []Learning, threshold int, similarityFloor float64) []Learning {
	if threshold <= 0 {
		threshold = 50
	}
	if similarityFloor <= 0 {
		similarityFloor = 0.7
	}
	if len(learnings) <= threshold {
		return learnings
	}

	merged := make([]Learning, len(learnings))
	copy(merged, learnings)
	absorbed := make([]bool, len(merged))

	for i := 0; i < len(merged); i++ {
		if absorbed[i] {
			continue
		}
		for j := i + 1; j < len(merged); j++ {
			if absorbed[j] {
				continue
			}
			a, b := merged[i], merged[j]
			if a.Category != b.Category || a.Source != b.Source {
				continue
			}
			if !compatibleFailureType(a, b) {
				continue
			}
			if a.AccessCount >= 3 || b.AccessCount >= 3 {
				continue
			}
			if dedup.BigramSimilarity(a.Text, b.Text) < similarityFloor {
				continue
			}

			winner, loser := a, b
			if b.Weight > a.Weight {
				winner, loser = b, a
			}
			winner.AccessCount = a.AccessCount + b.AccessCount
			winner.Tags = unionStrings(a.Tags, b.Tags)
			if winner.Knowledge != nil || loser.Knowledge != nil {
				k := Knowledge{}
				if winner.Knowledge != nil {
					k = *winner.Knowledge
				}
				var lk Knowledge
				if loser.Knowledge != nil {
					lk = *loser.Knowledge
				}
				k.CochangeFiles = unionStrings(k.CochangeFiles, lk.CochangeFiles)
				k.FragilePaths = unionStrings(k.FragilePaths, lk.FragilePaths)
				winner.Knowledge = &k
			}
			if a.LastConfirmedAt.After(b.LastConfirmedAt) {
				winner.LastConfirmedAt = a.LastConfirmedAt
			} else {
				winner.LastConfirmedAt = b.LastConfirmedAt
			}
			merged[i] = winner
			absorbed[j] = true
		}
	}

	out := make([]Learning, 0, len(merged))
	for i, l := range merged {
		if !absorbed[i] {
			out = append(out, l)
		}
	}

	minSize := (threshold*4 + 9) / 10 // ceil(threshold * 0.4)
	if len(out) < minSize {
		logging.LearningsDebug("consolidation would drop below floor %d (from %d to %d); aborting", minSize, len(learnings), len(out))
		return learnings
	}
	return out
}

// Context is what selectRelevant and assessAdaptiveRisk score a learning
// against.
type Context struct {
	Paths      []string
	Commands   []string
	TitleHint  string
}

func hasTagPrefix(tags []string, prefix, value string) (exact, related bool) {
	for _, t := range tags {
		if !strings.HasPrefix(t, prefix) {
			continue
		}
		tagPath := strings.TrimPrefix(t, prefix)
		if tagPath == value {
			exact = true
		} else if strings.HasPrefix(value, tagPath+"/") || strings.HasPrefix(tagPath, value+"/") {
			related = true
		}
	}
	return
}

func scoreLearning(l Learning, ctx Context) float64 {
	score := l.Weight

	for _, p := range ctx.Paths {
		exact, related := hasTagPrefix(l.Tags, "path:", p)
		if exact {
			score += 30
		} else if related {
			score += 15
		}
	}
	if len(ctx.Commands) > 0 {
		cmdMatched := false
		for _, c := range ctx.Commands {
			if contains(l.Tags, "cmd:"+c) {
				score += 10
				cmdMatched = true
			}
		}
		if cmdMatched || failureTypeTag(l) != "" {
			score += 5
		}
	}

	if l.Knowledge != nil {
		if overlapsAny(l.Knowledge.CochangeFiles, ctx.Paths) {
			score += 20
		}
		if overlapsAny(l.Knowledge.FragilePaths, ctx.Paths) {
			score += 15
		}
		if l.Knowledge.FailureContext != nil && l.Knowledge.FailureContext.Command != "" {
			for _, c := range ctx.Commands {
				if c == l.Knowledge.FailureContext.Command {
					score += 12
					break
				}
			}
		}
		switch l.Knowledge.PatternType {
		case "antipattern", "dependency":
			score += 5
		}
	}

	if ctx.TitleHint != "" {
		for _, word := range strings.Fields(strings.ToLower(ctx.TitleHint)) {
			if len(word) > 2 && strings.Contains(strings.ToLower(l.Text), word) {
				score += 3
			}
		}
	}

	if l.Category == CategoryGotcha && len(ctx.Commands) > 0 {
		score += 10
	}

	if time.Since(l.LastConfirmedAt) < 72*time.Hour && !l.LastConfirmedAt.IsZero() {
		score += 5
	}

	return score
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func overlapsAny(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, x := range a {
		set[x] = struct{}{}
	}
	for _, x := range b {
		if _, ok := set[x]; ok {
			return true
		}
	}
	return false
}

// SelectRelevant scores every learning against ctx and returns the top k
// (default 15) by score (spec.md §4.6).
func SelectRelevant(learnings []Learning, ctx Context, k int) []Learning {
	if k <= 0 {
		k = 15
	}
	type scored struct {
		l     Learning
		score float64
	}
	results := make([]scored, len(learnings))
	for i, l := range learnings {
		results[i] = scored{l: l, score: scoreLearning(l, ctx)}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].score > results[j].score })
	if len(results) > k {
		results = results[:k]
	}
	out := make([]Learning, len(results))
	for i, r := range results {
		out[i] = r.l
	}
	return out
}

// RiskLevel is the closed enum from spec.md §4.6.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskNormal   RiskLevel = "normal"
	RiskElevated RiskLevel = "elevated"
	RiskHigh     RiskLevel = "high"
)

// AdaptiveRisk is the result of assessAdaptiveRisk (spec.md §4.6).
type AdaptiveRisk struct {
	Level        RiskLevel
	Score        float64
	FragilePaths []string
	KnownIssues  []string
}

var failureSources = map[Source]bool{
	SourceQAFailure:        true,
	SourceTicketFailure:    true,
	SourceScopeViolation:   true,
	SourcePlanRejection:    true,
	SourceReviewDowngrade:  true,
}

// AssessAdaptiveRisk walks failure-sourced learnings (and compaction-
// category learnings, for context pressure) overlapping ticketPaths,
// accumulating a score that maps to a risk level (spec.md §4.6).
func AssessAdaptiveRisk(learnings []Learning, ticketPaths []string) AdaptiveRisk {
	var score float64
	fragileSet := make(map[string]struct{})
	var issues []string

	for _, l := range learnings {
		relevant := failureSources[l.Source] || l.Category == CategoryCompaction
		if !relevant {
			continue
		}
		pathOverlap := false
		for _, p := range ticketPaths {
			if exact, related := hasTagPrefix(l.Tags, "path:", p); exact || related {
				pathOverlap = true
				break
			}
		}
		if l.Knowledge != nil && overlapsAny(l.Knowledge.FragilePaths, ticketPaths) {
			pathOverlap = true
		}
		if l.Category == CategoryCompaction {
			pathOverlap = true // context-pressure learnings always count
		}
		if !pathOverlap {
			continue
		}

		score += l.Weight
		if l.Knowledge != nil {
			score += float64(len(l.Knowledge.FragilePaths)) * 2
			for _, fp := range l.Knowledge.FragilePaths {
				fragileSet[fp] = struct{}{}
			}
		}
		if len(issues) < 5 {
			issues = append(issues, l.Text)
		}
	}

	level := RiskLow
	switch {
	case score >= 60:
		level = RiskHigh
	case score >= 30:
		level = RiskElevated
	case score >= 10:
		level = RiskNormal
	}

	fragile := make([]string, 0, len(fragileSet))
	for p := range fragileSet {
		fragile = append(fragile, p)
	}
	sort.Strings(fragile)

	return AdaptiveRisk{Level: level, Score: score, FragilePaths: fragile, KnownIssues: issues}
}

// FormatLearningsForPrompt emits a budgeted block of learnings, one per
// line as `- [CATEGORY] text (w:N)`, optionally followed by an inline
// annotation derived from the structured knowledge block (spec.md §4.6).
func FormatLearningsForPrompt(learnings []Learning, budget int) string {
	var b strings.Builder
	for _, l := range learnings {
		line := fmt.Sprintf("- [%s] %s (w:%.0f)\n", strings.ToUpper(string(l.Category)), l.Text, l.Weight)
		if l.Knowledge != nil && l.Knowledge.RootCause != "" {
			line += fmt.Sprintf("  root cause: %s\n", l.Knowledge.RootCause)
		}
		if budget > 0 && b.Len()+len(line) > budget {
			break
		}
		b.WriteString(line)
	}
	return b.String()
}

// Load reads learnings.json from stateDir, tolerating a missing or
// corrupt file (spec.md §9).
func Load(stateDir string) *Store {
	path := filepath.Join(stateDir, "learnings.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.LearningsDebug("read %s: %v", path, err)
		}
		return &Store{}
	}
	var s Store
	if err := json.Unmarshal(data, &s); err != nil {
		logging.Get(logging.CategoryLearnings).Warn("corrupt learnings store at %s, starting empty: %v", path, err)
		return &Store{}
	}
	return &s
}

// Save atomically writes s to <stateDir>/learnings.json under the
// advisory file lock.
func Save(stateDir string, s *Store, lockCfg filelock.Config) error {
	path := filepath.Join(stateDir, "learnings.json")
	return filelock.WithLock(path, lockCfg, func() error {
		for i := range s.Learnings {
			s.Learnings[i].Text = truncateText(s.Learnings[i].Text)
		}
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal learnings: %w", err)
		}
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return fmt.Errorf("write temp learnings: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("rename learnings: %w", err)
		}
		logging.LearningsDebug("saved %d learnings to %s", len(s.Learnings), path)
		return nil
	})
}

// Package spindle implements spec.md §4.8: the loop-detector that aborts a
// ticket when the execute agent is clearly not making progress — repeating
// itself, stalling, oscillating between two plans, thrashing a single
// file, running the same failing command, or burning through its token
// budget.
//
// Grounded on the teacher's internal/core.tdd_loop.go red-green-refactor
// iteration counters (stall/iteration-budget tracking across repeated
// agent turns), generalized to spec.md §4.8's closed reason taxonomy and
// similarity-based triggers, which tdd_loop.go does not implement. The
// similarity trigger reuses internal/dedup's bigram-Jaccard metric rather
// than introducing a second implementation, matching spec.md §4.5's own
// note that the same metric is used elsewhere in the engine.
package spindle

import (
	"crypto/sha256"
	"encoding/hex"

	"forgeloop/internal/dedup"
)

// Reason is the closed enum from spec.md §4.8.
type Reason string

const (
	ReasonOutputSimilarity   Reason = "output_similarity"
	ReasonStalled            Reason = "stalled"
	ReasonTokenBudget        Reason = "token_budget"
	ReasonRepeatedFailingCmd Reason = "repeated_failing_command"
	ReasonOscillation        Reason = "oscillation"
	ReasonFileThrash         Reason = "file_thrash"
)

// Config tunes every threshold (spec.md §4.8). Zero value uses
// DefaultConfig.
type Config struct {
	HistorySize            int     // N, default 3-5
	SimilarityThreshold    float64 // default 0.85
	MaxSimilarOutputs      int     // default 3
	MaxStallIterations     int     // default 2
	TokenBudgetWarn        int
	TokenBudgetAbort       int
	MaxEditsPerFile        int
	RepeatedFailingCommand int // occurrences, default 3
}

// DefaultConfig returns spec.md §4.8's stated defaults.
func DefaultConfig() Config {
	return Config{
		HistorySize:            5,
		SimilarityThreshold:    0.85,
		MaxSimilarOutputs:      3,
		MaxStallIterations:     2,
		TokenBudgetWarn:        80_000,
		TokenBudgetAbort:       120_000,
		MaxEditsPerFile:        8,
		RepeatedFailingCommand: 3,
	}
}

// State is the bounded sliding history tracked per ticket (spec.md §3
// SpindleState). Outputs and diffs are kept as text (not just hashes) so
// CheckText can compare them for near-duplication, not only exact
// repetition; DiffHashes additionally records a cheap identity digest used
// to decide whether an iteration counts as "no change."
type State struct {
	RecentOutputs         []string
	DiffHashes            []string
	IterationsSinceChange int
	CumulativeOutputChars int
	FailingCommandCounts  map[string]int
	PlanHashes            []string
	FileEditCounts        map[string]int
}

// NewState returns a zero-valued State ready to track a ticket's
// iterations.
func NewState() *State {
	return &State{FailingCommandCounts: make(map[string]int), FileEditCounts: make(map[string]int)}
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// RecordFailingCommand bumps the occurrence counter for a failing
// command's signature (the command string itself, normalized by the
// caller if desired).
func (s *State) RecordFailingCommand(signature string) {
	if signature == "" {
		return
	}
	s.FailingCommandCounts[signature]++
}

// RecordPlan appends a plan hash, used for oscillation detection
// (alternating A/B plan hashes).
func (s *State) RecordPlan(planText string) {
	s.PlanHashes = append(s.PlanHashes, hashOf(planText))
}

// RecordFileEdit bumps the per-file edit counter.
func (s *State) RecordFileEdit(path string) {
	s.FileEditCounts[path]++
}

// Diagnostics accompanies every Check result (spec.md §4.8).
type Diagnostics struct {
	SimilarityScore         float64
	IterationsWithoutChange int
	RepeatedPatterns        []string
	OscillationPattern      bool
}

// Result is Check's return value (spec.md §4.8).
type Result struct {
	ShouldAbort bool
	ShouldBlock bool
	Reason      Reason
	Confidence  float64
	Diagnostics Diagnostics
}

func appendTrim(list []string, v string, max int) []string {
	list = append(list, v)
	if max > 0 && len(list) > max {
		list = list[len(list)-max:]
	}
	return list
}

// CheckText is the primary entry point (spec.md §4.8's
// check(state, newOutput, newDiff, config)): it folds this iteration's raw
// agent output and file diff into state, then evaluates every trigger.
// diff == "" means the agent produced no file changes this iteration.
func CheckText(state *State, newOutput, newDiff string, cfg Config) Result {
	if cfg.HistorySize <= 0 {
		cfg = DefaultConfig()
	}

	state.RecentOutputs = appendTrim(state.RecentOutputs, newOutput, cfg.HistorySize)
	state.CumulativeOutputChars += len(newOutput)

	if newDiff == "" {
		state.IterationsSinceChange++
	} else {
		state.IterationsSinceChange = 0
		state.DiffHashes = appendTrim(state.DiffHashes, hashOf(newDiff), cfg.HistorySize)
	}

	return Check(state, cfg)
}

// Check evaluates every trigger against the current state, returning the
// first one that fires, in the order spec.md §4.8 lists them:
// output_similarity, stalled, token_budget, repeated_failing_command,
// oscillation, file_thrash.
func Check(state *State, cfg Config) Result {
	if cfg.HistorySize <= 0 {
		cfg = DefaultConfig()
	}

	if similar, score := outputsSimilar(state.RecentOutputs, cfg.MaxSimilarOutputs, cfg.SimilarityThreshold); similar {
		return Result{
			ShouldAbort: true,
			Reason:      ReasonOutputSimilarity,
			Confidence:  score,
			Diagnostics: Diagnostics{SimilarityScore: score, IterationsWithoutChange: state.IterationsSinceChange},
		}
	}

	if state.IterationsSinceChange > cfg.MaxStallIterations {
		return Result{
			ShouldAbort: true,
			Reason:      ReasonStalled,
			Confidence:  1,
			Diagnostics: Diagnostics{IterationsWithoutChange: state.IterationsSinceChange},
		}
	}

	if cfg.TokenBudgetAbort > 0 && state.CumulativeOutputChars/4 >= cfg.TokenBudgetAbort { // rough chars->tokens estimate
		return Result{
			ShouldAbort: true,
			Reason:      ReasonTokenBudget,
			Confidence:  1,
			Diagnostics: Diagnostics{IterationsWithoutChange: state.IterationsSinceChange},
		}
	}

	for cmd, count := range state.FailingCommandCounts {
		if count >= cfg.RepeatedFailingCommand {
			return Result{
				ShouldBlock: true,
				Reason:      ReasonRepeatedFailingCmd,
				Confidence:  1,
				Diagnostics: Diagnostics{RepeatedPatterns: []string{cmd}},
			}
		}
	}

	if oscillating(state.PlanHashes) {
		return Result{
			ShouldAbort: true,
			Reason:      ReasonOscillation,
			Confidence:  0.8,
			Diagnostics: Diagnostics{OscillationPattern: true},
		}
	}

	for path, count := range state.FileEditCounts {
		if count > cfg.MaxEditsPerFile {
			return Result{
				ShouldAbort: true,
				Reason:      ReasonFileThrash,
				Confidence:  1,
				Diagnostics: Diagnostics{RepeatedPatterns: []string{path}},
			}
		}
	}

	return Result{}
}

// outputsSimilar reports whether every pair among the last `window`
// outputs is similar (bigram-Jaccard) at or above threshold — spec.md §4.8's "last N outputs exceed similarity
// threshold." The minimum pairwise score across the window is returned as
// the confidence signal.
func outputsSimilar(outputs []string, window int, threshold float64) (bool, float64) {
	if window <= 0 {
		window = 3
	}
	if len(outputs) < window {
		return false, 0
	}
	tail := outputs[len(outputs)-window:]
	minSim := 1.0
	for i := 0; i < len(tail); i++ {
		for j := i + 1; j < len(tail); j++ {
			sim := dedup.BigramSimilarity(tail[i], tail[j])
			if sim < minSim {
				minSim = sim
			}
		}
	}
	return minSim >= threshold, minSim
}

// oscillating reports an alternating A/B/A/B pattern in the last 4 plan
// hashes.
func oscillating(hashes []string) bool {
	if len(hashes) < 4 {
		return false
	}
	tail := hashes[len(hashes)-4:]
	return tail[0] == tail[2] && tail[1] == tail[3] && tail[0] != tail[1]
}

// Recommendations produces human-readable follow-up suggestions for the
// spindle artifact written by the ticket pipeline (spec.md §4.10 step 3).
func Recommendations(r Result) []string {
	switch r.Reason {
	case ReasonOutputSimilarity:
		return []string{"the agent is repeating near-identical output; narrow the ticket scope or split it into smaller steps"}
	case ReasonStalled:
		return []string{"no file changes across consecutive iterations; check whether the ticket's task is already satisfied or underspecified"}
	case ReasonTokenBudget:
		return []string{"cumulative output exceeded the token budget; reduce context size or split the ticket"}
	case ReasonRepeatedFailingCmd:
		return []string{"the same command keeps failing; this likely needs human investigation rather than another agent attempt"}
	case ReasonOscillation:
		return []string{"the agent is alternating between two plans; consider providing a more prescriptive ticket description"}
	case ReasonFileThrash:
		return []string{"a single file has been edited excessively; the agent may be stuck in an edit-revert cycle on it"}
	default:
		return nil
	}
}

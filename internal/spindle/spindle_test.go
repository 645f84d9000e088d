package spindle

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckTextOutputSimilarityAborts(t *testing.T) {
	state := NewState()
	cfg := DefaultConfig()
	cfg.MaxSimilarOutputs = 3

	out := "I attempted to fix the failing test by adjusting the comparison logic in the handler"
	var r Result
	for i := 0; i < 3; i++ {
		r = CheckText(state, out, "diff-"+strconv.Itoa(i), cfg)
	}
	require.True(t, r.ShouldAbort)
	assert.Equal(t, ReasonOutputSimilarity, r.Reason)
	assert.GreaterOrEqual(t, r.Diagnostics.SimilarityScore, cfg.SimilarityThreshold)
}

func TestCheckTextDissimilarOutputsDoNotAbort(t *testing.T) {
	state := NewState()
	cfg := DefaultConfig()

	outputs := []string{
		"Adjusted the retry backoff for the database connector",
		"Wrote a regression test covering nil pointer handling in the parser",
		"Refactored the worker pool to use a bounded channel for task submission",
	}
	var r Result
	for i, out := range outputs {
		r = CheckText(state, out, "diff-"+strconv.Itoa(i), cfg)
	}
	assert.False(t, r.ShouldAbort)
	assert.Equal(t, Reason(""), r.Reason)
}

func TestCheckStalledAbortsAfterMaxIterationsNoChange(t *testing.T) {
	state := NewState()
	cfg := DefaultConfig()
	cfg.MaxStallIterations = 2

	// Distinct outputs keep output_similarity (checked first) from firing.
	outputs := []string{
		"thinking about the problem",
		"reading the failing test output again",
		"considering a different approach to the parser",
	}
	var r Result
	for _, out := range outputs {
		r = CheckText(state, out, "", cfg)
	}
	require.True(t, r.ShouldAbort)
	assert.Equal(t, ReasonStalled, r.Reason)
	assert.Equal(t, 3, r.Diagnostics.IterationsWithoutChange)
}

func TestCheckStalledResetsWhenDiffPresent(t *testing.T) {
	state := NewState()
	cfg := DefaultConfig()
	cfg.MaxStallIterations = 2

	CheckText(state, "inspecting the handler code", "", cfg)
	CheckText(state, "drafting a change to the retry loop", "", cfg)
	r := CheckText(state, "applied the fix to the comparison logic", "some-diff", cfg)
	assert.False(t, r.ShouldAbort)
	assert.Equal(t, 0, state.IterationsSinceChange)
}

func TestCheckTokenBudgetAborts(t *testing.T) {
	state := NewState()
	cfg := DefaultConfig()
	cfg.TokenBudgetAbort = 10
	cfg.MaxStallIterations = 1000
	cfg.MaxSimilarOutputs = 1000

	big := make([]byte, 100)
	for i := range big {
		big[i] = 'x'
	}
	r := CheckText(state, string(big), "diff", cfg)
	require.True(t, r.ShouldAbort)
	assert.Equal(t, ReasonTokenBudget, r.Reason)
}

func TestCheckRepeatedFailingCommandBlocksNotAborts(t *testing.T) {
	state := NewState()
	cfg := DefaultConfig()
	cfg.RepeatedFailingCommand = 3

	state.RecordFailingCommand("go test ./...")
	state.RecordFailingCommand("go test ./...")
	state.RecordFailingCommand("go test ./...")

	r := Check(state, cfg)
	require.True(t, r.ShouldBlock)
	assert.False(t, r.ShouldAbort)
	assert.Equal(t, ReasonRepeatedFailingCmd, r.Reason)
	assert.Contains(t, r.Diagnostics.RepeatedPatterns, "go test ./...")
}

func TestCheckOscillationDetectsABAB(t *testing.T) {
	state := NewState()
	cfg := DefaultConfig()

	state.RecordPlan("plan A")
	state.RecordPlan("plan B")
	state.RecordPlan("plan A")
	state.RecordPlan("plan B")

	r := Check(state, cfg)
	require.True(t, r.ShouldAbort)
	assert.Equal(t, ReasonOscillation, r.Reason)
	assert.True(t, r.Diagnostics.OscillationPattern)
}

func TestCheckOscillationIgnoresIdenticalRepeats(t *testing.T) {
	state := NewState()
	cfg := DefaultConfig()

	state.RecordPlan("plan A")
	state.RecordPlan("plan A")
	state.RecordPlan("plan A")
	state.RecordPlan("plan A")

	r := Check(state, cfg)
	assert.False(t, r.ShouldAbort)
}

func TestCheckFileThrashAborts(t *testing.T) {
	state := NewState()
	cfg := DefaultConfig()
	cfg.MaxEditsPerFile = 3

	for i := 0; i < 4; i++ {
		state.RecordFileEdit("internal/foo/foo.go")
	}
	r := Check(state, cfg)
	require.True(t, r.ShouldAbort)
	assert.Equal(t, ReasonFileThrash, r.Reason)
	assert.Contains(t, r.Diagnostics.RepeatedPatterns, "internal/foo/foo.go")
}

func TestCheckPriorityOrderOutputSimilarityBeforeStalled(t *testing.T) {
	state := NewState()
	cfg := DefaultConfig()
	cfg.MaxSimilarOutputs = 2
	cfg.MaxStallIterations = 1

	out := "identical repeated agent output text for the similarity check"
	CheckText(state, out, "", cfg)
	r := CheckText(state, out, "", cfg)

	require.True(t, r.ShouldAbort)
	assert.Equal(t, ReasonOutputSimilarity, r.Reason, "output_similarity must win over stalled when both trigger")
}

func TestCheckNoTriggersReturnsZeroResult(t *testing.T) {
	state := NewState()
	r := Check(state, DefaultConfig())
	assert.False(t, r.ShouldAbort)
	assert.False(t, r.ShouldBlock)
	assert.Equal(t, Reason(""), r.Reason)
}

func TestRecommendationsCoverEveryReason(t *testing.T) {
	reasons := []Reason{
		ReasonOutputSimilarity, ReasonStalled, ReasonTokenBudget,
		ReasonRepeatedFailingCmd, ReasonOscillation, ReasonFileThrash,
	}
	for _, reason := range reasons {
		recs := Recommendations(Result{Reason: reason})
		assert.NotEmpty(t, recs, "expected a recommendation for %s", reason)
	}
	assert.Empty(t, Recommendations(Result{}))
}

func TestDefaultConfigAppliedWhenZeroValue(t *testing.T) {
	state := NewState()
	r := CheckText(state, "output", "diff", Config{})
	assert.False(t, r.ShouldAbort)
}

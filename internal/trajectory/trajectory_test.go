package trajectory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeloop/internal/filelock"
)

const sampleYAML = `name: harden-auth
steps:
  - id: map
    title: Map auth surfaces
    description: Catalog all authentication entry points.
    scope: "src/auth/**"
  - id: tests
    title: Backfill tests
    description: Add tests for the mapped surfaces.
    depends_on: [map]
    scope: "src/auth/**"
  - id: refactor
    title: Refactor session handling
    description: Consolidate session token handling.
    depends_on: [map, tests]
`

func writeTrajectory(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harden-auth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadTrajectoryParsesSteps(t *testing.T) {
	tr, err := LoadTrajectory(writeTrajectory(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "harden-auth", tr.Name)
	require.Len(t, tr.Steps, 3)
	assert.Equal(t, []string{"map", "tests"}, tr.Steps[2].DependsOn)
}

func TestLoadTrajectoryRejectsUnknownDependency(t *testing.T) {
	_, err := LoadTrajectory(writeTrajectory(t, "steps:\n  - id: a\n    depends_on: [ghost]\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step")
}

func TestLoadTrajectoryRejectsDuplicateID(t *testing.T) {
	_, err := LoadTrajectory(writeTrajectory(t, "steps:\n  - id: a\n  - id: a\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step id")
}

func TestGetNextStepHonorsDependencies(t *testing.T) {
	tr, err := LoadTrajectory(writeTrajectory(t, sampleYAML))
	require.NoError(t, err)
	state := NewState(tr)
	now := time.Now()

	step := GetNextStep(tr, state)
	require.NotNil(t, step)
	assert.Equal(t, "map", step.ID)

	Complete(state, "map", now)
	step = GetNextStep(tr, state)
	require.NotNil(t, step)
	assert.Equal(t, "tests", step.ID)

	// refactor needs both map and tests.
	Complete(state, "tests", now)
	step = GetNextStep(tr, state)
	require.NotNil(t, step)
	assert.Equal(t, "refactor", step.ID)

	Complete(state, "refactor", now)
	assert.Nil(t, GetNextStep(tr, state))
}

func TestSkipAdvancesButBlocksDependents(t *testing.T) {
	tr, err := LoadTrajectory(writeTrajectory(t, sampleYAML))
	require.NoError(t, err)
	state := NewState(tr)
	now := time.Now()

	Skip(state, "map", now)
	// tests depends on map, which is skipped (not completed), so nothing is ready.
	assert.Nil(t, GetNextStep(tr, state))
}

func TestActivateCountsAttempts(t *testing.T) {
	tr, err := LoadTrajectory(writeTrajectory(t, sampleYAML))
	require.NoError(t, err)
	state := NewState(tr)
	now := time.Now()

	Activate(state, "map", now)
	Activate(state, "map", now.Add(time.Minute))
	assert.Equal(t, 2, state.Steps["map"].Attempts)
	assert.Equal(t, StepActive, state.Steps["map"].Status)

	// An active step is still returned by GetNextStep.
	step := GetNextStep(tr, state)
	require.NotNil(t, step)
	assert.Equal(t, "map", step.ID)
}

func TestResetClearsAllState(t *testing.T) {
	tr, err := LoadTrajectory(writeTrajectory(t, sampleYAML))
	require.NoError(t, err)
	state := NewState(tr)
	now := time.Now()
	Activate(state, "map", now)
	Complete(state, "map", now)

	Reset(state)
	for id, st := range state.Steps {
		assert.Equal(t, StepPending, st.Status, id)
		assert.Zero(t, st.Attempts, id)
	}
}

func TestCurrentFocusReflectsActiveStep(t *testing.T) {
	tr, err := LoadTrajectory(writeTrajectory(t, sampleYAML))
	require.NoError(t, err)
	state := NewState(tr)

	focus := CurrentFocus(tr, state)
	require.NotNil(t, focus)
	assert.Equal(t, "map", focus.StepID)
	assert.Equal(t, "src/auth/**", focus.Scope)
	assert.Contains(t, focus.Description, "authentication entry points")
}

func TestStateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().Truncate(time.Second).UTC()
	state := &State{
		TrajectoryName: "harden-auth",
		Steps: map[string]*StepState{
			"map":   {Status: StepCompleted, Attempts: 1, UpdatedAt: now},
			"tests": {Status: StepActive, Attempts: 2, UpdatedAt: now},
		},
	}
	require.NoError(t, SaveState(dir, state, filelock.DefaultConfig()))

	loaded := LoadState(dir)
	if diff := cmp.Diff(state, loaded); diff != "" {
		t.Fatalf("state round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadStateCorruptYieldsFresh(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFile), []byte("{broken"), 0o644))
	state := LoadState(dir)
	assert.Empty(t, state.Steps)
}

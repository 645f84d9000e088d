package sector

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeloop/internal/filelock"
)

func lockCfg() filelock.Config {
	return filelock.Config{StaleThreshold: 10 * time.Second, MaxRetries: 5, RetryBudget: 200 * time.Millisecond}
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestIndexPartitionsAndClassifies(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "src/api/handler.go", "package api\nimport \"fmt\"\n")
	writeFile(t, root, "src/api/handler_test.go", "package api\n")
	writeFile(t, root, "src/utils/strings.go", "package utils\n")

	idx, err := Index(root, 300)
	require.NoError(t, err)
	require.NotEmpty(t, idx.Modules)

	var apiModule *ModuleIndex
	for i := range idx.Modules {
		if idx.Modules[i].Path == "src/api" {
			apiModule = &idx.Modules[i]
		}
	}
	require.NotNil(t, apiModule)
	assert.Equal(t, "api", apiModule.Purpose)
	assert.True(t, apiModule.HasTests)
	assert.Equal(t, 2, apiModule.FileCount)
}

func TestIndexSkipsVendorDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "vendor/thing/pkg.go", "package pkg\n")
	writeFile(t, root, "src/app/main.go", "package main\n")

	idx, err := Index(root, 300)
	require.NoError(t, err)
	for _, m := range idx.Modules {
		assert.NotContains(t, m.Path, "vendor")
	}
}

func TestRefreshPreservesCounters(t *testing.T) {
	prev := &State{
		Version: CurrentVersion,
		Cycle:   2,
		Sectors: []Sector{
			{Path: "src/api", ScanCount: 3, ProposalYield: 1.5, SuccessCount: 2},
		},
	}
	index := &CodebaseIndex{Modules: []ModuleIndex{
		{Path: "src/api", Purpose: "api", FileCount: 5},
		{Path: "src/new", Purpose: "unknown", FileCount: 1},
	}}
	next := Refresh(prev, index)

	byPath := map[string]Sector{}
	for _, s := range next.Sectors {
		byPath[s.Path] = s
	}
	assert.Equal(t, 3, byPath["src/api"].ScanCount, "scan count must be preserved across refresh")
	assert.Equal(t, 2, byPath["src/api"].SuccessCount)
	assert.Equal(t, 5, byPath["src/api"].FileCount, "file count should reflect fresh scan")
	assert.Contains(t, byPath, "src/new")
}

func TestGetNextScopePrefersOldestThenYield(t *testing.T) {
	state := &State{
		Cycle: 1,
		Sectors: []Sector{
			{Path: "b", LastScannedCycle: 0, ProposalYield: 1},
			{Path: "a", LastScannedCycle: 0, ProposalYield: 5},
			{Path: "c", LastScannedCycle: 1, ProposalYield: 10}, // already scanned this cycle
		},
	}
	next := GetNextScope(state)
	require.NotNil(t, next)
	assert.Equal(t, "a", next.Path, "higher yield among not-yet-scanned sectors should win")
}

func TestFreshStateSectorsAreEligible(t *testing.T) {
	// A fresh project has never-scanned sectors with zero-value
	// LastScannedCycle; the state must start at Cycle 1 so the first
	// GetNextScope returns one of them instead of nil.
	index := &CodebaseIndex{Modules: []ModuleIndex{
		{Path: "src", Purpose: "services", FileCount: 4},
	}}
	state := Refresh(nil, index)
	assert.Equal(t, 1, state.Cycle)
	next := GetNextScope(state)
	require.NotNil(t, next)
	assert.Equal(t, "src", next.Path)
}

func TestLoadMissingStartsAtCycleOne(t *testing.T) {
	state, ok := Load(t.TempDir())
	assert.False(t, ok)
	assert.Equal(t, 1, state.Cycle)
}

func TestGetNextScopeNilWhenAllScanned(t *testing.T) {
	state := &State{
		Cycle: 2,
		Sectors: []Sector{
			{Path: "a", LastScannedCycle: 2},
			{Path: "b", LastScannedCycle: 2},
		},
	}
	assert.Nil(t, GetNextScope(state))
}

func TestClassifyDifficulty(t *testing.T) {
	assert.Equal(t, DifficultyModerate, ClassifyDifficulty(Sector{}))
	assert.Equal(t, DifficultyEasy, ClassifyDifficulty(Sector{SuccessCount: 9, FailureCount: 1}))
	assert.Equal(t, DifficultyHard, ClassifyDifficulty(Sector{SuccessCount: 1, FailureCount: 9}))
}

func TestRecordOutcomeAffinity(t *testing.T) {
	state := &State{Sectors: []Sector{{Path: "src/api"}}}
	RecordOutcome(state, "src/api", "refactor", true)
	assert.Contains(t, state.Sectors[0].Affinity.Boost, "refactor")

	RecordOutcome(state, "src/api", "refactor", false)
	assert.NotContains(t, state.Sectors[0].Affinity.Boost, "refactor")
	assert.Contains(t, state.Sectors[0].Affinity.Suppress, "refactor")
}

func TestSaveLoadRoundTripPreservesCounters(t *testing.T) {
	dir := t.TempDir()
	state := &State{
		Version: CurrentVersion,
		Cycle:   4,
		Sectors: []Sector{{Path: "src/api", ScanCount: 2, ProposalYield: 3.5, SuccessCount: 1, FailureCount: 1}},
	}
	require.NoError(t, Save(dir, state, lockCfg()))

	loaded, ok := Load(dir)
	require.True(t, ok)
	require.Len(t, loaded.Sectors, 1)
	assert.Equal(t, 4, loaded.Cycle)
	assert.Equal(t, 2, loaded.Sectors[0].ScanCount)
	assert.Equal(t, 3.5, loaded.Sectors[0].ProposalYield)
}

func TestLoadVersionMismatchRebuilds(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sectors.json"), []byte(`{"version":99,"sectors":[]}`), 0o644))

	state, ok := Load(dir)
	assert.False(t, ok)
	assert.Equal(t, CurrentVersion, state.Version)
}

func TestLoadCorruptRebuilds(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sectors.json"), []byte("not json"), 0o644))
	state, ok := Load(dir)
	assert.False(t, ok)
	assert.Equal(t, CurrentVersion, state.Version)
}

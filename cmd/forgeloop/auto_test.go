package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"forgeloop/internal/config"
	"forgeloop/internal/ferr"
)

func TestExtractCIScope(t *testing.T) {
	log := `
FAIL src/utils/format.test.ts
  ● formats dates
    at src/utils/format.ts:42:7
npm ERR! Test failed.
`
	files := extractCIScope(log)
	assert.Contains(t, files, "src/utils/format.test.ts")
	assert.Contains(t, files, "src/utils/format.ts")
	// Bare words without a directory component are not file scopes.
	for _, f := range files {
		assert.Contains(t, f, "/")
	}
}

func TestExtractCIScopeDeduplicates(t *testing.T) {
	files := extractCIScope("src/a.ts failed\nsrc/a.ts failed again\n")
	assert.Equal(t, []string{"src/a.ts"}, files)
}

func TestScopeGlobsForWidensToDirectories(t *testing.T) {
	globs := scopeGlobsFor([]string{"src/utils/a.ts", "src/utils/b.ts", "lib/c.ts"})
	assert.Equal(t, []string{"src/utils/**", "lib/**"}, globs)
}

func TestApplyFlagsBackendSelection(t *testing.T) {
	cfg := config.DefaultConfig()
	applyFlags(cfg, autoFlags{backend: "hybrid", draft: true})
	assert.Equal(t, "claude", cfg.Backend.Scout)
	assert.Equal(t, "codex", cfg.Backend.Execute)

	applyFlags(cfg, autoFlags{backend: "codex", draft: true})
	assert.Equal(t, "codex", cfg.Backend.Scout)
	assert.Equal(t, "codex", cfg.Backend.Execute)
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, 2, exitCodeFor(ferr.New(ferr.ConfigInvalid, "bad flag")))
	assert.Equal(t, 2, exitCodeFor(ferr.New(ferr.PreflightFailed, "no gh")))
	assert.Equal(t, 1, exitCodeFor(ferr.New(ferr.QAFailed, "tests failed")))
	assert.Equal(t, 1, exitCodeFor(assert.AnError))
}

func TestSessionMode(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, "planning", sessionMode(cfg))
	cfg.Phase.ParallelWidth = 4
	assert.Equal(t, "milestone", sessionMode(cfg))
	cfg.Phase.ContinuousMode = true
	assert.Equal(t, "continuous", sessionMode(cfg))
}

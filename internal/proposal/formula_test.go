package proposal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFormulaParsesFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deep.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: deep
scope: "src/**"
allow_categories: [refactor, fix]
block_categories: [docs]
min_confidence: 70
min_impact_score: 5
max_proposals: 4
hint: focus on error handling
`), 0o644))

	f, err := LoadFormula(path)
	require.NoError(t, err)
	assert.Equal(t, "deep", f.Name)
	assert.Equal(t, "src/**", f.Scope)
	assert.Equal(t, []string{"refactor", "fix"}, f.AllowCategories)
	assert.Equal(t, []string{"docs"}, f.BlockCategories)
	assert.Equal(t, 70.0, f.MinConfidence)
	assert.Equal(t, 5, f.MinImpactScore)
	assert.Equal(t, 4, f.MaxProposals)
	assert.Equal(t, "focus on error handling", f.Hint)
}

func TestLoadFormulaDefaultsNameFromFilename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quick-wins.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scope: \"**\"\n"), 0o644))

	f, err := LoadFormula(path)
	require.NoError(t, err)
	assert.Equal(t, "quick-wins", f.Name)
}

func TestLoadFormulasMissingDirIsEmpty(t *testing.T) {
	formulas, err := LoadFormulas(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	assert.Empty(t, formulas)
}

func TestLoadFormulasSkipsNonYAML(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("name: a\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte("# notes\n"), 0o644))

	formulas, err := LoadFormulas(dir)
	require.NoError(t, err)
	assert.Len(t, formulas, 1)
	assert.Contains(t, formulas, "a")
}

func TestParseScoutResponseValidAndSkipped(t *testing.T) {
	raw := `{"proposals": [
		{"category": "refactor", "title": "Remove unused import in utils.ts", "description": "d",
		 "files": ["src/utils.ts"], "confidence": 85, "impact_score": 7,
		 "verification_commands": ["npm test"], "estimated_complexity": "simple"},
		{"category": "bogus", "title": "Bad category", "files": ["a"], "confidence": 50, "impact_score": 5},
		{"category": "fix", "title": "", "files": ["a"], "confidence": 50, "impact_score": 5},
		{"category": "fix", "title": "No files", "files": [], "confidence": 50, "impact_score": 5},
		{"category": "fix", "title": "Impact out of range", "files": ["a"], "confidence": 50, "impact_score": 11}
	]}`
	proposals, skipped, err := ParseScoutResponse(raw)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, "Remove unused import in utils.ts", proposals[0].Title)
	assert.Equal(t, "refactor", proposals[0].Category)
	assert.Equal(t, []string{"npm test"}, proposals[0].VerificationCommands)
	assert.Equal(t, "simple", proposals[0].Complexity)
	assert.Len(t, skipped, 4)
}

func TestParseScoutResponseInvalidJSON(t *testing.T) {
	_, _, err := ParseScoutResponse("I could not find any issues")
	assert.Error(t, err)
}

package dedup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeTitleIdempotent(t *testing.T) {
	cases := []string{
		"Remove Unused Import in utils.ts",
		"  multiple   spaces  ",
		"Hyphen-ated/Title!!",
	}
	for _, c := range cases {
		once := normalizeTitle(c)
		twice := normalizeTitle(once)
		assert.Equal(t, once, twice, "normalizeTitle should be idempotent for %q", c)
	}
}

func TestIsDuplicateExactAfterNormalization(t *testing.T) {
	assert.True(t, IsDuplicate("Remove unused import in utils.ts", []string{"remove unused import in utils ts"}, 0.6))
}

func TestIsDuplicateSimilarity(t *testing.T) {
	existing := []string{"Remove unused import in utils.ts"}
	assert.True(t, IsDuplicate("Remove unused imports in utils.ts", existing, 0.6))
	assert.False(t, IsDuplicate("Rewrite the authentication middleware", existing, 0.6))
}

func TestApplyDecayBasic(t *testing.T) {
	now := time.Now()
	entries := []Entry{
		{Title: "a", Weight: 10, LastSeenAt: now.Add(-240 * time.Hour)},
		{Title: "b", Weight: 100, LastSeenAt: now, Completed: true},
		{Title: "c", Weight: 3, LastSeenAt: now.Add(-240 * time.Hour)},
	}
	out := ApplyDecay(entries, 5, now, 72*time.Hour)

	require.Len(t, out, 2) // "c" (weight 3, decay 5) drops to <= 0 and is removed
	byTitle := map[string]Entry{}
	for _, e := range out {
		byTitle[e.Title] = e
	}
	assert.InDelta(t, 5, byTitle["a"].Weight, 0.001)     // full decay rate, not recent
	assert.InDelta(t, 98.75, byTitle["b"].Weight, 0.001) // recent halves, completed halves again: 5/4
}

func TestApplyDecayIdempotentModuloTime(t *testing.T) {
	now := time.Now()
	entries := []Entry{{Title: "a", Weight: 50, LastSeenAt: now.Add(-1 * time.Hour)}}
	once := ApplyDecay(entries, 5, now, 72*time.Hour)
	twice := ApplyDecay(once, 5, now, 72*time.Hour)
	assert.Equal(t, once, twice)
}

func TestRecordEntryBumpsExisting(t *testing.T) {
	now := time.Now()
	entries := RecordEntry(nil, "Remove unused import", false, now)
	require.Len(t, entries, 1)
	assert.Equal(t, 60.0, entries[0].Weight)
	assert.Equal(t, 1, entries[0].HitCount)

	entries = RecordEntry(entries, "Remove unused import", true, now.Add(time.Minute))
	require.Len(t, entries, 1)
	assert.Equal(t, 75.0, entries[0].Weight)
	assert.Equal(t, 2, entries[0].HitCount)
	assert.True(t, entries[0].Completed)
}

func TestRecordEntryCapsAt100(t *testing.T) {
	now := time.Now()
	entries := []Entry{{Title: normalizeTitle("x"), Weight: 95}}
	entries = RecordEntry(entries, "x", true, now)
	assert.Equal(t, 100.0, entries[0].Weight)
}

func TestGetEnabledProposalsWindow(t *testing.T) {
	now := time.Now()
	entries := []Entry{
		{
			Title:         "a",
			Completed:     true,
			LastSeenAt:    now.Add(-1 * time.Hour),
			RelatedTitles: []string{"Follow-up A", "Follow-up B"},
		},
		{Title: normalizeTitle("Follow-up B"), Completed: true, LastSeenAt: now},
		{
			Title:         "old",
			Completed:     true,
			LastSeenAt:    now.Add(-72 * time.Hour),
			RelatedTitles: []string{"Stale Follow-up"},
		},
	}
	got := GetEnabledProposals(entries, now, 48*time.Hour)
	assert.Equal(t, []string{"Follow-up A"}, got)
}

func TestFormatForPromptRespectsBudget(t *testing.T) {
	entries := []Entry{
		{Title: "aaaa", Weight: 90},
		{Title: "bbbb", Weight: 80},
		{Title: "cccc", Weight: 10},
	}
	out := FormatForPrompt(entries, 40)
	assert.Contains(t, out, "aaaa")
	assert.NotContains(t, out, "cccc")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	mem := &Memory{Entries: []Entry{
		{Title: "a", Weight: 50, CreatedAt: time.Now().Truncate(time.Second), LastSeenAt: time.Now().Truncate(time.Second), HitCount: 2},
	}}
	require.NoError(t, Save(dir, mem, defaultTestLockConfig()))

	loaded := Load(dir)
	require.Len(t, loaded.Entries, 1)
	assert.Equal(t, mem.Entries[0].Title, loaded.Entries[0].Title)
	assert.Equal(t, mem.Entries[0].Weight, loaded.Entries[0].Weight)
	assert.Equal(t, mem.Entries[0].HitCount, loaded.Entries[0].HitCount)
}

func TestLoadMissingFileYieldsEmpty(t *testing.T) {
	dir := t.TempDir()
	mem := Load(dir)
	assert.Empty(t, mem.Entries)
}

func TestLoadCorruptFileYieldsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeRaw(dir, "not json"))
	mem := Load(dir)
	assert.Empty(t, mem.Entries)
}

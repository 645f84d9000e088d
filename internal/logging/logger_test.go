package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir string, cfg loggingConfig) {
	t.Helper()
	cf := configFile{Logging: cfg}
	data, err := json.Marshal(cf)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644))
}

func TestInitializeNoConfigIsSilentNoOp(t *testing.T) {
	t.Cleanup(Reset)
	dir := t.TempDir()

	require.NoError(t, Initialize(dir))
	assert.False(t, IsDebugMode())

	_, err := os.Stat(filepath.Join(dir, "logs"))
	assert.True(t, os.IsNotExist(err), "logs dir should not be created when debug_mode is absent")
}

func TestInitializeDebugModeCreatesLogsDir(t *testing.T) {
	t.Cleanup(Reset)
	dir := t.TempDir()
	writeConfig(t, dir, loggingConfig{DebugMode: true, Level: "debug"})

	require.NoError(t, Initialize(dir))
	assert.True(t, IsDebugMode())

	info, err := os.Stat(filepath.Join(dir, "logs"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestCategoryDisabledIsNoOp(t *testing.T) {
	t.Cleanup(Reset)
	dir := t.TempDir()
	writeConfig(t, dir, loggingConfig{
		DebugMode:  true,
		Level:      "debug",
		Categories: map[string]bool{string(CategoryQA): false},
	})
	require.NoError(t, Initialize(dir))

	assert.False(t, IsCategoryEnabled(CategoryQA))
	assert.True(t, IsCategoryEnabled(CategoryTicket), "unlisted categories default to enabled")

	// Must not panic and must not create a file for the disabled category.
	QA("should not be written")
	_, err := os.Stat(filepath.Join(dir, "logs"))
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), "_qa.log")
	}
}

func TestGetWritesToPerCategoryFile(t *testing.T) {
	t.Cleanup(Reset)
	dir := t.TempDir()
	writeConfig(t, dir, loggingConfig{DebugMode: true, Level: "debug"})
	require.NoError(t, Initialize(dir))

	Ticket("ticket %s leased", "t-1")
	TicketDebug("debug detail")
	CloseAll()

	entries, err := os.ReadDir(filepath.Join(dir, "logs"))
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".log" {
			found = true
		}
	}
	assert.True(t, found, "expected at least one log file")
}

func TestLevelFiltering(t *testing.T) {
	t.Cleanup(Reset)
	dir := t.TempDir()
	writeConfig(t, dir, loggingConfig{DebugMode: true, Level: "warn"})
	require.NoError(t, Initialize(dir))

	l := Get(CategoryScout)
	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept")
	l.Error("kept")
	CloseAll()
}

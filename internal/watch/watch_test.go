package watch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-ch:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for change notification for %s", want)
		}
	}
}

func TestWatcherNotifiesOnConfigWrite(t *testing.T) {
	dir := t.TempDir()
	changes := make(chan string, 16)
	w, err := New(dir, func(path string) { changes <- path })
	require.NoError(t, err)
	defer w.Close()

	cfgPath := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`{"name":"forgeloop"}`), 0o644))
	waitFor(t, changes, cfgPath)
}

func TestWatcherNotifiesOnFormulaCreate(t *testing.T) {
	dir := t.TempDir()
	changes := make(chan string, 16)
	w, err := New(dir, func(path string) { changes <- path })
	require.NoError(t, err)
	defer w.Close()

	formulaPath := filepath.Join(dir, "formulas", "deep.yaml")
	require.NoError(t, os.WriteFile(formulaPath, []byte("name: deep\n"), 0o644))
	waitFor(t, changes, formulaPath)
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	changes := make(chan string, 16)
	w, err := New(dir, func(path string) { changes <- path })
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("x"), 0o644))
	select {
	case got := <-changes:
		t.Fatalf("unexpected notification for %s", got)
	case <-time.After(600 * time.Millisecond):
	}
}

func TestInteresting(t *testing.T) {
	assert.True(t, interesting("/state/config.json"))
	assert.True(t, interesting("/state/formulas/deep.yaml"))
	assert.True(t, interesting("/state/trajectories/auth.yml"))
	assert.False(t, interesting("/state/formulas/readme.md"))
	assert.False(t, interesting("/state/dedup-memory.json"))
}

func TestCloseCancelsPendingTimers(t *testing.T) {
	dir := t.TempDir()
	w, err := New(dir, func(string) {})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{}"), 0o644))
	// Close immediately, racing the debounce timer: no callback may fire
	// after Close returns and no goroutine may leak.
	require.NoError(t, w.Close())
}

package eventlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forgeloop/internal/persistence"
)

func TestOpenCreatesArtifactsDir(t *testing.T) {
	stateDir := t.TempDir()
	log, err := Open(stateDir, "run-1")
	require.NoError(t, err)

	info, err := os.Stat(log.ArtifactDir())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestAppendAssignsIncrementingSteps(t *testing.T) {
	stateDir := t.TempDir()
	log, err := Open(stateDir, "run-1")
	require.NoError(t, err)

	e1, err := log.Append(persistence.Event{Type: "ADVANCE_CALLED"})
	require.NoError(t, err)
	e2, err := log.Append(persistence.Event{Type: "ADVANCE_RETURNED"})
	require.NoError(t, err)

	assert.Equal(t, int64(0), e1.Step)
	assert.Equal(t, int64(1), e2.Step)
	assert.False(t, e2.Time.IsZero())
}

func TestAppendPersistsAcrossReopen(t *testing.T) {
	stateDir := t.TempDir()
	log, err := Open(stateDir, "run-1")
	require.NoError(t, err)
	_, err = log.Append(persistence.Event{Type: "A"})
	require.NoError(t, err)
	_, err = log.Append(persistence.Event{Type: "B"})
	require.NoError(t, err)

	reopened, err := Open(stateDir, "run-1")
	require.NoError(t, err)
	e, err := reopened.Append(persistence.Event{Type: "C"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Step, "step counter should continue from persisted events")
}

func TestReadEventsIgnoresTrailingPartialLine(t *testing.T) {
	stateDir := t.TempDir()
	log, err := Open(stateDir, "run-1")
	require.NoError(t, err)
	_, err = log.Append(persistence.Event{Type: "A"})
	require.NoError(t, err)

	f, err := os.OpenFile(filepath.Join(Dir(stateDir, "run-1"), "events.ndjson"), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"B","step":1,"time":"2024"`) // malformed, no closing brace/newline
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, err := ReadEvents(filepath.Join(Dir(stateDir, "run-1"), "events.ndjson"))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "A", events[0].Type)
}

func TestSaveAndLoadStateRoundTrip(t *testing.T) {
	stateDir := t.TempDir()
	log, err := Open(stateDir, "run-1")
	require.NoError(t, err)

	type snapshot struct {
		Phase string `json:"phase"`
		Step  int    `json:"step"`
	}
	require.NoError(t, log.SaveState(snapshot{Phase: "SCOUT", Step: 3}))

	var loaded snapshot
	ok, err := log.LoadState(&loaded)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "SCOUT", loaded.Phase)
	assert.Equal(t, 3, loaded.Step)
}

func TestLoadStateMissingReturnsFalse(t *testing.T) {
	stateDir := t.TempDir()
	log, err := Open(stateDir, "run-1")
	require.NoError(t, err)

	var loaded struct{ Phase string }
	ok, err := log.LoadState(&loaded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLoadStateCorruptReturnsFalse(t *testing.T) {
	stateDir := t.TempDir()
	log, err := Open(stateDir, "run-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(log.dir, "state.json"), []byte("not json"), 0o644))

	var loaded struct{ Phase string }
	ok, err := log.LoadState(&loaded)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReplayRebuildsStateFromEvents(t *testing.T) {
	stateDir := t.TempDir()
	log, err := Open(stateDir, "run-1")
	require.NoError(t, err)
	_, err = log.Append(persistence.Event{Type: "TICKET_DONE", Payload: map[string]any{"count": 1.0}})
	require.NoError(t, err)
	_, err = log.Append(persistence.Event{Type: "TICKET_DONE", Payload: map[string]any{"count": 1.0}})
	require.NoError(t, err)

	type counter struct{ Done int }
	result, err := Replay(Dir(stateDir, "run-1"), counter{}, func(c counter, e persistence.Event) counter {
		if e.Type == "TICKET_DONE" {
			c.Done++
		}
		return c
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Done)
}

func TestRotateIfNeededRenamesOversizedLog(t *testing.T) {
	stateDir := t.TempDir()
	log, err := Open(stateDir, "run-1")
	require.NoError(t, err)

	big := make([]byte, maxEventLogBytes+1)
	for i := range big {
		big[i] = 'x'
	}
	require.NoError(t, os.WriteFile(log.eventsPath, big, 0o644))

	require.NoError(t, log.rotateIfNeeded())

	_, err = os.Stat(log.eventsPath)
	assert.True(t, os.IsNotExist(err), "original log should have been renamed away")
	_, err = os.Stat(log.eventsPath + ".1")
	assert.NoError(t, err)
}

// Package eventlog implements spec.md §4.12: the per-session append-only
// event journal and SessionState snapshot that let the phase machine
// resume exactly where it left off after a crash.
//
// Grounded on the teacher's internal/perception NDJSON readers (one JSON
// object per line, streamed incrementally) generalized from parsing a
// model's streaming response to spec.md §4.12's append-only session
// journal, and on internal/persistence's atomic write-to-temp-then-rename
// discipline for the state.json snapshot.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"forgeloop/internal/logging"
	"forgeloop/internal/persistence"
)

// maxEventLogBytes is the rotation threshold: a log file above this size is
// renamed with a .1 suffix, keeping one prior generation (spec.md §4.12).
const maxEventLogBytes = 10 * 1024 * 1024

// Dir returns the per-session directory layout's root for runID under
// stateDir (spec.md §4.12's "<state_dir>/runs/<run_id>/").
func Dir(stateDir, runID string) string {
	return filepath.Join(stateDir, "runs", runID)
}

// Log appends events to <runDir>/events.ndjson and maintains
// <runDir>/state.json. It is not safe for concurrent use by multiple
// goroutines without external synchronization, matching the phase
// machine's single-writer-per-session model (spec.md §5).
type Log struct {
	dir      string
	eventsPath string
	statePath  string
	nextStep   int64
}

// Open prepares the session directory (and its artifacts/ subdirectory)
// and returns a Log positioned to append after whatever events already
// exist there.
func Open(stateDir, runID string) (*Log, error) {
	dir := Dir(stateDir, runID)
	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	l := &Log{
		dir:        dir,
		eventsPath: filepath.Join(dir, "events.ndjson"),
		statePath:  filepath.Join(dir, "state.json"),
	}
	existing, err := ReadEvents(l.eventsPath)
	if err == nil && len(existing) > 0 {
		l.nextStep = existing[len(existing)-1].Step + 1
	}
	return l, nil
}

// ArtifactDir is where the ticket/QA/spindle artifacts for this session
// live.
func (l *Log) ArtifactDir() string { return filepath.Join(l.dir, "artifacts") }

// RunDir is the session directory itself, the runDir Replay expects.
func (l *Log) RunDir() string { return l.dir }

// Append writes one event (assigning its Step and Time if unset) to
// events.ndjson before returning, per spec.md §4.12's "events are flushed
// to disk before the transition they describe is considered committed."
func (l *Log) Append(evt persistence.Event) (persistence.Event, error) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}
	evt.Step = l.nextStep
	l.nextStep++

	if err := l.rotateIfNeeded(); err != nil {
		return evt, err
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return evt, fmt.Errorf("marshal event: %w", err)
	}

	f, err := os.OpenFile(l.eventsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return evt, fmt.Errorf("open events log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return evt, fmt.Errorf("append event: %w", err)
	}
	if err := f.Sync(); err != nil {
		return evt, fmt.Errorf("sync events log: %w", err)
	}

	logging.Get(logging.CategoryEventLog).Debug("appended event step=%d type=%s", evt.Step, evt.Type)
	return evt, nil
}

// rotateIfNeeded renames events.ndjson to events.ndjson.1 (overwriting any
// prior .1 generation) once it exceeds maxEventLogBytes, per spec.md
// §4.12's "one generation kept" rotation policy.
func (l *Log) rotateIfNeeded() error {
	info, err := os.Stat(l.eventsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat events log: %w", err)
	}
	if info.Size() < maxEventLogBytes {
		return nil
	}
	rotated := l.eventsPath + ".1"
	if err := os.Rename(l.eventsPath, rotated); err != nil {
		return fmt.Errorf("rotate events log: %w", err)
	}
	logging.Get(logging.CategoryEventLog).Info("rotated events log to %s", rotated)
	return nil
}

// ReadEvents loads every event from an events.ndjson file in order,
// tolerating a trailing partial line from a crash mid-write (spec.md §4.12
// replay-to-fixed-point).
func ReadEvents(path string) ([]persistence.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []persistence.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt persistence.Event
		if err := json.Unmarshal(line, &evt); err != nil {
			// A partial trailing write from a crash is expected; stop
			// reading rather than failing the whole replay.
			break
		}
		events = append(events, evt)
	}
	return events, nil
}

// SaveState atomically writes state (any JSON-serializable SessionState
// snapshot) to <runDir>/state.json (spec.md §4.12).
func (l *Log) SaveState(state any) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	tmp := l.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp session state: %w", err)
	}
	if err := os.Rename(tmp, l.statePath); err != nil {
		return fmt.Errorf("rename session state: %w", err)
	}
	return nil
}

// LoadState unmarshals state.json into out. It returns (false, nil) if the
// file is absent or corrupt, signaling the caller should rebuild via
// Replay instead of erroring (spec.md §4.12).
func (l *Log) LoadState(out any) (bool, error) {
	data, err := os.ReadFile(l.statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		logging.Get(logging.CategoryEventLog).Warn("corrupt state.json, will replay events: %v", err)
		return false, nil
	}
	return true, nil
}

// Replay folds every recorded event (including the rotated .1 generation,
// oldest first, if present) through apply starting from zero, reproducing
// the SessionState a crashed process would have held (spec.md §4.12's
// "rebuilt by replaying events to fixed-point").
func Replay[T any](runDir string, zero T, apply func(T, persistence.Event) T) (T, error) {
	state := zero
	rotated := filepath.Join(runDir, "events.ndjson.1")
	if events, err := ReadEvents(rotated); err == nil {
		for _, e := range events {
			state = apply(state, e)
		}
	}
	events, err := ReadEvents(filepath.Join(runDir, "events.ndjson"))
	if err != nil {
		return state, err
	}
	for _, e := range events {
		state = apply(state, e)
	}
	return state, nil
}

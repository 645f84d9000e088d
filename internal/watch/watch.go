// Package watch hot-reloads the engine's user-editable files — config.json,
// formulas/*.yaml, trajectories/*.yaml — while a session runs. Grounded on
// the teacher's internal/core mangle_watcher.go: one fsnotify watcher over
// the state directory's editable inputs, write/create events debounced and
// fanned out to a reload callback.
package watch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"forgeloop/internal/logging"
)

// debounceWindow collapses editor save bursts (write + chmod + rename)
// into one reload.
const debounceWindow = 250 * time.Millisecond

// Watcher observes the state directory's editable inputs and invokes
// onChange with the changed path after each debounced burst.
type Watcher struct {
	fs       *fsnotify.Watcher
	onChange func(path string)

	mu      sync.Mutex
	pending map[string]*time.Timer
	done    chan struct{}
	wg      sync.WaitGroup
}

// New starts watching stateDir's config.json plus its formulas/ and
// trajectories/ subdirectories (created if absent so the watch can attach).
// Callers must Close the returned Watcher.
func New(stateDir string, onChange func(path string)) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		fs:       fs,
		onChange: onChange,
		pending:  make(map[string]*time.Timer),
		done:     make(chan struct{}),
	}

	if err := fs.Add(stateDir); err != nil {
		fs.Close()
		return nil, err
	}
	for _, sub := range []string{"formulas", "trajectories"} {
		dir := filepath.Join(stateDir, sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			fs.Close()
			return nil, err
		}
		if err := fs.Add(dir); err != nil {
			fs.Close()
			return nil, err
		}
	}

	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !interesting(event.Name) {
				continue
			}
			w.schedule(event.Name)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.CLI("watch error: %v", err)
		}
	}
}

// interesting filters to the files the engine actually reloads.
func interesting(path string) bool {
	base := filepath.Base(path)
	if base == "config.json" {
		return true
	}
	dir := filepath.Base(filepath.Dir(path))
	if dir != "formulas" && dir != "trajectories" {
		return false
	}
	return strings.HasSuffix(base, ".yaml") || strings.HasSuffix(base, ".yml")
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case <-w.done:
			return
		default:
		}
		logging.CLI("reloading %s", path)
		w.onChange(path)
	})
}

// Close stops the watcher and waits for the event loop to drain. Pending
// debounce timers are canceled.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.fs.Close()
	w.wg.Wait()
	w.mu.Lock()
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	return err
}

// Package trajectory implements spec.md §4.15: an optional, user-authored
// DAG of scout goals loaded from YAML. When a trajectory is active, the
// scout's scope narrows to the active step's scope and the step's
// description becomes the cycle's strategic focus.
//
// The YAML shape follows the teacher's own use of gopkg.in/yaml.v3 for
// user-editable recipe files; step state is persisted as JSON under the
// state directory with the same atomic-write + advisory-lock discipline as
// the dedup/learnings/sector stores.
package trajectory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"forgeloop/internal/filelock"
	"forgeloop/internal/logging"
)

// StepStatus is the closed per-step status enum (spec.md §4.15).
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepActive    StepStatus = "active"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step is one node of the trajectory DAG as authored in YAML.
type Step struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	DependsOn   []string `yaml:"depends_on"`
	Scope       string   `yaml:"scope"`
}

// Trajectory is a named, ordered DAG of steps.
type Trajectory struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// StepState tracks runtime progress for one step.
type StepState struct {
	Status   StepStatus `json:"status"`
	Attempts int        `json:"attempts"`
	UpdatedAt time.Time `json:"updated_at"`
}

// State is the persisted runtime state keyed by step id
// (trajectory-state.json).
type State struct {
	TrajectoryName string                `json:"trajectory_name"`
	Steps          map[string]*StepState `json:"steps"`
}

const stateFile = "trajectory-state.json"

// LoadTrajectory parses one trajectory YAML file. Steps are validated for
// unique ids and for depends_on references that actually exist.
func LoadTrajectory(path string) (*Trajectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trajectory: %w", err)
	}
	var tr Trajectory
	if err := yaml.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("parse trajectory %s: %w", path, err)
	}
	seen := make(map[string]bool, len(tr.Steps))
	for _, s := range tr.Steps {
		if s.ID == "" {
			return nil, fmt.Errorf("trajectory %s: step with empty id", path)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("trajectory %s: duplicate step id %q", path, s.ID)
		}
		seen[s.ID] = true
	}
	for _, s := range tr.Steps {
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return nil, fmt.Errorf("trajectory %s: step %q depends on unknown step %q", path, s.ID, dep)
			}
		}
	}
	if tr.Name == "" {
		tr.Name = filepath.Base(path)
	}
	return &tr, nil
}

// NewState initializes runtime state for a trajectory with every step
// pending.
func NewState(tr *Trajectory) *State {
	s := &State{TrajectoryName: tr.Name, Steps: make(map[string]*StepState, len(tr.Steps))}
	for _, step := range tr.Steps {
		s.Steps[step.ID] = &StepState{Status: StepPending}
	}
	return s
}

func (s *State) stepState(id string) *StepState {
	if s.Steps == nil {
		s.Steps = make(map[string]*StepState)
	}
	st, ok := s.Steps[id]
	if !ok {
		st = &StepState{Status: StepPending}
		s.Steps[id] = st
	}
	return st
}

// GetNextStep returns the first step (in authored order) whose dependencies
// are all completed and whose status is pending or active, or nil when the
// trajectory is exhausted (spec.md §4.15).
func GetNextStep(tr *Trajectory, state *State) *Step {
	for i := range tr.Steps {
		step := &tr.Steps[i]
		st := state.stepState(step.ID)
		if st.Status != StepPending && st.Status != StepActive {
			continue
		}
		ready := true
		for _, dep := range step.DependsOn {
			if state.stepState(dep).Status != StepCompleted {
				ready = false
				break
			}
		}
		if ready {
			return step
		}
	}
	return nil
}

// Activate marks a step active and bumps its attempt counter.
func Activate(state *State, id string, now time.Time) {
	st := state.stepState(id)
	st.Status = StepActive
	st.Attempts++
	st.UpdatedAt = now
}

// Complete marks a step completed.
func Complete(state *State, id string, now time.Time) {
	st := state.stepState(id)
	st.Status = StepCompleted
	st.UpdatedAt = now
}

// Fail marks a step failed. A failed step no longer blocks GetNextStep for
// siblings, but steps depending on it will never become ready.
func Fail(state *State, id string, now time.Time) {
	st := state.stepState(id)
	st.Status = StepFailed
	st.UpdatedAt = now
}

// Skip marks a step skipped and lets GetNextStep advance past it (spec.md
// §4.15: "skipping a step marks it skipped and advances"). Dependents treat
// a skipped dependency as unmet.
func Skip(state *State, id string, now time.Time) {
	st := state.stepState(id)
	st.Status = StepSkipped
	st.UpdatedAt = now
}

// Reset clears all step state back to pending (spec.md §4.15).
func Reset(state *State) {
	for _, st := range state.Steps {
		st.Status = StepPending
		st.Attempts = 0
		st.UpdatedAt = time.Time{}
	}
}

// Focus is what an active trajectory injects into a scout cycle: the
// narrowed scope and the strategic-focus text for the prompt.
type Focus struct {
	StepID      string
	Scope       string
	Description string
}

// CurrentFocus resolves the active step into a scout Focus, or nil when no
// step is ready.
func CurrentFocus(tr *Trajectory, state *State) *Focus {
	step := GetNextStep(tr, state)
	if step == nil {
		return nil
	}
	return &Focus{StepID: step.ID, Scope: step.Scope, Description: step.Description}
}

// LoadState reads trajectory-state.json from stateDir. A missing or
// corrupt file yields a fresh empty state, matching the corruption
// tolerance of the other JSON stores.
func LoadState(stateDir string) *State {
	path := filepath.Join(stateDir, stateFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return &State{Steps: make(map[string]*StepState)}
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		logging.Trajectory("corrupt %s, starting fresh: %v", stateFile, err)
		return &State{Steps: make(map[string]*StepState)}
	}
	if s.Steps == nil {
		s.Steps = make(map[string]*StepState)
	}
	return &s
}

// SaveState atomically writes trajectory-state.json under the advisory
// lock (spec.md §4.14's shared-JSON discipline).
func SaveState(stateDir string, s *State, lockCfg filelock.Config) error {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(stateDir, stateFile)
	return filelock.WithLock(path, lockCfg, func() error {
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal trajectory state: %w", err)
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return fmt.Errorf("write temp trajectory state: %w", err)
		}
		return os.Rename(tmp, path)
	})
}

// Package qa implements spec.md §4.13: the verification service that runs
// a ticket's commands through the exec runner, retrying whole attempts on
// failure and recording one run_steps row per command.
//
// Grounded on the teacher's internal/tdd_loop (its red-green test-command
// retry loop) generalized from a fixed red/green pair to spec.md §4.13's
// arbitrary ordered command list and allowlist-gated validation, which
// tdd_loop does not need since it always runs the project's own configured
// test command.
package qa

import (
	"context"
	"regexp"
	"strings"
	"time"

	"forgeloop/internal/execrunner"
	"forgeloop/internal/persistence"
)

// allowedPrefixes enumerates the safe command prefixes spec.md §4.13 names
// across ecosystems.
var allowedPrefixes = []string{
	"npm test", "npm run test", "npx vitest", "vitest",
	"npx jest", "jest",
	"pytest", "python -m pytest", "python3 -m pytest",
	"go test",
	"cargo test",
	"mvn test", "./mvnw test",
	"gradle test", "./gradlew test",
	"rspec", "bundle exec rspec",
	"mix test",
	"dotnet test",
	"phpunit", "./vendor/bin/phpunit",
	"swift test",
	"make test",
}

var shellMetachar = regexp.MustCompile("[;&|$><`\n]")

// Validate reports whether command is safe to execute: it must start with
// a known allowlisted prefix and must not contain shell metacharacters,
// command substitution, redirection, or newlines (spec.md §4.13).
func Validate(command string) bool {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return false
	}
	if shellMetachar.MatchString(trimmed) {
		return false
	}
	for _, prefix := range allowedPrefixes {
		if trimmed == prefix || strings.HasPrefix(trimmed, prefix+" ") {
			return true
		}
	}
	return false
}

// Config tunes the service (mirrors internal/config.QAConfig).
type Config struct {
	ArtifactDir    string
	MaxLogBytes    int64
	TailBytes      int64
	RetryEnabled   bool
	MaxAttempts    int
	TimeoutSeconds int
}

// Runner abstracts command execution so tests can substitute a fake
// (execrunner.Run is the production implementation).
type Runner func(ctx context.Context, cmd execrunner.Command) (*execrunner.Result, error)

// Outcome is the full result of one QA run: the synthesized persistence
// rows plus the overall pass/fail verdict (spec.md §4.13's "overall QA run
// status is success iff the final attempt was success").
type Outcome struct {
	Run     persistence.Run
	Steps   []persistence.RunStep
	Success bool
}

// Execute runs commands against the QA service's retry policy. A command
// that fails Validate aborts the whole run before anything executes
// (spec.md §4.13's "rejection fails the QA run without executing
// anything").
func Execute(ctx context.Context, ticketID string, commands []string, cfg Config, run Runner) Outcome {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if run == nil {
		run = execrunner.Run
	}

	qaRun := persistence.Run{
		Type:      persistence.RunQA,
		TicketID:  ticketID,
		Status:    persistence.RunStatusRunning,
		CreatedAt: time.Now(),
		StartedAt: time.Now(),
	}

	for _, c := range commands {
		if !Validate(c) {
			qaRun.Status = persistence.RunStatusFailure
			qaRun.TerminalError = "command failed allowlist validation: " + c
			qaRun.CompletedAt = time.Now()
			return Outcome{Run: qaRun, Success: false}
		}
	}

	maxAttempts := cfg.MaxAttempts
	if !cfg.RetryEnabled {
		maxAttempts = 1
	}

	var allSteps []persistence.RunStep
	success := false
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		qaRun.Iteration = attempt
		steps, attemptSucceeded := runAttempt(ctx, attempt, commands, cfg, run)
		allSteps = append(allSteps, steps...)
		if attemptSucceeded {
			success = true
			break
		}
	}

	qaRun.CompletedAt = time.Now()
	if success {
		qaRun.Status = persistence.RunStatusSuccess
	} else {
		qaRun.Status = persistence.RunStatusFailure
	}

	return Outcome{Run: qaRun, Steps: allSteps, Success: success}
}

// runAttempt executes every command in order, skipping the remainder of
// the attempt (with a recorded skip reason) as soon as one fails (spec.md
// §4.13).
func runAttempt(ctx context.Context, attempt int, commands []string, cfg Config, run Runner) ([]persistence.RunStep, bool) {
	steps := make([]persistence.RunStep, 0, len(commands))
	failed := false

	for ordinal, command := range commands {
		if failed {
			steps = append(steps, persistence.RunStep{
				Attempt:    attempt,
				Ordinal:    ordinal,
				Status:     persistence.StepSkipped,
				Command:    command,
				SkipReason: "prior command in this attempt failed",
			})
			continue
		}

		step := persistence.RunStep{
			Attempt:   attempt,
			Ordinal:   ordinal,
			Status:    persistence.StepRunning,
			Command:   command,
			StartedAt: time.Now(),
		}

		timeoutMs := int64(cfg.TimeoutSeconds) * 1000
		result, err := run(ctx, execrunner.Command{
			Command:        command,
			ArtifactDir:    cfg.ArtifactDir,
			TimeoutMs:      timeoutMs,
			MaxOutputBytes: cfg.MaxLogBytes,
		})
		step.EndedAt = time.Now()

		if err != nil || result == nil {
			step.Status = persistence.StepFailed
			failed = true
			steps = append(steps, step)
			continue
		}

		step.ExitCode = result.ExitCode
		step.StdoutPath = result.StdoutPath
		step.StdoutSize = result.StdoutBytes
		step.StdoutTail = tailTo(result.Stdout, cfg.TailBytes)
		step.StderrPath = result.StderrPath
		step.StderrSize = result.StderrBytes
		step.StderrTail = tailTo(result.Stderr, cfg.TailBytes)
		step.Truncated = result.Truncated

		if result.Status == execrunner.StatusSuccess {
			step.Status = persistence.StepSuccess
		} else {
			step.Status = persistence.StepFailed
			failed = true
		}
		steps = append(steps, step)
	}

	return steps, !failed
}

// PersistOutcome writes the synthesized run and run_steps rows to the
// store (spec.md §4.13: "the service creates a runs row of type qa, then
// ... one run_steps row per command"). IDs are assigned here so Execute
// itself stays persistence-free and unit-testable.
func PersistOutcome(ctx context.Context, runs *persistence.RunRepo, steps *persistence.RunStepRepo, projectID string, o *Outcome) error {
	o.Run.ProjectID = projectID
	if err := runs.Create(ctx, &o.Run); err != nil {
		return err
	}
	for i := range o.Steps {
		o.Steps[i].RunID = o.Run.ID
		if err := steps.Create(ctx, &o.Steps[i]); err != nil {
			return err
		}
	}
	return runs.Complete(ctx, o.Run.ID, o.Run.Status, o.Run.TerminalError, "")
}

func tailTo(s string, maxBytes int64) string {
	if maxBytes <= 0 || int64(len(s)) <= maxBytes {
		return s
	}
	return s[int64(len(s))-maxBytes:]
}

// DetectCommands inspects a worktree for common project markers and
// returns the QA commands to run when a ticket did not specify its own
// (spec.md §4.10 step 7's "or detected QA commands if the ticket had
// none"). exists is given the absolute paths to check for existence.
func DetectCommands(exists func(path string) bool, root string) []string {
	join := func(names ...string) string {
		// local helper mirroring filepath.Join without importing it twice
		out := root
		for _, n := range names {
			if out == "" {
				out = n
			} else {
				out = out + "/" + n
			}
		}
		return out
	}

	switch {
	case exists(join("go.mod")):
		return []string{"go test ./..."}
	case exists(join("package.json")):
		return []string{"npm test"}
	case exists(join("Cargo.toml")):
		return []string{"cargo test"}
	case exists(join("pytest.ini")), exists(join("pyproject.toml")), exists(join("setup.py")):
		return []string{"pytest"}
	case exists(join("Gemfile")):
		return []string{"bundle exec rspec"}
	case exists(join("mix.exs")):
		return []string{"mix test"}
	default:
		return nil
	}
}

// Package agent implements spec.md §4.4's uniform backend interface over
// subprocess-driven LLM clients, plus the tool dispatcher the "execute"
// variant uses to confine file and command access to a single worktree.
// Grounded on the teacher's internal/perception subprocess CLI clients
// (claude_cli_client.go, codex_cli_client.go): exec.CommandContext with a
// per-call timeout, stdout/stderr captured to buffers, JSON response
// parsing, and a RateLimitError-style typed sentinel for retryable
// failures.
package agent

import (
	"context"
	"time"
)

// RunInput is the uniform request shape for both scout and execute
// backends (spec.md §4.4).
type RunInput struct {
	WorktreePath string
	Prompt       string
	TimeoutMs    int64
	Verbose      bool
	OnProgress   func(message string)
	TracePath    string // if set, the execute backend appends one ndjson line per tool call/message
}

// RunResult is the uniform response shape (spec.md §4.4).
type RunResult struct {
	Success    bool
	Stdout     string
	Stderr     string
	ExitCode   int
	TimedOut   bool
	DurationMs int64
	Error      string
}

// Backend is the abstract capability the phase machine depends on. Scout
// and execute are separate implementations selected per-role; the phase
// machine never knows which concrete subprocess driver backs either.
type Backend interface {
	Run(ctx context.Context, in RunInput) (*RunResult, error)
}

func timeout(ms int64, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"forgeloop/internal/logging"
)

// DefaultExecuteTimeout bounds one full agentic loop when RunInput does not
// specify a timeout.
const DefaultExecuteTimeout = 15 * time.Minute

// DefaultMaxIterations stops runaway agent loops (spec.md §4.4: "a bounded
// maximum-iterations counter stops runaway agent loops").
const DefaultMaxIterations = 40

// turnResponse is the JSON object the subprocess client must print per
// turn: either a tool invocation or a final message.
type turnResponse struct {
	Action  string    `json:"action"` // "tool" | "done"
	Tool    *turnTool `json:"tool,omitempty"`
	Message string    `json:"message,omitempty"`
}

type turnTool struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ExecuteBackend drives a subprocess LLM client through an agentic
// tool-use loop confined to a single worktree. Each turn the client is
// invoked with the accumulated transcript and must print one JSON
// turnResponse; tool calls are executed by the Dispatcher and their
// results appended to the transcript for the next turn.
type ExecuteBackend struct {
	Binary        string
	Args          []string
	MaxIterations int
}

func NewExecuteBackend(binary string, args ...string) *ExecuteBackend {
	return &ExecuteBackend{Binary: binary, Args: args, MaxIterations: DefaultMaxIterations}
}

func (b *ExecuteBackend) maxIterations() int {
	if b.MaxIterations > 0 {
		return b.MaxIterations
	}
	return DefaultMaxIterations
}

func (b *ExecuteBackend) Run(ctx context.Context, in RunInput) (*RunResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout(in.TimeoutMs, DefaultExecuteTimeout))
	defer cancel()

	var trace *tracer
	if in.TracePath != "" {
		t, err := newTracer(in.TracePath)
		if err != nil {
			logging.Agent("execute: open trace %s: %v", in.TracePath, err)
		} else {
			trace = t
			defer trace.close()
		}
	}

	dispatcher := NewDispatcher(in.WorktreePath)
	start := time.Now()

	var transcript strings.Builder
	transcript.WriteString(in.Prompt)

	result := &RunResult{}
	for i := 0; i < b.maxIterations(); i++ {
		if runCtx.Err() != nil {
			break
		}
		turn, raw, err := b.oneTurn(runCtx, in.WorktreePath, transcript.String())
		result.Stdout += raw + "\n"
		if err != nil {
			if runCtx.Err() == context.DeadlineExceeded {
				result.TimedOut = true
				result.Error = fmt.Sprintf("execute backend timed out after %s", timeout(in.TimeoutMs, DefaultExecuteTimeout))
			} else {
				result.Error = err.Error()
			}
			result.DurationMs = time.Since(start).Milliseconds()
			return result, nil
		}

		if trace != nil {
			trace.emit("turn", map[string]any{"iteration": i, "action": turn.Action})
		}

		switch turn.Action {
		case "done":
			if in.OnProgress != nil {
				in.OnProgress("agent finished")
			}
			result.Success = true
			result.DurationMs = time.Since(start).Milliseconds()
			return result, nil
		case "tool":
			if turn.Tool == nil {
				result.Error = "tool action without a tool body"
				result.DurationMs = time.Since(start).Milliseconds()
				return result, nil
			}
			if in.OnProgress != nil {
				in.OnProgress("tool: " + turn.Tool.Name)
			}
			toolResult := dispatcher.Dispatch(runCtx, Tool{Name: turn.Tool.Name, Args: turn.Tool.Args})
			if trace != nil {
				trace.emit("tool_result", map[string]any{
					"name":  turn.Tool.Name,
					"error": toolResult.Error,
				})
			}
			fmt.Fprintf(&transcript, "\n\n[tool %s result]\n%s", turn.Tool.Name, toolResultText(toolResult))
		default:
			result.Error = fmt.Sprintf("unknown agent action %q", turn.Action)
			result.DurationMs = time.Since(start).Milliseconds()
			return result, nil
		}
	}

	if result.TimedOut || runCtx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.Error = "execute backend timed out"
	} else {
		result.Error = fmt.Sprintf("agent exceeded max iterations (%d)", b.maxIterations())
	}
	result.DurationMs = time.Since(start).Milliseconds()
	return result, nil
}

// oneTurn invokes the subprocess once with the transcript so far and
// parses its single JSON response line.
func (b *ExecuteBackend) oneTurn(ctx context.Context, dir, transcript string) (*turnResponse, string, error) {
	args := append(append([]string{}, b.Args...), transcript)
	cmd := exec.CommandContext(ctx, b.Binary, args...)
	cmd.Dir = dir

	out, err := cmd.Output()
	raw := strings.TrimSpace(string(out))
	if err != nil {
		if isRateLimitError(stderrOf(err)) {
			return nil, raw, &RateLimitError{Binary: b.Binary, RawResponse: stderrOf(err)}
		}
		return nil, raw, fmt.Errorf("execute backend: %w (stderr: %s)", err, strings.TrimSpace(stderrOf(err)))
	}

	var turn turnResponse
	if err := json.Unmarshal([]byte(raw), &turn); err != nil {
		return nil, raw, fmt.Errorf("execute backend returned invalid JSON: %w", err)
	}
	return &turn, raw, nil
}

func stderrOf(err error) string {
	if exitErr, ok := err.(*exec.ExitError); ok {
		return string(exitErr.Stderr)
	}
	return ""
}

func toolResultText(r ToolResult) string {
	if r.Error != "" {
		return "error: " + r.Error
	}
	return r.Output
}

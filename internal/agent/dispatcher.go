package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"forgeloop/internal/execrunner"
)

// Tool is one capability exposed to the execute backend's agentic loop.
// Name and Args mirror how a subprocess LLM client reports a tool call
// (matching the shape of the teacher's internal/tools.Tool, simplified to
// forgeloop's three fixed tools rather than an open registry).
type Tool struct {
	Name string
	Args map[string]any
}

// ToolResult is returned to the model after a tool call.
type ToolResult struct {
	Output string
	Error  string
}

// Dispatcher executes read_file, write_file, and run_command tool calls,
// confining every path to a single worktree root per spec.md §4.4: "The
// tool dispatcher validates every path: it resolves the logical path
// against the worktree root, rejects anything outside, and additionally
// resolves symlink targets, rejecting any whose real path escapes the
// worktree." The teacher's own file tools (internal/tools/core/file_ops.go)
// operate on unconfined absolute paths; this confinement is an addition
// required by the spec, not present in the teacher.
type Dispatcher struct {
	WorktreeRoot string
	CommandTimeoutMs int64
	MaxOutputBytes   int64
}

func NewDispatcher(worktreeRoot string) *Dispatcher {
	return &Dispatcher{WorktreeRoot: worktreeRoot, CommandTimeoutMs: 120_000, MaxOutputBytes: execrunner.DefaultMaxOutputBytes}
}

// Dispatch executes one tool call.
func (d *Dispatcher) Dispatch(ctx context.Context, tool Tool) ToolResult {
	switch tool.Name {
	case "read_file":
		return d.readFile(tool.Args)
	case "write_file":
		return d.writeFile(tool.Args)
	case "run_command":
		return d.runCommand(ctx, tool.Args)
	default:
		return ToolResult{Error: fmt.Sprintf("unknown tool: %s", tool.Name)}
	}
}

func (d *Dispatcher) resolve(logicalPath string) (string, error) {
	if logicalPath == "" {
		return "", fmt.Errorf("path is required")
	}

	root, err := filepath.Abs(d.WorktreeRoot)
	if err != nil {
		return "", fmt.Errorf("resolve worktree root: %w", err)
	}

	joined := logicalPath
	if !filepath.IsAbs(joined) {
		joined = filepath.Join(root, joined)
	}
	clean := filepath.Clean(joined)

	if !withinRoot(root, clean) {
		return "", fmt.Errorf("path %q escapes worktree root", logicalPath)
	}

	// Resolve symlinks on the deepest existing ancestor, since the target
	// path itself may not exist yet (e.g. a new file about to be written).
	real, err := resolveRealPath(clean)
	if err != nil {
		return "", fmt.Errorf("resolve real path of %q: %w", logicalPath, err)
	}
	if !withinRoot(root, real) {
		return "", fmt.Errorf("path %q resolves outside worktree root via symlink", logicalPath)
	}

	return clean, nil
}

// resolveRealPath walks up from path until it finds an existing ancestor,
// resolves that ancestor's symlinks, then reattaches the remaining
// (not-yet-existing) suffix.
func resolveRealPath(path string) (string, error) {
	suffix := ""
	current := path
	for {
		if _, err := os.Lstat(current); err == nil {
			real, err := filepath.EvalSymlinks(current)
			if err != nil {
				return "", err
			}
			if suffix == "" {
				return real, nil
			}
			return filepath.Join(real, suffix), nil
		} else if !os.IsNotExist(err) {
			return "", err
		}

		parent := filepath.Dir(current)
		if parent == current {
			return path, nil // reached filesystem root without finding an existing ancestor
		}
		suffix = filepath.Join(filepath.Base(current), suffix)
		current = parent
	}
}

func withinRoot(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

func (d *Dispatcher) readFile(args map[string]any) ToolResult {
	path, _ := args["path"].(string)
	resolved, err := d.resolve(path)
	if err != nil {
		return ToolResult{Error: err.Error()}
	}
	content, err := os.ReadFile(resolved)
	if err != nil {
		return ToolResult{Error: fmt.Sprintf("read %s: %v", path, err)}
	}
	return ToolResult{Output: string(content)}
}

func (d *Dispatcher) writeFile(args map[string]any) ToolResult {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	resolved, err := d.resolve(path)
	if err != nil {
		return ToolResult{Error: err.Error()}
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return ToolResult{Error: fmt.Sprintf("create parent dirs for %s: %v", path, err)}
	}
	if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
		return ToolResult{Error: fmt.Sprintf("write %s: %v", path, err)}
	}
	return ToolResult{Output: fmt.Sprintf("wrote %d bytes to %s", len(content), path)}
}

func (d *Dispatcher) runCommand(ctx context.Context, args map[string]any) ToolResult {
	command, _ := args["command"].(string)
	if command == "" {
		return ToolResult{Error: "command is required"}
	}
	res, err := execrunner.Run(ctx, execrunner.Command{
		Command:        command,
		Dir:            d.WorktreeRoot,
		TimeoutMs:      d.CommandTimeoutMs,
		MaxOutputBytes: d.MaxOutputBytes,
	})
	if err != nil {
		return ToolResult{Error: err.Error()}
	}
	output := res.Stdout
	if res.Truncated {
		output += "\n[output truncated]"
	}
	if res.Status != execrunner.StatusSuccess {
		return ToolResult{Output: output, Error: fmt.Sprintf("command exited %s: %s", res.Status, res.ErrorMessage)}
	}
	return ToolResult{Output: output}
}

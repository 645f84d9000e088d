// Package worktree manages detached git worktrees used to isolate ticket
// execution from the project's main working tree, per spec.md §4.3.
// Grounded on the git worktree/branch orchestration pattern in
// other_examples/35fb1c90_vsavkov-kilroy__internal-attractor-engine-engine.go.go
// (CreateBranchAt + RemoveWorktree-then-AddWorktree at a base SHA), adapted
// to forgeloop's own scoped-acquisition shape: Create returns a handle
// whose Cleanup is guaranteed to run exactly once even on an error path,
// matching spec.md §4.3's "scoped acquisition... with guaranteed release on
// all exit paths."
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"forgeloop/internal/logging"
)

// Handle is a live worktree: an isolated, detached checkout of a project
// at a fixed base commit, with an associated branch it will later push.
type Handle struct {
	Path       string
	Branch     string
	BaseCommit string

	repoPath string
	cleaned  bool
}

// Manager creates worktrees rooted under a shared parent directory (the
// project's state directory, by convention .forgeloop/worktrees).
type Manager struct {
	RepoPath string
	Root     string
}

func NewManager(repoPath, root string) *Manager {
	return &Manager{RepoPath: repoPath, Root: root}
}

// Create materializes a detached worktree at base (a commit-ish), on a
// freshly named branch. Callers must call Cleanup on the returned handle
// exactly once, typically via defer immediately after a successful Create.
func (m *Manager) Create(ctx context.Context, base string) (*Handle, error) {
	if err := os.MkdirAll(m.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create worktree root: %w", err)
	}

	branch := "forgeloop/" + uuid.NewString()[:8]
	path := filepath.Join(m.Root, strings.ReplaceAll(branch, "/", "-"))

	baseCommit, err := m.run(ctx, m.RepoPath, "rev-parse", base)
	if err != nil {
		return nil, fmt.Errorf("resolve base commit %q: %w", base, err)
	}
	baseCommit = strings.TrimSpace(baseCommit)

	if _, err := m.run(ctx, m.RepoPath, "branch", branch, baseCommit); err != nil {
		return nil, fmt.Errorf("create branch %s at %s: %w", branch, baseCommit, err)
	}

	if _, err := m.run(ctx, m.RepoPath, "worktree", "add", path, branch); err != nil {
		_, _ = m.run(ctx, m.RepoPath, "branch", "-D", branch)
		return nil, fmt.Errorf("add worktree at %s: %w", path, err)
	}

	logging.WorktreeDebug("created worktree %s on branch %s at %s", path, branch, baseCommit)
	return &Handle{Path: path, Branch: branch, BaseCommit: baseCommit, repoPath: m.RepoPath}, nil
}

// Commit stages all changes in the worktree and commits them with message,
// returning the new commit id. Returns an empty string and nil error if
// there was nothing to commit.
func (m *Manager) Commit(ctx context.Context, h *Handle, message string) (string, error) {
	if _, err := m.run(ctx, h.Path, "add", "-A"); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}

	status, err := m.run(ctx, h.Path, "status", "--porcelain")
	if err != nil {
		return "", fmt.Errorf("check status: %w", err)
	}
	if strings.TrimSpace(status) == "" {
		logging.WorktreeDebug("nothing to commit in %s", h.Path)
		return "", nil
	}

	if _, err := m.run(ctx, h.Path, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}

	commitID, err := m.run(ctx, h.Path, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve commit id: %w", err)
	}
	commitID = strings.TrimSpace(commitID)
	logging.Worktree("committed %s in %s: %s", commitID, h.Path, message)
	return commitID, nil
}

// Diff returns the repo-relative paths of every file that differs between
// the worktree's current working tree (including uncommitted changes) and
// its base commit, used by the ticket pipeline's scope check (spec.md
// §4.10 step 4) before anything is committed.
func (m *Manager) Diff(ctx context.Context, h *Handle) ([]string, error) {
	out, err := m.run(ctx, h.Path, "diff", "--name-only", h.BaseCommit)
	if err != nil {
		return nil, fmt.Errorf("diff against base %s: %w", h.BaseCommit, err)
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}

	untracked, err := m.run(ctx, h.Path, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, fmt.Errorf("list untracked files: %w", err)
	}
	for _, line := range strings.Split(untracked, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// DiffText returns the full unified diff of the worktree's current working
// tree against its base commit, used to feed the spindle detector's
// similarity checks (spec.md §4.10 step 2/3).
func (m *Manager) DiffText(ctx context.Context, h *Handle) (string, error) {
	out, err := m.run(ctx, h.Path, "diff", h.BaseCommit)
	if err != nil {
		return "", fmt.Errorf("diff text against base %s: %w", h.BaseCommit, err)
	}
	return out, nil
}

// Push pushes the worktree's branch to origin under the given remote
// branch name.
func (m *Manager) Push(ctx context.Context, h *Handle, remoteBranch string) error {
	if _, err := m.run(ctx, h.Path, "push", "-u", "origin", h.Branch+":"+remoteBranch); err != nil {
		return fmt.Errorf("push %s -> %s: %w", h.Branch, remoteBranch, err)
	}
	logging.Worktree("pushed %s to origin/%s", h.Branch, remoteBranch)
	return nil
}

// Cleanup removes the worktree and its branch. Safe to call multiple
// times; only the first call has effect. Errors are logged, not returned,
// since cleanup runs on failure paths where the caller has no useful
// recourse beyond a diagnostic.
func (m *Manager) Cleanup(ctx context.Context, h *Handle) {
	if h == nil || h.cleaned {
		return
	}
	h.cleaned = true

	if _, err := m.run(ctx, m.RepoPath, "worktree", "remove", "--force", h.Path); err != nil {
		logging.Get(logging.CategoryWorktree).Warn("remove worktree %s: %v", h.Path, err)
		_ = os.RemoveAll(h.Path)
	}
	if _, err := m.run(ctx, m.RepoPath, "branch", "-D", h.Branch); err != nil {
		logging.Get(logging.CategoryWorktree).Warn("delete branch %s: %v", h.Branch, err)
	}
	logging.WorktreeDebug("cleaned up worktree %s", h.Path)
}

func (m *Manager) run(ctx context.Context, dir string, args ...string) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "git", args...)
	cmd.Dir = dir
	var out, stderr bytes.Buffer
	cmd.Stdout, cmd.Stderr = &out, &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (stderr: %s)", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return out.String(), nil
}

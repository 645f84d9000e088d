package worktree

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init")
	run("config", "user.email", "forgeloop@example.com")
	run("config", "user.name", "forgeloop")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", "-A")
	run("commit", "-m", "initial commit")
	return dir
}

func TestCreateCommitCleanup(t *testing.T) {
	ctx := context.Background()
	repo := initTestRepo(t)
	mgr := NewManager(repo, filepath.Join(repo, ".forgeloop-worktrees"))

	h, err := mgr.Create(ctx, "HEAD")
	require.NoError(t, err)
	require.DirExists(t, h.Path)
	defer mgr.Cleanup(ctx, h)

	require.NoError(t, os.WriteFile(filepath.Join(h.Path, "new_file.txt"), []byte("content\n"), 0o644))

	commitID, err := mgr.Commit(ctx, h, "add new_file.txt")
	require.NoError(t, err)
	require.NotEmpty(t, commitID)
}

func TestCommitWithNoChangesReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	repo := initTestRepo(t)
	mgr := NewManager(repo, filepath.Join(repo, ".forgeloop-worktrees"))

	h, err := mgr.Create(ctx, "HEAD")
	require.NoError(t, err)
	defer mgr.Cleanup(ctx, h)

	commitID, err := mgr.Commit(ctx, h, "no-op")
	require.NoError(t, err)
	require.Empty(t, commitID)
}

func TestCleanupIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := initTestRepo(t)
	mgr := NewManager(repo, filepath.Join(repo, ".forgeloop-worktrees"))

	h, err := mgr.Create(ctx, "HEAD")
	require.NoError(t, err)

	mgr.Cleanup(ctx, h)
	require.NoDirExists(t, h.Path)
	mgr.Cleanup(ctx, h) // second call must not panic or error
}

func TestCreateIsolatesWritesFromMainTree(t *testing.T) {
	ctx := context.Background()
	repo := initTestRepo(t)
	mgr := NewManager(repo, filepath.Join(repo, ".forgeloop-worktrees"))

	h, err := mgr.Create(ctx, "HEAD")
	require.NoError(t, err)
	defer mgr.Cleanup(ctx, h)

	require.NoError(t, os.WriteFile(filepath.Join(h.Path, "isolated.txt"), []byte("x"), 0o644))
	require.NoFileExists(t, filepath.Join(repo, "isolated.txt"))
}

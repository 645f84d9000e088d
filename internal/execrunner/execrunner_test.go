package execrunner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunSuccessCapturesStdout(t *testing.T) {
	res, err := Run(context.Background(), Command{
		Command:     "echo hello",
		TimeoutMs:   2000,
		ArtifactDir: t.TempDir(),
	})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, 0, res.ExitCode)
	require.Contains(t, res.Stdout, "hello")
	require.FileExists(t, res.StdoutPath)
}

func TestRunNonZeroExitIsFailure(t *testing.T) {
	res, err := Run(context.Background(), Command{
		Command:   "exit 3",
		TimeoutMs: 2000,
	})
	require.NoError(t, err)
	require.Equal(t, StatusFailure, res.Status)
	require.Equal(t, 3, res.ExitCode)
}

func TestRunTimeout(t *testing.T) {
	res, err := Run(context.Background(), Command{
		Command:   "sleep 5",
		TimeoutMs: 100,
	})
	require.NoError(t, err)
	require.Equal(t, StatusTimeout, res.Status)
	require.NotEmpty(t, res.ErrorMessage)
}

func TestRunCancel(t *testing.T) {
	cancel := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(cancel)
	}()
	res, err := Run(context.Background(), Command{
		Command:   "sleep 5",
		TimeoutMs: 5000,
		Cancel:    cancel,
	})
	require.NoError(t, err)
	require.Equal(t, StatusCanceled, res.Status)
}

func TestRunTruncatesToTail(t *testing.T) {
	res, err := Run(context.Background(), Command{
		Command:        "printf '1234567890'",
		TimeoutMs:      2000,
		MaxOutputBytes: 4,
	})
	require.NoError(t, err)
	require.True(t, res.Truncated)
	require.Equal(t, "7890", res.Stdout)
	require.Equal(t, int64(10), res.StdoutBytes)
}

func TestRunRespectsWorkingDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.txt"), []byte("x"), 0o644))

	res, err := Run(context.Background(), Command{
		Command:   "ls",
		Dir:       dir,
		TimeoutMs: 2000,
	})
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, res.Status)
	require.Contains(t, res.Stdout, "marker.txt")
}

func TestRunEnvOverrides(t *testing.T) {
	res, err := Run(context.Background(), Command{
		Command:   "printf \"$FORGELOOP_TEST_VAR\"",
		TimeoutMs: 2000,
		Env:       map[string]string{"FORGELOOP_TEST_VAR": "present"},
	})
	require.NoError(t, err)
	require.Equal(t, "present", res.Stdout)
}

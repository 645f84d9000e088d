// Command forgeloop is the autonomous code-improvement engine's CLI
// (spec.md §6). Exit codes: 0 on success or no work, 1 on a terminal
// failure, 2 on a configuration error.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"forgeloop/internal/ferr"
)

var (
	flagRepo     string
	flagStateDir string
	flagVerbose  bool
)

func newRootCmd(logger *zap.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "forgeloop",
		Short:         "autonomous code-improvement engine",
		Long:          "forgeloop scans a repository for improvement opportunities, executes them in isolated worktrees through an external coding agent, verifies each change, and publishes the results as pull requests.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagRepo, "repo", ".", "repository root to operate on")
	root.PersistentFlags().StringVar(&flagStateDir, "state-dir", "", "state directory (default <repo>/.forgeloop)")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose operational output")

	root.AddCommand(newAutoCmd(logger))
	return root
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := newRootCmd(logger).Execute(); err != nil {
		logger.Error("forgeloop failed", zap.Error(err))
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps the error taxonomy to spec.md §6's exit codes.
func exitCodeFor(err error) int {
	var fe *ferr.Error
	if errors.As(err, &fe) {
		switch fe.Kind {
		case ferr.ConfigInvalid, ferr.PreflightFailed:
			return 2
		}
	}
	return 1
}

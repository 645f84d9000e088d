// Package ghpr opens pull requests through the GitHub CLI and performs the
// tool preflight spec.md §6 requires before any session starts. All
// hosting-platform access shells out to gh, matching the corpus-wide
// pattern of driving git and gh as external binaries rather than linking a
// platform SDK.
package ghpr

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"forgeloop/internal/ferr"
	"forgeloop/internal/logging"
)

// Client creates PRs via the gh binary, run from the repository root.
type Client struct {
	RepoPath string
	Binary   string // defaults to "gh"
}

func NewClient(repoPath string) *Client {
	return &Client{RepoPath: repoPath, Binary: "gh"}
}

func (c *Client) binary() string {
	if c.Binary != "" {
		return c.Binary
	}
	return "gh"
}

// CreatePR opens a PR from branch onto baseBranch and returns its URL.
// Failures are non-fatal to the ticket (spec.md §7 pr_failed policy); the
// caller records a learning and carries on.
func (c *Client) CreatePR(ctx context.Context, branch, baseBranch, title, body string, draft bool) (string, error) {
	args := []string{"pr", "create", "--head", branch, "--base", baseBranch, "--title", title, "--body", body}
	if draft {
		args = append(args, "--draft")
	}
	cmd := exec.CommandContext(ctx, c.binary(), args...)
	cmd.Dir = c.RepoPath
	out, err := cmd.Output()
	if err != nil {
		stderr := ""
		if exitErr, ok := err.(*exec.ExitError); ok {
			stderr = strings.TrimSpace(string(exitErr.Stderr))
		}
		logging.PR("gh pr create failed: %v (%s)", err, stderr)
		return "", ferr.Wrap(ferr.PRFailed, err, fmt.Sprintf("gh pr create: %s", stderr))
	}
	url := strings.TrimSpace(string(out))
	logging.PR("opened %s", url)
	return url, nil
}

// ListOpenEngineTitles returns the titles of PRs already open on branches
// owned by the engine (spec.md §4.9 stage 5's second dedup source). The
// branch prefix is the one worktree.Manager pushes under.
func (c *Client) ListOpenEngineTitles(ctx context.Context, branchPrefix string) ([]string, error) {
	cmd := exec.CommandContext(ctx, c.binary(), "pr", "list", "--state", "open", "--json", "title,headRefName", "--jq",
		fmt.Sprintf(`.[] | select(.headRefName | startswith("%s")) | .title`, branchPrefix))
	cmd.Dir = c.RepoPath
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("gh pr list: %w", err)
	}
	var titles []string
	for _, line := range strings.Split(string(out), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			titles = append(titles, line)
		}
	}
	return titles, nil
}

// Preflight verifies the external tools the engine depends on are present
// and authenticated (spec.md §6: "Absence of required tools fails
// preflight before any session starts").
func Preflight(ctx context.Context, requirePR bool) error {
	if _, err := exec.LookPath("git"); err != nil {
		return ferr.Wrap(ferr.PreflightFailed, err, "git not found in PATH")
	}
	if !requirePR {
		return nil
	}
	if _, err := exec.LookPath("gh"); err != nil {
		return ferr.Wrap(ferr.PreflightFailed, err, "gh not found in PATH")
	}
	cmd := exec.CommandContext(ctx, "gh", "auth", "status")
	if err := cmd.Run(); err != nil {
		return ferr.Wrap(ferr.PreflightFailed, err, "gh is not authenticated")
	}
	return nil
}

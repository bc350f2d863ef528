package review

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

const gitTimeout = 10 * time.Second

// captureGitContext collects the latest commit diff and working-tree status
// for the review prompt. Both captures are best-effort: a missing repo or a
// failing git yields empty strings, never an error.
func captureGitContext(ctx context.Context, dir string) (diff, status string) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	diff = runGit(ctx, dir, "diff", "HEAD~1")
	if diff == "" {
		// Initial commit has no parent.
		diff = runGit(ctx, dir, "show", "--format=", "HEAD")
	}
	status = runGit(ctx, dir, "status", "--porcelain")
	return diff, status
}

func runGit(ctx context.Context, dir string, args ...string) string {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(out), "\n")
}

package gitx

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
)

// CreateWorktree creates branch from base and adds a worktree for it at
// path. When the repository has a remote, base is fast-forwarded first.
// On failure the partially created branch is deleted. Transient failures
// (typically worktree lock contention) are retried with backoff.
func (d *Driver) CreateWorktree(ctx context.Context, repoRoot, branch, path, base string) error {
	if repo, err := OpenRepository(repoRoot); err == nil && IsEmptyRepository(repo) {
		return fmt.Errorf("repository at %s has no commits yet; make an initial commit first", repoRoot)
	}
	if !d.BranchExists(ctx, repoRoot, base) {
		return fmt.Errorf("base branch %q does not exist", base)
	}
	if d.HasRemote(ctx, repoRoot) {
		// Best effort: a failed fetch must not block offline work.
		if _, err := d.execWithRetry(ctx, repoRoot, "fetch", "origin", base); err == nil {
			current, _ := d.CurrentBranch(ctx, repoRoot)
			if current == base {
				_, _ = d.Exec(ctx, repoRoot, 0, "pull", "--ff-only", "origin", base)
			}
		}
	}

	if _, err := d.execWithRetry(ctx, repoRoot, "branch", branch, base); err != nil {
		return fmt.Errorf("creating branch %s from %s: %w", branch, base, err)
	}

	if _, err := d.execWithRetry(ctx, repoRoot, "worktree", "add", path, branch); err != nil {
		// Roll back the branch so a retry starts clean.
		_, _ = d.Exec(ctx, repoRoot, 0, "branch", "-D", branch)
		return fmt.Errorf("adding worktree at %s: %w", path, err)
	}

	return nil
}

// RemoveWorktree removes the worktree at path and deletes its branch.
// Without force, the branch tip must be reachable from base (already
// merged); force bypasses the check and removes any residual directory.
func (d *Driver) RemoveWorktree(ctx context.Context, repoRoot, path, branch, base string, force bool) error {
	if !force {
		tip, err := d.RevParse(ctx, repoRoot, "refs/heads/"+branch)
		if err != nil {
			return fmt.Errorf("resolving branch %s: %w", branch, err)
		}
		if !d.isMerged(ctx, repoRoot, tip, base) {
			return fmt.Errorf("branch %s is not reachable from base branch %s; merge first or use force", branch, base)
		}
	}

	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	if _, err := d.execWithRetry(ctx, repoRoot, args...); err != nil {
		if !force {
			return fmt.Errorf("removing worktree %s: %w", path, err)
		}
		// Force removal falls back to deleting the directory and pruning
		// the worktree registration.
		_ = os.RemoveAll(path)
		_, _ = d.Exec(ctx, repoRoot, 0, "worktree", "prune")
	}

	branchArgs := []string{"branch", "-d", branch}
	if force {
		branchArgs = []string{"branch", "-D", branch}
	}
	if _, err := d.Exec(ctx, repoRoot, 0, branchArgs...); err != nil {
		return fmt.Errorf("deleting branch %s: %w", branch, err)
	}

	return nil
}

// isMerged reports whether tip is reachable from base. The in-process
// ancestor walk answers the common case without a subprocess; its commit
// cap means a false result is not authoritative, so exec merge-base
// settles it.
func (d *Driver) isMerged(ctx context.Context, repoRoot, tip, base string) bool {
	if repo, err := OpenRepository(repoRoot); err == nil {
		baseRef, err := repo.Reference(plumbing.NewBranchReferenceName(base), true)
		if err == nil && IsAncestorOf(repo, plumbing.NewHash(tip), baseRef.Hash()) {
			return true
		}
	}
	return d.IsReachableFrom(ctx, repoRoot, tip, base)
}

// ListWorktrees returns the worktree paths registered in the repository.
func (d *Driver) ListWorktrees(ctx context.Context, repoRoot string) ([]string, error) {
	out, err := d.output(ctx, repoRoot, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if after, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, after)
		}
	}
	return paths, nil
}

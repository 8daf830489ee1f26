package gitx

import (
	"context"
	"fmt"
	"strings"
)

// RebaseStatus is the outcome of a rebase step.
type RebaseStatus string

const (
	RebaseOK       RebaseStatus = "ok"
	RebaseConflict RebaseStatus = "conflict"
)

// RebaseResult carries the status of a rebase attempt and, on conflict,
// the unresolved paths.
type RebaseResult struct {
	Status RebaseStatus
	Files  []string
}

// SquashOntoBase soft-resets the current branch to base and commits the
// accumulated tree as a single commit with the given message. Returns the
// new commit SHA, or empty string when the tree is identical to base.
//
// includeManual is accepted for interface stability; both modes currently
// collapse the full accumulated tree.
func (d *Driver) SquashOntoBase(ctx context.Context, cwd, base, message string, includeManual bool) (string, error) {
	_ = includeManual

	if _, err := d.Exec(ctx, cwd, 0, "reset", "--soft", base); err != nil {
		return "", fmt.Errorf("soft reset to %s: %w", base, err)
	}
	out, err := d.output(ctx, cwd, "diff", "--cached", "--name-only")
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", nil
	}
	if _, err := d.Exec(ctx, cwd, 0, "commit", "-m", message); err != nil {
		return "", err
	}
	return d.RevParse(ctx, cwd, "HEAD")
}

// RebaseOnto rebases the current branch onto base. When the repository has
// a remote, base is fetched first. On conflict the unresolved paths are
// collected and the rebase is left in progress for the caller to resolve.
func (d *Driver) RebaseOnto(ctx context.Context, cwd, base string) (*RebaseResult, error) {
	if d.HasRemote(ctx, cwd) {
		_, _ = d.execWithRetry(ctx, cwd, "fetch", "origin", base)
	}
	if _, err := d.Exec(ctx, cwd, 0, "rebase", base); err != nil {
		return d.rebaseConflictResult(ctx, cwd, err)
	}
	return &RebaseResult{Status: RebaseOK}, nil
}

// ContinueRebase resumes a conflicted rebase after the caller resolved the
// conflicting paths.
func (d *Driver) ContinueRebase(ctx context.Context, cwd string) (*RebaseResult, error) {
	res, err := d.Exec(ctx, cwd, 0, "-c", "core.editor=true", "rebase", "--continue")
	if err != nil {
		if res != nil && strings.Contains(strings.ToLower(res.Stderr), "no rebase in progress") {
			return nil, fmt.Errorf("no rebase in progress: %w", err)
		}
		return d.rebaseConflictResult(ctx, cwd, err)
	}
	return &RebaseResult{Status: RebaseOK}, nil
}

// AbortRebase abandons an in-progress rebase, restoring the pre-rebase tip.
func (d *Driver) AbortRebase(ctx context.Context, cwd string) (*RebaseResult, error) {
	if _, err := d.Exec(ctx, cwd, 0, "rebase", "--abort"); err != nil {
		return nil, err
	}
	return &RebaseResult{Status: RebaseOK}, nil
}

// rebaseConflictResult inspects a failed rebase: if unresolved paths exist
// the failure is a conflict result, otherwise the original error surfaces.
func (d *Driver) rebaseConflictResult(ctx context.Context, cwd string, rebaseErr error) (*RebaseResult, error) {
	out, err := d.output(ctx, cwd, "diff", "--name-only", "--diff-filter=U")
	if err != nil || out == "" {
		return nil, rebaseErr
	}
	return &RebaseResult{
		Status: RebaseConflict,
		Files:  strings.Split(out, "\n"),
	}, nil
}

// FastForwardMerge checks out base and merges branch into it. With noFF a
// merge commit is always created; otherwise the merge must fast-forward.
func (d *Driver) FastForwardMerge(ctx context.Context, repoRoot, branch, base string, noFF bool) error {
	if _, err := d.Exec(ctx, repoRoot, 0, "checkout", base); err != nil {
		return fmt.Errorf("checking out %s: %w", base, err)
	}
	args := []string{"merge"}
	if noFF {
		args = append(args, "--no-ff", "--no-edit")
	} else {
		args = append(args, "--ff-only")
	}
	args = append(args, branch)
	if _, err := d.Exec(ctx, repoRoot, 0, args...); err != nil {
		return fmt.Errorf("merging %s into %s: %w", branch, base, err)
	}
	return nil
}

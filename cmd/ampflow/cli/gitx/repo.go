package gitx

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Read-only repository queries via go-git. These avoid a subprocess for
// hot paths (ancestor scans, ref lookups) and for information git exposes
// awkwardly over exec (author config). Mutations never go through go-git.

// errStop is a sentinel error used to break out of git log iteration.
var errStop = errors.New("stop iteration")

// OpenRepository opens the repository at root with linked worktree support
// enabled, so it works from both the main checkout and session worktrees.
func OpenRepository(root string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", root, err)
	}
	return repo, nil
}

// IsEmptyRepository returns true if the repository has no commits yet.
// After git-init, HEAD points to an unborn branch whose target does not yet
// exist; repo.Head() returns ErrReferenceNotFound in that case.
func IsEmptyRepository(repo *git.Repository) bool {
	_, err := repo.Head()
	return errors.Is(err, plumbing.ErrReferenceNotFound)
}

// IsAncestorOf checks if commit is an ancestor of (or equal to) target.
// Limits the search to 1000 commits to avoid excessive traversal.
func IsAncestorOf(repo *git.Repository, commit, target plumbing.Hash) bool {
	if commit == target {
		return true
	}

	iter, err := repo.Log(&git.LogOptions{From: target})
	if err != nil {
		return false
	}
	defer iter.Close()

	found := false
	count := 0
	_ = iter.ForEach(func(c *object.Commit) error { //nolint:errcheck // best-effort search
		count++
		if count > 1000 {
			return errStop
		}
		if c.Hash == commit {
			found = true
			return errStop
		}
		return nil
	})

	return found
}

// Author returns the configured git author name and email, checking local
// config then global. Falls back to placeholder values when unset.
func Author(repo *git.Repository) (name, email string) {
	name, email = "Unknown", "unknown@local"
	cfg, err := repo.ConfigScoped(0) // merged local+global+system
	if err != nil {
		return name, email
	}
	if cfg.User.Name != "" {
		name = cfg.User.Name
	}
	if cfg.User.Email != "" {
		email = cfg.User.Email
	}
	return name, email
}

// CommitterIdentity returns the author name and email the repository at
// root would commit with.
func (d *Driver) CommitterIdentity(root string) (name, email string) {
	repo, err := OpenRepository(root)
	if err != nil {
		return "Unknown", "unknown@local"
	}
	return Author(repo)
}

// DefaultBranchFromRemote resolves the branch origin/HEAD points at.
// Returns empty string if the symref is absent (no remote, or never fetched
// with HEAD tracking).
func DefaultBranchFromRemote(repo *git.Repository) string {
	ref, err := repo.Reference(plumbing.NewRemoteHEADReferenceName("origin"), false)
	if err != nil {
		return ""
	}
	if ref.Type() != plumbing.SymbolicReference {
		return ""
	}
	target := ref.Target()
	if !target.IsRemote() {
		return ""
	}
	// refs/remotes/origin/<branch>
	short := target.Short() // origin/<branch>
	if len(short) > len("origin/") {
		return short[len("origin/"):]
	}
	return ""
}

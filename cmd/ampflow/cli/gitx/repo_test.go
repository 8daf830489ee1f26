package gitx

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/go-git/go-git/v5/plumbing"
)

// cloneRepo clones src into a sibling directory, which gives the clone an
// origin/HEAD symref pointing at src's checked-out branch.
func cloneRepo(t *testing.T, src string) string {
	t.Helper()
	parent := t.TempDir()
	dst := filepath.Join(parent, "clone")
	gitRun(t, parent, "clone", src, dst)
	gitRun(t, dst, "config", "user.email", "test@example.com")
	gitRun(t, dst, "config", "user.name", "Test")
	return dst
}

func TestDefaultBranchFromRemote(t *testing.T) {
	d := New("git")
	upstream := initRepo(t)
	gitRun(t, upstream, "branch", "-m", "main", "trunk")
	clone := cloneRepo(t, upstream)
	// Move off trunk so the current-branch fallback cannot answer.
	gitRun(t, clone, "checkout", "-b", "feature")

	repo, err := OpenRepository(clone)
	if err != nil {
		t.Fatalf("OpenRepository() error = %v", err)
	}
	if got := DefaultBranchFromRemote(repo); got != "trunk" {
		t.Errorf("DefaultBranchFromRemote() = %q, want trunk", got)
	}
	if got := d.DefaultBranch(context.Background(), clone); got != "trunk" {
		t.Errorf("DefaultBranch() = %q, want trunk", got)
	}

	// Without an origin/HEAD symref there is nothing to resolve.
	plain, err := OpenRepository(upstream)
	if err != nil {
		t.Fatal(err)
	}
	if got := DefaultBranchFromRemote(plain); got != "" {
		t.Errorf("DefaultBranchFromRemote() on remote-less repo = %q, want empty", got)
	}
}

func TestCreateWorktree_EmptyRepository(t *testing.T) {
	d := New("git")
	dir := t.TempDir()
	gitRun(t, dir, "init", "-b", "main")

	repo, err := OpenRepository(dir)
	if err != nil {
		t.Fatalf("OpenRepository() error = %v", err)
	}
	if !IsEmptyRepository(repo) {
		t.Fatal("IsEmptyRepository() = false for a repo with no commits")
	}

	err = d.CreateWorktree(context.Background(), dir, "b", filepath.Join(dir, ".worktrees", "x"), "main")
	if err == nil {
		t.Fatal("CreateWorktree on a commit-less repository should fail")
	}

	populated, err := OpenRepository(initRepo(t))
	if err != nil {
		t.Fatal(err)
	}
	if IsEmptyRepository(populated) {
		t.Error("IsEmptyRepository() = true for a repo with a commit")
	}
}

func TestIsAncestorOf(t *testing.T) {
	d := New("git")
	ctx := context.Background()
	dir := initRepo(t)
	first, _ := d.RevParse(ctx, dir, "HEAD")
	writeFile(t, dir, "a.txt", "a\n")
	second, err := d.CommitAll(ctx, dir, "second")
	if err != nil {
		t.Fatal(err)
	}

	repo, err := OpenRepository(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !IsAncestorOf(repo, plumbing.NewHash(first), plumbing.NewHash(second)) {
		t.Error("first commit should be an ancestor of second")
	}
	if !IsAncestorOf(repo, plumbing.NewHash(second), plumbing.NewHash(second)) {
		t.Error("a commit is an ancestor of itself")
	}
	if IsAncestorOf(repo, plumbing.NewHash(second), plumbing.NewHash(first)) {
		t.Error("descendant must not count as ancestor")
	}
}

func TestRemoveWorktree_MergedBranch(t *testing.T) {
	d := New("git")
	ctx := context.Background()
	repo := initRepo(t)
	wt := filepath.Join(repo, ".worktrees", "sess-1")
	if err := d.CreateWorktree(ctx, repo, "work", wt, "main"); err != nil {
		t.Fatal(err)
	}

	writeFile(t, wt, "a.txt", "a\n")
	if _, err := d.CommitAll(ctx, wt, "amp: add a"); err != nil {
		t.Fatal(err)
	}
	if err := d.FastForwardMerge(ctx, repo, "work", "main", false); err != nil {
		t.Fatal(err)
	}

	// Fully merged work is removable without force.
	if err := d.RemoveWorktree(ctx, repo, wt, "work", "main", false); err != nil {
		t.Fatalf("RemoveWorktree() of merged branch error = %v", err)
	}
	if d.BranchExists(ctx, repo, "work") {
		t.Error("branch should be deleted after removal")
	}
}

func TestCommitterIdentity(t *testing.T) {
	d := New("git")
	repo := initRepo(t)

	name, email := d.CommitterIdentity(repo)
	if name != "Test" || email != "test@example.com" {
		t.Errorf("CommitterIdentity() = %q, %q", name, email)
	}

	name, email = d.CommitterIdentity(t.TempDir())
	if name != "Unknown" || email != "unknown@local" {
		t.Errorf("CommitterIdentity() outside a repo = %q, %q", name, email)
	}
}

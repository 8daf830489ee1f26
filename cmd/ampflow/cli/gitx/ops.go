package gitx

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// IsRepo reports whether cwd is inside a git work tree.
func (d *Driver) IsRepo(ctx context.Context, cwd string) bool {
	out, err := d.output(ctx, cwd, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// HasRemote reports whether the repository has any configured remote.
func (d *Driver) HasRemote(ctx context.Context, cwd string) bool {
	out, err := d.output(ctx, cwd, "remote")
	return err == nil && out != ""
}

// RevParse resolves a revision to a full SHA.
func (d *Driver) RevParse(ctx context.Context, cwd, rev string) (string, error) {
	return d.output(ctx, cwd, "rev-parse", rev)
}

// CurrentBranch returns the short name of the checked-out branch.
func (d *Driver) CurrentBranch(ctx context.Context, cwd string) (string, error) {
	return d.output(ctx, cwd, "rev-parse", "--abbrev-ref", "HEAD")
}

// BranchExists reports whether a local branch exists.
func (d *Driver) BranchExists(ctx context.Context, cwd, branch string) bool {
	_, err := d.output(ctx, cwd, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// DefaultBranch determines the repository's default branch: the target of
// refs/remotes/origin/HEAD if present, else the current branch, else "main".
// The symref is read in-process first; exec is the fallback.
func (d *Driver) DefaultBranch(ctx context.Context, cwd string) string {
	if repo, err := OpenRepository(cwd); err == nil {
		if branch := DefaultBranchFromRemote(repo); branch != "" {
			return branch
		}
	}
	if out, err := d.output(ctx, cwd, "symbolic-ref", "refs/remotes/origin/HEAD"); err == nil && out != "" {
		return strings.TrimPrefix(out, "refs/remotes/origin/")
	}
	if out, err := d.CurrentBranch(ctx, cwd); err == nil && out != "" && out != "HEAD" {
		return out
	}
	return "main"
}

// HasChanges reports whether the working tree has any uncommitted changes
// (porcelain status non-empty).
func (d *Driver) HasChanges(ctx context.Context, cwd string) (bool, error) {
	out, err := d.output(ctx, cwd, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// ChangedFiles returns the relative paths of changed files, with porcelain
// status markers stripped.
func (d *Driver) ChangedFiles(ctx context.Context, cwd string) ([]string, error) {
	out, err := d.output(ctx, cwd, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		// Porcelain format: XY <path>, or XY <old> -> <new> for renames.
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		path = strings.Trim(path, `"`)
		files = append(files, path)
	}
	return files, nil
}

// CommitAll stages all changes and commits them. Returns the new commit SHA,
// or empty string when there was nothing to commit.
func (d *Driver) CommitAll(ctx context.Context, cwd, message string) (string, error) {
	if _, err := d.Exec(ctx, cwd, 0, "add", "-A"); err != nil {
		return "", err
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

// Diff returns the unified diff of the working tree, against rev when
// non-empty.
func (d *Driver) Diff(ctx context.Context, cwd, rev string) (string, error) {
	args := []string{"diff", "--no-color"}
	if rev != "" {
		args = append(args, rev)
	}
	res, err := d.Exec(ctx, cwd, 0, args...)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

// StagedNumstat returns per-file added/deleted line counts for the staged
// diff. Binary files report zero counts.
func (d *Driver) StagedNumstat(ctx context.Context, cwd string) (map[string][2]int, error) {
	out, err := d.output(ctx, cwd, "diff", "--cached", "--numstat")
	if err != nil {
		return nil, err
	}
	stats := make(map[string][2]int)
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		var added, deleted int
		fmt.Sscanf(fields[0], "%d", &added)   //nolint:errcheck // "-" for binary stays 0
		fmt.Sscanf(fields[1], "%d", &deleted) //nolint:errcheck // "-" for binary stays 0
		stats[fields[2]] = [2]int{added, deleted}
	}
	return stats, nil
}

// BranchInfo describes how a branch relates to its base.
type BranchInfo struct {
	Ahead          int
	Behind         int
	BranchpointSHA string
}

// BranchInfo returns ahead/behind counts and the merge-base of HEAD and base.
func (d *Driver) BranchInfo(ctx context.Context, cwd, base string) (*BranchInfo, error) {
	out, err := d.output(ctx, cwd, "rev-list", "--left-right", "--count", base+"...HEAD")
	if err != nil {
		return nil, err
	}
	info := &BranchInfo{}
	if _, err := fmt.Sscanf(out, "%d\t%d", &info.Behind, &info.Ahead); err != nil {
		if _, err := fmt.Sscanf(out, "%d %d", &info.Behind, &info.Ahead); err != nil {
			return nil, fmt.Errorf("parsing rev-list output %q: %w", out, err)
		}
	}
	mb, err := d.output(ctx, cwd, "merge-base", base, "HEAD")
	if err != nil {
		return nil, err
	}
	info.BranchpointSHA = mb
	return info, nil
}

// AgentCommitsCount counts commits since branchpoint whose subject carries
// the given agent-commit prefix.
func (d *Driver) AgentCommitsCount(ctx context.Context, cwd, branchpoint, prefix string) (int, error) {
	out, err := d.output(ctx, cwd, "rev-list", "--format=%s", branchpoint+"..HEAD")
	if err != nil {
		return 0, err
	}
	count := 0
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "commit ") {
			continue
		}
		if strings.HasPrefix(line, prefix) {
			count++
		}
	}
	return count, nil
}

// IsBaseUpToDate reports whether the local base branch has all commits of
// origin/<base>. Trivially true when the repository has no remote.
func (d *Driver) IsBaseUpToDate(ctx context.Context, cwd, base string) (bool, error) {
	if !d.HasRemote(ctx, cwd) {
		return true, nil
	}
	if _, err := d.execWithRetry(ctx, cwd, "fetch", "origin", base); err != nil {
		return false, err
	}
	out, err := d.output(ctx, cwd, "rev-list", "--count", base+"..origin/"+base)
	if err != nil {
		// No origin/<base> tracking ref: nothing to be behind of.
		return true, nil //nolint:nilerr // missing remote ref is not an error here
	}
	return out == "0", nil
}

// IsReachableFrom reports whether rev is an ancestor of (reachable from) base.
func (d *Driver) IsReachableFrom(ctx context.Context, cwd, rev, base string) bool {
	_, err := d.Exec(ctx, cwd, 0, "merge-base", "--is-ancestor", rev, base)
	return err == nil
}

// ExportPatch writes the HEAD commit as a mailbox patch to outPath.
func (d *Driver) ExportPatch(ctx context.Context, cwd, outPath string) error {
	res, err := d.Exec(ctx, cwd, 0, "format-patch", "-1", "HEAD", "--stdout")
	if err != nil {
		return err
	}
	if err := os.WriteFile(outPath, []byte(res.Stdout), 0o600); err != nil {
		return fmt.Errorf("writing patch to %s: %w", outPath, err)
	}
	return nil
}

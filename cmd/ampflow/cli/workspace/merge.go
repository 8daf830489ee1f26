package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ampflow/cli/cmd/ampflow/cli/gitx"
	"github.com/ampflow/cli/cmd/ampflow/cli/lock"
	"github.com/ampflow/cli/cmd/ampflow/cli/paths"
	"github.com/ampflow/cli/cmd/ampflow/cli/store"
)

// MergeState is where a session stands in the merge pipeline. It is derived
// from the workspace, never stored.
type MergeState string

const (
	// MergeActive means no merge is in progress.
	MergeActive MergeState = "active"
	// MergeRebasing means a rebase conflict is outstanding.
	MergeRebasing MergeState = "rebasing"
	// MergeMerged means the session tip is reachable from base.
	MergeMerged MergeState = "merged"
)

// PreflightResult reports whether a session is ready to merge. Pointer
// fields are nil when the check did not apply.
type PreflightResult struct {
	RepoClean         bool     `json:"repo_clean"`
	BaseUpToDate      bool     `json:"base_up_to_date"`
	TestsPass         *bool    `json:"tests_pass,omitempty"`
	TypecheckPasses   *bool    `json:"typecheck_passes,omitempty"`
	AheadBy           int      `json:"ahead_by"`
	BehindBy          int      `json:"behind_by"`
	BranchpointSHA    string   `json:"branchpoint_sha"`
	AgentCommitsCount int      `json:"agent_commits_count"`
	Issues            []string `json:"issues"`
}

// Ready reports whether no issues block the merge.
func (p *PreflightResult) Ready() bool {
	return len(p.Issues) == 0
}

// Preflight runs the read-only merge checks for a session. It never
// mutates the workspace or refs.
func (m *Manager) Preflight(ctx context.Context, sessionID string) (*PreflightResult, error) {
	sess, err := m.Store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	result := &PreflightResult{Issues: []string{}}

	dirty, err := m.Git.HasChanges(ctx, sess.WorkspacePath)
	if err != nil {
		return nil, err
	}
	result.RepoClean = !dirty
	if dirty {
		result.Issues = append(result.Issues, "workspace has uncommitted changes")
	}

	if !m.Git.BranchExists(ctx, sess.RepoRoot, sess.BaseBranch) {
		result.Issues = append(result.Issues, fmt.Sprintf("base branch %q does not exist", sess.BaseBranch))
		return result, nil
	}

	upToDate, err := m.Git.IsBaseUpToDate(ctx, sess.RepoRoot, sess.BaseBranch)
	if err != nil {
		return nil, err
	}
	result.BaseUpToDate = upToDate
	if !upToDate {
		result.Issues = append(result.Issues, fmt.Sprintf("base branch %q is behind origin", sess.BaseBranch))
	}

	info, err := m.Git.BranchInfo(ctx, sess.WorkspacePath, sess.BaseBranch)
	if err != nil {
		return nil, err
	}
	result.AheadBy = info.Ahead
	result.BehindBy = info.Behind
	result.BranchpointSHA = info.BranchpointSHA

	count, err := m.Git.AgentCommitsCount(ctx, sess.WorkspacePath, info.BranchpointSHA, paths.AgentCommitPrefix)
	if err != nil {
		return nil, err
	}
	result.AgentCommitsCount = count

	if sess.ScriptCommand != "" {
		exitCode, _ := runShellCommand(ctx, sess.WorkspacePath, sess.ScriptCommand)
		pass := exitCode == 0
		result.TestsPass = &pass
		if !pass {
			result.Issues = append(result.Issues, "test script failed")
		}
	}

	if cmd := typecheckCommand(sess.RepoRoot); cmd != "" {
		exitCode, _ := runShellCommand(ctx, sess.WorkspacePath, cmd)
		pass := exitCode == 0
		result.TypecheckPasses = &pass
		if !pass {
			result.Issues = append(result.Issues, "workspace typecheck failed")
		}
	}

	return result, nil
}

// typecheckCommand returns the workspace-level typecheck invocation when the
// repository's top-level package manifest declares workspaces, else empty.
func typecheckCommand(repoRoot string) string {
	data, err := os.ReadFile(filepath.Join(repoRoot, "package.json")) //nolint:gosec // repo root is caller-validated
	if err != nil {
		return ""
	}
	var manifest struct {
		Workspaces json.RawMessage `json:"workspaces"`
	}
	if json.Unmarshal(data, &manifest) != nil || len(manifest.Workspaces) == 0 {
		return ""
	}
	return "npm run typecheck --workspaces --if-present"
}

// Squash collapses the session branch's accumulated tree into a single
// commit on top of base with the given message. includeManual is part of
// the option surface; both modes currently collapse identically.
func (m *Manager) Squash(ctx context.Context, sessionID, message string, includeManual bool) (string, error) {
	sess, err := m.Store.GetSession(sessionID)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(message) == "" {
		return "", errors.New("squash message is required")
	}

	var sha string
	err = lock.WithLock(ctx, sessionID, func() error {
		var sqErr error
		sha, sqErr = m.Git.SquashOntoBase(ctx, sess.WorkspacePath, sess.BaseBranch, message, includeManual)
		return sqErr
	})
	return sha, err
}

// RebaseOntoBase rebases the session branch onto its base. On conflict the
// session gains a REBASE_HELP.md listing the unresolved paths and moves to
// the rebasing state.
func (m *Manager) RebaseOntoBase(ctx context.Context, sessionID string) (*gitx.RebaseResult, error) {
	sess, err := m.Store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	var result *gitx.RebaseResult
	err = lock.WithLock(ctx, sessionID, func() error {
		var rbErr error
		result, rbErr = m.Git.RebaseOnto(ctx, sess.WorkspacePath, sess.BaseBranch)
		if rbErr != nil {
			return rbErr
		}
		if result.Status == gitx.RebaseConflict {
			return writeRebaseHelp(sess.WorkspacePath, result.Files)
		}
		removeRebaseHelp(sess.WorkspacePath)
		return nil
	})
	return result, err
}

// ContinueMerge resumes a conflicted rebase after the caller resolved the
// listed paths. Fails cleanly when no rebase is in progress.
func (m *Manager) ContinueMerge(ctx context.Context, sessionID string) (*gitx.RebaseResult, error) {
	sess, err := m.Store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	var result *gitx.RebaseResult
	err = lock.WithLock(ctx, sessionID, func() error {
		var rbErr error
		result, rbErr = m.Git.ContinueRebase(ctx, sess.WorkspacePath)
		if rbErr != nil {
			return rbErr
		}
		if result.Status == gitx.RebaseConflict {
			return writeRebaseHelp(sess.WorkspacePath, result.Files)
		}
		removeRebaseHelp(sess.WorkspacePath)
		return nil
	})
	return result, err
}

// AbortMerge abandons an outstanding rebase, restoring the pre-rebase tip.
func (m *Manager) AbortMerge(ctx context.Context, sessionID string) error {
	sess, err := m.Store.GetSession(sessionID)
	if err != nil {
		return err
	}
	return lock.WithLock(ctx, sessionID, func() error {
		if _, abErr := m.Git.AbortRebase(ctx, sess.WorkspacePath); abErr != nil {
			return abErr
		}
		removeRebaseHelp(sess.WorkspacePath)
		return nil
	})
}

// FastForwardMerge merges the session branch into base in the primary
// checkout. With noFF a merge commit is always created.
func (m *Manager) FastForwardMerge(ctx context.Context, sessionID string, noFF bool) error {
	sess, err := m.Store.GetSession(sessionID)
	if err != nil {
		return err
	}
	return lock.WithLock(ctx, sessionID, func() error {
		return m.Git.FastForwardMerge(ctx, sess.RepoRoot, sess.Branch, sess.BaseBranch, noFF)
	})
}

// State derives the session's merge-pipeline state from the workspace.
func (m *Manager) State(ctx context.Context, sess *store.Session) MergeState {
	if m.rebaseInProgress(ctx, sess.WorkspacePath) {
		return MergeRebasing
	}
	tip, err := m.Git.RevParse(ctx, sess.WorkspacePath, "HEAD")
	if err == nil && m.Git.IsReachableFrom(ctx, sess.RepoRoot, tip, sess.BaseBranch) {
		return MergeMerged
	}
	return MergeActive
}

// rebaseInProgress reports whether the workspace has an outstanding rebase.
func (m *Manager) rebaseInProgress(ctx context.Context, workspacePath string) bool {
	for _, dir := range []string{"rebase-merge", "rebase-apply"} {
		res, err := m.Git.Exec(ctx, workspacePath, 0, "rev-parse", "--git-path", dir)
		if err != nil {
			continue
		}
		p := strings.TrimSpace(res.Stdout)
		if !filepath.IsAbs(p) {
			p = filepath.Join(workspacePath, p)
		}
		if _, statErr := os.Stat(p); statErr == nil {
			return true
		}
	}
	return false
}

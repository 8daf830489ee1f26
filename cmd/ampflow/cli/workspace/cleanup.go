package workspace

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/ampflow/cli/cmd/ampflow/cli/lock"
	"github.com/ampflow/cli/cmd/ampflow/cli/logging"
	"github.com/ampflow/cli/cmd/ampflow/cli/store"
)

// Cleanup removes a session's workspace, branch, and store row. Without
// force it refuses while the branch tip is not reachable from base.
// Calling it again after success is a no-op: the record is already gone
// and filesystem removal is best effort.
func (m *Manager) Cleanup(ctx context.Context, sessionID string, force bool) error {
	sess, err := m.Store.GetSession(sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	ctx = logging.WithSession(ctx, sessionID)
	return lock.WithLock(ctx, sessionID, func() error {
		if err := m.Git.RemoveWorktree(ctx, sess.RepoRoot, sess.WorkspacePath, sess.Branch, sess.BaseBranch, force); err != nil {
			// The worktree may already be gone from a previous forced
			// attempt; a missing directory with force is not fatal.
			if !force || dirExists(sess.WorkspacePath) {
				return err
			}
			logging.Debug(ctx, "worktree already removed", slog.String("path", sess.WorkspacePath))
		}
		if err := m.Store.DeleteSession(sessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		logging.Info(ctx, "session cleaned up", slog.String("branch", sess.Branch))
		return nil
	})
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

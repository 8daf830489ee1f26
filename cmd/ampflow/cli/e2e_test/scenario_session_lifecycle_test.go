// Package e2etest runs full lifecycle scenarios against real git
// repositories and a stub agent binary.
package e2etest

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ampflow/cli/cmd/ampflow/cli/agent/amp"
	"github.com/ampflow/cli/cmd/ampflow/cli/batch"
	"github.com/ampflow/cli/cmd/ampflow/cli/events"
	"github.com/ampflow/cli/cmd/ampflow/cli/gitx"
	"github.com/ampflow/cli/cmd/ampflow/cli/paths"
	"github.com/ampflow/cli/cmd/ampflow/cli/store"
	"github.com/ampflow/cli/cmd/ampflow/cli/workspace"
)

// stubAgentScript is a minimal working agent: answers the whoami probe,
// edits one file, and emits telemetry.
const stubAgentScript = `#!/bin/sh
case "$1" in
whoami) echo "user@example.com"; exit 0 ;;
esac
echo "stub change" >> agent_file.txt
echo '{"thread_id":"T-e2e-1"}'
echo '{"tokens":{"prompt":50,"completion":20,"total":70},"model":"default"}'
echo '{"tool":"edit_file","event":"tool_start","timestamp":"2026-02-01T09:00:00Z"}'
echo '{"tool":"edit_file","event":"tool_finish","timestamp":"2026-02-01T09:00:01Z","duration_ms":1000,"status":"ok"}'
echo "Edited agent_file.txt."
`

type env struct {
	repo    string
	store   *store.Store
	manager *workspace.Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()
	t.Setenv(paths.ConfigDirEnvVar, t.TempDir())

	repo := t.TempDir()
	git(t, repo, "init", "-b", "main")
	git(t, repo, "config", "user.name", "Test")
	git(t, repo, "config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(repo, "README.md"), []byte("# fixture\n"), 0o644))
	git(t, repo, "add", "-A")
	git(t, repo, "commit", "-m", "initial commit")

	stub := filepath.Join(t.TempDir(), "amp-stub")
	require.NoError(t, os.WriteFile(stub, []byte(stubAgentScript), 0o755))

	st, err := store.Open(filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	bus.Register(events.NewStoreSink(st))

	return &env{
		repo:    repo,
		store:   st,
		manager: workspace.NewManager(gitx.New("git"), st, bus, &amp.Config{BinaryPath: stub}),
	}
}

func git(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@example.com")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

// TestSessionLifecycle walks a session from creation through two
// iterations, merge, and cleanup.
func TestSessionLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	sess, _, err := e.manager.CreateSession(ctx, workspace.CreateSessionOptions{
		Prompt:   "add a health endpoint",
		RepoRoot: e.repo,
	})
	require.NoError(t, err)
	require.DirExists(t, sess.WorkspacePath)

	// First turn: the stub edits a file, the turn commits it.
	outcome, err := e.manager.Iterate(ctx, sess.ID, workspace.IterateOptions{})
	require.NoError(t, err)
	assert.Equal(t, store.SessionIdle, outcome.Status)
	assert.NotEmpty(t, outcome.CommitSHA)
	assert.EqualValues(t, 70, outcome.TotalTokens)
	assert.Equal(t, 1, outcome.ToolCallCount)

	// The thread id reported by the agent sticks to the session.
	loaded, err := e.store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "T-e2e-1", loaded.ThreadID)

	// Second turn: a follow-up on the same thread.
	outcome, err = e.manager.Iterate(ctx, sess.ID, workspace.IterateOptions{FollowUp: "also add tests"})
	require.NoError(t, err)
	assert.Equal(t, store.SessionIdle, outcome.Status)

	iterations, err := e.store.IterationsFor(sess.ID)
	require.NoError(t, err)
	require.Len(t, iterations, 2)
	for _, it := range iterations {
		assert.NotNil(t, it.EndTime, "iteration %s left open", it.ID)
	}

	// Tidy the post-commit status files, then merge.
	git(t, sess.WorkspacePath, "add", "-A")
	git(t, sess.WorkspacePath, "commit", "-m", "tidy context files")

	pf, err := e.manager.Preflight(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, pf.Ready(), "preflight issues: %v", pf.Issues)
	assert.Equal(t, 2, pf.AgentCommitsCount)

	sha, err := e.manager.Squash(ctx, sess.ID, "add health endpoint", false)
	require.NoError(t, err)
	require.NotEmpty(t, sha)

	require.NoError(t, e.manager.FastForwardMerge(ctx, sess.ID, false))
	assert.Equal(t, workspace.MergeMerged, e.manager.State(ctx, sess))

	// Merged sessions clean up without force.
	require.NoError(t, e.manager.Cleanup(ctx, sess.ID, false))
	assert.NoDirExists(t, sess.WorkspacePath)
	_, err = e.store.GetSession(sess.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The merged change reached the base branch.
	assert.FileExists(t, filepath.Join(e.repo, "agent_file.txt"))
}

// TestBatchScenario runs a two-item plan end to end through the scheduler.
func TestBatchScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	second := t.TempDir()
	git(t, second, "init", "-b", "main")
	git(t, second, "config", "user.name", "Test")
	git(t, second, "config", "user.email", "test@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(second, "README.md"), []byte("# second\n"), 0o644))
	git(t, second, "add", "-A")
	git(t, second, "commit", "-m", "initial commit")

	sched := batch.NewScheduler(e.store, e.manager)
	plan := &batch.Plan{
		Concurrency: 2,
		Matrix: []batch.PlanItem{
			{Repo: e.repo, Prompt: "first batch task"},
			{Repo: second, Prompt: "second batch task"},
		},
	}

	result, err := sched.Run(ctx, plan, batch.RunOptions{RunID: "e2e-run"})
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, result.Status)
	assert.False(t, result.Failed())
	require.Len(t, result.Items, 2)
	for _, item := range result.Items {
		assert.Equal(t, store.ItemSuccess, item.Status, item.ErrorText)
		assert.NotEmpty(t, item.SessionID)
		assert.NotEmpty(t, item.CommitSHA)
	}

	run, err := e.store.GetBatchRun("e2e-run")
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, run.Status)
}

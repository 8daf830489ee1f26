package workspace

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ampflow/cli/cmd/ampflow/cli/agent/amp"
	"github.com/ampflow/cli/cmd/ampflow/cli/events"
	"github.com/ampflow/cli/cmd/ampflow/cli/gitx"
	"github.com/ampflow/cli/cmd/ampflow/cli/paths"
	"github.com/ampflow/cli/cmd/ampflow/cli/store"
)

// happyAgentScript is a stand-in agent: it edits one file and emits the
// telemetry frames a real run would.
const happyAgentScript = `echo "stub run" >> agent_file.txt
echo '{"thread_id":"T-stub-1"}'
echo '{"tokens":{"prompt":100,"completion":40,"total":140},"model":"default"}'
echo '{"tool":"edit_file","event":"tool_start","timestamp":"2026-01-05T10:00:00Z"}'
echo '{"tool":"edit_file","event":"tool_finish","timestamp":"2026-01-05T10:00:02Z","duration_ms":2000,"status":"ok"}'
echo "Edited agent_file.txt."
`

func gitRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@example.com")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.name", "Test")
	gitRun(t, dir, "config", "user.email", "test@example.com")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("# fixture\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitRun(t, dir, "add", "-A")
	gitRun(t, dir, "commit", "-m", "initial commit")
	return dir
}

func writeStubAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "amp-stub")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// newTestManager builds a manager over a fresh fixture repo, a temp store
// with the store sink registered, and a stub agent running the script.
func newTestManager(t *testing.T, agentScript string) (*Manager, string) {
	t.Helper()
	t.Setenv(paths.ConfigDirEnvVar, t.TempDir())

	repo := initRepo(t)

	st, err := store.Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := events.NewBus()
	bus.Register(events.NewStoreSink(st))

	agent := &amp.Config{BinaryPath: writeStubAgent(t, agentScript)}
	return NewManager(gitx.New("git"), st, bus, agent), repo
}

func TestCreateSession(t *testing.T) {
	mgr, repo := newTestManager(t, happyAgentScript)
	ctx := context.Background()

	sess, outcome, err := mgr.CreateSession(ctx, CreateSessionOptions{
		Prompt:   "add a greeting endpoint to the server",
		RepoRoot: repo,
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if outcome != nil {
		t.Error("outcome should be nil without RunInitialIteration")
	}

	if sess.Name != "add a greeting endpoint to the" {
		t.Errorf("derived name = %q", sess.Name)
	}
	if sess.BaseBranch != "main" {
		t.Errorf("base branch = %q, want main", sess.BaseBranch)
	}
	if !strings.HasPrefix(sess.Branch, paths.SessionBranchPrefix+"/") {
		t.Errorf("branch = %q, want %s/ prefix", sess.Branch, paths.SessionBranchPrefix)
	}
	if sess.Status != store.SessionIdle {
		t.Errorf("status = %q, want idle", sess.Status)
	}

	// The worktree exists on the session branch.
	if info, err := os.Stat(sess.WorkspacePath); err != nil || !info.IsDir() {
		t.Fatalf("workspace missing: %v", err)
	}
	if got := gitRun(t, sess.WorkspacePath, "branch", "--show-current"); got != sess.Branch {
		t.Errorf("worktree branch = %q, want %q", got, sess.Branch)
	}

	// SESSION.md carries the task.
	data, err := os.ReadFile(filepath.Join(paths.ContextDir(sess.WorkspacePath), paths.SessionFileName))
	if err != nil {
		t.Fatalf("SESSION.md missing: %v", err)
	}
	if !strings.Contains(string(data), sess.Prompt) {
		t.Error("SESSION.md should contain the prompt")
	}

	// The row round-trips.
	loaded, err := mgr.Store.GetSession(sess.ID)
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if loaded.Branch != sess.Branch || loaded.WorkspacePath != sess.WorkspacePath {
		t.Errorf("persisted session = %+v", loaded)
	}
}

func TestCreateSession_Validation(t *testing.T) {
	mgr, repo := newTestManager(t, happyAgentScript)
	ctx := context.Background()

	if _, _, err := mgr.CreateSession(ctx, CreateSessionOptions{Prompt: "  ", RepoRoot: repo}); err == nil {
		t.Error("blank prompt should fail")
	}
	if _, _, err := mgr.CreateSession(ctx, CreateSessionOptions{Prompt: "p", RepoRoot: t.TempDir()}); err == nil {
		t.Error("non-repository root should fail")
	}
}

func TestIterate(t *testing.T) {
	mgr, repo := newTestManager(t, happyAgentScript)
	ctx := context.Background()

	sess, _, err := mgr.CreateSession(ctx, CreateSessionOptions{
		Prompt:   "add a greeting endpoint",
		RepoRoot: repo,
	})
	if err != nil {
		t.Fatal(err)
	}

	outcome, err := mgr.Iterate(ctx, sess.ID, IterateOptions{})
	if err != nil {
		t.Fatalf("Iterate() error = %v", err)
	}
	if outcome.Status != store.SessionIdle {
		t.Errorf("status = %q, want idle", outcome.Status)
	}
	if outcome.CommitSHA == "" {
		t.Fatal("expected a commit")
	}
	if outcome.TotalTokens != 140 {
		t.Errorf("total tokens = %d, want 140", outcome.TotalTokens)
	}
	if outcome.ToolCallCount != 1 {
		t.Errorf("tool calls = %d, want 1", outcome.ToolCallCount)
	}
	if outcome.AwaitingInput {
		t.Error("a turn with tool calls is not awaiting input")
	}

	// The commit carries the canonical agent subject.
	subject := gitRun(t, sess.WorkspacePath, "log", "-1", "--format=%s")
	if !paths.IsAgentCommitSubject(subject) {
		t.Errorf("commit subject = %q, want agent prefix", subject)
	}
	if !strings.Contains(subject, "add a greeting endpoint") {
		t.Errorf("commit subject = %q", subject)
	}
	if _, err := os.Stat(filepath.Join(sess.WorkspacePath, "agent_file.txt")); err != nil {
		t.Error("agent edit should be in the workspace")
	}

	// The iteration row is finished with the telemetry.
	iterations, err := mgr.Store.IterationsFor(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(iterations) != 1 {
		t.Fatalf("iterations = %d, want 1", len(iterations))
	}
	it := iterations[0]
	if it.EndTime == nil || it.CommitSHA != outcome.CommitSHA || it.Model != "default" {
		t.Errorf("iteration row = %+v", it)
	}

	// The store sink persisted the tool call from the bus.
	calls, err := mgr.Store.ToolCallsFor(sess.ID, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0].ToolName != "edit_file" {
		t.Errorf("persisted tool calls = %+v", calls)
	}

	// The reported thread id sticks to the session.
	loaded, err := mgr.Store.GetSession(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ThreadID != "T-stub-1" {
		t.Errorf("thread id = %q, want T-stub-1", loaded.ThreadID)
	}
	if loaded.Status != store.SessionIdle {
		t.Errorf("session status = %q, want idle", loaded.Status)
	}

	// Context files reflect the turn.
	statusPath := filepath.Join(paths.ContextDir(sess.WorkspacePath), paths.LastStatusFileName)
	if _, err := os.Stat(statusPath); err != nil {
		t.Error("LAST_STATUS.json should exist after an iteration")
	}
}

func TestIterate_TestScriptFailure(t *testing.T) {
	mgr, repo := newTestManager(t, happyAgentScript)
	ctx := context.Background()

	sess, _, err := mgr.CreateSession(ctx, CreateSessionOptions{
		Prompt:        "make the tests pass",
		RepoRoot:      repo,
		ScriptCommand: "exit 1",
	})
	if err != nil {
		t.Fatal(err)
	}

	outcome, err := mgr.Iterate(ctx, sess.ID, IterateOptions{})
	if err != nil {
		t.Fatalf("Iterate() error = %v", err)
	}
	if outcome.TestResult != store.TestFail {
		t.Errorf("test result = %q, want fail", outcome.TestResult)
	}
	if outcome.Status != store.SessionAwaitingInput {
		t.Errorf("status = %q, want awaiting-input after failing tests", outcome.Status)
	}

	loaded, err := mgr.Store.GetSession(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != store.SessionAwaitingInput {
		t.Errorf("session status = %q", loaded.Status)
	}
}

func TestIterate_AwaitingInput(t *testing.T) {
	script := `echo "What would you like me to do with the failing migration?"`
	mgr, repo := newTestManager(t, script)
	ctx := context.Background()

	sess, _, err := mgr.CreateSession(ctx, CreateSessionOptions{Prompt: "fix migrations", RepoRoot: repo})
	if err != nil {
		t.Fatal(err)
	}

	outcome, err := mgr.Iterate(ctx, sess.ID, IterateOptions{})
	if err != nil {
		t.Fatalf("Iterate() error = %v", err)
	}
	if !outcome.AwaitingInput {
		t.Error("a clean exit with a question and no tool calls is awaiting input")
	}
	if outcome.Status != store.SessionAwaitingInput {
		t.Errorf("status = %q, want awaiting-input", outcome.Status)
	}
}

func TestIterate_QuestionWithDiffStaysIdle(t *testing.T) {
	// The agent edits a file and then asks a question: the turn produced
	// work, so it is committed, tested, and left idle rather than parked
	// as awaiting input.
	script := `echo "draft" > notes.txt
echo "What would you like me to do next?"`
	mgr, repo := newTestManager(t, script)
	ctx := context.Background()

	sess, _, err := mgr.CreateSession(ctx, CreateSessionOptions{
		Prompt:        "draft the notes",
		RepoRoot:      repo,
		ScriptCommand: "exit 0",
	})
	if err != nil {
		t.Fatal(err)
	}

	outcome, err := mgr.Iterate(ctx, sess.ID, IterateOptions{})
	if err != nil {
		t.Fatalf("Iterate() error = %v", err)
	}
	if outcome.AwaitingInput {
		t.Error("a turn that left a diff is not awaiting input")
	}
	if outcome.Status != store.SessionIdle {
		t.Errorf("status = %q, want idle", outcome.Status)
	}
	if outcome.CommitSHA == "" {
		t.Error("the edit should be committed")
	}
	if outcome.TestResult != store.TestPass {
		t.Errorf("test result = %q, want pass (script must run for a productive turn)", outcome.TestResult)
	}

	loaded, err := mgr.Store.GetSession(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != store.SessionIdle {
		t.Errorf("session status = %q, want idle", loaded.Status)
	}
}

func TestIterate_AgentExitError(t *testing.T) {
	mgr, repo := newTestManager(t, "echo boom >&2\nexit 3")
	ctx := context.Background()

	sess, _, err := mgr.CreateSession(ctx, CreateSessionOptions{Prompt: "do something", RepoRoot: repo})
	if err != nil {
		t.Fatal(err)
	}

	outcome, err := mgr.Iterate(ctx, sess.ID, IterateOptions{})
	if err != nil {
		t.Fatalf("a nonzero agent exit is an outcome, not an error: %v", err)
	}
	if outcome.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", outcome.ExitCode)
	}
	if outcome.Status != store.SessionError {
		t.Errorf("status = %q, want error", outcome.Status)
	}
}

func TestIterate_Timeout(t *testing.T) {
	mgr, repo := newTestManager(t, "sleep 5")
	ctx := context.Background()

	sess, _, err := mgr.CreateSession(ctx, CreateSessionOptions{Prompt: "slow task", RepoRoot: repo})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := mgr.Iterate(ctx, sess.ID, IterateOptions{Timeout: 200 * time.Millisecond}); err == nil {
		t.Fatal("expected a timeout error")
	}

	// The iteration row is closed even on failure, and the session is in
	// error.
	iterations, err := mgr.Store.IterationsFor(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(iterations) != 1 || iterations[0].EndTime == nil || iterations[0].ExitCode != -1 {
		t.Errorf("failed iteration row = %+v", iterations)
	}
	loaded, err := mgr.Store.GetSession(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Status != store.SessionError {
		t.Errorf("session status = %q, want error", loaded.Status)
	}
}

func TestIterate_UnknownSession(t *testing.T) {
	mgr, _ := newTestManager(t, happyAgentScript)
	if _, err := mgr.Iterate(context.Background(), "no-such-session", IterateOptions{}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Iterate(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestMergePipeline(t *testing.T) {
	mgr, repo := newTestManager(t, happyAgentScript)
	ctx := context.Background()

	sess, _, err := mgr.CreateSession(ctx, CreateSessionOptions{Prompt: "add a greeting endpoint", RepoRoot: repo})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Iterate(ctx, sess.ID, IterateOptions{}); err != nil {
		t.Fatal(err)
	}

	// The iteration writes status files after its commit; tidy them so the
	// workspace is clean for the merge checks.
	gitRun(t, sess.WorkspacePath, "add", "-A")
	gitRun(t, sess.WorkspacePath, "commit", "-m", "tidy context files")

	pf, err := mgr.Preflight(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Preflight() error = %v", err)
	}
	if !pf.Ready() {
		t.Fatalf("preflight issues = %v", pf.Issues)
	}
	if !pf.RepoClean || pf.AheadBy != 2 || pf.AgentCommitsCount != 1 {
		t.Errorf("preflight = %+v", pf)
	}

	sha, err := mgr.Squash(ctx, sess.ID, "add greeting endpoint", false)
	if err != nil {
		t.Fatalf("Squash() error = %v", err)
	}
	if sha == "" {
		t.Fatal("squash should produce a commit")
	}
	pf, err = mgr.Preflight(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pf.AheadBy != 1 {
		t.Errorf("ahead after squash = %d, want 1", pf.AheadBy)
	}

	if got := mgr.State(ctx, sess); got != MergeActive {
		t.Errorf("state before merge = %q, want active", got)
	}
	if err := mgr.FastForwardMerge(ctx, sess.ID, false); err != nil {
		t.Fatalf("FastForwardMerge() error = %v", err)
	}
	if got := mgr.State(ctx, sess); got != MergeMerged {
		t.Errorf("state after merge = %q, want merged", got)
	}
	if subject := gitRun(t, repo, "log", "-1", "--format=%s"); subject != "add greeting endpoint" {
		t.Errorf("base tip subject = %q", subject)
	}

	// A merged session cleans up without force, and again is a no-op.
	if err := mgr.Cleanup(ctx, sess.ID, false); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if _, err := os.Stat(sess.WorkspacePath); !os.IsNotExist(err) {
		t.Error("workspace should be removed")
	}
	if _, err := mgr.Store.GetSession(sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("GetSession after cleanup = %v, want ErrNotFound", err)
	}
	if err := mgr.Cleanup(ctx, sess.ID, false); err != nil {
		t.Errorf("repeated Cleanup() error = %v", err)
	}
}

func TestSquash_RequiresMessage(t *testing.T) {
	mgr, repo := newTestManager(t, happyAgentScript)
	ctx := context.Background()

	sess, _, err := mgr.CreateSession(ctx, CreateSessionOptions{Prompt: "p", RepoRoot: repo})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Squash(ctx, sess.ID, "  ", false); err == nil {
		t.Error("blank squash message should fail")
	}
}

func TestCleanup_RefusesUnmergedWithoutForce(t *testing.T) {
	mgr, repo := newTestManager(t, happyAgentScript)
	ctx := context.Background()

	sess, _, err := mgr.CreateSession(ctx, CreateSessionOptions{Prompt: "unmerged work", RepoRoot: repo})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Iterate(ctx, sess.ID, IterateOptions{}); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Cleanup(ctx, sess.ID, false); err == nil {
		t.Fatal("unmerged session should refuse cleanup without force")
	}
	if _, err := mgr.Store.GetSession(sess.ID); err != nil {
		t.Fatal("refused cleanup must not delete the session row")
	}

	if err := mgr.Cleanup(ctx, sess.ID, true); err != nil {
		t.Fatalf("forced Cleanup() error = %v", err)
	}
	if _, err := os.Stat(sess.WorkspacePath); !os.IsNotExist(err) {
		t.Error("workspace should be removed")
	}
	if _, err := mgr.Store.GetSession(sess.ID); !errors.Is(err, store.ErrNotFound) {
		t.Error("session row should be gone")
	}
}

func TestRebaseConflictAndAbort(t *testing.T) {
	mgr, repo := newTestManager(t, `echo "agent version" > shared.txt`)
	ctx := context.Background()

	// A file both sides will edit.
	if err := os.WriteFile(filepath.Join(repo, "shared.txt"), []byte("original\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitRun(t, repo, "add", "-A")
	gitRun(t, repo, "commit", "-m", "add shared file")

	sess, _, err := mgr.CreateSession(ctx, CreateSessionOptions{Prompt: "rework shared", RepoRoot: repo})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.Iterate(ctx, sess.ID, IterateOptions{}); err != nil {
		t.Fatal(err)
	}
	gitRun(t, sess.WorkspacePath, "add", "-A")
	gitRun(t, sess.WorkspacePath, "commit", "-m", "tidy context files")

	// Base moves with a conflicting edit.
	if err := os.WriteFile(filepath.Join(repo, "shared.txt"), []byte("main version\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitRun(t, repo, "add", "shared.txt")
	gitRun(t, repo, "commit", "-m", "conflicting base change")

	result, err := mgr.RebaseOntoBase(ctx, sess.ID)
	if err != nil {
		t.Fatalf("RebaseOntoBase() error = %v", err)
	}
	if result.Status != gitx.RebaseConflict {
		t.Fatalf("rebase status = %q, want conflict", result.Status)
	}
	found := false
	for _, f := range result.Files {
		if f == "shared.txt" {
			found = true
		}
	}
	if !found {
		t.Errorf("conflict files = %v, want shared.txt", result.Files)
	}

	helpPath := filepath.Join(paths.ContextDir(sess.WorkspacePath), paths.RebaseHelpFileName)
	data, err := os.ReadFile(helpPath)
	if err != nil {
		t.Fatalf("REBASE_HELP.md missing: %v", err)
	}
	if !strings.Contains(string(data), "shared.txt") {
		t.Error("REBASE_HELP.md should list the conflicted path")
	}
	if got := mgr.State(ctx, sess); got != MergeRebasing {
		t.Errorf("state during conflict = %q, want rebasing", got)
	}

	if err := mgr.AbortMerge(ctx, sess.ID); err != nil {
		t.Fatalf("AbortMerge() error = %v", err)
	}
	if _, err := os.Stat(helpPath); !os.IsNotExist(err) {
		t.Error("REBASE_HELP.md should be removed after abort")
	}
	if got := mgr.State(ctx, sess); got != MergeActive {
		t.Errorf("state after abort = %q, want active", got)
	}
	if content, err := os.ReadFile(filepath.Join(sess.WorkspacePath, "shared.txt")); err != nil || string(content) != "agent version\n" {
		t.Errorf("abort should restore the branch version, got %q (%v)", content, err)
	}
}

func TestCreateSession_RunInitialIteration(t *testing.T) {
	mgr, repo := newTestManager(t, happyAgentScript)
	ctx := context.Background()

	sess, outcome, err := mgr.CreateSession(ctx, CreateSessionOptions{
		Prompt:              "bootstrap the project",
		RepoRoot:            repo,
		RunInitialIteration: true,
	})
	if err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if outcome == nil || outcome.CommitSHA == "" {
		t.Fatal("initial iteration should produce an outcome with a commit")
	}
	iterations, err := mgr.Store.IterationsFor(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(iterations) != 1 {
		t.Errorf("iterations = %d, want 1", len(iterations))
	}
}

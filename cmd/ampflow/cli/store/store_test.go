package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSession(id string) *Session {
	return &Session{
		ID:            id,
		Name:          "fix-login-bug",
		Prompt:        "Fix the login bug",
		RepoRoot:      "/repos/app",
		BaseBranch:    "main",
		Branch:        "ampflow/fix-login-bug/20260314-092653",
		WorkspacePath: "/repos/app/.worktrees/" + id,
		Status:        SessionIdle,
		Mode:          ModeAsync,
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	}
}

func TestSessionCRUD(t *testing.T) {
	s := openTestStore(t)

	sess := testSession("sess-1")
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Name != sess.Name || got.Branch != sess.Branch || got.Status != SessionIdle {
		t.Errorf("GetSession() = %+v", got)
	}
	if !got.CreatedAt.Equal(sess.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, sess.CreatedAt)
	}

	if err := s.UpdateSessionStatus("sess-1", SessionRunning); err != nil {
		t.Fatalf("UpdateSessionStatus() error = %v", err)
	}
	got, _ = s.GetSession("sess-1")
	if got.Status != SessionRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}

	if err := s.UpdateSessionThreadID("sess-1", "T-0199"); err != nil {
		t.Fatalf("UpdateSessionThreadID() error = %v", err)
	}
	got, _ = s.GetSession("sess-1")
	if got.ThreadID != "T-0199" {
		t.Errorf("ThreadID = %q", got.ThreadID)
	}

	if err := s.DeleteSession("sess-1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	if _, err := s.GetSession("sess-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSession after delete = %v, want ErrNotFound", err)
	}
	if err := s.DeleteSession("sess-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteSession = %v, want ErrNotFound", err)
	}
}

func TestListSessions_Order(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	for i := range 3 {
		sess := testSession(fmt.Sprintf("sess-%d", i))
		sess.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.CreateSession(sess); err != nil {
			t.Fatal(err)
		}
	}

	sessions, err := s.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(sessions) != 3 {
		t.Fatalf("len = %d, want 3", len(sessions))
	}
	// Newest first.
	if sessions[0].ID != "sess-2" || sessions[2].ID != "sess-0" {
		t.Errorf("order = %s, %s, %s", sessions[0].ID, sessions[1].ID, sessions[2].ID)
	}
}

func TestIterationLifecycle(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateSession(testSession("sess-1")); err != nil {
		t.Fatal(err)
	}

	start := time.Now().UTC().Truncate(time.Second)
	it := &Iteration{ID: "it-1", SessionID: "sess-1", StartTime: start}
	if err := s.CreateIteration(it); err != nil {
		t.Fatalf("CreateIteration() error = %v", err)
	}

	// Finishing without an end time is rejected.
	if err := s.FinishIteration(it); err == nil {
		t.Fatal("FinishIteration without end time should fail")
	}

	end := start.Add(90 * time.Second)
	it.EndTime = &end
	it.CommitSHA = "abc123"
	it.ChangedFiles = 3
	it.TestResult = TestPass
	it.PromptTokens = 100
	it.CompletionTokens = 50
	it.TotalTokens = 150
	it.Model = "default"
	if err := s.FinishIteration(it); err != nil {
		t.Fatalf("FinishIteration() error = %v", err)
	}

	got, err := s.GetIteration("it-1")
	if err != nil {
		t.Fatalf("GetIteration() error = %v", err)
	}
	if got.CommitSHA != "abc123" || got.TestResult != TestPass || got.TotalTokens != 150 {
		t.Errorf("GetIteration() = %+v", got)
	}
	if got.EndTime == nil || !got.EndTime.Equal(end) {
		t.Errorf("EndTime = %v, want %v", got.EndTime, end)
	}

	// Finished iterations are immutable.
	if err := s.FinishIteration(it); err == nil {
		t.Error("second FinishIteration should fail")
	}
}

func TestIterationsFor_Order(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateSession(testSession("sess-1")); err != nil {
		t.Fatal(err)
	}

	base := time.Now().UTC().Truncate(time.Second)
	for i := range 3 {
		it := &Iteration{
			ID:        fmt.Sprintf("it-%d", i),
			SessionID: "sess-1",
			StartTime: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateIteration(it); err != nil {
			t.Fatal(err)
		}
	}

	iterations, err := s.IterationsFor("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(iterations) != 3 || iterations[0].ID != "it-0" || iterations[2].ID != "it-2" {
		t.Errorf("unexpected iteration order: %+v", iterations)
	}
}

func TestToolCalls(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateSession(testSession("sess-1")); err != nil {
		t.Fatal(err)
	}
	it := &Iteration{ID: "it-1", SessionID: "sess-1", StartTime: time.Now().UTC()}
	if err := s.CreateIteration(it); err != nil {
		t.Fatal(err)
	}

	duration := int64(1200)
	calls := []*ToolCall{
		{ID: "tc-1", SessionID: "sess-1", IterationID: "it-1", Timestamp: time.Now().UTC(),
			ToolName: "grep", Arguments: `{"pattern":"x"}`, Success: true, DurationMS: &duration},
		{ID: "tc-2", SessionID: "sess-1", IterationID: "it-1", Timestamp: time.Now().UTC(),
			ToolName: "edit", Arguments: "{}", Success: false},
	}
	if err := s.AddToolCalls(calls); err != nil {
		t.Fatalf("AddToolCalls() error = %v", err)
	}

	got, err := s.ToolCallsFor("sess-1", "it-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ToolName != "grep" || got[0].DurationMS == nil || *got[0].DurationMS != 1200 {
		t.Errorf("first call = %+v", got[0])
	}
	if got[1].Success {
		t.Error("second call should be a failure")
	}
}

func TestThreadMessages_GaplessSequence(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateSession(testSession("sess-1")); err != nil {
		t.Fatal(err)
	}
	thread := &Thread{ID: "th-1", SessionID: "sess-1", CreatedAt: time.Now().UTC()}
	if err := s.CreateThread(thread); err != nil {
		t.Fatal(err)
	}

	roles := []MessageRole{RoleUser, RoleAssistant, RoleUser}
	for i, role := range roles {
		m := &ThreadMessage{
			ID:        fmt.Sprintf("msg-%d", i),
			ThreadID:  "th-1",
			Role:      role,
			Content:   fmt.Sprintf("message %d", i),
			CreatedAt: time.Now().UTC(),
		}
		if err := s.AppendThreadMessage(m); err != nil {
			t.Fatal(err)
		}
		if m.Idx != i {
			t.Errorf("assigned Idx = %d, want %d", m.Idx, i)
		}
	}

	messages, err := s.ThreadMessages("th-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(messages) != 3 {
		t.Fatalf("len = %d, want 3", len(messages))
	}
	for i, m := range messages {
		if m.Idx != i {
			t.Errorf("message %d has Idx %d", i, m.Idx)
		}
	}
}

func TestBatchRunLifecycle(t *testing.T) {
	s := openTestStore(t)

	run := &BatchRun{
		ID:          "run-1",
		Defaults:    BatchDefaults{BaseBranch: "main", TimeoutSec: 600},
		Concurrency: 2,
		Status:      RunRunning,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	items := []*BatchItem{
		{ID: "item-1", RunID: "run-1", RepoPath: "/repos/a", Prompt: "task a", Status: ItemQueued},
		{ID: "item-2", RunID: "run-1", RepoPath: "/repos/b", Prompt: "task b", Status: ItemQueued},
	}
	if err := s.CreateBatchRun(run, items); err != nil {
		t.Fatalf("CreateBatchRun() error = %v", err)
	}

	got, err := s.GetBatchRun("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Defaults.BaseBranch != "main" || got.Defaults.TimeoutSec != 600 {
		t.Errorf("Defaults = %+v", got.Defaults)
	}

	// queued -> running is exclusive: the second attempt loses.
	if err := s.MarkBatchItemRunning("item-1"); err != nil {
		t.Fatalf("MarkBatchItemRunning() error = %v", err)
	}
	if err := s.MarkBatchItemRunning("item-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second MarkBatchItemRunning = %v, want ErrNotFound", err)
	}

	running, err := s.CountRunningItems("run-1")
	if err != nil {
		t.Fatal(err)
	}
	if running != 1 {
		t.Errorf("running = %d, want 1", running)
	}

	// Non-terminal statuses are rejected by FinishBatchItem.
	bad := &BatchItem{ID: "item-1", Status: ItemRunning}
	if err := s.FinishBatchItem(bad); err == nil {
		t.Error("FinishBatchItem with running status should fail")
	}

	now := time.Now().UTC()
	done := &BatchItem{
		ID: "item-1", RunID: "run-1", Status: ItemSuccess,
		SessionID: "sess-9", FinishedAt: &now, CommitSHA: "abc", TokenTotal: 500, ToolCallCount: 4,
	}
	if err := s.FinishBatchItem(done); err != nil {
		t.Fatalf("FinishBatchItem() error = %v", err)
	}

	all, err := s.BatchItems("run-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "item-1" || all[1].ID != "item-2" {
		t.Errorf("items in wrong order: %+v", all)
	}
	if all[0].Status != ItemSuccess || all[0].TokenTotal != 500 {
		t.Errorf("finished item = %+v", all[0])
	}

	queued, err := s.BatchItems("run-1", ItemQueued)
	if err != nil {
		t.Fatal(err)
	}
	if len(queued) != 1 || queued[0].ID != "item-2" {
		t.Errorf("queued filter = %+v", queued)
	}

	if err := s.UpdateBatchRunStatus("run-1", RunCompleted); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetBatchRun("run-1")
	if got.Status != RunCompleted {
		t.Errorf("run status = %q", got.Status)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := openTestStore(t)

	sess := testSession("sess-1")
	if err := src.CreateSession(sess); err != nil {
		t.Fatal(err)
	}
	start := time.Now().UTC().Truncate(time.Second)
	end := start.Add(time.Minute)
	it := &Iteration{ID: "it-1", SessionID: "sess-1", StartTime: start, EndTime: &end,
		CommitSHA: "abc", TotalTokens: 42}
	if err := src.CreateIteration(it); err != nil {
		t.Fatal(err)
	}
	if err := src.AddToolCall(&ToolCall{ID: "tc-1", SessionID: "sess-1", IterationID: "it-1",
		Timestamp: start, ToolName: "grep", Arguments: "{}", Success: true}); err != nil {
		t.Fatal(err)
	}
	if err := src.CreateThread(&Thread{ID: "th-1", SessionID: "sess-1", CreatedAt: start}); err != nil {
		t.Fatal(err)
	}
	if err := src.AppendThreadMessage(&ThreadMessage{ID: "msg-1", ThreadID: "th-1",
		Role: RoleUser, Content: "hello", CreatedAt: start}); err != nil {
		t.Fatal(err)
	}

	export, err := src.ExportSession("sess-1")
	if err != nil {
		t.Fatalf("ExportSession() error = %v", err)
	}

	dst := openTestStore(t)
	if err := dst.ImportSession(export); err != nil {
		t.Fatalf("ImportSession() error = %v", err)
	}

	got, err := dst.GetSession("sess-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Branch != sess.Branch {
		t.Errorf("imported Branch = %q", got.Branch)
	}
	iterations, _ := dst.IterationsFor("sess-1")
	if len(iterations) != 1 || iterations[0].TotalTokens != 42 {
		t.Errorf("imported iterations = %+v", iterations)
	}
	calls, _ := dst.ToolCallsFor("sess-1", "")
	if len(calls) != 1 || calls[0].ToolName != "grep" {
		t.Errorf("imported tool calls = %+v", calls)
	}
	messages, _ := dst.ThreadMessages("th-1")
	if len(messages) != 1 || messages[0].Content != "hello" {
		t.Errorf("imported messages = %+v", messages)
	}

	// Importing over an existing session fails on the primary key.
	if err := dst.ImportSession(export); err == nil {
		t.Error("second ImportSession should fail")
	}
}

func TestSchemaVersion(t *testing.T) {
	s := openTestStore(t)
	version, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if version < 1 {
		t.Errorf("SchemaVersion() = %d, want >= 1", version)
	}
}

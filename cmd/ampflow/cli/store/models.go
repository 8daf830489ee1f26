// Package store persists sessions, iterations, tool calls, threads, batch
// runs, and batch items in a single-file SQLite database under the config
// directory. All mutations are transactional; the schema is versioned
// through the migrations table.
package store

import (
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionIdle          SessionStatus = "idle"
	SessionRunning       SessionStatus = "running"
	SessionAwaitingInput SessionStatus = "awaiting-input"
	SessionError         SessionStatus = "error"
	SessionDone          SessionStatus = "done"
)

// SessionMode distinguishes one-shot and interactive sessions.
type SessionMode string

const (
	ModeAsync       SessionMode = "async"
	ModeInteractive SessionMode = "interactive"
)

// Session is the primary unit of work: one agent-driven effort against one
// repository on one branch.
type Session struct {
	ID            string
	Name          string
	Prompt        string
	RepoRoot      string
	BaseBranch    string
	Branch        string
	WorkspacePath string
	Status        SessionStatus
	Mode          SessionMode
	ScriptCommand string // optional test script
	ModelOverride string // optional
	ThreadID      string // optional external agent thread id
	BatchRunID    string // optional back-reference
	CreatedAt     time.Time
	LastRunAt     *time.Time
}

// TestResult is the outcome of a session's test script for one iteration.
type TestResult string

const (
	TestPass TestResult = "pass"
	TestFail TestResult = "fail"
)

// Iteration is one agent turn within a session. Once EndTime is set the
// record is immutable.
type Iteration struct {
	ID               string
	SessionID        string
	StartTime        time.Time
	EndTime          *time.Time
	CommitSHA        string // empty when the turn produced no commit
	ChangedFiles     int
	ExitCode         int
	TestResult       TestResult // empty when no script ran
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	Model            string
	AgentVersion     string
	CommandLine      string
	RawOutput        string
}

// ToolCall is one structured tool invocation emitted by the agent during an
// iteration. Records are append-only.
type ToolCall struct {
	ID          string
	SessionID   string
	IterationID string
	Timestamp   time.Time
	ToolName    string
	Arguments   string // JSON-encoded argument object
	Success     bool
	DurationMS  *int64
	MessageID   string // optional
}

// MessageRole tags thread messages.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Thread is a conversation history independent of iterations, used by
// interactive mode.
type Thread struct {
	ID        string
	SessionID string
	CreatedAt time.Time
}

// ThreadMessage is one message in a thread. (ThreadID, Idx) is unique and
// indices form a gapless sequence from zero.
type ThreadMessage struct {
	ID        string
	ThreadID  string
	Idx       int
	Role      MessageRole
	Content   string
	CreatedAt time.Time
}

// FollowUpPrompt records a follow-up note that drove an iteration.
type FollowUpPrompt struct {
	ID        string
	SessionID string
	Prompt    string
	CreatedAt time.Time
}

// BatchRunStatus is the lifecycle state of a batch run.
type BatchRunStatus string

const (
	RunRunning   BatchRunStatus = "running"
	RunCompleted BatchRunStatus = "completed"
	RunAborted   BatchRunStatus = "aborted"
	RunError     BatchRunStatus = "error"
)

// BatchDefaults are plan-level defaults applied to items that omit a value.
type BatchDefaults struct {
	BaseBranch    string `json:"base_branch,omitempty"`
	ScriptCommand string `json:"script_command,omitempty"`
	Model         string `json:"model,omitempty"`
	TimeoutSec    int    `json:"timeout_sec,omitempty"`
	Retries       int    `json:"retries,omitempty"`
	MergeOnPass   bool   `json:"merge_on_pass,omitempty"`
}

// BatchRun is a group of sessions executed together under one concurrency
// bound.
type BatchRun struct {
	ID          string
	Defaults    BatchDefaults
	Concurrency int
	Status      BatchRunStatus
	CreatedAt   time.Time
}

// BatchItemStatus is the state of one planned session within a run.
// Transitions out of queued/running are terminal.
type BatchItemStatus string

const (
	ItemQueued  BatchItemStatus = "queued"
	ItemRunning BatchItemStatus = "running"
	ItemSuccess BatchItemStatus = "success"
	ItemFail    BatchItemStatus = "fail"
	ItemTimeout BatchItemStatus = "timeout"
	ItemError   BatchItemStatus = "error"
)

// IsTerminal reports whether the status is final.
func (s BatchItemStatus) IsTerminal() bool {
	switch s {
	case ItemSuccess, ItemFail, ItemTimeout, ItemError:
		return true
	default:
		return false
	}
}

// BatchItem is one planned session within a batch run.
type BatchItem struct {
	ID            string
	RunID         string
	RepoPath      string
	Prompt        string
	Status        BatchItemStatus
	SessionID     string // set once the session is created
	StartedAt     *time.Time
	FinishedAt    *time.Time
	CommitSHA     string
	TokenTotal    int64
	ToolCallCount int
	ErrorText     string
}

// Package events is the in-process metrics event bus: the iteration engine
// publishes structured events, sinks fan them out to the store and to an
// append-only NDJSON log. A failing sink is logged and skipped, never
// propagated to the publisher.
package events

import (
	"time"
)

// Kind enumerates the event kinds the bus carries.
type Kind string

const (
	KindIterationStart Kind = "iteration_start"
	KindIterationEnd   Kind = "iteration_end"
	KindUserMessage    Kind = "user_message"
	KindLLMUsage       Kind = "llm_usage"
	KindToolCall       Kind = "tool_call"
	KindFileEdit       Kind = "file_edit"
	KindTestResult     Kind = "test_result"
)

// Outcome classifies how an iteration ended.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeFailed        Outcome = "failed"
	OutcomeAwaitingInput Outcome = "awaiting-input"
)

// FileOperation classifies a file edit.
type FileOperation string

const (
	OpCreate FileOperation = "create"
	OpModify FileOperation = "modify"
	OpDelete FileOperation = "delete"
)

// Event is one bus message. SessionID and IterationID scope every event;
// the payload is one of the typed structs below, matching Kind.
type Event struct {
	Kind        Kind      `json:"kind"`
	SessionID   string    `json:"session"`
	IterationID string    `json:"iteration,omitempty"`
	Time        time.Time `json:"ts"`
	Payload     any       `json:"payload"`
}

// IterationStart is the payload for iteration_start.
type IterationStart struct {
	Sequence int    `json:"sequence"`
	SHA      string `json:"sha"`
}

// IterationEnd is the payload for iteration_end.
type IterationEnd struct {
	Outcome    Outcome       `json:"outcome"`
	Duration   time.Duration `json:"duration_ns"`
	DurationMS int64         `json:"duration_ms"`
	ExitCode   int           `json:"exit_code"`
}

// UserMessage is the payload for user_message.
type UserMessage struct {
	Text string `json:"text"`
}

// LLMUsage is the payload for llm_usage.
type LLMUsage struct {
	Model            string  `json:"model"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	LatencyMS        int64   `json:"latency_ms,omitempty"`
}

// ToolCallEvent is the payload for tool_call.
type ToolCallEvent struct {
	Tool       string    `json:"tool"`
	Arguments  string    `json:"arguments"` // JSON-encoded
	Start      time.Time `json:"start"`
	End        time.Time `json:"end,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Success    bool      `json:"success"`
}

// FileEdit is the payload for file_edit.
type FileEdit struct {
	Path         string        `json:"path"`
	LinesAdded   int           `json:"lines_added"`
	LinesDeleted int           `json:"lines_deleted"`
	Diff         string        `json:"diff,omitempty"`
	Operation    FileOperation `json:"operation"`
}

// TestResultEvent is the payload for test_result.
type TestResultEvent struct {
	Framework  string `json:"framework,omitempty"`
	Command    string `json:"command"`
	Total      int    `json:"total,omitempty"`
	Passed     int    `json:"passed,omitempty"`
	Failed     int    `json:"failed,omitempty"`
	Skipped    int    `json:"skipped,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	ExitCode   int    `json:"exit"`
}

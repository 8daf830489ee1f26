package store

import (
	"database/sql"
	"fmt"
)

// Export is a structured snapshot of one session and its dependent rows,
// suitable for JSON serialization and re-import into a fresh store.
type Export struct {
	Session         *Session          `json:"session"`
	Iterations      []*Iteration      `json:"iterations,omitempty"`
	ToolCalls       []*ToolCall       `json:"tool_calls,omitempty"`
	Threads         []*Thread         `json:"threads,omitempty"`
	ThreadMessages  []*ThreadMessage  `json:"thread_messages,omitempty"`
	FollowUpPrompts []*FollowUpPrompt `json:"follow_up_prompts,omitempty"`
}

// ExportSession collects a session and all rows that reference it.
func (s *Store) ExportSession(sessionID string) (*Export, error) {
	sess, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	export := &Export{Session: sess}

	if export.Iterations, err = s.IterationsFor(sessionID); err != nil {
		return nil, fmt.Errorf("exporting iterations: %w", err)
	}
	if export.ToolCalls, err = s.ToolCallsFor(sessionID, ""); err != nil {
		return nil, fmt.Errorf("exporting tool calls: %w", err)
	}
	if export.Threads, err = s.ThreadsFor(sessionID); err != nil {
		return nil, fmt.Errorf("exporting threads: %w", err)
	}
	for _, t := range export.Threads {
		messages, err := s.ThreadMessages(t.ID)
		if err != nil {
			return nil, fmt.Errorf("exporting thread messages: %w", err)
		}
		export.ThreadMessages = append(export.ThreadMessages, messages...)
	}
	if export.FollowUpPrompts, err = s.FollowUpPromptsFor(sessionID); err != nil {
		return nil, fmt.Errorf("exporting follow-up prompts: %w", err)
	}

	return export, nil
}

// ImportSession inserts an exported session and its dependent rows.
// Primary keys are preserved; importing into a store that already has the
// session fails on the key conflict.
func (s *Store) ImportSession(export *Export) error {
	if export == nil || export.Session == nil {
		return fmt.Errorf("import: no session in export")
	}
	if err := s.CreateSession(export.Session); err != nil {
		return err
	}
	for _, it := range export.Iterations {
		if err := s.CreateIteration(it); err != nil {
			return err
		}
	}
	if err := s.AddToolCalls(export.ToolCalls); err != nil {
		return err
	}
	for _, t := range export.Threads {
		if err := s.CreateThread(t); err != nil {
			return err
		}
	}
	for _, m := range export.ThreadMessages {
		if err := s.insertThreadMessageWithIdx(m); err != nil {
			return err
		}
	}
	for _, p := range export.FollowUpPrompts {
		if err := s.AddFollowUpPrompt(p); err != nil {
			return err
		}
	}
	return nil
}

// insertThreadMessageWithIdx inserts a message keeping its original index,
// unlike AppendThreadMessage which assigns the next one.
func (s *Store) insertThreadMessageWithIdx(m *ThreadMessage) error {
	return s.inTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO thread_messages (id, thread_id, idx, role, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.ThreadID, m.Idx, string(m.Role), m.Content, fmtTime(m.CreatedAt))
		return err
	})
}

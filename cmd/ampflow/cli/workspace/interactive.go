package workspace

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ampflow/cli/cmd/ampflow/cli/agent/amp"
	"github.com/ampflow/cli/cmd/ampflow/cli/lock"
	"github.com/ampflow/cli/cmd/ampflow/cli/logging"
	"github.com/ampflow/cli/cmd/ampflow/cli/store"
)

// InteractiveSession is a live agent conversation bound to a session. It
// holds the session lock for its whole lifetime and records the exchange
// in a thread.
type InteractiveSession struct {
	Handle *amp.Handle

	manager   *Manager
	sessionID string
	thread    *store.Thread
	lock      *lock.Lock
	frames    chan amp.HandleEvent
}

// StartInteractive opens an interactive agent conversation for the session.
// The session lock is held until Close.
func (m *Manager) StartInteractive(ctx context.Context, sessionID string) (*InteractiveSession, error) {
	sess, err := m.Store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	held, err := lock.Acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	thread := &store.Thread{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.Store.CreateThread(thread); err != nil {
		held.Release(ctx)
		return nil, err
	}
	if err := m.Store.AppendThreadMessage(&store.ThreadMessage{
		ID:        uuid.NewString(),
		ThreadID:  thread.ID,
		Role:      store.RoleUser,
		Content:   sess.Prompt,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		held.Release(ctx)
		return nil, err
	}

	handle, err := m.Agent.StartInteractive(ctx, sess.WorkspacePath, sess.Prompt, sess.ModelOverride)
	if err != nil {
		held.Release(ctx)
		return nil, err
	}

	is := &InteractiveSession{
		Handle:    handle,
		manager:   m,
		sessionID: sessionID,
		thread:    thread,
		lock:      held,
		frames:    make(chan amp.HandleEvent, 64),
	}
	go is.recordAssistantFrames(ctx)
	return is, nil
}

// Send forwards one user message to the agent and records it in the thread.
func (is *InteractiveSession) Send(text string) error {
	if err := is.Handle.Send(text); err != nil {
		return err
	}
	return is.manager.Store.AppendThreadMessage(&store.ThreadMessage{
		ID:        uuid.NewString(),
		ThreadID:  is.thread.ID,
		Role:      store.RoleUser,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	})
}

// Close stops the agent and releases the session lock.
func (is *InteractiveSession) Close(ctx context.Context) error {
	err := is.Handle.Stop(ctx)
	is.lock.Release(ctx)
	return err
}

// Frames exposes the agent's events to the caller: every event the handle
// produces is forwarded here after persistence. The channel closes when the
// agent exits.
func (is *InteractiveSession) Frames() <-chan amp.HandleEvent {
	return is.frames
}

// recordAssistantFrames drains the handle's events, persisting assistant
// text into the thread and forwarding each event to Frames. It exits when
// the handle's channel closes.
func (is *InteractiveSession) recordAssistantFrames(ctx context.Context) {
	defer close(is.frames)
	for ev := range is.Handle.Events() {
		is.forward(ev)
		if ev.Err != nil {
			logging.Warn(ctx, "interactive session error", slog.String("error", ev.Err.Error()))
		}
		if len(ev.Streaming) == 0 {
			continue
		}
		text := AssistantText(ev.Streaming)
		if text == "" {
			continue
		}
		if err := is.manager.Store.AppendThreadMessage(&store.ThreadMessage{
			ID:        uuid.NewString(),
			ThreadID:  is.thread.ID,
			Role:      store.RoleAssistant,
			Content:   text,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			logging.Warn(ctx, "recording assistant message failed", slog.String("error", err.Error()))
		}
	}
}

// forward hands an event to the Frames consumer without ever blocking
// persistence; when the consumer lags, the oldest event is dropped.
func (is *InteractiveSession) forward(ev amp.HandleEvent) {
	select {
	case is.frames <- ev:
	default:
		select {
		case <-is.frames:
		default:
		}
		select {
		case is.frames <- ev:
		default:
		}
	}
}

// AssistantText extracts visible assistant text from one streaming frame,
// empty when the frame is not an assistant message.
func AssistantText(frame json.RawMessage) string {
	var parsed struct {
		Type    string `json:"type"`
		Message struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"message"`
	}
	if json.Unmarshal(frame, &parsed) != nil {
		return ""
	}
	if parsed.Type != "assistant" && parsed.Message.Role != "assistant" {
		return ""
	}
	var text string
	for _, part := range parsed.Message.Content {
		if part.Type == "text" && part.Text != "" {
			if text != "" {
				text += "\n"
			}
			text += part.Text
		}
	}
	return text
}

// ThreadID identifies the conversation record backing this session.
func (is *InteractiveSession) ThreadID() string {
	return is.thread.ID
}

package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ampflow/cli/cmd/ampflow/cli/store"
)

// StoreSink writes events that have a corresponding table into the store.
// Tool calls are the only event kind persisted here: iteration rows are
// owned by the iteration engine (it knows start and end), and writing them
// from two sites would race. The sink writes each event before Publish
// returns, so tool call rows are durable in event order.
type StoreSink struct {
	store *store.Store
}

// NewStoreSink returns a sink writing into st.
func NewStoreSink(st *store.Store) *StoreSink {
	return &StoreSink{store: st}
}

// Write persists the event if it maps to a table.
func (s *StoreSink) Write(_ context.Context, e *Event) error {
	switch payload := e.Payload.(type) {
	case *ToolCallEvent:
		tc := &store.ToolCall{
			ID:          uuid.NewString(),
			SessionID:   e.SessionID,
			IterationID: e.IterationID,
			Timestamp:   pickTime(payload.Start, e.Time),
			ToolName:    payload.Tool,
			Arguments:   payload.Arguments,
			Success:     payload.Success,
		}
		if payload.DurationMS > 0 {
			d := payload.DurationMS
			tc.DurationMS = &d
		}
		return s.store.AddToolCall(tc)
	default:
		return nil
	}
}

func pickTime(primary, fallback time.Time) time.Time {
	if !primary.IsZero() {
		return primary
	}
	return fallback
}

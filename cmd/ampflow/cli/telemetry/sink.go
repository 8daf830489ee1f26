package telemetry

import (
	"context"

	"github.com/ampflow/cli/cmd/ampflow/cli/events"
)

// BusSink forwards iteration completions from the metrics bus to the
// analytics client. Only aggregate shape data leaves the host: outcome,
// duration, model, token counts. Prompts, diffs, and tool arguments are
// never forwarded.
type BusSink struct {
	client Client
}

// NewBusSink wraps an analytics client as an event sink.
func NewBusSink(client Client) *BusSink {
	return &BusSink{client: client}
}

// Write forwards the events the analytics layer cares about.
func (s *BusSink) Write(_ context.Context, e *events.Event) error {
	switch payload := e.Payload.(type) {
	case *events.IterationEnd:
		s.client.TrackIteration(e.SessionID, string(payload.Outcome), payload.DurationMS, "", 0)
	case *events.LLMUsage:
		s.client.TrackIteration(e.SessionID, "usage", payload.LatencyMS, payload.Model, payload.TotalTokens)
	}
	return nil
}

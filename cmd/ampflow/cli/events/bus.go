package events

import (
	"context"
	"sync"
	"time"

	"github.com/ampflow/cli/cmd/ampflow/cli/logging"
)

// Sink receives every published event. Write must be safe to call from
// multiple publishers; each sink handles its own synchronization.
type Sink interface {
	Write(ctx context.Context, e *Event) error
}

// panicWindow and maxSinkPanics bound how many times a sink may panic
// before the bus drops it.
const (
	panicWindow   = time.Minute
	maxSinkPanics = 3
)

// Bus fans events out to registered sinks in registration order.
// Publishing is synchronous: when Publish returns, every healthy sink has
// seen the event, which gives per-(session, iteration) ordering for free.
type Bus struct {
	mu     sync.Mutex
	sinks  []*sinkEntry
	closed bool
}

type sinkEntry struct {
	sink    Sink
	panics  []time.Time
	dropped bool
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Register adds a sink. Sinks registered after events were published only
// see subsequent events.
func (b *Bus) Register(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, &sinkEntry{sink: s})
}

// Publish delivers the event to every sink. Sink errors are logged, not
// returned; a sink that panics repeatedly within a short window is dropped.
func (b *Bus) Publish(ctx context.Context, e *Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	for _, entry := range b.sinks {
		if entry.dropped {
			continue
		}
		b.deliver(ctx, entry, e)
	}
}

func (b *Bus) deliver(ctx context.Context, entry *sinkEntry, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, "event sink panicked", "kind", string(e.Kind), "panic", r)
			now := time.Now()
			entry.panics = append(entry.panics, now)
			recent := 0
			for _, t := range entry.panics {
				if now.Sub(t) < panicWindow {
					recent++
				}
			}
			if recent >= maxSinkPanics {
				entry.dropped = true
				logging.Error(ctx, "dropping event sink after repeated panics")
			}
		}
	}()

	if err := entry.sink.Write(ctx, e); err != nil {
		logging.Warn(ctx, "event sink write failed",
			"kind", string(e.Kind), "session_id", e.SessionID, "error", err.Error())
	}
}

// Close marks the bus closed; subsequent publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

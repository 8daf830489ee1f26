package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// NDJSONSink appends each event as one JSON line to a log file:
// {ts, seq, kind, session, iteration?, payload}. seq is monotonic within
// the file for the lifetime of the sink.
type NDJSONSink struct {
	mu   sync.Mutex
	f    *os.File
	seq  uint64
	path string
}

// ndjsonLine is the wire shape of one event log line.
type ndjsonLine struct {
	TS        string `json:"ts"`
	Seq       uint64 `json:"seq"`
	Kind      Kind   `json:"kind"`
	Session   string `json:"session"`
	Iteration string `json:"iteration,omitempty"`
	Payload   any    `json:"payload"`
}

// NewNDJSONSink opens (appending) the event log at path.
func NewNDJSONSink(path string) (*NDJSONSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // caller-configured log path
	if err != nil {
		return nil, fmt.Errorf("opening event log %s: %w", path, err)
	}
	return &NDJSONSink{f: f, path: path}, nil
}

// Write appends one event line. Each line is written with a single Write
// call so concurrent publishers cannot interleave partial lines.
func (s *NDJSONSink) Write(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	line := ndjsonLine{
		TS:        e.Time.UTC().Format(time.RFC3339Nano),
		Seq:       s.seq,
		Kind:      e.Kind,
		Session:   e.SessionID,
		Iteration: e.IterationID,
		Payload:   e.Payload,
	}
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.f.Write(data); err != nil {
		return fmt.Errorf("appending to event log: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (s *NDJSONSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

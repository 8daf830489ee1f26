package logging

import (
	"context"
	"testing"
)

func TestContextCarriers(t *testing.T) {
	ctx := context.Background()

	if got := SessionIDFromContext(ctx); got != "" {
		t.Errorf("empty context session id = %q", got)
	}

	ctx = WithSession(ctx, "sess-1")
	ctx = WithIteration(ctx, "it-9")
	ctx = WithComponent(ctx, "batch")

	if got := SessionIDFromContext(ctx); got != "sess-1" {
		t.Errorf("session id = %q", got)
	}
	if got := IterationIDFromContext(ctx); got != "it-9" {
		t.Errorf("iteration id = %q", got)
	}
	if got := ComponentFromContext(ctx); got != "batch" {
		t.Errorf("component = %q", got)
	}

	// Rescoping replaces, never appends.
	ctx = WithSession(ctx, "sess-2")
	if got := SessionIDFromContext(ctx); got != "sess-2" {
		t.Errorf("rescoped session id = %q", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in    string
		valid bool
	}{
		{"debug", true},
		{"info", true},
		{"warn", true},
		{"error", true},
		{"DEBUG", true},
		{"", true}, // empty means "use the default"
		{"verbose", false},
		{"5", false},
	}

	for _, tt := range tests {
		if got := isValidLogLevel(tt.in); got != tt.valid {
			t.Errorf("isValidLogLevel(%q) = %v, want %v", tt.in, got, tt.valid)
		}
	}
}

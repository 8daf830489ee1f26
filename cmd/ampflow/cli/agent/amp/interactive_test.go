package amp

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ampflow/cli/cmd/ampflow/cli/paths"
)

func writeStubAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "amp")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil { //nolint:gosec // test stub must be executable
		t.Fatal(err)
	}
	return path
}

func waitForState(t *testing.T, h *Handle, want HandleState) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if h.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", h.State(), want)
}

func TestBuildInteractiveArgs(t *testing.T) {
	c := &Config{ExtraArgs: []string{"--jsonl"}}

	args := c.buildInteractiveArgs("fix the bug", "fast")
	want := []string{"--execute", "fix the bug", "--stream-json", "--stream-json-input", "--try-fast", "--jsonl"}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args[%d] = %q, want %q", i, args[i], want[i])
		}
	}

	for _, arg := range c.buildInteractiveArgs("fix the bug", "") {
		if strings.HasPrefix(arg, "--try-") {
			t.Errorf("no model override should add a model flag, got %q", arg)
		}
	}
}

// A stdin-first agent produces no output until it has read a message. The
// session must still become writable after the initialization delay.
func TestInteractive_ReadyBeforeFirstOutput(t *testing.T) {
	t.Setenv(paths.ConfigDirEnvVar, t.TempDir())
	prev := readyDelay
	readyDelay = 150 * time.Millisecond
	defer func() { readyDelay = prev }()

	script := "#!/bin/sh\nread line\nprintf '%s\\n' \"$line\"\n"
	c := &Config{BinaryPath: writeStubAgent(t, script)}

	h, err := c.StartInteractive(context.Background(), t.TempDir(), "start", "")
	if err != nil {
		t.Fatalf("StartInteractive() error = %v", err)
	}
	defer h.Stop(context.Background()) //nolint:errcheck // idempotent cleanup

	if err := h.Send("too early"); err == nil {
		t.Fatal("Send before ready should fail")
	}

	waitForState(t, h, StateReady)

	if err := h.Send("hello agent"); err != nil {
		t.Fatalf("Send() after ready = %v", err)
	}

	// The stub echoes the envelope back as a stream frame.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				t.Fatal("events closed before the echoed frame arrived")
			}
			if strings.Contains(string(ev.Streaming), "hello agent") {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the echoed frame")
		}
	}
}

// Output-first agents keep the old behavior: the first stream line makes
// the session ready without waiting out the timer.
func TestInteractive_ReadyOnFirstOutput(t *testing.T) {
	t.Setenv(paths.ConfigDirEnvVar, t.TempDir())
	prev := readyDelay
	readyDelay = 10 * time.Second
	defer func() { readyDelay = prev }()

	script := "#!/bin/sh\necho '{\"type\":\"system\",\"subtype\":\"init\"}'\nread line\n"
	c := &Config{BinaryPath: writeStubAgent(t, script)}

	h, err := c.StartInteractive(context.Background(), t.TempDir(), "start", "")
	if err != nil {
		t.Fatalf("StartInteractive() error = %v", err)
	}
	defer h.Stop(context.Background()) //nolint:errcheck // idempotent cleanup

	waitForState(t, h, StateReady)
}

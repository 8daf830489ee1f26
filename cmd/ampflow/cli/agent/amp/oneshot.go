package amp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/ampflow/cli/cmd/ampflow/cli/logging"
	"github.com/ampflow/cli/redact"
)

// IterationRequest describes one one-shot agent invocation.
type IterationRequest struct {
	Prompt    string
	Workspace string
	Model     string // optional override, mapped to --try-<alias>
	SessionID string
	ThreadID  string // continue this agent thread when non-empty
}

// IterationResult is the outcome of a one-shot invocation.
type IterationResult struct {
	Success       bool
	ExitCode      int
	Output        string // redacted, merged stdout+stderr
	Telemetry     *Telemetry
	AwaitingInput bool
	CommandLine   string
	Duration      time.Duration
}

// RunIteration invokes the agent once with the prompt in the workspace and
// parses telemetry from its output. When req.ThreadID is set the "continue
// thread" form is used; otherwise a new thread is started.
//
// The context bounds the subprocess: on cancellation or deadline the child
// is terminated.
func (c *Config) RunIteration(ctx context.Context, req IterationRequest) (*IterationResult, error) {
	args := c.buildOneShotArgs(req)

	cmd := exec.CommandContext(ctx, c.binary(), args...) //nolint:gosec // binary is operator-configured
	cmd.Dir = req.Workspace
	cmd.Env = c.childEnv()
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else if ctx.Err() != nil {
			return nil, fmt.Errorf("agent timed out after %s: %w", duration.Round(time.Millisecond), ctx.Err())
		} else {
			return nil, fmt.Errorf("spawning agent %s: %w", c.binary(), runErr)
		}
	}

	// Merge and redact before anything else sees the output.
	merged := stdout.String()
	if stderr.Len() > 0 {
		merged += "\n" + stderr.String()
	}
	merged, truncated := capOutput(merged)
	if truncated {
		logging.Warn(ctx, "agent output truncated",
			slog.String("session_id", req.SessionID), slog.Int("cap_bytes", maxOutputBytes))
	}
	merged = redact.String(merged)

	telemetry := Parse(merged)
	telemetry.Exit = exitCode

	result := &IterationResult{
		Success:     exitCode == 0,
		ExitCode:    exitCode,
		Output:      merged,
		Telemetry:   telemetry,
		CommandLine: CommandLine(c.binary(), args),
		Duration:    duration,
	}

	// The agent exited cleanly, called no tools, and asked a question.
	// The caller confirms against the worktree before treating the turn as
	// waiting on the user: a turn that left a diff is productive.
	if result.Success && len(telemetry.ToolCalls) == 0 && looksAwaitingInput(merged) {
		result.AwaitingInput = true
	}

	return result, nil
}

// buildOneShotArgs assembles the argv for a one-shot run.
func (c *Config) buildOneShotArgs(req IterationRequest) []string {
	var args []string
	if req.ThreadID != "" {
		args = append(args, "threads", "continue", req.ThreadID)
	}
	args = append(args, "--execute", req.Prompt)
	if c.JSONLogs {
		args = append(args, "--jsonl")
	}
	if flag := modelFlag(req.Model); flag != "" {
		args = append(args, flag)
	}
	args = append(args, c.ExtraArgs...)
	return args
}

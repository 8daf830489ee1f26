package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ampflow/cli/cmd/ampflow/cli/agent/amp"
	"github.com/ampflow/cli/cmd/ampflow/cli/events"
	"github.com/ampflow/cli/cmd/ampflow/cli/lock"
	"github.com/ampflow/cli/cmd/ampflow/cli/logging"
	"github.com/ampflow/cli/cmd/ampflow/cli/paths"
	"github.com/ampflow/cli/cmd/ampflow/cli/pricing"
	"github.com/ampflow/cli/cmd/ampflow/cli/store"
)

// IterateOptions configures one iteration.
type IterateOptions struct {
	// FollowUp drives this turn instead of the session prompt when set.
	FollowUp string

	// Timeout bounds the agent subprocess; zero means no deadline beyond
	// the caller's context.
	Timeout time.Duration
}

// IterationOutcome is what one turn produced.
type IterationOutcome struct {
	IterationID   string
	Status        store.SessionStatus
	CommitSHA     string
	ChangedFiles  int
	ExitCode      int
	TestResult    store.TestResult
	TotalTokens   int64
	ToolCallCount int
	AwaitingInput bool
	Output        string
}

// oracleGuidancePrompt is the follow-up sent when the agent asks for
// oracle guidance mid-turn.
const oracleGuidancePrompt = "Consult the oracle about the question you raised, " +
	"summarize its guidance, and state how you will proceed."

// Iterate executes one agent turn for the session, under the session lock.
// The iteration row is persisted on every path, including failure.
func (m *Manager) Iterate(ctx context.Context, sessionID string, opts IterateOptions) (*IterationOutcome, error) {
	sess, err := m.Store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	var outcome *IterationOutcome
	lockErr := lock.WithLock(ctx, sessionID, func() error {
		var runErr error
		outcome, runErr = m.iterateLocked(ctx, sess, opts)
		return runErr
	})
	return outcome, lockErr
}

func (m *Manager) iterateLocked(ctx context.Context, sess *store.Session, opts IterateOptions) (outcome *IterationOutcome, err error) {
	ctx = logging.WithSession(ctx, sess.ID)

	// Any failure below leaves the session in error; the deferred handler
	// is the single place that enforces it.
	defer func() {
		if err != nil {
			if stErr := m.Store.UpdateSessionStatus(sess.ID, store.SessionError); stErr != nil {
				logging.Warn(ctx, "marking session error failed", slog.String("error", stErr.Error()))
			}
		}
	}()

	// 1. Refresh agent context files.
	authorName, authorEmail := m.Git.CommitterIdentity(sess.WorkspacePath)
	if err := writeSessionFile(sess, authorName, authorEmail); err != nil {
		return nil, err
	}
	if err := writeDiffSummary(ctx, m.Git, sess); err != nil {
		logging.Warn(ctx, "diff summary refresh failed", slog.String("error", err.Error()))
	}

	// 2. Open the iteration record.
	prior, err := m.Store.IterationsFor(sess.ID)
	if err != nil {
		return nil, err
	}
	sequence := len(prior) + 1
	shaBefore, _ := m.Git.RevParse(ctx, sess.WorkspacePath, "HEAD")

	iteration := &store.Iteration{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		StartTime: time.Now().UTC(),
	}
	if err := m.Store.CreateIteration(iteration); err != nil {
		return nil, err
	}
	ctx = logging.WithIteration(ctx, iteration.ID)
	if err := m.Store.UpdateSessionStatus(sess.ID, store.SessionRunning); err != nil {
		return nil, err
	}
	m.publish(ctx, events.KindIterationStart, sess.ID, iteration.ID,
		&events.IterationStart{Sequence: sequence, SHA: shaBefore})

	// 3. The prompt for this turn.
	prompt := opts.FollowUp
	if prompt == "" {
		prompt = sess.Prompt
	}
	m.publish(ctx, events.KindUserMessage, sess.ID, iteration.ID, &events.UserMessage{Text: prompt})

	// 4. Run the agent.
	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	start := time.Now()
	res, err := m.Agent.RunIteration(runCtx, amp.IterationRequest{
		Prompt:    prompt,
		Workspace: sess.WorkspacePath,
		Model:     sess.ModelOverride,
		SessionID: sess.ID,
		ThreadID:  sess.ThreadID,
	})
	if err != nil {
		m.finishFailed(ctx, sess, iteration, start, err)
		return nil, err
	}

	// 5. Oracle consultation is informational: run the guidance turn and
	// log it, status is unaffected.
	if m.oracleRequested(res.Output) {
		guidance, gErr := m.Agent.RunIteration(runCtx, amp.IterationRequest{
			Prompt:    oracleGuidancePrompt,
			Workspace: sess.WorkspacePath,
			Model:     sess.ModelOverride,
			SessionID: sess.ID,
			ThreadID:  sess.ThreadID,
		})
		if gErr != nil {
			logging.Warn(ctx, "oracle guidance turn failed", slog.String("error", gErr.Error()))
		} else if logErr := appendIterationLog(sess.WorkspacePath, "Oracle guidance:\n\n"+guidance.Output); logErr != nil {
			logging.Warn(ctx, "appending oracle guidance failed", slog.String("error", logErr.Error()))
		}
	}

	// 6. Final status. The adapter flags a clean tool-less turn that asked
	// a question; it only counts as awaiting input when the agent also left
	// no diff of its own. Context files this process refreshes do not count
	// as an agent diff.
	agentDiff, err := m.agentLeftDiff(ctx, sess.WorkspacePath)
	if err != nil {
		m.finishFailed(ctx, sess, iteration, start, err)
		return nil, err
	}
	awaiting := res.AwaitingInput && !agentDiff
	status := store.SessionIdle
	switch {
	case awaiting:
		status = store.SessionAwaitingInput
	case res.ExitCode != 0:
		status = store.SessionError
	}

	// 7. Detect, stage, and commit repository changes.
	commitSHA, changedFiles, err := m.commitChanges(ctx, sess, iteration.ID, prompt)
	if err != nil {
		m.finishFailed(ctx, sess, iteration, start, err)
		return nil, err
	}

	// 8. Test script, only when this turn produced a commit.
	var testResult store.TestResult
	if sess.ScriptCommand != "" && commitSHA != "" {
		testResult = m.runTestScript(ctx, sess, iteration.ID)
		if testResult == store.TestFail && status == store.SessionIdle {
			status = store.SessionAwaitingInput
		}
	}

	// 9. Telemetry-derived events.
	telemetry := res.Telemetry
	if telemetry.TotalTokens > 0 && telemetry.Model != "" {
		m.publish(ctx, events.KindLLMUsage, sess.ID, iteration.ID, &events.LLMUsage{
			Model:            telemetry.Model,
			PromptTokens:     telemetry.PromptTokens,
			CompletionTokens: telemetry.CompletionTokens,
			TotalTokens:      telemetry.TotalTokens,
			CostUSD:          pricing.Cost(telemetry.Model, telemetry.PromptTokens, telemetry.CompletionTokens),
			LatencyMS:        res.Duration.Milliseconds(),
		})
	}
	for _, tc := range telemetry.ToolCalls {
		ev := &events.ToolCallEvent{
			Tool:      tc.Name,
			Arguments: tc.Arguments,
			Start:     tc.Timestamp,
			Success:   tc.Success,
		}
		if tc.DurationMS != nil {
			ev.DurationMS = *tc.DurationMS
			ev.End = tc.Timestamp.Add(time.Duration(*tc.DurationMS) * time.Millisecond)
		}
		m.publish(ctx, events.KindToolCall, sess.ID, iteration.ID, ev)
	}

	// 10. Close out: iteration_end last, then persistence.
	duration := time.Since(start)
	m.publish(ctx, events.KindIterationEnd, sess.ID, iteration.ID, &events.IterationEnd{
		Outcome:    outcomeFor(status),
		Duration:   duration,
		DurationMS: duration.Milliseconds(),
		ExitCode:   res.ExitCode,
	})

	end := time.Now().UTC()
	iteration.EndTime = &end
	iteration.CommitSHA = commitSHA
	iteration.ChangedFiles = changedFiles
	iteration.ExitCode = res.ExitCode
	iteration.TestResult = testResult
	iteration.PromptTokens = telemetry.PromptTokens
	iteration.CompletionTokens = telemetry.CompletionTokens
	iteration.TotalTokens = telemetry.TotalTokens
	iteration.Model = telemetry.Model
	iteration.AgentVersion = telemetry.AgentVersion
	iteration.CommandLine = res.CommandLine
	iteration.RawOutput = res.Output
	if err := m.Store.FinishIteration(iteration); err != nil {
		return nil, err
	}
	if err := m.Store.UpdateSessionStatus(sess.ID, status); err != nil {
		return nil, err
	}
	if opts.FollowUp != "" {
		if err := m.Store.AddFollowUpPrompt(&store.FollowUpPrompt{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			Prompt:    opts.FollowUp,
			CreatedAt: time.Now().UTC(),
		}); err != nil {
			return nil, err
		}
	}

	// 11. A newly reported thread id sticks to the session.
	if telemetry.ThreadID != "" && telemetry.ThreadID != sess.ThreadID {
		if err := m.Store.UpdateSessionThreadID(sess.ID, telemetry.ThreadID); err != nil {
			return nil, err
		}
		sess.ThreadID = telemetry.ThreadID
	}

	if err := writeLastStatus(sess.WorkspacePath, &LastStatus{
		SessionID:    sess.ID,
		Status:       string(status),
		CommitSHA:    commitSHA,
		ChangedFiles: changedFiles,
		ExitCode:     res.ExitCode,
		TestResult:   string(testResult),
	}); err != nil {
		logging.Warn(ctx, "writing last status failed", slog.String("error", err.Error()))
	}
	if err := appendIterationLog(sess.WorkspacePath, fmt.Sprintf(
		"Iteration %d: status=%s commit=%.12s changed=%d exit=%d tokens=%d",
		sequence, status, commitSHA, changedFiles, res.ExitCode, telemetry.TotalTokens)); err != nil {
		logging.Warn(ctx, "appending iteration log failed", slog.String("error", err.Error()))
	}

	logging.Info(ctx, "iteration finished",
		slog.String("status", string(status)),
		slog.Int("changed_files", changedFiles),
		slog.Int64("duration_ms", duration.Milliseconds()))

	return &IterationOutcome{
		IterationID:   iteration.ID,
		Status:        status,
		CommitSHA:     commitSHA,
		ChangedFiles:  changedFiles,
		ExitCode:      res.ExitCode,
		TestResult:    testResult,
		TotalTokens:   telemetry.TotalTokens,
		ToolCallCount: len(telemetry.ToolCalls),
		AwaitingInput: awaiting,
		Output:        res.Output,
	}, nil
}

// agentLeftDiff reports whether the working tree holds changes made by the
// agent, ignoring everything under the context directory.
func (m *Manager) agentLeftDiff(ctx context.Context, workspacePath string) (bool, error) {
	files, err := m.Git.ChangedFiles(ctx, workspacePath)
	if err != nil {
		return false, err
	}
	for _, f := range files {
		if f != paths.ContextDirName && !strings.HasPrefix(f, paths.ContextDirName+"/") {
			return true, nil
		}
	}
	return false, nil
}

// finishFailed persists the iteration row for a turn that threw before
// completing, so no iteration is ever left open.
func (m *Manager) finishFailed(ctx context.Context, sess *store.Session, iteration *store.Iteration, start time.Time, cause error) {
	duration := time.Since(start)
	m.publish(ctx, events.KindIterationEnd, sess.ID, iteration.ID, &events.IterationEnd{
		Outcome:    events.OutcomeFailed,
		Duration:   duration,
		DurationMS: duration.Milliseconds(),
		ExitCode:   -1,
	})
	end := time.Now().UTC()
	iteration.EndTime = &end
	iteration.ExitCode = -1
	iteration.RawOutput = cause.Error()
	if err := m.Store.FinishIteration(iteration); err != nil {
		logging.Warn(ctx, "persisting failed iteration failed", slog.String("error", err.Error()))
	}
}

// commitChanges stages everything the turn touched, emits a file_edit event
// per path, and commits with the canonical agent-commit subject. Returns
// empty SHA when the tree is unchanged.
func (m *Manager) commitChanges(ctx context.Context, sess *store.Session, iterationID, prompt string) (string, int, error) {
	dirty, err := m.Git.HasChanges(ctx, sess.WorkspacePath)
	if err != nil {
		return "", 0, err
	}
	if !dirty {
		return "", 0, nil
	}

	operations, err := m.classifyChanges(ctx, sess.WorkspacePath)
	if err != nil {
		return "", 0, err
	}
	if _, err := m.Git.Exec(ctx, sess.WorkspacePath, 0, "add", "-A"); err != nil {
		return "", 0, err
	}
	numstat, err := m.Git.StagedNumstat(ctx, sess.WorkspacePath)
	if err != nil {
		return "", 0, err
	}

	for path, counts := range numstat {
		op, ok := operations[path]
		if !ok {
			op = events.OpModify
		}
		m.publish(ctx, events.KindFileEdit, sess.ID, iterationID, &events.FileEdit{
			Path:         path,
			LinesAdded:   counts[0],
			LinesDeleted: counts[1],
			Operation:    op,
		})
	}

	subject := paths.AgentCommitPrefix + commitSummary(prompt)
	if _, err := m.Git.Exec(ctx, sess.WorkspacePath, 0, "commit", "-m", subject); err != nil {
		return "", 0, err
	}
	sha, err := m.Git.RevParse(ctx, sess.WorkspacePath, "HEAD")
	if err != nil {
		return "", 0, err
	}
	return sha, len(numstat), nil
}

// classifyChanges maps changed paths to create/modify/delete from porcelain
// status, before staging collapses the distinction.
func (m *Manager) classifyChanges(ctx context.Context, workspacePath string) (map[string]events.FileOperation, error) {
	res, err := m.Git.Exec(ctx, workspacePath, 0, "status", "--porcelain")
	if err != nil {
		return nil, err
	}
	ops := make(map[string]events.FileOperation)
	for _, line := range strings.Split(res.Stdout, "\n") {
		if len(line) < 4 {
			continue
		}
		marker := line[:2]
		path := strings.TrimSpace(line[3:])
		if idx := strings.Index(path, " -> "); idx >= 0 {
			path = path[idx+4:]
		}
		path = strings.Trim(path, `"`)
		switch {
		case strings.Contains(marker, "D"):
			ops[path] = events.OpDelete
		case strings.Contains(marker, "?") || strings.Contains(marker, "A"):
			ops[path] = events.OpCreate
		default:
			ops[path] = events.OpModify
		}
	}
	return ops, nil
}

// commitSummary condenses the driving prompt into a commit subject.
func commitSummary(prompt string) string {
	line := prompt
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	const maxSubject = 60
	if len(line) > maxSubject {
		line = strings.TrimSpace(line[:maxSubject]) + "..."
	}
	if line == "" {
		line = "iteration changes"
	}
	return line
}

// runTestScript executes the session's test script in the workspace and
// publishes the test_result event. Script failure is a result, not an error.
func (m *Manager) runTestScript(ctx context.Context, sess *store.Session, iterationID string) store.TestResult {
	start := time.Now()
	exitCode, _ := runShellCommand(ctx, sess.WorkspacePath, sess.ScriptCommand)
	duration := time.Since(start)

	result := store.TestPass
	if exitCode != 0 {
		result = store.TestFail
	}
	m.publish(ctx, events.KindTestResult, sess.ID, iterationID, &events.TestResultEvent{
		Command:    sess.ScriptCommand,
		DurationMS: duration.Milliseconds(),
		ExitCode:   exitCode,
	})
	logging.Info(ctx, "test script finished",
		slog.String("result", string(result)), slog.Int64("duration_ms", duration.Milliseconds()))
	return result
}

// runShellCommand runs a command line through the shell with merged output.
func runShellCommand(ctx context.Context, dir, command string) (int, string) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command) //nolint:gosec // operator-supplied script
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	cmd.WaitDelay = 5 * time.Second

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), out.String()
		}
		return -1, out.String()
	}
	return 0, out.String()
}

// publish sends one event through the bus with the iteration scope set.
func (m *Manager) publish(ctx context.Context, kind events.Kind, sessionID, iterationID string, payload any) {
	m.Bus.Publish(ctx, &events.Event{
		Kind:        kind,
		SessionID:   sessionID,
		IterationID: iterationID,
		Payload:     payload,
	})
}

func outcomeFor(status store.SessionStatus) events.Outcome {
	switch status {
	case store.SessionAwaitingInput:
		return events.OutcomeAwaitingInput
	case store.SessionError:
		return events.OutcomeFailed
	default:
		return events.OutcomeSuccess
	}
}

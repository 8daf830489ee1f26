package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ampflow/cli/cmd/ampflow/cli/gitx"
	"github.com/ampflow/cli/cmd/ampflow/cli/logging"
	"github.com/ampflow/cli/cmd/ampflow/cli/store"
	"github.com/ampflow/cli/cmd/ampflow/cli/workspace"
)

// abortedReason is recorded on items skipped by an abort.
const abortedReason = "batch aborted"

// Scheduler drives one batch run. Create a fresh scheduler per run; Abort
// signals the run's slot loops cooperatively.
type Scheduler struct {
	Store   *store.Store
	Manager *workspace.Manager

	aborted atomic.Bool
}

// NewScheduler wires a scheduler.
func NewScheduler(st *store.Store, mgr *workspace.Manager) *Scheduler {
	return &Scheduler{Store: st, Manager: mgr}
}

// Abort signals the run to stop. In-flight items complete their current
// session; everything still queued transitions to error.
func (s *Scheduler) Abort() {
	s.aborted.Store(true)
}

// RunOptions configure Run.
type RunOptions struct {
	RunID  string // explicit run identifier; empty generates one
	DryRun bool   // print the plan, touch nothing
}

// RunResult is the outcome of a batch run.
type RunResult struct {
	RunID   string
	Status  store.BatchRunStatus
	Items   []*store.BatchItem
	Summary string // set for dry runs
}

// Failed reports whether any item ended in a non-success terminal state.
func (r *RunResult) Failed() bool {
	for _, item := range r.Items {
		if item.Status != store.ItemSuccess {
			return true
		}
	}
	return false
}

// Run executes the plan. Auth is validated once up front: an unauthenticated
// agent fails every item before any session is created.
func (s *Scheduler) Run(ctx context.Context, plan *Plan, opts RunOptions) (*RunResult, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = logging.WithComponent(ctx, "batch")

	if opts.DryRun {
		return &RunResult{RunID: runID, Summary: plan.Summary()}, nil
	}

	run := &store.BatchRun{
		ID:          runID,
		Defaults:    plan.Defaults,
		Concurrency: plan.Concurrency,
		Status:      store.RunRunning,
		CreatedAt:   time.Now().UTC(),
	}
	items := make([]*store.BatchItem, len(plan.Matrix))
	for i, entry := range plan.Matrix {
		items[i] = &store.BatchItem{
			ID:       uuid.NewString(),
			RunID:    runID,
			RepoPath: entry.Repo,
			Prompt:   entry.Prompt,
			Status:   store.ItemQueued,
		}
	}

	// Auth gate: one failed probe fails the whole run before any session
	// exists, with the agent's suggestion attached to every item.
	auth := s.Manager.Agent.ValidateAuth(ctx)
	if !auth.Authenticated || (auth.Error == "" && !auth.HasCredits) {
		message := auth.Error
		if message == "" {
			message = "agent has no credits"
		}
		if auth.Suggestion != "" {
			message += " (" + auth.Suggestion + ")"
		}
		run.Status = store.RunError
		now := time.Now().UTC()
		for _, item := range items {
			item.Status = store.ItemError
			item.FinishedAt = &now
			item.ErrorText = message
		}
		if err := s.Store.CreateBatchRun(run, items); err != nil {
			return nil, err
		}
		return &RunResult{RunID: runID, Status: store.RunError, Items: items},
			fmt.Errorf("agent auth failed: %s", message)
	}

	if err := s.Store.CreateBatchRun(run, items); err != nil {
		return nil, err
	}
	logging.Info(ctx, "batch run started",
		slog.String("run_id", runID),
		slog.Int("items", len(items)),
		slog.Int("concurrency", plan.Concurrency))

	// Slot loop: items start in plan order, each slot owns its item
	// exclusively until it writes the terminal status.
	work := make(chan int)
	var wg sync.WaitGroup
	slots := plan.Concurrency
	if slots > len(items) {
		slots = len(items)
	}
	for range slots {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range work {
				s.runItem(ctx, plan, plan.Matrix[idx], items[idx])
			}
		}()
	}
	for i := range items {
		work <- i
	}
	close(work)
	wg.Wait()

	status := store.RunCompleted
	if s.aborted.Load() {
		status = store.RunAborted
	}
	if err := s.Store.UpdateBatchRunStatus(runID, status); err != nil {
		return nil, err
	}

	final, err := s.Store.BatchItems(runID, "")
	if err != nil {
		return nil, err
	}
	logging.Info(ctx, "batch run finished", slog.String("run_id", runID), slog.String("status", string(status)))
	return &RunResult{RunID: runID, Status: status, Items: final}, nil
}

// runItem executes one item end to end: claim, session + single iteration,
// classification, optional merge. The slot polls the abort signal before
// claiming, never mid-iteration.
func (s *Scheduler) runItem(ctx context.Context, plan *Plan, entry PlanItem, item *store.BatchItem) {
	if s.aborted.Load() {
		s.finishItem(ctx, item, store.ItemError, abortedReason)
		return
	}
	if err := s.Store.MarkBatchItemRunning(item.ID); err != nil {
		logging.Warn(ctx, "claiming batch item failed",
			slog.String("item_id", item.ID), slog.String("error", err.Error()))
		return
	}

	e := plan.resolve(entry)
	var lastErr error
	for attempt := 0; attempt <= e.Retries; attempt++ {
		if attempt > 0 {
			logging.Info(ctx, "retrying batch item",
				slog.String("item_id", item.ID), slog.Int("attempt", attempt+1))
		}
		done := s.attemptItem(ctx, e, item)
		if done {
			return
		}
		lastErr = errors.New(item.ErrorText)
	}

	status := classifyError(lastErr)
	s.finishItem(ctx, item, status, lastErr.Error())
}

// attemptItem runs one attempt. Returns true when the item reached a
// terminal state (success, fail, or a non-retryable record); false asks the
// slot to retry. Session creation performs the single iteration itself, so
// the scheduler never iterates again for this item.
func (s *Scheduler) attemptItem(ctx context.Context, e effective, item *store.BatchItem) bool {
	sess, outcome, err := s.Manager.CreateSession(ctx, workspace.CreateSessionOptions{
		Prompt:              e.Prompt,
		RepoRoot:            e.Repo,
		BaseBranch:          e.BaseBranch,
		ScriptCommand:       e.ScriptCommand,
		Model:               e.Model,
		BatchRunID:          item.RunID,
		RunInitialIteration: true,
		IterationTimeout:    time.Duration(e.TimeoutSec) * time.Second,
	})
	if sess != nil {
		item.SessionID = sess.ID
	}
	if outcome != nil {
		item.CommitSHA = outcome.CommitSHA
		item.TokenTotal = outcome.TotalTokens
		item.ToolCallCount = outcome.ToolCallCount
	}
	if err != nil {
		item.ErrorText = err.Error()
		// Timeouts are retried like errors; fail states are terminal.
		return false
	}

	status := store.ItemSuccess
	switch {
	case outcome.ExitCode != 0:
		status = store.ItemFail
	case outcome.TestResult == store.TestFail:
		status = store.ItemFail
	}

	if e.MergeOnPass && status == store.ItemSuccess {
		s.mergeOnPass(ctx, sess.ID)
	}

	s.finishItem(ctx, item, status, "")
	return true
}

// mergeOnPass attempts preflight + squash + rebase for a passing item.
// Merge trouble is logged, never fatal to the item.
func (s *Scheduler) mergeOnPass(ctx context.Context, sessionID string) {
	preflight, err := s.Manager.Preflight(ctx, sessionID)
	if err != nil {
		logging.Warn(ctx, "merge-on-pass preflight failed",
			slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return
	}
	if !preflight.Ready() {
		logging.Info(ctx, "merge-on-pass skipped",
			slog.String("session_id", sessionID),
			slog.String("issues", strings.Join(preflight.Issues, "; ")))
		return
	}
	if _, err := s.Manager.Squash(ctx, sessionID, "batch: merge passing session", false); err != nil {
		logging.Warn(ctx, "merge-on-pass squash failed",
			slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return
	}
	result, err := s.Manager.RebaseOntoBase(ctx, sessionID)
	if err != nil {
		logging.Warn(ctx, "merge-on-pass rebase failed",
			slog.String("session_id", sessionID), slog.String("error", err.Error()))
		return
	}
	if result.Status == gitx.RebaseConflict {
		logging.Info(ctx, "merge-on-pass hit conflicts; session left rebasing",
			slog.String("session_id", sessionID))
	}
}

// finishItem writes an item's terminal state.
func (s *Scheduler) finishItem(ctx context.Context, item *store.BatchItem, status store.BatchItemStatus, errText string) {
	now := time.Now().UTC()
	item.Status = status
	item.FinishedAt = &now
	item.ErrorText = errText
	if err := s.Store.FinishBatchItem(item); err != nil {
		logging.Error(ctx, "persisting batch item failed",
			slog.String("item_id", item.ID), slog.String("error", err.Error()))
	}
}

// timeoutSignatures are error-text fragments classified as timeouts.
var timeoutSignatures = []string{
	"timed out",
	"deadline exceeded",
	"timeout",
}

// classifyError maps an item failure to its terminal status: timeout when
// the error carries a timeout signature, else error.
func classifyError(err error) store.BatchItemStatus {
	if err == nil {
		return store.ItemError
	}
	if gitx.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return store.ItemTimeout
	}
	text := strings.ToLower(err.Error())
	for _, sig := range timeoutSignatures {
		if strings.Contains(text, sig) {
			return store.ItemTimeout
		}
	}
	return store.ItemError
}

// Package workspace implements the session lifecycle: creating an isolated
// worktree per session, driving agent iterations under the session lock,
// and integrating finished work back into the base branch.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ampflow/cli/cmd/ampflow/cli/agent/amp"
	"github.com/ampflow/cli/cmd/ampflow/cli/events"
	"github.com/ampflow/cli/cmd/ampflow/cli/gitx"
	"github.com/ampflow/cli/cmd/ampflow/cli/logging"
	"github.com/ampflow/cli/cmd/ampflow/cli/paths"
	"github.com/ampflow/cli/cmd/ampflow/cli/store"
)

// Manager composes the git driver, lock, store, event bus, and agent
// adapter into the session lifecycle operations.
type Manager struct {
	Git   *gitx.Driver
	Store *store.Store
	Bus   *events.Bus
	Agent *amp.Config

	// OracleHint detects a request for oracle guidance in agent output.
	// Nil uses the default substring heuristic.
	OracleHint func(output string) bool
}

// NewManager wires a manager from its parts.
func NewManager(git *gitx.Driver, st *store.Store, bus *events.Bus, agent *amp.Config) *Manager {
	return &Manager{Git: git, Store: st, Bus: bus, Agent: agent}
}

// CreateSessionOptions configures CreateSession.
type CreateSessionOptions struct {
	Name          string // defaults to a slug of the prompt
	Prompt        string // required
	RepoRoot      string // required, absolute path to a git repository
	BaseBranch    string // defaults to the repository's default branch
	ScriptCommand string
	Model         string
	Mode          store.SessionMode // defaults to async
	BatchRunID    string

	// RunInitialIteration runs one iteration as part of creation. Callers
	// that set it must not iterate again for the "first" turn.
	RunInitialIteration bool
	IterationTimeout    time.Duration
}

// CreateSession creates the branch, worktree, context files, and store row
// for a new session. Filesystem and git refs have no shared transaction, so
// any failure after the worktree exists rolls the branch and directory back
// before returning.
//
// When opts.RunInitialIteration is set, the first iteration runs before
// returning; its outcome is the second return value. A failed initial
// iteration leaves the session in place (status error) and returns the
// iteration error alongside the session.
func (m *Manager) CreateSession(ctx context.Context, opts CreateSessionOptions) (*store.Session, *IterationOutcome, error) {
	if strings.TrimSpace(opts.Prompt) == "" {
		return nil, nil, errors.New("prompt is required")
	}
	repoRoot, err := filepath.Abs(opts.RepoRoot)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving repo path: %w", err)
	}
	if !m.Git.IsRepo(ctx, repoRoot) {
		return nil, nil, fmt.Errorf("%s is not a git repository", repoRoot)
	}

	base := opts.BaseBranch
	if base == "" {
		base = m.Git.DefaultBranch(ctx, repoRoot)
	}
	name := opts.Name
	if name == "" {
		name = sessionNameFromPrompt(opts.Prompt)
	}
	mode := opts.Mode
	if mode == "" {
		mode = store.ModeAsync
	}

	now := time.Now().UTC()
	sess := &store.Session{
		ID:            uuid.NewString(),
		Name:          name,
		Prompt:        opts.Prompt,
		RepoRoot:      repoRoot,
		BaseBranch:    base,
		Branch:        paths.SessionBranch(name, now),
		Status:        store.SessionIdle,
		Mode:          mode,
		ScriptCommand: opts.ScriptCommand,
		ModelOverride: opts.Model,
		BatchRunID:    opts.BatchRunID,
		CreatedAt:     now,
	}
	sess.WorkspacePath = paths.WorkspacePath(repoRoot, sess.ID)

	ctx = logging.WithSession(ctx, sess.ID)
	logging.Info(ctx, "creating session",
		slog.String("branch", sess.Branch), slog.String("base", base))

	if err := m.Git.CreateWorktree(ctx, repoRoot, sess.Branch, sess.WorkspacePath, base); err != nil {
		return nil, nil, fmt.Errorf("creating workspace: %w", err)
	}

	rollback := func() {
		if rbErr := m.Git.RemoveWorktree(ctx, repoRoot, sess.WorkspacePath, sess.Branch, base, true); rbErr != nil {
			logging.Warn(ctx, "rollback of partial workspace failed", slog.String("error", rbErr.Error()))
		}
	}

	authorName, authorEmail := m.Git.CommitterIdentity(sess.WorkspacePath)
	if err := writeSessionFile(sess, authorName, authorEmail); err != nil {
		rollback()
		return nil, nil, err
	}
	if err := m.Store.CreateSession(sess); err != nil {
		rollback()
		return nil, nil, fmt.Errorf("persisting session: %w", err)
	}

	if !opts.RunInitialIteration {
		return sess, nil, nil
	}

	outcome, iterErr := m.Iterate(ctx, sess.ID, IterateOptions{Timeout: opts.IterationTimeout})
	if iterErr != nil {
		return sess, outcome, fmt.Errorf("initial iteration: %w", iterErr)
	}
	return sess, outcome, nil
}

// sessionNameFromPrompt derives a short session name from the first words
// of the prompt.
func sessionNameFromPrompt(prompt string) string {
	words := strings.Fields(prompt)
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}

// oracleRequested reports whether agent output asks for oracle guidance.
var defaultOracleMarker = "consult the oracle"

func (m *Manager) oracleRequested(output string) bool {
	if m.OracleHint != nil {
		return m.OracleHint(output)
	}
	return strings.Contains(strings.ToLower(output), defaultOracleMarker)
}

package cli

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/ampflow/cli/cmd/ampflow/cli/agent/amp"
	"github.com/ampflow/cli/cmd/ampflow/cli/lock"
	"github.com/ampflow/cli/cmd/ampflow/cli/paths"
	"github.com/ampflow/cli/cmd/ampflow/cli/versioncheck"
)

func newDoctorCmd() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose the environment and clean up stale state",
		Long: `Check that git and the agent binary are usable, that the agent is
authenticated and recent enough, and that no stale locks or orphaned
sessions are left behind.

Stale locks (whose owning process is gone) are always removed. Sessions
whose worktree directory has disappeared are reported; --fix removes
their records too.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			return runDoctor(cmd, a, fix)
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "remove records of sessions whose worktree is gone")
	return cmd
}

func runDoctor(cmd *cobra.Command, a *app, fix bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	problems := 0

	// Git binary.
	gitPath := a.Settings.ResolvedGitPath()
	if resolved, err := exec.LookPath(gitPath); err != nil {
		problems++
		fmt.Fprintf(out, "git:          NOT FOUND (%s)\n", gitPath)
	} else {
		fmt.Fprintf(out, "git:          %s\n", resolved)
	}

	// Config dir and database.
	if dir, err := paths.ConfigDir(); err != nil {
		problems++
		fmt.Fprintf(out, "config dir:   error: %v\n", err)
	} else {
		fmt.Fprintf(out, "config dir:   %s\n", dir)
	}

	// Agent binary, auth, and version.
	agentBinary := a.Agent.BinaryPath
	if agentBinary == "" {
		agentBinary = amp.DefaultBinary
	}
	if resolved, err := exec.LookPath(agentBinary); err != nil {
		problems++
		fmt.Fprintf(out, "agent:        NOT FOUND (%s)\n", agentBinary)
	} else {
		fmt.Fprintf(out, "agent:        %s\n", resolved)

		auth := a.Agent.ValidateAuth(ctx)
		switch {
		case auth.Authenticated && auth.HasCredits:
			fmt.Fprintf(out, "agent auth:   ok\n")
		case auth.Authenticated:
			fmt.Fprintf(out, "agent auth:   authenticated, but out of credits\n")
		default:
			problems++
			fmt.Fprintf(out, "agent auth:   FAILED: %s\n", auth.Error)
			if auth.Suggestion != "" {
				fmt.Fprintf(out, "              %s\n", auth.Suggestion)
			}
		}

		if raw, err := versioncheck.ProbeVersion(ctx, agentBinary); err == nil {
			if version, err := versioncheck.ParseVersionOutput(raw); err == nil {
				if versioncheck.IsBelowMinimum(version) {
					problems++
					fmt.Fprintf(out, "agent ver:    %s (below minimum %s)\n", version, versioncheck.MinimumAgentVersion)
				} else {
					fmt.Fprintf(out, "agent ver:    %s\n", version)
				}
			}
		}
	}

	// Stale locks are safe to remove unconditionally: the owning pid is gone.
	if removed, err := lock.CleanupStale(ctx); err != nil {
		problems++
		fmt.Fprintf(out, "locks:        error: %v\n", err)
	} else if removed > 0 {
		fmt.Fprintf(out, "locks:        removed %d stale lock(s)\n", removed)
	} else {
		fmt.Fprintf(out, "locks:        clean\n")
	}

	// Orphaned sessions: store rows whose worktree directory is gone.
	sessions, err := a.Store.ListSessions()
	if err != nil {
		return err
	}
	orphans := 0
	for _, sess := range sessions {
		if _, err := os.Stat(sess.WorkspacePath); err == nil {
			continue
		}
		orphans++
		if fix {
			if err := a.Manager.Cleanup(ctx, sess.ID, true); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: failed to remove session %s: %v\n", sess.ID, err)
				continue
			}
			fmt.Fprintf(out, "sessions:     removed orphaned session %s (%s)\n", sess.ID, sess.Name)
		} else {
			fmt.Fprintf(out, "sessions:     %s (%s) worktree missing; run with --fix to remove\n", sess.ID, sess.Name)
		}
	}
	if orphans == 0 {
		fmt.Fprintf(out, "sessions:     %d total, none orphaned\n", len(sessions))
	}

	if problems > 0 {
		fmt.Fprintf(out, "\n%d problem(s) found\n", problems)
		return &SilentError{Err: fmt.Errorf("%d problem(s) found", problems)}
	}
	fmt.Fprintln(out, "\nAll checks passed")
	return nil
}

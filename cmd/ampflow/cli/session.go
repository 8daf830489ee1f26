package cli

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ampflow/cli/cmd/ampflow/cli/logging"
	"github.com/ampflow/cli/cmd/ampflow/cli/store"
	"github.com/ampflow/cli/cmd/ampflow/cli/workspace"
)

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Create, list, and iterate agent sessions",
	}
	cmd.AddCommand(newSessionCreateCmd())
	cmd.AddCommand(newSessionListCmd())
	cmd.AddCommand(newSessionShowCmd())
	cmd.AddCommand(newSessionIterateCmd())
	return cmd
}

func newSessionCreateCmd() *cobra.Command {
	var (
		name       string
		repo       string
		baseBranch string
		script     string
		model      string
		iterate    bool
	)
	cmd := &cobra.Command{
		Use:   "create <prompt>",
		Short: "Create a session with an isolated worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if repo == "" {
				repo, err = os.Getwd()
				if err != nil {
					return err
				}
			}
			if baseBranch == "" {
				baseBranch = a.Settings.DefaultBaseBranch
			}

			sess, outcome, err := a.Manager.CreateSession(cmd.Context(), workspace.CreateSessionOptions{
				Name:                name,
				Prompt:              args[0],
				RepoRoot:            repo,
				BaseBranch:          baseBranch,
				ScriptCommand:       script,
				Model:               model,
				RunInitialIteration: iterate,
			})
			if err != nil {
				return err
			}
			_ = logging.Init(sess.ID)
			defer logging.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Session %s created\n", sess.ID)
			fmt.Fprintf(cmd.OutOrStdout(), "  branch:    %s\n", sess.Branch)
			fmt.Fprintf(cmd.OutOrStdout(), "  workspace: %s\n", sess.WorkspacePath)
			if outcome != nil {
				printOutcome(cmd, outcome)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "session name (defaults to a slug of the prompt)")
	cmd.Flags().StringVar(&repo, "repo", "", "repository root (defaults to the current directory)")
	cmd.Flags().StringVar(&baseBranch, "base", "", "base branch (defaults to the repository default)")
	cmd.Flags().StringVar(&script, "script", "", "test script run after each committing iteration")
	cmd.Flags().StringVar(&model, "model", "", "model override")
	cmd.Flags().BoolVar(&iterate, "iterate", false, "run the first iteration immediately")
	return cmd
}

func newSessionListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			sessions, err := a.Store.ListSessions()
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No sessions")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tBRANCH\tCREATED")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					s.ID, s.Name, s.Status, s.Branch, s.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func newSessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session and its iterations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			sess, err := a.Store.GetSession(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Session %s (%s)\n", sess.ID, sess.Name)
			fmt.Fprintf(out, "  status:     %s\n", sess.Status)
			fmt.Fprintf(out, "  mode:       %s\n", sess.Mode)
			fmt.Fprintf(out, "  branch:     %s (base %s)\n", sess.Branch, sess.BaseBranch)
			fmt.Fprintf(out, "  workspace:  %s\n", sess.WorkspacePath)
			fmt.Fprintf(out, "  merge:      %s\n", a.Manager.State(cmd.Context(), sess))
			if sess.ThreadID != "" {
				fmt.Fprintf(out, "  thread:     %s\n", sess.ThreadID)
			}
			fmt.Fprintf(out, "  prompt:     %s\n", firstLineOf(sess.Prompt))

			iterations, err := a.Store.IterationsFor(sess.ID)
			if err != nil {
				return err
			}
			if len(iterations) == 0 {
				return nil
			}
			fmt.Fprintf(out, "\nIterations (%d):\n", len(iterations))
			for i, it := range iterations {
				line := fmt.Sprintf("  %d. %s exit=%d changed=%d",
					i+1, it.StartTime.Format("2006-01-02 15:04:05"), it.ExitCode, it.ChangedFiles)
				if it.CommitSHA != "" {
					line += fmt.Sprintf(" commit=%.12s", it.CommitSHA)
				}
				if it.TestResult != "" {
					line += " tests=" + string(it.TestResult)
				}
				if it.TotalTokens > 0 {
					line += fmt.Sprintf(" tokens=%d", it.TotalTokens)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
}

func newSessionIterateCmd() *cobra.Command {
	var followUp string
	cmd := &cobra.Command{
		Use:   "iterate <session-id>",
		Short: "Run one agent turn in the session workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			_ = logging.Init(args[0])
			defer logging.Close()

			outcome, err := a.Manager.Iterate(cmd.Context(), args[0], workspace.IterateOptions{
				FollowUp: followUp,
			})
			if err != nil {
				return err
			}
			printOutcome(cmd, outcome)
			return nil
		},
	}
	cmd.Flags().StringVar(&followUp, "follow-up", "", "follow-up note driving this turn instead of the session prompt")
	return cmd
}

func printOutcome(cmd *cobra.Command, outcome *workspace.IterationOutcome) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Iteration %s: %s\n", outcome.IterationID, outcome.Status)
	if outcome.CommitSHA != "" {
		fmt.Fprintf(out, "  commit:        %.12s (%d files)\n", outcome.CommitSHA, outcome.ChangedFiles)
	}
	if outcome.TestResult != "" {
		fmt.Fprintf(out, "  tests:         %s\n", outcome.TestResult)
	}
	if outcome.TotalTokens > 0 {
		fmt.Fprintf(out, "  tokens:        %d\n", outcome.TotalTokens)
	}
	if outcome.ToolCallCount > 0 {
		fmt.Fprintf(out, "  tool calls:    %d\n", outcome.ToolCallCount)
	}
	if outcome.Status == store.SessionAwaitingInput {
		fmt.Fprintln(out, "  the agent is waiting for your input; reply with --follow-up")
	}
}

func firstLineOf(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

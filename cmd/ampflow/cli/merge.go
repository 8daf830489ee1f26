package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ampflow/cli/cmd/ampflow/cli/gitx"
	"github.com/ampflow/cli/cmd/ampflow/cli/logging"
)

func newMergeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Integrate a session branch back into its base",
	}
	cmd.AddCommand(newMergePreflightCmd())
	cmd.AddCommand(newMergeSquashCmd())
	cmd.AddCommand(newMergeRebaseCmd())
	cmd.AddCommand(newMergeContinueCmd())
	cmd.AddCommand(newMergeAbortCmd())
	cmd.AddCommand(newMergeFFCmd())
	return cmd
}

func newMergePreflightCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preflight <session-id>",
		Short: "Check whether a session is ready to merge (read-only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Manager.Preflight(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "repo clean:       %v\n", result.RepoClean)
			fmt.Fprintf(out, "base up to date:  %v\n", result.BaseUpToDate)
			if result.TestsPass != nil {
				fmt.Fprintf(out, "tests pass:       %v\n", *result.TestsPass)
			}
			if result.TypecheckPasses != nil {
				fmt.Fprintf(out, "typecheck passes: %v\n", *result.TypecheckPasses)
			}
			fmt.Fprintf(out, "ahead/behind:     %d/%d (branchpoint %.12s)\n",
				result.AheadBy, result.BehindBy, result.BranchpointSHA)
			fmt.Fprintf(out, "agent commits:    %d\n", result.AgentCommitsCount)
			if result.Ready() {
				fmt.Fprintln(out, "ready to merge")
				return nil
			}
			fmt.Fprintln(out, "issues:")
			for _, issue := range result.Issues {
				fmt.Fprintf(out, "  - %s\n", issue)
			}
			return nil
		},
	}
}

func newMergeSquashCmd() *cobra.Command {
	var (
		message       string
		includeManual bool
	)
	cmd := &cobra.Command{
		Use:   "squash <session-id>",
		Short: "Collapse the session's work into one commit on top of base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			_ = logging.Init(args[0])
			defer logging.Close()

			sha, err := a.Manager.Squash(cmd.Context(), args[0], message, includeManual)
			if err != nil {
				return err
			}
			if sha == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "Nothing to squash: tree is identical to base")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Squashed to %.12s\n", sha)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "commit message for the squashed commit (required)")
	cmd.Flags().BoolVar(&includeManual, "include-manual", true, "include commits not made by the agent")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func newMergeRebaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebase <session-id>",
		Short: "Rebase the session branch onto its base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			_ = logging.Init(args[0])
			defer logging.Close()

			result, err := a.Manager.RebaseOntoBase(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRebaseResult(cmd, result)
		},
	}
}

func newMergeContinueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "continue <session-id>",
		Short: "Resume a conflicted rebase after resolving the listed files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Manager.ContinueMerge(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printRebaseResult(cmd, result)
		},
	}
}

func newMergeAbortCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "abort <session-id>",
		Short: "Abandon an in-progress rebase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Manager.AbortMerge(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Rebase aborted; branch restored")
			return nil
		},
	}
}

func newMergeFFCmd() *cobra.Command {
	var noFF bool
	cmd := &cobra.Command{
		Use:   "ff <session-id>",
		Short: "Merge the session branch into base",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Manager.FastForwardMerge(cmd.Context(), args[0], noFF); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Merged into base")
			return nil
		},
	}
	cmd.Flags().BoolVar(&noFF, "no-ff", false, "always create a merge commit")
	return cmd
}

func printRebaseResult(cmd *cobra.Command, result *gitx.RebaseResult) error {
	if result.Status == gitx.RebaseOK {
		fmt.Fprintln(cmd.OutOrStdout(), "Rebase ok")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Rebase conflict; resolve these files, then run merge continue:")
	for _, f := range result.Files {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", f)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Details in AGENT_CONTEXT/REBASE_HELP.md")
	return nil
}

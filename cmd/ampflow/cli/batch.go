package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ampflow/cli/cmd/ampflow/cli/batch"
	"github.com/ampflow/cli/cmd/ampflow/cli/logging"
	"github.com/ampflow/cli/cmd/ampflow/cli/store"
)

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run a plan of many sessions with bounded parallelism",
	}
	cmd.AddCommand(newBatchRunCmd())
	cmd.AddCommand(newBatchStatusCmd())
	return cmd
}

func newBatchRunCmd() *cobra.Command {
	var (
		planPath string
		runID    string
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a batch plan file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			plan, err := batch.LoadPlan(planPath)
			if err != nil {
				return err
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			scope := runID
			if scope == "" {
				scope = "batch"
			}
			_ = logging.Init(scope)
			defer logging.Close()

			// A second interrupt kills the process; the first one aborts
			// the run cooperatively and lets in-flight items finish.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				a.Scheduler.Abort()
			}()

			result, err := a.Scheduler.Run(cmd.Context(), plan, batch.RunOptions{
				RunID:  runID,
				DryRun: dryRun,
			})
			if err != nil {
				if result != nil {
					printBatchResult(cmd, result)
				}
				return err
			}
			if dryRun {
				fmt.Fprint(cmd.OutOrStdout(), result.Summary)
				return nil
			}
			printBatchResult(cmd, result)

			if errors.Is(ctx.Err(), context.Canceled) && result.Status == store.RunAborted {
				return &ExitCodeError{Code: 130}
			}
			if result.Failed() {
				return &ExitCodeError{Code: 1}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&planPath, "plan", "batch.json", "plan file path")
	cmd.Flags().StringVar(&runID, "run-id", "", "explicit run identifier")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without running anything")
	return cmd
}

func newBatchStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show a batch run and its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			run, err := a.Store.GetBatchRun(args[0])
			if err != nil {
				return err
			}
			items, err := a.Store.BatchItems(run.ID, "")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %s (%d items, concurrency %d)\n",
				run.ID, run.Status, len(items), run.Concurrency)
			printBatchItems(cmd, items)
			return nil
		},
	}
}

func printBatchResult(cmd *cobra.Command, result *batch.RunResult) {
	fmt.Fprintf(cmd.OutOrStdout(), "Run %s: %s\n", result.RunID, result.Status)
	printBatchItems(cmd, result.Items)
}

func printBatchItems(cmd *cobra.Command, items []*store.BatchItem) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tREPO\tSESSION\tTOKENS\tERROR")
	for _, item := range items {
		errText := item.ErrorText
		if len(errText) > 60 {
			errText = errText[:60] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			item.Status, item.RepoPath, item.SessionID, item.TokenTotal, errText)
	}
	_ = w.Flush()
}

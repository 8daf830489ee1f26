package cli

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/ampflow/cli/cmd/ampflow/cli/logging"
)

func newCleanupCmd() *cobra.Command {
	var (
		force bool
		yes   bool
	)
	cmd := &cobra.Command{
		Use:   "cleanup <session-id>",
		Short: "Remove a session's worktree, branch, and record",
		Long: "cleanup deletes the session's isolated worktree and branch and drops\n" +
			"its record from the store. Unmerged work is refused unless --force is\n" +
			"given; already-removed sessions are a no-op.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			_ = logging.Init(args[0])
			defer logging.Close()

			sess, err := a.Store.GetSession(args[0])
			if err == nil && !yes {
				var confirmed bool
				title := fmt.Sprintf("Delete session %s (%s)?", sess.ID, sess.Name)
				description := fmt.Sprintf("Branch %s, merge state: %s", sess.Branch, a.Manager.State(cmd.Context(), sess))

				form := NewAccessibleForm(
					huh.NewGroup(
						huh.NewConfirm().
							Title(title).
							Description(description).
							Value(&confirmed),
					),
				)
				if err := form.Run(); err != nil {
					if errors.Is(err, huh.ErrUserAborted) {
						return nil
					}
					return fmt.Errorf("failed to get confirmation: %w", err)
				}
				if !confirmed {
					return nil
				}
			}

			if err := a.Manager.Cleanup(cmd.Context(), args[0], force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s removed\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "remove even when the branch has unmerged work")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

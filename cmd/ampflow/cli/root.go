package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/ampflow/cli/cmd/ampflow/cli/agent/amp"
	"github.com/ampflow/cli/cmd/ampflow/cli/settings"
	"github.com/ampflow/cli/cmd/ampflow/cli/telemetry"
	"github.com/ampflow/cli/cmd/ampflow/cli/versioncheck"
)

// Version information (can be set at build time)
var (
	Version = "dev"
	Commit  = "unknown"
)

// SilentError marks an error whose message the command already printed;
// main suppresses the duplicate.
type SilentError struct {
	Err error
}

func (e *SilentError) Error() string { return e.Err.Error() }
func (e *SilentError) Unwrap() error { return e.Err }

// ExitCodeError carries a specific process exit code to main: 1 for item
// failures, 130 for user interrupt.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("exit code %d", e.Code)
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ampflow",
		Short: "Agent session orchestrator",
		Long: "ampflow runs coding-agent sessions in isolated git worktrees:\n" +
			"create a session per task, iterate the agent against it, then\n" +
			"squash, rebase, and merge the result back into the base branch.",
		// Let main.go handle error printing to avoid duplication
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			// A stale agent binary degrades quietly; nudge once a day.
			binary := amp.DefaultBinary
			if cfg, err := settings.Load(); err == nil && cfg.AgentPath != "" {
				binary = cfg.AgentPath
			}
			versioncheck.CheckAndNotify(cmd.Context(), cmd, binary)
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			// Analytics preference comes from settings; nil defaults to off.
			var enabled *bool
			if cfg, err := settings.Load(); err == nil {
				enabled = cfg.Analytics
			}
			client := telemetry.NewClient(Version, enabled)
			defer client.Close()
			client.TrackCommand(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newSessionCmd())
	cmd.AddCommand(newMergeCmd())
	cmd.AddCommand(newBatchCmd())
	cmd.AddCommand(newCleanupCmd())
	cmd.AddCommand(newAttachCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ampflow %s (%s)\n", Version, Commit)
			fmt.Fprintf(cmd.OutOrStdout(), "Go version: %s\n", runtime.Version())
			fmt.Fprintf(cmd.OutOrStdout(), "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

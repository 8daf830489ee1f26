package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/creack/pty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ampflow/cli/cmd/ampflow/cli/logging"
	"github.com/ampflow/cli/cmd/ampflow/cli/workspace"
)

func newAttachCmd() *cobra.Command {
	var console bool
	cmd := &cobra.Command{
		Use:   "attach <session-id>",
		Short: "Open a live conversation with the agent in a session workspace",
		Long: "attach connects your terminal to the agent running in the session's\n" +
			"worktree. In the default mode each line you type is sent as a user\n" +
			"message and the agent's replies stream back, with the whole exchange\n" +
			"recorded in the session's thread. With --console the agent's own\n" +
			"full-screen interface takes over the terminal instead; nothing is\n" +
			"recorded in that mode.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()
			_ = logging.Init(args[0])
			defer logging.Close()

			if console {
				return runConsoleAttach(cmd, a, args[0])
			}
			return runLineAttach(cmd, a, args[0])
		},
	}
	cmd.Flags().BoolVar(&console, "console", false, "hand the terminal to the agent's own interface (requires a TTY)")
	return cmd
}

// runLineAttach drives the stream-JSON conversation: stdin lines become user
// messages, assistant text is printed as it arrives. EOF (Ctrl-D) or an
// interrupt ends the conversation cleanly.
func runLineAttach(cmd *cobra.Command, a *app, sessionID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	is, err := a.Manager.StartInteractive(ctx, sessionID)
	if err != nil {
		return err
	}
	defer func() { _ = is.Close(cmd.Context()) }()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Attached to session %s (thread %s). Ctrl-D detaches.\n", sessionID, is.ThreadID())

	// Printer drains frames until the agent exits or the user detaches.
	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		for ev := range is.Frames() {
			if ev.Err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "agent error: %v\n", ev.Err)
				continue
			}
			if text := workspace.AssistantText(ev.Streaming); text != "" {
				fmt.Fprintln(out, text)
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-printerDone:
			// Agent exited on its own.
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := is.Send(line); err != nil {
				return err
			}
		}
	}
}

// runConsoleAttach runs the agent binary on a pty in the workspace and wires
// the user's terminal straight through, resizing with the window.
func runConsoleAttach(cmd *cobra.Command, a *app, sessionID string) error {
	stdin, ok := cmd.InOrStdin().(*os.File)
	if !ok || !term.IsTerminal(int(stdin.Fd())) {
		return fmt.Errorf("--console needs an interactive terminal")
	}

	sess, err := a.Store.GetSession(sessionID)
	if err != nil {
		return err
	}

	agentCmd := a.Agent.ConsoleCommand(cmd.Context(), sess.WorkspacePath)
	ptmx, err := pty.Start(agentCmd)
	if err != nil {
		return fmt.Errorf("starting agent on pty: %w", err)
	}
	defer func() { _ = ptmx.Close() }()

	// Track terminal size for the lifetime of the session.
	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			_ = pty.InheritSize(stdin, ptmx)
		}
	}()
	winch <- syscall.SIGWINCH

	oldState, err := term.MakeRaw(int(stdin.Fd()))
	if err != nil {
		return fmt.Errorf("setting raw mode: %w", err)
	}
	defer func() { _ = term.Restore(int(stdin.Fd()), oldState) }()

	go func() { _, _ = io.Copy(ptmx, stdin) }()
	_, _ = io.Copy(cmd.OutOrStdout(), ptmx)

	return agentCmd.Wait()
}

// Package gitx wraps a git executable with timeouts, structured errors, and
// retry on transient lock contention. All mutations shell out to git; a few
// read-only queries use go-git where that avoids a subprocess (see repo.go).
package gitx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// DefaultTimeout bounds a single git invocation unless the caller overrides it.
const DefaultTimeout = 30 * time.Second

// killGracePeriod is how long to wait after SIGTERM before SIGKILL.
const killGracePeriod = 5 * time.Second

// Result holds the outcome of a git invocation.
type Result struct {
	Stdout string
	Stderr string
	Exit   int
}

// ExecError is returned when git exits non-zero. It carries the full
// command and working directory so failures are diagnosable from logs alone.
type ExecError struct {
	Args   []string
	Dir    string
	Exit   int
	Stderr string
	Hint   string
}

func (e *ExecError) Error() string {
	msg := fmt.Sprintf("git %s failed in %s (exit %d): %s",
		strings.Join(e.Args, " "), e.Dir, e.Exit, strings.TrimSpace(e.Stderr))
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

// TimeoutError is returned when a git invocation exceeds its deadline.
// Distinct from ExecError: the exit code of a killed process is meaningless.
type TimeoutError struct {
	Args    []string
	Dir     string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("git %s timed out after %s in %s",
		strings.Join(e.Args, " "), e.Timeout, e.Dir)
}

// IsTimeout reports whether err is a git timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Driver is a thin wrapper over a git executable path.
// The zero value is not usable; construct with New.
type Driver struct {
	// GitPath is the git executable, default "git".
	GitPath string

	// Timeout is the per-invocation default.
	Timeout time.Duration
}

// New returns a Driver for the given executable path.
// Empty gitPath falls back to the GIT_PATH env var, then "git".
func New(gitPath string) *Driver {
	if gitPath == "" {
		gitPath = os.Getenv("GIT_PATH")
	}
	if gitPath == "" {
		gitPath = "git"
	}
	return &Driver{GitPath: gitPath, Timeout: DefaultTimeout}
}

// Exec runs git with the given arguments in dir, bounded by timeout
// (zero means the driver default). On timeout the child is sent SIGTERM and
// escalated to SIGKILL after a grace period.
func (d *Driver) Exec(ctx context.Context, dir string, timeout time.Duration, args ...string) (*Result, error) {
	if timeout <= 0 {
		timeout = d.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.GitPath, args...) //nolint:gosec // args are driver-constructed
	cmd.Dir = dir
	// Terminate first so git can clean up its lock files; WaitDelay
	// escalates to SIGKILL.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGracePeriod

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if ctx.Err() == context.DeadlineExceeded {
		return res, &TimeoutError{Args: args, Dir: dir, Timeout: timeout}
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Exit = exitErr.ExitCode()
			return res, &ExecError{
				Args:   args,
				Dir:    dir,
				Exit:   res.Exit,
				Stderr: res.Stderr,
				Hint:   classifyFatal(res.Stderr),
			}
		}
		return res, fmt.Errorf("running git %s in %s: %w", strings.Join(args, " "), dir, err)
	}

	return res, nil
}

// classifyFatal recognizes common git failure strings and returns a short
// hint for the error message. Empty string when nothing matches.
func classifyFatal(stderr string) string {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "not a git repository"):
		return "directory is not inside a git repository"
	case strings.Contains(s, "permission denied"):
		return "permission denied; check file ownership"
	case strings.Contains(s, "could not read config file"):
		return "git config is unreadable"
	default:
		return ""
	}
}

// output runs git and returns trimmed stdout, for simple query commands.
func (d *Driver) output(ctx context.Context, dir string, args ...string) (string, error) {
	res, err := d.Exec(ctx, dir, 0, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

package amp

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"time"
)

// AuthStatus reports whether the agent can reach its backend with the
// current credentials.
type AuthStatus struct {
	Authenticated bool
	HasCredits    bool
	Error         string
	Suggestion    string
}

// authCheckTimeout bounds the whoami probe; auth checks must never hang a
// batch run.
const authCheckTimeout = 15 * time.Second

// ValidateAuth probes the agent's credential state by running its whoami
// subcommand. A passing probe is required before batch runs start, so a
// missing token fails one command instead of every queued item.
func (c *Config) ValidateAuth(ctx context.Context) *AuthStatus {
	ctx, cancel := context.WithTimeout(ctx, authCheckTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binary(), "whoami") //nolint:gosec // binary is operator-configured
	cmd.Env = c.childEnv()

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	text := strings.ToLower(out.String())

	switch {
	case err == nil:
		return &AuthStatus{
			Authenticated: true,
			HasCredits:    !strings.Contains(text, "out of credits") && !strings.Contains(text, "insufficient credits"),
		}

	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &AuthStatus{
			Error:      "auth check timed out",
			Suggestion: "check network connectivity to the agent backend",
		}

	case isNotFound(err):
		return &AuthStatus{
			Error:      "agent binary not found: " + c.binary(),
			Suggestion: "install the agent or set its path in settings",
		}

	case strings.Contains(text, "not logged in") || strings.Contains(text, "unauthorized") ||
		strings.Contains(text, "invalid token") || os.Getenv(AuthTokenEnvVar) == "":
		return &AuthStatus{
			Error:      "agent is not authenticated",
			Suggestion: "set " + AuthTokenEnvVar + " or run the agent's login command",
		}

	default:
		return &AuthStatus{
			Error:      "auth check failed: " + firstLine(out.String()),
			Suggestion: "run the agent's whoami command directly for details",
		}
	}
}

func isNotFound(err error) bool {
	var execErr *exec.Error
	return errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

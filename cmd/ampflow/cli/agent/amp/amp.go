// Package amp spawns and communicates with the amp coding-agent binary:
// one-shot iterations, interactive stream-JSON sessions, auth validation,
// and telemetry extraction from the agent's mixed JSON/text output.
//
// All agent output is passed through the redaction layer before it is
// returned, logged, or published; secrets never leave this package.
package amp

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/ampflow/cli/redact"
)

// Environment variables of the agent contract.
const (
	// AuthTokenEnvVar is forwarded to the child when present in the
	// parent environment.
	AuthTokenEnvVar = "AMP_AUTH_TOKEN"

	// URLEnvVar points the agent at an alternate server endpoint.
	URLEnvVar = "AMP_URL"

	// insecureTLSEnvVar disables TLS verification in the agent's runtime.
	// Set only for localhost endpoints (local development).
	insecureTLSEnvVar = "NODE_TLS_REJECT_UNAUTHORIZED"
)

// DefaultBinary is the agent executable looked up on PATH when no explicit
// path is configured.
const DefaultBinary = "amp"

// maxOutputBytes caps collected agent output. Output beyond the cap is
// dropped with a truncation warning appended.
const maxOutputBytes = 10 * 1024 * 1024

// truncationNotice is appended when output hits the cap.
const truncationNotice = "\n[ampflow] warning: agent output truncated"

// Config holds adapter configuration. The zero value runs "amp" from PATH
// with no extras.
type Config struct {
	// BinaryPath is the agent executable; empty means DefaultBinary.
	BinaryPath string

	// ExtraArgs are appended to every invocation.
	ExtraArgs []string

	// JSONLogs adds the agent's flag enabling line-delimited JSON output.
	JSONLogs bool

	// Env holds overrides merged onto the child environment.
	Env map[string]string

	// ServerURL, when set, is exported as AMP_URL. Localhost URLs also
	// disable TLS verification in the child.
	ServerURL string
}

// binary returns the executable to spawn.
func (c *Config) binary() string {
	if c.BinaryPath != "" {
		return c.BinaryPath
	}
	return DefaultBinary
}

// childEnv builds the environment for an agent subprocess: the parent env,
// the server URL wiring, then configured overrides. The auth token is
// registered with the redaction layer as a side effect, so any echo of it
// in agent output is scrubbed.
func (c *Config) childEnv() []string {
	env := os.Environ()

	if token := os.Getenv(AuthTokenEnvVar); token != "" {
		redact.RegisterSecret(token)
	}

	if c.ServerURL != "" {
		env = append(env, URLEnvVar+"="+c.ServerURL)
		if strings.Contains(c.ServerURL, "localhost") || strings.Contains(c.ServerURL, "127.0.0.1") {
			env = append(env, insecureTLSEnvVar+"=0")
		}
	}

	for k, v := range c.Env {
		env = append(env, k+"="+v)
		// Anything that looks like a credential override is a secret too.
		upper := strings.ToUpper(k)
		if strings.Contains(upper, "TOKEN") || strings.Contains(upper, "KEY") || strings.Contains(upper, "SECRET") {
			redact.RegisterSecret(v)
		}
	}

	return env
}

// ConsoleCommand builds the agent invocation for a full-terminal session in
// the workspace: no prompt or stream flags, the agent owns the TTY. The
// caller is responsible for allocating the pty and wiring the terminal.
func (c *Config) ConsoleCommand(ctx context.Context, workspace string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, c.binary(), c.ExtraArgs...)
	cmd.Dir = workspace
	cmd.Env = c.childEnv()
	return cmd
}

// modelFlag maps a model override to the agent's alias flag form
// (--try-<alias>). Empty input yields no flag.
func modelFlag(model string) string {
	if model == "" {
		return ""
	}
	return "--try-" + model
}

// awaitingInputMarkers are output substrings that indicate the agent
// stopped to ask the user something rather than finishing its work.
var awaitingInputMarkers = []string{
	"awaiting your input",
	"waiting for your reply",
	"what would you like",
	"please clarify",
}

// looksAwaitingInput reports whether output ends in an interactive prompt.
func looksAwaitingInput(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range awaitingInputMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// capOutput enforces maxOutputBytes, appending a truncation notice when
// output was dropped.
func capOutput(s string) (string, bool) {
	if len(s) <= maxOutputBytes {
		return s, false
	}
	return s[:maxOutputBytes] + truncationNotice, true
}

// CommandLine renders an argv for logging/persistence.
func CommandLine(binary string, args []string) string {
	return fmt.Sprintf("%s %s", binary, strings.Join(args, " "))
}

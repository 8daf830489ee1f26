// Package paths centralizes filesystem layout for ampflow: the user
// configuration directory, the per-repository worktree area, lock files,
// log files, and the per-session AGENT_CONTEXT directory.
//
// This package is separate from cli so that workspace, batch, and store can
// import it without creating an import cycle (cli imports all of them).
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ConfigDirEnvVar overrides the platform config directory entirely.
const ConfigDirEnvVar = "AMPFLOW_CONFIG_DIR"

// DBPathEnvVar overrides only the database file location.
const DBPathEnvVar = "AMPFLOW_DB_PATH"

// AppDirName is the directory created under the user config dir.
const AppDirName = "ampflow"

// WorktreesDirName is the directory under a repository root that holds
// session workspaces.
const WorktreesDirName = ".worktrees"

// SessionBranchPrefix is the ref namespace for session branches.
// Branches are named <prefix>/<slug>/<timestamp>.
const SessionBranchPrefix = "ampflow"

// AgentCommitPrefix marks commits produced by the agent. Commit subjects
// produced by the iteration engine always start with this prefix.
const AgentCommitPrefix = "amp: "

// ContextDirName is the per-workspace directory holding agent context files.
const ContextDirName = "AGENT_CONTEXT"

// Context file names inside ContextDirName.
const (
	SessionFileName      = "SESSION.md"
	DiffSummaryFileName  = "DIFF_SUMMARY.md"
	IterationLogFileName = "ITERATION_LOG.md"
	LastStatusFileName   = "LAST_STATUS.json"
	RebaseHelpFileName   = "REBASE_HELP.md"
)

// DBFileName is the SQLite database file under the config dir.
const DBFileName = "sessions.db"

// LocksDirName holds cross-process session lock files.
const LocksDirName = "locks"

// LogsDirName holds structured log files.
const LogsDirName = "logs"

// EventLogFileName is the default append-only NDJSON event log.
const EventLogFileName = "events.ndjson"

// ConfigDir returns the ampflow configuration directory, creating it if
// needed. Resolution order: AMPFLOW_CONFIG_DIR, then the platform user
// config dir (os.UserConfigDir) joined with AppDirName.
func ConfigDir() (string, error) {
	if dir := os.Getenv(ConfigDirEnvVar); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("creating config dir %s: %w", dir, err)
		}
		return dir, nil
	}

	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving user config dir: %w", err)
	}
	dir := filepath.Join(base, AppDirName)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("creating config dir %s: %w", dir, err)
	}
	return dir, nil
}

// DBPath returns the database file path. AMPFLOW_DB_PATH wins when set.
func DBPath() (string, error) {
	if p := os.Getenv(DBPathEnvVar); p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
			return "", fmt.Errorf("creating db dir: %w", err)
		}
		return p, nil
	}
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DBFileName), nil
}

// LocksDir returns the lock file directory, creating it if needed.
func LocksDir() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	locks := filepath.Join(dir, LocksDirName)
	if err := os.MkdirAll(locks, 0o750); err != nil {
		return "", fmt.Errorf("creating locks dir: %w", err)
	}
	return locks, nil
}

// LogsDir returns the log file directory, creating it if needed.
func LogsDir() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	logs := filepath.Join(dir, LogsDirName)
	if err := os.MkdirAll(logs, 0o750); err != nil {
		return "", fmt.Errorf("creating logs dir: %w", err)
	}
	return logs, nil
}

// EventLogPath returns the default NDJSON event log path.
func EventLogPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, EventLogFileName), nil
}

// WorkspacePath returns the workspace directory for a session inside a
// repository: <repo>/.worktrees/<session-id>.
func WorkspacePath(repoRoot, sessionID string) string {
	return filepath.Join(repoRoot, WorktreesDirName, sessionID)
}

// ContextDir returns the AGENT_CONTEXT directory inside a workspace.
func ContextDir(workspace string) string {
	return filepath.Join(workspace, ContextDirName)
}

// SessionBranch builds the branch name for a session from its human name
// and creation time: <prefix>/<slug>/<timestamp>.
func SessionBranch(name string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s", SessionBranchPrefix, Slugify(name), at.UTC().Format("20060102-150405"))
}

// Slugify lowercases a session name and replaces runs of non-alphanumeric
// characters with single hyphens. Empty input slugs to "session".
func Slugify(name string) string {
	var b strings.Builder
	lastHyphen := true // suppress leading hyphen
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	s := strings.TrimSuffix(b.String(), "-")
	if s == "" {
		return "session"
	}
	const maxSlugLen = 40
	if len(s) > maxSlugLen {
		s = strings.TrimSuffix(s[:maxSlugLen], "-")
	}
	return s
}

// IsAgentCommitSubject reports whether a commit subject line carries the
// agent-commit prefix.
func IsAgentCommitSubject(subject string) bool {
	return strings.HasPrefix(subject, AgentCommitPrefix)
}

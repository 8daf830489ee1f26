// Package settings provides configuration loading for ampflow.
// This package is separate from cli to allow workspace and batch to import
// it without creating an import cycle (cli imports both).
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ampflow/cli/cmd/ampflow/cli/paths"
)

// SettingsFileName is the settings file under the config directory.
const SettingsFileName = "settings.json"

// LocalSettingsFileName is the local override file (machine-specific,
// merged on top of the base settings).
const LocalSettingsFileName = "settings.local.json"

// Settings represents the ampflow configuration file.
type Settings struct {
	// GitPath is the git executable. Defaults to "git" on PATH.
	// Can be overridden by the GIT_PATH environment variable.
	GitPath string `json:"git_path,omitempty"`

	// AgentPath is the agent executable. Defaults to "amp" on PATH.
	AgentPath string `json:"agent_path,omitempty"`

	// AgentArgs are extra arguments appended to every agent invocation.
	AgentArgs []string `json:"agent_args,omitempty"`

	// AgentURL, when set, is exported as AMP_URL to the agent. For
	// localhost URLs TLS verification is disabled in the child env.
	AgentURL string `json:"agent_url,omitempty"`

	// JSONLogs enables the agent's line-delimited JSON event output.
	JSONLogs bool `json:"json_logs,omitempty"`

	// Env holds extra environment overrides for the agent subprocess.
	Env map[string]string `json:"env,omitempty"`

	// LogLevel sets logging verbosity (debug, info, warn, error).
	// Can be overridden by the AMPFLOW_LOG_LEVEL environment variable.
	// Defaults to "info".
	LogLevel string `json:"log_level,omitempty"`

	// DefaultBaseBranch applies when a session does not name one.
	// Empty means auto-detect from the repository.
	DefaultBaseBranch string `json:"default_base_branch,omitempty"`

	// EventLogPath overrides the NDJSON event log location.
	EventLogPath string `json:"event_log_path,omitempty"`

	// Analytics controls anonymous usage analytics.
	// nil = not asked yet, true = opted in, false = opted out
	Analytics *bool `json:"analytics,omitempty"`
}

// Load loads settings from <config>/settings.json, then applies overrides
// from <config>/settings.local.json if present. Returns default settings if
// neither file exists.
func Load() (*Settings, error) {
	dir, err := paths.ConfigDir()
	if err != nil {
		return nil, fmt.Errorf("resolving config dir: %w", err)
	}

	settings, err := loadFromFile(filepath.Join(dir, SettingsFileName))
	if err != nil {
		return nil, fmt.Errorf("reading settings file: %w", err)
	}

	localData, err := os.ReadFile(filepath.Join(dir, LocalSettingsFileName)) //nolint:gosec // path is under the config dir
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading local settings file: %w", err)
		}
	} else {
		if err := json.Unmarshal(localData, settings); err != nil {
			return nil, fmt.Errorf("merging local settings: %w", err)
		}
	}

	applyDefaults(settings)

	return settings, nil
}

// Save writes settings to <config>/settings.json.
func Save(s *Settings) error {
	dir, err := paths.ConfigDir()
	if err != nil {
		return fmt.Errorf("resolving config dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(filepath.Join(dir, SettingsFileName), data, 0o600); err != nil {
		return fmt.Errorf("writing settings file: %w", err)
	}
	return nil
}

// loadFromFile loads settings from a specific file path.
// Returns default settings if the file doesn't exist.
func loadFromFile(filePath string) (*Settings, error) {
	settings := &Settings{}

	data, err := os.ReadFile(filePath) //nolint:gosec // path is from caller
	if err != nil {
		if os.IsNotExist(err) {
			applyDefaults(settings)
			return settings, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", filePath, err)
	}

	return settings, nil
}

// applyDefaults fills in zero values with defaults.
func applyDefaults(s *Settings) {
	if s.GitPath == "" {
		s.GitPath = "git"
	}
	if s.AgentPath == "" {
		s.AgentPath = "amp"
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
}

// ResolvedGitPath returns the git executable honoring the GIT_PATH
// environment variable over the settings file.
func (s *Settings) ResolvedGitPath() string {
	if p := os.Getenv("GIT_PATH"); p != "" {
		return p
	}
	if s.GitPath != "" {
		return s.GitPath
	}
	return "git"
}

// IsAnalyticsEnabled reports whether anonymous analytics are on.
// Unset means disabled.
func (s *Settings) IsAnalyticsEnabled() bool {
	return s.Analytics != nil && *s.Analytics
}

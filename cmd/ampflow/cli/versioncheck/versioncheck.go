// Package versioncheck probes the installed agent binary's version and
// warns when it predates the minimum this tool was built against. The
// check is advisory: it never blocks a command, and all failures are
// silent.
package versioncheck

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/mod/semver"

	"github.com/ampflow/cli/cmd/ampflow/cli/logging"
	"github.com/ampflow/cli/cmd/ampflow/cli/paths"
)

// MinimumAgentVersion is the oldest agent release whose flag surface and
// output formats this tool understands.
const MinimumAgentVersion = "v0.9.0"

// checkInterval is how often the probe actually runs; results are cached.
const checkInterval = 24 * time.Hour

// probeTimeout bounds the --version subprocess.
const probeTimeout = 5 * time.Second

// cacheFileName under the config dir.
const cacheFileName = "agent_version_check.json"

// versionPattern extracts a semantic version from --version output.
var versionPattern = regexp.MustCompile(`v?(\d+\.\d+\.\d+(?:[-+][\w.]+)?)`)

// checkCache records when the probe last ran and what it found.
type checkCache struct {
	LastCheckTime time.Time `json:"last_check_time"`
	AgentVersion  string    `json:"agent_version,omitempty"`
}

// CheckAndNotify probes the agent version at most once per interval and
// prints a warning to the command's output when it is below the minimum.
// Silent on every error path.
func CheckAndNotify(ctx context.Context, cmd *cobra.Command, agentBinary string) {
	if cmd.Hidden {
		return
	}

	cache, err := loadCache()
	if err != nil {
		cache = &checkCache{}
	}
	if time.Since(cache.LastCheckTime) < checkInterval {
		notifyIfOutdated(cmd, cache.AgentVersion)
		return
	}

	version, err := ProbeVersion(ctx, agentBinary)
	cache.LastCheckTime = time.Now()
	cache.AgentVersion = version
	if saveErr := saveCache(cache); saveErr != nil {
		logging.Debug(ctx, "version check: saving cache failed", "error", saveErr.Error())
	}
	if err != nil {
		logging.Debug(ctx, "version check: probe failed", "error", err.Error())
		return
	}
	notifyIfOutdated(cmd, version)
}

// ProbeVersion runs `<agent> --version` and extracts the version string.
func ProbeVersion(ctx context.Context, agentBinary string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, agentBinary, "--version") //nolint:gosec // binary is operator-configured
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("running %s --version: %w", agentBinary, err)
	}
	return ParseVersionOutput(out.String())
}

// ParseVersionOutput extracts a canonical vX.Y.Z from --version output.
func ParseVersionOutput(output string) (string, error) {
	m := versionPattern.FindStringSubmatch(strings.TrimSpace(output))
	if m == nil {
		return "", fmt.Errorf("no version in output %q", firstLine(output))
	}
	v := "v" + m[1]
	if !semver.IsValid(v) {
		return "", fmt.Errorf("invalid version %q", v)
	}
	return v, nil
}

// IsBelowMinimum reports whether an agent version predates the minimum.
// Unknown or empty versions are not flagged.
func IsBelowMinimum(version string) bool {
	if version == "" {
		return false
	}
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	if !semver.IsValid(version) {
		return false
	}
	return semver.Compare(version, MinimumAgentVersion) < 0
}

func notifyIfOutdated(cmd *cobra.Command, version string) {
	if !IsBelowMinimum(version) {
		return
	}
	fmt.Fprintf(cmd.ErrOrStderr(),
		"\nWarning: agent version %s is older than the supported minimum %s; some output may not parse. Update the agent binary.\n",
		version, MinimumAgentVersion)
}

func cacheFilePath() (string, error) {
	dir, err := paths.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, cacheFileName), nil
}

func loadCache() (*checkCache, error) {
	path, err := cacheFilePath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is under the config dir
	if err != nil {
		return nil, err
	}
	var cache checkCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("parsing version check cache: %w", err)
	}
	return &cache, nil
}

// saveCache writes atomically: temp file then rename.
func saveCache(cache *checkCache) error {
	path, err := cacheFilePath()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding cache: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".version_check_tmp_")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Package telemetry sends opt-in, best-effort product analytics. Nothing
// here may slow down or fail a session: timeouts are aggressive and every
// error is swallowed.
package telemetry

import (
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/posthog/posthog-go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// OptOutEnvVar disables analytics regardless of settings.
const OptOutEnvVar = "AMPFLOW_ANALYTICS_OPTOUT"

var (
	// PostHogAPIKey is set at build time for production
	PostHogAPIKey = "phc_development_key"
	// PostHogEndpoint is set at build time for production
	PostHogEndpoint = "https://eu.i.posthog.com"
)

// Client defines the analytics interface.
type Client interface {
	TrackCommand(cmd *cobra.Command)
	TrackIteration(sessionID string, outcome string, durationMS int64, model string, totalTokens int64)
	TrackBatchRun(items int, concurrency int, status string)
	Close()
}

// NoOpClient is used when analytics is disabled.
type NoOpClient struct{}

func (n *NoOpClient) TrackCommand(_ *cobra.Command)                            {}
func (n *NoOpClient) TrackIteration(_ string, _ string, _ int64, _ string, _ int64) {}
func (n *NoOpClient) TrackBatchRun(_ int, _ int, _ string)                     {}
func (n *NoOpClient) Close()                                                   {}

// silentLogger suppresses PostHog log output - expected for CLI best-effort analytics
type silentLogger struct{}

func (silentLogger) Logf(_ string, _ ...interface{})   {}
func (silentLogger) Debugf(_ string, _ ...interface{}) {}
func (silentLogger) Warnf(_ string, _ ...interface{})  {}
func (silentLogger) Errorf(_ string, _ ...interface{}) {}

// PostHogClient is the real analytics client.
type PostHogClient struct {
	client     posthog.Client
	machineID  string
	cliVersion string
	mu         sync.RWMutex
}

// NewClient creates an analytics client based on opt-in settings. The
// enabled parameter comes from settings; nil means not configured, which
// defaults to disabled.
//
//nolint:ireturn // Factory function - returns NoOpClient or PostHogClient based on settings
func NewClient(version string, enabled *bool) Client {
	if os.Getenv(OptOutEnvVar) != "" {
		return &NoOpClient{}
	}
	if enabled == nil || !*enabled {
		return &NoOpClient{}
	}

	id, err := machineid.ProtectedID("ampflow")
	if err != nil {
		return &NoOpClient{}
	}

	// Fast-timeout transport: analytics must never block CLI exit.
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 100 * time.Millisecond,
		}).DialContext,
		TLSHandshakeTimeout:   100 * time.Millisecond,
		ResponseHeaderTimeout: 100 * time.Millisecond,
	}

	client, err := posthog.NewWithConfig(PostHogAPIKey, posthog.Config{
		Endpoint:           PostHogEndpoint,
		ShutdownTimeout:    100 * time.Millisecond,
		BatchUploadTimeout: 200 * time.Millisecond,
		Transport:          transport,
		Logger:             silentLogger{},
		DisableGeoIP:       posthog.Ptr(true),
		DefaultEventProperties: posthog.NewProperties().
			Set("cli_version", version).
			Set("os", runtime.GOOS).
			Set("arch", runtime.GOARCH),
	})
	if err != nil {
		return &NoOpClient{}
	}

	return &PostHogClient{
		client:     client,
		machineID:  id,
		cliVersion: version,
	}
}

// TrackCommand records a command execution. Flag names only, never values.
func (p *PostHogClient) TrackCommand(cmd *cobra.Command) {
	if cmd == nil || cmd.Hidden {
		return
	}

	p.mu.RLock()
	id := p.machineID
	c := p.client
	p.mu.RUnlock()
	if c == nil {
		return
	}

	var flags []string
	cmd.Flags().Visit(func(flag *pflag.Flag) {
		flags = append(flags, flag.Name)
	})

	props := posthog.NewProperties().
		Set("command", cmd.CommandPath())
	if len(flags) > 0 {
		props.Set("flags", strings.Join(flags, ","))
	}

	//nolint:errcheck // Best-effort analytics, failures should not affect CLI
	_ = c.Enqueue(posthog.Capture{
		DistinctId: id,
		Event:      "cli_command_executed",
		Properties: props,
	})
}

// TrackIteration records one completed iteration. The session id is hashed
// by PostHog's distinct-id handling; prompt and output never leave the host.
func (p *PostHogClient) TrackIteration(sessionID, outcome string, durationMS int64, model string, totalTokens int64) {
	p.mu.RLock()
	id := p.machineID
	c := p.client
	p.mu.RUnlock()
	if c == nil {
		return
	}

	props := posthog.NewProperties().
		Set("session", sessionID).
		Set("outcome", outcome).
		Set("duration_ms", durationMS)
	if model != "" {
		props.Set("model", model)
	}
	if totalTokens > 0 {
		props.Set("total_tokens", totalTokens)
	}

	//nolint:errcheck // Best-effort analytics
	_ = c.Enqueue(posthog.Capture{
		DistinctId: id,
		Event:      "iteration_completed",
		Properties: props,
	})
}

// TrackBatchRun records a finished batch run.
func (p *PostHogClient) TrackBatchRun(items, concurrency int, status string) {
	p.mu.RLock()
	id := p.machineID
	c := p.client
	p.mu.RUnlock()
	if c == nil {
		return
	}

	//nolint:errcheck // Best-effort analytics
	_ = c.Enqueue(posthog.Capture{
		DistinctId: id,
		Event:      "batch_run_finished",
		Properties: posthog.NewProperties().
			Set("items", items).
			Set("concurrency", concurrency).
			Set("status", status),
	})
}

// Close flushes pending events.
func (p *PostHogClient) Close() {
	p.mu.RLock()
	c := p.client
	p.mu.RUnlock()
	if c != nil {
		_ = c.Close()
	}
}

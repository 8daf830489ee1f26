// Package cli is the command surface over the session orchestrator: thin
// cobra commands that wire settings, store, event bus, and agent adapter
// into the workspace manager and batch scheduler.
package cli

import (
	"fmt"

	"github.com/ampflow/cli/cmd/ampflow/cli/agent/amp"
	"github.com/ampflow/cli/cmd/ampflow/cli/batch"
	"github.com/ampflow/cli/cmd/ampflow/cli/events"
	"github.com/ampflow/cli/cmd/ampflow/cli/gitx"
	"github.com/ampflow/cli/cmd/ampflow/cli/paths"
	"github.com/ampflow/cli/cmd/ampflow/cli/settings"
	"github.com/ampflow/cli/cmd/ampflow/cli/store"
	"github.com/ampflow/cli/cmd/ampflow/cli/telemetry"
	"github.com/ampflow/cli/cmd/ampflow/cli/workspace"
)

// app bundles the wired components one command invocation uses.
type app struct {
	Settings  *settings.Settings
	Git       *gitx.Driver
	Store     *store.Store
	Bus       *events.Bus
	Agent     *amp.Config
	Manager   *workspace.Manager
	Scheduler *batch.Scheduler

	ndjson    *events.NDJSONSink
	analytics telemetry.Client
}

// newApp wires the full stack from settings and the config directory.
func newApp() (*app, error) {
	cfg, err := settings.Load()
	if err != nil {
		return nil, err
	}

	dbPath, err := paths.DBPath()
	if err != nil {
		return nil, err
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}

	eventLogPath := cfg.EventLogPath
	if eventLogPath == "" {
		eventLogPath, err = paths.EventLogPath()
		if err != nil {
			st.Close()
			return nil, err
		}
	}
	ndjson, err := events.NewNDJSONSink(eventLogPath)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	bus := events.NewBus()
	bus.Register(events.NewStoreSink(st))
	bus.Register(ndjson)

	analytics := telemetry.NewClient(Version, cfg.Analytics)
	bus.Register(telemetry.NewBusSink(analytics))

	agent := &amp.Config{
		BinaryPath: cfg.AgentPath,
		ExtraArgs:  cfg.AgentArgs,
		JSONLogs:   cfg.JSONLogs,
		Env:        cfg.Env,
		ServerURL:  cfg.AgentURL,
	}

	git := gitx.New(cfg.ResolvedGitPath())
	manager := workspace.NewManager(git, st, bus, agent)

	return &app{
		Settings:  cfg,
		Git:       git,
		Store:     st,
		Bus:       bus,
		Agent:     agent,
		Manager:   manager,
		Scheduler: batch.NewScheduler(st, manager),
		ndjson:    ndjson,
		analytics: analytics,
	}, nil
}

// Close releases the app's resources.
func (a *app) Close() {
	a.Bus.Close()
	if a.ndjson != nil {
		_ = a.ndjson.Close()
	}
	if a.analytics != nil {
		a.analytics.Close()
	}
	_ = a.Store.Close()
}

// Package cli wires the forgectl command-line surface over the library
// packages: session lifecycle, iteration engine, merge pipeline, batch
// scheduler, and lock maintenance.
//
// Grounded on the teacher's internal/cmd package: cobra.Command values
// built at package scope, registered onto a shared rootCmd from each
// file's init(), flags declared alongside the command they belong to
// (see internal/cmd/dashboard.go's dashboardCmd/init() pair).
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/session-forge/forge/internal/agent"
	"github.com/session-forge/forge/internal/config"
	"github.com/session-forge/forge/internal/iteration"
	"github.com/session-forge/forge/internal/lock"
	"github.com/session-forge/forge/internal/logx"
	"github.com/session-forge/forge/internal/metrics"
	"github.com/session-forge/forge/internal/store"
	"github.com/session-forge/forge/internal/workspace"
)

var rootCmd = &cobra.Command{
	Use:   "forgectl",
	Short: "Create and drive agent sessions against git worktrees",
}

// Execute runs the CLI and returns the process exit code, mirroring the
// teacher's cmd/gt/main.go `os.Exit(cmd.Execute())` shell.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// deps bundles the wired components every subcommand needs. Built once
// per invocation from forge.toml plus environment overrides.
type deps struct {
	cfg      *config.Config
	st       *store.Store
	lm       *lock.Manager
	bus      *metrics.Bus
	ws       *workspace.Manager
	eng      *iteration.Engine
	agentCfg agent.Config
}

func newDeps() (*deps, func(), error) {
	configDir, err := config.ConfigDir()
	if err != nil {
		return nil, nil, fmt.Errorf("resolving config dir: %w", err)
	}
	cfg, err := config.Load(configDir+"/forge.toml", configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("creating config dir: %w", err)
	}
	st, err := store.Open(store.DefaultConfig(configDir))
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	lm, err := lock.NewManager(configDir)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("opening lock manager: %w", err)
	}

	bus := metrics.NewBus()
	bus.Subscribe(metrics.NewStoreSink(st))
	if fileSink, err := metrics.NewFileSink(configDir + "/events.jsonl"); err == nil {
		bus.Subscribe(fileSink)
	} else {
		logx.Default.Warnf("opening event log: %v", err)
	}

	agentCfg := agent.Config{BinaryPath: cfg.Agent.BinaryPath, ExtraArgs: cfg.Agent.ExtraArgs,
		JSONLogs: cfg.Agent.JSONLogs, ServerURL: cfg.Agent.ServerURL}

	ws := workspace.NewManager(st, lm)
	eng := iteration.NewEngine(st, bus, lm, ws, agentCfg, workspace.AgentCommitPrefix(cfg))
	ws.SetIterationRunner(eng)

	d := &deps{cfg: cfg, st: st, lm: lm, bus: bus, ws: ws, eng: eng, agentCfg: agentCfg}
	cleanup := func() { st.Close() }
	return d, cleanup, nil
}

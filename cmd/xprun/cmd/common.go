package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/hugo-lorenzo-mato/xprun/internal/adapters/history"
	"github.com/hugo-lorenzo-mato/xprun/internal/adapters/lockfile"
	"github.com/hugo-lorenzo-mato/xprun/internal/adapters/process"
	"github.com/hugo-lorenzo-mato/xprun/internal/adapters/runstore"
	"github.com/hugo-lorenzo-mato/xprun/internal/config"
	"github.com/hugo-lorenzo-mato/xprun/internal/core"
	"github.com/hugo-lorenzo-mato/xprun/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/xprun/internal/logging"
	"github.com/hugo-lorenzo-mato/xprun/internal/service/runner"
)

// app holds the collaborators shared by the run commands.
type app struct {
	cfg     *config.Config
	logger  *logging.Logger
	store   *runstore.Store
	history core.ExecutionHistory
	ctrl    *runner.Controller
}

// loadConfig reads and validates the configuration, honoring --config.
func loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(viper.GetViper())
	if cfgFile != "" {
		loader.WithConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logging.Logger {
	level := cfg.Log.Level
	if quiet {
		level = "error"
	}
	return logging.New(logging.Config{
		Level:  level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
		File:   cfg.Log.File,
	})
}

// newApp wires the run store, lock files, launcher, history and controller
// from the configuration. Callers must Close the result.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg)

	store := runstore.New(cfg.Runs.Dir, runstore.WithResultFile(cfg.Runs.ResultFile))
	locks := lockfile.New(store.LockPath)
	launcher := process.NewLauncher(cfg.Runner.Command(), cfg.Runner.Env, logger)

	a := &app{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		history: history.Nop{},
	}

	if cfg.History.Enabled {
		h, err := history.Open(cfg.History.Path)
		if err != nil {
			logger.Warn("execution history unavailable", "path", cfg.History.Path, "error", err)
		} else {
			a.history = h
		}
	}

	opts := []runner.Option{
		runner.WithLogger(logger),
		runner.WithHistory(a.history),
		runner.WithStatusConcurrency(cfg.Runner.StatusConcurrency),
	}
	if cfg.Runner.CaptureHost {
		collector := diagnostics.NewCollector(diagnostics.WithDiskPath(cfg.Runs.Dir))
		opts = append(opts, runner.WithHostSnapshot(func(ctx context.Context) json.RawMessage {
			return collector.Collect(ctx).JSON()
		}))
	}

	a.ctrl = runner.New(store, locks, process.NewProber(), launcher, opts...)
	return a, nil
}

// historyEnabled reports whether executions are actually being recorded.
func (a *app) historyEnabled() bool {
	_, ok := a.history.(*history.Store)
	return ok
}

func (a *app) Close() {
	if err := a.history.Close(); err != nil {
		a.logger.Warn("closing execution history", "error", err)
	}
	_ = a.logger.Close()
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

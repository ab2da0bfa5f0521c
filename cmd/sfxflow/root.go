package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/dshills/sfxflow/internal/config"
	"github.com/dshills/sfxflow/internal/logging"
	"github.com/dshills/sfxflow/internal/metrics"
	"github.com/dshills/sfxflow/internal/optimizer"
	"github.com/dshills/sfxflow/internal/scheduler"
	"github.com/dshills/sfxflow/internal/storage"
)

// app carries the state shared by every subcommand
type app struct {
	configPath string
	logLevel   string

	cfg    *config.Config
	logger *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "sfxflow",
		Short:         "Serial crystallography pipeline orchestrator",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default ./sfxflow.yaml or ~/.config/sfxflow/sfxflow.yaml)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	versionCmd := newVersionCommand()
	rootCmd.AddCommand(
		newOptimizeCommand(a),
		newAnalyzeCommand(a),
		newIndexCommand(a),
		newMergeCommand(a),
		newCustomSplitCommand(a),
		newStatsCommand(a),
		newSampleCommand(a),
		newShiftCommand(a),
		newRunsCommand(a),
		newServeCommand(a),
		newConfigCommand(a),
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return a.setup(cmd)
	}
	return rootCmd
}

// setup loads and validates the configuration and builds the logger
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	logger, err := logging.NewWithWriter(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) openLedger() (*storage.SQLiteStorage, error) {
	store, err := storage.NewSQLiteStorage(a.cfg.Ledger.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger %s: %w", a.cfg.Ledger.Path, err)
	}
	return store, nil
}

func (a *app) newMetrics() (*metrics.PipelineMetrics, error) {
	return metrics.NewPipelineMetrics(prometheus.NewRegistry())
}

// writeMetrics exports m when metrics.textfile_path is set
func (a *app) writeMetrics(m *metrics.PipelineMetrics) {
	if err := m.WriteTextfile(a.cfg.Metrics.TextfilePath); err != nil {
		a.logger.Warn("metrics export failed", "error", err)
	}
}

func (a *app) newScheduler() scheduler.Scheduler {
	retry := scheduler.DefaultRetryConfig()
	retry.MaxRetries = a.cfg.Scheduler.SubmitRetries + 1
	return scheduler.NewSlurm(
		scheduler.WithAccounting(a.cfg.Scheduler.UseAccounting),
		scheduler.WithRetry(retry),
		scheduler.WithLogger(a.logger),
	)
}

// pipeline wires the optimizer with the ledger, metrics and the Slurm
// scheduler. The returned cleanup closes the ledger and exports metrics.
func (a *app) pipeline() (*optimizer.Optimizer, func(), error) {
	store, err := a.openLedger()
	if err != nil {
		return nil, nil, err
	}
	m, err := a.newMetrics()
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	opt := optimizer.New(a.cfg, a.newScheduler(),
		optimizer.WithLedger(store),
		optimizer.WithMetrics(m),
		optimizer.WithLogger(a.logger),
	)
	cleanup := func() {
		a.writeMetrics(m)
		if err := store.Close(); err != nil {
			a.logger.Warn("failed to close ledger", "error", err)
		}
	}
	return opt, cleanup, nil
}

// parseRuns expands run arguments such as "8", "8-12" or "3,5"
func parseRuns(args []string) ([]int, error) {
	var runs []int
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			first, last, isRange := strings.Cut(part, "-")
			from, err := strconv.Atoi(first)
			if err != nil || from <= 0 {
				return nil, fmt.Errorf("invalid run %q", part)
			}
			to := from
			if isRange {
				to, err = strconv.Atoi(last)
				if err != nil || to < from {
					return nil, fmt.Errorf("invalid run range %q", part)
				}
			}
			for run := from; run <= to; run++ {
				runs = append(runs, run)
			}
		}
	}
	return runs, nil
}

package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/sfxflow/internal/geometry"
	"github.com/dshills/sfxflow/internal/optimizer"
	"github.com/dshills/sfxflow/pkg/types"
)

func newOptimizeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "optimize [runs...]",
		Short: "Scan camera lengths and write an optimized geometry per run",
		Long: "Runs the camera-length scan for every run (default: geometry_optimization.run_range). " +
			"Runs accept single numbers, ranges like 8-12 and comma lists.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.RequirePaths("beamline", "experiment_id", "detector_geometry_name",
				"initial_geometry_file_path", "cell_file_path", "geometry_optimization_directory"); err != nil {
				return err
			}
			runs, err := parseRuns(args)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				runs = a.cfg.Runs()
			}

			opt, cleanup, err := a.pipeline()
			if err != nil {
				return err
			}
			defer cleanup()

			report, err := opt.OptimizeRuns(cmd.Context(), runs)
			if report != nil {
				printRunResults(cmd.OutOrStdout(), report.Results)
			}
			if err != nil {
				return err
			}
			if failed := report.Failed(); len(failed) > 0 {
				return fmt.Errorf("%d of %d runs failed: %v", len(failed), len(runs), failed)
			}
			return nil
		},
	}
}

func printRunResults(w io.Writer, results []*optimizer.RunResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "RUN\tSTATE\tCLEN\tR2\tRESULT")
	for _, r := range results {
		clen, r2 := "-", "-"
		if r.Analysis != nil && r.Analysis.Optimum.Points > 0 {
			clen = types.ClenKey(r.Analysis.Optimum.Clen)
			r2 = fmt.Sprintf("%.4f", r.Analysis.Optimum.R2)
		}
		result := r.FinalGeometry
		if r.Err != nil {
			result = r.Err.Error()
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.Run, r.State, clen, r2, result)
	}
	_ = tw.Flush()
}

func newAnalyzeCommand(a *app) *cobra.Command {
	var statistic string
	cmd := &cobra.Command{
		Use:   "analyze <scan-dir>",
		Short: "Re-analyze an existing camera-length scan without submitting jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := a.newMetrics()
			if err != nil {
				return err
			}
			defer a.writeMetrics(m)

			an := optimizer.NewAnalyzer(a.cfg.GeometryOptimization, nil, m, a.logger)
			if statistic != "" {
				if an, err = an.WithStatistic(statistic); err != nil {
					return err
				}
			}

			analysis, err := an.Analyze(cmd.Context(), args[0])
			if analysis != nil {
				printAnalysis(cmd.OutOrStdout(), analysis)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&statistic, "statistic", "", "statistic to minimise (default geometry_optimization.statistic)")
	return cmd
}

func printAnalysis(w io.Writer, analysis *optimizer.Analysis) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "CLEN\tINDEXED\t%s\tNOTE\n", analysis.Statistic)
	for _, r := range analysis.Results {
		indexed, value := "-", "-"
		if r.Parsed {
			indexed = fmt.Sprint(r.Stats.Indexed)
			v, _ := r.Stats.Stat(analysis.Statistic)
			value = fmt.Sprintf("%.6g", v)
		}
		note := ""
		if r.Skipped != "" {
			note = "skipped: " + r.Skipped
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Candidate.Key(), indexed, value, note)
	}
	_ = tw.Flush()

	opt := analysis.Optimum
	if opt.Points == 0 {
		return
	}
	_, _ = fmt.Fprintf(w, "\noptimal clen %s (R^2 %.4f over %d candidates)\n", types.ClenKey(opt.Clen), opt.R2, opt.Points)
	if opt.Warning != nil {
		_, _ = fmt.Fprintln(w, opt.Warning.String())
	}
	_, _ = fmt.Fprintf(w, "summary written to %s\n", analysis.SummaryPath)
}

func newIndexCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "index [runs...]",
		Short: "Submit indexing jobs using each run's optimized geometry",
		Long:  "Submits one indexing job per run and laser state. Without arguments every run in geometry_summary_path is indexed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.RequirePaths("beamline", "experiment_id", "detector_geometry_name", "cell_file_path",
				"list_file_directory_path", "stream_file_directory", "geometry_summary_path",
				"geometry_optimization_directory"); err != nil {
				return err
			}
			runs, err := parseRuns(args)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				if runs, err = geometry.SummaryRuns(a.cfg.GeometrySummaryPath); err != nil {
					return err
				}
			}

			opt, cleanup, err := a.pipeline()
			if err != nil {
				return err
			}
			defer cleanup()

			subs, err := opt.IndexRuns(cmd.Context(), runs)
			printSubmissions(cmd.OutOrStdout(), subs)
			return err
		},
	}
}

func newMergeCommand(a *app) *cobra.Command {
	var states []string
	cmd := &cobra.Command{
		Use:   "merge <name> <runs...>",
		Short: "Submit partialator merges of a set of runs",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.RequirePaths("cell_file_path", "merging_directory", "mtz_directory"); err != nil {
				return err
			}
			runs, err := parseRuns(args[1:])
			if err != nil {
				return err
			}

			opt, cleanup, err := a.pipeline()
			if err != nil {
				return err
			}
			defer cleanup()

			subs, err := opt.MergeRunset(cmd.Context(), args[0], runs, states)
			printSubmissions(cmd.OutOrStdout(), subs)
			return err
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "laser states to merge (default dark,light)")
	return cmd
}

func newCustomSplitCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "custom-split <tag>",
		Short: "Merge the online streams of a tag split by laser state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.RequirePaths("beamline", "experiment_id", "merging_directory"); err != nil {
				return err
			}
			opt, cleanup, err := a.pipeline()
			if err != nil {
				return err
			}
			defer cleanup()

			sub, err := opt.CustomSplit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printSubmissions(cmd.OutOrStdout(), []optimizer.Submission{sub})
			return nil
		},
	}
}

func printSubmissions(w io.Writer, subs []optimizer.Submission) {
	if len(subs) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "JOB\tKIND\tRUN\tLABEL\tOUTPUT")
	for _, s := range subs {
		run := "-"
		if s.Run > 0 {
			run = fmt.Sprint(s.Run)
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", s.JobID, s.Kind, run, s.Label, s.Output)
	}
	_ = tw.Flush()
}

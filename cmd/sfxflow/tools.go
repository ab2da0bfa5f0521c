package main

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dshills/sfxflow/internal/datalist"
	"github.com/dshills/sfxflow/internal/geometry"
	"github.com/dshills/sfxflow/internal/hklstats"
	"github.com/dshills/sfxflow/internal/mcp"
	"github.com/dshills/sfxflow/internal/optimizer"
	"github.com/dshills/sfxflow/internal/storage"
	"github.com/dshills/sfxflow/internal/stream"
	"github.com/dshills/sfxflow/pkg/types"
)

func newStatsCommand(a *app) *cobra.Command {
	var outDir string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Compile per-shell merge statistics into CSV tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.cfg.RequirePaths("merging_directory"); err != nil {
				return err
			}
			if outDir == "" {
				outDir = a.cfg.MergingDirectory
			}
			datasets, err := hklstats.Compile(a.cfg.MergingDirectory, outDir, a.logger)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "DATASET\tCRYSTALS\tSHELLS\tCSV")
			for _, ds := range datasets {
				crystals := "-"
				if ds.Crystals >= 0 {
					crystals = fmt.Sprint(ds.Crystals)
				}
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", ds.Tag, crystals, ds.Shells, ds.CSV)
			}
			_ = tw.Flush()
			return err
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "output directory (default merging_directory)")
	return cmd
}

func newSampleCommand(a *app) *cobra.Command {
	var (
		size int
		seed uint64
	)
	cmd := &cobra.Command{
		Use:   "sample <list-file>",
		Short: "Write a random subsample of an image list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if size <= 0 {
				size = a.cfg.GeometryOptimization.SampleSize
			}
			if seed == 0 {
				seed = a.cfg.GeometryOptimization.SampleSeed
			}
			var rng *rand.Rand
			if seed != 0 {
				rng = rand.New(rand.NewPCG(seed, seed))
			}
			out, err := datalist.Sample(args[0], size, rng)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().IntVarP(&size, "size", "n", 0, "number of entries (default geometry_optimization.sample_size)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "random seed (default geometry_optimization.sample_seed, 0 is random)")
	return cmd
}

func newShiftCommand(a *app) *cobra.Command {
	var panels bool
	cmd := &cobra.Command{
		Use:   "shift <geometry> <stream...>",
		Short: "Apply the mean detector shift of streams to a geometry file",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			shift, err := stream.DetectorShift(args[1:])
			if err != nil {
				return err
			}
			out, report, err := geometry.WriteShiftedGeometry(args[0], shift)
			if err != nil {
				return err
			}
			for _, w := range report.Warnings() {
				a.logger.Warn(w, "geometry", args[0])
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Mean shifts: dx = %.2f mm,  dy = %.2f mm (%d samples)\n%s\n",
				shift.DX, shift.DY, shift.Samples, out)
			if panels {
				return printPanelShifts(cmd.OutOrStdout(), args[0], out)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&panels, "panels", false, "print every panel's corner offsets before and after the shift")
	return cmd
}

// printPanelShifts lists each panel's corner offsets in the original and the
// shifted geometry
func printPanelShifts(w io.Writer, before, after string) error {
	orig, err := geometry.ParseFile(before)
	if err != nil {
		return err
	}
	shifted, err := geometry.ParseFile(after)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PANEL\tCORNER_X\tCORNER_Y\tSHIFTED_X\tSHIFTED_Y")
	for _, p := range orig.Panels {
		q, ok := shifted.Panel(p.Name)
		if !ok {
			return fmt.Errorf("panel %s missing from %s", p.Name, after)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%.6f\t%.6f\t%.6f\t%.6f\n",
			p.Name, p.CornerX, p.CornerY, q.CornerX, q.CornerY)
	}
	return tw.Flush()
}

func newRunsCommand(a *app) *cobra.Command {
	var (
		state string
		run   int
		id    int64
		limit int
		jobs  bool
		batch string
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List optimization runs or submitted jobs recorded in the ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openLedger()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctx := cmd.Context()
			if jobs {
				return printJobs(ctx, cmd.OutOrStdout(), store, batch)
			}

			var runs []*storage.Run
			if id > 0 {
				r, err := store.GetRun(ctx, id)
				if err != nil {
					return fmt.Errorf("run id %d: %w", id, err)
				}
				runs = []*storage.Run{r}
			} else {
				runs, err = store.ListRuns(ctx, storage.RunFilter{
					BatchID:   batch,
					State:     types.RunState(state),
					RunNumber: run,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tRUN\tSTATE\tCLEN\tR2\tUPDATED\tDETAIL")
			for _, r := range runs {
				clen, r2 := "-", "-"
				if r.OptimumClen != nil {
					clen = types.ClenKey(*r.OptimumClen)
				}
				if r.R2 != nil {
					r2 = fmt.Sprintf("%.4f", *r.R2)
				}
				detail := r.FinalGeometry
				if r.Error != "" {
					detail = r.Error
				}
				_, _ = fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.RunNumber, r.State, clen, r2, r.UpdatedAt.Format("2006-01-02 15:04"), detail)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only runs in this state")
	cmd.Flags().IntVar(&run, "run", 0, "only attempts of this run number")
	cmd.Flags().Int64Var(&id, "id", 0, "show the attempt with this ledger id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of runs")
	cmd.Flags().BoolVar(&jobs, "jobs", false, "list submitted indexing, merging and custom-split jobs instead of runs")
	cmd.Flags().StringVar(&batch, "batch", "", "only runs or jobs of this batch id")
	return cmd
}

// printJobs lists the jobs of one batch, or of every batch when batchID is empty
func printJobs(ctx context.Context, w io.Writer, store storage.Ledger, batchID string) error {
	if batchID != "" {
		b, err := store.GetBatch(ctx, batchID)
		if err != nil {
			return fmt.Errorf("batch %s: %w", batchID, err)
		}
		_, _ = fmt.Fprintf(w, "batch %s (%s) created %s\n", b.ID, b.Kind, b.CreatedAt.Format("2006-01-02 15:04"))
	}

	jobs, err := store.ListJobs(ctx, batchID)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "JOB\tKIND\tRUN\tLABEL\tSTATE\tSUBMITTED\tOUTPUT")
	for _, j := range jobs {
		run := "-"
		if j.RunNumber > 0 {
			run = fmt.Sprint(j.RunNumber)
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.SchedulerID, j.Kind, run, j.Label, j.State, j.SubmittedAt.Format("2006-01-02 15:04"), j.Output)
	}
	return tw.Flush()
}

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the run ledger and scan analysis over MCP on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openLedger()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			m, err := a.newMetrics()
			if err != nil {
				return err
			}
			defer a.writeMetrics(m)

			analyzer := optimizer.NewAnalyzer(a.cfg.GeometryOptimization, nil, m, a.logger)
			server, err := mcp.NewServer(a.cfg, store, analyzer, a.logger, version)
			if err != nil {
				return fmt.Errorf("failed to create MCP server: %w", err)
			}
			return server.Serve(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
}

func newConfigCommand(a *app) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.cfg.Render(cmd.OutOrStdout())
		},
	})
	return configCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(w, "sfxflow %s\n", version)
			_, _ = fmt.Fprintf(w, "Build Time: %s\n", buildTime)
			_, _ = fmt.Fprintf(w, "Build Mode: %s\n", storage.BuildMode)
			_, _ = fmt.Fprintf(w, "SQLite Driver: %s\n", storage.DriverName)
		},
	}
}

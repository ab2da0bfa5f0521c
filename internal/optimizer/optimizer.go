package optimizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/dshills/sfxflow/internal/config"
	"github.com/dshills/sfxflow/internal/crystfel"
	"github.com/dshills/sfxflow/internal/datalist"
	"github.com/dshills/sfxflow/internal/geometry"
	"github.com/dshills/sfxflow/internal/logging"
	"github.com/dshills/sfxflow/internal/metrics"
	"github.com/dshills/sfxflow/internal/scheduler"
	"github.com/dshills/sfxflow/internal/storage"
	"github.com/dshills/sfxflow/internal/stream"
	"github.com/dshills/sfxflow/pkg/types"
)

// ShiftLogName is written into the optimum candidate's directory
const ShiftLogName = "detector-shift.log"

// Job kinds used for submission metrics and the ledger
const (
	KindScan        = "scan"
	KindIndex       = "index"
	KindMerge       = "merge"
	KindCustomSplit = "custom-split"
)

// Optimizer drives the camera-length scan of each run and the follow-up
// indexing and merging jobs
type Optimizer struct {
	cfg      *config.Config
	layout   datalist.Layout
	sched    scheduler.Scheduler
	ledger   storage.Storage
	metrics  *metrics.PipelineMetrics
	analyzer *Analyzer
	cache    *stream.Cache
	rng      *rand.Rand
	logger   *slog.Logger
}

// Option configures an Optimizer
type Option func(*Optimizer)

// WithLedger records batches, runs, candidates and jobs in l
func WithLedger(l storage.Storage) Option {
	return func(o *Optimizer) { o.ledger = l }
}

// WithMetrics records pipeline metrics in m
func WithMetrics(m *metrics.PipelineMetrics) Option {
	return func(o *Optimizer) { o.metrics = m }
}

// WithLogger sets the parent logger
func WithLogger(l *slog.Logger) Option {
	return func(o *Optimizer) { o.logger = l }
}

// WithRand sets the random source used to subsample list files
func WithRand(r *rand.Rand) Option {
	return func(o *Optimizer) { o.rng = r }
}

// WithCache shares a parsed-stream cache with the analyzer
func WithCache(c *stream.Cache) Option {
	return func(o *Optimizer) { o.cache = c }
}

// New creates an optimizer. The scheduler may be nil for analysis-only use.
func New(cfg *config.Config, sched scheduler.Scheduler, opts ...Option) *Optimizer {
	o := &Optimizer{
		cfg:    cfg,
		layout: cfg.Layout(),
		sched:  sched,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.rng == nil {
		seed := cfg.GeometryOptimization.SampleSeed
		if seed == 0 {
			seed = rand.Uint64()
		}
		o.rng = rand.New(rand.NewPCG(seed, seed))
	}
	o.analyzer = NewAnalyzer(cfg.GeometryOptimization, o.cache, o.metrics, o.logger)
	o.logger = logging.Module(o.logger, "optimizer")
	return o
}

// Analyzer returns the analyzer used for the ANALYZING step
func (o *Optimizer) Analyzer() *Analyzer {
	return o.analyzer
}

// WorkDir returns the scan directory of a run
func (o *Optimizer) WorkDir(run int) string {
	return filepath.Join(o.cfg.GeometryOptimizationDirectory, fmt.Sprintf("run%04d", run))
}

// RunResult is the outcome of optimizing one run
type RunResult struct {
	Run           int
	State         types.RunState
	WorkDir       string
	SampleList    string
	Candidates    []types.ScanCandidate
	Analysis      *Analysis
	Shift         types.DetectorShift
	FinalGeometry string
	Duration      time.Duration
	Err           error
}

// BatchReport summarises OptimizeRuns
type BatchReport struct {
	BatchID string
	Results []*RunResult
}

// Failed returns the runs that did not reach DONE
func (b *BatchReport) Failed() []int {
	var out []int
	for _, r := range b.Results {
		if r.State != types.StateDone {
			out = append(out, r.Run)
		}
	}
	return out
}

// OptimizeRuns optimizes every run in order. A failing run is logged and
// recorded and the batch moves on to the next run. The returned error is
// non-nil only when the batch itself could not proceed.
func (o *Optimizer) OptimizeRuns(ctx context.Context, runs []int) (*BatchReport, error) {
	batchID, err := o.createBatch(ctx, storage.BatchOptimize)
	if err != nil {
		return nil, err
	}
	report := &BatchReport{BatchID: batchID}

	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		res, err := o.OptimizeRun(ctx, batchID, run)
		report.Results = append(report.Results, res)
		if err != nil {
			o.logger.Error("error with run, proceeding", "run", run, "state", res.State, "error", err)
		}
	}

	o.logger.Info("optimization batch finished",
		"batch_id", batchID,
		"runs", len(runs),
		"failed", len(report.Failed()))
	return report, nil
}

// OptimizeRun walks one run through the scan state machine. The returned
// result is never nil; its State is DONE, FAILED or ABANDONED.
func (o *Optimizer) OptimizeRun(ctx context.Context, batchID string, run int) (*RunResult, error) {
	res := &RunResult{Run: run, WorkDir: o.WorkDir(run)}
	if run <= 0 {
		res.State = types.StateFailed
		res.Err = types.ErrInvalidRunNumber
		return res, res.Err
	}
	if o.sched == nil {
		res.State = types.StateFailed
		res.Err = errors.New("optimizer has no scheduler")
		return res, res.Err
	}

	started := time.Now()
	rec := o.startRun(ctx, batchID, res)

	err := o.run(ctx, res, rec)

	res.Duration = time.Since(started)
	res.Err = err
	switch {
	case err == nil:
		res.State = types.StateDone
	case errors.Is(err, types.ErrJobsAbandoned):
		res.State = types.StateAbandoned
	default:
		res.State = types.StateFailed
	}
	o.finishRun(ctx, res, rec)
	return res, err
}

func (o *Optimizer) run(ctx context.Context, res *RunResult, rec *storage.Run) error {
	o.transition(ctx, res, rec, types.StatePreparing)
	sample, err := o.prepare(res)
	if err != nil {
		return err
	}
	res.SampleList = sample

	o.transition(ctx, res, rec, types.StateScanning)
	if err := o.scan(ctx, res, rec); err != nil {
		return err
	}

	o.transition(ctx, res, rec, types.StateAwaitingJobs)
	if err := o.await(ctx, res); err != nil {
		return err
	}

	o.transition(ctx, res, rec, types.StateAnalyzing)
	if err := o.analyze(ctx, res, rec); err != nil {
		return err
	}

	o.transition(ctx, res, rec, types.StateShifting)
	if err := o.shift(res); err != nil {
		return err
	}

	final := geometry.OptimizedPath(o.cfg.GeometryOptimizationDirectory, res.Run)
	if _, err := os.Stat(final); err != nil {
		return &types.MissingArtifactError{Path: final, Step: fmt.Sprintf("optimize run %d", res.Run)}
	}
	res.FinalGeometry = final
	return nil
}

// prepare checks the initial geometry, combines the run's dark lists (kept
// if already present) and subsamples them
func (o *Optimizer) prepare(res *RunResult) (string, error) {
	model, err := geometry.ParseFile(o.cfg.InitialGeometryFilePath)
	if err != nil {
		return "", err
	}
	if !model.HasClen {
		return "", &types.FormatError{Source: o.cfg.InitialGeometryFilePath, Reason: "no usable clen assignment"}
	}
	o.logger.Debug("initial geometry", "run", res.Run, "panels", len(model.Panels), "clen", model.Clen)

	if err := os.MkdirAll(res.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}

	combined := filepath.Join(res.WorkDir, fmt.Sprintf("run%04d_all_dark.lst", res.Run))
	if _, err := os.Stat(combined); errors.Is(err, fs.ErrNotExist) {
		n, err := o.layout.CombineRun(res.Run, "dark", combined)
		if err != nil {
			return "", err
		}
		if n == 0 {
			_ = os.Remove(combined)
			return "", &types.MissingArtifactError{Path: combined, Step: "no dark list files for run"}
		}
		o.logger.Info("combined dark lists", "run", res.Run, "files", n, "path", combined)
	}

	sample, err := datalist.Sample(combined, o.cfg.GeometryOptimization.SampleSize, o.rng)
	if err != nil {
		return "", err
	}
	return sample, nil
}

// scan writes a geometry variant and indexing script per camera length and
// submits one job each. Submission is sequential.
func (o *Optimizer) scan(ctx context.Context, res *RunResult, rec *storage.Run) error {
	geo := o.cfg.GeometryOptimization
	clens, dropped := dedupeKeys(Sweep(geo.ClenCenter, geo.StepSize, geo.ClenHalfRange))
	if len(dropped) > 0 {
		o.logger.Warn("camera lengths collapse to the same key, dropped", "run", res.Run, "dropped", len(dropped))
	}

	o.logger.Info("begin CrystFEL analysis of different clens", "run", res.Run, "candidates", len(clens))
	for _, clen := range clens {
		key := types.ClenKey(clen)
		dir := filepath.Join(res.WorkDir, key)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create candidate dir: %w", err)
		}

		geom, err := geometry.WriteCameraLengthVariant(o.cfg.InitialGeometryFilePath, clen, dir)
		if err != nil {
			return err
		}
		streamPath := filepath.Join(dir, key+".stream")
		script, err := crystfel.WriteScript(crystfel.NewIndexing(o.cfg, res.SampleList, geom, streamPath), dir, crystfel.IndexingScriptName)
		if err != nil {
			return err
		}

		id, err := o.sched.Submit(ctx, o.indexingJob(script))
		o.metrics.RecordSubmission(KindScan, err)
		if err != nil {
			return fmt.Errorf("failed to submit clen %s: %w", key, err)
		}
		o.logger.Info("testing clen", "run", res.Run, "clen", key, "job_id", id)

		cand := types.ScanCandidate{
			Clen:         clen,
			GeometryPath: geom,
			StreamPath:   streamPath,
			JobID:        id,
			JobState:     types.JobActive,
		}
		res.Candidates = append(res.Candidates, cand)
		o.saveCandidate(ctx, rec, cand)
	}
	return nil
}

// await blocks until every scan job is terminal
func (o *Optimizer) await(ctx context.Context, res *RunResult) error {
	ids := make([]types.JobID, len(res.Candidates))
	for i, c := range res.Candidates {
		ids[i] = c.JobID
	}

	states, err := scheduler.WaitAll(ctx, o.sched, ids, o.waitOptions(ctx))
	for i := range res.Candidates {
		if s, ok := states[res.Candidates[i].JobID]; ok {
			res.Candidates[i].JobState = s
		}
	}
	if err != nil {
		return err
	}
	o.logger.Info("slurm processing done", "run", res.Run, "jobs", len(ids))
	return nil
}

func (o *Optimizer) waitOptions(ctx context.Context) scheduler.WaitOptions {
	sc := o.cfg.Scheduler
	return scheduler.WaitOptions{
		Interval:  sc.PollInterval,
		Timeout:   sc.WaitTimeout,
		QueryRate: sc.QueryRate,
		Logger:    o.logger,
		OnState: func(id types.JobID, state types.JobState) {
			o.metrics.RecordJobFinished(state)
			if state == types.JobGone && !sc.UseAccounting {
				o.logger.Debug("job finished without accounting, treating output as usable", "job_id", id)
			}
			if o.ledger == nil {
				return
			}
			if err := o.ledger.UpdateJobState(context.WithoutCancel(ctx), int64(id), state); err != nil {
				o.logger.Warn("failed to record job state", "job_id", id, "error", err)
			}
		},
		OnRound: o.metrics.RecordPoll,
	}
}

// analyze fits the scan and records every candidate's statistics
func (o *Optimizer) analyze(ctx context.Context, res *RunResult, rec *storage.Run) error {
	analysis, err := o.analyzer.AnalyzeCandidates(ctx, res.WorkDir, res.Candidates)
	if analysis == nil {
		return err
	}
	res.Analysis = analysis
	if err == nil {
		opt := analysis.Optimum
		o.metrics.RecordFit(res.Run, opt.R2, opt.Clen)
		if rec != nil {
			clen, r2 := opt.Clen, opt.R2
			rec.OptimumClen = &clen
			rec.R2 = &r2
		}
	}
	if rec != nil {
		if txErr := o.recordAnalysis(context.WithoutCancel(ctx), rec, analysis); txErr != nil {
			o.logger.Warn("failed to record analysis", "run", res.Run, "error", txErr)
		}
	}
	return err
}

// recordAnalysis stores the statistics of every parsed candidate and the
// run's optimum in one transaction
func (o *Optimizer) recordAnalysis(ctx context.Context, rec *storage.Run, analysis *Analysis) error {
	tx, err := o.ledger.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range analysis.Results {
		if !r.Parsed {
			continue
		}
		row := candidateRow(rec, r.Candidate)
		row.Stats = r.Stats
		row.Analyzed = true
		if err := tx.UpsertCandidate(ctx, row); err != nil {
			return fmt.Errorf("clen %s: %w", r.Candidate.Key(), err)
		}
	}
	if rec.OptimumClen != nil {
		if err := tx.UpdateRun(ctx, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// shift applies the mean detector shift of the optimum candidate and copies
// the result to the run's final geometry
func (o *Optimizer) shift(res *RunResult) error {
	clen := res.Analysis.Optimum.Clen
	key := types.ClenKey(clen)
	clenDir := filepath.Join(res.WorkDir, key)
	geom := geometry.VariantPath(clenDir, clen)
	streamPath := filepath.Join(clenDir, key+".stream")

	shift, err := stream.DetectorShift([]string{streamPath})
	if err != nil {
		return fmt.Errorf("clen %s: %w", key, err)
	}
	res.Shift = shift

	logText := fmt.Sprintf("Mean shifts: dx = %.2f mm,  dy = %.2f mm", shift.DX, shift.DY)
	if err := os.WriteFile(filepath.Join(clenDir, ShiftLogName), []byte(logText), 0o644); err != nil {
		return fmt.Errorf("failed to write shift log: %w", err)
	}
	o.logger.Info("detector shift", "run", res.Run, "clen", key, "dx_mm", shift.DX, "dy_mm", shift.DY, "samples", shift.Samples)

	shifted, report, err := geometry.WriteShiftedGeometry(geom, shift)
	if err != nil {
		return err
	}
	for _, w := range report.Warnings() {
		o.logger.Warn(w, "run", res.Run, "geometry", geom)
	}

	final := geometry.OptimizedPath(o.cfg.GeometryOptimizationDirectory, res.Run)
	if _, err := os.Stat(shifted); err == nil {
		if err := copyFile(shifted, final); err != nil {
			return err
		}
	}
	return nil
}

func (o *Optimizer) indexingJob(script string) scheduler.Job {
	sc := o.cfg.Scheduler
	return scheduler.Job{
		Script:    script,
		Name:      "indexing",
		Queue:     sc.Queue,
		TimeLimit: sc.TimeLimit,
		CPUs:      sc.CPUsPerTask,
		Exclusive: true,
	}
}

func (o *Optimizer) transition(ctx context.Context, res *RunResult, rec *storage.Run, state types.RunState) {
	res.State = state
	o.logger.Info("run state", "run", res.Run, "state", state)
	o.metrics.SetRunState(res.Run, state)
	if rec == nil {
		return
	}
	rec.State = state
	if err := o.ledger.UpdateRun(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("failed to record run state", "run", res.Run, "error", err)
	}
}

func (o *Optimizer) createBatch(ctx context.Context, kind string) (string, error) {
	if o.ledger == nil {
		return storage.NewBatchID(), nil
	}
	batch := &storage.Batch{Kind: kind}
	if err := o.ledger.CreateBatch(ctx, batch); err != nil {
		return "", fmt.Errorf("failed to create %s batch: %w", kind, err)
	}
	return batch.ID, nil
}

func (o *Optimizer) startRun(ctx context.Context, batchID string, res *RunResult) *storage.Run {
	if o.ledger == nil || batchID == "" {
		return nil
	}
	rec := &storage.Run{
		BatchID:   batchID,
		RunNumber: res.Run,
		State:     types.StatePreparing,
		WorkDir:   res.WorkDir,
	}
	if err := o.ledger.CreateRun(ctx, rec); err != nil {
		o.logger.Warn("failed to record run", "run", res.Run, "error", err)
		return nil
	}
	return rec
}

func (o *Optimizer) finishRun(ctx context.Context, res *RunResult, rec *storage.Run) {
	o.metrics.SetRunState(res.Run, res.State)
	o.metrics.RecordRunFinished(res.State, res.Duration)
	if res.State == types.StateDone {
		o.logger.Info("run optimized", "run", res.Run, "geometry", res.FinalGeometry, "duration", res.Duration)
	}
	if rec == nil {
		return
	}
	rec.State = res.State
	rec.FinalGeometry = res.FinalGeometry
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	if err := o.ledger.UpdateRun(context.WithoutCancel(ctx), rec); err != nil {
		o.logger.Warn("failed to record run result", "run", res.Run, "error", err)
	}
}

// saveCandidate records a submitted candidate before it is analyzed
func (o *Optimizer) saveCandidate(ctx context.Context, rec *storage.Run, c types.ScanCandidate) {
	if rec == nil {
		return
	}
	row := candidateRow(rec, c)
	if err := o.ledger.UpsertCandidate(context.WithoutCancel(ctx), row); err != nil {
		o.logger.Warn("failed to record candidate", "run", rec.RunNumber, "clen", c.Key(), "error", err)
	}
}

func candidateRow(rec *storage.Run, c types.ScanCandidate) *storage.Candidate {
	return &storage.Candidate{
		RunID:        rec.ID,
		Clen:         c.Clen,
		GeometryPath: c.GeometryPath,
		StreamPath:   c.StreamPath,
		JobID:        c.JobID,
		JobState:     c.JobState,
		Stats:        pendingStats(c.Clen),
	}
}

// pendingStats is the statistics row of a candidate not analyzed yet
func pendingStats(clen float64) types.CandidateStats {
	nan := math.NaN()
	return types.CandidateStats{
		Clen: clen, StdA: nan, StdB: nan, StdC: nan, StdAlpha: nan, StdBeta: nan,
		StdGamma: nan, SkewA: nan, SkewB: nan, SkewC: nan,
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}

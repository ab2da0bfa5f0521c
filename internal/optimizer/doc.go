// Package optimizer drives the camera-length (clen) scan that refines a
// detector geometry for each run, and the indexing and merging jobs that
// follow it.
//
// # Basic Usage
//
//	opt := optimizer.New(cfg, scheduler.NewSlurm(),
//	    optimizer.WithLedger(store),
//	    optimizer.WithMetrics(m),
//	    optimizer.WithLogger(logger),
//	)
//
//	report, err := opt.OptimizeRuns(ctx, []int{8, 9, 10})
//	for _, r := range report.Results {
//	    fmt.Println(r.Run, r.State, r.FinalGeometry)
//	}
//
// # Per-Run Pipeline
//
// Each run moves through a fixed sequence of states recorded in the ledger:
//
//  1. PREPARING: subsample the dark image list of the run
//  2. SCANNING: write one geometry and one indexing job per candidate clen
//  3. AWAITING_JOBS: poll the scheduler until every job reaches a terminal state
//  4. ANALYZING: parse each stream, fit a polynomial to the chosen statistic
//  5. SHIFTING: apply the mean detector shift of the optimum stream
//  6. DONE, or FAILED with the error that stopped the run
//
// Runs in one batch are independent. A failed run never stops the others,
// and OptimizeRuns only returns an error when the batch itself cannot start.
//
// # Candidate Analysis
//
// The Analyzer reads the unit cells of every candidate stream in parallel:
//
//	semaphore := make(chan struct{}, workers)
//	g, ctx := errgroup.WithContext(ctx)
//
// Candidates whose stream is missing or holds too few crystals are skipped
// and reported in the summary CSV. The optimum is the clen that minimises
// the fitted curve over the sampled candidates. A fit whose R^2 is not above
// geometry_optimization.r2_tolerance still yields an optimum, with a warning.
//
// Analyze can be called on a finished scan directory without a scheduler:
//
//	an := optimizer.NewAnalyzer(cfg.GeometryOptimization, nil, m, logger)
//	analysis, err := an.Analyze(ctx, "/data/geom_opt/run0008")
//
// # Follow-Up Jobs
//
// IndexRuns submits one indexamajig job per run and laser state using the
// geometry chosen for that run. MergeRunset concatenates the per-run streams
// of a laser state and submits a partialator merge. CustomSplit merges the
// online streams of a tag split by laser state.
//
// # Concurrency
//
// RunLock guards entry points that must not overlap. TryAcquire fails fast
// instead of waiting:
//
//	if !lock.TryAcquire() {
//	    return errors.New("analysis already in progress")
//	}
//	defer lock.Release()
package optimizer

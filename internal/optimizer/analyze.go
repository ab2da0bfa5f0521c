package optimizer

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/dshills/sfxflow/internal/config"
	"github.com/dshills/sfxflow/internal/logging"
	"github.com/dshills/sfxflow/internal/metrics"
	"github.com/dshills/sfxflow/internal/stream"
	"github.com/dshills/sfxflow/pkg/types"
)

// SummaryFileName is the per-scan statistics table written into the work dir
const SummaryFileName = "lattice_stats_summary.csv"

// Skip reasons recorded for candidates left out of the fit
const (
	SkipJobState   = "job_state"
	SkipUnreadable = "unreadable"
	SkipNaN        = "nan_statistic"
)

// Stats summarises a sample of unit cells for one camera length
func Stats(clen float64, cells []types.UnitCell) types.CandidateStats {
	a := types.Column(cells, types.ParamA)
	b := types.Column(cells, types.ParamB)
	c := types.Column(cells, types.ParamC)
	return types.CandidateStats{
		Clen:     clen,
		Indexed:  len(cells),
		StdA:     stdDev(a),
		StdB:     stdDev(b),
		StdC:     stdDev(c),
		StdAlpha: stdDev(types.Column(cells, types.ParamAlpha)),
		StdBeta:  stdDev(types.Column(cells, types.ParamBeta)),
		StdGamma: stdDev(types.Column(cells, types.ParamGamma)),
		SkewA:    skew(a),
		SkewB:    skew(b),
		SkewC:    skew(c),
	}
}

// stdDev is the sample standard deviation (n-1), NaN below two samples
func stdDev(x []float64) float64 {
	if len(x) < 2 {
		return math.NaN()
	}
	return stat.StdDev(x, nil)
}

// skew is the adjusted Fisher-Pearson coefficient G1, NaN below three
// samples and zero for a constant sample
func skew(x []float64) float64 {
	if len(x) < 3 {
		return math.NaN()
	}
	if stat.StdDev(x, nil) == 0 {
		return 0
	}
	return stat.Skew(x, nil)
}

// CandidateResult is the analysis of one scan candidate
type CandidateResult struct {
	Candidate types.ScanCandidate
	Stats     types.CandidateStats
	Parsed    bool   // Stream was read and Stats computed
	Skipped   string // Why the candidate was left out of the fit, empty when used
	Err       error
}

// Analysis is the result of analyzing one scan directory
type Analysis struct {
	Dir         string
	Statistic   string
	Results     []CandidateResult // Ascending camera length
	Optimum     Optimum
	SummaryPath string
}

// Used returns the number of candidates that entered the fit
func (a *Analysis) Used() int {
	n := 0
	for _, r := range a.Results {
		if r.Skipped == "" {
			n++
		}
	}
	return n
}

// Analyzer computes scan statistics and the optimal camera length
type Analyzer struct {
	cache       *stream.Cache
	statistic   string
	r2Tolerance float64
	workers     int
	metrics     *metrics.PipelineMetrics
	logger      *slog.Logger
}

// NewAnalyzer creates an analyzer using the scan settings of cfg. A nil cache
// gets a default-sized one.
func NewAnalyzer(cfg config.GeometryOptimizationConfig, cache *stream.Cache, m *metrics.PipelineMetrics, logger *slog.Logger) *Analyzer {
	if cache == nil {
		cache = stream.NewCache(0)
	}
	workers := cfg.AnalysisWorkers
	if workers <= 0 {
		workers = 1
	}
	statistic := cfg.Statistic
	if statistic == "" {
		statistic = types.StatStdC
	}
	return &Analyzer{
		cache:       cache,
		statistic:   statistic,
		r2Tolerance: cfg.R2Tolerance,
		workers:     workers,
		metrics:     m,
		logger:      logging.Module(logger, "analyzer"),
	}
}

// Statistic is the name of the minimised statistic
func (an *Analyzer) Statistic() string {
	return an.statistic
}

// WithStatistic returns a copy of the analyzer minimising another statistic.
// The stream cache is shared.
func (an *Analyzer) WithStatistic(name string) (*Analyzer, error) {
	if _, err := (types.CandidateStats{}).Stat(name); err != nil {
		return nil, err
	}
	cp := *an
	cp.statistic = name
	return &cp, nil
}

// Analyze re-analyzes an existing scan directory without a scheduler.
// Candidates are discovered as <dir>/*/*.stream.
func (an *Analyzer) Analyze(ctx context.Context, dir string) (*Analysis, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*", "*.stream"))
	if err != nil {
		return nil, fmt.Errorf("bad scan directory %s: %w", dir, err)
	}

	cands := make([]types.ScanCandidate, 0, len(paths))
	for _, p := range paths {
		clen, err := stream.ClenFromPath(p)
		if err != nil {
			an.logger.Warn("ignoring stream outside the scan layout", "path", p, "error", err)
			continue
		}
		cands = append(cands, types.ScanCandidate{
			Clen:         clen,
			GeometryPath: filepath.Join(filepath.Dir(p), types.ClenKey(clen)+".geom"),
			StreamPath:   p,
		})
	}
	return an.AnalyzeCandidates(ctx, dir, cands)
}

// AnalyzeCandidates parses every candidate's stream in parallel, writes the
// summary table into dir and fits the configured statistic. Candidates with
// a failed job, an unreadable stream or a NaN statistic are skipped with a
// warning. The returned Analysis is non-nil whenever the summary was written,
// even if the fit failed.
func (an *Analyzer) AnalyzeCandidates(ctx context.Context, dir string, cands []types.ScanCandidate) (*Analysis, error) {
	if _, err := (types.CandidateStats{}).Stat(an.statistic); err != nil {
		return nil, err
	}

	results := make([]CandidateResult, len(cands))
	semaphore := make(chan struct{}, an.workers)
	var parsed, skipped int32

	g, gctx := errgroup.WithContext(ctx)
	for i, c := range cands {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case semaphore <- struct{}{}:
			}
			defer func() { <-semaphore }()
			if err := gctx.Err(); err != nil {
				return err
			}

			results[i] = an.analyzeCandidate(c)
			if results[i].Parsed {
				atomic.AddInt32(&parsed, 1)
			}
			if results[i].Skipped != "" {
				atomic.AddInt32(&skipped, 1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Candidate.Clen < results[j].Candidate.Clen
	})

	analysis := &Analysis{
		Dir:         dir,
		Statistic:   an.statistic,
		Results:     results,
		SummaryPath: filepath.Join(dir, SummaryFileName),
	}
	if err := WriteSummary(analysis.SummaryPath, results); err != nil {
		return nil, err
	}

	points := make([]Point, 0, len(results))
	for _, r := range results {
		if r.Skipped != "" {
			continue
		}
		v, _ := r.Stats.Stat(an.statistic)
		points = append(points, Point{Clen: r.Candidate.Clen, Value: v})
	}

	an.logger.Info("scan analyzed",
		"dir", dir,
		"candidates", len(cands),
		"parsed", parsed,
		"skipped", skipped,
		"statistic", an.statistic)

	opt, err := FindOptimum(points, an.r2Tolerance)
	if err != nil {
		return analysis, fmt.Errorf("scan %s: %w", dir, err)
	}
	analysis.Optimum = opt
	if opt.Warning != nil {
		an.logger.Warn(opt.Warning.String(), "dir", dir)
	}
	an.logger.Info("determined clen", "clen", types.ClenKey(opt.Clen), "r2", opt.R2, "points", opt.Points)
	return analysis, nil
}

func (an *Analyzer) analyzeCandidate(c types.ScanCandidate) CandidateResult {
	res := CandidateResult{Candidate: c}
	key := c.Key()

	if c.JobState != "" && !c.JobState.Usable() {
		res.Skipped = SkipJobState
		an.logger.Warn("skipping candidate, job did not complete", "clen", key, "job_id", c.JobID, "state", c.JobState)
		an.metrics.RecordCandidate(res.Skipped)
		return res
	}

	cells, err := an.cache.UnitCells(c.StreamPath)
	if err != nil {
		res.Skipped = SkipUnreadable
		res.Err = err
		an.logger.Warn("skipping candidate, stream unreadable", "clen", key, "error", err)
		an.metrics.RecordCandidate(res.Skipped)
		return res
	}

	res.Parsed = true
	res.Stats = Stats(c.Clen, cells)
	an.logger.Debug("analyzing clen", "clen", key, "indexed", res.Stats.Indexed)

	if v, _ := res.Stats.Stat(an.statistic); math.IsNaN(v) {
		res.Skipped = SkipNaN
		an.logger.Warn("skipping candidate, statistic undefined", "clen", key, "statistic", an.statistic, "indexed", res.Stats.Indexed)
		an.metrics.RecordCandidate(res.Skipped)
		return res
	}

	an.metrics.RecordCandidate("")
	return res
}

// SummaryHeader is the column order of the scan summary table
var SummaryHeader = append([]string{"clen"}, types.StatNames...)

// WriteSummary writes one row per parsed candidate. Undefined statistics are
// written as empty cells.
func WriteSummary(path string, results []CandidateResult) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create scan summary: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(SummaryHeader); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write scan summary: %w", err)
	}
	for _, r := range results {
		if !r.Parsed {
			continue
		}
		record := []string{r.Candidate.Key()}
		for _, name := range types.StatNames {
			v, _ := r.Stats.Stat(name)
			record = append(record, formatStat(v))
		}
		if err := w.Write(record); err != nil {
			_ = f.Close()
			return fmt.Errorf("failed to write scan summary: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write scan summary: %w", err)
	}
	return f.Close()
}

func formatStat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

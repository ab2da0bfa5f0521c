package optimizer

import (
	"context"
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/sfxflow/internal/config"
	"github.com/dshills/sfxflow/pkg/types"
)

func TestStats(t *testing.T) {
	cells := []types.UnitCell{
		{A: 8, B: 8, C: 9.75, Alpha: 90, Beta: 90, Gamma: 120},
		{A: 8, B: 8, C: 10, Alpha: 90, Beta: 90, Gamma: 120},
		{A: 8, B: 8, C: 10.25, Alpha: 90, Beta: 90, Gamma: 120},
	}

	s := Stats(0.12, cells)
	assert.Equal(t, 3, s.Indexed)
	assert.InDelta(t, 0.12, s.Clen, 0)
	assert.InDelta(t, 0.25, s.StdC, 1e-12)
	assert.InDelta(t, 0, s.StdA, 1e-12)
	assert.InDelta(t, 0, s.SkewC, 1e-9)
	assert.InDelta(t, 0, s.SkewA, 0, "constant sample has zero skew")
}

func TestStatsSmallSamples(t *testing.T) {
	one := Stats(0.1, []types.UnitCell{{A: 1, B: 1, C: 1, Alpha: 90, Beta: 90, Gamma: 90}})
	assert.True(t, math.IsNaN(one.StdC))
	assert.True(t, math.IsNaN(one.SkewC))

	two := Stats(0.1, []types.UnitCell{
		{A: 1, B: 1, C: 1, Alpha: 90, Beta: 90, Gamma: 90},
		{A: 1, B: 1, C: 3, Alpha: 90, Beta: 90, Gamma: 90},
	})
	assert.InDelta(t, math.Sqrt2, two.StdC, 1e-12)
	assert.True(t, math.IsNaN(two.SkewC))

	empty := Stats(0.1, nil)
	assert.Equal(t, 0, empty.Indexed)
	assert.True(t, math.IsNaN(empty.StdA))
}

func TestSkewIsAdjustedFisherPearson(t *testing.T) {
	assert.InDelta(t, 1.7637, skew([]float64{1, 2, 3, 10}), 1e-4)
}

// writeScanDir lays out <dir>/<clen>/<clen>.stream for each std dev
func writeScanDir(t *testing.T, dir string, stds map[string]float64) {
	t.Helper()
	for key, d := range stds {
		cdir := filepath.Join(dir, key)
		require.NoError(t, os.MkdirAll(cdir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(cdir, key+".stream"), []byte(streamText(d, true)), 0o644))
	}
}

func testScanConfig() config.GeometryOptimizationConfig {
	cfg := config.Default().GeometryOptimization
	cfg.AnalysisWorkers = 3
	return cfg
}

func TestAnalyzeDirectory(t *testing.T) {
	dir := t.TempDir()
	writeScanDir(t, dir, scenarioStd)

	// a candidate with a single crystal has an undefined std dev
	single := filepath.Join(dir, "0.35000")
	require.NoError(t, os.MkdirAll(single, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(single, "0.35000.stream"),
		[]byte("Cell parameters 7.90000 7.90000 10.00000 nm, 90.00000 90.00000 120.00000 deg\n"), 0o644))

	// streams outside the scan layout are ignored
	notes := filepath.Join(dir, "notes")
	require.NoError(t, os.MkdirAll(notes, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(notes, "scratch.stream"), []byte(""), 0o644))

	an := NewAnalyzer(testScanConfig(), nil, nil, nil)
	analysis, err := an.Analyze(context.Background(), dir)
	require.NoError(t, err)

	require.Len(t, analysis.Results, 6)
	assert.Equal(t, 5, analysis.Used())
	assert.InDelta(t, 0.20, analysis.Optimum.Clen, 1e-9)
	assert.Equal(t, types.StatStdC, analysis.Statistic)

	last := analysis.Results[5]
	assert.InDelta(t, 0.35, last.Candidate.Clen, 1e-12)
	assert.Equal(t, SkipNaN, last.Skipped)
	assert.True(t, last.Parsed)

	for i := 1; i < len(analysis.Results); i++ {
		assert.Less(t, analysis.Results[i-1].Candidate.Clen, analysis.Results[i].Candidate.Clen)
	}

	f, err := os.Open(analysis.SummaryPath)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 7)
	assert.Equal(t, SummaryHeader, rows[0])
	assert.Equal(t, "0.10000", rows[1][0])
	assert.Equal(t, "3", rows[1][1])
	assert.Equal(t, "0.35000", rows[6][0])
	assert.Equal(t, "", rows[6][4], "NaN std_c is written as an empty cell")
}

func TestAnalyzeCandidatesSkipsUnusable(t *testing.T) {
	dir := t.TempDir()
	writeScanDir(t, dir, scenarioStd)

	var cands []types.ScanCandidate
	for key := range scenarioStd {
		clen := mustParseKey(t, key)
		cands = append(cands, types.ScanCandidate{
			Clen:       clen,
			StreamPath: filepath.Join(dir, key, key+".stream"),
			JobState:   types.JobCompleted,
		})
	}
	cands = append(cands,
		types.ScanCandidate{Clen: 0.05, StreamPath: filepath.Join(dir, "0.05000", "0.05000.stream"), JobState: types.JobGone},
		types.ScanCandidate{Clen: 0.35, StreamPath: filepath.Join(dir, "0.20000", "0.20000.stream"), JobState: types.JobTimeout},
	)

	an := NewAnalyzer(testScanConfig(), nil, nil, nil)
	analysis, err := an.AnalyzeCandidates(context.Background(), dir, cands)
	require.NoError(t, err)

	require.Len(t, analysis.Results, 7)
	assert.Equal(t, SkipUnreadable, analysis.Results[0].Skipped)
	assert.Error(t, analysis.Results[0].Err)
	assert.Equal(t, SkipJobState, analysis.Results[6].Skipped)
	assert.False(t, analysis.Results[6].Parsed)
	assert.Equal(t, 5, analysis.Used())
	assert.InDelta(t, 0.20, analysis.Optimum.Clen, 1e-9)
}

func TestAnalyzeOtherStatistic(t *testing.T) {
	dir := t.TempDir()
	writeScanDir(t, dir, scenarioStd)

	cfg := testScanConfig()
	cfg.Statistic = types.StatIndexed
	analysis, err := NewAnalyzer(cfg, nil, nil, nil).Analyze(context.Background(), dir)
	require.NoError(t, err)

	// every candidate indexed three crystals: a flat curve fits with a warning
	assert.Contains(t, scenarioStd, types.ClenKey(analysis.Optimum.Clen))
	assert.NotNil(t, analysis.Optimum.Warning)
}

func TestAnalyzeUnknownStatistic(t *testing.T) {
	cfg := testScanConfig()
	cfg.Statistic = "std_d"
	_, err := NewAnalyzer(cfg, nil, nil, nil).Analyze(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestAnalyzeTooFewCandidates(t *testing.T) {
	dir := t.TempDir()
	writeScanDir(t, dir, map[string]float64{"0.10000": 0.1, "0.15000": 0.05})

	analysis, err := NewAnalyzer(testScanConfig(), nil, nil, nil).Analyze(context.Background(), dir)
	assert.ErrorIs(t, err, types.ErrTooFewCandidates)
	require.NotNil(t, analysis)
	assert.FileExists(t, analysis.SummaryPath)
	assert.Len(t, analysis.Results, 2)
}

func TestAnalyzeCancelled(t *testing.T) {
	dir := t.TempDir()
	writeScanDir(t, dir, scenarioStd)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := testScanConfig()
	cfg.AnalysisWorkers = 1
	_, err := NewAnalyzer(cfg, nil, nil, nil).Analyze(ctx, dir)
	assert.ErrorIs(t, err, context.Canceled)
}

func mustParseKey(t *testing.T, key string) float64 {
	t.Helper()
	for _, c := range Sweep(0.2, 0.05, 2) {
		if types.ClenKey(c) == key {
			return c
		}
	}
	t.Fatalf("no scan candidate for key %s", key)
	return 0
}

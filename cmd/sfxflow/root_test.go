package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/sfxflow/internal/storage"
	"github.com/dshills/sfxflow/pkg/types"
)

func TestParseRuns(t *testing.T) {
	runs, err := parseRuns([]string{"8", "10-12", "3,5"})
	require.NoError(t, err)
	assert.Equal(t, []int{8, 10, 11, 12, 3, 5}, runs)

	runs, err = parseRuns(nil)
	require.NoError(t, err)
	assert.Empty(t, runs)

	for _, bad := range []string{"x", "0", "12-10", "4-", "-3"} {
		_, err := parseRuns([]string{bad})
		assert.Error(t, err, bad)
	}
}

// execute runs the root command with args and returns stdout
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sfxflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version", "--config", "/does/not/exist.yaml")
	require.NoError(t, err, "version never loads the config")
	assert.Contains(t, out, "sfxflow dev")
	assert.Contains(t, out, "Build Mode:")
}

func TestConfigShow(t *testing.T) {
	path := writeConfig(t, "beamline: alvra\nlog:\n  level: warn\n")
	out, err := execute(t, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "beamline: alvra")
	assert.Contains(t, out, "level: warn")
	assert.Contains(t, out, "merge_queue: week")
}

func TestInvalidConfigFails(t *testing.T) {
	path := writeConfig(t, "geometry_optimization:\n  step_size: -1\n")
	_, err := execute(t, "config", "show", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step_size")

	_, err = execute(t, "config", "show", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestAnalyzeCommand(t *testing.T) {
	dir := t.TempDir()
	for key, d := range map[string]float64{
		"0.10000": 0.10, "0.15000": 0.08, "0.20000": 0.05, "0.25000": 0.07, "0.30000": 0.12,
	} {
		var b strings.Builder
		for _, c := range []float64{10 - d, 10, 10 + d} {
			fmt.Fprintf(&b, "Cell parameters 7.90000 7.90000 %.5f nm, 90.00000 90.00000 120.00000 deg\n", c)
		}
		require.NoError(t, os.MkdirAll(filepath.Join(dir, key), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, key, key+".stream"), []byte(b.String()), 0o644))
	}

	path := writeConfig(t, "log:\n  level: error\n")
	out, err := execute(t, "analyze", dir, "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "optimal clen 0.20000")
	assert.Contains(t, out, "std_c")
	assert.FileExists(t, filepath.Join(dir, "lattice_stats_summary.csv"))

	_, err = execute(t, "analyze", dir, "--config", path, "--statistic", "std_d")
	assert.Error(t, err)
}

func TestOptimizeRequiresPaths(t *testing.T) {
	path := writeConfig(t, "log:\n  level: error\n")
	_, err := execute(t, "optimize", "1", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "initial_geometry_file_path")
}

func TestRunsCommand(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	store, err := storage.NewSQLiteStorage(dbPath)
	require.NoError(t, err)

	b := &storage.Batch{Kind: storage.BatchIndex}
	require.NoError(t, store.CreateBatch(ctx, b))
	first := &storage.Run{BatchID: b.ID, RunNumber: 8, State: types.StateFailed, Error: "no dark list files"}
	require.NoError(t, store.CreateRun(ctx, first))
	second := &storage.Run{BatchID: b.ID, RunNumber: 8, State: types.StateDone, FinalGeometry: "/work/0008_optimized.geom"}
	require.NoError(t, store.CreateRun(ctx, second))
	require.NoError(t, store.RecordJob(ctx, &storage.Job{
		BatchID: b.ID, Kind: "index", RunNumber: 8, Label: "dark", SchedulerID: 4711,
		Output: "/streams/run0008/run0008-dark.stream",
	}))
	require.NoError(t, store.Close())

	path := writeConfig(t, fmt.Sprintf("ledger:\n  path: %s\nlog:\n  level: error\n", dbPath))

	out, err := execute(t, "runs", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "no dark list files")
	assert.Contains(t, out, "/work/0008_optimized.geom")

	out, err = execute(t, "runs", "--config", path, "--id", fmt.Sprint(first.ID))
	require.NoError(t, err)
	assert.Contains(t, out, "no dark list files")
	assert.NotContains(t, out, "/work/0008_optimized.geom")

	_, err = execute(t, "runs", "--config", path, "--id", "999")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	out, err = execute(t, "runs", "--config", path, "--jobs", "--batch", b.ID)
	require.NoError(t, err)
	assert.Contains(t, out, "batch "+b.ID+" (index)")
	assert.Contains(t, out, "4711")
	assert.Contains(t, out, "run0008-dark.stream")

	_, err = execute(t, "runs", "--config", path, "--jobs", "--batch", storage.NewBatchID())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestShiftCommandPanels(t *testing.T) {
	dir := t.TempDir()
	geom := filepath.Join(dir, "0.12000.geom")
	require.NoError(t, os.WriteFile(geom, []byte("clen = 0.12\nres = 1000\np0/corner_x = 10.0\np0/corner_y = 5.0\n"), 0o644))
	streamPath := filepath.Join(dir, "0.12000.stream")
	require.NoError(t, os.WriteFile(streamPath, []byte("predict_refine/det_shift x = 1.000 y = -2.000 mm\n"), 0o644))

	path := writeConfig(t, "log:\n  level: error\n")
	out, err := execute(t, "shift", geom, streamPath, "--panels", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Mean shifts: dx = 1.00 mm,  dy = -2.00 mm (1 samples)")
	assert.Contains(t, out, filepath.Join(dir, "0.12000-predrefine.geom"))
	assert.Regexp(t, `p0\s+10\.000000\s+5\.000000\s+11\.000000\s+3\.000000`, out)
}

package optimizer

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/sfxflow/internal/config"
	"github.com/dshills/sfxflow/internal/crystfel"
	"github.com/dshills/sfxflow/internal/geometry"
	"github.com/dshills/sfxflow/pkg/types"
)

// writeOptimizedGeometry places run's final geometry and a summary assigning
// it to every run in assigned
func writeOptimizedGeometry(t *testing.T, cfg *config.Config, run int, assigned ...int) string {
	t.Helper()
	path := geometry.OptimizedPath(cfg.GeometryOptimizationDirectory, run)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(initialGeometry), 0o644))

	var b strings.Builder
	b.WriteString("run_number,geometry_run\n")
	for _, r := range assigned {
		b.WriteString(strconv.Itoa(r) + "," + strconv.Itoa(run) + "\n")
	}
	require.NoError(t, os.WriteFile(cfg.GeometrySummaryPath, []byte(b.String()), 0o644))
	return path
}

func TestIndexRun(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	geom := writeOptimizedGeometry(t, cfg, 3, 3, 4)
	writeRawList(t, cfg, 4, "lyso", "dark", 2)
	writeRawList(t, cfg, 4, "lyso", "light", 3)

	ledger := newTestLedger(t)
	sched := &fakeScheduler{}
	opt := newTestOptimizer(t, cfg, sched, WithLedger(ledger))

	subs, err := opt.IndexRuns(ctx, []int{4})
	require.NoError(t, err)
	require.Len(t, subs, 2)

	for i, state := range []string{"dark", "light"} {
		sub := subs[i]
		assert.Equal(t, KindIndex, sub.Kind)
		assert.Equal(t, 4, sub.Run)
		assert.Equal(t, state, sub.Label)
		assert.Equal(t, filepath.Join(cfg.StreamFileDirectory, "run0004", "run0004-"+state+".stream"), sub.Output)

		script, err := os.ReadFile(sub.Script)
		require.NoError(t, err)
		assert.Contains(t, string(script), "--geometry="+geom)
		assert.Contains(t, string(script), "--output="+sub.Output)

		list := filepath.Join(cfg.ListFileDirectoryPath, "combined_run0004-"+state+".lst")
		assert.Contains(t, string(script), "indexamajig -i "+list)
		entries, err := os.ReadFile(list)
		require.NoError(t, err)
		assert.Len(t, strings.Split(strings.TrimSpace(string(entries)), "\n"), 2+i)
	}

	jobs := sched.submitted()
	require.Len(t, jobs, 2)
	assert.Equal(t, cfg.Scheduler.Queue, jobs[0].Queue)

	summary, err := ledger.GetSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Jobs)
	assert.NotZero(t, subs[0].JobID)
}

func TestIndexRunSkipsEmptyStates(t *testing.T) {
	cfg := newTestConfig(t)
	writeOptimizedGeometry(t, cfg, 3, 3)
	writeRawList(t, cfg, 3, "lyso", "light", 2)

	sched := &fakeScheduler{}
	subs, err := newTestOptimizer(t, cfg, sched).IndexRun(context.Background(), "", 3)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "light", subs[0].Label)
}

func TestIndexRunsContinuesPastMissingGeometry(t *testing.T) {
	cfg := newTestConfig(t)
	writeOptimizedGeometry(t, cfg, 3, 3)
	writeRawList(t, cfg, 3, "lyso", "dark", 2)

	sched := &fakeScheduler{}
	subs, err := newTestOptimizer(t, cfg, sched).IndexRuns(context.Background(), []int{9, 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run 9")
	require.Len(t, subs, 1)
	assert.Equal(t, 3, subs[0].Run)
}

func TestMergeRunset(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)

	sched := &fakeScheduler{}
	subs, err := newTestOptimizer(t, cfg, sched).MergeRunset(ctx, "lyso_all", []int{3, 4}, nil)
	require.NoError(t, err)
	require.Len(t, subs, 2)

	for i, state := range MergeStates {
		sub := subs[i]
		assert.Equal(t, KindMerge, sub.Kind)
		assert.Equal(t, "lyso_all_"+state, sub.Label)
		assert.Equal(t, filepath.Join(cfg.MergingDirectory, "lyso_all"), sub.Output)

		script, err := os.ReadFile(sub.Script)
		require.NoError(t, err)
		text := string(script)
		assert.Contains(t, text, filepath.Join(cfg.StreamFileDirectory, "run0003", "run0003-"+state+".stream"))
		assert.Contains(t, text, filepath.Join(cfg.StreamFileDirectory, "run0004", "run0004-"+state+".stream"))
		assert.Contains(t, text, "> lyso_all_combined_"+state+".stream")
		assert.Contains(t, text, "--fom=ccstar")
	}

	for _, job := range sched.submitted() {
		assert.Equal(t, "week", job.Queue)
		assert.Equal(t, "merging", job.Name)
		assert.Equal(t, cfg.Scheduler.MergeTimeLimit, job.TimeLimit)
	}
}

func TestMergeRunsetOnlineStreams(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Merging.UseOnlineStreams = true

	online := filepath.Join(cfg.Layout().ResRoot, "run0003-lyso", "index", "dark", "acq0001.stream")
	require.NoError(t, os.MkdirAll(filepath.Dir(online), 0o755))
	require.NoError(t, os.WriteFile(online, []byte(""), 0o644))

	sched := &fakeScheduler{}
	subs, err := newTestOptimizer(t, cfg, sched).MergeRunset(context.Background(), "online", []int{3}, []string{"dark"})
	require.NoError(t, err)
	require.Len(t, subs, 1)

	script, err := os.ReadFile(subs[0].Script)
	require.NoError(t, err)
	assert.Contains(t, string(script), "cat "+online+" > online_combined_dark.stream")
}

func TestMergeRunsetErrors(t *testing.T) {
	cfg := newTestConfig(t)
	opt := newTestOptimizer(t, cfg, &fakeScheduler{})

	_, err := opt.MergeRunset(context.Background(), "x", []int{1}, []string{"pumped"})
	assert.ErrorContains(t, err, "allowed_laser_states")

	_, err = opt.MergeRunset(context.Background(), "", []int{1}, nil)
	assert.Error(t, err)

	// no online streams at all: nothing to merge
	cfg.Merging.UseOnlineStreams = true
	_, err = newTestOptimizer(t, cfg, &fakeScheduler{}).MergeRunset(context.Background(), "x", []int{1}, []string{"dark"})
	assert.ErrorContains(t, err, "no streams")
}

func TestCustomSplit(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	res := cfg.Layout().ResRoot

	write := func(run, state, body string) {
		p := filepath.Join(res, "run"+run+"-lyso", "index", state, "acq0001.stream")
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	write("0003", "dark", "Image filename: /raw/a.h5\nEvent: //1\nImage filename: /raw/a.h5\nEvent: //2\n")
	write("0003", "light", "Image filename: /raw/b.h5\nEvent: //7\n")
	write("0004", "light", "Image filename: /raw/c.h5\nEvent: //9\n")

	ledger := newTestLedger(t)
	sched := &fakeScheduler{}
	sub, err := newTestOptimizer(t, cfg, sched, WithLedger(ledger)).CustomSplit(ctx, "lyso")
	require.NoError(t, err)

	assert.Equal(t, KindCustomSplit, sub.Kind)
	assert.Equal(t, filepath.Join(cfg.MergingDirectory, "lyso", crystfel.CustomSplitListName), sub.Output)

	list, err := os.ReadFile(sub.Output)
	require.NoError(t, err)
	assert.Equal(t,
		"/raw/a.h5 //1 dark\n/raw/a.h5 //2 dark\n/raw/b.h5 //7 light\n/raw/c.h5 //9 light\n",
		string(list))

	script, err := os.ReadFile(sub.Script)
	require.NoError(t, err)
	assert.Contains(t, string(script), "--custom-split="+sub.Output)

	jobs := sched.submitted()
	require.Len(t, jobs, 1)
	assert.Equal(t, "week", jobs[0].Queue)

	summary, err := ledger.GetSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Jobs)
	assert.Equal(t, 1, summary.Batches)
}

func TestJobsNeedScheduler(t *testing.T) {
	cfg := newTestConfig(t)
	opt := newTestOptimizer(t, cfg, nil)

	_, err := opt.IndexRun(context.Background(), "", 1)
	assert.Error(t, err)
	_, err = opt.MergeRunset(context.Background(), "x", []int{1}, nil)
	assert.Error(t, err)
	_, err = opt.CustomSplit(context.Background(), "lyso")
	assert.Error(t, err)
}

func TestSubmitFailureIsCounted(t *testing.T) {
	cfg := newTestConfig(t)
	writeOptimizedGeometry(t, cfg, 3, 3)
	writeRawList(t, cfg, 3, "lyso", "dark", 2)

	sched := &fakeScheduler{submitErr: &types.JobSubmissionError{Output: "garbage"}}
	_, err := newTestOptimizer(t, cfg, sched, WithLedger(newTestLedger(t))).IndexRun(context.Background(), "", 3)
	assert.ErrorIs(t, err, types.ErrJobSubmission)
}

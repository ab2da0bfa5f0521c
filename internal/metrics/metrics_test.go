package metrics

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/sfxflow/pkg/types"
)

func newTestMetrics(t *testing.T) *PipelineMetrics {
	t.Helper()
	m, err := NewPipelineMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	return m
}

func TestRecordSubmission(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordSubmission("scan", nil)
	m.RecordSubmission("scan", nil)
	m.RecordSubmission("scan", errors.New("sbatch failed"))

	assert.InDelta(t, 2, testutil.ToFloat64(m.jobsSubmitted.WithLabelValues("scan")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.submissionErrors.WithLabelValues("scan")), 0)
}

func TestRunState(t *testing.T) {
	m := newTestMetrics(t)
	m.SetRunState(8, types.StateScanning)
	m.SetRunState(8, types.StateAnalyzing)

	assert.Equal(t, 1, testutil.CollectAndCount(m.runState))
	assert.InDelta(t, 1, testutil.ToFloat64(m.runState.WithLabelValues("8", "ANALYZING")), 0)

	m.RecordRunFinished(types.StateDone, 3*time.Minute)
	assert.InDelta(t, 1, testutil.ToFloat64(m.runsFinished.WithLabelValues("DONE")), 0)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *PipelineMetrics
	assert.NotPanics(t, func() {
		m.RecordSubmission("scan", nil)
		m.RecordJobFinished(types.JobGone)
		m.RecordPoll(3)
		m.SetRunState(1, types.StateDone)
		m.RecordRunFinished(types.StateDone, time.Second)
		m.RecordCandidate("")
		m.RecordFit(1, 0.9, 0.12)
		assert.NoError(t, m.WriteTextfile("/nonexistent/x.prom"))
	})
}

func TestWriteTextfile(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordJobFinished(types.JobCompleted)
	m.RecordCandidate("nan_statistic")
	m.RecordFit(8, 0.87, 0.1216)

	path := filepath.Join(t.TempDir(), "sfxflow.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `sfxflow_jobs_finished_total{state="COMPLETED"} 1`)
	assert.Contains(t, text, `sfxflow_candidates_skipped_total{reason="nan_statistic"} 1`)
	assert.Contains(t, text, `sfxflow_fit_r2{run="8"} 0.87`)
}

func TestDoubleRegistrationFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPipelineMetrics(reg)
	require.NoError(t, err)
	_, err = NewPipelineMetrics(reg)
	assert.Error(t, err)
}

// Package metrics provides Prometheus metrics for pipeline runs
package metrics

import (
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dshills/sfxflow/pkg/types"
)

// PipelineMetrics contains Prometheus metrics for scans and job submissions.
// A nil *PipelineMetrics is valid and records nothing.
type PipelineMetrics struct {
	registry *prometheus.Registry

	jobsSubmitted    *prometheus.CounterVec
	submissionErrors *prometheus.CounterVec
	jobsFinished     *prometheus.CounterVec
	activeJobs       prometheus.Gauge
	pollRounds       prometheus.Counter

	runsFinished *prometheus.CounterVec
	runDuration  prometheus.Histogram
	runState     *prometheus.GaugeVec

	candidatesAnalyzed prometheus.Counter
	candidatesSkipped  *prometheus.CounterVec
	fitR2              *prometheus.GaugeVec
	optimumClen        *prometheus.GaugeVec

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// NewPipelineMetrics creates and registers pipeline metrics
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register pipeline metrics: %w", err)
	}
	return m, nil
}

func (m *PipelineMetrics) initMetrics() {
	m.jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfxflow_jobs_submitted_total",
			Help: "Batch jobs submitted, by kind",
		},
		[]string{"kind"},
	)
	m.submissionErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfxflow_job_submission_errors_total",
			Help: "Batch submissions that failed or returned no job id",
		},
		[]string{"kind"},
	)
	m.jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfxflow_jobs_finished_total",
			Help: "Jobs observed in a terminal state, by state",
		},
		[]string{"state"},
	)
	m.activeJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sfxflow_jobs_active",
		Help: "Jobs still queued or running at the last poll",
	})
	m.pollRounds = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sfxflow_poll_rounds_total",
		Help: "Scheduler poll rounds",
	})
	m.runsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfxflow_runs_finished_total",
			Help: "Optimization runs that reached a terminal state, by state",
		},
		[]string{"state"},
	)
	m.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sfxflow_run_duration_seconds",
		Help:    "Wall time of an optimization run",
		Buckets: prometheus.ExponentialBuckets(60, 2, 10),
	})
	m.runState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sfxflow_run_state",
			Help: "1 for the current state of each run",
		},
		[]string{"run", "state"},
	)
	m.candidatesAnalyzed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sfxflow_candidates_analyzed_total",
		Help: "Scan candidates with usable statistics",
	})
	m.candidatesSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sfxflow_candidates_skipped_total",
			Help: "Scan candidates excluded from the fit, by reason",
		},
		[]string{"reason"},
	)
	m.fitR2 = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sfxflow_fit_r2",
			Help: "Coefficient of determination of the camera-length fit",
		},
		[]string{"run"},
	)
	m.optimumClen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sfxflow_optimum_clen_meters",
			Help: "Selected camera length",
		},
		[]string{"run"},
	)

	m.collectors = []prometheus.Collector{
		m.jobsSubmitted, m.submissionErrors, m.jobsFinished, m.activeJobs, m.pollRounds,
		m.runsFinished, m.runDuration, m.runState,
		m.candidatesAnalyzed, m.candidatesSkipped, m.fitR2, m.optimumClen,
	}
}

// Describe implements the Collector interface
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements the Collector interface
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordSubmission counts a submission attempt of the given kind
func (m *PipelineMetrics) RecordSubmission(kind string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.submissionErrors.WithLabelValues(kind).Inc()
		return
	}
	m.jobsSubmitted.WithLabelValues(kind).Inc()
}

// RecordJobFinished counts a job reaching a terminal state
func (m *PipelineMetrics) RecordJobFinished(state types.JobState) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(string(state)).Inc()
}

// RecordPoll counts a poll round and the jobs still active after it
func (m *PipelineMetrics) RecordPoll(active int) {
	if m == nil {
		return
	}
	m.pollRounds.Inc()
	m.activeJobs.Set(float64(active))
}

// SetRunState marks state as the current state of run
func (m *PipelineMetrics) SetRunState(run int, state types.RunState) {
	if m == nil {
		return
	}
	label := strconv.Itoa(run)
	m.runState.DeletePartialMatch(prometheus.Labels{"run": label})
	m.runState.WithLabelValues(label, string(state)).Set(1)
}

// RecordRunFinished counts a terminal run and observes its duration
func (m *PipelineMetrics) RecordRunFinished(state types.RunState, d time.Duration) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(string(state)).Inc()
	m.runDuration.Observe(d.Seconds())
}

// RecordCandidate counts an analyzed candidate, or a skipped one when reason
// is not empty
func (m *PipelineMetrics) RecordCandidate(reason string) {
	if m == nil {
		return
	}
	if reason != "" {
		m.candidatesSkipped.WithLabelValues(reason).Inc()
		return
	}
	m.candidatesAnalyzed.Inc()
}

// RecordFit stores the fit quality and selected camera length of a run
func (m *PipelineMetrics) RecordFit(run int, r2, clen float64) {
	if m == nil {
		return
	}
	label := strconv.Itoa(run)
	m.fitR2.WithLabelValues(label).Set(r2)
	m.optimumClen.WithLabelValues(label).Set(clen)
}

// WriteTextfile writes every metric in the registry to path in the text
// exposition format, for node_exporter's textfile collector
func (m *PipelineMetrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile %s: %w", path, err)
	}
	return nil
}

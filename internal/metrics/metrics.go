// Package metrics defines the orchestrator's Prometheus collectors (spec
// §4.7) and the stage-history dedup cache that guards them from
// double-counting a replayed history entry.
package metrics

import (
	"net/http"

	"github.com/mediadub/orchestrator/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// stageDurationBuckets matches the fixed bucket set in spec §4.7.
var stageDurationBuckets = []float64{1, 5, 10, 30, 60, 120, 300, 600}

// Registry groups every collector the orchestrator exposes, both the
// Control-API-facing (api_*) and worker-facing (job_*) metric families.
type Registry struct {
	JobsTotal       *prometheus.GaugeVec
	JobsRunning     prometheus.Gauge
	JobsStageActive *prometheus.GaugeVec

	APIStageDuration *prometheus.HistogramVec
	APIStageFailures *prometheus.CounterVec

	JobStageInProgress *prometheus.GaugeVec
	JobStageFailures   *prometheus.CounterVec
	JobStageDuration   *prometheus.HistogramVec

	dedup *dedupCache
}

// NewRegistry constructs and registers every collector against reg. Pass
// prometheus.NewRegistry() in production and tests alike so repeated
// construction within a test binary never panics on duplicate
// registration.
func NewRegistry(reg *prometheus.Registry) *Registry {
	factory := promauto.With(reg)

	r := &Registry{
		JobsTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobs_total",
			Help: "Number of jobs by status.",
		}, []string{"status"}),
		JobsRunning: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of jobs currently RUNNING.",
		}),
		JobsStageActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jobs_stage_active",
			Help: "Number of RUNNING jobs currently at each stage.",
		}, []string{"stage"}),
		APIStageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "api_stage_duration_seconds",
			Help:    "Stage execution duration as observed by the control plane.",
			Buckets: stageDurationBuckets,
		}, []string{"stage"}),
		APIStageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "api_stage_failures_total",
			Help: "Count of stage executions that ended in failure.",
		}, []string{"stage"}),
		JobStageInProgress: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "job_stage_in_progress",
			Help: "Number of stage invocations currently executing, worker-side.",
		}, []string{"stage"}),
		JobStageFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "job_stage_failures_total",
			Help: "Count of worker-side stage failures.",
		}, []string{"stage"}),
		JobStageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "job_stage_duration_seconds",
			Help:    "Worker-side stage execution duration.",
			Buckets: stageDurationBuckets,
		}, []string{"stage"}),
		dedup: newDedupCache(5000),
	}
	return r
}

// Handler returns the promhttp handler serving this registry's families,
// wired to GET /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RecordStageOutcome observes one stage_history update against the
// histogram/counter families, but only if (jobID, stage, updatedAt) has
// not been seen before — the dedup guard from spec §4.7/§8, preventing a
// retried stage_history write (broker redelivery) from double-counting.
func (r *Registry) RecordStageOutcome(jobID string, stage model.Stage, outcome model.StageOutcome, updatedAtUnixNano int64, durationSeconds float64) {
	key := dedupKey{jobID: jobID, stage: string(stage), updatedAtUnixNano: updatedAtUnixNano}
	if !r.dedup.markNew(key) {
		return
	}

	if outcome == model.OutcomeSuccess || outcome == model.OutcomeSkipped {
		r.APIStageDuration.WithLabelValues(string(stage)).Observe(durationSeconds)
	}
	if outcome == model.OutcomeFailed {
		r.APIStageFailures.WithLabelValues(string(stage)).Inc()
	}
}

// RefreshJobGauges recomputes the jobs_total/jobs_running/jobs_stage_active
// gauges from the given counts. No code in this module calls it, so the
// gauges stay at zero unless a caller feeds it counts; the metrics system
// holds no independent state of its own beyond the gauges.
func (r *Registry) RefreshJobGauges(byStatus map[model.Status]int, runningByStage map[model.Stage]int) {
	for _, status := range []model.Status{
		model.StatusPending, model.StatusRunning, model.StatusSuccess, model.StatusFailed, model.StatusCancelled,
	} {
		r.JobsTotal.WithLabelValues(string(status)).Set(float64(byStatus[status]))
	}
	r.JobsRunning.Set(float64(byStatus[model.StatusRunning]))

	for _, stage := range []model.Stage{
		model.StageASR, model.StageTranslate, model.StageTTS, model.StageAlignMix, model.StagePackage,
	} {
		r.JobsStageActive.WithLabelValues(string(stage)).Set(float64(runningByStage[stage]))
	}
}

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Detection outcomes
	targetsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "argos_exolab_targets_processed_total",
		Help: "Targets that completed the detection pipeline, by confidence class.",
	}, []string{"confidence"})

	targetsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "argos_exolab_targets_failed_total",
		Help: "Targets that failed the detection pipeline, by error code.",
	}, []string{"code"})

	targetsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "argos_exolab_targets_skipped_total",
		Help: "Targets skipped before analysis.",
	}, []string{"reason"}) // reason=history|no_lightcurve

	habitableCandidates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "argos_exolab_habitable_candidates_total",
		Help: "Detections whose insolation falls inside the habitable zone.",
	})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "argos_exolab_stage_duration_seconds",
		Help:    "Duration of each pipeline stage.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"stage"})

	lastSDE = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "argos_exolab_last_sde",
		Help: "Signal detection efficiency of the most recent detection.",
	})

	// Job lifecycle
	taskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "argos_task_outcomes_total",
		Help: "Task executions by outcome.",
	}, []string{"outcome"}) // outcome=succeeded|failed|retried

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "argos_task_status",
		Help: "Number of tasks per status in the store.",
	}, []string{"status"})
)

// ObserveStage records the duration of a pipeline stage.
func ObserveStage(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordDetection counts a finished target.
func RecordDetection(confidence string, sde float64, habitable bool) {
	targetsProcessed.WithLabelValues(confidence).Inc()
	lastSDE.Set(sde)
	if habitable {
		habitableCandidates.Inc()
	}
}

// RecordFailure counts a failed target.
func RecordFailure(code string) {
	targetsFailed.WithLabelValues(code).Inc()
}

// RecordSkip counts a skipped target.
func RecordSkip(reason string) {
	targetsSkipped.WithLabelValues(reason).Inc()
}

// RecordTaskOutcome counts a task execution result.
func RecordTaskOutcome(outcome string) {
	taskOutcomes.WithLabelValues(outcome).Inc()
}

// SetTaskStatus publishes the number of tasks in a status.
func SetTaskStatus(status string, n int) {
	queueDepth.WithLabelValues(status).Set(float64(n))
}

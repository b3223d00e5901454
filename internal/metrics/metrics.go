// Package metrics registers the Prometheus collectors exposed by the
// pipeline coordinator, mirroring the teacher's idempotent Register(reg)
// pattern but with a collector set sized to the detect/group/rank domain.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
)

var (
	pointsIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rca",
			Name:      "metric_points_ingested_total",
			Help:      "Total metric points processed by the detector consumer.",
		},
	)

	anomaliesDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rca",
			Name:      "anomalies_detected_total",
			Help:      "Total anomalies emitted by the detector, by metric.",
		},
		[]string{"metric"},
	)

	incidentsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rca",
			Name:      "incidents_created_total",
			Help:      "Total incidents created by the grouper.",
		},
	)

	rcaRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rca",
			Name:      "rca_runs_total",
			Help:      "Total RCA runs, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	rcaRunDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "rca",
			Name:      "rca_run_seconds",
			Help:      "RCA run latency in seconds (candidate generation through ranking).",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13},
		},
	)

	suspectsGeneratedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rca",
			Name:      "suspects_generated_total",
			Help:      "Total suspects persisted across all RCA runs.",
		},
	)

	featureExtractionErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rca",
			Name:      "feature_extraction_errors_total",
			Help:      "Feature extraction failures, soft-failed to zero, by feature name.",
		},
		[]string{"feature"},
	)

	modelLoadInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "rca",
			Name:      "ranker_model_loaded",
			Help:      "1 if a learned ranker model is currently loaded, 0 if running heuristic-only.",
		},
		[]string{"version"},
	)
)

// Register attaches this package's collectors to the supplied registerer,
// tolerating re-registration the way the teacher's metrics.Register does.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pointsIngestedTotal,
		anomaliesDetectedTotal,
		incidentsCreatedTotal,
		rcaRunsTotal,
		rcaRunDurationSeconds,
		suspectsGeneratedTotal,
		featureExtractionErrorsTotal,
		modelLoadInfo,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObservePointIngested increments the metric-point ingestion counter.
func ObservePointIngested() {
	pointsIngestedTotal.Inc()
}

// ObserveAnomalyDetected increments the per-metric anomaly counter.
func ObserveAnomalyDetected(metric string) {
	anomaliesDetectedTotal.WithLabelValues(metric).Inc()
}

// ObserveIncidentCreated increments the incident-creation counter.
func ObserveIncidentCreated() {
	incidentsCreatedTotal.Inc()
}

// ObserveRCARun records an RCA run's duration and outcome.
func ObserveRCARun(duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	rcaRunsTotal.WithLabelValues(label).Inc()
	if duration < 0 {
		duration = 0
	}
	rcaRunDurationSeconds.Observe(duration.Seconds())
}

// ObserveSuspectsGenerated adds n to the persisted-suspect counter.
func ObserveSuspectsGenerated(n int) {
	if n <= 0 {
		return
	}
	suspectsGeneratedTotal.Add(float64(n))
}

// ObserveFeatureExtractionError increments the soft-failure counter for a feature.
func ObserveFeatureExtractionError(feature string) {
	featureExtractionErrorsTotal.WithLabelValues(feature).Inc()
}

// SetModelLoaded reports whether the learned ranker model is active.
func SetModelLoaded(version string, loaded bool) {
	modelLoadInfo.Reset()
	if loaded {
		modelLoadInfo.WithLabelValues(version).Set(1)
	} else {
		modelLoadInfo.WithLabelValues("none").Set(0)
	}
}

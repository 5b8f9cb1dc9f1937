// Package metrics provides Prometheus metrics for the census pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics contains Prometheus metrics for the detection review and
// aggregation pipeline.
type PipelineMetrics struct {
	registry *prometheus.Registry

	// Ingestion metrics
	submissionsTotal   *prometheus.CounterVec
	classifierDuration prometheus.Histogram

	// Review metrics
	reviewsTotal *prometheus.CounterVec

	// Allocation metrics
	allocationsTotal *prometheus.CounterVec

	// Aggregation metrics
	aggregationApplyDuration  prometheus.Histogram
	aggregationRetriesTotal   prometheus.Counter
	aggregationConflictsTotal prometheus.Counter
	verificationsTotal        prometheus.Counter

	// collectors is a slice of all collectors for easier iteration
	collectors []prometheus.Collector
}

// NewPipelineMetrics creates and registers new pipeline metrics
func NewPipelineMetrics(registry *prometheus.Registry) (*PipelineMetrics, error) {
	m := &PipelineMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

// initMetrics initializes all Prometheus metrics
func (m *PipelineMetrics) initMetrics() {
	m.submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_detection_submissions_total",
			Help: "Total number of detection submissions",
		},
		[]string{"status"}, // status: success, classification_error, rejected
	)

	m.classifierDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_classifier_duration_seconds",
			Help:    "Time taken for classifier calls",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	m.reviewsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_reviews_total",
			Help: "Total number of review transitions",
		},
		[]string{"action", "status"}, // action: approve, reject, override, defer
	)

	m.allocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_allocations_total",
			Help: "Total number of allocation attempts",
		},
		[]string{"status"}, // status: success, already_allocated, invalid_site, error
	)

	m.aggregationApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pipeline_aggregation_apply_duration_seconds",
			Help:    "Time taken to fold an allocation into its counter",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
	)

	m.aggregationRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_aggregation_retries_total",
			Help: "Total number of counter update retries after version conflicts",
		},
	)

	m.aggregationConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_aggregation_conflicts_total",
			Help: "Total number of counter updates that exhausted their retries",
		},
	)

	m.verificationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_counter_verifications_total",
			Help: "Total number of counter verifications",
		},
	)

	m.collectors = []prometheus.Collector{
		m.submissionsTotal,
		m.classifierDuration,
		m.reviewsTotal,
		m.allocationsTotal,
		m.aggregationApplyDuration,
		m.aggregationRetriesTotal,
		m.aggregationConflictsTotal,
		m.verificationsTotal,
	}
}

// Describe implements prometheus.Collector
func (m *PipelineMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements prometheus.Collector
func (m *PipelineMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordSubmission increments the submission counter for the given outcome.
func (m *PipelineMetrics) RecordSubmission(status string) {
	m.submissionsTotal.WithLabelValues(status).Inc()
}

// ObserveClassifierDuration records one classifier call duration in seconds.
func (m *PipelineMetrics) ObserveClassifierDuration(seconds float64) {
	m.classifierDuration.Observe(seconds)
}

// RecordReview increments the review counter for an action and outcome.
func (m *PipelineMetrics) RecordReview(action, status string) {
	m.reviewsTotal.WithLabelValues(action, status).Inc()
}

// RecordAllocation increments the allocation counter for the given outcome.
func (m *PipelineMetrics) RecordAllocation(status string) {
	m.allocationsTotal.WithLabelValues(status).Inc()
}

// ObserveAggregationApply records one aggregation apply duration in seconds.
func (m *PipelineMetrics) ObserveAggregationApply(seconds float64) {
	m.aggregationApplyDuration.Observe(seconds)
}

// RecordAggregationRetry increments the retry counter.
func (m *PipelineMetrics) RecordAggregationRetry() {
	m.aggregationRetriesTotal.Inc()
}

// RecordAggregationConflict increments the exhausted-retries counter.
func (m *PipelineMetrics) RecordAggregationConflict() {
	m.aggregationConflictsTotal.Inc()
}

// RecordVerification increments the verification counter.
func (m *PipelineMetrics) RecordVerification() {
	m.verificationsTotal.Inc()
}

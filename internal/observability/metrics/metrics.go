package metrics

import "github.com/prometheus/client_golang/prometheus"

// RecoveryMetrics exposes counters/histograms for the ingestion recovery pipeline.
type RecoveryMetrics struct {
	rowsAnalyzed      *prometheus.CounterVec
	issuesDetected    *prometheus.CounterVec
	rowHealth         prometheus.Histogram
	strategiesApplied *prometheus.CounterVec
	resultsTotal      *prometheus.CounterVec
	resultConfidence  prometheus.Histogram
	timestampMethods  *prometheus.CounterVec
	speakerDecisions  *prometheus.CounterVec
	jobsTotal         *prometheus.CounterVec
	jobLatency        prometheus.Histogram
}

var confidenceBuckets = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0}

func NewRecoveryMetrics(reg prometheus.Registerer) *RecoveryMetrics {
	m := &RecoveryMetrics{
		rowsAnalyzed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convo",
			Subsystem: "recovery",
			Name:      "rows_analyzed_total",
			Help:      "Rows inspected by the corruption detector",
		}, []string{"state"}),
		issuesDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convo",
			Subsystem: "recovery",
			Name:      "issues_detected_total",
			Help:      "Corruption issues detected by kind and severity",
		}, []string{"kind", "severity"}),
		rowHealth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "convo",
			Subsystem: "recovery",
			Name:      "row_health",
			Help:      "Health score of analyzed rows",
			Buckets:   confidenceBuckets,
		}),
		strategiesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convo",
			Subsystem: "recovery",
			Name:      "strategies_applied_total",
			Help:      "Repair strategies that changed a row",
		}, []string{"strategy"}),
		resultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convo",
			Subsystem: "recovery",
			Name:      "results_total",
			Help:      "Recovery results by outcome",
		}, []string{"success"}),
		resultConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "convo",
			Subsystem: "recovery",
			Name:      "result_confidence",
			Help:      "Confidence of recovery results",
			Buckets:   confidenceBuckets,
		}),
		timestampMethods: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convo",
			Subsystem: "timestamp",
			Name:      "reconstructions_total",
			Help:      "Timestamp reconstructions by winning method",
		}, []string{"method", "success"}),
		speakerDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convo",
			Subsystem: "speaker",
			Name:      "identifications_total",
			Help:      "Speaker identifications by role and whether the default was used",
		}, []string{"role", "fallback"}),
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "convo",
			Subsystem: "ingest",
			Name:      "jobs_total",
			Help:      "Ingestion jobs processed by status",
		}, []string{"status"}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "convo",
			Subsystem: "ingest",
			Name:      "job_duration_seconds",
			Help:      "Duration of ingestion jobs",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.rowsAnalyzed, m.issuesDetected, m.rowHealth,
		m.strategiesApplied, m.resultsTotal, m.resultConfidence,
		m.timestampMethods, m.speakerDecisions,
		m.jobsTotal, m.jobLatency,
	)
	return m
}

// ObserveRow records one analyzed row with its health score.
func (m *RecoveryMetrics) ObserveRow(corrupted bool, health float64) {
	if m == nil {
		return
	}
	state := "clean"
	if corrupted {
		state = "corrupted"
	}
	m.rowsAnalyzed.WithLabelValues(state).Inc()
	m.rowHealth.Observe(health)
}

func (m *RecoveryMetrics) ObserveIssue(kind, severity string) {
	if m == nil {
		return
	}
	m.issuesDetected.WithLabelValues(kind, severity).Inc()
}

func (m *RecoveryMetrics) ObserveStrategy(strategy string) {
	if m == nil {
		return
	}
	m.strategiesApplied.WithLabelValues(strategy).Inc()
}

func (m *RecoveryMetrics) ObserveResult(success bool, confidence float64) {
	if m == nil {
		return
	}
	m.resultsTotal.WithLabelValues(boolLabel(success)).Inc()
	m.resultConfidence.Observe(confidence)
}

func (m *RecoveryMetrics) ObserveTimestamp(method string, success bool) {
	if m == nil {
		return
	}
	m.timestampMethods.WithLabelValues(method, boolLabel(success)).Inc()
}

func (m *RecoveryMetrics) ObserveSpeaker(role string, fallback bool) {
	if m == nil {
		return
	}
	m.speakerDecisions.WithLabelValues(role, boolLabel(fallback)).Inc()
}

func (m *RecoveryMetrics) ObserveJob(status string, seconds float64) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(status).Inc()
	m.jobLatency.Observe(seconds)
}

func boolLabel(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoveryMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRecoveryMetrics(reg)

	m.ObserveRow(true, 0.6)
	m.ObserveRow(false, 1)
	m.ObserveIssue("missing_field", "high")
	m.ObserveStrategy("field_remapping")
	m.ObserveResult(true, 0.9)
	m.ObserveTimestamp("direct", true)
	m.ObserveSpeaker("client", false)
	m.ObserveJob("completed", 1.2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.rowsAnalyzed.WithLabelValues("corrupted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.issuesDetected.WithLabelValues("missing_field", "high")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.timestampMethods.WithLabelValues("direct", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.speakerDecisions.WithLabelValues("client", "false")))
}

func TestRecoveryMetricsConfidenceHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRecoveryMetrics(reg)
	m.ObserveResult(false, 0.25)
	m.ObserveResult(true, 0.95)

	families, err := reg.Gather()
	require.NoError(t, err)

	var hist *dto.Histogram
	for _, mf := range families {
		if mf.GetName() == "convo_recovery_result_confidence" {
			hist = mf.GetMetric()[0].GetHistogram()
		}
	}
	require.NotNil(t, hist)
	assert.Equal(t, uint64(2), hist.GetSampleCount())
	assert.InDelta(t, 1.2, hist.GetSampleSum(), 1e-9)
}

func TestRecoveryMetricsNilSafe(t *testing.T) {
	var m *RecoveryMetrics
	m.ObserveRow(true, 0.5)
	m.ObserveIssue("kind", "low")
	m.ObserveStrategy("s")
	m.ObserveResult(true, 1)
	m.ObserveTimestamp("fallback", false)
	m.ObserveSpeaker("you", true)
	m.ObserveJob("failed", 0.1)
}

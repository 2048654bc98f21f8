// SPDX-License-Identifier: MIT

package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, gauge.Write(metric))
	return metric.GetGauge().GetValue()
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, vec.WithLabelValues(labels...).Write(metric))
	return metric.GetCounter().GetValue()
}

func histogramCount(t *testing.T, vec *prometheus.HistogramVec, labels ...string) uint64 {
	t.Helper()
	metric := &dto.Metric{}
	obs, err := vec.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	require.NoError(t, obs.(prometheus.Histogram).Write(metric))
	return metric.GetHistogram().GetSampleCount()
}

func TestRunCounters(t *testing.T) {
	before := counterValue(t, runsTotal, "push")
	IncRun("push")
	IncRun("push")
	assert.Equal(t, before+2, counterValue(t, runsTotal, "push"))

	before = counterValue(t, runsConcluded, "succeeded")
	IncRunConcluded("succeeded")
	assert.Equal(t, before+1, counterValue(t, runsConcluded, "succeeded"))

	before = counterValue(t, runsCancelled, "superseded")
	IncRunCancelled("superseded")
	assert.Equal(t, before+1, counterValue(t, runsCancelled, "superseded"))
}

func TestActiveGauges(t *testing.T) {
	base := gaugeValue(t, runsActive)
	AddActiveRuns(3)
	assert.Equal(t, base+3, gaugeValue(t, runsActive))
	AddActiveRuns(-3)
	assert.Equal(t, base, gaugeValue(t, runsActive))

	base = gaugeValue(t, jobsActive)
	AddActiveJobs(1)
	assert.Equal(t, base+1, gaugeValue(t, jobsActive))
	AddActiveJobs(-1)
	assert.Equal(t, base, gaugeValue(t, jobsActive))
}

func TestGroupQueueDepth(t *testing.T) {
	SetGroupQueueDepth("tests-refs/heads/main", 2)
	metric := &dto.Metric{}
	require.NoError(t, groupQueueDepth.WithLabelValues("tests-refs/heads/main").Write(metric))
	assert.Equal(t, 2.0, metric.GetGauge().GetValue())

	SetGroupQueueDepth("tests-refs/heads/main", 0)
	require.NoError(t, groupQueueDepth.WithLabelValues("tests-refs/heads/main").Write(metric))
	assert.Equal(t, 0.0, metric.GetGauge().GetValue())
}

func TestObserveJobDuration(t *testing.T) {
	before := histogramCount(t, jobDurationSeconds, "failed")
	ObserveJobDuration("failed", 42*time.Second)
	assert.Equal(t, before+1, histogramCount(t, jobDurationSeconds, "failed"))
}

func TestEventRejectionCauses(t *testing.T) {
	for _, cause := range []string{"no_match", "duplicate", "invalid", "malformed"} {
		before := counterValue(t, eventsRejected, cause)
		IncEventRejected(cause)
		assert.Equal(t, before+1, counterValue(t, eventsRejected, cause))
	}
}

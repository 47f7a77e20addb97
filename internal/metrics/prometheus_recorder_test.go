package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPrometheusRecorderGauges(t *testing.T) {
	pr := NewPrometheusRecorder(prom.NewRegistry())

	pr.SetQueueDepth(7)
	require.EqualValues(t, 7, testutil.ToFloat64(pr.queueDepth))
	pr.SetQueueDepth(0)
	require.EqualValues(t, 0, testutil.ToFloat64(pr.queueDepth))

	pr.SetRunningUpdates(3)
	require.EqualValues(t, 3, testutil.ToFloat64(pr.runningUpdates))
}

func TestPrometheusRecorderCounters(t *testing.T) {
	pr := NewPrometheusRecorder(prom.NewRegistry())

	pr.IncPublish(true)
	pr.IncPublish(true)
	pr.IncPublish(false)
	require.EqualValues(t, 2, testutil.ToFloat64(pr.publishes.WithLabelValues("success")))
	require.EqualValues(t, 1, testutil.ToFloat64(pr.publishes.WithLabelValues("failed")))

	pr.IncPhaseResult("build", ResultSuccess)
	require.EqualValues(t, 1, testutil.ToFloat64(pr.phaseResults.WithLabelValues("build", "success")))
}

func TestRecorderNilSafety(t *testing.T) {
	var pr *PrometheusRecorder
	pr.SetQueueDepth(1)
	pr.SetRunningUpdates(1)
	pr.IncPublish(true)
	pr.ObservePhaseDuration("fetch", time.Second)
	pr.ObserveUpdateDuration(time.Second)
	pr.IncPhaseResult("fetch", ResultFailed)
	pr.IncUpdateOutcome("success")
}

package metrics

import (
	"net/http"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	once           sync.Once
	phaseDuration  *prom.HistogramVec
	updateDuration prom.Histogram
	phaseResults   *prom.CounterVec
	updateOutcomes *prom.CounterVec
	publishes      *prom.CounterVec
	queueDepth     prom.Gauge
	runningUpdates prom.Gauge
}

// NewPrometheusRecorder constructs and registers Prometheus metrics.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{}
	pr.once.Do(func() {
		pr.phaseDuration = prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: "coursebuilder",
			Name:      "phase_duration_seconds",
			Help:      "Duration of individual update phases (fetch, build, stage)",
			Buckets:   prom.DefBuckets,
		}, []string{"phase"})
		pr.updateDuration = prom.NewHistogram(prom.HistogramOpts{
			Namespace: "coursebuilder",
			Name:      "update_duration_seconds",
			Help:      "Total course update duration",
			Buckets:   prom.DefBuckets,
		})
		pr.phaseResults = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "coursebuilder",
			Name:      "phase_results_total",
			Help:      "Phase result counts by outcome",
		}, []string{"phase", "result"})
		pr.updateOutcomes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "coursebuilder",
			Name:      "update_outcomes_total",
			Help:      "Update outcomes by final status",
		}, []string{"outcome"})
		pr.publishes = prom.NewCounterVec(prom.CounterOpts{
			Namespace: "coursebuilder",
			Name:      "publishes_total",
			Help:      "Publish attempts by result",
		}, []string{"result"})
		pr.queueDepth = prom.NewGauge(prom.GaugeOpts{
			Namespace: "coursebuilder",
			Name:      "queue_depth",
			Help:      "Pending build jobs awaiting a worker",
		})
		pr.runningUpdates = prom.NewGauge(prom.GaugeOpts{
			Namespace: "coursebuilder",
			Name:      "running_updates",
			Help:      "Updates currently executing",
		})
		reg.MustRegister(pr.phaseDuration, pr.updateDuration, pr.phaseResults,
			pr.updateOutcomes, pr.publishes, pr.queueDepth, pr.runningUpdates)
	})
	return pr
}

// HTTPHandler returns an http.Handler serving Prometheus metrics for the
// provided registry.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (p *PrometheusRecorder) ObservePhaseDuration(phase string, d time.Duration) {
	if p == nil || p.phaseDuration == nil {
		return
	}
	p.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (p *PrometheusRecorder) ObserveUpdateDuration(d time.Duration) {
	if p == nil || p.updateDuration == nil {
		return
	}
	p.updateDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) IncPhaseResult(phase string, result ResultLabel) {
	if p == nil || p.phaseResults == nil {
		return
	}
	p.phaseResults.WithLabelValues(phase, string(result)).Inc()
}

func (p *PrometheusRecorder) IncUpdateOutcome(outcome string) {
	if p == nil || p.updateOutcomes == nil {
		return
	}
	p.updateOutcomes.WithLabelValues(outcome).Inc()
}

func (p *PrometheusRecorder) IncPublish(success bool) {
	if p == nil || p.publishes == nil {
		return
	}
	res := "failed"
	if success {
		res = "success"
	}
	p.publishes.WithLabelValues(res).Inc()
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	if p == nil || p.queueDepth == nil {
		return
	}
	p.queueDepth.Set(float64(n))
}

func (p *PrometheusRecorder) SetRunningUpdates(n int) {
	if p == nil || p.runningUpdates == nil {
		return
	}
	p.runningUpdates.Set(float64(n))
}

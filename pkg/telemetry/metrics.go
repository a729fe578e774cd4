package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects orchestration metrics. All methods are safe on a nil
// receiver so callers can run without metrics wired.
type Metrics struct {
	processesStarted  *prometheus.CounterVec
	processesFinished *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	stepOutcomes      *prometheus.CounterVec
	driftedSubs       prometheus.Gauge
	queueDepth        prometheus.Gauge
	leaseTakeovers    prometheus.Counter
}

// NewMetrics creates and registers orchestration metrics on the given
// registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		processesStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lumen",
			Name:      "processes_started_total",
			Help:      "Workflow processes started, by workflow name.",
		}, []string{"workflow"}),
		processesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lumen",
			Name:      "processes_finished_total",
			Help:      "Workflow processes finished, by workflow name and final status.",
		}, []string{"workflow", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lumen",
			Name:      "step_duration_seconds",
			Help:      "Forward action execution duration.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"workflow", "step"}),
		stepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lumen",
			Name:      "step_outcomes_total",
			Help:      "Step attempts, by workflow, step and outcome.",
		}, []string{"workflow", "step", "outcome"}),
		driftedSubs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lumen",
			Name:      "drifted_subscriptions",
			Help:      "Subscriptions with detected drift in the last reconcile pass.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lumen",
			Name:      "scheduler_queue_depth",
			Help:      "Processes waiting in the scheduler queue.",
		}),
		leaseTakeovers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lumen",
			Name:      "lease_takeovers_total",
			Help:      "Orphaned processes reclaimed by the recovery sweep.",
		}),
	}

	reg.MustRegister(
		m.processesStarted,
		m.processesFinished,
		m.stepDuration,
		m.stepOutcomes,
		m.driftedSubs,
		m.queueDepth,
		m.leaseTakeovers,
	)

	return m
}

// ProcessStarted records a process start.
func (m *Metrics) ProcessStarted(workflow string) {
	if m == nil {
		return
	}
	m.processesStarted.WithLabelValues(workflow).Inc()
}

// ProcessFinished records a process reaching a terminal status.
func (m *Metrics) ProcessFinished(workflow, status string) {
	if m == nil {
		return
	}
	m.processesFinished.WithLabelValues(workflow, status).Inc()
}

// StepExecuted records one step attempt.
func (m *Metrics) StepExecuted(workflow, step, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(workflow, step).Observe(duration.Seconds())
	m.stepOutcomes.WithLabelValues(workflow, step, outcome).Inc()
}

// DriftObserved records the number of drifted subscriptions found by a
// reconcile pass.
func (m *Metrics) DriftObserved(count int) {
	if m == nil {
		return
	}
	m.driftedSubs.Set(float64(count))
}

// QueueDepth records the current scheduler queue depth.
func (m *Metrics) QueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// LeaseTakeover records an orphaned process reclaimed by the recovery sweep.
func (m *Metrics) LeaseTakeover() {
	if m == nil {
		return
	}
	m.leaseTakeovers.Inc()
}

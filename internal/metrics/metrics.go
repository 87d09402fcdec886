// Package metrics holds the Prometheus collectors for loopd.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the loop, verifier and side-effect bus.
type Metrics struct {
	IterationsTotal     *prometheus.CounterVec
	DecisionsTotal      *prometheus.CounterVec
	VerdictsTotal       *prometheus.CounterVec
	TaskOutcomesTotal   *prometheus.CounterVec
	TasksActive         prometheus.Gauge
	EscalationsPending  prometheus.Gauge
	CheckDuration       *prometheus.HistogramVec
	CheckTimeoutsTotal  *prometheus.CounterVec
	GuardrailHitsTotal  *prometheus.CounterVec
	SnapshotErrorsTotal prometheus.Counter
	EventsDroppedTotal  prometheus.Counter
	EventsPublished     *prometheus.CounterVec
}

// Default returns the process-wide metrics, registering them on first use.
//
// All metrics are prefixed with "loopd_":
//   - loopd_iterations_total{project}
//   - loopd_decisions_total{decision}
//   - loopd_verdicts_total{kind,class}
//   - loopd_task_outcomes_total{status}
//   - loopd_tasks_active
//   - loopd_escalations_pending
//   - loopd_check_duration_seconds{check}
//   - loopd_check_timeouts_total{check}
//   - loopd_guardrail_hits_total{pattern}
//   - loopd_snapshot_errors_total
//   - loopd_events_dropped_total
//   - loopd_events_published_total{result}
func Default() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			IterationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "loopd_iterations_total",
				Help: "Worker iterations executed",
			}, []string{"project"}),
			DecisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "loopd_decisions_total",
				Help: "Gate decisions by outcome",
			}, []string{"decision"}),
			VerdictsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "loopd_verdicts_total",
				Help: "Verifier verdicts by kind and fail class",
			}, []string{"kind", "class"}),
			TaskOutcomesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "loopd_task_outcomes_total",
				Help: "Tasks finished by final status",
			}, []string{"status"}),
			TasksActive: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "loopd_tasks_active",
				Help: "Tasks currently running",
			}),
			EscalationsPending: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "loopd_escalations_pending",
				Help: "Tasks waiting for an operator decision",
			}),
			CheckDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "loopd_check_duration_seconds",
				Help:    "Duration of verification check commands",
				Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			}, []string{"check"}),
			CheckTimeoutsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "loopd_check_timeouts_total",
				Help: "Check commands that exceeded their time budget",
			}, []string{"check"}),
			GuardrailHitsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "loopd_guardrail_hits_total",
				Help: "Guardrail hits by pattern",
			}, []string{"pattern"}),
			SnapshotErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "loopd_snapshot_errors_total",
				Help: "Snapshot persistence failures",
			}),
			EventsDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "loopd_events_dropped_total",
				Help: "Side-effect events dropped because the queue was full",
			}),
			EventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "loopd_events_published_total",
				Help: "Side-effect events handed to the broker",
			}, []string{"result"}),
		}
	})
	return globalMetrics
}

// Handler serves the default registry, registering loopd metrics first.
func Handler() http.Handler {
	Default()
	return promhttp.Handler()
}

/*
Package metrics exposes Prometheus instrumentation for the enrollment engine.

PURPOSE:
  One Metrics value owns a private registry and implements the observer
  hooks of the engine, the notification dispatcher and the reconciler.

SERIES:
  enrollment_operations_total{op,outcome}          counter
  enrollment_operation_duration_seconds{op}        histogram
  enrollment_notifications_total{kind,outcome}     counter
  enrollment_reconcile_runs_total{result}          counter
  enrollment_reconcile_drift_total                 counter

USAGE:
  m := metrics.New()
  engine := enrollment.NewEngine(store, enrollment.WithObserver(m))
  router.Handle("/metrics", m.Handler())
*/
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/enrollment-engine/enrollment"
)

const namespace = "enrollment"

type Metrics struct {
	registry      *prometheus.Registry
	operations    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	notifications *prometheus.CounterVec
	reconcileRuns *prometheus.CounterVec
	drift         prometheus.Counter
}

// New builds the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Engine operations by outcome.",
		}, []string{"op", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Engine operation latency, including time waiting for the listing lock.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification events by kind and delivery outcome.",
		}, []string{"kind", "outcome"}),
		reconcileRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Scheduled reconciliation runs.",
		}, []string{"result"}),
		drift: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_drift_total",
			Help:      "Listings whose cached approved count had to be corrected.",
		}),
	}
}

// ObserveOperation implements enrollment.Observer.
func (m *Metrics) ObserveOperation(op, outcome string, elapsed time.Duration) {
	m.operations.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveDelivery implements notify.Observer.
func (m *Metrics) ObserveDelivery(kind enrollment.EventKind, outcome string) {
	m.notifications.WithLabelValues(string(kind), outcome).Inc()
}

// ObserveReconcile records one ReconcileAll run.
func (m *Metrics) ObserveReconcile(report enrollment.ReconcileReport, err error) {
	if err != nil {
		m.reconcileRuns.WithLabelValues("error").Inc()
		return
	}
	m.reconcileRuns.WithLabelValues("ok").Inc()
	m.drift.Add(float64(len(report.Drifted)))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

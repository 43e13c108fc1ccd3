// Package metrics defines the Prometheus collectors exported on /metrics.
// All recording methods are safe to call on a nil *Metrics, so components
// can run without instrumentation in tests.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autoflow"

type Metrics struct {
	registry *prometheus.Registry

	queueDepth       *prometheus.GaugeVec
	tasksEnqueued    *prometheus.CounterVec
	tasksCompleted   *prometheus.CounterVec
	tasksFailed      *prometheus.CounterVec
	tasksRateLimited *prometheus.CounterVec
	gatewayCalls     *prometheus.CounterVec
	slotsInUse       prometheus.Gauge
	webhookEvents    *prometheus.CounterVec
	debounceFired    prometheus.Counter
	transitions      *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Tasks per queue and status.",
		}, []string{"queue", "status"}),
		tasksEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_enqueued_total",
			Help:      "Tasks accepted by a queue.",
		}, []string{"queue", "task_type"}),
		tasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Tasks that finished successfully.",
		}, []string{"queue", "task_type"}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Task failures, split by whether the task will be retried.",
		}, []string{"queue", "task_type", "final"}),
		tasksRateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_rate_limited_total",
			Help:      "Tasks requeued because the ticket service is rate limiting.",
		}, []string{"queue"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Ticket service calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		slotsInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "execution_slots_in_use",
			Help:      "Code-generation runs currently in flight.",
		}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Webhook deliveries by type and outcome.",
		}, []string{"type", "outcome"}),
		debounceFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debounce_fired_total",
			Help:      "Debounced actions that fired after their quiet period.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Ticket workflow transitions by target state.",
		}, []string{"to"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.queueDepth, m.tasksEnqueued, m.tasksCompleted, m.tasksFailed,
		m.tasksRateLimited, m.gatewayCalls, m.slotsInUse, m.webhookEvents,
		m.debounceFired, m.transitions,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry (used by tests).
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) SetQueueDepth(queue, status string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue, status).Set(float64(n))
}

func (m *Metrics) TaskEnqueued(queue, taskType string) {
	if m == nil {
		return
	}
	m.tasksEnqueued.WithLabelValues(queue, taskType).Inc()
}

func (m *Metrics) TaskCompleted(queue, taskType string) {
	if m == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(queue, taskType).Inc()
}

func (m *Metrics) TaskFailed(queue, taskType string, final bool) {
	if m == nil {
		return
	}
	f := "false"
	if final {
		f = "true"
	}
	m.tasksFailed.WithLabelValues(queue, taskType, f).Inc()
}

func (m *Metrics) TaskRateLimited(queue string) {
	if m == nil {
		return
	}
	m.tasksRateLimited.WithLabelValues(queue).Inc()
}

func (m *Metrics) GatewayCall(op, outcome string) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) SetSlotsInUse(n int) {
	if m == nil {
		return
	}
	m.slotsInUse.Set(float64(n))
}

func (m *Metrics) WebhookEvent(typ, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(typ, outcome).Inc()
}

func (m *Metrics) DebounceFired() {
	if m == nil {
		return
	}
	m.debounceFired.Inc()
}

func (m *Metrics) Transition(to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

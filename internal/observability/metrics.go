package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report pipeline activity. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	executionsLaunched *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionsActive   prometheus.Gauge
	hubPublished       *prometheus.CounterVec
	hubDropped         prometheus.Counter
	hubClients         prometheus.Gauge
	watcherEvents      *prometheus.CounterVec
	reconcileDuration  prometheus.Histogram
	reconcileFailures  prometheus.Counter
	notifications      *prometheus.CounterVec
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Collectors already registered under the same name are reused; any other
// registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		executionsLaunched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentdash",
			Subsystem: "supervisor",
			Name:      "launches_total",
			Help:      "Launch attempts by result.",
		}, []string{"result"}),
		executionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentdash",
			Subsystem: "supervisor",
			Name:      "executions_finished_total",
			Help:      "Executions that reached a terminal status.",
		}, []string{"status"}),
		executionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentdash",
			Subsystem: "supervisor",
			Name:      "executions_active",
			Help:      "Orchestrator processes currently supervised.",
		}),
		hubPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentdash",
			Subsystem: "hub",
			Name:      "events_published_total",
			Help:      "Events delivered to subscriber queues by event kind.",
		}, []string{"event"}),
		hubDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentdash",
			Subsystem: "hub",
			Name:      "events_dropped_total",
			Help:      "Events dropped because a subscriber queue was full.",
		}),
		hubClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentdash",
			Subsystem: "hub",
			Name:      "clients",
			Help:      "Connected observers.",
		}),
		watcherEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentdash",
			Subsystem: "watcher",
			Name:      "files_processed_total",
			Help:      "Settled file changes by kind and parse outcome.",
		}, []string{"kind", "outcome"}),
		reconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentdash",
			Subsystem: "reconciler",
			Name:      "tick_duration_seconds",
			Help:      "Time spent reconciling every registered agent.",
			Buckets:   prometheus.DefBuckets,
		}),
		reconcileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentdash",
			Subsystem: "reconciler",
			Name:      "agent_failures_total",
			Help:      "Per-agent reconciliation failures.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentdash",
			Subsystem: "ingest",
			Name:      "notifications_total",
			Help:      "Push notifications by event and outcome.",
		}, []string{"event", "outcome"}),
	}

	m.executionsLaunched = register(reg, m.executionsLaunched)
	m.executionsFinished = register(reg, m.executionsFinished)
	m.executionsActive = register(reg, m.executionsActive)
	m.hubPublished = register(reg, m.hubPublished)
	m.hubDropped = register(reg, m.hubDropped)
	m.hubClients = register(reg, m.hubClients)
	m.watcherEvents = register(reg, m.watcherEvents)
	m.reconcileDuration = register(reg, m.reconcileDuration)
	m.reconcileFailures = register(reg, m.reconcileFailures)
	m.notifications = register(reg, m.notifications)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

func (m *Metrics) RecordLaunch(result string) {
	if m == nil {
		return
	}
	m.executionsLaunched.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordExecutionFinished(status string) {
	if m == nil {
		return
	}
	m.executionsFinished.WithLabelValues(status).Inc()
}

func (m *Metrics) SetActiveExecutions(n int) {
	if m == nil {
		return
	}
	m.executionsActive.Set(float64(n))
}

func (m *Metrics) RecordPublished(event string, delivered int) {
	if m == nil || delivered == 0 {
		return
	}
	m.hubPublished.WithLabelValues(event).Add(float64(delivered))
}

func (m *Metrics) RecordDropped() {
	if m == nil {
		return
	}
	m.hubDropped.Inc()
}

func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.hubClients.Set(float64(n))
}

func (m *Metrics) RecordWatcherEvent(kind, outcome string) {
	if m == nil {
		return
	}
	m.watcherEvents.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveReconcile(d time.Duration, failures int) {
	if m == nil {
		return
	}
	m.reconcileDuration.Observe(d.Seconds())
	if failures > 0 {
		m.reconcileFailures.Add(float64(failures))
	}
}

func (m *Metrics) RecordNotification(event, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(event, outcome).Inc()
}

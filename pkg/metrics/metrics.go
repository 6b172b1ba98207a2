package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool occupancy metrics
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentpool_containers_total",
			Help: "Total number of containers managed by the pool, by status",
		},
		[]string{"status"},
	)

	PoolWarmTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentpool_pool_warm_total",
			Help: "Number of unassigned, idle containers available for immediate assignment",
		},
	)

	PoolActiveTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentpool_pool_active_total",
			Help: "Number of containers currently assigned to a session",
		},
	)

	SessionsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentpool_sessions_total",
			Help: "Number of sessions currently bound to a container",
		},
	)

	// Assignment / release metrics
	AssignmentLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentpool_assignment_latency_seconds",
			Help:    "Time taken to satisfy a getContainer request, warm hit or cold create",
			Buckets: prometheus.DefBuckets,
		},
	)

	AssignmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentpool_assignments_total",
			Help: "Total container assignments by outcome (warm_hit, cold_create, cold_create_failed, capacity_denied)",
		},
		[]string{"outcome"},
	)

	ReleaseLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentpool_release_latency_seconds",
			Help:    "Time taken to release a container back to warm or recycle it",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Per-session turn counters
	SessionTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentpool_session_turns_total",
			Help: "Total prompt-execution turns processed, by container",
		},
		[]string{"container"},
	)

	// Container lifecycle durations
	ContainerCreateDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentpool_container_create_duration_seconds",
			Help:    "Time taken to create a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentpool_container_start_duration_seconds",
			Help:    "Time taken to start a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainerStopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentpool_container_stop_duration_seconds",
			Help:    "Time taken to stop and remove a container in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainersCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentpool_containers_created_total",
			Help: "Total number of containers created",
		},
	)

	ContainersFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentpool_containers_failed_total",
			Help: "Total number of containers that failed creation or health checks",
		},
	)

	// Reconciliation metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentpool_reconciliation_duration_seconds",
			Help:    "Time taken for a maintenance-tick reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "agentpool_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)

	ContainersReapedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentpool_containers_reaped_total",
			Help: "Total containers recycled by the maintenance tick, by reason (idle_timeout, max_age, stale, unhealthy)",
		},
		[]string{"reason"},
	)

	// Broker metrics
	BrokerOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentpool_broker_operations_total",
			Help: "Total broker operations by kind and outcome",
		},
		[]string{"op", "outcome"},
	)

	InterruptsDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentpool_interrupts_delivered_total",
			Help: "Total interrupts delivered to sessions, by kind",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(PoolWarmTotal)
	prometheus.MustRegister(PoolActiveTotal)
	prometheus.MustRegister(SessionsTotal)

	prometheus.MustRegister(AssignmentLatency)
	prometheus.MustRegister(AssignmentsTotal)
	prometheus.MustRegister(ReleaseLatency)

	prometheus.MustRegister(SessionTurnsTotal)

	prometheus.MustRegister(ContainerCreateDuration)
	prometheus.MustRegister(ContainerStartDuration)
	prometheus.MustRegister(ContainerStopDuration)
	prometheus.MustRegister(ContainersCreatedTotal)
	prometheus.MustRegister(ContainersFailedTotal)

	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(ContainersReapedTotal)

	prometheus.MustRegister(BrokerOperationsTotal)
	prometheus.MustRegister(InterruptsDeliveredTotal)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

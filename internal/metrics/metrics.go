// Package metrics holds the Prometheus collectors for the fabric, built
// with the promauto factory and scoped to the task/escrow/wallet/rate-limit
// domain this core actually has.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the full set of counters, gauges, and histograms the fabric
// exports on /metrics.
type Metrics struct {
	TasksTotal    *prometheus.CounterVec
	TaskDuration  *prometheus.HistogramVec
	TasksInFlight prometheus.Gauge

	EscrowsTotal    *prometheus.CounterVec
	EscrowLocked    prometheus.Gauge
	EscrowReleased  *prometheus.CounterVec
	EscrowExpired   prometheus.Counter

	WalletDebits  *prometheus.CounterVec
	WalletCredits *prometheus.CounterVec

	RateLimitRejections *prometheus.CounterVec

	APIRequestsTotal   *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// Default returns the process-wide singleton, registered against its own
// registry so /metrics output is never polluted by other packages'
// ad hoc prometheus.DefaultRegisterer use.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = New(prometheus.NewRegistry())
	})
	return defaultMetrics
}

// New builds a Metrics instance registered against registerer.
func New(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	m := &Metrics{
		TasksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentfabric_tasks_total",
			Help: "Tasks by terminal status.",
		}, []string{"status"}),
		TaskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentfabric_task_duration_seconds",
			Help:    "Task lifetime from creation to terminal state.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		TasksInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentfabric_tasks_in_flight",
			Help: "Tasks currently pending or in_progress.",
		}),

		EscrowsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentfabric_escrows_total",
			Help: "Escrows created, by asset.",
		}, []string{"asset"}),
		EscrowLocked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentfabric_escrow_locked_total",
			Help: "Sum of locked amounts across active escrows (USDC-denominated).",
		}),
		EscrowReleased: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentfabric_escrow_released_total",
			Help: "Escrow release outcomes, by terminal status.",
		}, []string{"status"}),
		EscrowExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentfabric_escrow_expired_total",
			Help: "Escrows that hit their timeout before release.",
		}),

		WalletDebits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentfabric_wallet_debits_total",
			Help: "Wallet debit operations, by outcome.",
		}, []string{"outcome"}),
		WalletCredits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentfabric_wallet_credits_total",
			Help: "Wallet credit operations.",
		}, []string{"asset"}),

		RateLimitRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentfabric_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter, by window.",
		}, []string{"window"}),

		APIRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentfabric_api_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "status"}),
		APIRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentfabric_api_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		registry: registry,
	}
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return m
}

// Registry exposes the underlying registry for the /metrics HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

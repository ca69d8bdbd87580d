// Package metrics exposes Prometheus collectors for rebalance executions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/rebalancer/internal/events"
)

const namespace = "rebalancer"

// Metrics owns a private registry and the service collectors
type Metrics struct {
	registry *prometheus.Registry

	AccountExecutions  *prometheus.CounterVec   // exec, outcome (success, failed, pdt_blocked, ...)
	ExecutionDuration  *prometheus.HistogramVec // exec
	OrdersPlaced       *prometheus.CounterVec   // side, order_type
	OrdersCompleted    *prometheus.CounterVec   // status
	DedupRejections    prometheus.Counter
	StateTransitions   *prometheus.CounterVec // to
	OpenSessions       prometheus.Gauge
	HTTPRequests       *prometheus.CounterVec   // method, route, status
	HTTPRequestLatency *prometheus.HistogramVec // method, route
}

// New creates the registry with Go runtime and process collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}

	m.AccountExecutions = m.newCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "account_executions_total",
		Help:      "Account executions by command and outcome",
	}, []string{"exec", "outcome"})

	m.ExecutionDuration = m.newHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "account_execution_duration_seconds",
		Help:      "Account execution latency in seconds",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
	}, []string{"exec"})

	m.OrdersPlaced = m.newCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_placed_total",
		Help:      "Orders accepted by brokers",
	}, []string{"side", "order_type"})

	m.OrdersCompleted = m.newCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orders_completed_total",
		Help:      "Orders reaching a terminal status",
	}, []string{"status"})

	m.DedupRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dedup_rejections_total",
		Help:      "Triggers ignored because an identical execution was active",
	})
	reg.MustRegister(m.DedupRejections)

	m.StateTransitions = m.newCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executor_state_transitions_total",
		Help:      "Account executor state transitions by target state",
	}, []string{"to"})

	m.OpenSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_broker_sessions",
		Help:      "Broker sessions currently registered",
	})
	reg.MustRegister(m.OpenSessions)

	m.HTTPRequests = m.newCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Management API requests",
	}, []string{"method", "route", "status"})

	m.HTTPRequestLatency = m.newHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "Management API latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	return m
}

func (m *Metrics) newCounterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(opts, labels)
	m.registry.MustRegister(cv)
	return cv
}

func (m *Metrics) newHistogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	hv := prometheus.NewHistogramVec(opts, labels)
	m.registry.MustRegister(hv)
	return hv
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one management API request
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, http.StatusText(status)).Inc()
	m.HTTPRequestLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Subscribe wires the collectors to the event bus
func (m *Metrics) Subscribe(bus *events.Bus) {
	bus.Subscribe(events.AccountExecutionCompleted, func(e events.Event) {
		d, ok := e.Data.(*events.AccountExecutionCompletedData)
		if !ok {
			return
		}
		outcome := "success"
		if !d.Success {
			outcome = d.ErrorKind
			if outcome == "" {
				outcome = "failed"
			}
		}
		m.AccountExecutions.WithLabelValues(d.ExecKind, outcome).Inc()
		m.ExecutionDuration.WithLabelValues(d.ExecKind).Observe(d.Duration.Seconds())
	})

	bus.Subscribe(events.OrderPlaced, func(e events.Event) {
		d, ok := e.Data.(*events.OrderPlacedData)
		if !ok {
			return
		}
		side := "buy"
		if d.Quantity < 0 {
			side = "sell"
		}
		m.OrdersPlaced.WithLabelValues(side, d.OrderType).Inc()
	})

	bus.Subscribe(events.OrderCompleted, func(e events.Event) {
		if d, ok := e.Data.(*events.OrderCompletedData); ok {
			m.OrdersCompleted.WithLabelValues(d.Status).Inc()
		}
	})

	bus.Subscribe(events.ExecutionStateChanged, func(e events.Event) {
		if d, ok := e.Data.(*events.ExecutionStateChangedData); ok {
			m.StateTransitions.WithLabelValues(d.To).Inc()
		}
	})

	bus.Subscribe(events.DedupRejected, func(events.Event) {
		m.DedupRejections.Inc()
	})
}

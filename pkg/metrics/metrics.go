// Package metrics holds the Prometheus instrumentation for accounting events.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tokenmeter"

// Charge outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeInsufficient = "insufficient_tokens"
	OutcomeConflict     = "conflict"
	OutcomeError        = "error"
)

// Metrics is the set of tokenmeter collectors.
type Metrics struct {
	chargesTotal      *prometheus.CounterVec
	tokensCharged     *prometheus.CounterVec
	tokensCredited    *prometheus.CounterVec
	lifecycleTotal    *prometheus.CounterVec
	counterRepairs    prometheus.Counter
	sweepDuration     prometheus.Histogram
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide Metrics, registering it on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{
		chargesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "billing",
				Name:      "charges_total",
				Help:      "Charge attempts by outcome",
			},
			[]string{"outcome"},
		),
		tokensCharged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "billing",
				Name:      "tokens_charged_total",
				Help:      "Tokens debited by funding source",
			},
			[]string{"source"},
		),
		tokensCredited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "billing",
				Name:      "tokens_credited_total",
				Help:      "Tokens credited to balances by purchase kind",
			},
			[]string{"kind"},
		),
		lifecycleTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "events_total",
				Help:      "Subscription lifecycle events by type",
			},
			[]string{"event"},
		),
		counterRepairs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "billing",
				Name:      "counter_repairs_total",
				Help:      "Cached period counters that disagreed with the ledger",
			},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "sweep_duration_seconds",
				Help:      "Duration of lifecycle sweeps",
				Buckets:   prometheus.DefBuckets,
			},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status",
			},
			[]string{"method", "route", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request latency by route",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	prometheus.MustRegister(
		m.chargesTotal,
		m.tokensCharged,
		m.tokensCredited,
		m.lifecycleTotal,
		m.counterRepairs,
		m.sweepDuration,
		m.httpRequestsTotal,
		m.httpDuration,
	)

	return m
}

// RecordCharge records a charge attempt and, on success, the split.
func (m *Metrics) RecordCharge(outcome string, fromSubscription, fromBalance int64) {
	if m == nil {
		return
	}
	m.chargesTotal.WithLabelValues(outcome).Inc()
	if fromSubscription > 0 {
		m.tokensCharged.WithLabelValues("subscription").Add(float64(fromSubscription))
	}
	if fromBalance > 0 {
		m.tokensCharged.WithLabelValues("balance").Add(float64(fromBalance))
	}
}

// RecordCredit records a balance credit.
func (m *Metrics) RecordCredit(kind string, tokens int64) {
	if m == nil {
		return
	}
	m.tokensCredited.WithLabelValues(kind).Add(float64(tokens))
}

// RecordLifecycle records a subscription lifecycle event.
func (m *Metrics) RecordLifecycle(event string) {
	if m == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	m.lifecycleTotal.WithLabelValues(event).Inc()
}

// RecordCounterRepair records a cached counter repaired from the ledger.
func (m *Metrics) RecordCounterRepair() {
	if m == nil {
		return
	}
	m.counterRepairs.Inc()
}

// ObserveSweep records how long a sweep took.
func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

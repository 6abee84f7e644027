// Package metrics exposes gateway and ledger activity to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/davidbz/tollgate/internal/domain"
)

const namespace = "tollgate"

// Metrics holds all collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	CallsTotal      *prometheus.CounterVec
	CallDuration    *prometheus.HistogramVec
	ChargedTotal    prometheus.Counter
	SavedTotal      prometheus.Counter
	OptimizerRuns   *prometheus.CounterVec
	OptimizerTime   prometheus.Histogram
	UpstreamTotal   *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec

	ReservationsOpened   prometheus.Counter
	ReservationsResolved *prometheus.CounterVec
	HeldAmount           prometheus.Gauge

	ServerStartTime prometheus.Gauge
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),

		CallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Inbound calls by terminal state and error kind.",
		}, []string{"state", "error_kind"}),

		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Time from receipt to terminal state.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"state"}),

		ChargedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charged_units_total",
			Help:      "Total amount captured from payers, in currency units.",
		}),

		SavedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saved_units_total",
			Help:      "Total cost avoided by optimization on settled calls, in currency units.",
		}),

		OptimizerRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimizer_runs_total",
			Help:      "Optimizer runs by whether a rewrite was applied and whether a budget cut the search.",
		}, []string{"applied", "budget_exceeded"}),

		OptimizerTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "optimizer_duration_seconds",
			Help:      "Optimizer wall-clock time per call.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),

		UpstreamTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Upstream dispatches by provider and outcome.",
		}, []string{"provider", "outcome"}),

		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Upstream dispatch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"provider"}),

		ReservationsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_opened_total",
			Help:      "Holds placed on payer accounts.",
		}),

		ReservationsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_resolved_total",
			Help:      "Holds resolved, by final state and whether the sweeper resolved them.",
		}, []string{"state", "swept"}),

		HeldAmount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "held_units",
			Help:      "Amount currently held by open reservations, in currency units.",
		}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_start_time_seconds",
			Help:      "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CallsTotal,
		m.CallDuration,
		m.ChargedTotal,
		m.SavedTotal,
		m.OptimizerRuns,
		m.OptimizerTime,
		m.UpstreamTotal,
		m.UpstreamLatency,
		m.ReservationsOpened,
		m.ReservationsResolved,
		m.HeldAmount,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterDBPoolCollector exposes connection pool gauges.
func (m *Metrics) RegisterDBPoolCollector(statFunc DBPoolStatFunc) {
	m.registry.MustRegister(NewDBPoolCollector(statFunc))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// CallResolved implements gateway.Recorder.
func (m *Metrics) CallResolved(state domain.CallState, kind domain.ErrorKind, elapsed time.Duration) {
	label := string(kind)
	if label == "" {
		label = "none"
	}
	m.CallsTotal.WithLabelValues(string(state), label).Inc()
	m.CallDuration.WithLabelValues(string(state)).Observe(elapsed.Seconds())
}

// Settled implements gateway.Recorder.
func (m *Metrics) Settled(charged, savings domain.Micros) {
	m.ChargedTotal.Add(units(charged))
	m.SavedTotal.Add(units(savings))
}

// Optimized implements gateway.Recorder.
func (m *Metrics) Optimized(elapsed time.Duration, applied, budgetExceeded bool) {
	m.OptimizerRuns.WithLabelValues(strconv.FormatBool(applied), strconv.FormatBool(budgetExceeded)).Inc()
	m.OptimizerTime.Observe(elapsed.Seconds())
}

// Dispatched implements gateway.Recorder.
func (m *Metrics) Dispatched(provider string, elapsed time.Duration, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case domain.KindOf(err) == domain.KindTimeout:
		outcome = "timeout"
	default:
		outcome = "error"
	}
	m.UpstreamTotal.WithLabelValues(provider, outcome).Inc()
	m.UpstreamLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// ReservationOpened implements ledger.Recorder.
func (m *Metrics) ReservationOpened(amount domain.Micros) {
	m.ReservationsOpened.Inc()
	m.HeldAmount.Add(units(amount))
}

// ReservationResolved implements ledger.Recorder.
func (m *Metrics) ReservationResolved(state domain.ReservationState, amount domain.Micros, swept bool) {
	m.ReservationsResolved.WithLabelValues(string(state), strconv.FormatBool(swept)).Inc()
	m.HeldAmount.Sub(units(amount))
}

func units(m domain.Micros) float64 {
	if m <= 0 {
		return 0
	}
	return float64(m) / domain.MicrosPerUnit
}

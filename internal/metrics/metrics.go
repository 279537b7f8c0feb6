// Package metrics wires the Supervisor's Prometheus collectors:
// per-service counters, gauges, and histograms exposed as Prometheus
// text on GET /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the gateway exposes, registered
// against a private prometheus.Registry so tests can construct
// independent instances without clobbering a global default registry.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	SuccessTotal     *prometheus.CounterVec
	FailureTotal     *prometheus.CounterVec
	RestartTotal     *prometheus.CounterVec
	StateChangeTotal *prometheus.CounterVec

	InFlight    *prometheus.GaugeVec
	SuccessRate *prometheus.GaugeVec
	LastState   *prometheus.GaugeVec

	ResponseMillis  *prometheus.HistogramVec
	ChunksPerStream prometheus.Histogram
}

// New builds and registers every collector. The "worker" label
// distinguishes multi-worker deployments; counters that are inherently
// per-model also carry a "model" label.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigateway_requests_total",
			Help: "Total chat completion requests received.",
		}, []string{"worker", "model"}),
		SuccessTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigateway_success_total",
			Help: "Total chat completion requests that succeeded.",
		}, []string{"worker", "model"}),
		FailureTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigateway_failure_total",
			Help: "Total chat completion requests that failed.",
		}, []string{"worker", "model"}),
		RestartTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigateway_restart_total",
			Help: "Total Worker restarts performed by the Supervisor.",
		}, []string{"worker"}),
		StateChangeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aigateway_state_changes_total",
			Help: "Total Worker state machine transitions.",
		}, []string{"worker", "state"}),

		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aigateway_in_flight",
			Help: "Requests currently in flight.",
		}, []string{"worker"}),
		SuccessRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aigateway_success_rate",
			Help: "Rolling success rate per model, 0..1.",
		}, []string{"model"}),
		LastState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "aigateway_last_state",
			Help: "Current state machine value for a Worker (ordinal).",
		}, []string{"worker"}),

		ResponseMillis: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aigateway_response_ms",
			Help:    "Chat completion response latency in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"worker", "model"}),
		ChunksPerStream: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aigateway_chunks_per_stream",
			Help:    "Number of chunks delivered per streaming response.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}

	reg.MustRegister(
		r.RequestsTotal, r.SuccessTotal, r.FailureTotal, r.RestartTotal, r.StateChangeTotal,
		r.InFlight, r.SuccessRate, r.LastState,
		r.ResponseMillis, r.ChunksPerStream,
	)

	return r
}

// Handler returns the GET /metrics HTTP handler (Prometheus text
// exposition format).
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

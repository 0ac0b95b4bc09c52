// Package metrics exposes Prometheus collectors for the admin API, the hook
// bus, plugin lifecycle events and permission metering.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pluginhost"

// Registry owns every collector of the host process.
type Registry struct {
	reg *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	lifecycle  *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	denials    *prometheus.CounterVec
}

// New creates a registry with the Go runtime and process collectors.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})
	r.httpErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_request_errors_total",
		Help:      "Total number of HTTP requests that resulted in a server error.",
	}, []string{"handler", "method"})
	r.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})

	r.lifecycle = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "plugin",
		Name:      "lifecycle_events_total",
		Help:      "Plugin lifecycle actions published on the hook bus.",
	}, []string{"event"})
	r.deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "deliveries_total",
		Help:      "Lifecycle events forwarded to the message broker.",
	}, []string{"event", "result"})
	r.denials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "plugin",
		Name:      "permission_denials_total",
		Help:      "Permission checks denied by the runtime.",
	}, []string{"plugin", "permission"})

	r.reg.MustRegister(r.httpRequests, r.httpErrors, r.httpDuration, r.lifecycle, r.deliveries, r.denials)
	return r
}

// MustRegister adds extra collectors to the registry.
func (r *Registry) MustRegister(cs ...prometheus.Collector) {
	r.reg.MustRegister(cs...)
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (r *Registry) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	r.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		r.httpErrors.WithLabelValues(handler, method).Inc()
	}
	r.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveDelivery counts one broker delivery attempt.
func (r *Registry) ObserveDelivery(event string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.deliveries.WithLabelValues(event, result).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

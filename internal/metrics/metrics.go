// Package metrics wraps the Prometheus collectors exported by the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the service's Prometheus collectors. Collectors register
// against a private registry so multiple instances can coexist in tests.
type Registry struct {
	reg *prometheus.Registry

	ConnectedClients prometheus.Gauge
	QueueDepth       prometheus.Gauge

	EventsReceived       prometheus.Counter
	EventsDelivered      prometheus.Counter
	EventsSkipped        prometheus.Counter
	ParseErrors          prometheus.Counter
	NotificationsSent    prometheus.Counter
	NotificationsDropped prometheus.Counter
	ClientsRejected      prometheus.Counter

	CPUPercent  prometheus.Gauge
	MemoryBytes prometheus.Gauge
	Goroutines  prometheus.Gauge
}

// NewRegistry creates the Prometheus collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fm_clients_connected",
			Help: "Number of identified client connections currently registered",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fm_reorder_queue_depth",
			Help: "Number of events buffered in the reorder queue",
		}),
		EventsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "fm_events_received_total",
			Help: "Total number of well-formed events read from the event source",
		}),
		EventsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "fm_events_delivered_total",
			Help: "Total number of events released by the reorder queue",
		}),
		EventsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "fm_events_skipped_total",
			Help: "Total number of sequence numbers abandoned by the capacity/timeout escape hatches",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "fm_parse_errors_total",
			Help: "Total number of malformed event lines",
		}),
		NotificationsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "fm_notifications_sent_total",
			Help: "Total number of payloads queued to client connections",
		}),
		NotificationsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "fm_notifications_dropped_total",
			Help: "Total number of payloads dropped because the client queue was full or closed",
		}),
		ClientsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "fm_clients_rejected_total",
			Help: "Total number of client connections rejected by the accept rate limiter",
		}),
		CPUPercent: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fm_system_cpu_percent",
			Help: "System CPU usage percentage sampled by the resource monitor",
		}),
		MemoryBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fm_system_memory_bytes",
			Help: "System memory in use in bytes sampled by the resource monitor",
		}),
		Goroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fm_goroutines",
			Help: "Current goroutine count",
		}),
	}
}

// Handler returns an HTTP handler exposing the collectors.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

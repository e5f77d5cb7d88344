// Package observability exposes runtime counters for the seller process.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects seller runtime counters. A nil *Metrics is valid and
// records nothing, so callers never need to guard their increments.
type Metrics struct {
	registry *prometheus.Registry

	jobsReceived      *prometheus.CounterVec
	jobsAccepted      prometheus.Counter
	jobsRejected      prometheus.Counter
	paymentsRequested prometheus.Counter
	jobsDelivered     prometheus.Counter
	jobFailures       prometheus.Counter
	duplicatesDropped prometheus.Counter
	socketReconnects  prometheus.Counter
	socketConnected   prometheus.Gauge
}

// New returns a Metrics set registered on its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "claw",
			Subsystem: "seller",
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}

	jobsReceived := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claw",
		Subsystem: "seller",
		Name:      "jobs_received_total",
		Help:      "Job events received from the stream, by phase.",
	}, []string{"phase"})
	registry.MustRegister(jobsReceived)

	socketConnected := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "claw",
		Subsystem: "seller",
		Name:      "socket_connected",
		Help:      "Whether the event channel currently holds a live connection.",
	})
	registry.MustRegister(socketConnected)

	return &Metrics{
		registry:          registry,
		jobsReceived:      jobsReceived,
		jobsAccepted:      factory("jobs_accepted_total", "Jobs accepted in the REQUEST phase."),
		jobsRejected:      factory("jobs_rejected_total", "Jobs rejected in the REQUEST phase."),
		paymentsRequested: factory("payments_requested_total", "Payment requests issued."),
		jobsDelivered:     factory("jobs_delivered_total", "Deliverables submitted."),
		jobFailures:       factory("job_failures_total", "Job tasks that failed and were logged."),
		duplicatesDropped: factory("duplicates_dropped_total", "Redelivered events suppressed by the seen-set."),
		socketReconnects:  factory("socket_reconnects_total", "Times the event channel re-established its connection."),
		socketConnected:   socketConnected,
	}
}

// Handler serves the metrics in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobReceived(phase string) {
	if m != nil {
		m.jobsReceived.WithLabelValues(phase).Inc()
	}
}

func (m *Metrics) JobAccepted() {
	if m != nil {
		m.jobsAccepted.Inc()
	}
}

func (m *Metrics) JobRejected() {
	if m != nil {
		m.jobsRejected.Inc()
	}
}

func (m *Metrics) PaymentRequested() {
	if m != nil {
		m.paymentsRequested.Inc()
	}
}

func (m *Metrics) JobDelivered() {
	if m != nil {
		m.jobsDelivered.Inc()
	}
}

func (m *Metrics) JobFailed() {
	if m != nil {
		m.jobFailures.Inc()
	}
}

func (m *Metrics) DuplicateDropped() {
	if m != nil {
		m.duplicatesDropped.Inc()
	}
}

func (m *Metrics) SocketReconnected() {
	if m != nil {
		m.socketReconnects.Inc()
	}
}

func (m *Metrics) SocketState(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.socketConnected.Set(1)
	} else {
		m.socketConnected.Set(0)
	}
}

// Package metrics holds the Prometheus collectors of a tunnel-rpc process. A nil *Metrics
// is valid and records nothing, so components take it as an optional dependency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Invocation outcomes used as the "outcome" label.
const (
	OutcomeResult    = "result"
	OutcomeException = "exception"
	OutcomeCanceled  = "canceled"
	OutcomeTimeout   = "timeout"
)

// Default histogram buckets for invocation duration (in seconds)
var defaultBuckets = []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 30, 120, 600}

type Metrics struct {
	registry *prometheus.Registry

	invocationsTotal   *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	activeInvocations  prometheus.Gauge
	cancelsTotal       prometheus.Counter

	framesSent     prometheus.Counter
	framesReceived prometheus.Counter
	sendFailures   *prometheus.CounterVec
	pollErrors     prometheus.Counter
	queueDepth     prometheus.Gauge

	progressSnapshots prometheus.Counter
	interimRequests   *prometheus.CounterVec
}

// New creates the collectors on a private registry, along with the Go and process collectors.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		invocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Invocations by service, method and terminal outcome",
		}, []string{"service", "method", "outcome"}),
		invocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Time from dispatch to terminal outcome",
			Buckets:   defaultBuckets,
		}, []string{"service", "method"}),
		activeInvocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_invocations",
			Help:      "Invocations currently in flight",
		}),
		cancelsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancels_total",
			Help:      "Cancel messages sent or received",
		}),
		framesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_frames_sent_total",
			Help:      "Frames written to the transport",
		}),
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_frames_received_total",
			Help:      "Frames decoded from long-poll responses",
		}),
		sendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_send_failures_total",
			Help:      "Failed transport writes by reason",
		}, []string{"reason"}),
		pollErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_poll_errors_total",
			Help:      "Failed long-poll requests",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_queue_depth",
			Help:      "Frames waiting in the outbound queue",
		}),
		progressSnapshots: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_snapshots_total",
			Help:      "Progress snapshots published",
		}),
		interimRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interim_requests_total",
			Help:      "Interim requests raised by invoked methods",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		m.invocationsTotal, m.invocationDuration, m.activeInvocations, m.cancelsTotal,
		m.framesSent, m.framesReceived, m.sendFailures, m.pollErrors, m.queueDepth,
		m.progressSnapshots, m.interimRequests,
	)
	return m
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) InvocationStarted() {
	if m == nil {
		return
	}
	m.activeInvocations.Inc()
}

func (m *Metrics) InvocationFinished(service, method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.activeInvocations.Dec()
	m.invocationsTotal.WithLabelValues(service, method, outcome).Inc()
	m.invocationDuration.WithLabelValues(service, method).Observe(d.Seconds())
}

func (m *Metrics) Cancel() {
	if m == nil {
		return
	}
	m.cancelsTotal.Inc()
}

func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.framesSent.Inc()
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

func (m *Metrics) SendFailed(reason string) {
	if m == nil {
		return
	}
	m.sendFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) PollFailed() {
	if m == nil {
		return
	}
	m.pollErrors.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) SnapshotPublished() {
	if m == nil {
		return
	}
	m.progressSnapshots.Inc()
}

func (m *Metrics) InterimRequest(kind string) {
	if m == nil {
		return
	}
	m.interimRequests.WithLabelValues(kind).Inc()
}

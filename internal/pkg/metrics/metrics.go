// Package metrics exposes the orchestrator's Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "saga"
	subsystem = "orchestrator"
)

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	messagesTotal     *prometheus.CounterVec
	transitionsTotal  *prometheus.CounterVec
	redeliveriesTotal *prometheus.CounterVec
	deadLettersTotal  *prometheus.CounterVec
	publishedTotal    *prometheus.CounterVec
	handleDuration    *prometheus.HistogramVec
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_total",
			Help:      "Inbound messages handled, by type and outcome.",
		}, []string{"type", "outcome"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "transitions_total",
			Help:      "State transitions persisted.",
		}, []string{"from", "to"}),
		redeliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "redeliveries_total",
			Help:      "Messages scheduled for redelivery, by reason.",
		}, []string{"reason"}),
		deadLettersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dead_letters_total",
			Help:      "Messages moved to the dead-letter path, by type.",
		}, []string{"type"}),
		publishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "published_total",
			Help:      "Outbound messages published, by type.",
		}, []string{"type"}),
		handleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handle_duration_seconds",
			Help:      "Time spent handling one inbound message.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"type"}),
	}

	m.registry.MustRegister(
		m.messagesTotal,
		m.transitionsTotal,
		m.redeliveriesTotal,
		m.deadLettersTotal,
		m.publishedTotal,
		m.handleDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveMessage(msgType, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(msgType, outcome).Inc()
	m.handleDuration.WithLabelValues(msgType).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveRedelivery(reason string) {
	if m == nil {
		return
	}
	m.redeliveriesTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveDeadLetter(msgType string) {
	if m == nil {
		return
	}
	m.deadLettersTotal.WithLabelValues(msgType).Inc()
}

func (m *Metrics) ObservePublished(msgType string) {
	if m == nil {
		return
	}
	m.publishedTotal.WithLabelValues(msgType).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

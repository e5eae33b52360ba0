// Package metrics provides Prometheus metrics for the SCTP-over-UDP transport.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "sctp4udp"
)

// Link kinds used as label values.
const (
	LinkServer = "server"
	LinkClient = "client"
)

// Association directions used as label values.
const (
	DirectionOutbound = "outbound"
	DirectionInbound  = "inbound"
)

// Metrics contains all Prometheus metrics for the transport layer.
type Metrics struct {
	// Association lifecycle
	AssociationsActive  prometheus.Gauge
	AssociationsTotal   *prometheus.CounterVec
	AssociationFailures *prometheus.CounterVec
	AssociationsClosed  prometheus.Counter
	ConnectLatency      prometheus.Histogram

	// Transport links
	LinksActive       *prometheus.GaugeVec
	DatagramsReceived *prometheus.CounterVec
	DatagramsSent     *prometheus.CounterVec
	DatagramsDropped  *prometheus.CounterVec
	BytesReceived     *prometheus.CounterVec
	BytesSent         *prometheus.CounterVec
	TransportErrors   *prometheus.CounterVec

	// Server accept path
	AcceptRejected *prometheus.CounterVec

	// Application data
	MessagesDelivered prometheus.Counter
	MessagesSent      prometheus.Counter
	CallbackPanics    prometheus.Counter

	// Shared resources
	PortsInUse prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the process-wide metrics instance registered with the
// default Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// OrDefault returns m, or Default() when m is nil.
func OrDefault(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return Default()
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "associations_active",
			Help:      "Number of associations currently established",
		}),
		AssociationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "associations_total",
			Help:      "Total associations established by direction",
		}, []string{"direction"}),
		AssociationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "association_failures_total",
			Help:      "Total associations that ended in the failed state by reason",
		}, []string{"reason"}),
		AssociationsClosed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "associations_closed_total",
			Help:      "Total associations closed locally",
		}),
		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Time from connect to established",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),

		LinksActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "links_active",
			Help:      "Number of open transport links by kind",
		}, []string{"link"}),
		DatagramsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total UDP datagrams read by kind of link",
		}, []string{"link"}),
		DatagramsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total UDP datagrams written by kind of link",
		}, []string{"link"}),
		DatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_dropped_total",
			Help:      "Total inbound datagrams dropped by reason",
		}, []string{"reason"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total UDP payload bytes read by kind of link",
		}, []string{"link"}),
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total UDP payload bytes written by kind of link",
		}, []string{"link"}),
		TransportErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_errors_total",
			Help:      "Total socket errors by operation",
		}, []string{"op"}),

		AcceptRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accept_rejected_total",
			Help:      "Inbound association attempts refused by reason",
		}, []string{"reason"}),

		MessagesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_delivered_total",
			Help:      "Total messages handed to application callbacks",
		}),
		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total messages handed to the engine for sending",
		}),
		CallbackPanics: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_panics_total",
			Help:      "Total panics recovered from application data callbacks",
		}),

		PortsInUse: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ports_in_use",
			Help:      "Number of local SCTP ports currently allocated",
		}),
	}
}

// RecordEstablished records an association reaching the established state.
func (m *Metrics) RecordEstablished(direction string, latencySeconds float64) {
	m.AssociationsActive.Inc()
	m.AssociationsTotal.WithLabelValues(direction).Inc()
	if direction == DirectionOutbound {
		m.ConnectLatency.Observe(latencySeconds)
	}
}

// RecordTeardown records an established association leaving service.
func (m *Metrics) RecordTeardown() {
	m.AssociationsActive.Dec()
}

// RecordClosed records a local close completing.
func (m *Metrics) RecordClosed() {
	m.AssociationsClosed.Inc()
}

// RecordFailure records an association entering the failed state.
func (m *Metrics) RecordFailure(reason string) {
	m.AssociationFailures.WithLabelValues(reason).Inc()
}

// RecordLinkOpen records a transport link starting.
func (m *Metrics) RecordLinkOpen(kind string) {
	m.LinksActive.WithLabelValues(kind).Inc()
}

// RecordLinkClose records a transport link closing.
func (m *Metrics) RecordLinkClose(kind string) {
	m.LinksActive.WithLabelValues(kind).Dec()
}

// RecordDatagramIn records one datagram read from a link.
func (m *Metrics) RecordDatagramIn(kind string, bytes int) {
	m.DatagramsReceived.WithLabelValues(kind).Inc()
	m.BytesReceived.WithLabelValues(kind).Add(float64(bytes))
}

// RecordDatagramOut records one datagram written to a link.
func (m *Metrics) RecordDatagramOut(kind string, bytes int) {
	m.DatagramsSent.WithLabelValues(kind).Inc()
	m.BytesSent.WithLabelValues(kind).Add(float64(bytes))
}

// RecordDrop records an inbound datagram that was discarded.
func (m *Metrics) RecordDrop(reason string) {
	m.DatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordTransportError records a socket error for op ("read" or "write").
func (m *Metrics) RecordTransportError(op string) {
	m.TransportErrors.WithLabelValues(op).Inc()
}

// RecordAcceptRejected records a refused inbound association attempt.
func (m *Metrics) RecordAcceptRejected(reason string) {
	m.AcceptRejected.WithLabelValues(reason).Inc()
}

// RecordDelivered records a message handed to the application.
func (m *Metrics) RecordDelivered() {
	m.MessagesDelivered.Inc()
}

// RecordSent records a message handed to the engine.
func (m *Metrics) RecordSent() {
	m.MessagesSent.Inc()
}

// RecordCallbackPanic records a recovered panic in a data callback.
func (m *Metrics) RecordCallbackPanic() {
	m.CallbackPanics.Inc()
}

// SetPortsInUse sets the allocated port gauge.
func (m *Metrics) SetPortsInUse(n int) {
	m.PortsInUse.Set(float64(n))
}

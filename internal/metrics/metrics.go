// Package metrics provides Prometheus metrics for the SPCM remote-control
// client and emulator.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "spcm"
)

// Data types used as the "type" label of the byte counters.
const (
	DataControl = "control"
	DataImage   = "image"
	DataTrace   = "trace"
)

// Metrics contains all Prometheus metrics for a client or emulator process.
type Metrics struct {
	// Session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter
	Disconnects    *prometheus.CounterVec

	// Command metrics
	Commands       *prometheus.CounterVec
	CommandLatency prometheus.Histogram

	// Data transfer metrics
	BytesSent     *prometheus.CounterVec
	BytesReceived *prometheus.CounterVec

	// Handshake metrics
	HandshakeLatency prometheus.Histogram
	HandshakeErrors  *prometheus.CounterVec

	// Discovery metrics
	DiscoveryAttempts prometheus.Counter
	DiscoveryResults  *prometheus.CounterVec
	ProbeFailures     prometheus.Counter

	// Side-channel metrics
	TransfersActive prometheus.Gauge
	Transfers       *prometheus.CounterVec
	TransferLatency *prometheus.HistogramVec

	// Emulator metrics
	ServerCommands *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		// Session metrics
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently established sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of sessions established",
		}),
		Disconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Total session terminations by reason",
		}, []string{"reason"}),

		// Command metrics
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total commands issued by outcome",
		}, []string{"outcome"}),
		CommandLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_latency_seconds",
			Help:      "Histogram of command round-trip latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		// Data transfer metrics
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent by type",
		}, []string{"type"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received by type",
		}, []string{"type"}),

		// Handshake metrics
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of key exchange latency",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total handshake errors by type",
		}, []string{"error_type"}),

		// Discovery metrics
		DiscoveryAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_attempts_total",
			Help:      "Total mDNS discovery sweeps",
		}),
		DiscoveryResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_results_total",
			Help:      "Total discovery runs by result",
		}, []string{"result"}),
		ProbeFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_failures_total",
			Help:      "Total reachability probes that failed",
		}),

		// Side-channel metrics
		TransfersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "transfers_active",
			Help:      "Number of side-channel listeners awaiting a payload",
		}),
		Transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Total side-channel transfers by kind and result",
		}, []string{"kind", "result"}),
		TransferLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transfer_duration_seconds",
			Help:      "Histogram of side-channel transfer duration",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"kind"}),

		// Emulator metrics
		ServerCommands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_commands_total",
			Help:      "Total commands handled by the emulated server by verb",
		}, []string{"verb"}),
	}

	return m
}

// RecordSessionOpen records a newly established session.
func (m *Metrics) RecordSessionOpen() {
	m.SessionsActive.Inc()
	m.SessionsTotal.Inc()
}

// RecordSessionClose records a session termination.
func (m *Metrics) RecordSessionClose(reason string) {
	m.SessionsActive.Dec()
	m.Disconnects.WithLabelValues(reason).Inc()
}

// RecordCommand records a completed command round trip.
func (m *Metrics) RecordCommand(outcome string, latencySeconds float64) {
	m.Commands.WithLabelValues(outcome).Inc()
	m.CommandLatency.Observe(latencySeconds)
}

// RecordBytesSent records bytes sent.
func (m *Metrics) RecordBytesSent(dataType string, bytes int) {
	m.BytesSent.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordBytesReceived records bytes received.
func (m *Metrics) RecordBytesReceived(dataType string, bytes int) {
	m.BytesReceived.WithLabelValues(dataType).Add(float64(bytes))
}

// RecordHandshake records a successful handshake.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordHandshakeError records a handshake error.
func (m *Metrics) RecordHandshakeError(errorType string) {
	m.HandshakeErrors.WithLabelValues(errorType).Inc()
}

// RecordDiscoveryAttempt records one browse sweep.
func (m *Metrics) RecordDiscoveryAttempt() {
	m.DiscoveryAttempts.Inc()
}

// RecordDiscoveryResult records the result of a whole discovery run.
func (m *Metrics) RecordDiscoveryResult(found bool) {
	result := "not_found"
	if found {
		result = "found"
	}
	m.DiscoveryResults.WithLabelValues(result).Inc()
}

// RecordProbeFailure records a failed reachability probe.
func (m *Metrics) RecordProbeFailure() {
	m.ProbeFailures.Inc()
}

// RecordTransferStart records a side-channel listener being opened.
func (m *Metrics) RecordTransferStart() {
	m.TransfersActive.Inc()
}

// RecordTransferEnd records a finished side-channel transfer.
func (m *Metrics) RecordTransferEnd(kind, result string, durationSeconds float64) {
	m.TransfersActive.Dec()
	m.Transfers.WithLabelValues(kind, result).Inc()
	m.TransferLatency.WithLabelValues(kind).Observe(durationSeconds)
}

// RecordServerCommand records a command handled by the emulated server.
func (m *Metrics) RecordServerCommand(verb string) {
	m.ServerCommands.WithLabelValues(verb).Inc()
}

// Package metrics exposes protocol counters in Prometheus format.
//
// A nil *Metrics is valid and records nothing, so callers never need to
// check whether metrics are enabled.
package metrics

import (
	"errors"
	"io"
	"net/http"

	"github.com/goodieshq/goclust/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "goclust"

type Metrics struct {
	registry *prometheus.Registry

	Connections     prometheus.Gauge
	Handshakes      *prometheus.CounterVec
	FlagsReceived   *prometheus.CounterVec
	FlagsUnhandled  *prometheus.CounterVec
	TransferBytes   *prometheus.CounterVec
	ConnectionFails *prometheus.CounterVec
}

// New creates the protocol collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Connections currently being served",
		}),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Completed and failed handshakes by role",
		}, []string{"role", "result"}),
		FlagsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "flags_received_total",
			Help:      "Flags read by the dispatcher",
		}, []string{"flag"}),
		FlagsUnhandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatcher",
			Name:      "flags_unhandled_total",
			Help:      "Valid flags the dispatcher has no route for",
		}, []string{"flag"}),
		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfer",
			Name:      "bytes_total",
			Help:      "Content bytes moved by byte-stream transfers",
		}, []string{"direction"}),
		ConnectionFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_failures_total",
			Help:      "Connections ended by an error, by kind",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		m.Connections,
		m.Handshakes,
		m.FlagsReceived,
		m.FlagsUnhandled,
		m.TransferBytes,
		m.ConnectionFails,
	)
	return m
}

// Handler serves the registry on /metrics
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the current values to path in the text format read by
// the node_exporter textfile collector. The file is replaced atomically.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) ConnClosed(err error) {
	if m == nil {
		return
	}
	m.Connections.Dec()
	if err != nil {
		m.ConnectionFails.WithLabelValues(ErrorKind(err)).Inc()
	}
}

func (m *Metrics) Handshake(role string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Handshakes.WithLabelValues(role, result).Inc()
}

func (m *Metrics) FlagReceived(flag protocol.Flag) {
	if m == nil {
		return
	}
	m.FlagsReceived.WithLabelValues(flag.String()).Inc()
}

func (m *Metrics) FlagUnhandled(flag protocol.Flag) {
	if m == nil {
		return
	}
	m.FlagsUnhandled.WithLabelValues(flag.String()).Inc()
}

// Transferred counts content bytes; direction is "in" or "out"
func (m *Metrics) Transferred(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.TransferBytes.WithLabelValues(direction).Add(float64(n))
}

// ErrorKind buckets a connection error for the failure counter
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, protocol.ErrUnknownFlag):
		return "unknown_flag"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return "eof"
	case errors.Is(err, protocol.ErrIO):
		return "io"
	case errors.Is(err, protocol.ErrMagicMismatch):
		return "magic_mismatch"
	case errors.Is(err, protocol.ErrInvalidPath):
		return "invalid_path"
	default:
		return "other"
	}
}

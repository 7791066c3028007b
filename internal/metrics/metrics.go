// Package metrics holds the Prometheus collectors for channel traffic and
// flow control.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chanmux"

// Registry is the registry all chanmux collectors are registered on.
var Registry = prometheus.NewRegistry()

var (
	// FramesSent counts outbound connection-protocol messages by type.
	FramesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_sent_total",
		Help:      "Connection-protocol messages written to the link, by message type.",
	}, []string{"type"})

	// FramesReceived counts inbound connection-protocol messages by type.
	FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_received_total",
		Help:      "Connection-protocol messages read from the link, by message type.",
	}, []string{"type"})

	BytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "link_bytes_sent_total",
		Help:      "Bytes written to links.",
	})

	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "link_bytes_received_total",
		Help:      "Bytes read from links.",
	})

	// FramesDropped counts inbound data frames discarded because they
	// exceeded the granted window or arrived after EOF.
	FramesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_frames_dropped_total",
		Help:      "Inbound data frames dropped by flow control.",
	})

	WindowStalls = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_window_stalls_total",
		Help:      "Writes that stopped on an exhausted outgoing window.",
	})

	WindowAdjusts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "channel_window_adjusts_total",
		Help:      "Window adjusts sent to peers.",
	})

	TransportDrains = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "link_drains_total",
		Help:      "Times an outbound queue fell back below its low-water mark.",
	})

	OpenChannels = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "channels_open",
		Help:      "Channels currently registered on a connection.",
	})

	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_open",
		Help:      "Connections currently running.",
	})

	KeepaliveTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "keepalive_timeouts_total",
		Help:      "Connections closed because keepalives went unanswered.",
	})

	// AuditDropped counts audit records discarded because the writer fell
	// behind.
	AuditDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_records_dropped_total",
		Help:      "Audit records dropped on a full write queue.",
	})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		FramesSent,
		FramesReceived,
		BytesSent,
		BytesReceived,
		FramesDropped,
		WindowStalls,
		WindowAdjusts,
		TransportDrains,
		OpenChannels,
		Connections,
		KeepaliveTimeouts,
		AuditDropped,
	)
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

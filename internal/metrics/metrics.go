// Package metrics exposes Prometheus collectors for a running Session.
// It has no dependency on internal/http2, so the engine package stays free
// to be used without a metrics registry wired up at all.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SessionMetrics groups the collectors for one Session. The Session updates
// the stream open/total/high-water collectors and the GOAWAY counter; the
// window, byte and PING RTT collectors are registered but not updated by the
// engine. Each Session should construct its own SessionMetrics (or share
// one registered with connection-labeled vectors) and call the update
// methods from its own goroutines; the underlying Prometheus types are
// already safe for concurrent use.
type SessionMetrics struct {
	StreamsOpen      prometheus.Gauge
	StreamsTotal     prometheus.Counter
	StreamsHighWater prometheus.Gauge
	SessionSendWindow prometheus.Gauge
	SessionRecvWindow prometheus.Gauge
	BytesWrittenTotal prometheus.Counter
	BytesReadTotal    prometheus.Counter
	GoAwayTotal       *prometheus.CounterVec
	PingRTT           prometheus.Histogram
}

// NewSessionMetrics builds a SessionMetrics with collectors registered
// under reg. Pass prometheus.NewRegistry() for an isolated registry (tests,
// multiple sessions sharing a process) or prometheus.DefaultRegisterer to
// expose them on the process-wide /metrics endpoint.
func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		StreamsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "h2session",
			Name:      "streams_open",
			Help:      "Number of HTTP/2 streams currently open on this session.",
		}),
		StreamsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "h2session",
			Name:      "streams_total",
			Help:      "Total number of HTTP/2 streams created on this session.",
		}),
		StreamsHighWater: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "h2session",
			Name:      "streams_high_water",
			Help:      "Highest number of concurrently open streams observed on this session.",
		}),
		SessionSendWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "h2session",
			Name:      "session_send_window_bytes",
			Help:      "Current connection-level send flow-control window, in bytes.",
		}),
		SessionRecvWindow: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "h2session",
			Name:      "session_recv_window_bytes",
			Help:      "Current connection-level receive flow-control window, in bytes.",
		}),
		BytesWrittenTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "h2session",
			Name:      "bytes_written_total",
			Help:      "Total DATA payload bytes written to the transport.",
		}),
		BytesReadTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "h2session",
			Name:      "bytes_read_total",
			Help:      "Total DATA payload bytes read from the transport.",
		}),
		GoAwayTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "h2session",
			Name:      "goaway_total",
			Help:      "Total GOAWAY frames sent or received, labeled by error code.",
		}, []string{"code", "direction"}),
		PingRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "h2session",
			Name:      "ping_rtt_seconds",
			Help:      "Observed PING round-trip time.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.StreamsOpen,
			m.StreamsTotal,
			m.StreamsHighWater,
			m.SessionSendWindow,
			m.SessionRecvWindow,
			m.BytesWrittenTotal,
			m.BytesReadTotal,
			m.GoAwayTotal,
			m.PingRTT,
		)
	}
	return m
}

// RecordStreamOpened updates the open/total/high-water gauges for a newly
// created stream. current is the session's post-creation open-stream count.
func (m *SessionMetrics) RecordStreamOpened(current int) {
	if m == nil {
		return
	}
	m.StreamsOpen.Set(float64(current))
	m.StreamsTotal.Inc()
}

// RecordStreamClosed updates the open-stream gauge after a stream is
// removed. current is the session's post-removal open-stream count.
func (m *SessionMetrics) RecordStreamClosed(current int) {
	if m == nil {
		return
	}
	m.StreamsOpen.Set(float64(current))
}

// RecordHighWater reports a new high-water mark for concurrently open
// streams.
func (m *SessionMetrics) RecordHighWater(value int) {
	if m == nil {
		return
	}
	m.StreamsHighWater.Set(float64(value))
}

// RecordGoAway increments the GOAWAY counter for the given error code and
// direction ("sent" or "received").
func (m *SessionMetrics) RecordGoAway(code uint32, direction string) {
	if m == nil {
		return
	}
	m.GoAwayTotal.WithLabelValues(formatCode(code), direction).Inc()
}

func formatCode(code uint32) string {
	switch code {
	case 0x0:
		return "NO_ERROR"
	case 0x1:
		return "PROTOCOL_ERROR"
	case 0x2:
		return "INTERNAL_ERROR"
	case 0x3:
		return "FLOW_CONTROL_ERROR"
	case 0x4:
		return "SETTINGS_TIMEOUT"
	case 0x5:
		return "STREAM_CLOSED"
	case 0x6:
		return "FRAME_SIZE_ERROR"
	case 0x7:
		return "REFUSED_STREAM"
	case 0x8:
		return "CANCEL"
	case 0x9:
		return "COMPRESSION_ERROR"
	case 0xa:
		return "CONNECT_ERROR"
	case 0xb:
		return "ENHANCE_YOUR_CALM"
	case 0xc:
		return "INADEQUATE_SECURITY"
	case 0xd:
		return "HTTP_1_1_REQUIRED"
	default:
		return "UNKNOWN"
	}
}

// Package metrics wraps the Prometheus collectors exposed by the example
// msgserver binary, following the Registry/promauto shape go-server-3 uses.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry wraps every Prometheus collector the example server reports.
type Registry struct {
	ActiveConnections prometheus.Gauge

	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	SigningFailures  prometheus.Counter

	ChunksReassembled   prometheus.Counter
	ChunkBuffersEvicted prometheus.Counter

	ConversationDuration    *prometheus.HistogramVec
	ConversationsByTerminal *prometheus.CounterVec

	ProcessCPUPercent prometheus.Gauge
	ProcessRSSBytes   prometheus.Gauge
}

// NewRegistry constructs and registers every collector against the default
// Prometheus registerer.
func NewRegistry() *Registry {
	return &Registry{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "phnq_message_connections_active",
			Help: "Number of active MessageConnections (socket or pubsub backed).",
		}),
		MessagesSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "phnq_message_messages_sent_total",
			Help: "Total number of wire messages sent.",
		}),
		MessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "phnq_message_messages_received_total",
			Help: "Total number of wire messages received.",
		}),
		SigningFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "phnq_message_signature_failures_total",
			Help: "Total number of inbound messages dropped for failing signature verification.",
		}),
		ChunksReassembled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "phnq_message_chunks_reassembled_total",
			Help: "Total number of logical messages reassembled from chunk frames.",
		}),
		ChunkBuffersEvicted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "phnq_message_chunk_buffers_evicted_total",
			Help: "Total number of partial chunk buffers evicted before completion (capacity or TTL).",
		}),
		ConversationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "phnq_message_conversation_duration_seconds",
			Help:    "Duration of conversations from first send to teardown.",
			Buckets: prometheus.DefBuckets,
		}, []string{"perspective"}),
		ConversationsByTerminal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "phnq_message_conversations_total",
			Help: "Total number of conversations, labeled by how they ended.",
		}, []string{"perspective", "terminal_type"}),
		ProcessCPUPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "phnq_message_process_cpu_percent",
			Help: "Process CPU utilization percent, sampled periodically.",
		}),
		ProcessRSSBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "phnq_message_process_rss_bytes",
			Help: "Process resident set size in bytes, sampled periodically.",
		}),
	}
}

// Handler returns an HTTP handler exposing metrics in the Prometheus text
// exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveConversation records a completed conversation's duration and
// terminal message type, keyed by which side of the conversation this
// process was on.
func (r *Registry) ObserveConversation(perspective, terminalType string, duration time.Duration) {
	r.ConversationDuration.WithLabelValues(perspective).Observe(duration.Seconds())
	r.ConversationsByTerminal.WithLabelValues(perspective, terminalType).Inc()
}

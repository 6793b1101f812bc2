package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "together_chat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "together_chat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Timeline metrics
	MessagesAdmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "together_chat_messages_admitted_total",
			Help: "Messages accepted into a session timeline",
		},
		[]string{"source"}, // "history", "live", "local", "initial"
	)

	MessagesSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "together_chat_messages_suppressed_total",
			Help: "Duplicate deliveries suppressed by the dedup index",
		},
		[]string{"source"},
	)

	PayloadsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "together_chat_payloads_dropped_total",
			Help: "Malformed upstream payloads dropped during normalization",
		},
		[]string{"kind"}, // "message" or "participant"
	)

	// Outbound metrics
	OutboxEnqueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "together_chat_outbox_enqueued_total",
			Help: "Drafts buffered while the transport was unavailable",
		},
	)

	OutboxFlushed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "together_chat_outbox_flushed_total",
			Help: "Buffered drafts delivered on reconnect",
		},
	)

	SendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "together_chat_send_failures_total",
			Help: "Transport send attempts that failed",
		},
	)

	// Room resolution metrics
	RoomResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "together_chat_room_resolutions_total",
			Help: "Room resolutions by outcome",
		},
		[]string{"outcome"}, // "cached", "shared", "matched", "created", "failed"
	)

	MemberJoinFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "together_chat_member_join_failures_total",
			Help: "Background membership registrations that failed",
		},
	)

	// Session metrics
	SessionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "together_chat_sessions_open",
			Help: "Chat sessions currently registered",
		},
	)

	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "together_chat_upstream_latency_seconds",
			Help:    "Upstream conversation service call latency",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"operation"},
	)
)

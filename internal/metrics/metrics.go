package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l2dchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "l2dchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Connection metrics
	ConnectionStates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l2dchat_connection_state_changes_total",
			Help: "Connection state transitions",
		},
		[]string{"state"},
	)

	ReconnectAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "l2dchat_reconnect_attempts_total",
			Help: "Scheduled reconnect attempts",
		},
	)

	RetriesExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "l2dchat_reconnect_exhausted_total",
			Help: "Times the reconnect budget ran out",
		},
	)

	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l2dchat_messages_received_total",
			Help: "Inbound messages by outcome",
		},
		[]string{"outcome"}, // "accepted", "duplicate", "historical", "decode_error"
	)

	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l2dchat_messages_sent_total",
			Help: "Outbound messages",
		},
		[]string{"message_type"}, // "chat" or "motion"
	)

	// Messenger metrics
	MessengerClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "l2dchat_messenger_clients",
			Help: "Registered messenger endpoints",
		},
	)

	MessengerCommands = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l2dchat_messenger_commands_total",
			Help: "Messenger commands handled",
		},
		[]string{"command"},
	)

	MessengerDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "l2dchat_messenger_endpoints_dropped_total",
			Help: "Endpoints removed after a failed delivery",
		},
	)

	// Render recovery metrics
	RenderFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l2dchat_render_failures_total",
			Help: "Render thread failures by stage",
		},
		[]string{"stage"},
	)

	ThreadRestarts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "l2dchat_render_thread_restarts_total",
			Help: "Render thread restarts",
		},
	)

	PipelineResets = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "l2dchat_render_pipeline_resets_total",
			Help: "Render pipeline resets",
		},
		[]string{"reason"},
	)

	ModelLoadFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "l2dchat_model_load_failures_total",
			Help: "Model load failures",
		},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "l2dchat_store_latency_seconds",
			Help:    "Key-value store operation latency",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		},
		[]string{"backend", "op"},
	)
)

// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// LLMStreamDuration tracks LLM streaming response duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// NATSStreamMessages tracks messages in NATS stream.
	NATSStreamMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_messages",
			Help: "Number of messages in NATS stream",
		},
		[]string{"stream"},
	)

	// NATSStreamBytes tracks bytes in NATS stream.
	NATSStreamBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_stream_bytes",
			Help: "Bytes in NATS stream",
		},
		[]string{"stream"},
	)

	// NATSConsumerPending tracks pending messages for consumers.
	NATSConsumerPending = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nats_consumer_pending",
			Help: "Pending messages for NATS consumer",
		},
		[]string{"stream", "consumer"},
	)

	// ActiveStreams tracks stream producers currently running.
	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_streams_active",
			Help: "Number of running stream producers",
		},
	)

	// RegistrySize tracks channels held by the stream registry.
	RegistrySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_stream_registry_size",
			Help: "Number of channels held by the stream registry",
		},
	)

	// CompletionsTotal tracks begin-completion outcomes.
	CompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_completions_total",
			Help: "Begin-completion requests by outcome",
		},
		[]string{"outcome"},
	)

	// FinalizationsTotal tracks finalize transitions.
	FinalizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_finalizations_total",
			Help: "Finalize transitions by result",
		},
		[]string{"result"},
	)

	// QuotaDenialsTotal tracks reservations denied by tier limits.
	QuotaDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_denials_total",
			Help: "Quota reservations denied",
		},
		[]string{"kind"},
	)

	// QuotaCompensationsTotal tracks compensating decrements.
	QuotaCompensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_compensations_total",
			Help: "Compensating quota decrements",
		},
		[]string{"kind"},
	)

	// ProviderErrorsTotal tracks upstream model failures.
	ProviderErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_provider_errors_total",
			Help: "Upstream model errors",
		},
		[]string{"provider"},
	)

	// ToolCallsTotal tracks tool invocations.
	ToolCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_calls_total",
			Help: "Tool invocations by tool and status",
		},
		[]string{"tool", "status"},
	)

	// RelayChunksDropped counts chunks not mirrored to the relay because its
	// queue was full.
	RelayChunksDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_stream_relay_dropped_total",
			Help: "Chunks dropped from the relay queue",
		},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordLLMStream records metrics for an LLM streaming response.
func RecordLLMStream(model, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}

// RecordCompletion records the outcome of a begin-completion request.
func RecordCompletion(outcome string) {
	CompletionsTotal.WithLabelValues(outcome).Inc()
}

// RecordToolCall records one tool invocation.
func RecordToolCall(tool string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ToolCallsTotal.WithLabelValues(tool, status).Inc()
}

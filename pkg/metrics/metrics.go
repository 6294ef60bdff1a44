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

	// AgentRunDuration tracks end-to-end agent run duration.
	AgentRunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_run_duration_seconds",
			Help:    "Agent run duration including tool round trips",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"provider", "status"},
	)

	// AgentRunSteps tracks model round trips per run.
	AgentRunSteps = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agent_run_steps",
			Help:    "Model round trips taken by an agent run",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	// ToolExecutionsTotal tracks tool invocations by outcome.
	ToolExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tool_executions_total",
			Help: "Total tool executions",
		},
		[]string{"tool", "outcome"},
	)

	// ToolExecutionDuration tracks tool execution duration.
	ToolExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tool_execution_duration_seconds",
			Help:    "Tool execution duration",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"tool"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"provider", "direction"},
	)

	// ProviderRetriesTotal tracks retried provider calls.
	ProviderRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_retries_total",
			Help: "Provider calls retried after transient failure",
		},
		[]string{"provider"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// PersistenceFailuresTotal tracks background transcript save failures.
	PersistenceFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persistence_failures_total",
			Help: "Background transcript persistence failures",
		},
		[]string{"tenant_id"},
	)

	// ConversationsTotal tracks total conversations created.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
		[]string{"tenant_id"},
	)

	// MessagesTotal tracks total messages persisted.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"tenant_id", "role"},
	)

	// WorkflowRunsTotal tracks workflow executions.
	WorkflowRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflow_runs_total",
			Help: "Total workflow runs",
		},
		[]string{"pattern", "status"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordAgentRun records metrics for a completed agent run.
func RecordAgentRun(provider, status string, duration float64, steps, tokensIn, tokensOut int) {
	AgentRunDuration.WithLabelValues(provider, status).Observe(duration)
	AgentRunSteps.Observe(float64(steps))
	LLMTokensTotal.WithLabelValues(provider, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(provider, "out").Add(float64(tokensOut))
}

// RecordToolExecution records metrics for one tool invocation.
func RecordToolExecution(tool, outcome string, duration float64) {
	ToolExecutionsTotal.WithLabelValues(tool, outcome).Inc()
	ToolExecutionDuration.WithLabelValues(tool).Observe(duration)
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}

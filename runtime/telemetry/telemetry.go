// Package telemetry defines the logging, metrics, and tracing seams used
// across the gateway runtime.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger captures structured logging used throughout the runtime.
// Implementations typically delegate to Clue but the interface is small
// enough for tests to stub.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics exposes counter and histogram helpers for runtime instrumentation.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer abstracts span creation so runtime code stays agnostic of the
// underlying OpenTelemetry provider.
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span is an in-flight tracing span.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}

// Metric names recorded by the gateway. Kept in one place so dashboards and
// alerts do not chase renamed strings.
const (
	MetricInboundMessages   = "driveline_inbound_messages_total"
	MetricOutboundMessages  = "driveline_outbound_messages_total"
	MetricWebhookRejected   = "driveline_webhook_rejected_total"
	MetricModelLatency      = "driveline_model_latency_seconds"
	MetricRetrievalLatency  = "driveline_retrieval_latency_seconds"
	MetricApprovalsCreated  = "driveline_approvals_created_total"
	MetricApprovalsDecided  = "driveline_approvals_decided_total"
	MetricHandoffs          = "driveline_handoffs_total"
	MetricScheduledSends    = "driveline_scheduled_sends_total"
	MetricTasksRun          = "driveline_tasks_run_total"
	MetricEmbeddingsBuilt   = "driveline_embeddings_built_total"
	MetricConversationTurns = "driveline_conversation_turns_total"
)

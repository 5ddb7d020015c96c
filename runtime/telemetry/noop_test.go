package telemetry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"

	"github.com/driveline-ai/driveline/runtime/telemetry"
)

func TestNoopLogger(_ *testing.T) {
	ctx := context.Background()
	logger := telemetry.NewNoopLogger()

	logger.Debug(ctx, "debug message", "key", "value")
	logger.Info(ctx, "info message", "key", "value")
	logger.Warn(ctx, "warn message", "key", "value")
	logger.Error(ctx, "error message", "key", "value")
}

func TestNoopMetrics(_ *testing.T) {
	metrics := telemetry.NewNoopMetrics()

	metrics.IncCounter(telemetry.MetricInboundMessages, 1.0, "provider", "twilio")
	metrics.RecordTimer(telemetry.MetricModelLatency, 100*time.Millisecond, "model", "gpt-4o")
	metrics.RecordGauge("queue.depth", 42.0)
}

func TestNoopTracer(t *testing.T) {
	ctx := context.Background()
	tracer := telemetry.NewNoopTracer()

	newCtx, span := tracer.Start(ctx, "inbound.process")
	require.Equal(t, ctx, newCtx)
	require.NotNil(t, span)

	span.AddEvent("retrieval.done", "vehicles", 3)
	span.SetStatus(codes.Ok, "completed")
	span.RecordError(errors.New("test error"))
	span.End()

	require.NotNil(t, tracer.Span(ctx))
}

func TestClueLoggerDoesNotPanicWithoutContext(_ *testing.T) {
	// Clue falls back to defaults when the context carries no log
	// configuration.
	logger := telemetry.NewClueLogger()
	logger.Info(context.Background(), "startup", "component", "gateway")
	logger.Warn(context.Background(), "odd pairs", "only-key")
}

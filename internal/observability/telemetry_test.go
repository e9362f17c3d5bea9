package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewLoggerLevelAndFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "volley-sync", "warn")

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "volley-sync", entry["app"])
}

func TestLoggerWithTraceAddsIdentifiers(t *testing.T) {
	provider := sdktrace.NewTracerProvider()
	defer provider.Shutdown(context.Background())

	ctx, span := provider.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	var buf bytes.Buffer
	traced := LoggerWithTrace(ctx, zerolog.New(&buf))
	traced.Info().Msg("traced")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, span.SpanContext().TraceID().String(), entry["trace_id"])

	buf.Reset()
	plain := LoggerWithTrace(context.Background(), zerolog.New(&buf))
	plain.Info().Msg("plain")
	assert.NotContains(t, buf.String(), "trace_id")
}

func TestRegisterRuntimeCollectorsTwice(t *testing.T) {
	assert.NotPanics(t, func() {
		RegisterRuntimeCollectors()
		RegisterRuntimeCollectors()
	})
}

func TestStartWithoutExporters(t *testing.T) {
	shutdown, err := Start(context.Background(), Config{ServiceName: "test"}, zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

// ABOUTME: Tests for tracer provider setup and span helpers
// ABOUTME: Uses the stdout exporter writing into a buffer

package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestManager_DisabledInstallsNothing(t *testing.T) {
	m := NewManager(Config{Enabled: false}, nil)
	require.NoError(t, m.Init(t.Context()))
	assert.Nil(t, m.Provider())
	assert.NoError(t, m.Shutdown(t.Context()))
}

func TestManager_StdoutExporter(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var buf bytes.Buffer
	m := NewManager(Config{Enabled: true, Exporter: ExporterStdout, Writer: &buf}, nil)
	require.NoError(t, m.Init(t.Context()))
	require.NotNil(t, m.Provider())

	_, span := otel.Tracer("test").Start(context.Background(), "huddle.test-span")
	span.End()

	require.NoError(t, m.Shutdown(t.Context()))
	assert.Contains(t, buf.String(), "huddle.test-span")
	assert.Contains(t, buf.String(), "huddle-gateway")
}

func TestManager_UnknownExporter(t *testing.T) {
	m := NewManager(Config{Enabled: true, Exporter: "zipkin"}, nil)
	err := m.Init(t.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "zipkin")
}

func TestManager_ClampsSampleRate(t *testing.T) {
	m := NewManager(Config{SampleRate: 7}, nil)
	assert.Equal(t, 1.0, m.cfg.SampleRate)
}

func TestRecordError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	assert.NotEmpty(t, TraceID(ctx))
	RecordError(ctx, errors.New("boom"))
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "boom", ended[0].Status().Description)
	require.Len(t, ended[0].Events(), 1)
	assert.Equal(t, "exception", ended[0].Events()[0].Name)
}

func TestTraceID_NoSpan(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
	RecordError(context.Background(), errors.New("ignored"))
}

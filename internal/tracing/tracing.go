// ABOUTME: OpenTelemetry tracer provider setup for huddle-gateway
// ABOUTME: Installs a stdout or OTLP/HTTP exporter globally and shuts it down cleanly

package tracing

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Exporter names.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config selects where spans go.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Exporter       string // stdout, otlp
	Endpoint       string // host:port of an OTLP/HTTP collector
	SampleRate     float64
	Writer         io.Writer // stdout exporter destination; nil means os.Stdout
}

// Manager owns the tracer provider for the process.
type Manager struct {
	cfg      Config
	logger   *slog.Logger
	provider *sdktrace.TracerProvider
}

// NewManager creates a tracing manager. Nothing is installed until Init.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "huddle-gateway"
	}
	if cfg.SampleRate <= 0 || cfg.SampleRate > 1 {
		cfg.SampleRate = 1
	}
	return &Manager{cfg: cfg, logger: logger.With("component", "tracing")}
}

// Init builds the exporter and installs the provider globally.
// With tracing disabled the global no-op provider stays in place.
func (m *Manager) Init(ctx context.Context) error {
	if !m.cfg.Enabled {
		m.logger.Debug("tracing disabled")
		return nil
	}

	attrs := []attribute.KeyValue{attribute.String("service.name", m.cfg.ServiceName)}
	if m.cfg.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", m.cfg.ServiceVersion))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return fmt.Errorf("creating resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch m.cfg.Exporter {
	case ExporterOTLP:
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if m.cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(m.cfg.Endpoint))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
		if err != nil {
			return fmt.Errorf("creating OTLP HTTP exporter: %w", err)
		}
	case ExporterStdout, "":
		opts := []stdouttrace.Option{}
		if m.cfg.Writer != nil {
			opts = append(opts, stdouttrace.WithWriter(m.cfg.Writer))
		}
		exporter, err = stdouttrace.New(opts...)
		if err != nil {
			return fmt.Errorf("creating stdout exporter: %w", err)
		}
	default:
		return fmt.Errorf("unknown trace exporter %q", m.cfg.Exporter)
	}

	m.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(m.cfg.SampleRate))),
	)
	otel.SetTracerProvider(m.provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	m.logger.Info("tracing initialized",
		"exporter", m.cfg.Exporter,
		"endpoint", m.cfg.Endpoint,
		"sample_rate", m.cfg.SampleRate,
	)
	return nil
}

// Provider returns the installed provider, or nil when tracing is disabled.
func (m *Manager) Provider() *sdktrace.TracerProvider {
	return m.provider
}

// Shutdown flushes pending spans and stops the provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.provider == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down tracer provider: %w", err)
	}
	m.logger.Info("tracing shut down")
	return nil
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	span := oteltrace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err, oteltrace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// TraceID returns the trace id in ctx, or "" when there is none.
func TraceID(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config holds tracing configuration
type Config struct {
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
	Enabled        bool    `json:"enabled"`
}

// DefaultConfig returns default tracing configuration
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "agentctx",
		ServiceVersion: "dev",
		JaegerEndpoint: "http://localhost:14268/api/traces",
		SamplingRate:   1.0,
		Enabled:        false,
	}
}

var noopTracer = noop.NewTracerProvider().Tracer("agentctx")

// TracingService manages spans for the core. A nil *TracingService produces
// no-op spans.
type TracingService struct {
	tracer   oteltrace.Tracer
	config   *Config
	provider *trace.TracerProvider
}

// NewTracingService creates a new tracing service
func NewTracingService(config *Config) (*TracingService, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &TracingService{
			tracer: noopTracer,
			config: config,
		}, nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(config.ServiceName),
			semconv.ServiceVersionKey.String(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(config.SamplingRate))),
	)

	return NewWithProvider(config, tp), nil
}

// NewWithProvider wraps an existing SDK provider, e.g. one backed by an
// in-memory span recorder.
func NewWithProvider(config *Config, tp *trace.TracerProvider) *TracingService {
	if config == nil {
		config = DefaultConfig()
	}
	return &TracingService{
		tracer:   tp.Tracer(config.ServiceName),
		config:   config,
		provider: tp,
	}
}

// Shutdown flushes and stops the provider
func (ts *TracingService) Shutdown(ctx context.Context) error {
	if ts != nil && ts.provider != nil {
		return ts.provider.Shutdown(ctx)
	}
	return nil
}

// StartSpan starts a new span
func (ts *TracingService) StartSpan(ctx context.Context, name string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	if ts == nil {
		return noopTracer.Start(ctx, name, opts...)
	}
	return ts.tracer.Start(ctx, name, opts...)
}

// StartComponentSpan starts an internal span named component.operation
func (ts *TracingService) StartComponentSpan(ctx context.Context, component, operation string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	attrs = append(attrs,
		attribute.String("agentctx.component", component),
		attribute.String("agentctx.operation", operation),
	)
	return ts.StartSpan(ctx, fmt.Sprintf("%s.%s", component, operation),
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
		oteltrace.WithAttributes(attrs...),
	)
}

// RecordError records an error in the span
func RecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

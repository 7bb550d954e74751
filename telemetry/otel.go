package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps dimension and provider execution in OpenTelemetry spans. It
// exports to stdout, which is sufficient for a library that doesn't own the
// host process's exporter configuration. NewTracer is the only constructor;
// it installs its stdout TracerProvider as the global provider, and no
// constructor takes a caller-supplied TracerProvider.
type Tracer struct {
	tracer         trace.Tracer
	traceProvider  *sdktrace.TracerProvider
	metrics        *MetricInstruments
	shutdownOnce   sync.Once
	mu             sync.RWMutex
	shutdown       bool
}

// NewTracer creates a Tracer exporting spans to stdout, tagged with
// serviceName in the resource attributes.
func NewTracer(serviceName string) (*Tracer, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("service name cannot be empty")
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
	}

	res := sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Tracer{
		tracer:        tp.Tracer("dimflow"),
		traceProvider: tp,
		metrics:       NewMetricInstruments("dimflow"),
	}, nil
}

// Span is the minimal span handle the engine operates on.
type Span interface {
	End()
	SetAttribute(key string, value interface{})
	RecordError(err error)
}

// StartDimensionSpan starts a span around one dimension execution, tagged
// with name/scope and, for section-scoped dimensions, the section index.
func (t *Tracer) StartDimensionSpan(ctx context.Context, dimension, scope string, sectionIndex int) (context.Context, Span) {
	ctx, span := t.start(ctx, "dimension.execute")
	span.SetAttribute("dimension.name", dimension)
	span.SetAttribute("dimension.scope", scope)
	if sectionIndex >= 0 {
		span.SetAttribute("dimension.section_index", sectionIndex)
	}
	return ctx, span
}

// StartProviderSpan starts a span around one provider invocation attempt.
func (t *Tracer) StartProviderSpan(ctx context.Context, provider string, attempt int) (context.Context, Span) {
	ctx, span := t.start(ctx, "provider.invoke")
	span.SetAttribute("provider.name", provider)
	span.SetAttribute("provider.attempt", attempt)
	return ctx, span
}

func (t *Tracer) start(ctx context.Context, name string) (context.Context, Span) {
	t.mu.RLock()
	if t.shutdown || t.tracer == nil {
		t.mu.RUnlock()
		return ctx, &noOpSpan{}
	}
	t.mu.RUnlock()

	ctx, span := t.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// Shutdown flushes and shuts down the underlying trace provider. Idempotent.
func (t *Tracer) Shutdown(ctx context.Context) (shutdownErr error) {
	t.shutdownOnce.Do(func() {
		t.mu.Lock()
		t.shutdown = true
		t.mu.Unlock()

		if t.traceProvider != nil {
			shutdownErr = t.traceProvider.Shutdown(ctx)
		}
	})
	return shutdownErr
}

type noOpSpan struct{}

func (s *noOpSpan) End()                                       {}
func (s *noOpSpan) SetAttribute(key string, value interface{}) {}
func (s *noOpSpan) RecordError(err error)                      {}

type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}

// RecordMetric records an arbitrary named metric, inferring counter vs.
// histogram from the name. Backs the package-level Emit API for metrics
// whose shape isn't known statically.
func (t *Tracer) RecordMetric(name string, value float64, labels map[string]string) {
	t.mu.RLock()
	if t.shutdown || t.metrics == nil {
		t.mu.RUnlock()
		return
	}
	t.mu.RUnlock()

	ctx := context.Background()
	var attrs []attribute.KeyValue
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}

	switch {
	case nameLooksLike(name, "duration", "latency", "time"):
		_ = t.metrics.RecordHistogram(ctx, name, value, metric.WithAttributes(attrs...))
	case nameLooksLike(name, "count", "total", "errors", "success"):
		_ = t.metrics.RecordCounter(ctx, name, int64(value), metric.WithAttributes(attrs...))
	default:
		_ = t.metrics.RecordHistogram(ctx, name, value, metric.WithAttributes(attrs...))
	}
}

// nameLooksLike reports whether name has any of substrings as a prefix or
// suffix, used to classify metric names emitted through the generic API.
func nameLooksLike(name string, substrings ...string) bool {
	for _, substr := range substrings {
		if len(name) >= len(substr) &&
			(name[len(name)-len(substr):] == substr || name[:len(substr)] == substr) {
			return true
		}
	}
	return false
}

// Metrics records duration histograms and outcome counters for dimensions
// (success/error/skip/timeout), provider invocations
// (success/failure/fallback/retry) and whole runs (success/failure). The
// values go only to the OpenTelemetry meter; nothing in the engine reads
// them back.
type Metrics struct {
	instruments *MetricInstruments
}

// NewMetrics creates a Metrics recorder sharing the given Tracer's
// instrument cache, or a fresh one if tracer is nil.
func NewMetrics(tracer *Tracer) *Metrics {
	if tracer != nil {
		return &Metrics{instruments: tracer.metrics}
	}
	return &Metrics{instruments: NewMetricInstruments("dimflow")}
}

// RecordDimensionOutcome records a dimension's duration and outcome.
func (m *Metrics) RecordDimensionOutcome(ctx context.Context, dimension string, d time.Duration, outcome string) {
	attrOpt := metric.WithAttributes(attribute.String("dimension", dimension), attribute.String("outcome", outcome))
	_ = m.instruments.RecordHistogram(ctx, MetricDimensionDuration, float64(d.Milliseconds()))

	switch outcome {
	case "success":
		_ = m.instruments.RecordCounter(ctx, MetricDimensionSuccess, 1, attrOpt)
	case "error":
		_ = m.instruments.RecordCounter(ctx, MetricDimensionError, 1, attrOpt)
	case "skip":
		_ = m.instruments.RecordCounter(ctx, MetricDimensionSkip, 1, attrOpt)
	case "timeout":
		_ = m.instruments.RecordCounter(ctx, MetricDimensionTimeout, 1, attrOpt)
	}
}

// RecordProviderOutcome records a provider invocation's duration and outcome.
func (m *Metrics) RecordProviderOutcome(ctx context.Context, provider string, d time.Duration, outcome string) {
	_ = m.instruments.RecordHistogram(ctx, MetricProviderDuration, float64(d.Milliseconds()))

	switch outcome {
	case "success":
		_ = m.instruments.RecordCounter(ctx, MetricProviderSuccess, 1)
	case "failure":
		_ = m.instruments.RecordCounter(ctx, MetricProviderFailure, 1)
	case "fallback":
		_ = m.instruments.RecordCounter(ctx, MetricProviderFallback, 1)
	case "retry":
		_ = m.instruments.RecordCounter(ctx, MetricProviderRetry, 1)
	}
}

// RecordRunOutcome records the whole run's duration and outcome.
func (m *Metrics) RecordRunOutcome(ctx context.Context, d time.Duration, succeeded bool) {
	_ = m.instruments.RecordHistogram(ctx, MetricRunDuration, float64(d.Milliseconds()))
	if succeeded {
		_ = m.instruments.RecordCounter(ctx, MetricRunSuccess, 1)
	} else {
		_ = m.instruments.RecordCounter(ctx, MetricRunFailure, 1)
	}
}

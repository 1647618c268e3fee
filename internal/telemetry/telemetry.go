// Package telemetry exports loop activity as OpenTelemetry traces.
// Export is opt-in: without OTEL_EXPORTER_OTLP_ENDPOINT in the
// environment nothing is wired up and the rest of the system runs
// untouched.
package telemetry

import (
	"context"
	"os"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"

	"autopilot/internal/loop"
)

// Exporter owns the tracer provider behind a loop observer.
type Exporter struct {
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewExporter builds an OTLP trace exporter if
// OTEL_EXPORTER_OTLP_ENDPOINT is set. Returns nil when unconfigured.
func NewExporter(ctx context.Context) (*Exporter, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if endpoint == "" {
		return nil, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(), // For local dev; make configurable
	)
	if err != nil {
		return nil, err
	}

	serviceName := os.Getenv("OTEL_SERVICE_NAME")
	if serviceName == "" {
		serviceName = "autopilot"
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	return &Exporter{
		provider: provider,
		tracer:   provider.Tracer("autopilot/loop"),
	}, nil
}

// Shutdown flushes buffered spans. Safe on a nil exporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	if e == nil {
		return nil
	}
	return e.provider.Shutdown(ctx)
}

// Observer returns a loop observer that records one span per run and
// one child span per task. Returns nil on a nil exporter so it can be
// passed straight to the loop's observer fan-out.
func (e *Exporter) Observer() loop.Observer {
	if e == nil {
		return nil
	}
	return &traceObserver{tracer: e.tracer}
}

// traceObserver maps loop events onto spans: a run span opened on
// Started and closed on Stopped, with task spans keyed by task ID
// hanging off it.
type traceObserver struct {
	tracer oteltrace.Tracer

	mu      sync.Mutex
	runCtx  context.Context
	runSpan oteltrace.Span
	tasks   map[string]oteltrace.Span
}

func (o *traceObserver) HandleEvent(e loop.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch e.Kind {
	case loop.EventStarted:
		o.runCtx, o.runSpan = o.tracer.Start(context.Background(), "loop.run",
			oteltrace.WithTimestamp(e.Time))
		o.tasks = make(map[string]oteltrace.Span)

	case loop.EventStopped:
		for id, span := range o.tasks {
			span.End(oteltrace.WithTimestamp(e.Time))
			delete(o.tasks, id)
		}
		if o.runSpan != nil {
			o.runSpan.End(oteltrace.WithTimestamp(e.Time))
			o.runSpan = nil
		}

	case loop.EventTaskAssigned:
		if o.runCtx == nil {
			return
		}
		_, span := o.tracer.Start(o.runCtx, "task.run",
			oteltrace.WithTimestamp(e.Time),
			oteltrace.WithAttributes(
				attribute.String("task.id", e.TaskID),
				attribute.String("session.id", e.SessionID),
			))
		o.tasks[e.TaskID] = span

	case loop.EventTaskCompleted:
		if span, ok := o.tasks[e.TaskID]; ok {
			span.SetStatus(codes.Ok, "")
			span.End(oteltrace.WithTimestamp(e.Time))
			delete(o.tasks, e.TaskID)
		}

	case loop.EventTaskFailed:
		if span, ok := o.tasks[e.TaskID]; ok {
			span.SetStatus(codes.Error, e.Message)
			span.End(oteltrace.WithTimestamp(e.Time))
			delete(o.tasks, e.TaskID)
		}

	case loop.EventError:
		if o.runSpan != nil {
			o.runSpan.AddEvent("error",
				oteltrace.WithTimestamp(e.Time),
				oteltrace.WithAttributes(attribute.String("message", e.Message)))
		}
	}
}

package tracing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Options configures the process tracer provider
type Options struct {
	ServiceName    string
	ServiceVersion string
	// SampleRatio is the fraction of root spans kept. Zero or less keeps all.
	SampleRatio float64
	// SpanLogger, when set, receives one debug line per finished span.
	SpanLogger *zerolog.Logger
	// Processors are added as-is, e.g. a span recorder in tests.
	Processors []sdktrace.SpanProcessor
}

var (
	providerMu sync.Mutex
	provider   *sdktrace.TracerProvider
)

// InitOpenTelemetry installs a tracer provider as the global one. A second
// call replaces the first provider after shutting it down.
func InitOpenTelemetry(opts Options) error {
	if opts.ServiceName == "" {
		opts.ServiceName = "ranya"
	}
	ratio := opts.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(opts.ServiceName)}
	if opts.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(opts.ServiceVersion))
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(attrs...))
	if err != nil {
		return err
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(res),
	}
	if opts.SpanLogger != nil {
		tpOpts = append(tpOpts, sdktrace.WithSyncer(&logExporter{logger: *opts.SpanLogger}))
	}
	for _, p := range opts.Processors {
		tpOpts = append(tpOpts, sdktrace.WithSpanProcessor(p))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	providerMu.Lock()
	previous := provider
	provider = tp
	providerMu.Unlock()

	otel.SetTracerProvider(tp)
	if previous != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = previous.Shutdown(ctx)
	}
	return nil
}

// ShutdownOpenTelemetry flushes and shuts down the installed provider
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.Lock()
	tp := provider
	provider = nil
	providerMu.Unlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span and stores its trace id in ctx when none is set,
// so log lines and spans share one id.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

// RecordError marks span as failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// logExporter writes finished spans to a zerolog logger
type logExporter struct {
	logger zerolog.Logger
}

func (e *logExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		ev := e.logger.Debug().
			Str("span", s.Name()).
			Str("trace_id", s.SpanContext().TraceID().String()).
			Dur("duration", s.EndTime().Sub(s.StartTime()))
		for _, kv := range s.Attributes() {
			ev = ev.Str(string(kv.Key), kv.Value.Emit())
		}
		if s.Status().Code == codes.Error {
			ev = ev.Str("error", s.Status().Description)
		}
		ev.Msg("Span finished")
	}
	return nil
}

func (e *logExporter) Shutdown(context.Context) error {
	return nil
}

package tracing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrAlreadyInitialized is returned by Init while a provider is installed.
var ErrAlreadyInitialized = errors.New("tracing already initialized")

// Options configures the process tracer provider.
type Options struct {
	ServiceName string
	// Export writes finished spans as JSON. Output defaults to stdout.
	Export bool
	Output io.Writer
	// SampleRatio in (0,1]. Zero samples everything.
	SampleRatio float64
}

var (
	providerMu sync.Mutex
	provider   *sdktrace.TracerProvider
)

// Init installs the global tracer provider. Shutdown must be called before
// Init can succeed again.
func Init(opts Options) error {
	providerMu.Lock()
	defer providerMu.Unlock()

	if provider != nil {
		return ErrAlreadyInitialized
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(opts.ServiceName)),
	)
	if err != nil {
		return fmt.Errorf("failed to build trace resource: %w", err)
	}

	ratio := opts.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	}

	if opts.Export {
		exportOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
		if opts.Output != nil {
			exportOpts = append(exportOpts, stdouttrace.WithWriter(opts.Output))
		}
		exporter, err := stdouttrace.New(exportOpts...)
		if err != nil {
			return fmt.Errorf("failed to create span exporter: %w", err)
		}
		// Synchronous export keeps span output ordered with log output.
		tpOpts = append(tpOpts, sdktrace.WithSyncer(exporter))
	}

	provider = sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(provider)
	return nil
}

// Shutdown flushes pending spans and uninstalls the provider. It is a no-op
// when tracing was never initialized.
func Shutdown(ctx context.Context) error {
	providerMu.Lock()
	tp := provider
	provider = nil
	providerMu.Unlock()

	if tp == nil {
		return nil
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
	return tp.Shutdown(ctx)
}

// Enabled reports whether a provider is installed.
func Enabled() bool {
	providerMu.Lock()
	defer providerMu.Unlock()
	return provider != nil
}

// StartSpan starts a span from the global provider. The span's trace id is
// copied into the context so loggers built with LoggerFromContext carry it.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))
	if GetTraceID(ctx) != "" {
		return ctx, span
	}
	if sc := span.SpanContext(); sc.IsValid() {
		ctx = WithTraceID(ctx, sc.TraceID().String())
	}
	return ctx, span
}

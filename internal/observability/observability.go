// Package observability installs the global tracer/meter providers
// busrpc and ingest pull their otel handles from via otel.Tracer. Those packages treat the global provider as
// a no-op until Init runs, the same deferred-activation posture the
// teacher's telemetry package gives internal/storage/dolt/store.go and
// internal/compact/haiku.go — both call telemetry.Tracer/telemetry.Meter
// unconditionally and only start emitting real spans once Init wires a
// real provider into the global registry.
package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config selects where spans/metrics go. The zero value is a fully
// valid "stdout only" configuration, matching the teacher's
// dev-default posture of tracing to the console until an operator
// points it at a collector.
type Config struct {
	ServiceName string
	// OTLPEndpoint, when set, routes traces to an OTLP/HTTP collector
	// at this host:port instead of stdout. Metrics have no OTLP
	// exporter in this module's dependency set and always go to
	// stdout, same as the reference's console-only metrics posture.
	OTLPEndpoint string
}

// Shutdown flushes and stops every provider Init installed.
type Shutdown func(context.Context) error

// Init installs global TracerProvider/MeterProvider instances. Every
// subsequent otel.Tracer/otel.Meter call anywhere in the process,
// including ones that already ran before Init (busrpc.NewServer,
// ingest.NewIngester), picks up the real provider automatically — the
// otel API's global registry forwards existing handles rather than
// requiring them to be re-acquired.
func Init(ctx context.Context, cfg Config, log *slog.Logger) (Shutdown, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "busd"
	}

	res, err := resource.New(ctx, resource.WithAttributes(attribute.String("service.name", cfg.ServiceName)))
	if err != nil {
		return nil, err
	}

	traceExporter, err := newTraceExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExporter, err := stdoutmetric.New()
	if err != nil {
		return nil, err
	}
	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(metricExporter, metric.WithInterval(30*time.Second))),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	log.Info("observability initialized", "service", cfg.ServiceName, "otlp_endpoint", cfg.OTLPEndpoint)

	return func(shutdownCtx context.Context) error {
		if err := tp.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return mp.Shutdown(shutdownCtx)
	}, nil
}

func newTraceExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	if cfg.OTLPEndpoint == "" {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
}

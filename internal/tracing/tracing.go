// Package tracing installs the OpenTelemetry tracer provider used by the
// classifier spans.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/banshee-data/signsync/internal/monitoring"
	"github.com/banshee-data/signsync/internal/version"
)

var log = monitoring.Component("tracing")

// Config selects the exporter.
type Config struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
	// SampleRatio is the fraction of traces kept; 0 or above 1 keeps all.
	SampleRatio float64
	Insecure    bool
}

// ShutdownFunc flushes and stops the provider.
type ShutdownFunc func(context.Context) error

// Init installs a batching OTLP/gRPC tracer provider. When disabled it
// leaves the global no-op provider in place and returns a no-op shutdown.
func Init(ctx context.Context, cfg Config) (ShutdownFunc, error) {
	if !cfg.Enabled || cfg.OTLPEndpoint == "" {
		log.Diag().Msg("tracing disabled")
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "signsync"
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	tp, err := newProvider(ctx, cfg, sdktrace.WithBatcher(exporter))
	if err != nil {
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.Ops().Str("endpoint", cfg.OTLPEndpoint).Str("service", cfg.ServiceName).Msg("tracing initialised")
	return tp.Shutdown, nil
}

func newProvider(ctx context.Context, cfg Config, export sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(version.Version),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return sdktrace.NewTracerProvider(
		export,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	), nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

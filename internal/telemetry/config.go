package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/nkkko/reviewfeed/internal/logging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Resource attribute keys describing what this process follows
const (
	BackendKey   = attribute.Key("reviewfeed.backend")
	TransportKey = attribute.Key("reviewfeed.transport")
)

// Config contains OpenTelemetry configuration
type Config struct {
	Enabled bool

	ServiceName    string
	ServiceVersion string

	// OTLP gRPC endpoint, e.g. localhost:4317
	Endpoint string

	SamplingRatio float64
	Timeout       time.Duration

	// Backend origin and push transport, recorded on every span's resource
	Backend   string
	Transport string

	// Additional resource attributes
	Attributes map[string]string
}

// DefaultConfig returns default telemetry configuration
func DefaultConfig() Config {
	return Config{
		ServiceName:    "reviewfeed",
		ServiceVersion: "dev",
		Endpoint:       "localhost:4317",
		SamplingRatio:  1.0,
		Timeout:        5 * time.Second,
	}
}

// resourceAttributes lists the attributes identifying this feed instance
func resourceAttributes(config Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(config.ServiceName),
		semconv.ServiceVersionKey.String(config.ServiceVersion),
	}
	if config.Backend != "" {
		attrs = append(attrs, BackendKey.String(config.Backend))
	}
	if config.Transport != "" {
		attrs = append(attrs, TransportKey.String(config.Transport))
	}
	for k, v := range config.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return attrs
}

// Setup installs an OTLP tracer provider. When tracing is disabled nothing is
// installed, spans go to the global no-op provider and the returned shutdown
// does nothing.
func Setup(ctx context.Context, config Config) (func(context.Context) error, error) {
	if !config.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	logger := logging.Component("telemetry")

	exporter, err := otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(config.Timeout),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(resourceAttributes(config)...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRatio))),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info().
		Str("endpoint", config.Endpoint).
		Str("backend", config.Backend).
		Float64("sampling_ratio", config.SamplingRatio).
		Msg("Tracing enabled")

	return func(ctx context.Context) error {
		logger.Info().Msg("Flushing traces")
		return provider.Shutdown(ctx)
	}, nil
}

// Tracer returns a named tracer from the global provider
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

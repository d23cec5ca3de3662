// Package tracing sets up OpenTelemetry tracing for rule execution.
package tracing

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Environment variables read by GetConfig.
const (
	EnabledEnv     = "BATCHRULES_OTEL_ENABLED"
	SampleRatioEnv = "BATCHRULES_OTEL_SAMPLE_RATIO"
	EndpointEnv    = "OTEL_EXPORTER_OTLP_ENDPOINT"
	InsecureEnv    = "OTEL_EXPORTER_OTLP_INSECURE"
)

const defaultEndpoint = "localhost:4317"

// Config holds tracing configuration.
type Config struct {
	Enabled        bool
	Endpoint       string
	Insecure       bool
	SampleRatio    float64
	ServiceName    string
	ServiceVersion string
}

// GetConfig reads tracing configuration from the environment. Tracing is off
// unless BATCHRULES_OTEL_ENABLED is "true". Every root span is sampled unless
// BATCHRULES_OTEL_SAMPLE_RATIO holds a ratio in [0, 1].
func GetConfig(serviceName, serviceVersion string) Config {
	return configFrom(os.Getenv, serviceName, serviceVersion)
}

func configFrom(getenv func(string) string, serviceName, serviceVersion string) Config {
	cfg := Config{
		Enabled:        strings.EqualFold(getenv(EnabledEnv), "true"),
		Endpoint:       defaultEndpoint,
		Insecure:       true,
		SampleRatio:    1,
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
	}
	if v := getenv(EndpointEnv); v != "" {
		cfg.Endpoint = v
	}
	if v := getenv(InsecureEnv); v != "" {
		cfg.Insecure = !strings.EqualFold(v, "false")
	}
	if v := getenv(SampleRatioEnv); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r >= 0 && r <= 1 {
			cfg.SampleRatio = r
		}
	}
	return cfg
}

// Initialize sets up OpenTelemetry tracing and returns the tracer with a
// shutdown func that flushes pending spans. A disabled config yields a no-op
// tracer.
func Initialize(cfg Config, logger *slog.Logger) (trace.Tracer, func(context.Context) error, error) {
	if !cfg.Enabled {
		logger.Debug("tracing disabled, using no-op tracer")
		return noop.NewTracerProvider().Tracer(cfg.ServiceName), func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	tp, err := newProvider(cfg, exporter)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("tracing initialized",
		"endpoint", cfg.Endpoint,
		"service", cfg.ServiceName,
		"sample_ratio", cfg.SampleRatio,
	)

	shutdown := func(ctx context.Context) error {
		logger.Debug("flushing spans")
		return tp.Shutdown(ctx)
	}
	return tp.Tracer(cfg.ServiceName), shutdown, nil
}

// newProvider builds a tracer provider that samples root spans at
// cfg.SampleRatio and follows the parent decision otherwise.
func newProvider(cfg Config, exporter sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	), nil
}

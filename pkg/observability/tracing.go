// Copyright 2025 BWI GmbH and Artifact Conduit contributors
// SPDX-License-Identifier: Apache-2.0

package observability

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	// ProtocolGRPC exports spans over OTLP/gRPC.
	ProtocolGRPC = "grpc"
	// ProtocolHTTP exports spans over OTLP/HTTP.
	ProtocolHTTP = "http"
	// ProtocolNone records spans without exporting them. Trace and span ids
	// are still generated, so log correlation keeps working.
	ProtocolNone = "none"
)

// TracerConfig holds configuration for initializing the tracer provider.
type TracerConfig struct {
	// ServiceName is the name of the service being traced.
	ServiceName string
	// ServiceVersion is the version of the service.
	ServiceVersion string
	// Environment is the deployment environment (e.g., "production", "staging").
	Environment string
	// Endpoint is the OTLP collector endpoint (e.g., "jaeger:4317").
	// A leading http:// or https:// is stripped.
	Endpoint string
	// Protocol is "grpc", "http" or "none". Default is "grpc".
	Protocol string
	// Insecure disables TLS for the OTLP connection.
	Insecure bool
	// SamplingRatio is the fraction of traces to sample (0.0 to 1.0).
	// A value of 1.0 means all traces are sampled.
	SamplingRatio float64
	// IDGenerator overrides the SDK's random trace and span id generator.
	IDGenerator sdktrace.IDGenerator
	// Exporter replaces the OTLP exporter. Spans are exported synchronously.
	Exporter sdktrace.SpanExporter
}

// InitTracer initializes an OpenTelemetry TracerProvider with OTLP export.
// The returned TracerProvider should be shut down when the application exits
// to ensure all spans are flushed. It is not installed as the global provider.
func InitTracer(ctx context.Context, cfg TracerConfig) (*sdktrace.TracerProvider, error) {
	if cfg.ServiceName == "" {
		return nil, fmt.Errorf("service name is required")
	}

	res, err := newResource(ctx, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(samplerFor(cfg.SamplingRatio)),
	}
	if cfg.IDGenerator != nil {
		opts = append(opts, sdktrace.WithIDGenerator(cfg.IDGenerator))
	}

	switch {
	case cfg.Exporter != nil:
		opts = append(opts, sdktrace.WithSyncer(cfg.Exporter))
	case cfg.Protocol == ProtocolNone:
	default:
		exporter, err := newSpanExporter(ctx, cfg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	return sdktrace.NewTracerProvider(opts...), nil
}

// Build resource with service information.
// Note: We create a new resource without merging with Default() to avoid
// schema URL conflicts between SDK and semconv versions.
func newResource(ctx context.Context, name, version, environment string) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(name),
			semconv.ServiceVersion(version),
			semconv.ServiceInstanceID(uuid.NewString()),
			semconv.DeploymentEnvironment(environment),
		),
		resource.WithProcessRuntimeDescription(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return res, nil
}

func newSpanExporter(ctx context.Context, cfg TracerConfig) (sdktrace.SpanExporter, error) {
	endpoint := strings.TrimPrefix(cfg.Endpoint, "http://")
	endpoint = strings.TrimPrefix(endpoint, "https://")

	var (
		exporter sdktrace.SpanExporter
		err      error
	)

	switch cfg.Protocol {
	case ProtocolGRPC, "":
		opts := []otlptracegrpc.Option{}
		if endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
		}
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))

	case ProtocolHTTP:
		opts := []otlptracehttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(endpoint))
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(opts...))

	default:
		return nil, fmt.Errorf("unknown protocol: %s (use 'grpc', 'http' or 'none')", cfg.Protocol)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	return exporter, nil
}

func samplerFor(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0:
		return sdktrace.NeverSample()
	case ratio >= 1.0:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(ratio)
	}
}

// SpanFromContext returns the current Span from a context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// TraceIDFromContext extracts the trace ID from a context as a string.
// Returns an empty string if no trace is present.
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return FormatTraceID(sc.TraceID())
}

// SpanIDFromContext extracts the span ID from a context as a string.
// Returns an empty string if no span is present.
func SpanIDFromContext(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasSpanID() {
		return ""
	}
	return FormatSpanID(sc.SpanID())
}

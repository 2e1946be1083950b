/*
Copyright 2024 Open Defense Cloud Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const (
	// MetricsExporterOTLP pushes metrics to the OTLP collector.
	MetricsExporterOTLP = "otlp"
	// MetricsExporterPrometheus serves metrics for scraping.
	MetricsExporterPrometheus = "prometheus"
	// MetricsExporterNone records metrics without exporting them.
	MetricsExporterNone = "none"
)

// MeterConfig holds configuration for the meter.
type MeterConfig struct {
	// ServiceName is the name of the service for metrics.
	ServiceName string
	// ServiceVersion is the version of the service.
	ServiceVersion string
	// Environment is the deployment environment.
	Environment string
	// Exporter is one of "otlp", "prometheus" or "none". Default is "otlp".
	Exporter string
	// Endpoint is the OTLP collector endpoint (e.g., "localhost:4317").
	Endpoint string
	// Insecure disables TLS for the connection.
	Insecure bool
	// ExportInterval is the interval between metric exports.
	ExportInterval time.Duration
}

// InitMeter initializes an OpenTelemetry MeterProvider. For the prometheus
// exporter the returned handler serves the scrape endpoint; it is nil
// otherwise.
func InitMeter(ctx context.Context, cfg MeterConfig) (*sdkmetric.MeterProvider, http.Handler, error) {
	if cfg.ServiceName == "" {
		return nil, nil, fmt.Errorf("service name is required")
	}

	// Set default export interval.
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = 30 * time.Second
	}

	res, err := newResource(ctx, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, nil, err
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	var handler http.Handler

	switch cfg.Exporter {
	case MetricsExporterOTLP, "":
		endpoint := strings.TrimPrefix(cfg.Endpoint, "http://")
		endpoint = strings.TrimPrefix(endpoint, "https://")

		var exporterOpts []otlpmetricgrpc.Option
		if endpoint != "" {
			exporterOpts = append(exporterOpts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		if cfg.Insecure {
			exporterOpts = append(exporterOpts, otlpmetricgrpc.WithInsecure())
		}

		exporter, err := otlpmetricgrpc.New(ctx, exporterOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.ExportInterval)),
		))

	case MetricsExporterPrometheus:
		registry := prometheus.NewRegistry()
		exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		opts = append(opts, sdkmetric.WithReader(exporter))
		handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	case MetricsExporterNone:

	default:
		return nil, nil, fmt.Errorf("unknown metrics exporter: %s", cfg.Exporter)
	}

	return sdkmetric.NewMeterProvider(opts...), handler, nil
}

// CommonMetrics holds commonly used metrics for a service.
type CommonMetrics struct {
	// RequestsTotal counts total requests.
	RequestsTotal metric.Int64Counter
	// RequestDuration measures request latency.
	RequestDuration metric.Float64Histogram
	// ErrorsTotal counts total errors.
	ErrorsTotal metric.Int64Counter
	// ActiveRequests tracks currently active requests.
	ActiveRequests metric.Int64UpDownCounter
}

// NewCommonMetrics creates a new CommonMetrics instance for the given meter.
func NewCommonMetrics(m metric.Meter, prefix string) (*CommonMetrics, error) {
	requestsTotal, err := m.Int64Counter(
		prefix+"_requests_total",
		metric.WithDescription("Total number of requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create requests_total counter: %w", err)
	}

	requestDuration, err := m.Float64Histogram(
		prefix+"_request_duration_seconds",
		metric.WithDescription("Request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create request_duration histogram: %w", err)
	}

	errorsTotal, err := m.Int64Counter(
		prefix+"_errors_total",
		metric.WithDescription("Total number of errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errors_total counter: %w", err)
	}

	activeRequests, err := m.Int64UpDownCounter(
		prefix+"_active_requests",
		metric.WithDescription("Number of currently active requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active_requests counter: %w", err)
	}

	return &CommonMetrics{
		RequestsTotal:   requestsTotal,
		RequestDuration: requestDuration,
		ErrorsTotal:     errorsTotal,
		ActiveRequests:  activeRequests,
	}, nil
}

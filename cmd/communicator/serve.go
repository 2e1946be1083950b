// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"go.opendefense.cloud/communicator/pkg/app"
	"go.opendefense.cloud/communicator/pkg/config"
	"go.opendefense.cloud/communicator/pkg/observability"
	"go.opendefense.cloud/communicator/pkg/shutdown"
)

var probePaths = []string{"/healthz", "/readyz", "/metrics"}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the communicator server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	cmd.Flags().StringP("listen", "l", "", "Address to listen on, overrides server.host and server.port")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		if err := applyListen(&cfg.Server, listen); err != nil {
			return err
		}
	}

	logger, err := observability.NewLogger(observability.LoggerConfig{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		Encoding:    cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	logger = logger.WithName(cfg.Service.Name)

	ctx := cmd.Context()

	tel, err := observability.NewTelemetry(ctx, telemetryConfig(cfg, logger))
	if err != nil {
		return err
	}

	coordinator := shutdown.NewCoordinator(
		shutdown.WithLogger(logger.WithName("shutdown")),
		shutdown.WithTeardownTimeout(cfg.Shutdown.TeardownTimeout),
		shutdown.WithMeter(tel.Meter("shutdown")),
	)

	correlator := observability.NewCorrelator(observability.WithErrorLogger(logger.WithName("correlation")))

	a := app.New(newRouter(cfg.Service, coordinator, tel.MetricsHandler()),
		app.WithAddress(cfg.Server.Address()),
		app.WithServerTimeouts(app.ServerTimeouts{
			Read:       cfg.Server.ReadTimeout,
			ReadHeader: cfg.Server.ReadHeaderTimeout,
			Write:      cfg.Server.WriteTimeout,
			Idle:       cfg.Server.IdleTimeout,
		}),
		app.WithTelemetry(tel),
		app.WithCorrelator(correlator),
		app.WithLogger(logger),
		app.WithCoordinator(coordinator),
		app.WithSignals(shutdown.Signals{TerminateEnabled: cfg.Shutdown.TerminateEnabled()}),
		app.WithSkipPaths(probePaths...),
	)

	if err := a.Run(ctx); err != nil {
		// Bind failures return before teardown; Shutdown is a no-op otherwise.
		_ = tel.Shutdown(ctx)
		return err
	}
	return nil
}

func applyListen(s *config.ServerConfig, listen string) error {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return fmt.Errorf("invalid listen port %q", port)
	}
	s.Host, s.Port = host, p
	return nil
}

func telemetryConfig(cfg config.Config, logger logr.Logger) observability.TelemetryConfig {
	protocol := cfg.Telemetry.Protocol
	if !cfg.Telemetry.Enabled {
		protocol = observability.ProtocolNone
	}

	return observability.TelemetryConfig{
		Tracer: observability.TracerConfig{
			ServiceName:    cfg.Service.Name,
			ServiceVersion: cfg.Service.Version,
			Environment:    cfg.Service.Environment,
			Endpoint:       cfg.Telemetry.Endpoint,
			Protocol:       protocol,
			Insecure:       cfg.Telemetry.Insecure,
			SamplingRatio:  cfg.Telemetry.SampleRate,
		},
		Meter: observability.MeterConfig{
			ServiceName:    cfg.Service.Name,
			ServiceVersion: cfg.Service.Version,
			Environment:    cfg.Service.Environment,
			Exporter:       cfg.Telemetry.MetricsExporter,
			Endpoint:       cfg.Telemetry.Endpoint,
			Insecure:       cfg.Telemetry.Insecure,
			ExportInterval: cfg.Telemetry.ExportInterval,
		},
		SetGlobal: true,
		Logger:    logger.WithName("telemetry"),
	}
}

func newRouter(svc config.ServiceConfig, coordinator *shutdown.Coordinator, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		select {
		case <-coordinator.Fired():
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		}
	})

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Get("/", func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		observability.LoggerFromContext(ctx).V(1).Info("serving service info")

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"service":    svc.Name,
			"version":    svc.Version,
			"request_id": middleware.GetReqID(ctx),
			"trace_id":   observability.TraceIDFromContext(ctx),
			"span_id":    observability.SpanIDFromContext(ctx),
		})
	})

	return r
}

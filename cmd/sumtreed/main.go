package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"sumtree/accumulator"
	"sumtree/cmd/internal/backend"
	"sumtree/config"
	"sumtree/observability/logging"
	telemetry "sumtree/observability/otel"
	"sumtree/server"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.toml", "path to the configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("SUMTREE_ENV"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	slogger := logging.Setup("sumtreed", env, logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})

	if cfg.Telemetry.Metrics || cfg.Telemetry.Traces {
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "sumtreed",
			Environment: env,
			Endpoint:    cfg.Telemetry.OTLPEndpoint,
			Insecure:    cfg.Telemetry.OTLPInsecure,
			Headers:     telemetry.ParseHeaders(cfg.Telemetry.OTLPHeaders),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
		})
		if err != nil {
			slogger.Error("failed to initialise telemetry", "error", err)
			os.Exit(1)
		}
		defer func() {
			_ = shutdownTelemetry(context.Background())
		}()
	}

	store, closeStore, err := backend.OpenStore(cfg)
	if err != nil {
		slogger.Error("failed to open node store", "backend", cfg.Backend, "error", err)
		os.Exit(1)
	}
	defer func() { _ = closeStore() }()

	journalDSN := backend.JournalDSN(cfg)
	journal, err := accumulator.OpenJournal(journalDSN)
	if err != nil {
		slogger.Error("failed to open journal", "dsn", logging.RedactDSN(journalDSN), "error", err)
		os.Exit(1)
	}
	defer func() { _ = journal.Close() }()

	acc := accumulator.New(store, journal, slogger)
	if err := acc.SetParams(cfg.AccumulatorParams()); err != nil {
		slogger.Error("invalid unit parameters", "error", err)
		os.Exit(1)
	}

	srv := server.New(acc, server.Config{
		ServiceName:       "sumtreed",
		AuthSecret:        cfg.Auth.Secret,
		AuthIssuer:        cfg.Auth.Issuer,
		AuthAudience:      cfg.Auth.Audience,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	}, slogger)

	handler := http.Handler(srv.Handler())
	if cfg.Telemetry.Traces {
		handler = otelhttp.NewHandler(handler, "sumtreed")
	}

	// No WriteTimeout: /v1/events holds connections open indefinitely.
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		slogger.Error("listen failed", "address", cfg.ListenAddress, "error", err)
		os.Exit(1)
	}

	go func() {
		slogger.Info("listening",
			"address", listener.Addr().String(),
			"backend", cfg.Backend,
			"journal", logging.RedactDSN(journalDSN),
			"units", len(cfg.Units))
		if serveErr := httpServer.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slogger.Error("serve failed", "error", serveErr)
			stop()
		}
	}()

	<-ctx.Done()
	slogger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slogger.Warn("graceful shutdown failed", "error", err)
	}
}

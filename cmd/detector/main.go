package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/app"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/config"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/env"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/ingest"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/telemetry"
)

const serviceName = "audit-detector"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(logger); err != nil {
		logger.Error("detector stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.SQSQueueURL == "" {
		return &env.Error{Key: "SQS_QUEUE_URL", Err: env.ErrMissing}
	}

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(initCtx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		return err
	}
	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	tp, err := telemetry.NewTracerProvider(initCtx, serviceName)
	if err != nil {
		return err
	}

	detector, err := app.New(initCtx, cfg, awsCfg, app.Options{Service: serviceName, Async: true}, logger)
	if err != nil {
		if shutdownErr := tp.Shutdown(initCtx); shutdownErr != nil {
			logger.Error("cannot shutdown tracer provider", slog.String("error", shutdownErr.Error()))
		}
		return err
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	detector.Pipeline.Start(ctx)
	stopMaintenance := detector.RunMaintenance(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()

	consumer := ingest.NewSQSConsumer(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURL, detector.Pipeline, logger)
	consumed := make(chan error, 1)
	go func() {
		consumed <- consumer.Run(ctx)
	}()

	logger.Info(
		"started audit anomaly detector",
		slog.String("queueURL", cfg.SQSQueueURL),
		slog.String("metricsAddr", cfg.MetricsAddr),
		slog.String("target", string(cfg.DispatchTarget)),
		slog.String("auditStore", string(cfg.AuditStore)),
		slog.String("modelVersion", detector.Models.Version()),
		slog.Int("lanes", cfg.PipelineLanes),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case runErr = <-consumed:
		if runErr != nil {
			logger.Error("consumer stopped", slog.String("error", runErr.Error()))
		}
	}

	stop()
	stopMaintenance()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := detector.Pipeline.Shutdown(shutdownCtx); err != nil {
		logger.Error("cannot shutdown pipeline", slog.String("error", err.Error()))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("cannot shutdown metrics server", slog.String("error", err.Error()))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("cannot shutdown tracer provider", slog.String("error", err.Error()))
	}

	return runErr
}

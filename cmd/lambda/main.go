package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-lambda-go/otellambda"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/app"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/config"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/handler"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/telemetry"
)

func main() {
	startTime := time.Now()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	logger.Info("starting audit anomaly detector")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("cannot load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		logger.Error("cannot load aws config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	otelaws.AppendMiddlewares(&awsCfg.APIOptions)

	// Invocations deliver synchronously; the runtime may freeze before
	// background delivery completes.
	detector, err := app.New(ctx, cfg, awsCfg, app.Options{Service: "audit-detector-lambda"}, logger)
	if err != nil {
		logger.Error("cannot create detector", slog.String("error", err.Error()))
		os.Exit(1)
	}

	tp, err := telemetry.NewTracerProvider(ctx, "audit-detector-lambda")
	if err != nil {
		logger.Error("cannot initialize tracer provider", slog.String("error", err.Error()))
		os.Exit(1)
	}

	stopMaintenance := detector.RunMaintenance(context.Background())

	defer func() {
		stopMaintenance()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := detector.Pipeline.Shutdown(shutdownCtx); err != nil {
			logger.Error("cannot shutdown pipeline", slog.String("error", err.Error()))
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("cannot shutdown tracer provider", slog.String("error", err.Error()))
		}
	}()

	logger.Info(
		"started audit anomaly detector",
		slog.String("target", string(cfg.DispatchTarget)),
		slog.String("auditStore", string(cfg.AuditStore)),
		slog.String("modelVersion", detector.Models.Version()),
		slog.String("region", cfg.AWSRegion),
		slog.Float64("initDurationSec", time.Since(startTime).Seconds()),
	)

	h := handler.NewEventHandler(detector.Pipeline, logger)
	lambda.Start(
		otellambda.InstrumentHandler(
			h.HandleRequest,
			otellambda.WithTracerProvider(tp),
			otellambda.WithFlusher(tp)),
	)
}

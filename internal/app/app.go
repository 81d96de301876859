// Package app assembles a detector from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/audit"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/baseline"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/config"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/dispatch"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/fusion"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/metrics"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/pipeline"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/rules"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/scoring"
)

// Options override parts of the configured wiring.
type Options struct {
	// Service names the binary in fault metrics.
	Service string
	// Async delivers alerts from background workers.
	Async bool
	// Sender replaces the configured alert destination.
	Sender dispatch.Sender
	// Store replaces the configured audit store.
	Store audit.Store
}

// Detector is a fully wired pipeline with the components it owns.
type Detector struct {
	Pipeline  *pipeline.Pipeline
	Baselines *baseline.Store
	Models    *scoring.Handle
	Rules     *rules.Engine
	Store     audit.Store
	Faults    metrics.FaultReporter

	cfg    *config.Config
	logger *slog.Logger
}

// New builds a detector. A missing or rejected model leaves scoring
// unavailable and the detector runs on rules alone.
func New(ctx context.Context, cfg *config.Config, awsCfg aws.Config, opts Options, logger *slog.Logger) (*Detector, error) {
	baselines, err := baseline.NewStore(cfg.Baseline(), logger)
	if err != nil {
		return nil, err
	}

	models := scoring.NewHandle(cfg.ModelVersion, logger)
	if err := loadModel(models, cfg.ModelPath); err != nil {
		logger.WarnContext(
			ctx,
			"scoring unavailable, running on rules only",
			slog.String("modelPath", cfg.ModelPath),
			slog.String("error", err.Error()),
		)
	}

	engine := rules.NewEngine(logger)
	set, err := loadRules(cfg.RuleSetPath)
	if err != nil {
		return nil, err
	}
	engine.Swap(set)

	store := opts.Store
	if store == nil {
		if store, err = openStore(cfg, awsCfg); err != nil {
			return nil, err
		}
	}
	if err := baselines.Load(ctx, store); err != nil {
		logger.WarnContext(ctx, "starting with empty baselines", slog.String("error", err.Error()))
	}

	var faults metrics.FaultReporter = metrics.NewLogFaultReporter(logger)
	if cfg.FaultMetricNamespace != "" {
		faults = metrics.NewCloudWatchFaultReporter(
			cloudwatch.NewFromConfig(awsCfg),
			cfg.FaultMetricNamespace,
			opts.Service,
			logger,
		)
	}

	sender := opts.Sender
	if sender == nil {
		if sender, err = dispatch.NewSender(awsCfg, cfg, logger); err != nil {
			return nil, err
		}
	}
	if opts.Async {
		asyncOpts := dispatch.DefaultAsyncOptions()
		asyncOpts.Faults = faults
		sender = dispatch.NewAsyncSender(sender, string(cfg.DispatchTarget), asyncOpts, logger)
	}

	suppressor, err := fusion.NewSuppressor(cfg.Suppression())
	if err != nil {
		return nil, err
	}

	p, err := pipeline.New(pipeline.Deps{
		Baselines:    baselines,
		Scorer:       models,
		Rules:        engine,
		Suppressor:   suppressor,
		Recorder:     store,
		Sender:       sender,
		Faults:       faults,
		Checkpointer: store,
	}, pipeline.Options{
		Lanes:           cfg.PipelineLanes,
		FusionTimeout:   cfg.FusionTimeout,
		Thresholds:      cfg.Thresholds(),
		FutureTolerance: cfg.FutureTolerance,
		DedupWindow:     cfg.DedupWindow,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &Detector{
		Pipeline:  p,
		Baselines: baselines,
		Models:    models,
		Rules:     engine,
		Store:     store,
		Faults:    faults,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// RunMaintenance starts baseline eviction and checkpointing and, when
// enabled, rule hot reload. Both stop when ctx is done or the returned
// function is called; the function returns once they have exited.
func (d *Detector) RunMaintenance(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Baselines.Maintain(ctx, d.Store, d.cfg.CheckpointInterval)
	}()

	if d.cfg.RuleSetPath != "" && d.cfg.RuleHotReload {
		w := rules.NewWatcher(d.Rules, d.cfg.RuleSetPath, d.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				d.logger.ErrorContext(ctx, "rule hot reload stopped", slog.String("error", err.Error()))
			}
		}()
	}

	return func() {
		cancel()
		wg.Wait()
	}
}

func loadModel(h *scoring.Handle, path string) error {
	if path != "" {
		return h.Load(path)
	}
	m, err := scoring.DefaultModel()
	if err != nil {
		return err
	}
	return h.Set(m)
}

func loadRules(path string) (*rules.Set, error) {
	if path == "" {
		return rules.DefaultSet()
	}
	set, err := rules.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot load rule set: %w", err)
	}
	return set, nil
}

func openStore(cfg *config.Config, awsCfg aws.Config) (audit.Store, error) {
	switch cfg.AuditStore {
	case config.AuditSQLite:
		return audit.NewSQLiteStore(cfg.SQLitePath)
	case config.AuditDynamoDB:
		return audit.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), cfg.AuditTable, cfg.RetentionWindow), nil
	case config.AuditMemory:
		return audit.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported audit store: %s", cfg.AuditStore)
	}
}

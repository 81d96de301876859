// Package pipeline runs audit records through normalization, feature
// extraction, detection, fusion, suppression, recording and delivery.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/audit"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/baseline"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/dispatch"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/fusion"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/metrics"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/normalize"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/rules"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/scoring"
)

var tracer = otel.Tracer("github.com/ab0utbla-k/audit-anomaly-detector/internal/pipeline")

var (
	// ErrIntakeHalted is returned for every record once the baseline store is exhausted.
	ErrIntakeHalted = errors.New("intake halted")
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("pipeline closed")
)

// Record is one raw audit log record tagged with its provider.
type Record struct {
	Provider events.Provider
	Raw      []byte
	// Done, when set, is called with the recorded decision once the record
	// reaches a terminal state. err is non-nil only when intake halted.
	Done func(d *events.Decision, err error)
}

// Deps are the components the pipeline drives.
type Deps struct {
	Baselines  *baseline.Store
	Scorer     scoring.Scorer
	Rules      rules.Evaluator
	Suppressor *fusion.Suppressor
	Recorder   audit.Recorder
	Sender     dispatch.Sender
	Faults     metrics.FaultReporter
	// Checkpointer, when set, receives a final baseline snapshot on Shutdown.
	Checkpointer baseline.Checkpointer
}

// Options tune the pipeline.
type Options struct {
	Lanes         int
	LaneBuffer    int
	FusionTimeout time.Duration
	Thresholds    fusion.Thresholds
	SweepInterval time.Duration

	// FutureTolerance bounds how far an event may be dated ahead of the clock.
	FutureTolerance time.Duration
	// DedupWindow is how far behind the watermark a processed event ID is
	// still recognized. DedupCapacity bounds the remembered IDs.
	DedupWindow     time.Duration
	DedupCapacity   int
}

// DefaultOptions returns the pipeline defaults.
func DefaultOptions() Options {
	return Options{
		Lanes:           8,
		LaneBuffer:      256,
		FusionTimeout:   2 * time.Second,
		Thresholds:      fusion.Thresholds{ML: 0.7, MLStrong: 0.9},
		SweepInterval:   time.Minute,
		FutureTolerance: 15 * time.Minute,
		DedupWindow:     24 * time.Hour,
		DedupCapacity:   100_000,
	}
}

type item struct {
	rec      Record
	ev       *events.CanonicalEvent
	err      error
	received time.Time
}

// Pipeline processes records. Records of one actor are processed in
// submission order on a single lane; different actors proceed in parallel.
type Pipeline struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	now    func() time.Time
	seen   *processedEvents

	halted atomic.Bool

	mu      sync.RWMutex
	started bool
	closed  bool
	lanes   []chan item
	wg      sync.WaitGroup
	stop    context.CancelFunc
	sweeper sync.WaitGroup
}

// New creates a pipeline. Call Start before Submit; Process works without Start.
func New(deps Deps, opts Options, logger *slog.Logger) (*Pipeline, error) {
	if deps.Baselines == nil || deps.Scorer == nil || deps.Rules == nil ||
		deps.Suppressor == nil || deps.Recorder == nil || deps.Sender == nil {
		return nil, errors.New("pipeline requires baselines, scorer, rules, suppressor, recorder and sender")
	}
	if deps.Faults == nil {
		deps.Faults = metrics.NewLogFaultReporter(logger)
	}

	defaults := DefaultOptions()
	if opts.Lanes <= 0 {
		opts.Lanes = defaults.Lanes
	}
	if opts.LaneBuffer <= 0 {
		opts.LaneBuffer = defaults.LaneBuffer
	}
	if opts.FusionTimeout <= 0 {
		opts.FusionTimeout = defaults.FusionTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaults.SweepInterval
	}
	if opts.FutureTolerance <= 0 {
		opts.FutureTolerance = defaults.FutureTolerance
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = defaults.DedupWindow
	}
	if opts.DedupCapacity <= 0 {
		opts.DedupCapacity = defaults.DedupCapacity
	}
	if err := opts.Thresholds.Validate(); err != nil {
		return nil, err
	}

	seen, err := newProcessedEvents(opts.DedupCapacity, opts.DedupWindow)
	if err != nil {
		return nil, fmt.Errorf("cannot create event deduplication: %w", err)
	}

	return &Pipeline{
		deps:   deps,
		opts:   opts,
		logger: logger,
		now:    time.Now,
		seen:   seen,
	}, nil
}

// Start launches the lane workers and the suppression sweeper.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return
	}
	p.started = true

	// Lanes drain to completion on Shutdown even when ctx is canceled.
	laneCtx := context.WithoutCancel(ctx)
	p.lanes = make([]chan item, p.opts.Lanes)
	p.wg.Add(p.opts.Lanes)
	for i := range p.lanes {
		p.lanes[i] = make(chan item, p.opts.LaneBuffer)
		go p.runLane(laneCtx, p.lanes[i])
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	p.stop = cancel
	p.sweeper.Add(1)
	go p.runSweeper(sweepCtx)
}

// Submit normalizes rec and queues it on its actor's lane. It blocks while
// the lane is full, until ctx is done.
func (p *Pipeline) Submit(ctx context.Context, rec Record) error {
	if p.halted.Load() {
		return ErrIntakeHalted
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || !p.started {
		return ErrClosed
	}

	it := p.intake(rec)
	lane := p.lanes[laneFor(it.ev, len(p.lanes))]

	select {
	case lane <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Process runs rec to a terminal state on the caller's goroutine.
func (p *Pipeline) Process(ctx context.Context, rec Record) (*events.Decision, error) {
	if p.halted.Load() {
		return nil, ErrIntakeHalted
	}
	return p.handle(ctx, p.intake(rec))
}

// Halted reports whether intake stopped because the baseline store is exhausted.
func (p *Pipeline) Halted() bool {
	return p.halted.Load()
}

// Shutdown stops intake, drains the lanes, closes the sender when it
// supports closing, writes a final baseline checkpoint and closes the recorder.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, lane := range p.lanes {
		close(lane)
	}
	if p.stop != nil {
		p.stop()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		p.sweeper.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("cannot drain lanes: %w", ctx.Err())
	}

	var errs []error
	if c, ok := p.deps.Sender.(interface{ Close(context.Context) error }); ok {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cannot drain sender: %w", err))
		}
	}
	if p.deps.Checkpointer != nil {
		if err := p.deps.Baselines.Checkpoint(ctx, p.deps.Checkpointer); err != nil {
			p.deps.Faults.Fault(ctx, metrics.FaultCheckpointFailed, slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}
	if err := p.deps.Recorder.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cannot close recorder: %w", err))
	}
	return errors.Join(errs...)
}

// SweepSuppressions expires suppression windows relative to now and
// delivers resulting digests.
func (p *Pipeline) SweepSuppressions(ctx context.Context, now time.Time) int {
	digests := p.deps.Suppressor.Sweep(now)
	ds, ok := p.deps.Sender.(dispatch.DigestSender)
	if !ok {
		return len(digests)
	}

	for i := range digests {
		if err := ds.SendDigest(ctx, &digests[i]); err != nil {
			p.logger.ErrorContext(
				ctx,
				"cannot send suppression digest",
				slog.String("actor", digests[i].Actor),
				slog.String("signal", digests[i].DominantSignal),
				slog.String("error", err.Error()),
			)
		}
	}
	return len(digests)
}

func (p *Pipeline) intake(rec Record) item {
	metrics.RecordsTotal.WithLabelValues(string(rec.Provider)).Inc()

	now := p.now()
	ev, err := normalize.Normalize(rec.Raw, rec.Provider)
	if err == nil {
		if err = normalize.CheckEventTime(ev.Timestamp, now, p.opts.FutureTolerance); err != nil {
			ev = nil
		}
	}
	return item{rec: rec, ev: ev, err: err, received: now}
}

// laneFor hashes the actor with FNV-1a. Malformed records go to lane 0.
func laneFor(ev *events.CanonicalEvent, lanes int) int {
	if ev == nil {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(ev.Actor))
	return int(h.Sum32() % uint32(lanes))
}

func (p *Pipeline) runLane(ctx context.Context, lane <-chan item) {
	defer p.wg.Done()

	for it := range lane {
		// Errors are reported through Done and the decision log.
		_, _ = p.handle(ctx, it)
	}
}

func (p *Pipeline) runSweeper(ctx context.Context) {
	defer p.sweeper.Done()

	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Suppression windows run on event time.
			watermark := p.deps.Baselines.Watermark()
			if watermark.IsZero() {
				continue
			}
			if n := p.SweepSuppressions(ctx, watermark); n > 0 {
				p.logger.InfoContext(ctx, "sent suppression digests", slog.Int("digests", n))
			}
		}
	}
}

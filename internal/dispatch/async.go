package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/metrics"
)

var (
	// ErrQueueFull indicates the delivery queue cannot accept more work.
	ErrQueueFull = errors.New("dispatch queue full")
	// ErrClosed indicates the sender no longer accepts work.
	ErrClosed = errors.New("dispatch queue closed")
)

// AsyncOptions configures an AsyncSender.
type AsyncOptions struct {
	QueueSize int
	Workers   int
	// Timeout bounds a single delivery attempt.
	Timeout time.Duration
	// Faults, when set, receives dropped and failed deliveries.
	Faults metrics.FaultReporter
}

// DefaultAsyncOptions returns the delivery defaults.
func DefaultAsyncOptions() AsyncOptions {
	return AsyncOptions{
		QueueSize: 1024,
		Workers:   2,
		Timeout:   10 * time.Second,
	}
}

type job struct {
	ctx    context.Context
	alert  *events.Alert
	digest *events.SuppressionDigest
}

// AsyncSender queues alerts and delivers them on background workers so
// callers never block on the target. It implements Sender and DigestSender.
type AsyncSender struct {
	sender Sender
	target string
	opts   AsyncOptions
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup
}

// NewAsyncSender creates an AsyncSender and starts its workers.
func NewAsyncSender(sender Sender, target string, opts AsyncOptions, logger *slog.Logger) *AsyncSender {
	defaults := DefaultAsyncOptions()
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaults.QueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaults.Workers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaults.Timeout
	}

	s := &AsyncSender{
		sender: sender,
		target: target,
		opts:   opts,
		logger: logger,
		queue:  make(chan job, opts.QueueSize),
	}

	s.wg.Add(opts.Workers)
	for range opts.Workers {
		go s.run()
	}
	return s
}

// Send queues the alert for delivery. It never blocks.
func (s *AsyncSender) Send(ctx context.Context, alert *events.Alert) error {
	return s.enqueue(ctx, job{ctx: context.WithoutCancel(ctx), alert: alert})
}

// SendDigest queues the digest for delivery when the target supports digests.
func (s *AsyncSender) SendDigest(ctx context.Context, digest *events.SuppressionDigest) error {
	if _, ok := s.sender.(DigestSender); !ok {
		s.logger.DebugContext(
			ctx,
			"target does not support digests",
			slog.String("target", s.target),
			slog.String("actor", digest.Actor),
		)
		return nil
	}
	return s.enqueue(ctx, job{ctx: context.WithoutCancel(ctx), digest: digest})
}

func (s *AsyncSender) enqueue(ctx context.Context, j job) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	select {
	case s.queue <- j:
		return nil
	default:
		metrics.DeliveriesTotal.WithLabelValues(s.target, "dropped").Inc()
		if s.opts.Faults != nil {
			s.opts.Faults.Fault(ctx, metrics.FaultDeliveryDropped, slog.String("target", s.target))
		}
		return ErrQueueFull
	}
}

// Close stops intake and waits until queued work is delivered or ctx is done.
func (s *AsyncSender) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AsyncSender) run() {
	defer s.wg.Done()

	for j := range s.queue {
		s.deliver(j)
	}
}

func (s *AsyncSender) deliver(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, s.opts.Timeout)
	defer cancel()

	var (
		err  error
		attr slog.Attr
	)
	if j.alert != nil {
		attr = slog.String("alertID", j.alert.ID)
		err = s.sender.Send(ctx, j.alert)
	} else {
		attr = slog.String("actor", j.digest.Actor)
		err = s.sender.(DigestSender).SendDigest(ctx, j.digest)
	}

	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues(s.target, "failed").Inc()
		s.logger.ErrorContext(
			ctx,
			"cannot deliver alert",
			slog.String("target", s.target),
			attr,
			slog.String("error", err.Error()),
		)
		if s.opts.Faults != nil {
			s.opts.Faults.Fault(ctx, metrics.FaultDeliveryDropped, slog.String("target", s.target), attr)
		}
		return
	}

	metrics.DeliveriesTotal.WithLabelValues(s.target, "sent").Inc()
}

package baseline

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Checkpointer persists baselines across restarts.
type Checkpointer interface {
	SaveBaselines(ctx context.Context, baselines []*ActorBaseline) error
	LoadBaselines(ctx context.Context) ([]*ActorBaseline, error)
}

// Checkpoint writes a snapshot of every baseline to cp.
func (s *Store) Checkpoint(ctx context.Context, cp Checkpointer) error {
	ctx, span := tracer.Start(ctx, "baseline.checkpoint")
	defer span.End()

	snapshot := s.Snapshot()
	if err := cp.SaveBaselines(ctx, snapshot); err != nil {
		return fmt.Errorf("cannot save %d baselines: %w", len(snapshot), err)
	}
	return nil
}

// Load restores baselines previously written by Checkpoint.
func (s *Store) Load(ctx context.Context, cp Checkpointer) error {
	baselines, err := cp.LoadBaselines(ctx)
	if err != nil {
		return fmt.Errorf("cannot load baselines: %w", err)
	}
	if err := s.Restore(baselines); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "restored baselines", slog.Int("actors", len(baselines)))
	return nil
}

// Maintain evicts expired actors and, when cp is non-nil, checkpoints on
// every tick until ctx is done.
func (s *Store) Maintain(ctx context.Context, cp Checkpointer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.EvictExpired(); n > 0 {
				s.logger.InfoContext(ctx, "evicted idle baselines", slog.Int("actors", n))
			}
			if cp == nil {
				continue
			}
			if err := s.Checkpoint(ctx, cp); err != nil {
				s.logger.ErrorContext(ctx, "cannot checkpoint baselines", slog.String("error", err.Error()))
			}
		}
	}
}

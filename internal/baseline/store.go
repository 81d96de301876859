// Package baseline maintains per-actor behavioral baselines and derives
// feature vectors from them.
package baseline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/normalize"
)

var tracer = otel.Tracer("github.com/ab0utbla-k/audit-anomaly-detector/internal/baseline")

// ErrStoreExhausted indicates that a new actor cannot be admitted because the
// store is at capacity and no idle actor is past retention.
var ErrStoreExhausted = errors.New("baseline store exhausted")

// Config controls decay, retention and capacity of the store.
type Config struct {
	// DecayFactor is the multiplier applied to counters per DecayUnit of
	// elapsed event time. Must be in (0, 1].
	DecayFactor     float64
	DecayUnit       time.Duration
	RetentionWindow time.Duration
	SkewTolerance   time.Duration
	// FutureTolerance bounds how far ahead of the wall clock the event-time
	// watermark may move.
	FutureTolerance time.Duration
	MaxActors       int
	// MaxSetSize bounds the seen-resource and seen-origin sets per actor.
	MaxSetSize int
}

// DefaultConfig returns the store defaults.
func DefaultConfig() Config {
	return Config{
		DecayFactor:     0.99,
		DecayUnit:       time.Hour,
		RetentionWindow: 30 * 24 * time.Hour,
		SkewTolerance:   5 * time.Minute,
		FutureTolerance: 15 * time.Minute,
		MaxActors:       100_000,
		MaxSetSize:      512,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.DecayFactor <= 0 || c.DecayFactor > 1 {
		return fmt.Errorf("decay factor must be in (0, 1]: %v", c.DecayFactor)
	}
	if c.DecayUnit <= 0 {
		return fmt.Errorf("decay unit must be positive: %s", c.DecayUnit)
	}
	if c.RetentionWindow <= 0 {
		return fmt.Errorf("retention window must be positive: %s", c.RetentionWindow)
	}
	if c.SkewTolerance < 0 {
		return fmt.Errorf("skew tolerance must not be negative: %s", c.SkewTolerance)
	}
	if c.FutureTolerance < 0 {
		return fmt.Errorf("future tolerance must not be negative: %s", c.FutureTolerance)
	}
	if c.MaxActors <= 0 {
		return fmt.Errorf("max actors must be positive: %d", c.MaxActors)
	}
	return nil
}

type slot struct {
	mu       sync.Mutex
	baseline *ActorBaseline
	// inflight counts holders and waiters of mu. Guarded by Store.mu.
	inflight int
}

// Store holds baselines for all active actors. Mutation of a single actor's
// baseline is serialized; different actors proceed in parallel.
type Store struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	slots     map[string]*slot
	watermark time.Time
}

// NewStore creates an empty store.
func NewStore(cfg Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		slots:  make(map[string]*slot),
	}, nil
}

// Extract computes the feature vector for ev and folds ev into the actor's
// baseline. Events older than the actor's last seen time by more than the
// skew tolerance are scored read-only and flagged stale.
func (s *Store) Extract(ctx context.Context, ev *events.CanonicalEvent) (events.FeatureVector, error) {
	_, span := tracer.Start(ctx, "baseline.extract")
	defer span.End()
	span.SetAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.actor", ev.Actor),
	)

	sl, err := s.acquire(ev.Actor, true)
	if err != nil {
		return events.FeatureVector{}, err
	}
	defer s.release(sl)

	class := normalize.ResourceClass(ev)
	vec := events.FeatureVector{
		EventID:  ev.ID,
		Features: Features(ev, class, sl.baseline, s.cfg),
	}

	if sl.baseline != nil && ev.Timestamp.Before(sl.baseline.LastSeen.Add(-s.cfg.SkewTolerance)) {
		vec.Stale = true
		span.SetAttributes(attribute.Bool("event.stale", true))
		s.logger.WarnContext(
			ctx,
			"stale event scored against current baseline",
			slog.String("eventID", ev.ID),
			slog.String("actor", ev.Actor),
			slog.Time("eventTime", ev.Timestamp),
			slog.Time("lastSeen", sl.baseline.LastSeen),
		)
		return vec, nil
	}

	if sl.baseline == nil {
		sl.baseline = newActorBaseline(ev.Actor)
	}
	sl.baseline.observe(observation{
		at:       ev.Timestamp,
		action:   ev.Action,
		class:    class,
		resource: ev.Resource,
		origin:   ev.SourceIP,
		region:   ev.Region,
		failed:   ev.ErrorCode != "",
	}, s.cfg)

	s.advanceWatermark(ev.Timestamp)

	return vec, nil
}

// Preview computes the feature vector for ev without mutating any baseline.
func (s *Store) Preview(ctx context.Context, ev *events.CanonicalEvent) (events.FeatureVector, error) {
	vec := events.FeatureVector{EventID: ev.ID}

	sl, err := s.acquire(ev.Actor, false)
	if err != nil {
		return vec, err
	}
	var b *ActorBaseline
	if sl != nil {
		b = sl.baseline
		defer s.release(sl)
	}

	vec.Features = Features(ev, normalize.ResourceClass(ev), b, s.cfg)
	vec.Stale = b != nil && ev.Timestamp.Before(b.LastSeen.Add(-s.cfg.SkewTolerance))
	return vec, nil
}

// Baseline returns a copy of the actor's baseline, or nil if none exists.
func (s *Store) Baseline(actor string) *ActorBaseline {
	sl, _ := s.acquire(actor, false)
	if sl == nil {
		return nil
	}
	defer s.release(sl)
	return sl.baseline.Clone()
}

// Len reports the number of tracked actors.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Watermark returns the latest event time folded into any baseline.
func (s *Store) Watermark() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.watermark
}

// Evict removes actors whose last activity is older than reference minus
// the retention window. Actors with extractions in flight are skipped.
func (s *Store) Evict(reference time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(reference)
}

// EvictExpired evicts relative to the store's event-time watermark.
func (s *Store) EvictExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictLocked(s.watermark)
}

func (s *Store) evictLocked(reference time.Time) int {
	if reference.IsZero() {
		return 0
	}
	cutoff := reference.Add(-s.cfg.RetentionWindow)

	evicted := 0
	for actor, sl := range s.slots {
		// inflight == 0 means no goroutine holds or waits for sl.mu.
		if sl.inflight > 0 {
			continue
		}
		if sl.baseline == nil || sl.baseline.LastSeen.Before(cutoff) {
			delete(s.slots, actor)
			evicted++
		}
	}
	return evicted
}

// Snapshot returns deep copies of all baselines ordered by actor.
func (s *Store) Snapshot() []*ActorBaseline {
	s.mu.Lock()
	actors := make([]string, 0, len(s.slots))
	for actor := range s.slots {
		actors = append(actors, actor)
	}
	s.mu.Unlock()
	sort.Strings(actors)

	out := make([]*ActorBaseline, 0, len(actors))
	for _, actor := range actors {
		if b := s.Baseline(actor); b != nil {
			out = append(out, b)
		}
	}
	return out
}

// Restore loads baselines into the store, replacing existing entries for the
// same actors. Actors with extractions in flight keep their live baseline.
func (s *Store) Restore(baselines []*ActorBaseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range baselines {
		if b == nil || b.Actor == "" {
			continue
		}
		live, ok := s.slots[b.Actor]
		if ok && live.inflight > 0 {
			continue
		}
		if !ok && len(s.slots) >= s.cfg.MaxActors {
			return fmt.Errorf("cannot restore baseline for %q: %w", b.Actor, ErrStoreExhausted)
		}
		c := b.Clone()
		if c.Contexts == nil {
			c.Contexts = make(map[string]float64)
		}
		if c.Actions == nil {
			c.Actions = make(map[string]float64)
		}
		if c.Resources == nil {
			c.Resources = make(map[string]time.Time)
		}
		if c.Origins == nil {
			c.Origins = make(map[string]time.Time)
		}
		if c.Regions == nil {
			c.Regions = make(map[string]time.Time)
		}
		c.SchemaFormat = schemaFormat
		s.slots[b.Actor] = &slot{baseline: c}
		s.advanceWatermarkLocked(c.LastSeen)
	}
	return nil
}

// acquire locks the actor's slot, creating it when create is set.
// It returns a nil slot without error if the actor is unknown and create is unset.
func (s *Store) acquire(actor string, create bool) (*slot, error) {
	s.mu.Lock()
	sl, ok := s.slots[actor]
	if !ok {
		if !create {
			s.mu.Unlock()
			return nil, nil
		}
		if len(s.slots) >= s.cfg.MaxActors {
			s.evictLocked(s.watermark)
			if len(s.slots) >= s.cfg.MaxActors {
				n := len(s.slots)
				s.mu.Unlock()
				return nil, fmt.Errorf("cannot admit actor %q with %d actors tracked: %w", actor, n, ErrStoreExhausted)
			}
		}
		sl = &slot{}
		s.slots[actor] = sl
	}
	sl.inflight++
	s.mu.Unlock()

	sl.mu.Lock()
	return sl, nil
}

func (s *Store) release(sl *slot) {
	sl.mu.Unlock()

	s.mu.Lock()
	sl.inflight--
	s.mu.Unlock()
}

func (s *Store) advanceWatermark(t time.Time) {
	s.mu.Lock()
	s.advanceWatermarkLocked(t)
	s.mu.Unlock()
}

// advanceWatermarkLocked moves the watermark to t, never past the wall clock
// plus FutureTolerance.
func (s *Store) advanceWatermarkLocked(t time.Time) {
	if limit := s.now().Add(s.cfg.FutureTolerance); t.After(limit) {
		s.logger.Warn(
			"clamping event-time watermark to wall clock",
			slog.Time("eventTime", t),
			slog.Time("limit", limit),
		)
		t = limit
	}
	if t.After(s.watermark) {
		s.watermark = t
	}
}

package audit

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/baseline"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

// MemoryStore keeps decisions in memory. Used by replays and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	closed    bool
	decisions []*events.Decision
	alerts    []*events.Alert
	alerted   map[string]struct{}
	baselines []*baseline.ActorBaseline
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerted: make(map[string]struct{})}
}

// RecordDecision appends d.
func (s *MemoryStore) RecordDecision(ctx context.Context, d *events.Decision) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if d.Alert != nil {
		if _, dup := s.alerted[d.Alert.EventID]; dup {
			return fmt.Errorf("cannot record alert %q for event %q: %w", d.Alert.ID, d.Alert.EventID, ErrDuplicateAlert)
		}
		s.alerted[d.Alert.EventID] = struct{}{}
		a := *d.Alert
		s.alerts = append(s.alerts, &a)
	}

	cp := *d
	s.decisions = append(s.decisions, &cp)
	return nil
}

// Decisions returns all recorded decisions in recording order.
func (s *MemoryStore) Decisions() []*events.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.decisions)
}

// QueryAlerts returns matching alerts, newest first.
func (s *MemoryStore) QueryAlerts(ctx context.Context, q AlertQuery) ([]*events.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*events.Alert
	for _, a := range s.alerts {
		if q.match(a) {
			out = append(out, a)
		}
	}

	slices.SortStableFunc(out, func(a, b *events.Alert) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// SaveBaselines replaces the stored checkpoint.
func (s *MemoryStore) SaveBaselines(ctx context.Context, baselines []*baseline.ActorBaseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.baselines = make([]*baseline.ActorBaseline, len(baselines))
	for i, b := range baselines {
		s.baselines[i] = b.Clone()
	}
	return nil
}

// LoadBaselines returns the stored checkpoint.
func (s *MemoryStore) LoadBaselines(ctx context.Context) ([]*baseline.ActorBaseline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*baseline.ActorBaseline, len(s.baselines))
	for i, b := range s.baselines {
		out[i] = b.Clone()
	}
	return out, nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

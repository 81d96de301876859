package fusion

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

// Policy decides what happens to suppressed alerts once their window expires.
type Policy string

const (
	// PolicyNeverRetry drops suppressed alerts; they remain only in the audit log.
	PolicyNeverRetry Policy = "never-retry"
	// PolicyFireOnExpiry emits one digest per key when its window expires.
	PolicyFireOnExpiry Policy = "fire-on-expiry"
)

// ParsePolicy converts a policy name into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyNeverRetry, PolicyFireOnExpiry:
		return p, nil
	default:
		return "", fmt.Errorf("unknown suppression policy: %q", s)
	}
}

// SuppressionConfig bounds alert volume per (actor, dominant signal).
type SuppressionConfig struct {
	Window   time.Duration
	MaxCount int
	Policy   Policy
}

// Validate checks the configuration.
func (c SuppressionConfig) Validate() error {
	if c.Window <= 0 {
		return fmt.Errorf("suppression window must be positive: %s", c.Window)
	}
	if c.MaxCount <= 0 {
		return fmt.Errorf("suppression max count must be positive: %d", c.MaxCount)
	}
	if _, err := ParsePolicy(string(c.Policy)); err != nil {
		return err
	}
	return nil
}

type key struct {
	actor  string
	signal string
}

type window struct {
	delivered []time.Time

	suppressed      int
	firstSuppressed time.Time
	lastSuppressed  time.Time
	lastAlertID     string
	maxSeverity     events.Severity
}

// Suppressor enforces a sliding window of at most MaxCount delivered alerts
// per key. Window time is event time, so replays behave like live traffic.
type Suppressor struct {
	cfg SuppressionConfig

	mu      sync.Mutex
	windows map[key]*window
}

// NewSuppressor creates a suppressor.
func NewSuppressor(cfg SuppressionConfig) (*Suppressor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Suppressor{
		cfg:     cfg,
		windows: make(map[key]*window),
	}, nil
}

// Admit reports whether a may be delivered. A rejected alert is marked
// suppressed with reason rate_limited. Suppressed alerts do not extend the window.
func (s *Suppressor) Admit(a *events.Alert) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{actor: a.Actor, signal: a.DominantSignal}
	w, ok := s.windows[k]
	if !ok {
		w = &window{}
		s.windows[k] = w
	}

	at := a.Timestamp
	cutoff := at.Add(-s.cfg.Window)
	w.delivered = slices.DeleteFunc(w.delivered, func(t time.Time) bool {
		return !t.After(cutoff)
	})

	if len(w.delivered) >= s.cfg.MaxCount {
		a.Suppressed = true
		a.SuppressionReason = events.ReasonRateLimited

		if w.suppressed == 0 || at.Before(w.firstSuppressed) {
			w.firstSuppressed = at
		}
		if at.After(w.lastSuppressed) {
			w.lastSuppressed = at
		}
		w.suppressed++
		w.lastAlertID = a.ID
		w.maxSeverity = events.MaxSeverity(w.maxSeverity, a.CombinedSeverity)
		return false
	}

	i := sort.Search(len(w.delivered), func(i int) bool { return w.delivered[i].After(at) })
	w.delivered = slices.Insert(w.delivered, i, at)
	return true
}

// Sweep drops keys with no activity inside the window ending at now and
// returns digests for expired keys that suppressed alerts when the policy is
// fire-on-expiry. Digests are ordered by actor then signal.
func (s *Suppressor) Sweep(now time.Time) []events.SuppressionDigest {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.cfg.Window)
	var digests []events.SuppressionDigest

	for k, w := range s.windows {
		last := w.lastSuppressed
		if n := len(w.delivered); n > 0 && w.delivered[n-1].After(last) {
			last = w.delivered[n-1]
		}
		if last.After(cutoff) {
			continue
		}

		delete(s.windows, k)
		if s.cfg.Policy == PolicyFireOnExpiry && w.suppressed > 0 {
			digests = append(digests, events.SuppressionDigest{
				Actor:          k.actor,
				DominantSignal: k.signal,
				Count:          w.suppressed,
				FirstAt:        w.firstSuppressed,
				LastAt:         w.lastSuppressed,
				LastAlertID:    w.lastAlertID,
				MaxSeverity:    w.maxSeverity,
			})
		}
	}

	sort.Slice(digests, func(i, j int) bool {
		if digests[i].Actor != digests[j].Actor {
			return digests[i].Actor < digests[j].Actor
		}
		return digests[i].DominantSignal < digests[j].DominantSignal
	})
	return digests
}

// Len reports the number of tracked keys.
func (s *Suppressor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

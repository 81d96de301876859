package baseline

import (
	"math"
	"slices"
	"strconv"
	"strings"
	"time"
)

// BucketsPerDay is the number of time-of-day buckets used for context counters.
const BucketsPerDay = 6

// ActorBaseline is the behavioral history of one actor. Counters are
// exponentially decayed relative to LastSeen.
type ActorBaseline struct {
	Actor        string               `json:"actor"`
	Contexts     map[string]float64   `json:"contexts"`
	Actions      map[string]float64   `json:"actions"`
	Hours        [24]float64          `json:"hours"`
	Total        float64              `json:"total"`
	Resources    map[string]time.Time `json:"resources"`
	Origins      map[string]time.Time `json:"origins"`
	Regions      map[string]time.Time `json:"regions"`
	// Recent holds the last RecentActions actions, oldest first.
	Recent       []string             `json:"recent"`
	// Errors is the count of failed requests, halved every ErrorHalfLife.
	Errors       float64              `json:"errors"`
	EventCount   int64                `json:"eventCount"`
	LastSeen     time.Time            `json:"lastSeen"`
	FirstSeen    time.Time            `json:"firstSeen"`
	SchemaFormat int                  `json:"schemaFormat"`
}

const schemaFormat = 2

const (
	// RecentActions bounds the action history used for sequence features.
	RecentActions = 16
	// ErrorHalfLife is the decay rate of the failed request counter.
	ErrorHalfLife = 10 * time.Minute
)

func newActorBaseline(actor string) *ActorBaseline {
	return &ActorBaseline{
		Actor:        actor,
		Contexts:     make(map[string]float64),
		Actions:      make(map[string]float64),
		Resources:    make(map[string]time.Time),
		Origins:      make(map[string]time.Time),
		Regions:      make(map[string]time.Time),
		SchemaFormat: schemaFormat,
	}
}

// Clone returns a deep copy.
func (b *ActorBaseline) Clone() *ActorBaseline {
	if b == nil {
		return nil
	}
	c := *b
	c.Contexts = cloneMap(b.Contexts)
	c.Actions = cloneMap(b.Actions)
	c.Resources = cloneMap(b.Resources)
	c.Origins = cloneMap(b.Origins)
	c.Regions = cloneMap(b.Regions)
	c.Recent = slices.Clone(b.Recent)
	return &c
}

func cloneMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// decayFactor returns the multiplier that brings counters stored at LastSeen
// forward to at. Events at or before LastSeen are not decayed.
func (b *ActorBaseline) decayFactor(at time.Time, factor float64, unit time.Duration) float64 {
	if b.LastSeen.IsZero() || !at.After(b.LastSeen) || factor >= 1 {
		return 1
	}
	dt := at.Sub(b.LastSeen)
	return math.Pow(factor, float64(dt)/float64(unit))
}

// errorDecay returns the multiplier for Errors at time at.
func (b *ActorBaseline) errorDecay(at time.Time) float64 {
	return b.decayFactor(at, 0.5, ErrorHalfLife)
}

// observe folds one event into the baseline. It must only be called for
// events that are not stale.
func (b *ActorBaseline) observe(o observation, cfg Config) {
	b.Errors *= b.errorDecay(o.at)
	if o.failed {
		b.Errors++
	}

	if f := b.decayFactor(o.at, cfg.DecayFactor, cfg.DecayUnit); f < 1 {
		for k, v := range b.Contexts {
			b.Contexts[k] = v * f
		}
		for k, v := range b.Actions {
			b.Actions[k] = v * f
		}
		for i := range b.Hours {
			b.Hours[i] *= f
		}
		b.Total *= f
	}

	b.Contexts[o.contextKey()]++
	b.Actions[o.action]++
	b.Hours[o.at.Hour()]++
	b.Total++
	b.EventCount++

	if o.resource != "" {
		b.Resources[o.resource] = o.at
		trimOldest(b.Resources, cfg.MaxSetSize)
	}
	if o.origin != "" {
		b.Origins[o.origin] = o.at
		trimOldest(b.Origins, cfg.MaxSetSize)
	}
	if o.region != "" {
		b.Regions[o.region] = o.at
		trimOldest(b.Regions, cfg.MaxSetSize)
	}

	b.Recent = append(b.Recent, o.action)
	if n := len(b.Recent); n > RecentActions {
		b.Recent = slices.Clone(b.Recent[n-RecentActions:])
	}

	if b.FirstSeen.IsZero() || o.at.Before(b.FirstSeen) {
		b.FirstSeen = o.at
	}
	if o.at.After(b.LastSeen) {
		b.LastSeen = o.at
	}
}

// trimOldest removes the least recently seen entries until len(m) <= limit.
func trimOldest(m map[string]time.Time, limit int) {
	for limit > 0 && len(m) > limit {
		var (
			oldestKey string
			oldestAt  time.Time
			first     = true
		)
		for k, at := range m {
			if first || at.Before(oldestAt) || (at.Equal(oldestAt) && k < oldestKey) {
				oldestKey, oldestAt, first = k, at, false
			}
		}
		delete(m, oldestKey)
	}
}

// observation is the subset of an event the baseline tracks.
type observation struct {
	at       time.Time
	action   string
	class    string
	resource string
	origin   string
	region   string
	failed   bool
}

func (o observation) contextKey() string {
	return contextKey(o.action, o.class, timeBucket(o.at))
}

func contextKey(action, class string, bucket int) string {
	var sb strings.Builder
	sb.WriteString(action)
	sb.WriteByte('|')
	sb.WriteString(class)
	sb.WriteByte('|')
	sb.WriteString(strconv.Itoa(bucket))
	return sb.String()
}

func timeBucket(t time.Time) int {
	return t.Hour() / (24 / BucketsPerDay)
}

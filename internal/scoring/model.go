// Package scoring loads anomaly models and scores feature vectors with them.
package scoring

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

// Kind identifies the model family stored in an artifact.
type Kind string

const (
	KindLogistic        Kind = "logistic"
	KindIsolationForest Kind = "isolation_forest"
)

const maxContributions = 3

// Model is a loaded, immutable scoring model.
type Model struct {
	Version  string    `json:"version"`
	Kind     Kind      `json:"kind"`
	Features []string  `json:"features"`
	Logistic *Logistic `json:"logistic,omitempty"`
	Forest   *Forest   `json:"forest,omitempty"`
}

// Logistic is a linear model over standardized features.
type Logistic struct {
	Bias    float64   `json:"bias"`
	Weights []float64 `json:"weights"`
	Means   []float64 `json:"means"`
	Scales  []float64 `json:"scales"`
}

// LoadModel reads a model artifact from path.
func LoadModel(path string) (*Model, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read model %q: %w", path, err)
	}
	return ParseModel(b)
}

// ParseModel decodes and validates a model artifact.
func ParseModel(b []byte) (*Model, error) {
	var m Model
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("cannot decode model: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("invalid model %q: %w", m.Version, err)
	}
	return &m, nil
}

func (m *Model) validate() error {
	if m.Version == "" {
		return errors.New("missing version")
	}
	if len(m.Features) == 0 {
		return errors.New("no features")
	}
	n := len(m.Features)

	switch m.Kind {
	case KindLogistic:
		l := m.Logistic
		if l == nil {
			return errors.New("missing logistic parameters")
		}
		if len(l.Weights) != n {
			return fmt.Errorf("%d weights for %d features", len(l.Weights), n)
		}
		if len(l.Means) != 0 && len(l.Means) != n || len(l.Scales) != 0 && len(l.Scales) != n {
			return errors.New("means and scales must match features")
		}
	case KindIsolationForest:
		f := m.Forest
		if f == nil || len(f.Trees) == 0 {
			return errors.New("missing forest trees")
		}
		if f.SampleSize < 2 {
			return fmt.Errorf("sample size must be at least 2: %d", f.SampleSize)
		}
		for i, t := range f.Trees {
			if err := t.validate(n); err != nil {
				return fmt.Errorf("tree %d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unknown model kind %q", m.Kind)
	}
	return nil
}

// Score computes the anomaly score in [0, 1] for vec. Equal inputs always
// produce equal outputs.
func (m *Model) Score(vec events.FeatureVector) (events.AnomalyScore, error) {
	x, err := m.project(vec)
	if err != nil {
		return events.AnomalyScore{}, err
	}

	var (
		score         float64
		contributions []events.Contribution
	)
	switch m.Kind {
	case KindLogistic:
		score, contributions = m.Logistic.score(m.Features, x)
	case KindIsolationForest:
		score, contributions = m.Forest.score(m.Features, x)
	default:
		return events.AnomalyScore{}, fmt.Errorf("unknown model kind %q", m.Kind)
	}

	if math.IsNaN(score) {
		return events.AnomalyScore{}, errors.New("model produced NaN")
	}

	return events.AnomalyScore{
		EventID:       vec.EventID,
		Score:         math.Max(0, math.Min(1, score)),
		ModelVersion:  m.Version,
		Contributions: topContributions(contributions),
	}, nil
}

// project orders vector values to match the model's feature list.
func (m *Model) project(vec events.FeatureVector) ([]float64, error) {
	x := make([]float64, len(m.Features))
	for i, name := range m.Features {
		v, ok := vec.Get(name)
		if !ok {
			return nil, fmt.Errorf("feature %q missing from vector", name)
		}
		x[i] = v
	}
	return x, nil
}

func (l *Logistic) score(names []string, x []float64) (float64, []events.Contribution) {
	logit := l.Bias
	contributions := make([]events.Contribution, 0, len(x))

	for i, v := range x {
		z := standardize(v, i, l.Means, l.Scales)
		c := l.Weights[i] * z
		logit += c
		contributions = append(contributions, events.Contribution{Feature: names[i], Value: v, Weight: c})
	}

	return 1 / (1 + math.Exp(-logit)), contributions
}

func standardize(v float64, i int, means, scales []float64) float64 {
	if len(means) > i {
		v -= means[i]
	}
	if len(scales) > i && scales[i] != 0 {
		v /= scales[i]
	}
	return v
}

// topContributions keeps the largest positive contributions.
func topContributions(cs []events.Contribution) []events.Contribution {
	out := make([]events.Contribution, 0, len(cs))
	for _, c := range cs {
		if c.Weight > 0 {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Weight > out[j].Weight
	})
	if len(out) > maxContributions {
		out = out[:maxContributions]
	}
	return out
}

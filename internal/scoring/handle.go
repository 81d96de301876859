package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

var tracer = otel.Tracer("github.com/ab0utbla-k/audit-anomaly-detector/internal/scoring")

// ErrModelNotLoaded is returned when scoring is requested before a model is available.
var ErrModelNotLoaded = errors.New("model not loaded")

// Scorer produces anomaly scores for feature vectors.
type Scorer interface {
	// Score returns a score in [0, 1]. It never applies thresholds.
	Score(ctx context.Context, vec events.FeatureVector) (events.AnomalyScore, error)
}

// Handle owns the active model. Models can be swapped at any time; in-flight
// scoring keeps the model it started with.
type Handle struct {
	model           atomic.Pointer[Model]
	expectedVersion string
	logger          *slog.Logger
}

// NewHandle creates a handle with no model loaded. When expectedVersion is
// non-empty, only models with that version are accepted.
func NewHandle(expectedVersion string, logger *slog.Logger) *Handle {
	return &Handle{
		expectedVersion: expectedVersion,
		logger:          logger,
	}
}

// Load reads the model at path and makes it active.
func (h *Handle) Load(path string) error {
	m, err := LoadModel(path)
	if err != nil {
		return err
	}
	return h.Set(m)
}

// Set makes m the active model.
func (h *Handle) Set(m *Model) error {
	if m == nil {
		return errors.New("nil model")
	}
	if h.expectedVersion != "" && m.Version != h.expectedVersion {
		return fmt.Errorf("model version %q does not match expected %q", m.Version, h.expectedVersion)
	}

	prev := h.model.Swap(m)

	attrs := []any{slog.String("modelVersion", m.Version), slog.String("kind", string(m.Kind))}
	if prev != nil {
		attrs = append(attrs, slog.String("previousVersion", prev.Version))
	}
	h.logger.Info("model loaded", attrs...)

	return nil
}

// Version returns the active model version, or "" if none is loaded.
func (h *Handle) Version() string {
	if m := h.model.Load(); m != nil {
		return m.Version
	}
	return ""
}

// Score scores vec with the active model.
func (h *Handle) Score(ctx context.Context, vec events.FeatureVector) (events.AnomalyScore, error) {
	_, span := tracer.Start(ctx, "scoring.score")
	defer span.End()
	span.SetAttributes(attribute.String("event.id", vec.EventID))

	m := h.model.Load()
	if m == nil {
		span.SetStatus(codes.Error, ErrModelNotLoaded.Error())
		return events.AnomalyScore{}, ErrModelNotLoaded
	}

	score, err := m.Score(vec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return events.AnomalyScore{}, fmt.Errorf("cannot score with model %q: %w", m.Version, err)
	}

	span.SetAttributes(
		attribute.String("model.version", score.ModelVersion),
		attribute.Float64("anomaly.score", score.Score),
	)
	return score, nil
}

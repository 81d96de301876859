package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

var tracer = otel.Tracer("github.com/ab0utbla-k/audit-anomaly-detector/internal/rules")

// ErrNoRuleSet is returned when evaluation is requested before any rule set is loaded.
var ErrNoRuleSet = errors.New("no rule set loaded")

// Evaluator evaluates rules against an event and its feature vector.
type Evaluator interface {
	Evaluate(ctx context.Context, ev *events.CanonicalEvent, vec events.FeatureVector) ([]events.RuleFinding, error)
}

// Engine evaluates the active rule set. The set can be replaced while
// evaluations are in flight; each evaluation uses a single snapshot.
type Engine struct {
	set    atomic.Pointer[Set]
	logger *slog.Logger
}

// NewEngine creates an engine with no rule set.
func NewEngine(logger *slog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Swap installs set as the active rule set and returns the previous one.
func (e *Engine) Swap(set *Set) *Set {
	prev := e.set.Swap(set)
	e.logger.Info(
		"rule set installed",
		slog.String("version", set.Version),
		slog.String("source", set.Source),
		slog.Int("rules", len(set.Rules)),
	)
	return prev
}

// Current returns the active rule set, or nil.
func (e *Engine) Current() *Set {
	return e.set.Load()
}

// Evaluate returns a finding for every matching rule. A rule that fails or
// panics produces a low-severity error finding and does not stop the others.
func (e *Engine) Evaluate(ctx context.Context, ev *events.CanonicalEvent, vec events.FeatureVector) ([]events.RuleFinding, error) {
	ctx, span := tracer.Start(ctx, "rules.evaluate")
	defer span.End()

	set := e.set.Load()
	if set == nil {
		return nil, ErrNoRuleSet
	}
	span.SetAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("rules.version", set.Version),
	)

	var findings []events.RuleFinding
	for _, r := range set.Rules {
		if err := ctx.Err(); err != nil {
			return findings, err
		}

		matched, err := evaluateRule(r, ev, vec)
		if err != nil {
			e.logger.WarnContext(
				ctx,
				"rule evaluation failed",
				slog.String("ruleID", r.ID),
				slog.String("eventID", ev.ID),
				slog.String("error", err.Error()),
			)
			findings = append(findings, events.RuleFinding{
				RuleID:      r.ID,
				EventID:     ev.ID,
				Severity:    events.SeverityLow,
				Description: "rule evaluation error: " + err.Error(),
				Error:       true,
			})
			continue
		}
		if matched {
			findings = append(findings, events.RuleFinding{
				RuleID:      r.ID,
				EventID:     ev.ID,
				Severity:    r.Severity,
				Description: r.Description,
			})
		}
	}

	span.SetAttributes(attribute.Int("rules.findings", len(findings)))
	return findings, nil
}

func evaluateRule(r *Rule, ev *events.CanonicalEvent, vec events.FeatureVector) (matched bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			matched, err = false, fmt.Errorf("panic: %v", p)
		}
	}()
	return r.Match(ev, vec)
}

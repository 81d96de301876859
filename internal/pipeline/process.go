package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/audit"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/baseline"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/fusion"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/metrics"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/normalize"
)

// handle drives one record to its terminal state. The returned decision is
// always recorded before delivery is attempted.
func (p *Pipeline) handle(ctx context.Context, it item) (*events.Decision, error) {
	ctx, span := tracer.Start(ctx, "pipeline.process")
	defer span.End()
	span.AddEvent("received", trace.WithAttributes(
		attribute.String("record.provider", string(it.rec.Provider)),
	))

	d, err := p.decide(ctx, span, it)
	d.RecordedAt = p.now()

	recErr := p.deps.Recorder.RecordDecision(ctx, d)
	if errors.Is(recErr, audit.ErrDuplicateAlert) {
		p.logger.InfoContext(
			ctx,
			"alert already recorded for event",
			slog.String("alertID", d.Alert.ID),
			slog.String("eventID", d.EventID),
		)
		d = duplicateOf(d, "alert already recorded")
		recErr = p.deps.Recorder.RecordDecision(ctx, d)
	}
	if recErr != nil {
		p.logger.ErrorContext(
			ctx,
			"cannot record decision",
			slog.String("eventID", d.EventID),
			slog.String("outcome", string(d.Outcome)),
			slog.String("error", recErr.Error()),
		)
	}

	if d.Outcome == events.OutcomeAlerted {
		if sendErr := p.deps.Sender.Send(ctx, d.Alert); sendErr != nil {
			p.logger.ErrorContext(
				ctx,
				"cannot send alert",
				slog.String("alertID", d.Alert.ID),
				slog.String("eventID", d.EventID),
				slog.String("error", sendErr.Error()),
			)
		}
	}

	p.observe(d, it)

	span.AddEvent(string(d.Outcome), trace.WithAttributes(
		attribute.String("decision.reason", d.Reason),
		attribute.Int("decision.tier", d.Tier),
	))
	span.SetAttributes(
		attribute.String("decision.outcome", string(d.Outcome)),
		attribute.String("decision.reason", d.Reason),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	if it.rec.Done != nil {
		it.rec.Done(d, err)
	}
	return d, err
}

// decide returns a decision for every record. The error is non-nil only
// when intake halted.
func (p *Pipeline) decide(ctx context.Context, span trace.Span, it item) (*events.Decision, error) {
	if it.err != nil {
		ref := normalize.RawRef(it.rec.Raw)
		p.logger.WarnContext(
			ctx,
			"skipping malformed record",
			slog.String("provider", string(it.rec.Provider)),
			slog.String("rawRef", ref),
			slog.String("error", it.err.Error()),
		)
		return &events.Decision{
			EventID:  ref,
			Provider: it.rec.Provider,
			Outcome:  events.OutcomeDiscarded,
			Reason:   events.ReasonMalformedRecord,
			Detail:   it.err.Error(),
		}, nil
	}

	ev := it.ev
	span.SetAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("event.actor", ev.Actor),
		attribute.String("event.action", ev.Action),
	)

	d := &events.Decision{
		EventID:   ev.ID,
		Actor:     ev.Actor,
		Provider:  ev.Provider,
		EventTime: ev.Timestamp,
		Outcome:   events.OutcomeDiscarded,
	}

	if p.halted.Load() {
		d.Reason = events.ReasonStoreExhausted
		return d, ErrIntakeHalted
	}

	if !p.seen.claim(ev.ID, ev.Timestamp, p.deps.Baselines.Watermark()) {
		p.logger.InfoContext(
			ctx,
			"skipping duplicate event",
			slog.String("eventID", ev.ID),
			slog.String("actor", ev.Actor),
		)
		return duplicateOf(d, "event already processed"), nil
	}

	vec, err := p.deps.Baselines.Extract(ctx, ev)
	if err != nil {
		d.Detail = err.Error()
		if errors.Is(err, baseline.ErrStoreExhausted) {
			// Unapplied events stay eligible for redelivery.
			p.seen.release(ev.ID)
			d.Reason = events.ReasonStoreExhausted
			if p.halted.CompareAndSwap(false, true) {
				p.deps.Faults.Fault(
					ctx,
					metrics.FaultIntakeHalted,
					slog.String("eventID", ev.ID),
					slog.String("actor", ev.Actor),
					slog.Int("trackedActors", p.deps.Baselines.Len()),
				)
			}
			return d, fmt.Errorf("%w: %w", ErrIntakeHalted, err)
		}

		d.Reason = events.ReasonDetectionUnavailable
		p.deps.Faults.Fault(
			ctx,
			metrics.FaultDetectionUnavailable,
			slog.String("eventID", ev.ID),
			slog.String("error", err.Error()),
		)
		return d, nil
	}
	d.Stale = vec.Stale

	in := p.detect(ctx, ev, vec)
	if in.Score != nil {
		span.AddEvent("scored", trace.WithAttributes(
			attribute.Float64("score", in.Score.Score),
			attribute.String("model.version", in.Score.ModelVersion),
		))
	}
	if in.RulesErr == nil {
		span.AddEvent("rules_evaluated", trace.WithAttributes(
			attribute.Int("rules.findings", len(in.Findings)),
		))
	}

	v := fusion.Fuse(in, p.opts.Thresholds)
	span.AddEvent("fused", trace.WithAttributes(
		attribute.Bool("fusion.alert", v.Alert),
		attribute.String("fusion.reason", v.Reason),
	))

	d.Reason = v.Reason
	d.Tier = v.Tier
	d.Degraded = v.Degraded
	d.Score = in.Score
	d.Findings = in.Findings

	if !v.Alert {
		if v.Reason == events.ReasonDetectionUnavailable {
			d.Detail = strings.Join(v.Explanation, "; ")
			p.deps.Faults.Fault(
				ctx,
				metrics.FaultDetectionUnavailable,
				slog.String("eventID", ev.ID),
				slog.String("actor", ev.Actor),
				slog.String("detail", d.Detail),
			)
		}
		return d, nil
	}

	a := &events.Alert{
		ID:                  uuid.NewString(),
		EventID:             ev.ID,
		Actor:               ev.Actor,
		Timestamp:           ev.Timestamp,
		CombinedSeverity:    v.Severity,
		ContributingRuleIDs: v.RuleIDs,
		DominantSignal:      v.DominantSignal,
		Tier:                v.Tier,
		Explanation:         v.Explanation,
		Event:               ev,
	}
	if in.Score != nil {
		score := in.Score.Score
		a.ContributingScore = &score
		a.ModelVersion = in.Score.ModelVersion
	}
	d.Alert = a

	if p.deps.Suppressor.Admit(a) {
		d.Outcome = events.OutcomeAlerted
		return d, nil
	}

	d.Outcome = events.OutcomeSuppressed
	d.Reason = events.ReasonRateLimited
	d.Detail = "fused as " + v.Reason
	p.logger.InfoContext(
		ctx,
		"alert suppressed",
		slog.String("alertID", a.ID),
		slog.String("actor", a.Actor),
		slog.String("signal", a.DominantSignal),
	)
	return d, nil
}

// duplicateOf turns d into the discard decision for a repeated event.
func duplicateOf(d *events.Decision, detail string) *events.Decision {
	return &events.Decision{
		EventID:    d.EventID,
		Actor:      d.Actor,
		Provider:   d.Provider,
		EventTime:  d.EventTime,
		Outcome:    events.OutcomeDiscarded,
		Reason:     events.ReasonDuplicateEvent,
		Detail:     detail,
		RecordedAt: d.RecordedAt,
	}
}

type scoreResult struct {
	score events.AnomalyScore
	err   error
}

type rulesResult struct {
	findings []events.RuleFinding
	err      error
}

// detect runs scoring and rule evaluation concurrently and joins them under
// the fusion timeout. A detector that fails, panics or misses the deadline
// is reported as failed.
func (p *Pipeline) detect(ctx context.Context, ev *events.CanonicalEvent, vec events.FeatureVector) fusion.Input {
	ctx, cancel := context.WithTimeout(ctx, p.opts.FusionTimeout)
	defer cancel()

	scoreCh := make(chan scoreResult, 1)
	rulesCh := make(chan rulesResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				scoreCh <- scoreResult{err: fmt.Errorf("scorer panic: %v", r)}
			}
		}()
		s, err := p.deps.Scorer.Score(ctx, vec)
		scoreCh <- scoreResult{score: s, err: err}
	}()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				rulesCh <- rulesResult{err: fmt.Errorf("rule engine panic: %v", r)}
			}
		}()
		f, err := p.deps.Rules.Evaluate(ctx, ev, vec)
		rulesCh <- rulesResult{findings: f, err: err}
	}()

	var in fusion.Input

	if r, ok := await(ctx, scoreCh); !ok {
		in.ScoreErr = fmt.Errorf("scoring timed out: %w", ctx.Err())
	} else if r.err != nil {
		in.ScoreErr = r.err
	} else {
		in.Score = &r.score
	}

	if r, ok := await(ctx, rulesCh); !ok {
		in.RulesErr = fmt.Errorf("rule evaluation timed out: %w", ctx.Err())
	} else {
		in.Findings, in.RulesErr = r.findings, r.err
	}

	if in.ScoreErr != nil {
		metrics.DetectorFailuresTotal.WithLabelValues(events.DetectorScorer).Inc()
		p.logger.WarnContext(
			ctx,
			"scoring unavailable, continuing with rules only",
			slog.String("eventID", ev.ID),
			slog.String("error", in.ScoreErr.Error()),
		)
	}
	if in.RulesErr != nil {
		in.Findings = nil
		metrics.DetectorFailuresTotal.WithLabelValues(events.DetectorRules).Inc()
		p.logger.WarnContext(
			ctx,
			"rule evaluation unavailable, continuing with score only",
			slog.String("eventID", ev.ID),
			slog.String("error", in.RulesErr.Error()),
		)
	}

	return in
}

// await waits for a result until ctx is done. A result that is ready at the
// deadline is still taken.
func await[T any](ctx context.Context, ch <-chan T) (T, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-ctx.Done():
	}

	select {
	case v := <-ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

func (p *Pipeline) observe(d *events.Decision, it item) {
	metrics.DecisionsTotal.WithLabelValues(string(d.Outcome), d.Reason).Inc()
	metrics.ProcessingDuration.Observe(p.now().Sub(it.received).Seconds())

	if d.Stale {
		metrics.StaleEventsTotal.Inc()
	}
	if d.Score != nil {
		metrics.AnomalyScore.Observe(d.Score.Score)
	}
	for _, f := range d.Findings {
		metrics.RuleMatchesTotal.WithLabelValues(f.RuleID, strconv.FormatBool(f.Error)).Inc()
	}
	if d.Outcome == events.OutcomeAlerted {
		metrics.AlertsTotal.WithLabelValues(d.Alert.CombinedSeverity.String(), strconv.Itoa(d.Tier)).Inc()
	}
	metrics.TrackedActors.Set(float64(p.deps.Baselines.Len()))
}

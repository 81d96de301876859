// Package fusion combines anomaly scores and rule findings into alert decisions.
package fusion

import (
	"fmt"
	"strings"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

// SignalML is the dominant signal of alerts driven by the anomaly score.
const SignalML = "ml"

// Thresholds are the anomaly score cut-offs used by the policy.
type Thresholds struct {
	// ML is the minimum score that can corroborate a low or medium finding.
	ML float64
	// MLStrong is the minimum score that alerts on its own.
	MLStrong float64
}

// Validate checks 0 < ML <= MLStrong <= 1.
func (t Thresholds) Validate() error {
	if t.ML <= 0 || t.ML > t.MLStrong || t.MLStrong > 1 {
		return fmt.Errorf("thresholds must satisfy 0 < ml <= ml_strong <= 1: ml=%v ml_strong=%v", t.ML, t.MLStrong)
	}
	return nil
}

// Input carries the outcome of both detectors for one event.
type Input struct {
	Score    *events.AnomalyScore
	ScoreErr error
	Findings []events.RuleFinding
	RulesErr error
}

// Verdict is the policy decision for one event.
type Verdict struct {
	Alert          bool
	Tier           int
	Reason         string
	Severity       events.Severity
	DominantSignal string
	RuleIDs        []string
	Explanation    []string
	Degraded       []string
}

// Fuse applies the tiered policy:
//
//  1. any finding of severity high or above alerts;
//  2. a score >= ML corroborated by a low or medium finding alerts;
//  3. a score >= MLStrong alerts on its own;
//  4. everything else is discarded.
//
// Error findings never corroborate. A failed detector is treated as absent;
// when both fail the event is discarded as detection_unavailable.
func Fuse(in Input, th Thresholds) Verdict {
	scored := in.ScoreErr == nil && in.Score != nil
	ruled := in.RulesErr == nil

	var v Verdict
	if !scored {
		v.Degraded = append(v.Degraded, events.DetectorScorer)
		if in.ScoreErr != nil {
			v.Explanation = append(v.Explanation, "scoring unavailable: "+in.ScoreErr.Error())
		}
	}
	if !ruled {
		v.Degraded = append(v.Degraded, events.DetectorRules)
		v.Explanation = append(v.Explanation, "rule evaluation unavailable: "+in.RulesErr.Error())
	}
	if !scored && !ruled {
		v.Reason = events.ReasonDetectionUnavailable
		return v
	}

	var (
		valid []events.RuleFinding
		top   *events.RuleFinding
	)
	if ruled {
		for i, f := range in.Findings {
			if f.Error {
				continue
			}
			valid = append(valid, f)
			if top == nil || f.Severity > top.Severity {
				top = &in.Findings[i]
			}
		}
	}

	score := 0.0
	if scored {
		score = in.Score.Score
	}

	switch {
	case top != nil && top.Severity >= events.SeverityHigh:
		v.Alert, v.Tier, v.Reason = true, 1, events.ReasonRuleSeverity
		v.Severity = top.Severity
		if scored && score >= th.MLStrong {
			v.Severity = events.SeverityCritical
		}
		v.DominantSignal = top.RuleID

	case scored && top != nil && score >= th.ML:
		v.Alert, v.Tier, v.Reason = true, 2, events.ReasonCorroborated
		mlSeverity := events.SeverityMedium
		if score >= th.MLStrong {
			mlSeverity = events.SeverityHigh
		}
		v.Severity = events.MaxSeverity(top.Severity, mlSeverity)
		v.DominantSignal = top.RuleID
		if mlSeverity > top.Severity {
			v.DominantSignal = SignalML
		}

	case scored && score >= th.MLStrong:
		v.Alert, v.Tier, v.Reason = true, 3, events.ReasonStrongScore
		v.Severity = events.SeverityHigh
		v.DominantSignal = SignalML

	default:
		v.Reason = events.ReasonBelowThreshold
		return v
	}

	for _, f := range valid {
		v.RuleIDs = append(v.RuleIDs, f.RuleID)
		v.Explanation = append(v.Explanation, fmt.Sprintf("rule %s (%s): %s", f.RuleID, f.Severity, f.Description))
	}
	if scored {
		v.Explanation = append(v.Explanation, describeScore(in.Score, th))
	}

	return v
}

func describeScore(s *events.AnomalyScore, th Thresholds) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "anomaly score %.3f (model %s", s.Score, s.ModelVersion)
	switch {
	case s.Score >= th.MLStrong:
		fmt.Fprintf(&sb, ", >= strong threshold %.2f)", th.MLStrong)
	case s.Score >= th.ML:
		fmt.Fprintf(&sb, ", >= threshold %.2f)", th.ML)
	default:
		sb.WriteString(")")
	}

	if len(s.Contributions) > 0 {
		parts := make([]string, 0, len(s.Contributions))
		for _, c := range s.Contributions {
			parts = append(parts, fmt.Sprintf("%s=%.2f (+%.2f)", c.Feature, c.Value, c.Weight))
		}
		sb.WriteString("; top features: ")
		sb.WriteString(strings.Join(parts, ", "))
	}
	return sb.String()
}

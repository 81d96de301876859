package events

import "time"

// Outcome is the terminal state of a processed record.
type Outcome string

const (
	OutcomeAlerted    Outcome = "alerted"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeDiscarded  Outcome = "discarded"
)

// Reason codes attached to every Decision.
const (
	ReasonRuleSeverity         = "rule_severity"
	ReasonCorroborated         = "corroborated"
	ReasonStrongScore          = "strong_score"
	ReasonBelowThreshold       = "below_threshold"
	ReasonDetectionUnavailable = "detection_unavailable"
	ReasonMalformedRecord      = "malformed_record"
	ReasonRateLimited          = "rate_limited"
	ReasonStoreExhausted       = "store_exhausted"
	ReasonDuplicateEvent       = "duplicate_event"
)

// Degraded detector names recorded on a Decision.
const (
	DetectorScorer = "scorer"
	DetectorRules  = "rules"
)

// Decision is the audit record for one processed record. Every record that
// enters the pipeline produces exactly one Decision.
type Decision struct {
	EventID    string        `json:"eventID"`
	Actor      string        `json:"actor,omitempty"`
	Provider   Provider      `json:"provider"`
	EventTime  time.Time     `json:"eventTime,omitzero"`
	Outcome    Outcome       `json:"outcome"`
	Reason     string        `json:"reason"`
	Detail     string        `json:"detail,omitempty"`
	Tier       int           `json:"tier,omitempty"`
	Stale      bool          `json:"stale,omitempty"`
	Degraded   []string      `json:"degraded,omitempty"`
	Score      *AnomalyScore `json:"score,omitempty"`
	Findings   []RuleFinding `json:"findings,omitempty"`
	Alert      *Alert        `json:"alert,omitempty"`
	RecordedAt time.Time     `json:"recordedAt"`
}

// Package events provides the shared data model for the audit anomaly detector.
package events

import (
	"fmt"
	"strings"
	"time"
)

// Provider identifies the cloud platform an audit record originated from.
type Provider string

const (
	ProviderAWS   Provider = "aws"
	ProviderAzure Provider = "azure"
	ProviderOther Provider = "other"
)

// ParseProvider converts a provider tag into a Provider. Empty input maps to aws.
func ParseProvider(s string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(s))) {
	case "", ProviderAWS:
		return ProviderAWS, nil
	case ProviderAzure:
		return ProviderAzure, nil
	case ProviderOther:
		return ProviderOther, nil
	default:
		return "", fmt.Errorf("unknown provider: %q", s)
	}
}

// CanonicalEvent is a provider-independent representation of one audit log record.
// Values are never mutated after normalization.
type CanonicalEvent struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Actor        string    `json:"actor"`
	Provider     Provider  `json:"provider"`
	Action       string    `json:"action"`
	Service      string    `json:"service,omitempty"`
	Resource     string    `json:"resource,omitempty"`
	ResourceType string    `json:"resourceType,omitempty"`
	SourceIP     string    `json:"sourceIP,omitempty"`
	UserAgent    string    `json:"userAgent,omitempty"`
	Region       string    `json:"region,omitempty"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	RawRef       string    `json:"rawRef"`
}

// Feature is a single named numeric feature.
type Feature struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// FeatureVector is the ordered set of features derived from one event and the
// actor's baseline at the time of processing.
type FeatureVector struct {
	EventID  string    `json:"eventID"`
	Stale    bool      `json:"stale,omitempty"`
	Features []Feature `json:"features"`
}

// Get returns the value of the named feature.
func (v FeatureVector) Get(name string) (float64, bool) {
	for _, f := range v.Features {
		if f.Name == name {
			return f.Value, true
		}
	}
	return 0, false
}

// Contribution is the share of an anomaly score attributed to one feature.
type Contribution struct {
	Feature string  `json:"feature"`
	Value   float64 `json:"value"`
	Weight  float64 `json:"weight"`
}

// AnomalyScore is the output of a scoring model for a single feature vector.
type AnomalyScore struct {
	EventID       string         `json:"eventID"`
	Score         float64        `json:"score"`
	ModelVersion  string         `json:"modelVersion"`
	Contributions []Contribution `json:"contributions,omitempty"`
}

// RuleFinding is a single rule match for an event.
// Error findings record a rule that failed to evaluate and never corroborate.
type RuleFinding struct {
	RuleID      string   `json:"ruleID"`
	EventID     string   `json:"eventID"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
	Error       bool     `json:"error,omitempty"`
}

// Alert is a fused detection for exactly one event.
type Alert struct {
	ID                  string          `json:"id"`
	EventID             string          `json:"eventID"`
	Actor               string          `json:"actor"`
	Timestamp           time.Time       `json:"timestamp"`
	CombinedSeverity    Severity        `json:"combinedSeverity"`
	ContributingScore   *float64        `json:"contributingScore,omitempty"`
	ModelVersion        string          `json:"modelVersion,omitempty"`
	ContributingRuleIDs []string        `json:"contributingRuleIDs,omitempty"`
	DominantSignal      string          `json:"dominantSignal"`
	Tier                int             `json:"tier"`
	Suppressed          bool            `json:"suppressed"`
	SuppressionReason   string          `json:"suppressionReason,omitempty"`
	Explanation         []string        `json:"explanation,omitempty"`
	Event               *CanonicalEvent `json:"event,omitempty"`
}

// SuppressionDigest summarizes alerts that were suppressed for one key during
// a suppression window that has since expired.
type SuppressionDigest struct {
	Actor          string    `json:"actor"`
	DominantSignal string    `json:"dominantSignal"`
	Count          int       `json:"count"`
	FirstAt        time.Time `json:"firstAt"`
	LastAt         time.Time `json:"lastAt"`
	LastAlertID    string    `json:"lastAlertID"`
	MaxSeverity    Severity  `json:"maxSeverity"`
}

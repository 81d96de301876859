package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

// MessageFormatter formats alerts and suppression digests into message strings.
type MessageFormatter interface {
	// Format converts an alert into a formatted message string.
	Format(alert *events.Alert) (string, error)
	// FormatDigest converts a suppression digest into a formatted message string.
	FormatDigest(digest *events.SuppressionDigest) (string, error)
}

// TextMessageFormatter formats alerts as human-readable text.
type TextMessageFormatter struct{}

// Format creates a human-readable text message from an alert.
func (f *TextMessageFormatter) Format(alert *events.Alert) (string, error) {
	var msg strings.Builder

	msg.WriteString("🚨 Audit Anomaly: ")
	msg.WriteString(strings.ToUpper(alert.CombinedSeverity.String()))
	msg.WriteString("\nActor: ")
	msg.WriteString(alert.Actor)

	if ev := alert.Event; ev != nil {
		_, err := fmt.Fprintf(&msg, "\nAction: %s (%s)", ev.Action, ev.Provider)
		if err != nil {
			return "", err
		}
		if ev.Resource != "" {
			msg.WriteString("\nResource: ")
			msg.WriteString(ev.Resource)
		}
		if ev.SourceIP != "" {
			msg.WriteString("\nSource IP: ")
			msg.WriteString(ev.SourceIP)
		}
		if ev.Region != "" {
			msg.WriteString("\nRegion: ")
			msg.WriteString(ev.Region)
		}
	}

	_, err := fmt.Fprintf(&msg, "\nTier: %d, Signal: %s", alert.Tier, alert.DominantSignal)
	if err != nil {
		return "", err
	}

	if alert.ContributingScore != nil {
		_, err = fmt.Fprintf(&msg, "\nAnomaly score: %.3f (model %s)", *alert.ContributingScore, alert.ModelVersion)
		if err != nil {
			return "", err
		}
	}
	if len(alert.ContributingRuleIDs) > 0 {
		msg.WriteString("\nRules: ")
		msg.WriteString(strings.Join(alert.ContributingRuleIDs, ", "))
	}
	msg.WriteString("\n\n")

	if len(alert.Explanation) == 0 {
		msg.WriteString("No explanation available.\n")
	} else {
		msg.WriteString("Why this fired:\n")
		for i, line := range alert.Explanation {
			_, err = fmt.Fprintf(&msg, "%d. %s\n", i+1, line)
			if err != nil {
				return "", err
			}
		}
	}

	_, err = fmt.Fprintf(&msg, "\nEventID: %s\nAlertID: %s\nTimestamp: %s",
		alert.EventID,
		alert.ID,
		alert.Timestamp.Format(time.RFC3339))
	if err != nil {
		return "", err
	}

	return msg.String(), nil
}

// FormatDigest creates a human-readable summary of suppressed alerts.
func (f *TextMessageFormatter) FormatDigest(d *events.SuppressionDigest) (string, error) {
	var msg strings.Builder

	_, err := fmt.Fprintf(&msg,
		"🔕 Suppressed alerts: %d\nActor: %s\nSignal: %s\nMax severity: %s\nFirst: %s\nLast: %s\nLast AlertID: %s",
		d.Count,
		d.Actor,
		d.DominantSignal,
		strings.ToUpper(d.MaxSeverity.String()),
		d.FirstAt.Format(time.RFC3339),
		d.LastAt.Format(time.RFC3339),
		d.LastAlertID)
	if err != nil {
		return "", err
	}

	return msg.String(), nil
}

// JSONMessageFormatter formats alerts as JSON.
type JSONMessageFormatter struct{}

// Format creates a JSON representation of an alert.
func (f *JSONMessageFormatter) Format(alert *events.Alert) (string, error) {
	b, err := json.Marshal(alert)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// FormatDigest creates a JSON representation of a suppression digest.
func (f *JSONMessageFormatter) FormatDigest(d *events.SuppressionDigest) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// subject builds an SNS subject: ASCII only, single line, at most 100 characters.
func subject(prefix, detail string) string {
	s := prefix + detail
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s) && len(b) < 100; i++ {
		c := s[i]
		if c < 0x20 || c > 0x7e {
			c = ' '
		}
		b = append(b, c)
	}
	return string(b)
}

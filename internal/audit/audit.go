// Package audit records every pipeline decision and persists baseline checkpoints.
package audit

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/baseline"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

var tracer = otel.Tracer("github.com/ab0utbla-k/audit-anomaly-detector/internal/audit")

var (
	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("audit store closed")
	// ErrDuplicateAlert indicates an alert for the same event is already
	// recorded. Nothing of the rejected decision is stored.
	ErrDuplicateAlert = errors.New("alert already recorded for event")
)

// Recorder persists decisions. Implementations must be safe for concurrent use
// and store at most one alert per event ID.
type Recorder interface {
	RecordDecision(ctx context.Context, d *events.Decision) error
	Close() error
}

// AlertQuery filters stored alerts. Zero values match everything.
type AlertQuery struct {
	Actor string
	From  time.Time
	To    time.Time
	// Suppressed restricts results to suppressed (true) or delivered (false) alerts.
	Suppressed *bool
	Limit      int
}

func (q AlertQuery) match(a *events.Alert) bool {
	if q.Actor != "" && a.Actor != q.Actor {
		return false
	}
	if !q.From.IsZero() && a.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && a.Timestamp.After(q.To) {
		return false
	}
	if q.Suppressed != nil && a.Suppressed != *q.Suppressed {
		return false
	}
	return true
}

// Store records decisions, answers alert queries and checkpoints baselines.
type Store interface {
	Recorder
	baseline.Checkpointer
	// QueryAlerts returns matching alerts, newest first.
	QueryAlerts(ctx context.Context, q AlertQuery) ([]*events.Alert, error)
}

// timeFormat sorts lexicographically in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

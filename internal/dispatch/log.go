package dispatch

import (
	"context"
	"log/slog"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

// LogSender writes alerts to the structured log. Used for local runs and replays.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a new LogSender instance.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the alert at warn level.
func (s *LogSender) Send(ctx context.Context, alert *events.Alert) error {
	attrs := []any{
		slog.String("alertID", alert.ID),
		slog.String("eventID", alert.EventID),
		slog.String("actor", alert.Actor),
		slog.String("severity", alert.CombinedSeverity.String()),
		slog.Int("tier", alert.Tier),
		slog.String("signal", alert.DominantSignal),
		slog.Any("rules", alert.ContributingRuleIDs),
		slog.Any("explanation", alert.Explanation),
	}
	if alert.ContributingScore != nil {
		attrs = append(attrs, slog.Float64("score", *alert.ContributingScore))
	}

	s.logger.WarnContext(ctx, "anomaly alert", attrs...)
	return nil
}

// SendDigest logs the suppression digest.
func (s *LogSender) SendDigest(ctx context.Context, digest *events.SuppressionDigest) error {
	s.logger.WarnContext(
		ctx,
		"suppressed alerts",
		slog.String("actor", digest.Actor),
		slog.String("signal", digest.DominantSignal),
		slog.Int("count", digest.Count),
		slog.String("lastAlertID", digest.LastAlertID),
		slog.Time("firstAt", digest.FirstAt),
		slog.Time("lastAt", digest.LastAt),
	)
	return nil
}

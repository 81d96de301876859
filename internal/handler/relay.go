package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	awsevents "github.com/aws/aws-lambda-go/events"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/dispatch"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

// RelaySender delivers alerts and suppression digests.
type RelaySender interface {
	dispatch.Sender
	dispatch.DigestSender
}

// RelayHandler forwards alerts published on an event bus to a notification
// target.
type RelayHandler struct {
	sender RelaySender
	logger *slog.Logger
}

func NewRelayHandler(sender RelaySender, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		sender: sender,
		logger: logger,
	}
}

// HandleRequest delivers one "Anomaly Alert" or "Anomaly Suppression Digest"
// event. Other detail types are ignored.
func (h *RelayHandler) HandleRequest(ctx context.Context, event awsevents.CloudWatchEvent) error {
	switch event.DetailType {
	case dispatch.DetailTypeAlert:
		var alert events.Alert
		if err := json.Unmarshal(event.Detail, &alert); err != nil {
			h.logger.ErrorContext(ctx, "cannot parse alert", slog.String("error", err.Error()))
			return fmt.Errorf("cannot parse alert: %w", err)
		}

		if err := h.sender.Send(ctx, &alert); err != nil {
			h.logger.ErrorContext(
				ctx,
				"cannot send notification",
				slog.String("alertID", alert.ID),
				slog.String("error", err.Error()),
			)
			return err
		}

		h.logger.InfoContext(
			ctx,
			"notification sent",
			slog.String("alertID", alert.ID),
			slog.String("actor", alert.Actor),
			slog.String("severity", alert.CombinedSeverity.String()),
		)

	case dispatch.DetailTypeDigest:
		var digest events.SuppressionDigest
		if err := json.Unmarshal(event.Detail, &digest); err != nil {
			h.logger.ErrorContext(ctx, "cannot parse digest", slog.String("error", err.Error()))
			return fmt.Errorf("cannot parse digest: %w", err)
		}

		if err := h.sender.SendDigest(ctx, &digest); err != nil {
			h.logger.ErrorContext(
				ctx,
				"cannot send digest",
				slog.String("actor", digest.Actor),
				slog.String("error", err.Error()),
			)
			return err
		}

		h.logger.InfoContext(
			ctx,
			"digest sent",
			slog.String("actor", digest.Actor),
			slog.Int("count", digest.Count),
		)

	default:
		h.logger.WarnContext(ctx, "ignoring event", slog.String("detailType", event.DetailType))
	}

	return nil
}

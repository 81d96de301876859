package handler

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	awsevents "github.com/aws/aws-lambda-go/events"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/pipeline"
)

// Processor runs one record through detection synchronously.
type Processor interface {
	Process(ctx context.Context, rec pipeline.Record) (*events.Decision, error)
}

type EventHandler struct {
	processor Processor
	logger    *slog.Logger
}

func NewEventHandler(processor Processor, logger *slog.Logger) *EventHandler {
	return &EventHandler{
		processor: processor,
		logger:    logger,
	}
}

// HandleRequest processes an audit record delivered by EventBridge, such as
// a CloudTrail "AWS API Call via CloudTrail" event. Malformed records are
// recorded and acknowledged; only a halted pipeline fails the invocation.
func (h *EventHandler) HandleRequest(ctx context.Context, event awsevents.CloudWatchEvent) error {
	if len(event.Detail) == 0 {
		err := errors.New("event detail is empty")
		h.logger.ErrorContext(
			ctx,
			"invalid event",
			slog.String("eventID", event.ID),
			slog.String("detailType", event.DetailType),
			slog.String("error", err.Error()),
		)
		return err
	}

	rec := pipeline.Record{
		Provider: providerFor(event.Source),
		Raw:      event.Detail,
	}

	d, err := h.processor.Process(ctx, rec)
	if err != nil {
		h.logger.ErrorContext(
			ctx,
			"cannot process audit record",
			slog.String("eventID", event.ID),
			slog.String("source", event.Source),
			slog.String("error", err.Error()),
		)
		return err
	}

	h.logger.InfoContext(
		ctx,
		"processed audit record",
		slog.String("eventID", d.EventID),
		slog.String("actor", d.Actor),
		slog.String("outcome", string(d.Outcome)),
		slog.String("reason", d.Reason),
	)
	return nil
}

// providerFor maps an EventBridge source to the audit provider. Sources
// other than azure.* and custom.* are AWS services.
func providerFor(source string) events.Provider {
	switch {
	case strings.HasPrefix(source, "azure."):
		return events.ProviderAzure
	case strings.HasPrefix(source, "custom."):
		return events.ProviderOther
	default:
		return events.ProviderAWS
	}
}

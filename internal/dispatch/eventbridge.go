package dispatch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge/types"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/config"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

const (
	// EventSource is the EventBridge source of published alerts.
	EventSource = "audit.anomaly.detector"
	// DetailTypeAlert is the detail type of published alerts.
	DetailTypeAlert = "Anomaly Alert"
	// DetailTypeDigest is the detail type of published suppression digests.
	DetailTypeDigest = "Anomaly Suppression Digest"
)

// EventBridgeAPI defines the EventBridge operations required for sending events.
type EventBridgeAPI interface {
	PutEvents(
		ctx context.Context,
		params *eventbridge.PutEventsInput,
		optFns ...func(*eventbridge.Options)) (*eventbridge.PutEventsOutput, error)
}

// EventBridgeSender sends alerts to AWS EventBridge.
type EventBridgeSender struct {
	client    EventBridgeAPI
	config    *config.Config
	formatter MessageFormatter
}

// NewEventBridgeSender creates a new EventBridgeSender instance.
func NewEventBridgeSender(client EventBridgeAPI, config *config.Config) *EventBridgeSender {
	return &EventBridgeSender{
		client:    client,
		config:    config,
		formatter: &JSONMessageFormatter{},
	}
}

// Send publishes the alert to the configured EventBridge event bus.
func (s *EventBridgeSender) Send(ctx context.Context, alert *events.Alert) error {
	ctx, span := tracer.Start(ctx, "dispatch.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("dispatch.target", string(config.TargetEventBridge)),
		attribute.String("alert.id", alert.ID),
		attribute.String("alert.severity", alert.CombinedSeverity.String()),
	)

	msg, err := s.formatter.Format(alert)
	if err != nil {
		return fmt.Errorf("cannot format alert: %w", err)
	}

	return s.put(ctx, DetailTypeAlert, msg)
}

// SendDigest publishes a suppression digest to the configured EventBridge event bus.
func (s *EventBridgeSender) SendDigest(ctx context.Context, digest *events.SuppressionDigest) error {
	ctx, span := tracer.Start(ctx, "dispatch.send_digest")
	defer span.End()
	span.SetAttributes(
		attribute.String("dispatch.target", string(config.TargetEventBridge)),
		attribute.Int("digest.count", digest.Count),
	)

	msg, err := s.formatter.FormatDigest(digest)
	if err != nil {
		return fmt.Errorf("cannot format digest: %w", err)
	}

	return s.put(ctx, DetailTypeDigest, msg)
}

func (s *EventBridgeSender) put(ctx context.Context, detailType, detail string) error {
	params := &eventbridge.PutEventsInput{
		Entries: []types.PutEventsRequestEntry{{
			Detail:       aws.String(detail),
			DetailType:   aws.String(detailType),
			EventBusName: aws.String(s.config.EventBusARN),
			Source:       aws.String(EventSource),
		}},
	}

	out, err := s.client.PutEvents(ctx, params)
	if err != nil {
		return fmt.Errorf("cannot put event to %q: %w", s.config.EventBusARN, err)
	}

	if out.FailedEntryCount > 0 {
		entry := out.Entries[0]
		return fmt.Errorf("cannot put event to %q: %s - %s",
			s.config.EventBusARN, aws.ToString(entry.ErrorCode), aws.ToString(entry.ErrorMessage))
	}

	return nil
}

package dispatch

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/config"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

// SNSAPI defines the SNS operations required for publishing notifications.
type SNSAPI interface {
	Publish(
		ctx context.Context,
		params *sns.PublishInput,
		optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender publishes text alerts to an SNS topic.
type SNSSender struct {
	client    SNSAPI
	config    *config.Config
	formatter MessageFormatter
}

// NewSNSSender creates a new SNSSender instance.
func NewSNSSender(client SNSAPI, config *config.Config) *SNSSender {
	return &SNSSender{
		client:    client,
		config:    config,
		formatter: &TextMessageFormatter{},
	}
}

// Send publishes the alert to the configured SNS topic.
func (s *SNSSender) Send(ctx context.Context, alert *events.Alert) error {
	ctx, span := tracer.Start(ctx, "dispatch.send")
	defer span.End()
	span.SetAttributes(
		attribute.String("dispatch.target", string(config.TargetSNS)),
		attribute.String("alert.id", alert.ID),
		attribute.String("alert.severity", alert.CombinedSeverity.String()),
	)

	msg, err := s.formatter.Format(alert)
	if err != nil {
		return fmt.Errorf("cannot format alert: %w", err)
	}

	params := &sns.PublishInput{
		TopicArn: aws.String(s.config.SNSTopicARN),
		Subject:  aws.String(subject("Audit Anomaly ["+strings.ToUpper(alert.CombinedSeverity.String())+"] - ", alert.Actor)),
		Message:  aws.String(msg),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"severity": {
				DataType:    aws.String("String"),
				StringValue: aws.String(alert.CombinedSeverity.String()),
			},
		},
	}

	if _, err := s.client.Publish(ctx, params); err != nil {
		return fmt.Errorf("cannot publish alert to %q: %w", s.config.SNSTopicARN, err)
	}

	return nil
}

// SendDigest publishes a suppression digest to the configured SNS topic.
func (s *SNSSender) SendDigest(ctx context.Context, digest *events.SuppressionDigest) error {
	ctx, span := tracer.Start(ctx, "dispatch.send_digest")
	defer span.End()
	span.SetAttributes(
		attribute.String("dispatch.target", string(config.TargetSNS)),
		attribute.Int("digest.count", digest.Count),
	)

	msg, err := s.formatter.FormatDigest(digest)
	if err != nil {
		return fmt.Errorf("cannot format digest: %w", err)
	}

	params := &sns.PublishInput{
		TopicArn: aws.String(s.config.SNSTopicARN),
		Subject:  aws.String(subject(fmt.Sprintf("Suppressed %d alerts - ", digest.Count), digest.Actor)),
		Message:  aws.String(msg),
	}

	if _, err := s.client.Publish(ctx, params); err != nil {
		return fmt.Errorf("cannot publish digest to %q: %w", s.config.SNSTopicARN, err)
	}

	return nil
}

// Package ingest feeds audit records from queues into the pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/pipeline"
)

var tracer = otel.Tracer("github.com/ab0utbla-k/audit-anomaly-detector/internal/ingest")

// ProviderAttribute is the message attribute that tags the record's provider.
const ProviderAttribute = "provider"

// SQSAPI defines the SQS operations required for consuming audit records.
type SQSAPI interface {
	ReceiveMessage(
		ctx context.Context,
		params *sqs.ReceiveMessageInput,
		optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(
		ctx context.Context,
		params *sqs.DeleteMessageInput,
		optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Submitter accepts records for asynchronous processing.
type Submitter interface {
	Submit(ctx context.Context, rec pipeline.Record) error
}

// SQSConsumer long-polls a queue and submits every message as a record.
// A message is deleted once its record reaches a terminal state, so records
// in flight at a crash are redelivered.
type SQSConsumer struct {
	client    SQSAPI
	queueURL  string
	submitter Submitter
	logger    *slog.Logger

	maxMessages  int32
	waitTime     int32
	retryBackoff time.Duration
}

// NewSQSConsumer creates a new SQSConsumer instance.
func NewSQSConsumer(client SQSAPI, queueURL string, submitter Submitter, logger *slog.Logger) *SQSConsumer {
	return &SQSConsumer{
		client:       client,
		queueURL:     queueURL,
		submitter:    submitter,
		logger:       logger,
		maxMessages:  10,
		waitTime:     20,
		retryBackoff: time.Second,
	}
}

// Run consumes until ctx is done or the pipeline halts intake.
func (c *SQSConsumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(c.queueURL),
			MaxNumberOfMessages:   c.maxMessages,
			WaitTimeSeconds:       c.waitTime,
			MessageAttributeNames: []string{ProviderAttribute},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.ErrorContext(
				ctx,
				"cannot receive messages",
				slog.String("queueURL", c.queueURL),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryBackoff):
			}
			continue
		}

		for _, msg := range out.Messages {
			if err := c.submit(ctx, msg); err != nil {
				switch {
				case errors.Is(err, pipeline.ErrIntakeHalted):
					return err
				case errors.Is(err, pipeline.ErrClosed), ctx.Err() != nil:
					return nil
				default:
					return fmt.Errorf("cannot submit message %q: %w", aws.ToString(msg.MessageId), err)
				}
			}
		}
	}
}

func (c *SQSConsumer) submit(ctx context.Context, msg types.Message) error {
	ctx, span := tracer.Start(ctx, "ingest.submit")
	defer span.End()
	span.SetAttributes(attribute.String("sqs.message_id", aws.ToString(msg.MessageId)))

	provider := events.ProviderAWS
	if attr, ok := msg.MessageAttributes[ProviderAttribute]; ok {
		tag := aws.ToString(attr.StringValue)
		p, err := events.ParseProvider(tag)
		if err != nil {
			// Unknown providers are passed through and recorded as malformed.
			p = events.Provider(tag)
		}
		provider = p
	}
	span.SetAttributes(attribute.String("record.provider", string(provider)))

	messageID := aws.ToString(msg.MessageId)
	receipt := msg.ReceiptHandle
	deleteCtx := context.WithoutCancel(ctx)

	return c.submitter.Submit(ctx, pipeline.Record{
		Provider: provider,
		Raw:      Unwrap([]byte(aws.ToString(msg.Body))),
		Done: func(d *events.Decision, err error) {
			if err != nil {
				c.logger.WarnContext(
					deleteCtx,
					"leaving message for redelivery",
					slog.String("messageID", messageID),
					slog.String("error", err.Error()),
				)
				return
			}
			c.delete(deleteCtx, messageID, receipt)
		},
	})
}

func (c *SQSConsumer) delete(ctx context.Context, messageID string, receipt *string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receipt,
	})
	if err != nil {
		c.logger.ErrorContext(
			ctx,
			"cannot delete message",
			slog.String("messageID", messageID),
			slog.String("error", err.Error()),
		)
	}
}

type envelope struct {
	Type       string          `json:"Type"`
	Message    string          `json:"Message"`
	DetailType string          `json:"detail-type"`
	Detail     json.RawMessage `json:"detail"`
}

// Unwrap strips SNS notification and EventBridge envelopes from body.
// Anything else is returned unchanged.
func Unwrap(body []byte) []byte {
	for range 2 {
		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return body
		}

		switch {
		case env.Type == "Notification" && env.Message != "":
			body = []byte(env.Message)
		case env.DetailType != "" && len(env.Detail) > 0 && env.Detail[0] == '{':
			return env.Detail
		default:
			return body
		}
	}
	return body
}

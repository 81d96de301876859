package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/pipeline"
)

const queueURL = "https://sqs.us-east-1.amazonaws.com/123456789012/audit-records"

type SQSAPIMock struct {
	mock.Mock
}

func (m *SQSAPIMock) ReceiveMessage(
	ctx context.Context,
	params *sqs.ReceiveMessageInput,
	optFns ...func(*sqs.Options),
) (*sqs.ReceiveMessageOutput, error) {
	args := m.Called(ctx, params, optFns)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.ReceiveMessageOutput), args.Error(1)
}

func (m *SQSAPIMock) DeleteMessage(
	ctx context.Context,
	params *sqs.DeleteMessageInput,
	optFns ...func(*sqs.Options),
) (*sqs.DeleteMessageOutput, error) {
	args := m.Called(ctx, params, optFns)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sqs.DeleteMessageOutput), args.Error(1)
}

// syncSubmitter completes records immediately with the configured outcome.
type syncSubmitter struct {
	records   []pipeline.Record
	doneErr   error
	submitErr error
}

func (s *syncSubmitter) Submit(_ context.Context, rec pipeline.Record) error {
	if s.submitErr != nil {
		return s.submitErr
	}
	s.records = append(s.records, rec)
	rec.Done(&events.Decision{EventID: "e1", Outcome: events.OutcomeDiscarded}, s.doneErr)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func message(id, body, provider string) types.Message {
	msg := types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("receipt-" + id),
		Body:          aws.String(body),
	}
	if provider != "" {
		msg.MessageAttributes = map[string]types.MessageAttributeValue{
			ProviderAttribute: {DataType: aws.String("String"), StringValue: aws.String(provider)},
		}
	}
	return msg
}

// expectOneBatch returns msgs on the first receive and cancels ctx on the second.
func expectOneBatch(client *SQSAPIMock, cancel context.CancelFunc, msgs ...types.Message) {
	client.On(
		"ReceiveMessage",
		mock.Anything,
		mock.MatchedBy(func(in *sqs.ReceiveMessageInput) bool {
			return aws.ToString(in.QueueUrl) == queueURL &&
				in.WaitTimeSeconds == 20 &&
				assert.ObjectsAreEqual([]string{ProviderAttribute}, in.MessageAttributeNames)
		}),
		mock.AnythingOfType("[]func(*sqs.Options)"),
	).Return(&sqs.ReceiveMessageOutput{Messages: msgs}, nil).Once()

	client.On("ReceiveMessage", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled).Once()
}

func TestSQSConsumer_SubmitsAndDeletes(t *testing.T) {
	client := new(SQSAPIMock)
	submitter := &syncSubmitter{}
	consumer := NewSQSConsumer(client, queueURL, submitter, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	expectOneBatch(client, cancel,
		message("m1", `{"eventName":"GetObject"}`, ""),
		message("m2", `{"operationName":"Microsoft.Storage/storageAccounts/delete"}`, "azure"),
	)
	client.On(
		"DeleteMessage",
		mock.Anything,
		mock.MatchedBy(func(in *sqs.DeleteMessageInput) bool {
			return aws.ToString(in.QueueUrl) == queueURL && aws.ToString(in.ReceiptHandle) == "receipt-m1"
		}),
		mock.AnythingOfType("[]func(*sqs.Options)"),
	).Return(&sqs.DeleteMessageOutput{}, nil).Once()
	client.On(
		"DeleteMessage",
		mock.Anything,
		mock.MatchedBy(func(in *sqs.DeleteMessageInput) bool {
			return aws.ToString(in.ReceiptHandle) == "receipt-m2"
		}),
		mock.Anything,
	).Return(&sqs.DeleteMessageOutput{}, nil).Once()

	require.NoError(t, consumer.Run(ctx))

	require.Len(t, submitter.records, 2)
	assert.Equal(t, events.ProviderAWS, submitter.records[0].Provider)
	assert.Equal(t, events.ProviderAzure, submitter.records[1].Provider)
	client.AssertExpectations(t)
}

func TestSQSConsumer_UnknownProviderPassedThrough(t *testing.T) {
	client := new(SQSAPIMock)
	submitter := &syncSubmitter{}
	consumer := NewSQSConsumer(client, queueURL, submitter, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	expectOneBatch(client, cancel, message("m1", `{}`, "gcp"))
	client.On("DeleteMessage", mock.Anything, mock.Anything, mock.Anything).Return(&sqs.DeleteMessageOutput{}, nil)

	require.NoError(t, consumer.Run(ctx))
	require.Len(t, submitter.records, 1)
	assert.Equal(t, events.Provider("gcp"), submitter.records[0].Provider)
}

func TestSQSConsumer_HaltKeepsMessage(t *testing.T) {
	client := new(SQSAPIMock)
	submitter := &syncSubmitter{submitErr: pipeline.ErrIntakeHalted}
	consumer := NewSQSConsumer(client, queueURL, submitter, discardLogger())

	client.On("ReceiveMessage", mock.Anything, mock.Anything, mock.Anything).
		Return(&sqs.ReceiveMessageOutput{Messages: []types.Message{message("m1", `{}`, "")}}, nil).Once()

	err := consumer.Run(context.Background())

	assert.ErrorIs(t, err, pipeline.ErrIntakeHalted)
	client.AssertNotCalled(t, "DeleteMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestSQSConsumer_FailedRecordNotDeleted(t *testing.T) {
	client := new(SQSAPIMock)
	submitter := &syncSubmitter{doneErr: pipeline.ErrIntakeHalted}
	consumer := NewSQSConsumer(client, queueURL, submitter, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	expectOneBatch(client, cancel, message("m1", `{}`, ""))

	require.NoError(t, consumer.Run(ctx))
	client.AssertNotCalled(t, "DeleteMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestSQSConsumer_ReceiveErrorRetries(t *testing.T) {
	client := new(SQSAPIMock)
	submitter := &syncSubmitter{}
	consumer := NewSQSConsumer(client, queueURL, submitter, discardLogger())
	consumer.retryBackoff = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.On("ReceiveMessage", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("throttled")).Once()
	expectOneBatch(client, cancel)

	require.NoError(t, consumer.Run(ctx))
	client.AssertNumberOfCalls(t, "ReceiveMessage", 3)
}

func TestUnwrap(t *testing.T) {
	record := `{"eventName":"DeleteBucket"}`

	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "plain record",
			body: record,
			want: record,
		},
		{
			name: "eventbridge envelope",
			body: `{"detail-type":"AWS API Call via CloudTrail","source":"aws.s3","detail":` + record + `}`,
			want: record,
		},
		{
			name: "sns notification",
			body: `{"Type":"Notification","Message":"{\"eventName\":\"DeleteBucket\"}"}`,
			want: record,
		},
		{
			name: "eventbridge inside sns",
			body: `{"Type":"Notification","Message":"{\"detail-type\":\"x\",\"detail\":{\"eventName\":\"DeleteBucket\"}}"}`,
			want: record,
		},
		{
			name: "not json",
			body: "garbage",
			want: "garbage",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, string(Unwrap([]byte(tt.body))))
		})
	}
}

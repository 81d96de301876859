package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	awsevents "github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/pipeline"
)

type ProcessorMock struct {
	mock.Mock
}

func (m *ProcessorMock) Process(ctx context.Context, rec pipeline.Record) (*events.Decision, error) {
	args := m.Called(ctx, rec)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*events.Decision), args.Error(1)
}

const cloudTrailDetail = `{
	"eventTime": "2024-03-10T03:00:00Z",
	"eventName": "DeleteBucket",
	"eventSource": "s3.amazonaws.com",
	"userIdentity": {"type": "IAMUser", "userName": "svc-acct-1"}
}`

func newHandler(p Processor) *EventHandler {
	return NewEventHandler(p, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestHandleRequest_ForwardsDetail(t *testing.T) {
	processor := new(ProcessorMock)
	h := newHandler(processor)

	processor.On(
		"Process",
		mock.Anything,
		mock.MatchedBy(func(rec pipeline.Record) bool {
			return rec.Provider == events.ProviderAWS && string(rec.Raw) == cloudTrailDetail
		}),
	).Return(&events.Decision{EventID: "e1", Actor: "svc-acct-1", Outcome: events.OutcomeAlerted}, nil).Once()

	err := h.HandleRequest(context.Background(), awsevents.CloudWatchEvent{
		ID:         "evt-1",
		DetailType: "AWS API Call via CloudTrail",
		Source:     "aws.s3",
		Detail:     json.RawMessage(cloudTrailDetail),
	})

	require.NoError(t, err)
	processor.AssertExpectations(t)
}

func TestHandleRequest_EmptyDetail(t *testing.T) {
	processor := new(ProcessorMock)
	h := newHandler(processor)

	err := h.HandleRequest(context.Background(), awsevents.CloudWatchEvent{ID: "evt-1", Source: "aws.s3"})

	require.Error(t, err)
	processor.AssertNotCalled(t, "Process", mock.Anything, mock.Anything)
}

func TestHandleRequest_MalformedRecordIsAcknowledged(t *testing.T) {
	processor := new(ProcessorMock)
	h := newHandler(processor)

	processor.On("Process", mock.Anything, mock.Anything).Return(&events.Decision{
		EventID: "sha256:abc",
		Outcome: events.OutcomeDiscarded,
		Reason:  events.ReasonMalformedRecord,
	}, nil).Once()

	err := h.HandleRequest(context.Background(), awsevents.CloudWatchEvent{
		Source: "aws.s3",
		Detail: json.RawMessage(`{"eventName":"GetObject"}`),
	})

	assert.NoError(t, err)
}

func TestHandleRequest_HaltedPipelineFails(t *testing.T) {
	processor := new(ProcessorMock)
	h := newHandler(processor)

	processor.On("Process", mock.Anything, mock.Anything).Return(nil, pipeline.ErrIntakeHalted).Once()

	err := h.HandleRequest(context.Background(), awsevents.CloudWatchEvent{
		Source: "aws.iam",
		Detail: json.RawMessage(cloudTrailDetail),
	})

	assert.ErrorIs(t, err, pipeline.ErrIntakeHalted)
}

func TestProviderFor(t *testing.T) {
	tests := []struct {
		source string
		want   events.Provider
	}{
		{"aws.s3", events.ProviderAWS},
		{"aws.iam", events.ProviderAWS},
		{"azure.activitylog", events.ProviderAzure},
		{"custom.okta", events.ProviderOther},
		{"", events.ProviderAWS},
	}

	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			assert.Equal(t, tt.want, providerFor(tt.source))
		})
	}
}

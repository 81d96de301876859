package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	awsevents "github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/dispatch"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

type RelaySenderMock struct {
	mock.Mock
}

func (m *RelaySenderMock) Send(ctx context.Context, alert *events.Alert) error {
	return m.Called(ctx, alert).Error(0)
}

func (m *RelaySenderMock) SendDigest(ctx context.Context, digest *events.SuppressionDigest) error {
	return m.Called(ctx, digest).Error(0)
}

func newRelay(s RelaySender) *RelayHandler {
	return NewRelayHandler(s, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRelay_Alert(t *testing.T) {
	sender := new(RelaySenderMock)
	h := newRelay(sender)

	sender.On("Send", mock.Anything, mock.MatchedBy(func(a *events.Alert) bool {
		return a.ID == "a1" && a.Actor == "ops" && a.CombinedSeverity == events.SeverityCritical
	})).Return(nil).Once()

	err := h.HandleRequest(context.Background(), awsevents.CloudWatchEvent{
		DetailType: dispatch.DetailTypeAlert,
		Detail:     json.RawMessage(`{"id":"a1","actor":"ops","combinedSeverity":"critical","tier":1}`),
	})

	assert.NoError(t, err)
	sender.AssertExpectations(t)
}

func TestRelay_Digest(t *testing.T) {
	sender := new(RelaySenderMock)
	h := newRelay(sender)

	sender.On("SendDigest", mock.Anything, mock.MatchedBy(func(d *events.SuppressionDigest) bool {
		return d.Actor == "ops" && d.Count == 3
	})).Return(nil).Once()

	err := h.HandleRequest(context.Background(), awsevents.CloudWatchEvent{
		DetailType: dispatch.DetailTypeDigest,
		Detail:     json.RawMessage(`{"actor":"ops","count":3}`),
	})

	assert.NoError(t, err)
	sender.AssertExpectations(t)
}

func TestRelay_SendError(t *testing.T) {
	sender := new(RelaySenderMock)
	h := newRelay(sender)

	sender.On("Send", mock.Anything, mock.Anything).Return(errors.New("throttled")).Once()

	err := h.HandleRequest(context.Background(), awsevents.CloudWatchEvent{
		DetailType: dispatch.DetailTypeAlert,
		Detail:     json.RawMessage(`{"id":"a1"}`),
	})

	assert.EqualError(t, err, "throttled")
}

func TestRelay_InvalidDetail(t *testing.T) {
	sender := new(RelaySenderMock)
	h := newRelay(sender)

	err := h.HandleRequest(context.Background(), awsevents.CloudWatchEvent{
		DetailType: dispatch.DetailTypeAlert,
		Detail:     json.RawMessage(`{"id":`),
	})

	assert.ErrorContains(t, err, "cannot parse alert")
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestRelay_IgnoresOtherDetailTypes(t *testing.T) {
	sender := new(RelaySenderMock)
	h := newRelay(sender)

	err := h.HandleRequest(context.Background(), awsevents.CloudWatchEvent{
		DetailType: "Scheduled Event",
		Detail:     json.RawMessage(`{}`),
	})

	assert.NoError(t, err)
	sender.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

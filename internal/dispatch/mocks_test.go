package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/mock"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

type SNSAPIMock struct {
	mock.Mock
}

func (m *SNSAPIMock) Publish(
	ctx context.Context,
	params *sns.PublishInput,
	optFns ...func(*sns.Options),
) (*sns.PublishOutput, error) {
	args := m.Called(ctx, params, optFns)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sns.PublishOutput), args.Error(1)
}

type EventBridgeAPIMock struct {
	mock.Mock
}

func (m *EventBridgeAPIMock) PutEvents(
	ctx context.Context,
	params *eventbridge.PutEventsInput,
	optFns ...func(*eventbridge.Options),
) (*eventbridge.PutEventsOutput, error) {
	args := m.Called(ctx, params, optFns)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*eventbridge.PutEventsOutput), args.Error(1)
}

// recordingSender captures deliveries and can block until released.
type recordingSender struct {
	mu      sync.Mutex
	alerts  []string
	digests []string
	err     error
	gate    chan struct{}
}

func (s *recordingSender) Send(ctx context.Context, alert *events.Alert) error {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, alert.ID)
	return s.err
}

func (s *recordingSender) SendDigest(ctx context.Context, digest *events.SuppressionDigest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digests = append(s.digests, digest.Actor)
	return s.err
}

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.alerts...)
}

// alertOnlySender does not implement DigestSender.
type alertOnlySender struct {
	mu    sync.Mutex
	count int
}

func (s *alertOnlySender) Send(ctx context.Context, alert *events.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return nil
}

func newTestAlert(id string) *events.Alert {
	score := 0.97
	return &events.Alert{
		ID:                  id,
		EventID:             "evt-" + id,
		Actor:               "arn:aws:iam::123456789012:user/alice",
		Timestamp:           time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC),
		CombinedSeverity:    events.SeverityCritical,
		ContributingScore:   &score,
		ModelVersion:        "logistic-2024.03",
		ContributingRuleIDs: []string{"destructive-action-new-resource"},
		DominantSignal:      "destructive-action-new-resource",
		Tier:                1,
		Explanation: []string{
			"rule destructive-action-new-resource (high): destructive action on a resource never touched before",
			"anomaly score 0.970 >= 0.90 (model logistic-2024.03)",
		},
		Event: &events.CanonicalEvent{
			ID:       "evt-" + id,
			Actor:    "arn:aws:iam::123456789012:user/alice",
			Provider: events.ProviderAWS,
			Action:   "DeleteBucket",
			Resource: "arn:aws:s3:::payroll-archive",
			SourceIP: "203.0.113.7",
			Region:   "us-east-1",
		},
	}
}

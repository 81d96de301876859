package metrics

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type MockCloudWatchClient struct {
	mock.Mock
}

func (m *MockCloudWatchClient) PutMetricData(
	ctx context.Context,
	params *cloudwatch.PutMetricDataInput,
	optFns ...func(*cloudwatch.Options),
) (*cloudwatch.PutMetricDataOutput, error) {
	args := m.Called(ctx, params, optFns)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*cloudwatch.PutMetricDataOutput), args.Error(1)
}

func setupReporter(t *testing.T) (*CloudWatchFaultReporter, *MockCloudWatchClient) {
	t.Helper()

	cw := &MockCloudWatchClient{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCloudWatchFaultReporter(cw, "AuditAnomalyDetector", "detector", logger), cw
}

func TestCloudWatchFaultReporter_PublishesMetric(t *testing.T) {
	r, cw := setupReporter(t)

	cw.On(
		"PutMetricData",
		mock.Anything,
		mock.MatchedBy(func(in *cloudwatch.PutMetricDataInput) bool {
			if aws.ToString(in.Namespace) != "AuditAnomalyDetector" || len(in.MetricData) != 1 {
				return false
			}
			d := in.MetricData[0]
			return aws.ToString(d.MetricName) == FaultIntakeHalted &&
				aws.ToFloat64(d.Value) == 1 &&
				d.Unit == types.StandardUnitCount &&
				aws.ToString(d.Dimensions[0].Value) == "detector"
		}),
		mock.AnythingOfType("[]func(*cloudwatch.Options)"),
	).Return(&cloudwatch.PutMetricDataOutput{}, nil)

	before := testutil.ToFloat64(OperationalFaultsTotal.WithLabelValues(FaultIntakeHalted))
	r.Fault(context.Background(), FaultIntakeHalted, slog.String("actor", "alice"))

	cw.AssertExpectations(t)
	assert.Equal(t, before+1, testutil.ToFloat64(OperationalFaultsTotal.WithLabelValues(FaultIntakeHalted)))
}

func TestCloudWatchFaultReporter_PublishFailureIsLogged(t *testing.T) {
	r, cw := setupReporter(t)

	cw.On("PutMetricData", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("throttled"))

	assert.NotPanics(t, func() {
		r.Fault(context.Background(), FaultCheckpointFailed)
	})
	cw.AssertNumberOfCalls(t, "PutMetricData", 1)
}

func TestCloudWatchFaultReporter_PublishesAfterCancel(t *testing.T) {
	r, cw := setupReporter(t)

	cw.On("PutMetricData", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			ctx := args.Get(0).(context.Context)
			assert.NoError(t, ctx.Err())
		}).
		Return(&cloudwatch.PutMetricDataOutput{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r.Fault(ctx, FaultDeliveryDropped)

	cw.AssertExpectations(t)
}

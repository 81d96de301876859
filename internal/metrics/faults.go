package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Operational faults.
const (
	FaultDetectionUnavailable = "DetectionUnavailable"
	FaultIntakeHalted         = "IntakeHalted"
	FaultCheckpointFailed     = "CheckpointFailed"
	FaultDeliveryDropped      = "DeliveryDropped"
)

// FaultReporter records operational faults that need operator attention.
type FaultReporter interface {
	Fault(ctx context.Context, fault string, attrs ...slog.Attr)
}

// CloudWatchAPI defines the CloudWatch operations required for fault reporting.
type CloudWatchAPI interface {
	PutMetricData(
		ctx context.Context,
		params *cloudwatch.PutMetricDataInput,
		optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// LogFaultReporter logs faults and counts them in Prometheus.
type LogFaultReporter struct {
	logger *slog.Logger
}

// NewLogFaultReporter creates a new LogFaultReporter instance.
func NewLogFaultReporter(logger *slog.Logger) *LogFaultReporter {
	return &LogFaultReporter{logger: logger}
}

// Fault logs the fault at error level.
func (r *LogFaultReporter) Fault(ctx context.Context, fault string, attrs ...slog.Attr) {
	OperationalFaultsTotal.WithLabelValues(fault).Inc()
	r.logger.LogAttrs(ctx, slog.LevelError, "operational fault", append([]slog.Attr{slog.String("fault", fault)}, attrs...)...)
}

// CloudWatchFaultReporter additionally publishes each fault as a CloudWatch
// metric so alarms can page operators.
type CloudWatchFaultReporter struct {
	*LogFaultReporter
	cw        CloudWatchAPI
	namespace string
	service   string
}

// NewCloudWatchFaultReporter creates a new CloudWatchFaultReporter instance.
func NewCloudWatchFaultReporter(cw CloudWatchAPI, namespace, service string, logger *slog.Logger) *CloudWatchFaultReporter {
	return &CloudWatchFaultReporter{
		LogFaultReporter: NewLogFaultReporter(logger),
		cw:               cw,
		namespace:        namespace,
		service:          service,
	}
}

// Fault logs the fault and publishes a count of one.
func (r *CloudWatchFaultReporter) Fault(ctx context.Context, fault string, attrs ...slog.Attr) {
	r.LogFaultReporter.Fault(ctx, fault, attrs...)

	if err := r.put(ctx, fault); err != nil {
		r.logger.ErrorContext(
			ctx,
			"cannot publish fault metric",
			slog.String("fault", fault),
			slog.String("error", err.Error()),
		)
	}
}

func (r *CloudWatchFaultReporter) put(ctx context.Context, fault string) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	_, err := r.cw.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(r.namespace),
		MetricData: []types.MetricDatum{{
			MetricName: aws.String(fault),
			Value:      aws.Float64(1),
			Unit:       types.StandardUnitCount,
			Timestamp:  aws.Time(time.Now()),
			Dimensions: []types.Dimension{{
				Name:  aws.String("Service"),
				Value: aws.String(r.service),
			}},
		}},
	})
	if err != nil {
		return fmt.Errorf("cannot put metric %q to %q: %w", fault, r.namespace, err)
	}
	return nil
}

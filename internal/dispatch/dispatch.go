// Package dispatch delivers anomaly alerts to notification targets.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.opentelemetry.io/otel"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/config"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

var tracer = otel.Tracer("github.com/ab0utbla-k/audit-anomaly-detector/internal/dispatch")

// Sender sends alerts to a notification target.
type Sender interface {
	// Send dispatches an alert to the configured target.
	Send(ctx context.Context, alert *events.Alert) error
}

// DigestSender is implemented by senders that can deliver suppression digests.
type DigestSender interface {
	SendDigest(ctx context.Context, digest *events.SuppressionDigest) error
}

// NewSender creates a Sender implementation based on the configured dispatch target.
// Supported targets: sns, eventbridge, log.
// Returns an error if the dispatch target is unknown.
func NewSender(awsCfg aws.Config, cfg *config.Config, logger *slog.Logger) (Sender, error) {
	switch cfg.DispatchTarget {
	case config.TargetSNS:
		client := sns.NewFromConfig(awsCfg)
		return NewSNSSender(client, cfg), nil

	case config.TargetEventBridge:
		client := eventbridge.NewFromConfig(awsCfg)
		return NewEventBridgeSender(client, cfg), nil

	case config.TargetLog:
		return NewLogSender(logger), nil

	default:
		return nil, fmt.Errorf("unknown dispatch target: %s", cfg.DispatchTarget)
	}
}

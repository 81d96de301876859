// Package config loads detector configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/baseline"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/env"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/fusion"
)

// DispatchTarget selects where alerts are delivered.
type DispatchTarget string

const (
	TargetSNS         DispatchTarget = "sns"
	TargetEventBridge DispatchTarget = "eventbridge"
	TargetLog         DispatchTarget = "log"
)

// AuditBackend selects where decisions are recorded.
type AuditBackend string

const (
	AuditMemory   AuditBackend = "memory"
	AuditSQLite   AuditBackend = "sqlite"
	AuditDynamoDB AuditBackend = "dynamodb"
)

type Config struct {
	AWSRegion      string
	DispatchTarget DispatchTarget

	SNSTopicARN string
	EventBusARN string

	// Empty paths select the built-in model and rule set.
	ModelPath     string
	ModelVersion  string
	RuleSetPath   string
	RuleHotReload bool

	FusionTimeout       time.Duration
	ThresholdML         float64
	ThresholdMLStrong   float64
	SuppressionPolicy   fusion.Policy
	SuppressionWindow   time.Duration
	SuppressionMaxCount int

	DecayFactor     float64
	RetentionWindow time.Duration
	SkewTolerance   time.Duration
	FutureTolerance time.Duration
	DedupWindow     time.Duration
	MaxActors       int
	PipelineLanes   int

	AuditStore         AuditBackend
	SQLitePath         string
	AuditTable         string
	CheckpointInterval time.Duration

	SQSQueueURL          string
	MetricsAddr          string
	FaultMetricNamespace string
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		AWSRegion:            env.Get("AWS_REGION", "", env.ParseString),
		SNSTopicARN:          env.Get("SNS_TOPIC_ARN", "", env.ParseString),
		EventBusARN:          env.Get("EVENT_BUS_ARN", "", env.ParseString),
		ModelPath:            env.Get("MODEL_PATH", "", env.ParseString),
		ModelVersion:         env.Get("MODEL_VERSION", "", env.ParseString),
		RuleSetPath:          env.Get("RULE_SET_PATH", "", env.ParseString),
		SQLitePath:           env.Get("SQLITE_PATH", "detector.db", env.ParseNonEmptyString),
		AuditTable:           env.Get("AUDIT_TABLE", "", env.ParseString),
		SQSQueueURL:          env.Get("SQS_QUEUE_URL", "", env.ParseString),
		MetricsAddr:          env.Get("METRICS_ADDR", ":9090", env.ParseNonEmptyString),
		FaultMetricNamespace: env.Get("FAULT_METRIC_NAMESPACE", "", env.ParseString),
	}

	defaults := baseline.DefaultConfig()
	var errs []error

	cfg.DispatchTarget = DispatchTarget(env.Get("ALERT_DESTINATION", string(TargetSNS), env.ParseNonEmptyString))
	cfg.AuditStore = AuditBackend(env.Get("AUDIT_STORE", string(AuditMemory), env.ParseNonEmptyString))

	policy, err := env.Lookup("SUPPRESSION_POLICY", fusion.PolicyNeverRetry, fusion.ParsePolicy)
	errs = append(errs, err)
	cfg.SuppressionPolicy = policy

	cfg.RuleHotReload, err = env.Lookup("RULE_HOT_RELOAD", true, env.ParseBool)
	errs = append(errs, err)
	cfg.FusionTimeout, err = env.Lookup("FUSION_TIMEOUT", 2*time.Second, env.ParseDuration)
	errs = append(errs, err)
	cfg.ThresholdML, err = env.Lookup("TAU_ML", 0.7, env.ParseFloat)
	errs = append(errs, err)
	cfg.ThresholdMLStrong, err = env.Lookup("TAU_ML_STRONG", 0.9, env.ParseFloat)
	errs = append(errs, err)
	cfg.SuppressionWindow, err = env.Lookup("SUPPRESSION_WINDOW", 15*time.Minute, env.ParseDuration)
	errs = append(errs, err)
	cfg.DecayFactor, err = env.Lookup("DECAY_FACTOR", defaults.DecayFactor, env.ParseFloat)
	errs = append(errs, err)
	cfg.RetentionWindow, err = env.Lookup("RETENTION_WINDOW", defaults.RetentionWindow, env.ParseDuration)
	errs = append(errs, err)
	cfg.SkewTolerance, err = env.Lookup("SKEW_TOLERANCE", defaults.SkewTolerance, env.ParseDuration)
	errs = append(errs, err)
	cfg.FutureTolerance, err = env.Lookup("FUTURE_TOLERANCE", defaults.FutureTolerance, env.ParseDuration)
	errs = append(errs, err)
	cfg.DedupWindow, err = env.Lookup("DEDUP_WINDOW", 24*time.Hour, env.ParseDuration)
	errs = append(errs, err)
	cfg.CheckpointInterval, err = env.Lookup("CHECKPOINT_INTERVAL", 5*time.Minute, env.ParseDuration)
	errs = append(errs, err)

	maxCount, err := env.Lookup("SUPPRESSION_MAX_COUNT", 5, env.ParseInt)
	errs = append(errs, err)
	cfg.SuppressionMaxCount = int(maxCount)
	maxActors, err := env.Lookup("MAX_ACTORS", int64(defaults.MaxActors), env.ParseInt)
	errs = append(errs, err)
	cfg.MaxActors = int(maxActors)
	lanes, err := env.Lookup("PIPELINE_LANES", 8, env.ParseInt)
	errs = append(errs, err)
	cfg.PipelineLanes = int(lanes)

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DispatchTarget {
	case TargetSNS:
		if c.SNSTopicARN == "" {
			return &env.Error{Key: "SNS_TOPIC_ARN", Err: env.ErrMissing}
		}
	case TargetEventBridge:
		if c.EventBusARN == "" {
			return &env.Error{Key: "EVENT_BUS_ARN", Err: env.ErrMissing}
		}
	case TargetLog:
	default:
		return fmt.Errorf("invalid alert destination: %s", c.DispatchTarget)
	}

	switch c.AuditStore {
	case AuditMemory, AuditSQLite:
	case AuditDynamoDB:
		if c.AuditTable == "" {
			return &env.Error{Key: "AUDIT_TABLE", Err: env.ErrMissing}
		}
	default:
		return fmt.Errorf("invalid audit store: %s", c.AuditStore)
	}

	if c.NeedsAWS() && c.AWSRegion == "" {
		return &env.Error{Key: "AWS_REGION", Err: env.ErrMissing}
	}

	if c.FusionTimeout <= 0 {
		return fmt.Errorf("fusion timeout must be positive: %s", c.FusionTimeout)
	}
	if c.PipelineLanes <= 0 {
		return fmt.Errorf("pipeline lanes must be positive: %d", c.PipelineLanes)
	}
	if c.DedupWindow <= 0 {
		return fmt.Errorf("dedup window must be positive: %s", c.DedupWindow)
	}
	if c.CheckpointInterval <= 0 {
		return fmt.Errorf("checkpoint interval must be positive: %s", c.CheckpointInterval)
	}
	if err := c.Thresholds().Validate(); err != nil {
		return err
	}
	if err := c.Suppression().Validate(); err != nil {
		return err
	}
	return c.Baseline().Validate()
}

// NeedsAWS reports whether any configured component calls AWS.
func (c *Config) NeedsAWS() bool {
	return c.DispatchTarget != TargetLog ||
		c.AuditStore == AuditDynamoDB ||
		c.SQSQueueURL != "" ||
		c.FaultMetricNamespace != ""
}

// Baseline returns the baseline store configuration.
func (c *Config) Baseline() baseline.Config {
	b := baseline.DefaultConfig()
	b.DecayFactor = c.DecayFactor
	b.RetentionWindow = c.RetentionWindow
	b.SkewTolerance = c.SkewTolerance
	b.FutureTolerance = c.FutureTolerance
	b.MaxActors = c.MaxActors
	return b
}

// Thresholds returns the fusion score thresholds.
func (c *Config) Thresholds() fusion.Thresholds {
	return fusion.Thresholds{ML: c.ThresholdML, MLStrong: c.ThresholdMLStrong}
}

// Suppression returns the alert suppression configuration.
func (c *Config) Suppression() fusion.SuppressionConfig {
	return fusion.SuppressionConfig{
		Window:   c.SuppressionWindow,
		MaxCount: c.SuppressionMaxCount,
		Policy:   c.SuppressionPolicy,
	}
}

package app

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/audit"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/config"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/pipeline"
)

const stopLogging = `{
	"eventID": "e1",
	"eventTime": "2024-03-10T03:00:00Z",
	"eventName": "StopLogging",
	"eventSource": "cloudtrail.amazonaws.com",
	"sourceIPAddress": "203.0.113.7",
	"userIdentity": {"type": "IAMUser", "userName": "ops"}
}`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func loadConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("ALERT_DESTINATION", "log")
	t.Setenv("AUDIT_STORE", "memory")

	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestNew_ProcessesWithDefaults(t *testing.T) {
	cfg := loadConfig(t)
	ctx := context.Background()

	d, err := New(ctx, cfg, aws.Config{}, Options{Service: "test"}, discardLogger())
	require.NoError(t, err)
	assert.NotEmpty(t, d.Models.Version())
	assert.NotNil(t, d.Rules.Current())

	decision, err := d.Pipeline.Process(ctx, pipeline.Record{Provider: events.ProviderAWS, Raw: []byte(stopLogging)})
	require.NoError(t, err)
	assert.Equal(t, events.OutcomeAlerted, decision.Outcome)

	alerts, err := d.Store.QueryAlerts(ctx, audit.AlertQuery{Actor: "ops"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "e1", alerts[0].EventID)

	require.NoError(t, d.Pipeline.Shutdown(ctx))
}

func TestNew_MissingModelDegrades(t *testing.T) {
	cfg := loadConfig(t)
	cfg.ModelPath = filepath.Join(t.TempDir(), "missing.json")
	ctx := context.Background()

	d, err := New(ctx, cfg, aws.Config{}, Options{}, discardLogger())
	require.NoError(t, err)
	assert.Empty(t, d.Models.Version())

	decision, err := d.Pipeline.Process(ctx, pipeline.Record{Provider: events.ProviderAWS, Raw: []byte(stopLogging)})
	require.NoError(t, err)
	assert.Equal(t, events.OutcomeAlerted, decision.Outcome)
	assert.Contains(t, decision.Degraded, events.DetectorScorer)
}

func TestNew_InvalidRuleFile(t *testing.T) {
	cfg := loadConfig(t)
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: [{id: broken}]"), 0o600))
	cfg.RuleSetPath = path

	_, err := New(context.Background(), cfg, aws.Config{}, Options{}, discardLogger())
	assert.Error(t, err)
}

func TestNew_SQLiteRestoresBaselines(t *testing.T) {
	cfg := loadConfig(t)
	cfg.AuditStore = config.AuditSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "detector.db")
	ctx := context.Background()

	first, err := New(ctx, cfg, aws.Config{}, Options{}, discardLogger())
	require.NoError(t, err)
	_, err = first.Pipeline.Process(ctx, pipeline.Record{Provider: events.ProviderAWS, Raw: []byte(stopLogging)})
	require.NoError(t, err)
	require.NoError(t, first.Pipeline.Shutdown(ctx))

	second, err := New(ctx, cfg, aws.Config{}, Options{}, discardLogger())
	require.NoError(t, err)
	defer second.Store.Close()

	assert.Equal(t, 1, second.Baselines.Len())
	assert.NotNil(t, second.Baselines.Baseline("ops"))
}

func TestRunMaintenance_StopWaitsForWorkers(t *testing.T) {
	cfg := loadConfig(t)
	cfg.CheckpointInterval = time.Millisecond
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: [{id: a, severity: low, when: {action_in: [x]}}]"), 0o600))
	cfg.RuleSetPath = path
	cfg.RuleHotReload = true
	ctx := context.Background()

	d, err := New(ctx, cfg, aws.Config{}, Options{}, discardLogger())
	require.NoError(t, err)

	stop := d.RunMaintenance(ctx)
	time.Sleep(5 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("maintenance did not stop")
	}

	require.NoError(t, d.Pipeline.Shutdown(ctx))
	assert.ErrorIs(t, d.Store.RecordDecision(ctx, &events.Decision{}), audit.ErrClosed)
}

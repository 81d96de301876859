package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/baseline"
	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

var t0 = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func alertDecision(id, actor string, at time.Time, suppressed bool) *events.Decision {
	outcome := events.OutcomeAlerted
	reason := events.ReasonStrongScore
	suppressionReason := ""
	if suppressed {
		outcome = events.OutcomeSuppressed
		reason = events.ReasonRateLimited
		suppressionReason = events.ReasonRateLimited
	}
	score := 0.95
	return &events.Decision{
		EventID:   "evt-" + id,
		Actor:     actor,
		Provider:  events.ProviderAWS,
		EventTime: at,
		Outcome:   outcome,
		Reason:    reason,
		Tier:      3,
		Score:     &events.AnomalyScore{EventID: "evt-" + id, Score: score, ModelVersion: "m1"},
		Alert: &events.Alert{
			ID:                id,
			EventID:           "evt-" + id,
			Actor:             actor,
			Timestamp:         at,
			CombinedSeverity:  events.SeverityHigh,
			ContributingScore: &score,
			ModelVersion:      "m1",
			DominantSignal:    "ml",
			Tier:              3,
			Suppressed:        suppressed,
			SuppressionReason: suppressionReason,
		},
		RecordedAt: t0,
	}
}

func discardDecision(id string) *events.Decision {
	return &events.Decision{
		EventID:    id,
		Provider:   events.ProviderAzure,
		Outcome:    events.OutcomeDiscarded,
		Reason:     events.ReasonMalformedRecord,
		Detail:     "missing actor",
		RecordedAt: t0,
	}
}

func sampleBaseline(actor string) *baseline.ActorBaseline {
	b := &baseline.ActorBaseline{
		Actor:      actor,
		Contexts:   map[string]float64{"DeleteBucket|s3|1": 2.5},
		Actions:    map[string]float64{"DeleteBucket": 2.5},
		Resources:  map[string]time.Time{"arn:aws:s3:::logs": t0},
		Origins:    map[string]time.Time{"203.0.113.7": t0},
		Total:      2.5,
		EventCount: 3,
		LastSeen:   t0,
		FirstSeen:  t0.Add(-time.Hour),
	}
	b.Hours[12] = 2.5
	return b
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr[T any](v T) *T { return &v }

// storeContract exercises behavior shared by every backend that supports
// unrestricted queries.
func storeContract(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.RecordDecision(ctx, alertDecision("a1", "alice", t0, false)))
	require.NoError(t, s.RecordDecision(ctx, alertDecision("a2", "alice", t0.Add(time.Minute), true)))
	require.NoError(t, s.RecordDecision(ctx, alertDecision("a3", "bob", t0.Add(2*time.Minute), false)))
	require.NoError(t, s.RecordDecision(ctx, discardDecision("raw-1")))

	all, err := s.QueryAlerts(ctx, AlertQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a3", "a2", "a1"}, []string{all[0].ID, all[1].ID, all[2].ID})

	suppressed, err := s.QueryAlerts(ctx, AlertQuery{Suppressed: ptr(true)})
	require.NoError(t, err)
	require.Len(t, suppressed, 1)
	assert.Equal(t, "a2", suppressed[0].ID)
	assert.Equal(t, events.ReasonRateLimited, suppressed[0].SuppressionReason)
	assert.InDelta(t, 0.95, *suppressed[0].ContributingScore, 1e-9)

	alice, err := s.QueryAlerts(ctx, AlertQuery{Actor: "alice", Suppressed: ptr(false)})
	require.NoError(t, err)
	require.Len(t, alice, 1)
	assert.Equal(t, "a1", alice[0].ID)

	window, err := s.QueryAlerts(ctx, AlertQuery{From: t0.Add(30 * time.Second), To: t0.Add(90 * time.Second)})
	require.NoError(t, err)
	require.Len(t, window, 1)
	assert.Equal(t, "a2", window[0].ID)

	limited, err := s.QueryAlerts(ctx, AlertQuery{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	// A second alert for an event is rejected together with its decision.
	redelivered := alertDecision("a1-again", "alice", t0, false)
	redelivered.EventID = "evt-a1"
	redelivered.Alert.EventID = "evt-a1"
	require.ErrorIs(t, s.RecordDecision(ctx, redelivered), ErrDuplicateAlert)

	all, err = s.QueryAlerts(ctx, AlertQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	// Checkpoints replace previous snapshots.
	require.NoError(t, s.SaveBaselines(ctx, []*baseline.ActorBaseline{sampleBaseline("alice"), sampleBaseline("bob")}))
	require.NoError(t, s.SaveBaselines(ctx, []*baseline.ActorBaseline{sampleBaseline("carol")}))

	loaded, err := s.LoadBaselines(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "carol", loaded[0].Actor)
	assert.Equal(t, 2.5, loaded[0].Hours[12])
	assert.Equal(t, t0, loaded[0].Resources["arn:aws:s3:::logs"].UTC())
	assert.Equal(t, int64(3), loaded[0].EventCount)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	storeContract(t, s)

	assert.Len(t, s.Decisions(), 4)
	assert.Equal(t, events.ReasonMalformedRecord, s.Decisions()[3].Reason)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.RecordDecision(context.Background(), discardDecision("late")), ErrClosed)
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer s.Close()

	storeContract(t, s)

	counts, err := s.CountDecisions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[events.Outcome]int{
		events.OutcomeAlerted:    2,
		events.OutcomeSuppressed: 1,
		events.OutcomeDiscarded:  1,
	}, counts)
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	path := t.TempDir() + "/audit.db"

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordDecision(context.Background(), alertDecision("a1", "alice", t0, false)))
	require.NoError(t, s.SaveBaselines(context.Background(), []*baseline.ActorBaseline{sampleBaseline("alice")}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	alerts, err := s.QueryAlerts(context.Background(), AlertQuery{Actor: "alice"})
	require.NoError(t, err)
	require.Len(t, alerts, 1)

	loaded, err := s.LoadBaselines(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
}

func TestBaselineCheckpointRoundTrip(t *testing.T) {
	logger := discardLogger()
	store, err := baseline.NewStore(baseline.DefaultConfig(), logger)
	require.NoError(t, err)

	ev := &events.CanonicalEvent{
		ID:        "e1",
		Timestamp: t0,
		Actor:     "alice",
		Provider:  events.ProviderAWS,
		Action:    "GetObject",
		Service:   "s3.amazonaws.com",
		Resource:  "arn:aws:s3:::logs/a",
		SourceIP:  "203.0.113.7",
	}
	_, err = store.Extract(context.Background(), ev)
	require.NoError(t, err)

	cp, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer cp.Close()

	require.NoError(t, store.Checkpoint(context.Background(), cp))

	restored, err := baseline.NewStore(baseline.DefaultConfig(), logger)
	require.NoError(t, err)
	require.NoError(t, restored.Load(context.Background(), cp))

	assert.Equal(t, 1, restored.Len())
	assert.Equal(t, int64(1), restored.Baseline("alice").EventCount)
}

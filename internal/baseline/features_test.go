package baseline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

func TestIsDestructive(t *testing.T) {
	tests := []struct {
		action string
		want   bool
	}{
		{"DeleteBucket", true},
		{"TerminateInstances", true},
		{"StopLogging", true},
		{"PutRolePolicy", true},
		{"AttachUserPolicy", true},
		{"ListBuckets", false},
		{"GetObject", false},
		{"CreateUser", false},
		{"Microsoft.Storage/storageAccounts/delete", true},
		{"Microsoft.Authorization/roleAssignments/write", true},
		{"Microsoft.Compute/virtualMachines/powerOff/action", true},
		{"Microsoft.Storage/storageAccounts/read", false},
	}

	for _, tt := range tests {
		t.Run(tt.action, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDestructive(tt.action))
		})
	}
}

func TestFeatures_NewActor(t *testing.T) {
	ev := &events.CanonicalEvent{
		ID:        "e1",
		Timestamp: time.Date(2024, 3, 9, 3, 0, 0, 0, time.UTC), // Saturday
		Actor:     "x",
		Action:    "DeleteBucket",
		Resource:  "b",
		SourceIP:  "1.2.3.4",
		ErrorCode: "AccessDenied",
	}

	got := Features(ev, "s3", nil, DefaultConfig())

	want := map[string]float64{
		FeatureNewResource:      1,
		FeatureNewOrigin:        1,
		FeatureNewAction:        1,
		FeatureActionRarity:     1,
		FeatureContextRarity:    1,
		FeatureHourRarity:       1,
		FeatureOffHours:         1,
		FeatureWeekend:          1,
		FeatureDestructive:      1,
		FeatureError:            1,
		FeatureBaselineMaturity: 0,
		FeatureErrorBurst:       0.1,
	}
	require.Len(t, got, len(FeatureNames))
	for _, f := range got {
		assert.Equal(t, want[f.Name], f.Value, f.Name)
	}
}

func TestFeatures_EmptyResourceIsNotNew(t *testing.T) {
	ev := &events.CanonicalEvent{ID: "e1", Timestamp: time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC), Actor: "x", Action: "ListBuckets"}

	vec := events.FeatureVector{Features: Features(ev, "s3", nil, DefaultConfig())}

	v, _ := vec.Get(FeatureNewResource)
	assert.Equal(t, 0.0, v)
	v, _ = vec.Get(FeatureNewOrigin)
	assert.Equal(t, 0.0, v)
	v, _ = vec.Get(FeatureOffHours)
	assert.Equal(t, 0.0, v)
}

func TestFeatures_NewActorRegion(t *testing.T) {
	ev := &events.CanonicalEvent{ID: "e1", Timestamp: time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC), Actor: "x", Action: "ListBuckets", Region: "eu-west-1"}

	vec := events.FeatureVector{Features: Features(ev, "s3", nil, DefaultConfig())}

	v, _ := vec.Get(FeatureNewRegion)
	assert.Equal(t, 1.0, v)
	v, _ = vec.Get(FeatureMultiRegion)
	assert.Equal(t, 0.0, v)
}

func TestSequenceMatch(t *testing.T) {
	pairs := [][2]string{{"CreateUser", "CreateAccessKey"}}

	assert.True(t, sequenceMatch("CreateAccessKey", []string{"ListUsers", "CreateUser"}, pairs))
	assert.False(t, sequenceMatch("CreateAccessKey", []string{"ListUsers"}, pairs))
	assert.False(t, sequenceMatch("CreateUser", []string{"CreateAccessKey"}, pairs))
	assert.False(t, sequenceMatch("CreateAccessKey", nil, pairs))
}

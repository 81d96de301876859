package normalize

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

const cloudTrailRecord = `{
	"eventVersion": "1.08",
	"userIdentity": {
		"type": "IAMUser",
		"principalId": "AIDAEXAMPLE",
		"arn": "arn:aws:iam::123456789012:user/svc-acct-1",
		"accountId": "123456789012",
		"userName": "svc-acct-1"
	},
	"eventTime": "2024-03-10T03:00:00Z",
	"eventSource": "s3.amazonaws.com",
	"eventName": "DeleteBucket",
	"awsRegion": "us-east-1",
	"sourceIPAddress": "203.0.113.7",
	"userAgent": "aws-cli/2.15.0",
	"requestParameters": {"bucketName": "prod-backups"},
	"eventID": "0f1c2d3e-4b5a-6978-8a9b-0c1d2e3f4a5b"
}`

func TestNormalize_CloudTrail(t *testing.T) {
	ev, err := Normalize([]byte(cloudTrailRecord), events.ProviderAWS)
	require.NoError(t, err)

	assert.Equal(t, "0f1c2d3e-4b5a-6978-8a9b-0c1d2e3f4a5b", ev.ID)
	assert.Equal(t, "svc-acct-1", ev.Actor)
	assert.Equal(t, "DeleteBucket", ev.Action)
	assert.Equal(t, "prod-backups", ev.Resource)
	assert.Equal(t, "203.0.113.7", ev.SourceIP)
	assert.Equal(t, "s3.amazonaws.com", ev.Service)
	assert.Equal(t, "us-east-1", ev.Region)
	assert.Equal(t, events.ProviderAWS, ev.Provider)
	assert.Equal(t, time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC), ev.Timestamp)
	assert.Contains(t, ev.RawRef, "sha256:")
}

func TestNormalize_CloudTrailEventBridgeEnvelope(t *testing.T) {
	raw := `{
		"version": "0",
		"detail-type": "AWS API Call via CloudTrail",
		"source": "aws.iam",
		"detail": {
			"eventTime": "2024-03-10T12:30:00Z",
			"eventName": "CreateAccessKey",
			"eventSource": "iam.amazonaws.com",
			"userIdentity": {
				"type": "AssumedRole",
				"arn": "arn:aws:sts::123456789012:assumed-role/admin/session",
				"sessionContext": {"sessionIssuer": {"userName": "admin"}}
			},
			"resources": [{"ARN": "arn:aws:iam::123456789012:user/bob", "type": "AWS::IAM::User"}]
		}
	}`

	ev, err := Normalize([]byte(raw), events.ProviderAWS)
	require.NoError(t, err)

	assert.Equal(t, "admin", ev.Actor)
	assert.Equal(t, "CreateAccessKey", ev.Action)
	assert.Equal(t, "arn:aws:iam::123456789012:user/bob", ev.Resource)
	assert.Equal(t, "AWS::IAM::User", ev.ResourceType)
	assert.Equal(t, "iam", ResourceClass(ev))
}

func TestNormalize_CloudTrailLookupEvent(t *testing.T) {
	raw := `{
		"EventId": "abc-123",
		"EventName": "StopLogging",
		"EventTime": 1710039600,
		"Username": "ops-user",
		"Resources": [{"ResourceType": "AWS::CloudTrail::Trail", "ResourceName": "main-trail"}]
	}`

	ev, err := Normalize([]byte(raw), events.ProviderAWS)
	require.NoError(t, err)

	assert.Equal(t, "abc-123", ev.ID)
	assert.Equal(t, "ops-user", ev.Actor)
	assert.Equal(t, "StopLogging", ev.Action)
	assert.Equal(t, "main-trail", ev.Resource)
	assert.Equal(t, "cloudtrail", ResourceClass(ev))
	assert.Equal(t, time.Unix(1710039600, 0).UTC(), ev.Timestamp)
}

func TestNormalize_AzureActivityLog(t *testing.T) {
	raw := `{
		"eventDataId": "a1b2c3",
		"eventTimestamp": "2024-03-10T03:15:42.1234567Z",
		"operationName": {"value": "Microsoft.Storage/storageAccounts/delete", "localizedValue": "Delete Storage Account"},
		"caller": "alice@contoso.com",
		"callerIpAddress": "198.51.100.4",
		"resourceId": "/subscriptions/s1/resourceGroups/rg/providers/Microsoft.Storage/storageAccounts/logs01",
		"resourceType": {"value": "Microsoft.Storage/storageAccounts"},
		"status": {"value": "Failed"},
		"subStatus": {"value": "Forbidden"}
	}`

	ev, err := Normalize([]byte(raw), events.ProviderAzure)
	require.NoError(t, err)

	assert.Equal(t, "a1b2c3", ev.ID)
	assert.Equal(t, "alice@contoso.com", ev.Actor)
	assert.Equal(t, "Microsoft.Storage/storageAccounts/delete", ev.Action)
	assert.Equal(t, "198.51.100.4", ev.SourceIP)
	assert.Equal(t, "Forbidden", ev.ErrorCode)
	assert.Equal(t, "microsoft.storage", ResourceClass(ev))
	assert.Equal(t, 3, ev.Timestamp.Hour())
	assert.Equal(t, time.UTC, ev.Timestamp.Location())
}

func TestNormalize_GenericPassesUnknownAction(t *testing.T) {
	raw := `{"timestamp": "2024-03-10 08:00:00", "actor": "svc", "action": "FrobnicateWidget"}`

	ev, err := Normalize([]byte(raw), events.ProviderOther)
	require.NoError(t, err)

	assert.Equal(t, "FrobnicateWidget", ev.Action)
	assert.Equal(t, time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC), ev.Timestamp)
	assert.Equal(t, UnknownResourceClass, ResourceClass(ev))
}

func TestNormalize_DerivedIDIsDeterministic(t *testing.T) {
	raw := []byte(`{"timestamp": "2024-03-10T08:00:00Z", "actor": "svc", "action": "Get"}`)

	first, err := Normalize(raw, events.ProviderOther)
	require.NoError(t, err)
	second, err := Normalize(raw, events.ProviderOther)
	require.NoError(t, err)

	assert.NotEmpty(t, first.ID)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.RawRef, second.RawRef)
}

func TestNormalize_Malformed(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		provider events.Provider
		field    string
	}{
		{
			name:     "missing actor",
			raw:      `{"eventTime": "2024-03-10T03:00:00Z", "eventName": "ListBuckets", "userIdentity": {}}`,
			provider: events.ProviderAWS,
			field:    "actor",
		},
		{
			name:     "missing action",
			raw:      `{"eventTime": "2024-03-10T03:00:00Z", "userIdentity": {"userName": "bob"}}`,
			provider: events.ProviderAWS,
			field:    "action",
		},
		{
			name:     "missing timestamp",
			raw:      `{"caller": "bob", "operationName": "x"}`,
			provider: events.ProviderAzure,
			field:    "timestamp",
		},
		{
			name:     "unparseable timestamp",
			raw:      `{"timestamp": "yesterday", "actor": "bob", "action": "x"}`,
			provider: events.ProviderOther,
			field:    "timestamp",
		},
		{
			name:     "not json",
			raw:      `not json`,
			provider: events.ProviderAWS,
			field:    "record",
		},
		{
			name:     "json array",
			raw:      `[1, 2]`,
			provider: events.ProviderAWS,
			field:    "record",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Normalize([]byte(tt.raw), tt.provider)
			require.Error(t, err)
			assert.Nil(t, ev)
			assert.True(t, errors.Is(err, ErrMalformedRecord))

			var mre *MalformedRecordError
			require.ErrorAs(t, err, &mre)
			assert.Equal(t, tt.field, mre.Field)
		})
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2024, 3, 10, 3, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   any
	}{
		{"rfc3339", "2024-03-10T03:00:00Z"},
		{"offset", "2024-03-10T05:00:00+02:00"},
		{"space separated", "2024-03-10 03:00:00"},
		{"no zone", "2024-03-10T03:00:00"},
		{"epoch seconds", float64(want.Unix())},
		{"epoch millis", float64(want.UnixMilli())},
		{"epoch string", "1710039600"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			require.NoError(t, err)
			assert.True(t, want.Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParseTimestamp_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   any
	}{
		{"nan string", "NaN"},
		{"inf string", "Inf"},
		{"negative inf", "-Inf"},
		{"huge exponent", "1e300"},
		{"huge number", json.Number("1e300")},
		{"negative epoch", float64(-1)},
		{"nan number", math.NaN()},
		{"beyond 2200 millis", "7258118400000"},
		{"far future text", "9999-12-31T23:59:59Z"},
		{"before 1970", "1969-12-31T23:59:59Z"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTimestamp(tt.in)
			assert.Error(t, err)
		})
	}
}

func TestNormalize_NonFiniteEpochIsMalformed(t *testing.T) {
	raw := `{"timestamp": "NaN", "actor": "svc", "action": "Get"}`

	_, err := Normalize([]byte(raw), events.ProviderOther)
	require.ErrorIs(t, err, ErrMalformedRecord)

	var mre *MalformedRecordError
	require.ErrorAs(t, err, &mre)
	assert.Equal(t, "timestamp", mre.Field)
}

func TestCheckEventTime(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

	assert.NoError(t, CheckEventTime(now.Add(-24*time.Hour), now, 15*time.Minute))
	assert.NoError(t, CheckEventTime(now.Add(10*time.Minute), now, 15*time.Minute))

	err := CheckEventTime(time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC), now, 15*time.Minute)
	require.ErrorIs(t, err, ErrMalformedRecord)
	var mre *MalformedRecordError
	require.ErrorAs(t, err, &mre)
	assert.Equal(t, "timestamp", mre.Field)
}

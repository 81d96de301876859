package baseline

import (
	"math"
	"slices"
	"strings"
	"time"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

// Feature names in vector order.
const (
	FeatureNewResource      = "new_resource"
	FeatureNewOrigin        = "new_origin"
	FeatureNewAction        = "new_action"
	FeatureActionRarity     = "action_rarity"
	FeatureContextRarity    = "context_rarity"
	FeatureHourRarity       = "hour_rarity"
	FeatureOffHours         = "off_hours"
	FeatureWeekend          = "weekend"
	FeatureDestructive      = "destructive_action"
	FeatureError            = "error"
	FeatureBaselineMaturity = "baseline_maturity"

	FeatureSequencePrivilegeEscalation = "sequence_privilege_escalation"
	FeatureSequenceDataExfiltration    = "sequence_data_exfiltration"
	FeatureSequencePersistence         = "sequence_persistence"
	FeatureErrorBurst                  = "error_burst"
	FeatureNewRegion                   = "new_region"
	FeatureMultiRegion                 = "multi_region"
)

// FeatureNames lists every feature in the order it appears in a vector.
var FeatureNames = []string{
	FeatureNewResource,
	FeatureNewOrigin,
	FeatureNewAction,
	FeatureActionRarity,
	FeatureContextRarity,
	FeatureHourRarity,
	FeatureOffHours,
	FeatureWeekend,
	FeatureDestructive,
	FeatureError,
	FeatureBaselineMaturity,
	FeatureSequencePrivilegeEscalation,
	FeatureSequenceDataExfiltration,
	FeatureSequencePersistence,
	FeatureErrorBurst,
	FeatureNewRegion,
	FeatureMultiRegion,
}

const (
	offHoursEnd    = 5
	maturityEvents = 50
	// errorBurstEvents failed requests within a few half-lives saturate error_burst.
	errorBurstEvents = 10
	// Activity across more than multiRegionCount regions sets multi_region.
	multiRegionCount = 3
)

// sequences maps a sequence feature to action pairs. The feature is set when
// the event's action is the second of a pair and the first appears in the
// actor's recent history.
var sequences = []struct {
	feature string
	pairs   [][2]string
}{
	{FeatureSequencePrivilegeEscalation, [][2]string{
		{"CreateUser", "CreateAccessKey"},
		{"CreateUser", "AttachUserPolicy"},
		{"CreateRole", "AttachRolePolicy"},
	}},
	{FeatureSequenceDataExfiltration, [][2]string{
		{"ListBuckets", "GetObject"},
		{"GetObject", "CopyObject"},
	}},
	{FeatureSequencePersistence, [][2]string{
		{"CreateTrail", "StopLogging"},
		{"PutMetricAlarm", "DeleteAlarms"},
	}},
}

func sequenceMatch(action string, recent []string, pairs [][2]string) bool {
	for _, p := range pairs {
		if action == p[1] && slices.Contains(recent, p[0]) {
			return true
		}
	}
	return false
}

var destructivePrefixes = []string{
	"Delete", "Terminate", "Remove", "Stop", "Detach", "Disable", "Revoke", "Deregister", "Purge",
}

var policyMutations = []string{"PutUserPolicy", "PutRolePolicy", "PutGroupPolicy", "PutBucketPolicy",
	"AttachUserPolicy", "AttachRolePolicy", "AttachGroupPolicy", "UpdateAssumeRolePolicy"}

// IsDestructive reports whether an action deletes, stops or weakens a resource.
func IsDestructive(action string) bool {
	// Azure operations look like Microsoft.Storage/storageAccounts/delete.
	if i := strings.LastIndex(action, "/"); i >= 0 {
		lower := strings.ToLower(action)
		switch lower[i+1:] {
		case "delete":
			return true
		case "write":
			return strings.Contains(lower, "/roleassignments")
		case "action":
			return strings.Contains(lower, "/poweroff/") || strings.Contains(lower, "/deallocate/")
		}
		return false
	}

	for _, p := range destructivePrefixes {
		if strings.HasPrefix(action, p) {
			return true
		}
	}
	for _, p := range policyMutations {
		if action == p {
			return true
		}
	}
	return false
}

// Features computes the feature vector for ev against a baseline as it was
// before ev. A nil baseline denotes an actor with no history. The function
// is pure: equal inputs always produce equal vectors.
func Features(ev *events.CanonicalEvent, class string, b *ActorBaseline, cfg Config) []events.Feature {
	at := ev.Timestamp
	hour := at.Hour()

	newResource := boolf(ev.Resource != "")
	newOrigin := boolf(ev.SourceIP != "")
	newAction := 1.0
	actionRarity, contextRarity, hourRarity := 1.0, 1.0, 1.0
	newRegion := boolf(ev.Region != "")
	errorCount := boolf(ev.ErrorCode != "")
	regions := int(newRegion)
	var (
		maturity float64
		recent   []string
	)

	if b != nil {
		f := b.decayFactor(at, cfg.DecayFactor, cfg.DecayUnit)

		if ev.Resource != "" {
			_, seen := b.Resources[ev.Resource]
			newResource = boolf(!seen)
		}
		if ev.SourceIP != "" {
			_, seen := b.Origins[ev.SourceIP]
			newOrigin = boolf(!seen)
		}

		count, seen := b.Actions[ev.Action]
		newAction = boolf(!seen)
		actionRarity = 1 / (1 + count*f)
		contextRarity = 1 / (1 + b.Contexts[contextKey(ev.Action, class, timeBucket(at))]*f)

		if b.Total > 0 {
			near := b.Hours[(hour+23)%24] + b.Hours[hour] + b.Hours[(hour+1)%24]
			hourRarity = 1 - near/b.Total
		}

		maturity = math.Min(1, float64(b.EventCount)/maturityEvents)

		recent = b.Recent
		errorCount += b.Errors * b.errorDecay(at)

		regions = len(b.Regions)
		if ev.Region != "" {
			_, seen := b.Regions[ev.Region]
			newRegion = boolf(!seen)
			if !seen {
				regions++
			}
		}
	}

	weekday := at.Weekday()

	out := []events.Feature{
		{Name: FeatureNewResource, Value: newResource},
		{Name: FeatureNewOrigin, Value: newOrigin},
		{Name: FeatureNewAction, Value: newAction},
		{Name: FeatureActionRarity, Value: actionRarity},
		{Name: FeatureContextRarity, Value: contextRarity},
		{Name: FeatureHourRarity, Value: clamp01(hourRarity)},
		{Name: FeatureOffHours, Value: boolf(hour <= offHoursEnd)},
		{Name: FeatureWeekend, Value: boolf(weekday == time.Saturday || weekday == time.Sunday)},
		{Name: FeatureDestructive, Value: boolf(IsDestructive(ev.Action))},
		{Name: FeatureError, Value: boolf(ev.ErrorCode != "")},
		{Name: FeatureBaselineMaturity, Value: maturity},
	}
	for _, seq := range sequences {
		out = append(out, events.Feature{Name: seq.feature, Value: boolf(sequenceMatch(ev.Action, recent, seq.pairs))})
	}
	return append(out,
		events.Feature{Name: FeatureErrorBurst, Value: math.Min(1, errorCount/errorBurstEvents)},
		events.Feature{Name: FeatureNewRegion, Value: newRegion},
		events.Feature{Name: FeatureMultiRegion, Value: boolf(regions > multiRegionCount)},
	)
}

func boolf(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

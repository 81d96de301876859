package normalize

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

// requestParameterResources are request parameters that name the target
// resource when a CloudTrail record has no resources block.
var requestParameterResources = []string{
	"bucketName", "roleName", "userName", "groupName", "policyArn", "instanceId",
	"functionName", "logGroupName", "secretId", "keyId", "trailName", "dBInstanceIdentifier",
	"groupId", "tableName", "queueUrl", "topicArn",
}

// fromCloudTrail maps a CloudTrail record. EventBridge envelopes and
// LookupEvents results are unwrapped first.
func fromCloudTrail(m map[string]any) (*events.CanonicalEvent, error) {
	if detail := obj(m, "detail"); detail != nil && str(m, "detail-type") != "" {
		m = detail
	}

	// LookupEvents embeds the full record as a JSON string; top-level fields
	// remain as fallbacks.
	lookup := m
	if embedded := str(m, "CloudTrailEvent"); embedded != "" {
		dec := json.NewDecoder(bytes.NewReader([]byte(embedded)))
		dec.UseNumber()
		var inner map[string]any
		if err := dec.Decode(&inner); err == nil && inner != nil {
			m = inner
		}
	}

	ev := &events.CanonicalEvent{
		ID:        firstNonEmpty(str(m, "eventID"), str(lookup, "EventId")),
		Action:    firstNonEmpty(str(m, "eventName"), str(lookup, "EventName")),
		Service:   firstNonEmpty(str(m, "eventSource"), str(lookup, "EventSource")),
		SourceIP:  str(m, "sourceIPAddress"),
		UserAgent: str(m, "userAgent"),
		Region:    str(m, "awsRegion"),
		ErrorCode: str(m, "errorCode"),
	}

	if err := requireTime(ev, m, "eventTime"); err != nil {
		if lerr := requireTime(ev, lookup, "EventTime"); lerr != nil {
			return nil, err
		}
	}

	identity := obj(m, "userIdentity")
	ev.Actor = firstNonEmpty(
		str(identity, "userName"),
		str(obj(identity, "sessionContext", "sessionIssuer"), "userName"),
		str(identity, "arn"),
		str(identity, "principalId"),
		str(identity, "invokedBy"),
		str(lookup, "Username"),
	)

	ev.Resource, ev.ResourceType = cloudTrailResource(m, lookup)

	return ev, nil
}

func cloudTrailResource(m, lookup map[string]any) (string, string) {
	for _, src := range []map[string]any{m, lookup} {
		list, ok := src["resources"].([]any)
		if !ok {
			list, _ = src["Resources"].([]any)
		}
		for _, item := range list {
			r, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name := firstNonEmpty(str(r, "ARN"), str(r, "arn"), str(r, "ResourceName"))
			if name != "" {
				return name, firstNonEmpty(str(r, "type"), str(r, "ResourceType"))
			}
		}
	}

	if params := obj(m, "requestParameters"); params != nil {
		if name := str(params, requestParameterResources...); name != "" {
			return name, ""
		}
	}
	return "", ""
}

// fromActivityLog maps an Azure Activity Log record.
func fromActivityLog(m map[string]any) (*events.CanonicalEvent, error) {
	ev := &events.CanonicalEvent{
		ID:           str(m, "eventDataId", "id"),
		Action:       str(m, "operationName"),
		Actor:        str(m, "caller"),
		Resource:     str(m, "resourceId"),
		ResourceType: str(m, "resourceType"),
		Service:      str(m, "resourceProviderName"),
		SourceIP:     firstNonEmpty(str(m, "callerIpAddress"), str(obj(m, "httpRequest"), "clientIpAddress")),
		Region:       str(m, "location"),
	}

	if err := requireTime(ev, m, "eventTimestamp", "time"); err != nil {
		return nil, err
	}

	if status := str(m, "status"); strings.EqualFold(status, "Failed") {
		ev.ErrorCode = firstNonEmpty(str(m, "subStatus"), str(obj(m, "properties"), "statusCode"), status)
	}

	return ev, nil
}

// fromGeneric maps a flat JSON record for providers without a dedicated format.
func fromGeneric(m map[string]any) (*events.CanonicalEvent, error) {
	ev := &events.CanonicalEvent{
		ID:           str(m, "id", "event_id"),
		Actor:        str(m, "actor", "user", "principal"),
		Action:       str(m, "action", "event", "operation"),
		Service:      str(m, "service"),
		Resource:     str(m, "resource"),
		ResourceType: str(m, "resource_type"),
		SourceIP:     str(m, "source_ip", "ip"),
		UserAgent:    str(m, "user_agent"),
		Region:       str(m, "region"),
		ErrorCode:    str(m, "error_code"),
	}

	if err := requireTime(ev, m, "timestamp", "time", "event_time"); err != nil {
		return nil, err
	}

	return ev, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

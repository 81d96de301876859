package normalize

import (
	"strings"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

// UnknownResourceClass is returned when no class can be derived.
const UnknownResourceClass = "unknown"

// ResourceClass derives a coarse resource class such as "s3", "iam" or
// "microsoft.storage" from the event's resource, resource type or service.
func ResourceClass(ev *events.CanonicalEvent) string {
	if strings.HasPrefix(ev.Resource, "arn:") {
		// arn:partition:service:region:account:resource
		parts := strings.SplitN(ev.Resource, ":", 4)
		if len(parts) >= 3 && parts[2] != "" {
			return strings.ToLower(parts[2])
		}
	}

	if ns := azureNamespace(ev.Resource); ns != "" {
		return ns
	}

	if ev.ResourceType != "" {
		rt := ev.ResourceType
		// AWS::S3::Bucket
		if strings.HasPrefix(rt, "AWS::") {
			parts := strings.Split(rt, "::")
			if len(parts) >= 2 {
				return strings.ToLower(parts[1])
			}
		}
		// Microsoft.Storage/storageAccounts
		if i := strings.Index(rt, "/"); i > 0 {
			return strings.ToLower(rt[:i])
		}
		return strings.ToLower(rt)
	}

	if ev.Service != "" {
		return strings.ToLower(strings.TrimSuffix(ev.Service, ".amazonaws.com"))
	}

	return UnknownResourceClass
}

// azureNamespace extracts the provider namespace from an Azure resource ID.
func azureNamespace(resourceID string) string {
	lower := strings.ToLower(resourceID)
	const marker = "/providers/"
	i := strings.LastIndex(lower, marker)
	if i < 0 {
		return ""
	}
	rest := lower[i+len(marker):]
	if j := strings.Index(rest, "/"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

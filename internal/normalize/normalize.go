// Package normalize converts provider-specific audit log records into canonical events.
package normalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ab0utbla-k/audit-anomaly-detector/internal/events"
)

// ErrMalformedRecord indicates a raw record that cannot be normalized.
var ErrMalformedRecord = errors.New("malformed record")

// eventIDNamespace seeds deterministic IDs for records that carry none.
var eventIDNamespace = uuid.MustParse("6f0d3c1e-8a53-4f3e-9d0b-3b8f5c2a7e41")

// MalformedRecordError names the field that made a record unusable.
type MalformedRecordError struct {
	Field  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record: %s: %s", e.Field, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error {
	return ErrMalformedRecord
}

// Normalize parses one raw audit record from the given provider.
// It fails with a *MalformedRecordError when timestamp, actor or action are
// missing or unparseable. Unknown action names are passed through verbatim.
func Normalize(raw []byte, provider events.Provider) (*events.CanonicalEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var record map[string]any
	if err := dec.Decode(&record); err != nil || record == nil {
		return nil, &MalformedRecordError{Field: "record", Reason: "not a JSON object"}
	}

	var (
		ev  *events.CanonicalEvent
		err error
	)

	switch provider {
	case events.ProviderAWS:
		ev, err = fromCloudTrail(record)
	case events.ProviderAzure:
		ev, err = fromActivityLog(record)
	case events.ProviderOther:
		ev, err = fromGeneric(record)
	default:
		return nil, &MalformedRecordError{Field: "provider", Reason: fmt.Sprintf("unsupported provider %q", provider)}
	}
	if err != nil {
		return nil, err
	}

	ev.Provider = provider
	ev.Actor = strings.TrimSpace(ev.Actor)
	ev.Action = strings.TrimSpace(ev.Action)

	if ev.Actor == "" {
		return nil, &MalformedRecordError{Field: "actor", Reason: "missing"}
	}
	if ev.Action == "" {
		return nil, &MalformedRecordError{Field: "action", Reason: "missing"}
	}

	ev.RawRef = RawRef(raw)

	if ev.ID == "" {
		ev.ID = uuid.NewSHA1(eventIDNamespace, raw).String()
	}

	return ev, nil
}

// RawRef returns the content reference of a raw record.
func RawRef(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// requireTime parses the first present key as the event time.
func requireTime(ev *events.CanonicalEvent, m map[string]any, keys ...string) error {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		ts, err := ParseTimestamp(v)
		if err != nil {
			return &MalformedRecordError{Field: "timestamp", Reason: err.Error()}
		}
		ev.Timestamp = ts
		return nil
	}
	return &MalformedRecordError{Field: "timestamp", Reason: "missing"}
}

// str returns the first non-empty string value among keys.
func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case json.Number:
			return v.String()
		case map[string]any:
			// Azure wraps many values as {"value": "...", "localizedValue": "..."}.
			if s := str(v, "value"); s != "" {
				return s
			}
		}
	}
	return ""
}

func obj(m map[string]any, path ...string) map[string]any {
	cur := m
	for _, p := range path {
		next, ok := cur[p].(map[string]any)
		if !ok {
			return nil
		}
		cur = next
	}
	return cur
}

package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Layouts accepted for textual timestamps. Fractional seconds of any
// precision are accepted by time.Parse after the seconds field.
var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	time.RFC1123Z,
	time.RFC1123,
}

// Epoch values above this are interpreted as milliseconds.
const epochMillisThreshold = 1e11

// Event times outside [minEventTime, maxEventTime) are rejected.
var (
	minEventTime = time.Unix(0, 0).UTC()
	maxEventTime = time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC)
)

// ParseTimestamp parses an event time from a JSON value. Strings in RFC 3339
// and common variants, and numeric epoch seconds or milliseconds are
// accepted. Times without a zone are taken as UTC. The result is always UTC
// and lies between 1970 and 2200.
func ParseTimestamp(v any) (time.Time, error) {
	var (
		ts  time.Time
		err error
	)
	switch t := v.(type) {
	case string:
		ts, err = parseTimestampString(t)
	case json.Number:
		f, perr := strconv.ParseFloat(t.String(), 64)
		if perr != nil {
			return time.Time{}, fmt.Errorf("invalid epoch %q", t.String())
		}
		ts, err = fromEpoch(f)
	case float64:
		ts, err = fromEpoch(t)
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
	}
	if err != nil {
		return time.Time{}, err
	}

	if ts.Before(minEventTime) || !ts.Before(maxEventTime) {
		return time.Time{}, fmt.Errorf("timestamp %s out of range", ts.Format(time.RFC3339))
	}
	return ts, nil
}

func parseTimestampString(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}

	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromEpoch(f)
	}

	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func fromEpoch(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("epoch %v is not finite", f)
	}
	if f < 0 || f >= float64(maxEventTime.UnixMilli()) {
		return time.Time{}, fmt.Errorf("epoch %v out of range", f)
	}

	if f > epochMillisThreshold {
		return time.UnixMilli(int64(f)).UTC(), nil
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC(), nil
}

// CheckEventTime rejects ts when it is ahead of now by more than tolerance.
// A clock-skewed or forged record must not advance event-time state.
func CheckEventTime(ts, now time.Time, tolerance time.Duration) error {
	if limit := now.Add(tolerance); ts.After(limit) {
		return &MalformedRecordError{
			Field:  "timestamp",
			Reason: fmt.Sprintf("%s is more than %s ahead of the clock", ts.Format(time.RFC3339), tolerance),
		}
	}
	return nil
}

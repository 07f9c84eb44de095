package spacewx

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RecordTimeLayout is how the poller stamps fetched_utc.
const RecordTimeLayout = "2006-01-02T15:04:05Z"

// Record is the JSON document stored under the space-weather key. Values may
// be written as numbers or numeric strings by other producers.
type Record struct {
	F107       any    `json:"f107"`
	Kp         any    `json:"kp"`
	Ap         any    `json:"ap"`
	FetchedUTC string `json:"fetched_utc,omitempty"`
	KpTime     string `json:"kp_time,omitempty"`
}

// Indices is a decoded, freshness-checked record.
type Indices struct {
	F107 *float64
	Kp   *float64
	Ap   *float64
	At   time.Time
}

// ParseRecord decodes raw and validates its timestamp against now.
func ParseRecord(raw string, now time.Time, maxAge time.Duration) (Indices, error) {
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Indices{}, fmt.Errorf("spacewx: invalid record: %w", err)
	}
	stamp := rec.FetchedUTC
	if stamp == "" {
		stamp = rec.KpTime
	}
	if stamp == "" {
		return Indices{}, fmt.Errorf("spacewx: record has no timestamp")
	}
	at, err := parseRecordTime(stamp)
	if err != nil {
		return Indices{}, err
	}
	if now.UTC().Sub(at) > maxAge {
		return Indices{}, fmt.Errorf("spacewx: record older than %s", maxAge)
	}
	return Indices{
		F107: toFloat(rec.F107),
		Kp:   toFloat(rec.Kp),
		Ap:   toFloat(rec.Ap),
		At:   at,
	}, nil
}

// parseRecordTime reads the timestamp as naive UTC: any offset is dropped
// rather than applied.
func parseRecordTime(raw string) (time.Time, error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), "Z", "+00:00")
	s = strings.ReplaceAll(s, " ", "T")
	if idx := strings.IndexByte(s, '+'); idx >= 0 {
		s = s[:idx]
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02T15:04", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("spacewx: bad timestamp %q", raw)
}

func toFloat(v any) *float64 {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

// F107ToSSN converts solar flux to an equivalent sunspot number clamped to
// [1, 311].
func F107ToSSN(f107 float64, conv SSNConversion) int {
	ssn := int(math.RoundToEven(conv.A * (f107 - conv.B)))
	return max(1, min(311, ssn))
}

// KpFactor returns the reliability multiplier for a Kp reading.
func KpFactor(kp float64, adj ReliabilityAdjust) float64 {
	factor := 1.0 - adj.Slope*math.Max(0, kp-adj.Kp0)
	return math.Max(adj.Min, math.Min(1.0, factor))
}

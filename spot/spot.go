// Package spot defines the skimmer observation carried from the RBN feeds to
// the predictor worker, its pipe-delimited wire record, and the helpers that
// normalize frequencies, timestamps and operating modes.
package spot

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// SourceRBN is the producer tag the feed clients stamp on every record.
const SourceRBN = "rbn"

// RecordTimeLayout is the UTC timestamp layout used on the wire.
const RecordTimeLayout = "2006-01-02T15:04:05Z"

const recordFields = 6

// ErrParse marks a malformed feed line or fan-out record. Callers log and drop
// the single offending item.
var ErrParse = errors.New("spot: parse error")

// Spot is one accepted skimmer observation.
type Spot struct {
	Source    string    // producer tag ("rbn")
	Spotter   string    // skimmer callsign, SSID and "-#" removed
	DX        string    // station heard
	Frequency float64   // MHz, rounded to 100 Hz
	Mode      string    // CW, FT8, FT4, RTTY, PSK...
	Report    int       // signal level in dB; not carried on the wire
	Time      time.Time // observation time (UTC)
}

// Record serializes the spot as rbn|spotter|dx|freqMHz|mode|isoTimestamp.
func (s *Spot) Record() string {
	source := s.Source
	if source == "" {
		source = SourceRBN
	}
	var b strings.Builder
	b.Grow(64)
	b.WriteString(source)
	b.WriteByte('|')
	b.WriteString(s.Spotter)
	b.WriteByte('|')
	b.WriteString(s.DX)
	b.WriteByte('|')
	b.WriteString(strconv.FormatFloat(s.Frequency, 'f', 1, 64))
	b.WriteByte('|')
	b.WriteString(s.Mode)
	b.WriteByte('|')
	b.WriteString(s.Time.UTC().Format(RecordTimeLayout))
	return b.String()
}

// ParseRecord decodes a fan-out record. It rejects anything that does not have
// exactly six fields, does not carry the rbn producer tag, or whose frequency
// or timestamp cannot be parsed. now anchors HHMMZ timestamps.
func ParseRecord(msg string, now time.Time) (*Spot, error) {
	parts := strings.Split(strings.TrimSpace(msg), "|")
	if len(parts) != recordFields {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrParse, recordFields, len(parts))
	}
	if parts[0] != SourceRBN {
		return nil, fmt.Errorf("%w: unexpected producer %q", ErrParse, parts[0])
	}
	freq, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
	if err != nil {
		return nil, fmt.Errorf("%w: frequency %q: %v", ErrParse, parts[3], err)
	}
	ts, err := ParseTimestamp(parts[5], now)
	if err != nil {
		return nil, err
	}
	return &Spot{
		Source:    parts[0],
		Spotter:   strings.TrimSpace(parts[1]),
		DX:        strings.TrimSpace(parts[2]),
		Frequency: RoundTenth(NormalizeMHz(freq)),
		Mode:      strings.TrimSpace(parts[4]),
		Time:      ts,
	}, nil
}

// NormalizeMHz treats values above 1000 as kHz.
func NormalizeMHz(freq float64) float64 {
	if freq > 1000 {
		return freq / 1000
	}
	return freq
}

// RoundTenth rounds half-up to one decimal (100 Hz in MHz units).
func RoundTenth(freq float64) float64 {
	return math.Floor(freq*10+0.5) / 10
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// ParseTimestamp accepts ISO-8601 (with or without zone; zoneless values are
// UTC) or the skimmer HHMMZ form, which is placed on now's UTC date.
func ParseTimestamp(raw string, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if isHHMMZ(s) {
		return parseHHMMZ(s, now), nil
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrParse, raw)
}

func isHHMMZ(s string) bool {
	if len(s) != 5 || s[4] != 'Z' {
		return false
	}
	for i := 0; i < 4; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseHHMMZ combines HHMM with the current UTC date. A time more than 12h
// ahead is taken as yesterday's, one more than 12h behind as tomorrow's.
func parseHHMMZ(s string, now time.Time) time.Time {
	hour, _ := strconv.Atoi(s[0:2])
	minute, _ := strconv.Atoi(s[2:4])
	now = now.UTC()
	year, month, day := now.Date()
	t := time.Date(year, month, day, hour, minute, 0, 0, time.UTC)
	if t.Sub(now) > 12*time.Hour {
		t = t.AddDate(0, 0, -1)
	}
	if now.Sub(t) > 12*time.Hour {
		t = t.AddDate(0, 0, 1)
	}
	return t
}

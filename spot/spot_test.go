package spot

import (
	"errors"
	"testing"
	"time"
)

func TestRecordRoundTrip(t *testing.T) {
	when := time.Date(2025, 3, 14, 18, 42, 7, 0, time.UTC)
	s := &Spot{Spotter: "DK9IP", DX: "EA3XYZ", Frequency: 14.0251, Mode: "CW", Time: when}
	rec := s.Record()
	if rec != "rbn|DK9IP|EA3XYZ|14.0|CW|2025-03-14T18:42:07Z" {
		t.Fatalf("unexpected record %q", rec)
	}
	got, err := ParseRecord(rec, when)
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if got.Spotter != "DK9IP" || got.DX != "EA3XYZ" || got.Mode != "CW" {
		t.Fatalf("unexpected spot %+v", got)
	}
	if got.Frequency != 14.0 {
		t.Fatalf("expected 14.0 MHz, got %v", got.Frequency)
	}
	if !got.Time.Equal(when) {
		t.Fatalf("expected %v, got %v", when, got.Time)
	}
}

func TestParseRecordRejectsStructure(t *testing.T) {
	now := time.Now().UTC()
	cases := []string{
		"rbn|DK9IP|EA3XYZ|14.0|CW",
		"rbn|DK9IP|EA3XYZ|14.0|CW|2025-03-14T18:42:07Z|extra",
		"human|DK9IP|EA3XYZ|14.0|CW|2025-03-14T18:42:07Z",
		"rbn|DK9IP|EA3XYZ|abc|CW|2025-03-14T18:42:07Z",
		"rbn|DK9IP|EA3XYZ|14.0|CW|yesterday",
	}
	for _, msg := range cases {
		if _, err := ParseRecord(msg, now); !errors.Is(err, ErrParse) {
			t.Fatalf("ParseRecord(%q) expected ErrParse, got %v", msg, err)
		}
	}
}

func TestParseRecordNormalizesKHz(t *testing.T) {
	got, err := ParseRecord("rbn|DK9IP|EA3XYZ|7025.3|CW|2025-03-14T18:42:07Z", time.Now())
	if err != nil {
		t.Fatalf("ParseRecord: %v", err)
	}
	if got.Frequency != 7.0 {
		t.Fatalf("expected 7.0 MHz, got %v", got.Frequency)
	}
}

func TestParseTimestampHHMMZ(t *testing.T) {
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	got, err := ParseTimestamp("0931Z", now)
	if err != nil {
		t.Fatalf("ParseTimestamp: %v", err)
	}
	want := time.Date(2025, 3, 14, 9, 31, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	justAfterMidnight := time.Date(2025, 3, 15, 0, 5, 0, 0, time.UTC)
	got, err = ParseTimestamp("2359Z", justAfterMidnight)
	if err != nil {
		t.Fatalf("ParseTimestamp: %v", err)
	}
	want = time.Date(2025, 3, 14, 23, 59, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected previous day %v, got %v", want, got)
	}
}

func TestParseTimestampISOVariants(t *testing.T) {
	want := time.Date(2025, 3, 14, 18, 42, 0, 0, time.UTC)
	for _, raw := range []string{
		"2025-03-14T18:42:00Z",
		"2025-03-14T18:42:00+00:00",
		"2025-03-14T20:42:00+02:00",
		"2025-03-14T18:42:00",
		"2025-03-14 18:42:00",
	} {
		got, err := ParseTimestamp(raw, time.Now())
		if err != nil {
			t.Fatalf("ParseTimestamp(%q): %v", raw, err)
		}
		if !got.Equal(want) {
			t.Fatalf("ParseTimestamp(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestModeSetClassify(t *testing.T) {
	if SimulatorClass("ft8") != Digital {
		t.Fatalf("expected FT8 digital for the simulator")
	}
	if SimulatorClass("RTTY") != Analog {
		t.Fatalf("expected RTTY analog for the simulator")
	}
	if SimulatorClass("SSB") != Analog {
		t.Fatalf("expected SSB analog")
	}
	cache := NewModeSet(DefaultCacheModes)
	if cache.Classify("RTTY") != cache.Classify("FT8") {
		t.Fatalf("expected RTTY and FT8 to share a cache class")
	}
	if cache.Classify("USB") != Analog {
		t.Fatalf("expected USB analog")
	}
}

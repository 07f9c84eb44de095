// Package rbn keeps long-lived telnet sessions to the Reverse Beacon Network
// skimmer feeds, turns "DX de" lines into spot records and republishes them on
// the fan-out channel.
package rbn

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"hfpredict/spot"
)

// MaxFrequencyMHz is the upper edge of HF; anything above is dropped.
const MaxFrequencyMHz = 30.0

// ErrOutOfBand marks a well-formed spot above HF.
var ErrOutOfBand = fmt.Errorf("%w: above %.0f MHz", spot.ErrParse, MaxFrequencyMHz)

// spotLine matches:
//
//	DX de W3LPL-#:     14025.0  K1ABC        CW    24 dB  28 WPM  CQ      1200Z
//	DX de DK9IP-2-#:    7074.0  JA1XYZ       FT8  -12 dB               1201Z
var spotLine = regexp.MustCompile(`DX de ([\w\-/]+)-?#:\s+(\d+(?:\.\d+)?)\s+([\w/]+)\s+(CW|FT8|FT4|RTTY|PSK\d*)\s+(-?\d+)\s+dB`)

// ParseLine extracts a spot from one feed line. Lines that do not match the
// grammar return spot.ErrParse; HF-external frequencies return ErrOutOfBand.
func ParseLine(line string, now time.Time) (*spot.Spot, error) {
	m := spotLine.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("%w: not a spot line", spot.ErrParse)
	}
	spotter := spot.NormalizeSkimmer(m[1])
	dx := spot.NormalizeCallsign(m[3])
	if spotter == "" || dx == "" {
		return nil, fmt.Errorf("%w: empty callsign", spot.ErrParse)
	}
	freq, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return nil, fmt.Errorf("%w: frequency %q", spot.ErrParse, m[2])
	}
	freq = spot.RoundTenth(spot.NormalizeMHz(freq))
	if freq > MaxFrequencyMHz {
		return nil, ErrOutOfBand
	}
	report, err := strconv.Atoi(m[5])
	if err != nil {
		return nil, fmt.Errorf("%w: level %q", spot.ErrParse, m[5])
	}
	return &spot.Spot{
		Source:    spot.SourceRBN,
		Spotter:   spotter,
		DX:        dx,
		Frequency: freq,
		Mode:      strings.ToUpper(m[4]),
		Report:    report,
		Time:      now.UTC(),
	}, nil
}

package spot

import (
	"regexp"
	"strings"
	"unicode"
)

var callsignPattern = regexp.MustCompile(`^[A-Z0-9]+(?:/[A-Z0-9]+)*$`)

// NormalizeCallsign uppercases, trims, maps "." to "/" and drops trailing slashes.
func NormalizeCallsign(call string) string {
	normalized := strings.ToUpper(strings.TrimSpace(call))
	normalized = strings.ReplaceAll(normalized, ".", "/")
	normalized = strings.TrimRight(normalized, "/")
	return strings.TrimSpace(normalized)
}

// NormalizeSkimmer turns a skimmer identity such as "W3LPL-1-#" or "DK9IP-#"
// into the bare callsign ("W3LPL", "DK9IP").
func NormalizeSkimmer(raw string) string {
	call := strings.TrimSuffix(strings.TrimSpace(raw), ":")
	call = strings.TrimSuffix(call, "#")
	call = strings.TrimSuffix(call, "-")
	if idx := strings.LastIndexByte(call, '-'); idx > 0 && isSSID(call[idx+1:]) {
		call = call[:idx]
	}
	return NormalizeCallsign(strings.ReplaceAll(call, "-", ""))
}

func isSSID(s string) bool {
	if s == "" || len(s) > 2 {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// IsValidCallsign applies loose amateur call format checks.
func IsValidCallsign(call string) bool {
	normalized := NormalizeCallsign(call)
	if len(normalized) < 3 || len(normalized) > 15 {
		return false
	}
	if strings.IndexFunc(normalized, unicode.IsDigit) < 0 {
		return false
	}
	return callsignPattern.MatchString(normalized)
}

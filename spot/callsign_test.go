package spot

import "testing"

func TestNormalizeCallsignReplacesDot(t *testing.T) {
	input := "W6.UT5UF"
	want := "W6/UT5UF"
	if got := NormalizeCallsign(input); got != want {
		t.Fatalf("NormalizeCallsign(%q) = %q, want %q", input, got, want)
	}
}

func TestNormalizeCallsignTrimsTrailingSlash(t *testing.T) {
	input := " k1abc/ "
	want := "K1ABC"
	if got := NormalizeCallsign(input); got != want {
		t.Fatalf("NormalizeCallsign(%q) = %q, want %q", input, got, want)
	}
}

func TestNormalizeSkimmer(t *testing.T) {
	cases := map[string]string{
		"W3LPL-1-#": "W3LPL",
		"W3LPL-#":   "W3LPL",
		"DK9IP-#:":  "DK9IP",
		"ea5wu-2-#": "EA5WU",
		"G4ZFE":     "G4ZFE",
	}
	for in, want := range cases {
		if got := NormalizeSkimmer(in); got != want {
			t.Fatalf("NormalizeSkimmer(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsValidCallsignRequiresDigit(t *testing.T) {
	if IsValidCallsign("ABC/DEF") {
		t.Fatalf("IsValidCallsign should reject ABC/DEF because it lacks digits")
	}
	if !IsValidCallsign("JA1CTC.P") {
		t.Fatalf("IsValidCallsign should accept JA1CTC.P after normalization")
	}
}

package cty

import (
	"math"
	"testing"
)

func TestGrid4(t *testing.T) {
	tests := []struct {
		name   string
		lat    float64
		lon    float64
		want   string
		wantOK bool
	}{
		{name: "origin", lat: 0, lon: 0, want: "JJ00", wantOK: true},
		{name: "max_edge", lat: 89.9999, lon: 179.9999, want: "RR99", wantOK: true},
		{name: "north_pole_clamp", lat: 90, lon: 180, want: "RR99", wantOK: true},
		{name: "berlin", lat: 52.52, lon: 13.40, want: "JO62", wantOK: true},
		{name: "invalid_nan", lat: math.NaN(), lon: 0, want: "", wantOK: false},
		{name: "invalid_out_of_range", lat: 95, lon: 0, want: "", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Coordinate{Lat: tt.lat, Lon: tt.lon}.Grid4()
			if ok != tt.wantOK {
				t.Fatalf("ok=%v want %v (grid=%q)", ok, tt.wantOK, got)
			}
			if ok && got != tt.want {
				t.Fatalf("grid=%q want %q", got, tt.want)
			}
		})
	}
}

func TestFromGridCenters(t *testing.T) {
	c, ok := FromGrid("JJ00")
	if !ok || c.Lat != 0.5 || c.Lon != 1 {
		t.Fatalf("JJ00 center = %+v ok=%v", c, ok)
	}
	c, ok = FromGrid("jo62qm")
	if !ok {
		t.Fatalf("expected six-character locator to parse")
	}
	if grid, _ := c.Grid4(); grid != "JO62" {
		t.Fatalf("expected center inside JO62, got %s (%+v)", grid, c)
	}
	for _, bad := range []string{"", "JJ0", "ZZ00", "JJAA", "JJ00ZZ"} {
		if _, ok := FromGrid(bad); ok {
			t.Fatalf("FromGrid(%q) should fail", bad)
		}
	}
}

package cty

import (
	"strings"
	"testing"
)

const samplePLIST = `<?xml version="1.0" encoding="UTF-8"?>
<plist version="1.0">
<dict>
<key>K1ABC</key>
	<dict>
		<key>Country</key>
		<string>Alpha</string>
		<key>Prefix</key>
		<string>K1ABC</string>
		<key>Latitude</key>
		<real>42.5</real>
		<key>Longitude</key>
		<real>-71.5</real>
		<key>ExactCallsign</key>
		<true/>
	</dict>
<key>K1</key>
	<dict>
		<key>Country</key>
		<string>Alpha</string>
		<key>Prefix</key>
		<string>K1</string>
		<key>Latitude</key>
		<real>41.0</real>
		<key>Longitude</key>
		<real>-72.0</real>
		<key>ExactCallsign</key>
		<false/>
	</dict>
<key>W6</key>
	<dict>
		<key>Country</key>
		<string>Delta</string>
		<key>Prefix</key>
		<string>W6</string>
		<key>Latitude</key>
		<real>36.0</real>
		<key>Longitude</key>
		<real>-120.0</real>
		<key>ExactCallsign</key>
		<false/>
	</dict>
</dict>
</plist>`

const samplePrefixes = `{"EA": [40.4, -3.7], "EA8": [28.1, -15.4], "DK": [51.0, 10.0], "W": [39.8, -98.6]}`

func loadSamplePlist(t *testing.T) *DB {
	t.Helper()
	db, err := LoadPlist(strings.NewReader(samplePLIST))
	if err != nil {
		t.Fatalf("load sample plist: %v", err)
	}
	return db
}

func loadSamplePrefixes(t *testing.T) *DB {
	t.Helper()
	db, err := LoadPrefixJSON(strings.NewReader(samplePrefixes))
	if err != nil {
		t.Fatalf("load sample prefixes: %v", err)
	}
	return db
}

func TestLookupExactCallsign(t *testing.T) {
	db := loadSamplePlist(t)
	info, ok := db.LookupCallsign("K1ABC")
	if !ok || info.Country != "Alpha" || info.Latitude != 42.5 {
		t.Fatalf("expected exact K1ABC entry, got %+v ok=%v", info, ok)
	}
}

func TestExactEntriesDoNotMatchAsPrefix(t *testing.T) {
	db := loadSamplePlist(t)
	c, ok := db.Lookup("K1ABCD")
	if !ok {
		t.Fatalf("expected K1ABCD to resolve via K1")
	}
	if c.Lat != 41.0 || c.Lon != -72.0 {
		t.Fatalf("expected K1 coordinates, got %+v", c)
	}
}

func TestLookupLongestPrefixWins(t *testing.T) {
	db := loadSamplePrefixes(t)
	c, ok := db.Lookup("EA8ABC")
	if !ok || c.Lat != 28.1 {
		t.Fatalf("expected EA8 coordinates, got %+v ok=%v", c, ok)
	}
	c, ok = db.Lookup("ea3xyz")
	if !ok || c.Lat != 40.4 {
		t.Fatalf("expected case-insensitive EA match, got %+v ok=%v", c, ok)
	}
}

func TestLookupStripsPortableSuffix(t *testing.T) {
	db := loadSamplePrefixes(t)
	if _, ok := db.Lookup("DK9IP/P"); !ok {
		t.Fatalf("expected DK9IP/P to resolve")
	}
}

func TestLookupMissIsCached(t *testing.T) {
	db := loadSamplePrefixes(t)
	if _, ok := db.Lookup("ZZ9ZZ"); ok {
		t.Fatalf("expected miss for unknown prefix")
	}
	if _, ok := db.Lookup("ZZ9ZZ"); ok {
		t.Fatalf("expected cached miss")
	}
	m := db.Metrics()
	if m.TotalLookups != 2 || m.CacheHits != 1 || m.Misses != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestCacheCapacityEvicts(t *testing.T) {
	db := loadSamplePrefixes(t)
	db.SetCacheCapacity(1)
	db.Lookup("EA3XYZ")
	db.Lookup("DK9IP")
	db.Lookup("EA3XYZ")
	if hits := db.Metrics().CacheHits; hits != 0 {
		t.Fatalf("expected eviction to prevent hits, got %d", hits)
	}
}

func TestCoordinateJSONShape(t *testing.T) {
	raw, err := json.Marshal(Coordinate{Lat: 51.5, Lon: -0.1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != "[51.5,-0.1]" {
		t.Fatalf("unexpected encoding %s", raw)
	}
	var c Coordinate
	if err := json.Unmarshal([]byte("[1,2,3]"), &c); err == nil {
		t.Fatalf("expected error for three values")
	}
}

package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hfpredict/config"
	"hfpredict/cty"
	"hfpredict/fanout"
	"hfpredict/kvstore"
	"hfpredict/stats"
)

func TestOpenFanoutMemoryAndUnknown(t *testing.T) {
	cfg := config.Default()
	cfg.Fanout.Backend = fanout.BackendMemory
	store := kvstore.NewMemory(0, 0)
	defer store.Close()

	bus, err := openFanout(context.Background(), &cfg, store)
	if err != nil {
		t.Fatalf("memory fanout: %v", err)
	}
	defer bus.Close()
	if _, ok := bus.(*fanout.Memory); !ok {
		t.Fatalf("bus = %T", bus)
	}

	cfg.Fanout.Backend = "carrier-pigeon"
	if _, err := openFanout(context.Background(), &cfg, store); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestLoadGeocoderFallsBackToPrefixTable(t *testing.T) {
	dir := t.TempDir()
	prefixes := filepath.Join(dir, "callsign_prefixes.json")
	if err := os.WriteFile(prefixes, []byte(`{"DL": [51.0, 10.0], "W": [38.0, -97.0]}`), 0o644); err != nil {
		t.Fatalf("write prefixes: %v", err)
	}
	cfg := config.GeocodeConfig{
		PrefixesFile: prefixes,
		CTYFile:      filepath.Join(dir, "missing.plist"),
		CacheSize:    10,
	}
	db, err := loadGeocoder(context.Background(), cfg)
	if err != nil {
		t.Fatalf("loadGeocoder: %v", err)
	}
	c, ok := db.Lookup("DL1ABC")
	if !ok || c != (cty.Coordinate{Lat: 51.0, Lon: 10.0}) {
		t.Fatalf("lookup = %+v %v", c, ok)
	}

	cfg.PrefixesFile = ""
	if _, err := loadGeocoder(context.Background(), cfg); err == nil {
		t.Fatalf("expected error without any table")
	}
}

func TestBuildStatsLines(t *testing.T) {
	tracker := stats.NewTracker()
	tracker.IncrementMode("CW")
	tracker.IncrementOutcome("predicted")
	bus := fanout.NewMemory()
	defer bus.Close()

	lines := buildStatsLines(statsInputs{tracker: tracker, bus: bus})
	joined := strings.Join(lines, "\n")
	for _, want := range []string{"Uptime: 00:00", "Spots: 1 since", "Spots by mode: CW=1", "Predictions: predicted=1", "Fanout: 0 dropped"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %q in:\n%s", want, joined)
		}
	}
	if strings.Contains(joined, "Archive:") || strings.Contains(joined, "Feeds:") {
		t.Fatalf("absent components should not print:\n%s", joined)
	}
}

func TestFormatUptimeLine(t *testing.T) {
	if got := formatUptimeLine(26*time.Hour + 5*time.Minute); got != "Uptime: 26:05" {
		t.Fatalf("uptime = %q", got)
	}
}

func TestStoreOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Redis.Host = "cache"
	opts := storeOptions(&cfg)
	if opts.Backend != "redis" || opts.RedisAddr != "cache:6379" || opts.Shards != 16 {
		t.Fatalf("options = %+v", opts)
	}
}

package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"hfpredict/archive"
	"hfpredict/cty"
	"hfpredict/fanout"
	"hfpredict/predcache"
	"hfpredict/rbn"
	"hfpredict/spotworker"
	"hfpredict/stats"

	"github.com/dustin/go-humanize"
)

type statsInputs struct {
	tracker     *stats.Tracker
	coordinator *predcache.Coordinator
	worker      *spotworker.Worker
	feeds       []*rbn.Client
	bus         fanout.Bus
	archive     *archive.Writer
	geo         *cty.DB
}

// displayStats emits the stats block every interval. On an interactive
// console it goes through the standard logger; otherwise it is written to
// the log file only.
func displayStats(ctx context.Context, interval time.Duration, logs *logFanout, console bool, in statsInputs) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			lines := buildStatsLines(in)
			if !console {
				for _, line := range lines {
					logs.WriteFileOnlyLine(line, now)
				}
				continue
			}
			for _, line := range lines {
				log.Print(line)
			}
			log.Print("")
		}
	}
}

func buildStatsLines(in statsInputs) []string {
	var lines []string
	if in.tracker != nil {
		lines = append(lines, formatUptimeLine(in.tracker.Uptime()))
		lines = append(lines, in.tracker.SnapshotLines()...)
	}
	if in.coordinator != nil {
		st := in.coordinator.Stats()
		lookups := st.Hits + st.Computed + st.Waited + st.Busy + st.Errors
		hitRate := 0.0
		if lookups > 0 {
			hitRate = float64(st.Hits+st.Waited) * 100 / float64(lookups)
		}
		lines = append(lines, fmt.Sprintf("Cache: %s lookups / %.1f%% served / %s computed / %s busy / %s errors / %d waiting",
			humanize.Comma(int64(lookups)), hitRate,
			humanize.Comma(int64(st.Computed)), humanize.Comma(int64(st.Busy)), humanize.Comma(int64(st.Errors)), st.Waiting))
	}
	if in.worker != nil {
		st := in.worker.Stats()
		lines = append(lines, fmt.Sprintf("Worker: %s received / %s stored / %s no coords / %s failed / %s parse errors",
			humanize.Comma(int64(st.Received)), humanize.Comma(int64(st.Stored)),
			humanize.Comma(int64(st.NoCoords)), humanize.Comma(int64(st.PredictFails)),
			humanize.Comma(int64(st.ParseErrors))))
	}
	if len(in.feeds) > 0 {
		parts := make([]string, 0, len(in.feeds))
		for _, f := range in.feeds {
			st := f.Stats()
			parts = append(parts, fmt.Sprintf("%s %s %s", f.Name(), strings.ToLower(f.State().String()), humanize.Comma(int64(st.Accepted))))
		}
		lines = append(lines, "Feeds: "+strings.Join(parts, " / "))
	}
	if in.bus != nil {
		lines = append(lines, fmt.Sprintf("Fanout: %s dropped", humanize.Comma(int64(in.bus.Dropped()))))
	}
	if in.archive != nil {
		written, dropped, failed := in.archive.Stats()
		lines = append(lines, fmt.Sprintf("Archive: %s written / %s dropped / %s failed",
			humanize.Comma(int64(written)), humanize.Comma(int64(dropped)), humanize.Comma(int64(failed))))
	}
	if in.geo != nil {
		m := in.geo.Metrics()
		lines = append(lines, fmt.Sprintf("Geocoder: %s lookups / %s cache hits / %s misses",
			humanize.Comma(int64(m.TotalLookups)), humanize.Comma(int64(m.CacheHits)), humanize.Comma(int64(m.Misses))))
	}
	return lines
}

func formatUptimeLine(uptime time.Duration) string {
	hours := int(uptime.Hours())
	minutes := int(uptime.Minutes()) % 60
	return fmt.Sprintf("Uptime: %02d:%02d", hours, minutes)
}

// Package stats tracks per-mode and per-outcome spot counters for the periodic
// console line.
package stats

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Tracker tracks spot statistics by mode and prediction outcome.
type Tracker struct {
	// sync.Map + atomic.Uint64 keeps per-spot increments off a shared mutex
	modeCounts    sync.Map // string -> *atomic.Uint64
	outcomeCounts sync.Map // string -> *atomic.Uint64
	start         atomic.Int64
}

// NewTracker creates a new stats tracker
func NewTracker() *Tracker {
	t := &Tracker{}
	t.start.Store(time.Now().UnixNano())
	return t
}

// IncrementMode increases the count for a mode (CW, FT8, RTTY...).
func (t *Tracker) IncrementMode(mode string) {
	incrementCounter(&t.modeCounts, strings.ToUpper(strings.TrimSpace(mode)))
}

// IncrementOutcome increases the count for a worker outcome.
func (t *Tracker) IncrementOutcome(outcome string) {
	incrementCounter(&t.outcomeCounts, outcome)
}

// ModeCounts returns a copy of mode counts.
func (t *Tracker) ModeCounts() map[string]uint64 {
	return snapshot(&t.modeCounts)
}

// OutcomeCounts returns a copy of outcome counts.
func (t *Tracker) OutcomeCounts() map[string]uint64 {
	return snapshot(&t.outcomeCounts)
}

// Total returns the number of spots counted by mode.
func (t *Tracker) Total() uint64 {
	var total uint64
	for _, v := range t.ModeCounts() {
		total += v
	}
	return total
}

// Uptime returns how long the tracker has been running.
func (t *Tracker) Uptime() time.Duration {
	return time.Since(time.Unix(0, t.start.Load()))
}

// Reset clears all counters.
func (t *Tracker) Reset() {
	for _, m := range []*sync.Map{&t.modeCounts, &t.outcomeCounts} {
		m.Range(func(key, _ any) bool {
			m.Delete(key)
			return true
		})
	}
	t.start.Store(time.Now().UnixNano())
}

// SnapshotLines returns human-readable stats ready for console display.
func (t *Tracker) SnapshotLines() []string {
	started := time.Unix(0, t.start.Load())
	return []string{
		fmt.Sprintf("Spots: %s since %s", humanize.Comma(int64(t.Total())), humanize.Time(started)),
		formatCounts("Spots by mode", t.ModeCounts()),
		formatCounts("Predictions", t.OutcomeCounts()),
	}
}

func formatCounts(label string, counts map[string]uint64) string {
	var builder strings.Builder
	builder.WriteString(label)
	builder.WriteString(": ")
	if len(counts) == 0 {
		builder.WriteString("(none)")
		return builder.String()
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			builder.WriteString(", ")
		}
		fmt.Fprintf(&builder, "%s=%s", k, humanize.Comma(int64(counts[k])))
	}
	return builder.String()
}

func snapshot(m *sync.Map) map[string]uint64 {
	counts := make(map[string]uint64)
	m.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Uint64).Load()
		return true
	})
	return counts
}

func incrementCounter(m *sync.Map, key string) {
	if strings.TrimSpace(key) == "" {
		return
	}
	if value, ok := m.Load(key); ok {
		value.(*atomic.Uint64).Add(1)
		return
	}
	counter := &atomic.Uint64{}
	actual, loaded := m.LoadOrStore(key, counter)
	if loaded {
		actual.(*atomic.Uint64).Add(1)
		return
	}
	counter.Add(1)
}

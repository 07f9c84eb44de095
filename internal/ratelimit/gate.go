// Package ratelimit throttles repetitive log lines.
package ratelimit

import (
	"sync"
	"time"
)

// Gate lets one event through per interval and counts the ones it holds
// back. The zero value never throttles. Safe for concurrent use.
type Gate struct {
	interval time.Duration

	mu         sync.Mutex
	last       time.Time
	suppressed uint64
}

// NewGate returns a gate that opens at most once per interval.
func NewGate(interval time.Duration) *Gate {
	return &Gate{interval: interval}
}

// Allow reports whether the event at now should be logged. When it should,
// it also returns how many events were held back since the previous one.
func (g *Gate) Allow(now time.Time) (suppressed uint64, ok bool) {
	if g == nil {
		return 0, true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.interval > 0 && !g.last.IsZero() && now.Sub(g.last) < g.interval {
		g.suppressed++
		return 0, false
	}
	suppressed = g.suppressed
	g.suppressed = 0
	g.last = now
	return suppressed, true
}

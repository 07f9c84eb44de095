package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"hfpredict/rbn"
)

const (
	ingestHealthInterval  = 30 * time.Second
	ingestIdleThreshold   = 2 * time.Minute
	ingestHealthLogPrefix = "Ingest Health: "
)

// feedSource is the read-only view of an rbn.Client the monitor needs.
type feedSource interface {
	Name() string
	State() rbn.State
	LastLine() time.Time
	Stats() rbn.Stats
}

type ingestHealthState struct {
	state       rbn.State
	idle        bool
	initialized bool
}

// ingestMonitor logs a feed's health line only when its connection state or
// idle flag changes, so a healthy pipeline stays quiet.
type ingestMonitor struct {
	feeds  []feedSource
	states map[string]ingestHealthState
	logf   func(format string, args ...any)
}

func newIngestMonitor(feeds []feedSource) *ingestMonitor {
	return &ingestMonitor{
		feeds:  feeds,
		states: make(map[string]ingestHealthState, len(feeds)),
		logf:   log.Printf,
	}
}

func (m *ingestMonitor) run(ctx context.Context) {
	if len(m.feeds) == 0 {
		return
	}
	ticker := time.NewTicker(ingestHealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(time.Now().UTC())
		}
	}
}

func (m *ingestMonitor) check(now time.Time) {
	for _, feed := range m.feeds {
		state := feed.State()
		last := feed.LastLine()
		idle := ingestIsIdle(last, now)
		prev := m.states[feed.Name()]
		if prev.initialized && prev.state == state && prev.idle == idle {
			continue
		}
		m.logf("%s%s", ingestHealthLogPrefix, formatIngestHealthLine(feed.Name(), state, idle, last, feed.Stats(), now))
		m.states[feed.Name()] = ingestHealthState{state: state, idle: idle, initialized: true}
	}
}

func ingestIsIdle(last, now time.Time) bool {
	return last.IsZero() || now.Sub(last) > ingestIdleThreshold
}

func formatIngestHealthLine(name string, state rbn.State, idle bool, last time.Time, st rbn.Stats, now time.Time) string {
	activity := "active"
	if idle {
		activity = "idle"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s last_line=%s sessions=%d accepted=%d",
		name, strings.ToLower(state.String()), activity, ageString(now, last), st.Sessions, st.Accepted)
	var drops []string
	if st.Unmatched > 0 {
		drops = append(drops, fmt.Sprintf("unmatched=%d", st.Unmatched))
	}
	if st.OutOfBand > 0 {
		drops = append(drops, fmt.Sprintf("out_of_band=%d", st.OutOfBand))
	}
	if st.PublishErr > 0 {
		drops = append(drops, fmt.Sprintf("publish=%d", st.PublishErr))
	}
	if len(drops) > 0 {
		b.WriteString(" drops=")
		b.WriteString(strings.Join(drops, ","))
	}
	if st.Stale > 0 {
		fmt.Fprintf(&b, " stale_reconnects=%d", st.Stale)
	}
	return b.String()
}

func ageString(now, at time.Time) string {
	if at.IsZero() {
		return "never"
	}
	age := now.Sub(at)
	if age < time.Second {
		return "0s"
	}
	return age.Truncate(time.Second).String()
}

package stats

import (
	"strings"
	"sync"
	"testing"
)

func TestTrackerCountsConcurrently(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 250; j++ {
				tr.IncrementMode("cw")
				tr.IncrementOutcome("predicted")
			}
		}()
	}
	wg.Wait()
	tr.IncrementMode(" FT8 ")
	tr.IncrementMode("")

	modes := tr.ModeCounts()
	if modes["CW"] != 2000 || modes["FT8"] != 1 || len(modes) != 2 {
		t.Fatalf("modes = %v", modes)
	}
	if tr.Total() != 2001 {
		t.Fatalf("total = %d", tr.Total())
	}
	if tr.OutcomeCounts()["predicted"] != 2000 {
		t.Fatalf("outcomes = %v", tr.OutcomeCounts())
	}
}

func TestSnapshotLines(t *testing.T) {
	tr := NewTracker()
	lines := tr.SnapshotLines()
	if len(lines) != 3 || lines[1] != "Spots by mode: (none)" {
		t.Fatalf("empty lines = %q", lines)
	}
	for i := 0; i < 1500; i++ {
		tr.IncrementMode("FT8")
	}
	tr.IncrementMode("CW")
	lines = tr.SnapshotLines()
	if !strings.HasPrefix(lines[0], "Spots: 1,501 since ") {
		t.Fatalf("summary = %q", lines[0])
	}
	if lines[1] != "Spots by mode: CW=1, FT8=1,500" {
		t.Fatalf("modes line = %q", lines[1])
	}
	tr.Reset()
	if tr.Total() != 0 {
		t.Fatalf("reset left %d", tr.Total())
	}
}

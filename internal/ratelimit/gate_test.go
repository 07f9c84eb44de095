package ratelimit

import (
	"testing"
	"time"
)

func TestGateHoldsBackWithinInterval(t *testing.T) {
	g := NewGate(10 * time.Second)
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if n, ok := g.Allow(start); !ok || n != 0 {
		t.Fatalf("first Allow = %d, %v", n, ok)
	}
	for i := 1; i <= 3; i++ {
		if _, ok := g.Allow(start.Add(time.Duration(i) * time.Second)); ok {
			t.Fatalf("Allow %d should be held back", i)
		}
	}
	n, ok := g.Allow(start.Add(11 * time.Second))
	if !ok || n != 3 {
		t.Fatalf("Allow after interval = %d, %v; want 3, true", n, ok)
	}
	if n, ok := g.Allow(start.Add(22 * time.Second)); !ok || n != 0 {
		t.Fatalf("suppressed count should reset, got %d, %v", n, ok)
	}
}

func TestGateZeroIntervalAndNil(t *testing.T) {
	g := NewGate(0)
	now := time.Now()
	for i := 0; i < 3; i++ {
		if _, ok := g.Allow(now); !ok {
			t.Fatalf("zero interval should never throttle")
		}
	}
	var nilGate *Gate
	if _, ok := nilGate.Allow(now); !ok {
		t.Fatalf("nil gate should allow")
	}
}

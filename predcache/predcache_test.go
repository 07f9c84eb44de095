package predcache

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"hfpredict/cty"
	"hfpredict/kvstore"
	"hfpredict/propagation"
)

var (
	london = cty.Coordinate{Lat: 51.5072, Lon: -0.1276}
	nyc    = cty.Coordinate{Lat: 40.7128, Lon: -74.0}
)

type fakeComputer struct {
	calls atomic.Int32
	delay time.Duration
	err   error
	modes chan string
}

func (f *fakeComputer) PredictBoth(ctx context.Context, origin, dest cty.Coordinate, t time.Time, freq float64, mode string) (propagation.Prediction, error) {
	f.calls.Add(1)
	if f.modes != nil {
		f.modes <- mode
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return propagation.Prediction{}, ctx.Err()
		}
	}
	if f.err != nil {
		return propagation.Prediction{}, f.err
	}
	return propagation.Prediction{
		ShortPath: propagation.PathResult{SNR: 12, Reliability: 80, Metric: propagation.MetricBCR, BCR: 80},
		LongPath:  propagation.PathResult{SNR: -20, Reliability: 0, Metric: propagation.MetricBCR},
	}, nil
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testOptions() Options {
	return Options{
		TTL:           10 * time.Minute,
		FreqStepMHz:   1,
		TimeBin:       15 * time.Minute,
		CoordDecimals: 2,
		Version:       "v2",
		DigitalModes:  []string{"DIGI", "DIGITAL", "FT8", "FT4", "RTTY", "PSK", "CW"},
		LockLease:     30 * time.Second,
		LockWait:      100 * time.Millisecond,
		PollInterval:  10 * time.Millisecond,
		PollDeadline:  150 * time.Millisecond,
	}
}

func TestKeyFormat(t *testing.T) {
	k := NewKeyer(testOptions())
	ts := time.Date(2025, 5, 1, 12, 7, 33, 0, time.UTC)
	got := k.Key(london, nyc, ts, 14.074, "FT8")
	want := "pred:v2:51.51,-0.13->40.71,-74.00:14MHz:DIGITAL:20250501T1200Z"
	if got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}
}

func TestKeyBinsCollapseNearbyRequests(t *testing.T) {
	k := NewKeyer(testOptions())
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	a := k.Key(london, nyc, base.Add(2*time.Minute), 14.074, "FT8")
	b := k.Key(cty.Coordinate{Lat: 51.509, Lon: -0.1301}, nyc, base.Add(14*time.Minute), 14.2, "RTTY")
	if a != b {
		t.Fatalf("expected same key:\n%s\n%s", a, b)
	}
	// kHz input lands in the same frequency bin.
	if c := k.Key(london, nyc, base, 14074, "ft8"); c != a {
		t.Fatalf("kHz key %q != %q", c, a)
	}
	// Another time zone on the same instant.
	est := time.FixedZone("EST", -5*3600)
	if d := k.Key(london, nyc, base.In(est), 14.074, "FT4"); d != a {
		t.Fatalf("zoned key %q != %q", d, a)
	}
}

func TestKeyDiffersAcrossBins(t *testing.T) {
	k := NewKeyer(testOptions())
	base := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	ref := k.Key(london, nyc, base, 14.074, "FT8")
	cases := map[string]string{
		"next time bin": k.Key(london, nyc, base.Add(15*time.Minute), 14.074, "FT8"),
		"other band":    k.Key(london, nyc, base, 21.074, "FT8"),
		"analog":        k.Key(london, nyc, base, 14.074, "SSB"),
		"reversed":      k.Key(nyc, london, base, 14.074, "FT8"),
	}
	for name, key := range cases {
		if key == ref {
			t.Fatalf("%s: key unexpectedly equal to %q", name, ref)
		}
	}
	if !strings.Contains(cases["analog"], ":ANALOG:") {
		t.Fatalf("analog key = %q", cases["analog"])
	}
}

func TestKeyFractionalStepAndNegativeZero(t *testing.T) {
	opts := testOptions()
	opts.FreqStepMHz = 0.5
	opts.TimeBin = 60 * time.Minute
	k := NewKeyer(opts)
	ts := time.Date(2025, 5, 1, 12, 59, 0, 0, time.UTC)
	got := k.Key(cty.Coordinate{Lat: -0.001, Lon: 0}, nyc, ts, 14.3, "SSB")
	want := "pred:v2:0.00,0.00->40.71,-74.00:14.5MHz:ANALOG:20250501T1200Z"
	if got != want {
		t.Fatalf("key = %q, want %q", got, want)
	}
}

func TestGetOrComputeCachesResult(t *testing.T) {
	store := kvstore.NewMemory(4, 0)
	comp := &fakeComputer{modes: make(chan string, 4)}
	c := New(store, comp, testOptions(), quietLogger())
	ts := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	pred, cached, err := c.GetOrCompute(context.Background(), london, nyc, ts, 14.074, "FT8")
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if cached {
		t.Fatalf("first call reported cached")
	}
	if pred.ShortPath.Reliability != 80 {
		t.Fatalf("unexpected prediction %+v", pred)
	}
	if mode := <-comp.modes; mode != "DIGITAL" {
		t.Fatalf("computer got mode %q, want DIGITAL", mode)
	}

	pred2, cached, err := c.GetOrCompute(context.Background(), london, nyc, ts.Add(5*time.Minute), 14.2, "RTTY")
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !cached {
		t.Fatalf("second call should be cached")
	}
	if pred2 != pred {
		t.Fatalf("cached prediction differs: %+v vs %+v", pred2, pred)
	}
	if n := comp.calls.Load(); n != 1 {
		t.Fatalf("computer called %d times, want 1", n)
	}
	st := c.Stats()
	if st.Computed != 1 || st.Hits != 1 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestGetOrComputeSingleflight(t *testing.T) {
	store := kvstore.NewMemory(4, 0)
	comp := &fakeComputer{delay: 50 * time.Millisecond}
	opts := testOptions()
	opts.LockWait = time.Second
	opts.PollDeadline = time.Second
	c := New(store, comp, opts, quietLogger())
	ts := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	const callers = 20
	var wg sync.WaitGroup
	var fresh atomic.Int32
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, cached, err := c.GetOrCompute(context.Background(), london, nyc, ts, 14.074, "FT8")
			if err != nil {
				errs <- err
				return
			}
			if !cached {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("caller failed: %v", err)
	}
	if n := comp.calls.Load(); n < 1 || n > 2 {
		t.Fatalf("computer called %d times, want 1 or 2", n)
	}
	if fresh.Load() != comp.calls.Load() {
		t.Fatalf("fresh results %d != computations %d", fresh.Load(), comp.calls.Load())
	}
}

func TestGetOrComputeBusy(t *testing.T) {
	store := kvstore.NewMemory(4, 0)
	comp := &fakeComputer{}
	c := New(store, comp, testOptions(), quietLogger())
	ts := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	key := c.Keyer().Key(london, nyc, ts, 14.074, "FT8")

	held, err := store.TryObtain(context.Background(), "lock:"+key, time.Minute)
	if err != nil {
		t.Fatalf("hold lock: %v", err)
	}
	defer held.Release(context.Background())

	_, _, err = c.GetOrCompute(context.Background(), london, nyc, ts, 14.074, "FT8")
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	if comp.calls.Load() != 0 {
		t.Fatalf("computer should not run while lock is held")
	}
	if c.Stats().Busy != 1 {
		t.Fatalf("busy counter = %d", c.Stats().Busy)
	}
}

func TestGetOrComputeWaitsForHolder(t *testing.T) {
	store := kvstore.NewMemory(4, 0)
	comp := &fakeComputer{}
	c := New(store, comp, testOptions(), quietLogger())
	ts := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	key := c.Keyer().Key(london, nyc, ts, 14.074, "FT8")

	held, err := store.TryObtain(context.Background(), "lock:"+key, time.Minute)
	if err != nil {
		t.Fatalf("hold lock: %v", err)
	}
	defer held.Release(context.Background())

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.SetEX(context.Background(), key, `{"short_path":{"snr":3,"reliability":42,"metric":"BCR","bcr":42,"ocr":null,"sir":null,"snr_margin_db":15},"long_path":{"snr":0,"reliability":0,"metric":"BCR","bcr":0,"ocr":null,"sir":null,"snr_margin_db":12}}`, time.Minute)
	}()

	pred, cached, err := c.GetOrCompute(context.Background(), london, nyc, ts, 14.074, "FT8")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !cached || pred.ShortPath.Reliability != 42 {
		t.Fatalf("cached=%v pred=%+v", cached, pred)
	}
	if comp.calls.Load() != 0 {
		t.Fatalf("computer should not run")
	}
}

func TestGetOrComputeReleasesLockOnError(t *testing.T) {
	store := kvstore.NewMemory(4, 0)
	comp := &fakeComputer{err: propagation.ErrSimulation}
	c := New(store, comp, testOptions(), quietLogger())
	ts := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	if _, _, err := c.GetOrCompute(context.Background(), london, nyc, ts, 14.074, "FT8"); !errors.Is(err, propagation.ErrSimulation) {
		t.Fatalf("err = %v, want ErrSimulation", err)
	}
	key := c.Keyer().Key(london, nyc, ts, 14.074, "FT8")
	lock, err := store.TryObtain(context.Background(), "lock:"+key, time.Second)
	if err != nil {
		t.Fatalf("lock still held after failed compute: %v", err)
	}
	lock.Release(context.Background())
	if _, ok, _ := store.Get(context.Background(), key); ok {
		t.Fatalf("failed computation should not be cached")
	}
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) ObserveLookup(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[outcome]++
}

func TestObserverSeesOutcomes(t *testing.T) {
	store := kvstore.NewMemory(4, 0)
	c := New(store, &fakeComputer{}, testOptions(), quietLogger())
	obs := &countingObserver{}
	c.SetObserver(obs)
	ts := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, _, err := c.GetOrCompute(context.Background(), london, nyc, ts, 7.074, "FT8"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if obs.outcomes[OutcomeComputed] != 1 || obs.outcomes[OutcomeHit] != 2 {
		t.Fatalf("outcomes = %v", obs.outcomes)
	}
}

func TestWaitersReleasedAfterLocalHolderWakesThem(t *testing.T) {
	store := kvstore.NewMemory(4, 0)
	comp := &fakeComputer{delay: 100 * time.Millisecond}
	opts := testOptions()
	opts.LockWait = 20 * time.Millisecond
	opts.PollInterval = 500 * time.Millisecond
	opts.PollDeadline = 2 * time.Second
	c := New(store, comp, opts, quietLogger())
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	const bins, callers = 50, 4
	var wg sync.WaitGroup
	errs := make(chan error, bins*callers)
	for b := 0; b < bins; b++ {
		ts := base.Add(time.Duration(b) * 15 * time.Minute)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, _, err := c.GetOrCompute(context.Background(), london, nyc, ts, 14.074, "FT8"); err != nil {
					errs <- err
				}
			}()
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("caller failed: %v", err)
	}
	if c.Stats().Waited == 0 {
		t.Fatalf("expected some callers to wait on a holder")
	}
	if n := len(c.waiters); n != 0 {
		t.Fatalf("%d waiter entries left after all callers returned", n)
	}
	if c.Stats().Waiting != 0 {
		t.Fatalf("Waiting = %d", c.Stats().Waiting)
	}
}

func TestWaitersReleasedWhenHolderIsElsewhere(t *testing.T) {
	store := kvstore.NewMemory(4, 0)
	c := New(store, &fakeComputer{}, testOptions(), quietLogger())
	ts := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	// Busy: the lock belongs to another process and no value ever appears.
	key := c.Keyer().Key(london, nyc, ts, 14.074, "FT8")
	held, err := store.TryObtain(context.Background(), "lock:"+key, time.Minute)
	if err != nil {
		t.Fatalf("hold lock: %v", err)
	}
	defer held.Release(context.Background())
	if _, _, err := c.GetOrCompute(context.Background(), london, nyc, ts, 14.074, "FT8"); !errors.Is(err, ErrBusy) {
		t.Fatalf("err = %v, want ErrBusy", err)
	}
	if n := len(c.waiters); n != 0 {
		t.Fatalf("busy caller left %d waiter entries", n)
	}

	// Found by polling: the other process stores the value without notify.
	next := ts.Add(time.Hour)
	nextKey := c.Keyer().Key(london, nyc, next, 14.074, "FT8")
	other, err := store.TryObtain(context.Background(), "lock:"+nextKey, time.Minute)
	if err != nil {
		t.Fatalf("hold lock: %v", err)
	}
	defer other.Release(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.SetEX(context.Background(), nextKey, `{"short_path":{"snr":1,"reliability":10,"metric":"BCR","bcr":10},"long_path":{"snr":0,"reliability":0,"metric":"BCR","bcr":0}}`, time.Minute)
	}()
	if _, cached, err := c.GetOrCompute(context.Background(), london, nyc, next, 14.074, "FT8"); err != nil || !cached {
		t.Fatalf("cached=%v err=%v", cached, err)
	}
	if n := len(c.waiters); n != 0 {
		t.Fatalf("polling caller left %d waiter entries", n)
	}
}

func TestWaitersReleasedAfterFailedCompute(t *testing.T) {
	store := kvstore.NewMemory(4, 0)
	comp := &fakeComputer{delay: 50 * time.Millisecond, err: propagation.ErrSimulation}
	opts := testOptions()
	opts.LockWait = 10 * time.Millisecond
	c := New(store, comp, opts, quietLogger())
	ts := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := c.GetOrCompute(context.Background(), london, nyc, ts, 14.074, "FT8"); err == nil {
				t.Errorf("expected an error from a failing computer")
			}
		}()
	}
	wg.Wait()
	if n := len(c.waiters); n != 0 {
		t.Fatalf("%d waiter entries left after failed compute", n)
	}
}

func TestNotifyIgnoresLateUnsubscribe(t *testing.T) {
	c := New(kvstore.NewMemory(1, 0), &fakeComputer{}, testOptions(), quietLogger())
	a := c.subscribe("k")
	b := c.subscribe("k")
	c.notify("k")
	select {
	case <-a:
	default:
		t.Fatalf("notify should close the channel")
	}
	fresh := c.subscribe("k")
	c.unsubscribe("k", a)
	c.unsubscribe("k", b)
	if n := c.pendingWaiters(); n != 1 {
		t.Fatalf("stale unsubscribes touched the new entry: %d entries", n)
	}
	c.unsubscribe("k", fresh)
	if n := c.pendingWaiters(); n != 0 {
		t.Fatalf("entries = %d after last unsubscribe", n)
	}
}

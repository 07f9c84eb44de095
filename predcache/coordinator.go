package predcache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"hfpredict/cty"
	"hfpredict/kvstore"
	"hfpredict/propagation"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrBusy means another worker holds the key and no value appeared in time.
var ErrBusy = errors.New("predcache: prediction busy, try again")

// Outcome labels for observers.
const (
	OutcomeHit      = "hit"
	OutcomeComputed = "computed"
	OutcomeWaited   = "waited"
	OutcomeBusy     = "busy"
	OutcomeError    = "error"
)

// Computer produces a fresh prediction.
type Computer interface {
	PredictBoth(ctx context.Context, origin, dest cty.Coordinate, t time.Time, freq float64, mode string) (propagation.Prediction, error)
}

// Observer is told the outcome of every lookup.
type Observer interface {
	ObserveLookup(outcome string)
}

// Stats is a snapshot of coordinator counters.
type Stats struct {
	Hits     uint64
	Computed uint64
	Waited   uint64
	Busy     uint64
	Errors   uint64
	Waiting  int // keys with an in-process caller currently waiting
}

// Coordinator implements get-or-compute with a distributed lock per key.
type Coordinator struct {
	store    kvstore.Store
	compute  Computer
	keyer    Keyer
	opts     Options
	logger   *log.Logger
	observer Observer

	// waiters lets in-process callers wake as soon as a local holder stores
	// the value instead of waiting for the next poll tick. An entry lives
	// only while some caller is waiting on its key.
	mu      sync.Mutex
	waiters map[string]*waiter

	hits, computed, waited, busy, errs atomic.Uint64
}

// New builds a coordinator.
func New(store kvstore.Store, compute Computer, opts Options, logger *log.Logger) *Coordinator {
	keyer := NewKeyer(opts)
	return &Coordinator{
		store:   store,
		compute: compute,
		keyer:   keyer,
		opts:    keyer.opts,
		logger:  logger,
		waiters: make(map[string]*waiter),
	}
}

// SetObserver registers an outcome callback.
func (c *Coordinator) SetObserver(o Observer) {
	c.observer = o
}

// Keyer exposes key derivation.
func (c *Coordinator) Keyer() Keyer {
	return c.keyer
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// GetOrCompute returns the cached prediction for the binned request, or
// computes and stores it. The bool reports whether the value came from the
// cache.
func (c *Coordinator) GetOrCompute(ctx context.Context, origin, dest cty.Coordinate, t time.Time, freq float64, mode string) (propagation.Prediction, bool, error) {
	key := c.keyer.Key(origin, dest, t, freq, mode)
	class := string(c.keyer.Class(mode))

	if pred, ok, err := c.load(ctx, key); err != nil {
		return c.fail(err)
	} else if ok {
		c.record(OutcomeHit)
		return pred, true, nil
	}

	lockName := "lock:" + key
	lock, err := c.store.Obtain(ctx, lockName, c.opts.LockLease, c.opts.LockWait)
	if err == nil {
		return c.computeHeld(ctx, lock, key, origin, dest, t, freq, class, true)
	}
	if !errors.Is(err, kvstore.ErrNotObtained) {
		return c.fail(fmt.Errorf("predcache: lock %s: %w", key, err))
	}

	if pred, ok, err := c.waitForValue(ctx, key); err != nil {
		return c.fail(err)
	} else if ok {
		c.record(OutcomeWaited)
		return pred, true, nil
	}

	lock, err = c.store.TryObtain(ctx, lockName, c.opts.LockLease)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotObtained) {
			c.record(OutcomeBusy)
			return propagation.Prediction{}, false, ErrBusy
		}
		return c.fail(fmt.Errorf("predcache: lock %s: %w", key, err))
	}
	return c.computeHeld(ctx, lock, key, origin, dest, t, freq, class, false)
}

// computeHeld runs with the lock held and always releases it.
func (c *Coordinator) computeHeld(ctx context.Context, lock kvstore.Lock, key string, origin, dest cty.Coordinate, t time.Time, freq float64, class string, recheck bool) (propagation.Prediction, bool, error) {
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, kvstore.ErrNotHeld) {
			c.logf("predcache: release %s: %v", lock.Name(), err)
		}
	}()
	// Local waiters re-check on every exit, including a failed compute.
	defer c.notify(key)
	if recheck {
		if pred, ok, err := c.load(ctx, key); err != nil {
			return c.fail(err)
		} else if ok {
			c.record(OutcomeHit)
			return pred, true, nil
		}
	}
	pred, err := c.compute.PredictBoth(ctx, origin, dest, t, freq, class)
	if err != nil {
		return c.fail(err)
	}
	raw, err := json.Marshal(pred)
	if err != nil {
		return c.fail(fmt.Errorf("predcache: encode %s: %w", key, err))
	}
	if err := c.store.SetEX(ctx, key, string(raw), c.opts.TTL); err != nil {
		// The caller still gets the value; only later callers miss.
		c.logf("predcache: store %s: %v", key, err)
	}
	c.record(OutcomeComputed)
	return pred, false, nil
}

// waitForValue polls until the value appears or the deadline passes.
func (c *Coordinator) waitForValue(ctx context.Context, key string) (propagation.Prediction, bool, error) {
	deadline := time.NewTimer(c.opts.PollDeadline)
	defer deadline.Stop()
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()
	wake := c.subscribe(key)
	defer func() { c.unsubscribe(key, wake) }()
	for {
		pred, ok, err := c.load(ctx, key)
		if err != nil || ok {
			return pred, ok, err
		}
		select {
		case <-ctx.Done():
			return propagation.Prediction{}, false, ctx.Err()
		case <-deadline.C:
			return c.load(ctx, key)
		case <-wake:
			c.unsubscribe(key, wake)
			wake = c.subscribe(key)
		case <-ticker.C:
		}
	}
}

type waiter struct {
	ch   chan struct{}
	refs int
}

// subscribe registers interest in key. Every call must be paired with
// unsubscribe on the returned channel.
func (c *Coordinator) subscribe(key string) <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.waiters[key]
	if !ok {
		w = &waiter{ch: make(chan struct{})}
		c.waiters[key] = w
	}
	w.refs++
	return w.ch
}

// unsubscribe drops one reference. A channel already closed by notify is
// no longer in the map and is ignored.
func (c *Coordinator) unsubscribe(key string, ch <-chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.waiters[key]
	if !ok || w.ch != ch {
		return
	}
	w.refs--
	if w.refs <= 0 {
		delete(c.waiters, key)
	}
}

func (c *Coordinator) notify(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.waiters[key]; ok {
		close(w.ch)
		delete(c.waiters, key)
	}
}

func (c *Coordinator) pendingWaiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Coordinator) load(ctx context.Context, key string) (propagation.Prediction, bool, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return propagation.Prediction{}, false, fmt.Errorf("predcache: get %s: %w", key, err)
	}
	if !ok {
		return propagation.Prediction{}, false, nil
	}
	var pred propagation.Prediction
	if err := json.Unmarshal([]byte(raw), &pred); err != nil {
		// A corrupt entry is treated as a miss and overwritten.
		c.logf("predcache: decode %s: %v", key, err)
		return propagation.Prediction{}, false, nil
	}
	return pred, true, nil
}

func (c *Coordinator) fail(err error) (propagation.Prediction, bool, error) {
	c.record(OutcomeError)
	return propagation.Prediction{}, false, err
}

func (c *Coordinator) record(outcome string) {
	switch outcome {
	case OutcomeHit:
		c.hits.Add(1)
	case OutcomeComputed:
		c.computed.Add(1)
	case OutcomeWaited:
		c.waited.Add(1)
	case OutcomeBusy:
		c.busy.Add(1)
	case OutcomeError:
		c.errs.Add(1)
	}
	if c.observer != nil {
		c.observer.ObserveLookup(outcome)
	}
}

// Stats returns the counters.
func (c *Coordinator) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Computed: c.computed.Load(),
		Waited:   c.waited.Load(),
		Busy:     c.busy.Load(),
		Errors:   c.errs.Load(),
		Waiting:  c.pendingWaiters(),
	}
}

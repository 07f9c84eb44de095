// Package kvstore is the shared cache and lock store. Values are strings with
// a per-key TTL; locks are named leases that expire on their own if the
// holder disappears. Backends: redis (shared across processes), pebble
// (embedded, durable) and memory (tests and single-process runs).
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	BackendRedis  = "redis"
	BackendPebble = "pebble"
	BackendMemory = "memory"
)

var (
	// ErrNotObtained reports that a lock is held by someone else.
	ErrNotObtained = errors.New("kvstore: lock not obtained")
	// ErrNotHeld reports a release of a lease that already expired or moved.
	ErrNotHeld = errors.New("kvstore: lock not held")
	// ErrClosed reports use after Close.
	ErrClosed = errors.New("kvstore: store is closed")
)

// Store is the capability set shared by every backend.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
	// Obtain blocks up to wait for the named lease.
	Obtain(ctx context.Context, name string, lease, wait time.Duration) (Lock, error)
	// TryObtain makes a single acquisition attempt.
	TryObtain(ctx context.Context, name string, lease time.Duration) (Lock, error)
	Close() error
}

// Lock is a held lease.
type Lock interface {
	Name() string
	Release(ctx context.Context) error
}

// Options selects and tunes a backend.
type Options struct {
	Backend       string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PebblePath    string
	Shards        int
	MaxEntries    int
}

// Open builds the configured backend.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", BackendRedis:
		return OpenRedis(ctx, opts.RedisAddr, opts.RedisPassword, opts.RedisDB)
	case BackendPebble:
		return OpenPebble(opts.PebblePath, PebbleOptions{})
	case BackendMemory:
		return NewMemory(opts.Shards, opts.MaxEntries), nil
	default:
		return nil, fmt.Errorf("kvstore: unknown backend %q", opts.Backend)
	}
}

const obtainRetryInterval = 25 * time.Millisecond

// obtainLoop retries try until it succeeds, the wait budget runs out, or ctx
// is done.
func obtainLoop(ctx context.Context, wait time.Duration, try func() (Lock, error)) (Lock, error) {
	deadline := time.Now().Add(wait)
	for {
		lock, err := try()
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrNotObtained) {
			return nil, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, err
		}
		timer := time.NewTimer(min(obtainRetryInterval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func newToken() string {
	return uuid.NewString()
}

// leaseTable holds process-local leases for the embedded backends.
type leaseTable struct {
	mu     sync.Mutex
	leases map[string]lease
	now    func() time.Time
}

type lease struct {
	token     string
	expiresAt time.Time
}

func newLeaseTable(now func() time.Time) *leaseTable {
	return &leaseTable{leases: make(map[string]lease), now: now}
}

func (t *leaseTable) tryObtain(name string, ttl time.Duration) (Lock, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if cur, ok := t.leases[name]; ok && now.Before(cur.expiresAt) {
		return nil, ErrNotObtained
	}
	token := newToken()
	t.leases[name] = lease{token: token, expiresAt: now.Add(ttl)}
	return &localLock{table: t, name: name, token: token}, nil
}

func (t *leaseTable) release(name, token string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.leases[name]
	if !ok || cur.token != token {
		return ErrNotHeld
	}
	delete(t.leases, name)
	if !t.now().Before(cur.expiresAt) {
		return ErrNotHeld
	}
	return nil
}

type localLock struct {
	table *leaseTable
	name  string
	token string
}

func (l *localLock) Name() string { return l.name }

func (l *localLock) Release(context.Context) error {
	return l.table.release(l.name, l.token)
}

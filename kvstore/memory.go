package kvstore

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/xxh3"
)

const (
	defaultShards     = 16
	defaultMaxEntries = 100000
)

// Memory is a sharded in-process TTL map with process-local leases.
type Memory struct {
	shards     []memoryShard
	maxEntries int
	leases     *leaseTable
	now        func() time.Time
	closed     atomic.Bool
}

type memoryShard struct {
	mu    sync.Mutex
	items map[string]memoryEntry
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemory builds a store. maxEntries bounds each shard.
func NewMemory(shards, maxEntries int) *Memory {
	return newMemory(shards, maxEntries, time.Now)
}

func newMemory(shards, maxEntries int, now func() time.Time) *Memory {
	if shards <= 0 {
		shards = defaultShards
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	m := &Memory{
		shards:     make([]memoryShard, shards),
		maxEntries: maxEntries,
		leases:     newLeaseTable(now),
		now:        now,
	}
	for i := range m.shards {
		m.shards[i].items = make(map[string]memoryEntry)
	}
	return m
}

func (m *Memory) shard(key string) *memoryShard {
	return &m.shards[xxh3.HashString(key)%uint64(len(m.shards))]
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	if m.closed.Load() {
		return "", false, ErrClosed
	}
	if strings.TrimSpace(key) == "" {
		return "", false, nil
	}
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	entry, ok := sh.items[key]
	if !ok {
		return "", false, nil
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		delete(sh.items, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

// SetEX stores value; ttl <= 0 keeps the entry until evicted.
func (m *Memory) SetEX(_ context.Context, key, value string, ttl time.Duration) error {
	if m.closed.Load() {
		return ErrClosed
	}
	now := m.now()
	entry := memoryEntry{value: value}
	if ttl > 0 {
		entry.expiresAt = now.Add(ttl)
	}
	sh := m.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.items[key] = entry
	if len(sh.items) > m.maxEntries {
		m.sweepShardLocked(sh, now)
	}
	return nil
}

func (m *Memory) sweepShardLocked(sh *memoryShard, now time.Time) {
	for key, entry := range sh.items {
		if !entry.expiresAt.IsZero() && !now.Before(entry.expiresAt) {
			delete(sh.items, key)
		}
	}
	for key := range sh.items {
		if len(sh.items) <= m.maxEntries {
			break
		}
		delete(sh.items, key)
	}
}

func (m *Memory) Obtain(ctx context.Context, name string, lease, wait time.Duration) (Lock, error) {
	return obtainLoop(ctx, wait, func() (Lock, error) { return m.TryObtain(ctx, name, lease) })
}

func (m *Memory) TryObtain(_ context.Context, name string, lease time.Duration) (Lock, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	return m.leases.tryObtain(name, lease)
}

// Len counts live and not-yet-swept entries.
func (m *Memory) Len() int {
	total := 0
	for i := range m.shards {
		m.shards[i].mu.Lock()
		total += len(m.shards[i].items)
		m.shards[i].mu.Unlock()
	}
	return total
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}

package kvstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
)

const (
	valueHeaderSize = 8
	expiresNone     = int64(0)
)

const (
	defaultCacheSizeBytes        = int64(32 << 20) // shared block cache for hot reads
	defaultBloomFilterBits       = 10
	defaultMemTableSizeBytes     = uint64(16 << 20)
	defaultL0CompactionThreshold = 4
	defaultL0StopWritesThreshold = 16
	defaultWriteQueueDepth       = 64
	defaultPurgeInterval         = time.Minute
)

// PebbleOptions controls Pebble tuning and writer buffering. Zero fields take
// defaults.
type PebbleOptions struct {
	CacheSizeBytes        int64
	BloomFilterBitsPerKey int
	MemTableSizeBytes     uint64
	L0CompactionThreshold int
	L0StopWritesThreshold int
	WriteQueueDepth       int
	PurgeInterval         time.Duration
}

func sanitizePebbleOptions(opts PebbleOptions) PebbleOptions {
	if opts.CacheSizeBytes <= 0 {
		opts.CacheSizeBytes = defaultCacheSizeBytes
	}
	if opts.BloomFilterBitsPerKey <= 0 {
		opts.BloomFilterBitsPerKey = defaultBloomFilterBits
	}
	if opts.MemTableSizeBytes == 0 {
		opts.MemTableSizeBytes = defaultMemTableSizeBytes
	}
	if opts.L0CompactionThreshold <= 0 {
		opts.L0CompactionThreshold = defaultL0CompactionThreshold
	}
	if opts.L0StopWritesThreshold <= opts.L0CompactionThreshold {
		opts.L0StopWritesThreshold = max(defaultL0StopWritesThreshold, opts.L0CompactionThreshold+4)
	}
	if opts.WriteQueueDepth <= 0 {
		opts.WriteQueueDepth = defaultWriteQueueDepth
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = defaultPurgeInterval
	}
	return opts
}

// Pebble persists values on local disk. Each value carries an 8-byte
// big-endian expiry (unix nanos, 0 = none); expired values read as misses
// and are removed by a periodic purge. All writes go through one goroutine.
type Pebble struct {
	db     *pebble.DB
	cache  *pebble.Cache
	writes chan pebbleWrite
	done   chan struct{}
	stop   chan struct{}
	leases *leaseTable
	now    func() time.Time

	mu     sync.Mutex
	closed bool
}

type pebbleWriteKind int

const (
	pebbleSet pebbleWriteKind = iota
	pebblePurge
)

type pebbleWrite struct {
	kind  pebbleWriteKind
	key   []byte
	value []byte
	resp  chan pebbleResult
}

type pebbleResult struct {
	removed int
	err     error
}

// OpenPebble opens or creates the database directory at path.
func OpenPebble(path string, opts PebbleOptions) (*Pebble, error) {
	return openPebble(path, opts, time.Now)
}

func openPebble(path string, opts PebbleOptions, now func() time.Time) (*Pebble, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("kvstore: pebble path is empty")
	}
	opts = sanitizePebbleOptions(opts)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("kvstore: ensure directory: %w", err)
	}

	cache := pebble.NewCache(opts.CacheSizeBytes)
	level := pebble.LevelOptions{
		FilterPolicy: bloom.FilterPolicy(opts.BloomFilterBitsPerKey),
		FilterType:   pebble.TableFilter,
	}
	pebbleOpts := &pebble.Options{
		Cache:                 cache,
		MemTableSize:          opts.MemTableSizeBytes,
		L0CompactionThreshold: opts.L0CompactionThreshold,
		L0StopWritesThreshold: opts.L0StopWritesThreshold,
		Levels:                make([]pebble.LevelOptions, 7),
	}
	for i := range pebbleOpts.Levels {
		pebbleOpts.Levels[i] = level
	}
	db, err := pebble.Open(path, pebbleOpts)
	if err != nil {
		cache.Unref()
		return nil, fmt.Errorf("kvstore: pebble open: %w", err)
	}
	p := &Pebble{
		db:     db,
		cache:  cache,
		writes: make(chan pebbleWrite, opts.WriteQueueDepth),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
		leases: newLeaseTable(now),
		now:    now,
	}
	go p.writeLoop()
	go p.purgeLoop(opts.PurgeInterval)
	return p, nil
}

func (p *Pebble) Get(_ context.Context, key string) (string, bool, error) {
	if p.isClosed() {
		return "", false, ErrClosed
	}
	raw, closer, err := p.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("kvstore: get %s: %w", key, err)
	}
	defer closer.Close()
	expires, value, err := decodeValue(raw)
	if err != nil {
		return "", false, fmt.Errorf("kvstore: decode %s: %w", key, err)
	}
	if expires != expiresNone && p.now().UnixNano() >= expires {
		return "", false, nil
	}
	return string(value), true, nil
}

func (p *Pebble) SetEX(_ context.Context, key, value string, ttl time.Duration) error {
	expires := expiresNone
	if ttl > 0 {
		expires = p.now().Add(ttl).UnixNano()
	}
	res, err := p.submit(pebbleWrite{kind: pebbleSet, key: []byte(key), value: encodeValue(expires, value)})
	if err != nil {
		return err
	}
	return res.err
}

// PurgeExpired deletes every expired value and returns how many were removed.
func (p *Pebble) PurgeExpired() (int, error) {
	res, err := p.submit(pebbleWrite{kind: pebblePurge})
	if err != nil {
		return 0, err
	}
	return res.removed, res.err
}

func (p *Pebble) Obtain(ctx context.Context, name string, lease, wait time.Duration) (Lock, error) {
	return obtainLoop(ctx, wait, func() (Lock, error) { return p.TryObtain(ctx, name, lease) })
}

func (p *Pebble) TryObtain(_ context.Context, name string, lease time.Duration) (Lock, error) {
	if p.isClosed() {
		return nil, ErrClosed
	}
	return p.leases.tryObtain(name, lease)
}

func (p *Pebble) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close drains the writer before closing Pebble.
func (p *Pebble) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stop)
	close(p.writes)
	p.mu.Unlock()
	<-p.done
	err := p.db.Close()
	p.cache.Unref()
	return err
}

func (p *Pebble) submit(req pebbleWrite) (pebbleResult, error) {
	req.resp = make(chan pebbleResult, 1)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return pebbleResult{}, ErrClosed
	}
	p.writes <- req
	p.mu.Unlock()
	return <-req.resp, nil
}

func (p *Pebble) writeLoop() {
	defer close(p.done)
	for req := range p.writes {
		var res pebbleResult
		switch req.kind {
		case pebbleSet:
			res.err = p.db.Set(req.key, req.value, pebble.NoSync)
		case pebblePurge:
			res.removed, res.err = p.applyPurge()
		}
		req.resp <- res
	}
}

func (p *Pebble) purgeLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			_, _ = p.PurgeExpired()
		}
	}
}

func (p *Pebble) applyPurge() (int, error) {
	iter, err := p.db.NewIter(nil)
	if err != nil {
		return 0, fmt.Errorf("kvstore: purge iterator: %w", err)
	}
	now := p.now().UnixNano()
	batch := p.db.NewBatch()
	removed := 0
	for iter.First(); iter.Valid(); iter.Next() {
		expires, _, err := decodeValue(iter.Value())
		if err != nil || (expires != expiresNone && now >= expires) {
			if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
				_ = iter.Close()
				_ = batch.Close()
				return 0, err
			}
			removed++
		}
	}
	iterErr := iter.Error()
	_ = iter.Close()
	if iterErr != nil {
		_ = batch.Close()
		return 0, fmt.Errorf("kvstore: purge iterate: %w", iterErr)
	}
	if removed == 0 {
		return 0, batch.Close()
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		_ = batch.Close()
		return 0, fmt.Errorf("kvstore: purge commit: %w", err)
	}
	return removed, batch.Close()
}

func encodeValue(expires int64, value string) []byte {
	buf := make([]byte, valueHeaderSize+len(value))
	binary.BigEndian.PutUint64(buf, uint64(expires))
	copy(buf[valueHeaderSize:], value)
	return buf
}

func decodeValue(raw []byte) (int64, []byte, error) {
	if len(raw) < valueHeaderSize {
		return 0, nil, errors.New("short value")
	}
	return int64(binary.BigEndian.Uint64(raw)), raw[valueHeaderSize:], nil
}

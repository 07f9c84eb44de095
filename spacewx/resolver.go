package spacewx

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Store is the subset of the key-value store the resolver needs.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
}

// Resolver answers "which SSN and Kp apply right now" from the stored record,
// a cached daily sunspot number, or the NOAA daily indices text.
type Resolver struct {
	cfg    Config
	store  Store
	client *http.Client
	logger *log.Logger
	now    func() time.Time
}

// NewResolver builds a resolver. A nil logger uses the standard logger.
func NewResolver(cfg Config, store Store, logger *log.Logger) *Resolver {
	cfg.Normalize()
	return &Resolver{
		cfg:    cfg,
		store:  store,
		client: &http.Client{Timeout: time.Duration(cfg.SSNFallback.TimeoutSeconds) * time.Second},
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (r *Resolver) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Latest returns the stored indices when present and fresh.
func (r *Resolver) Latest(ctx context.Context) (Indices, bool) {
	if r == nil || r.store == nil {
		return Indices{}, false
	}
	raw, ok, err := r.store.Get(ctx, r.cfg.RedisKey)
	if err != nil {
		r.logf("spacewx: read %s failed: %v", r.cfg.RedisKey, err)
		return Indices{}, false
	}
	if !ok {
		return Indices{}, false
	}
	ind, err := ParseRecord(raw, r.now(), time.Duration(r.cfg.MaxAgeHours)*time.Hour)
	if err != nil {
		r.logf("%v", err)
		return Indices{}, false
	}
	return ind, true
}

// EffectiveSSN returns the sunspot number to feed the simulator for a
// prediction at t.
func (r *Resolver) EffectiveSSN(ctx context.Context, t time.Time) int {
	if ind, ok := r.Latest(ctx); ok && ind.F107 != nil {
		ssn := F107ToSSN(*ind.F107, r.cfg.F107ToSSN)
		r.logf("spacewx: F10.7=%.1f -> SSN=%d", *ind.F107, ssn)
		return ssn
	}
	return r.dailySSN(ctx, t)
}

// KpFactor returns the reliability multiplier, or false when adjustment is
// disabled or no fresh Kp is stored.
func (r *Resolver) KpFactor(ctx context.Context) (float64, bool) {
	if r == nil || !r.cfg.ReliabilityAdjust.Enabled {
		return 1, false
	}
	ind, ok := r.Latest(ctx)
	if !ok || ind.Kp == nil {
		return 1, false
	}
	return KpFactor(*ind.Kp, r.cfg.ReliabilityAdjust), true
}

// dailySSN looks up yesterday's observed sunspot number relative to t.
func (r *Resolver) dailySSN(ctx context.Context, t time.Time) int {
	fallback := r.cfg.SSNFallback
	yest := t.UTC().AddDate(0, 0, -1)
	key := "ssn:" + yest.Format("2006-01-02")
	if r.store != nil {
		if cached, ok, err := r.store.Get(ctx, key); err == nil && ok {
			if ssn, err := strconv.Atoi(strings.TrimSpace(cached)); err == nil {
				return ssn
			}
		}
	}
	ssn, err := r.fetchDailySSN(ctx, yest)
	if err != nil {
		r.logf("spacewx: SSN fetch failed, using fallback=%d: %v", fallback.Default, err)
		return fallback.Default
	}
	if r.store != nil {
		ttl := time.Duration(fallback.CacheDays) * 24 * time.Hour
		if err := r.store.SetEX(ctx, key, strconv.Itoa(ssn), ttl); err != nil {
			r.logf("spacewx: cache %s failed: %v", key, err)
		}
	}
	return ssn
}

func (r *Resolver) fetchDailySSN(ctx context.Context, day time.Time) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.SSNFallback.URL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	return parseDailySSN(body, day)
}

// parseDailySSN finds the "YYYY MM DD" row for day and returns its fourth
// column.
func parseDailySSN(body []byte, day time.Time) (int, error) {
	prefix := fmt.Sprintf("%d %02d %02d", day.Year(), int(day.Month()), day.Day())
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 4 {
			return 0, fmt.Errorf("short row for %s", prefix)
		}
		return strconv.Atoi(parts[3])
	}
	if err := sc.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("no row for %s", prefix)
}

package spacewx

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ClickHouse/ch-go"
	"github.com/ClickHouse/ch-go/proto"
)

// Source produces a fresh set of indices. Implementations return
// updated=false when nothing changed since the last call.
type Source interface {
	Fetch(ctx context.Context) (rec Record, updated bool, err error)
}

// Poller periodically writes the latest space-weather record to the store.
type Poller struct {
	cfg    Config
	store  Store
	source Source
	logger *log.Logger
}

// NewPoller builds a poller over the configured source.
func NewPoller(cfg Config, store Store, logger *log.Logger) *Poller {
	cfg.Normalize()
	var src Source
	switch cfg.Poller.Source {
	case SourceClickHouse:
		src = &clickHouseSource{cfg: cfg.Poller.ClickHouse}
	default:
		src = newNOAASource(cfg.Poller)
	}
	return &Poller{cfg: cfg, store: store, source: src, logger: logger}
}

// NewPollerWithSource is NewPoller with an explicit source.
func NewPollerWithSource(cfg Config, store Store, src Source, logger *log.Logger) *Poller {
	cfg.Normalize()
	return &Poller{cfg: cfg, store: store, source: src, logger: logger}
}

// Start polls immediately and then every interval until ctx is done.
func (p *Poller) Start(ctx context.Context) {
	if p == nil || !p.cfg.Poller.Enabled {
		return
	}
	go func() {
		p.Poll(ctx)
		ticker := time.NewTicker(time.Duration(p.cfg.Poller.IntervalSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Poll(ctx)
			}
		}
	}()
}

// Poll performs one fetch-and-store cycle.
func (p *Poller) Poll(ctx context.Context) {
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.Poller.RequestTimeoutSeconds)*time.Second)
	rec, updated, err := p.source.Fetch(reqCtx)
	cancel()
	if err != nil {
		p.logf("spacewx: %s fetch failed: %v", p.cfg.Poller.Source, err)
		return
	}
	if !updated {
		return
	}
	if rec.FetchedUTC == "" {
		rec.FetchedUTC = time.Now().UTC().Format(RecordTimeLayout)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		p.logf("spacewx: encode record: %v", err)
		return
	}
	// Keep the record around longer than it stays fresh so staleness is
	// reported rather than silently missing.
	ttl := 2 * time.Duration(p.cfg.MaxAgeHours) * time.Hour
	if err := p.store.SetEX(ctx, p.cfg.RedisKey, string(raw), ttl); err != nil {
		p.logf("spacewx: store %s failed: %v", p.cfg.RedisKey, err)
		return
	}
	p.logf("spacewx: stored f107=%v kp=%v ap=%v", rec.F107, rec.Kp, rec.Ap)
}

func (p *Poller) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

type conditionalFetcher struct {
	url          string
	etag         string
	lastModified string
	client       *http.Client
}

func (f *conditionalFetcher) Fetch(ctx context.Context) ([]byte, bool, error) {
	if f == nil {
		return nil, false, fmt.Errorf("nil fetcher")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, false, err
	}
	if f.etag != "" {
		req.Header.Set("If-None-Match", f.etag)
	}
	if f.lastModified != "" {
		req.Header.Set("If-Modified-Since", f.lastModified)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotModified {
		return nil, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, err
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		f.etag = etag
	}
	if last := resp.Header.Get("Last-Modified"); last != "" {
		f.lastModified = last
	}
	return body, true, nil
}

// noaaSource combines the SWPC planetary K-index product with the 10.7 cm
// flux feed.
type noaaSource struct {
	kp   *conditionalFetcher
	flux *conditionalFetcher
	last Record
}

func newNOAASource(cfg PollerConfig) *noaaSource {
	client := &http.Client{Timeout: time.Duration(cfg.RequestTimeoutSeconds) * time.Second}
	return &noaaSource{
		kp:   &conditionalFetcher{url: cfg.KpURL, client: client},
		flux: &conditionalFetcher{url: cfg.FluxURL, client: client},
	}
}

func (s *noaaSource) Fetch(ctx context.Context) (Record, bool, error) {
	changed := false
	body, updated, err := s.kp.Fetch(ctx)
	if err != nil {
		return Record{}, false, fmt.Errorf("kp: %w", err)
	}
	if updated {
		if kp, ap, at, ok := parseKp(body); ok {
			s.last.Kp = kp
			if ap != nil {
				s.last.Ap = *ap
			}
			s.last.KpTime = at.Format(RecordTimeLayout)
			changed = true
		}
	}
	body, updated, err = s.flux.Fetch(ctx)
	if err != nil {
		return Record{}, false, fmt.Errorf("flux: %w", err)
	}
	if updated {
		if flux, _, ok := parseFlux(body); ok {
			s.last.F107 = flux
			changed = true
		}
	}
	if !changed {
		return Record{}, false, nil
	}
	rec := s.last
	rec.FetchedUTC = time.Now().UTC().Format(RecordTimeLayout)
	return rec, true, nil
}

// parseKp reads the latest row of [["time_tag","Kp","a_running",...], ...].
func parseKp(body []byte) (float64, *float64, time.Time, bool) {
	var rows [][]any
	if err := json.Unmarshal(body, &rows); err != nil || len(rows) <= 1 {
		return 0, nil, time.Time{}, false
	}
	const layout = "2006-01-02 15:04:05.000"
	var (
		latest time.Time
		kp     float64
		ap     *float64
		found  bool
	)
	for _, row := range rows[1:] {
		if len(row) < 2 {
			continue
		}
		tag, _ := row[0].(string)
		t, err := time.Parse(layout, tag)
		if err != nil {
			continue
		}
		val := toFloat(row[1])
		if val == nil {
			continue
		}
		if !found || t.After(latest) {
			latest, kp, found = t.UTC(), *val, true
			ap = nil
			if len(row) > 2 {
				ap = toFloat(row[2])
			}
		}
	}
	return kp, ap, latest, found
}

type fluxEntry struct {
	TimeTag string `json:"time_tag"`
	Flux    any    `json:"flux"`
}

// parseFlux returns the most recent observed 10.7 cm flux.
func parseFlux(body []byte) (float64, time.Time, bool) {
	var entries []fluxEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return 0, time.Time{}, false
	}
	var (
		latest time.Time
		flux   float64
		found  bool
	)
	for _, e := range entries {
		t, err := parseRecordTime(e.TimeTag)
		if err != nil {
			continue
		}
		val := toFloat(e.Flux)
		if val == nil {
			continue
		}
		if !found || t.After(latest) {
			latest, flux, found = t, *val, true
		}
	}
	return flux, latest, found
}

// clickHouseSource reads the newest row of a solar indices table.
type clickHouseSource struct {
	cfg  ClickHouseSource
	last time.Time
}

func (s *clickHouseSource) Fetch(ctx context.Context) (Record, bool, error) {
	conn, err := ch.Dial(ctx, ch.Options{
		Address:     s.cfg.Addr,
		Database:    s.cfg.Database,
		Compression: ch.CompressionLZ4,
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("clickhouse dial %s: %w", s.cfg.Addr, err)
	}
	defer conn.Close()

	var (
		colTime proto.ColDateTime
		colFlux proto.ColFloat32
		colKp   proto.ColFloat32
		colAp   proto.ColFloat32
	)
	err = conn.Do(ctx, ch.Query{
		Body: fmt.Sprintf("SELECT time, adjusted_flux, kp_index, ap_index FROM %s.%s ORDER BY time DESC LIMIT 1",
			s.cfg.Database, s.cfg.Table),
		Result: proto.Results{
			{Name: "time", Data: &colTime},
			{Name: "adjusted_flux", Data: &colFlux},
			{Name: "kp_index", Data: &colKp},
			{Name: "ap_index", Data: &colAp},
		},
	})
	if err != nil {
		return Record{}, false, fmt.Errorf("clickhouse query: %w", err)
	}
	if colTime.Rows() == 0 {
		return Record{}, false, nil
	}
	at := colTime.Row(0).UTC()
	if !at.After(s.last) {
		return Record{}, false, nil
	}
	s.last = at
	rec := Record{KpTime: at.Format(RecordTimeLayout)}
	if f := float64(colFlux.Row(0)); f > 0 {
		rec.F107 = roundTenth(f)
	}
	rec.Kp = roundTenth(float64(colKp.Row(0)))
	rec.Ap = roundTenth(float64(colAp.Row(0)))
	return rec, true, nil
}

func roundTenth(v float64) float64 {
	f, _ := strconv.ParseFloat(strconv.FormatFloat(v, 'f', 1, 64), 64)
	return f
}

// Describe names the configured source for startup logs.
func (p *Poller) Describe() string {
	if p == nil {
		return "disabled"
	}
	return strings.ToUpper(p.cfg.Poller.Source)
}

// Package spotworker consumes skimmer records from the fan-out channel,
// predicts the skimmer-to-DX path for each and stores the result under a
// per-spot key for downstream readers.
package spotworker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"hfpredict/archive"
	"hfpredict/config"
	"hfpredict/cty"
	"hfpredict/fanout"
	"hfpredict/internal/ratelimit"
	"hfpredict/propagation"
	"hfpredict/spot"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Geocoder resolves a callsign to coordinates.
type Geocoder interface {
	Lookup(call string) (cty.Coordinate, bool)
}

// Predictor computes both paths.
type Predictor interface {
	PredictBoth(ctx context.Context, origin, dest cty.Coordinate, t time.Time, freq float64, mode string) (propagation.Prediction, error)
}

// Store is the slice of the cache store the worker writes to.
type Store interface {
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
}

// Archiver accepts records without blocking.
type Archiver interface {
	Enqueue(r archive.Record) bool
}

// Counter receives per-spot mode and outcome counts.
type Counter interface {
	IncrementMode(mode string)
	IncrementOutcome(outcome string)
}

// Outcomes passed to Counter.
const (
	OutcomePredicted = "predicted"
	OutcomeFailed    = "failed"
	OutcomeNoCoords  = "no_coords"
)

// Options configure the worker.
type Options struct {
	Channel string
	CWTTL   time.Duration
	DigiTTL time.Duration
	// RetryDelay is the fixed pause before subscribing again after the
	// subscription fails or closes.
	RetryDelay time.Duration
}

// OptionsFromConfig reads the per-mode TTLs from the feed sections.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Channel:    cfg.Fanout.Channel,
		CWTTL:      time.Duration(cfg.RBN.CW.TTLMinutes) * time.Minute,
		DigiTTL:    time.Duration(cfg.RBN.Digi.TTLMinutes) * time.Minute,
		RetryDelay: time.Duration(cfg.RBN.CW.RetryDelaySeconds) * time.Second,
	}
}

// Payload is the JSON stored under spot:rbn:<spotter>:<dx>:<freq>.
type Payload struct {
	Source        string                  `json:"source"`
	Spotter       string                  `json:"spotter"`
	DX            string                  `json:"dx"`
	Frequency     float64                 `json:"frequency"`
	Mode          string                  `json:"mode"`
	Timestamp     string                  `json:"timestamp"`
	SpotterCoords *cty.Coordinate         `json:"spotter_coords,omitempty"`
	DXCoords      *cty.Coordinate         `json:"dx_coords,omitempty"`
	Prediction    *propagation.Prediction `json:"prediction,omitempty"`
}

// Stats counts processed records.
type Stats struct {
	Received     uint64
	ParseErrors  uint64
	Predicted    uint64
	PredictFails uint64
	NoCoords     uint64
	Stored       uint64
	StoreErrors  uint64
	Resubscribes uint64
}

// Worker is the single consumer of the spot channel.
type Worker struct {
	opts    Options
	sub     fanout.Subscriber
	geo     Geocoder
	pred    Predictor
	store   Store
	archive Archiver
	counter Counter
	logger  *log.Logger
	now     func() time.Time
	failLog *ratelimit.Gate

	received, parseErrors, predicted, predictFails, noCoords, stored, storeErrors, resubscribes atomic.Uint64
}

// New builds a worker.
func New(opts Options, sub fanout.Subscriber, geo Geocoder, pred Predictor, store Store, logger *log.Logger) *Worker {
	if opts.Channel == "" {
		opts.Channel = "predict-hf"
	}
	if opts.CWTTL <= 0 {
		opts.CWTTL = 10 * time.Minute
	}
	if opts.DigiTTL <= 0 {
		opts.DigiTTL = 10 * time.Minute
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	return &Worker{
		opts:    opts,
		sub:     sub,
		geo:     geo,
		pred:    pred,
		store:   store,
		logger:  logger,
		now:     time.Now,
		failLog: ratelimit.NewGate(10 * time.Second),
	}
}

// SetArchive enables archiving of every stored spot.
func (w *Worker) SetArchive(a Archiver) {
	w.archive = a
}

// SetCounter registers a stats counter.
func (w *Worker) SetCounter(c Counter) {
	w.counter = c
}

func (w *Worker) count(mode, outcome string) {
	if w.counter == nil {
		return
	}
	w.counter.IncrementMode(mode)
	w.counter.IncrementOutcome(outcome)
}

func (w *Worker) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Run subscribes and processes records in arrival order until ctx is done.
// A failed or closed subscription is retried after RetryDelay; Run only
// returns ctx.Err().
func (w *Worker) Run(ctx context.Context) error {
	for {
		err := w.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.resubscribes.Add(1)
		w.logf("%v (retry in %s)", err, w.opts.RetryDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.opts.RetryDelay):
		}
	}
}

func (w *Worker) consume(ctx context.Context) error {
	records, err := w.sub.Subscribe(ctx, w.opts.Channel)
	if err != nil {
		return fmt.Errorf("spotworker: subscribe %s: %w", w.opts.Channel, err)
	}
	w.logf("spotworker: listening on %s", w.opts.Channel)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-records:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errors.New("spotworker: subscription closed")
			}
			if err := w.Handle(ctx, msg); err != nil {
				w.logf("spotworker: %v", err)
			}
		}
	}
}

// TTLFor returns the storage TTL for a mode.
func (w *Worker) TTLFor(mode string) time.Duration {
	if strings.EqualFold(strings.TrimSpace(mode), "CW") {
		return w.opts.CWTTL
	}
	return w.opts.DigiTTL
}

// Key is the storage key for a spot.
func Key(s *spot.Spot) string {
	return fmt.Sprintf("spot:rbn:%s:%s:%.1f", s.Spotter, s.DX, s.Frequency)
}

// Handle processes one record. A parse failure returns an error wrapping
// spot.ErrParse; a failed prediction is logged and the spot is still stored.
func (w *Worker) Handle(ctx context.Context, msg string) error {
	w.received.Add(1)
	s, err := spot.ParseRecord(msg, w.now())
	if err != nil {
		w.parseErrors.Add(1)
		return fmt.Errorf("drop %q: %w", msg, err)
	}

	payload := Payload{
		Source:    spot.SourceRBN,
		Spotter:   s.Spotter,
		DX:        s.DX,
		Frequency: s.Frequency,
		Mode:      s.Mode,
		Timestamp: s.Time.UTC().Format(time.RFC3339),
	}
	spotterCoords, okS := w.geo.Lookup(s.Spotter)
	dxCoords, okD := w.geo.Lookup(s.DX)
	if okS {
		payload.SpotterCoords = &spotterCoords
	}
	if okD {
		payload.DXCoords = &dxCoords
	}
	if okS && okD {
		// The raw mode goes to the simulator; no cache sits in front of it.
		pred, err := w.pred.PredictBoth(ctx, spotterCoords, dxCoords, s.Time, s.Frequency, s.Mode)
		if err != nil {
			w.predictFails.Add(1)
			w.count(s.Mode, OutcomeFailed)
			if held, ok := w.failLog.Allow(w.now()); ok {
				w.logf("spotworker: prediction failed %s->%s @ %.1f %s: %v (%d similar suppressed)", s.Spotter, s.DX, s.Frequency, s.Mode, err, held)
			}
		} else {
			w.predicted.Add(1)
			w.count(s.Mode, OutcomePredicted)
			payload.Prediction = &pred
		}
	} else {
		w.noCoords.Add(1)
		w.count(s.Mode, OutcomeNoCoords)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		w.storeErrors.Add(1)
		return fmt.Errorf("encode %s: %w", Key(s), err)
	}
	key := Key(s)
	ttl := w.TTLFor(s.Mode)
	if err := w.store.SetEX(ctx, key, string(raw), ttl); err != nil {
		w.storeErrors.Add(1)
		return fmt.Errorf("store %s: %w", key, err)
	}
	w.stored.Add(1)

	if w.archive != nil {
		rec := archive.Record{
			Time:         s.Time,
			Source:       s.Source,
			Spotter:      s.Spotter,
			DX:           s.DX,
			FrequencyMHz: s.Frequency,
			Mode:         s.Mode,
		}
		if payload.Prediction != nil {
			rec = rec.WithPrediction(*payload.Prediction)
		}
		w.archive.Enqueue(rec)
	}
	return nil
}

// Stats returns the counters.
func (w *Worker) Stats() Stats {
	return Stats{
		Received:     w.received.Load(),
		ParseErrors:  w.parseErrors.Load(),
		Predicted:    w.predicted.Load(),
		PredictFails: w.predictFails.Load(),
		NoCoords:     w.noCoords.Load(),
		Stored:       w.stored.Load(),
		StoreErrors:  w.storeErrors.Load(),
		Resubscribes: w.resubscribes.Load(),
	}
}

// Package archive persists spot predictions asynchronously. The hot path never
// blocks on the writer: a full queue drops the record and counts it.
package archive

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"hfpredict/config"
	"hfpredict/propagation"
)

const (
	BackendSQLite     = "sqlite"
	BackendClickHouse = "clickhouse"
)

// Record is one archived spot with its prediction, if any.
type Record struct {
	Time          time.Time
	Source        string
	Spotter       string
	DX            string
	FrequencyMHz  float64
	Mode          string
	HasPrediction bool
	SPSNR         int
	SPReliability int
	LPSNR         int
	LPReliability int
	SPMetric      string
	LPMetric      string
}

// WithPrediction copies the headline numbers of pred into the record.
func (r Record) WithPrediction(pred propagation.Prediction) Record {
	r.HasPrediction = true
	r.SPSNR = pred.ShortPath.SNR
	r.SPReliability = pred.ShortPath.Reliability
	r.SPMetric = pred.ShortPath.Metric
	r.LPSNR = pred.LongPath.SNR
	r.LPReliability = pred.LongPath.Reliability
	r.LPMetric = pred.LongPath.Metric
	return r
}

// backend is the storage behind a Writer.
type backend interface {
	insert(ctx context.Context, batch []Record) error
	cleanup(ctx context.Context, cutoff time.Time) (int64, error)
	close() error
}

// Writer batches records into a backend.
type Writer struct {
	cfg     config.ArchiveConfig
	backend backend
	logger  *log.Logger
	queue   chan Record
	stop    chan struct{}
	done    sync.WaitGroup
	once    sync.Once

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// Open builds the configured backend; call Start to begin processing.
func Open(ctx context.Context, cfg config.ArchiveConfig, logger *log.Logger) (*Writer, error) {
	var (
		b   backend
		err error
	)
	switch cfg.Backend {
	case "", BackendSQLite:
		logf := log.Printf
		if logger != nil {
			logf = logger.Printf
		}
		b, err = openSQLite(cfg, logf)
	case BackendClickHouse:
		b, err = openClickHouse(ctx, cfg.ClickHouse, cfg.RetentionDays)
	default:
		return nil, fmt.Errorf("archive: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return newWriter(cfg, b, logger), nil
}

func newWriter(cfg config.ArchiveConfig, b backend, logger *log.Logger) *Writer {
	qsize := cfg.QueueSize
	if qsize <= 0 {
		qsize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.BatchIntervalMS <= 0 {
		cfg.BatchIntervalMS = 1000
	}
	return &Writer{
		cfg:     cfg,
		backend: b,
		logger:  logger,
		queue:   make(chan Record, qsize),
		stop:    make(chan struct{}),
	}
}

func (w *Writer) logf(format string, args ...any) {
	if w.logger != nil {
		w.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Start launches the insert and cleanup loops.
func (w *Writer) Start() {
	w.done.Add(2)
	go w.insertLoop()
	go w.cleanupLoop()
}

// Close flushes what is queued and closes the backend.
func (w *Writer) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		w.done.Wait()
		err = w.backend.close()
	})
	return err
}

// Enqueue queues r without blocking and reports whether it was accepted.
func (w *Writer) Enqueue(r Record) bool {
	if w == nil {
		return false
	}
	select {
	case w.queue <- r:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// Stats returns written, dropped and failed record counts.
func (w *Writer) Stats() (written, dropped, failed uint64) {
	return w.written.Load(), w.dropped.Load(), w.failed.Load()
}

func (w *Writer) interval() time.Duration {
	return time.Duration(w.cfg.BatchIntervalMS) * time.Millisecond
}

func (w *Writer) insertLoop() {
	defer w.done.Done()
	batch := make([]Record, 0, w.cfg.BatchSize)
	timer := time.NewTimer(w.interval())
	defer timer.Stop()

	for {
		select {
		case <-w.stop:
		drain:
			for {
				select {
				case r := <-w.queue:
					batch = append(batch, r)
				default:
					break drain
				}
			}
			w.flush(batch)
			return
		case r := <-w.queue:
			batch = append(batch, r)
			if len(batch) >= w.cfg.BatchSize {
				w.flush(batch)
				batch = batch[:0]
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(w.interval())
			}
		case <-timer.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
			timer.Reset(w.interval())
		}
	}
}

func (w *Writer) flush(batch []Record) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.backend.insert(ctx, batch); err != nil {
		w.failed.Add(uint64(len(batch)))
		w.logf("archive: insert %d records: %v", len(batch), err)
		return
	}
	w.written.Add(uint64(len(batch)))
}

func (w *Writer) cleanupLoop() {
	defer w.done.Done()
	if w.cfg.RetentionDays <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.cleanupOnce(time.Now().UTC())
		}
	}
}

func (w *Writer) cleanupOnce(now time.Time) {
	cutoff := now.AddDate(0, 0, -w.cfg.RetentionDays)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	n, err := w.backend.cleanup(ctx, cutoff)
	if err != nil {
		w.logf("archive: cleanup: %v", err)
		return
	}
	if n > 0 {
		w.logf("archive: removed %d records older than %s", n, cutoff.Format(time.DateOnly))
	}
}

// Package api exposes the prediction service over HTTP: cached predictions
// for cluster spots, direct uncached predictions, a health probe and the
// Prometheus exposition.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"hfpredict/config"
	"hfpredict/cty"
	"hfpredict/predcache"
	"hfpredict/propagation"
	"hfpredict/spot"
	"hfpredict/spotworker"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SourceHuman tags spots submitted by cluster users.
const SourceHuman = "human"

// Geocoder resolves a callsign to coordinates.
type Geocoder interface {
	Lookup(call string) (cty.Coordinate, bool)
}

// Cache returns cached or freshly computed predictions.
type Cache interface {
	GetOrCompute(ctx context.Context, origin, dest cty.Coordinate, t time.Time, freq float64, mode string) (propagation.Prediction, bool, error)
}

// Predictor runs the simulator directly.
type Predictor interface {
	PredictBoth(ctx context.Context, origin, dest cty.Coordinate, t time.Time, freq float64, mode string) (propagation.Prediction, error)
}

// Store receives human spot records.
type Store interface {
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
}

// Observer sees the status code of every request.
type Observer interface {
	ObserveRequest(handler string, code int)
}

// Options configure the server.
type Options struct {
	HumanSpot    config.HumanSpotConfig
	DigitalModes []string
}

// PredictRequest is the body of /predict and /predict_manual.
type PredictRequest struct {
	User      string  `json:"callsign_user"`
	Spotter   string  `json:"callsign_spotter"`
	DX        string  `json:"callsign_dx"`
	Frequency float64 `json:"frequency"`
	Mode      string  `json:"mode"`
	Timestamp string  `json:"timestamp"`
	Comment   string  `json:"comment"`
}

// PredictResponse is returned by /predict. NewComment is omitted by
// /predict_manual.
type PredictResponse struct {
	Prediction propagation.Prediction `json:"prediction"`
	Cached     bool                   `json:"cached"`
	NewComment *string                `json:"new_comment,omitempty"`
}

type errorBody struct {
	Detail string `json:"detail"`
}

// Server handles the HTTP API.
type Server struct {
	opts     Options
	digital  spot.ModeSet
	geo      Geocoder
	cache    Cache
	direct   Predictor
	store    Store
	logger   *log.Logger
	observer Observer
	metrics  http.Handler
	now      func() time.Time

	logMu   sync.Mutex
	predLog io.Writer
}

// New builds a server. store may be nil when human spot storage is off.
func New(opts Options, geo Geocoder, cache Cache, direct Predictor, store Store, logger *log.Logger) *Server {
	if len(opts.DigitalModes) == 0 {
		opts.DigitalModes = spot.DefaultCacheModes
	}
	if opts.HumanSpot.TTLMinutes <= 0 {
		opts.HumanSpot.TTLMinutes = config.Default().HumanSpot.TTLMinutes
	}
	return &Server{
		opts:    opts,
		digital: spot.NewModeSet(opts.DigitalModes),
		geo:     geo,
		cache:   cache,
		direct:  direct,
		store:   store,
		logger:  logger,
		now:     time.Now,
	}
}

// SetObserver registers a request observer.
func (s *Server) SetObserver(o Observer) {
	s.observer = o
}

// SetMetricsHandler mounts h on /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) {
	s.metrics = h
}

// SetPredictionLog sets the destination for human spot log lines.
func (s *Server) SetPredictionLog(w io.Writer) {
	s.logMu.Lock()
	s.predLog = w
	s.logMu.Unlock()
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /predict", s.instrument("predict", s.handlePredict))
	mux.Handle("POST /predict_manual", s.instrument("predict_manual", s.handlePredictManual))
	mux.Handle("GET /health", s.instrument("health", s.handleHealth))
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logf("api: listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("api: serve %s: %w", addr, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(name string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		h(rec, r)
		if s.observer != nil {
			s.observer.ObserveRequest(name, rec.code)
		}
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, errorBody{Detail: detail})
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, propagation.ErrInput):
		return http.StatusBadRequest
	case errors.Is(err, predcache.ErrBusy):
		return http.StatusServiceUnavailable
	case errors.Is(err, propagation.ErrSimulation):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// request is a decoded and resolved prediction request.
type request struct {
	PredictRequest
	freq   float64
	when   time.Time
	origin cty.Coordinate
	dest   cty.Coordinate
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (*request, bool) {
	var body PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return nil, false
	}
	body.User = spot.NormalizeCallsign(body.User)
	body.Spotter = spot.NormalizeCallsign(body.Spotter)
	body.DX = spot.NormalizeCallsign(body.DX)
	if strings.TrimSpace(body.Mode) == "" {
		body.Mode = string(spot.Analog)
	}
	if body.Frequency <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid frequency")
		return nil, false
	}
	req := &request{PredictRequest: body, freq: spot.NormalizeMHz(body.Frequency)}

	origin, okU := s.geo.Lookup(body.User)
	dest, okD := s.geo.Lookup(body.DX)
	if !okU || !okD {
		writeError(w, http.StatusBadRequest, "No coords for one callsign")
		return nil, false
	}
	req.origin, req.dest = origin, dest

	when, err := spot.ParseTimestamp(body.Timestamp, s.now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid timestamp")
		return nil, false
	}
	req.when = when
	return req, true
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	pred, cached, err := s.cache.GetOrCompute(ctx, req.origin, req.dest, req.when, req.freq, req.Mode)
	if err != nil {
		s.logf("api: predict %s->%s @ %.3f %s: %v", req.User, req.DX, req.freq, req.Mode, err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	comment := CompactComment(pred.ShortPath.Reliability, pred.LongPath.Reliability, req.Comment)

	if !s.digital.IsDigital(req.Mode) {
		if s.opts.HumanSpot.IsEnabled() {
			s.storeHumanSpot(ctx, req)
		}
		if s.opts.HumanSpot.LogPredictions {
			s.writeLog(LogLine(req.User, req.Spotter, req.DX, req.freq, FullComment(req.Comment, pred), req.Timestamp))
		}
	}

	writeJSON(w, http.StatusOK, PredictResponse{Prediction: pred, Cached: cached, NewComment: &comment})
}

// storeHumanSpot predicts spotter->DX as ANALOG through the cache and stores
// the combined record. Failures are logged; the caller's response does not
// depend on them.
func (s *Server) storeHumanSpot(ctx context.Context, req *request) {
	if s.store == nil || req.Spotter == "" {
		return
	}
	spotterCoords, ok := s.geo.Lookup(req.Spotter)
	if !ok {
		return
	}
	pred, _, err := s.cache.GetOrCompute(ctx, spotterCoords, req.dest, req.when, req.freq, string(spot.Analog))
	if err != nil {
		s.logf("api: human spot %s->%s: %v", req.Spotter, req.DX, err)
		return
	}
	freq := spot.RoundTenth(req.freq)
	payload := spotworker.Payload{
		Source:        SourceHuman,
		Spotter:       req.Spotter,
		DX:            req.DX,
		Frequency:     freq,
		Timestamp:     req.when.UTC().Format(time.RFC3339),
		SpotterCoords: &spotterCoords,
		DXCoords:      &req.dest,
		Prediction:    &pred,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logf("api: encode human spot: %v", err)
		return
	}
	key := HumanSpotKey(req.Spotter, req.DX, freq)
	ttl := time.Duration(s.opts.HumanSpot.TTLMinutes) * time.Minute
	if err := s.store.SetEX(ctx, key, string(raw), ttl); err != nil {
		s.logf("api: store %s: %v", key, err)
	}
}

// HumanSpotKey is the storage key for a human spot.
func HumanSpotKey(spotter, dx string, freqMHz float64) string {
	return fmt.Sprintf("spot:human:%s:%s:%.1f", spotter, dx, freqMHz)
}

func (s *Server) writeLog(line string) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if s.predLog == nil {
		return
	}
	if _, err := io.WriteString(s.predLog, line+"\n"); err != nil {
		s.logf("api: prediction log: %v", err)
		return
	}
	s.logf("api: logged human spot: %s", line)
}

func (s *Server) handlePredictManual(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	if s.direct == nil {
		writeError(w, http.StatusServiceUnavailable, "simulator unavailable")
		return
	}
	pred, err := s.direct.PredictBoth(r.Context(), req.origin, req.dest, req.when, req.freq, req.Mode)
	if err != nil {
		s.logf("api: predict_manual %s->%s @ %.3f %s: %v", req.User, req.DX, req.freq, req.Mode, err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, PredictResponse{Prediction: pred})
}

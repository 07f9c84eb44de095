// Package metrics exposes Prometheus counters for the simulator, the
// prediction cache, the skimmer feeds and the HTTP API.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"hfpredict/rbn"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements the observer hooks of propagation, predcache and rbn.
type Collector struct {
	gatherer prometheus.Gatherer

	SimulationDuration *prometheus.HistogramVec
	Simulations        *prometheus.CounterVec
	CacheLookups       *prometheus.CounterVec
	FeedState          *prometheus.GaugeVec
	FeedTransitions    *prometheus.CounterVec
	FeedLines          *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
}

// NewCollector registers all metrics against reg (default registerer when nil).
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	simDuration, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hfpredict_simulation_duration_seconds",
		Help:    "Wall time of one ITURHFProp run.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	}, []string{"path"}), "hfpredict_simulation_duration_seconds")
	if err != nil {
		return nil, err
	}
	sims, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hfpredict_simulations_total",
		Help: "Simulator runs by path and result.",
	}, []string{"path", "result"}), "hfpredict_simulations_total")
	if err != nil {
		return nil, err
	}
	lookups, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hfpredict_cache_lookups_total",
		Help: "Prediction cache lookups by outcome.",
	}, []string{"outcome"}), "hfpredict_cache_lookups_total")
	if err != nil {
		return nil, err
	}
	feedState, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hfpredict_feed_state",
		Help: "Current feed state (0 disconnected, 1 connecting, 2 authenticating, 3 streaming).",
	}, []string{"feed"}), "hfpredict_feed_state")
	if err != nil {
		return nil, err
	}
	transitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hfpredict_feed_transitions_total",
		Help: "Feed state transitions by target state.",
	}, []string{"feed", "state"}), "hfpredict_feed_transitions_total")
	if err != nil {
		return nil, err
	}
	lines, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hfpredict_feed_lines_total",
		Help: "Feed lines by outcome.",
	}, []string{"feed", "outcome"}), "hfpredict_feed_lines_total")
	if err != nil {
		return nil, err
	}
	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hfpredict_http_requests_total",
		Help: "API requests by handler and status code.",
	}, []string{"handler", "code"}), "hfpredict_http_requests_total")
	if err != nil {
		return nil, err
	}

	return &Collector{
		gatherer:           gatherer,
		SimulationDuration: simDuration,
		Simulations:        sims,
		CacheLookups:       lookups,
		FeedState:          feedState,
		FeedTransitions:    transitions,
		FeedLines:          lines,
		HTTPRequests:       requests,
	}, nil
}

// Handler serves the registry in the exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// ObserveSimulation records one simulator run.
func (c *Collector) ObserveSimulation(path string, elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.SimulationDuration.WithLabelValues(path).Observe(elapsed.Seconds())
	c.Simulations.WithLabelValues(path, result).Inc()
}

// ObserveLookup records a cache outcome.
func (c *Collector) ObserveLookup(outcome string) {
	if c == nil {
		return
	}
	c.CacheLookups.WithLabelValues(outcome).Inc()
}

// ObserveFeedState records a feed transition.
func (c *Collector) ObserveFeedState(feed string, state rbn.State) {
	if c == nil {
		return
	}
	c.FeedState.WithLabelValues(feed).Set(float64(state))
	c.FeedTransitions.WithLabelValues(feed, state.String()).Inc()
}

// ObserveFeedLine records the outcome of one feed line.
func (c *Collector) ObserveFeedLine(feed, outcome string) {
	if c == nil {
		return
	}
	c.FeedLines.WithLabelValues(feed, outcome).Inc()
}

// ObserveRequest records one API response.
func (c *Collector) ObserveRequest(handler string, code int) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(handler, fmt.Sprintf("%d", code)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("metrics: %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("metrics: %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("metrics: %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

// Package predcache fronts the propagation invoker with a shared cache keyed
// on binned request parameters, and makes sure that across every process
// sharing the store at most one computation per key is in flight.
package predcache

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"hfpredict/config"
	"hfpredict/cty"
	"hfpredict/spot"
)

// Options are the binning and singleflight tunables.
type Options struct {
	TTL           time.Duration
	FreqStepMHz   float64
	TimeBin       time.Duration
	CoordDecimals int
	Version       string
	DigitalModes  []string
	LockLease     time.Duration
	LockWait      time.Duration
	PollInterval  time.Duration
	PollDeadline  time.Duration
}

// OptionsFromConfig converts the YAML cache section.
func OptionsFromConfig(cfg config.CacheConfig) Options {
	return Options{
		TTL:           time.Duration(cfg.ExpireSeconds) * time.Second,
		FreqStepMHz:   cfg.FreqBinMHz,
		TimeBin:       time.Duration(cfg.TimeBinMinutes) * time.Minute,
		CoordDecimals: cfg.CoordDecimals,
		Version:       cfg.KeyVersion,
		DigitalModes:  cfg.DigitalModes,
		LockLease:     time.Duration(cfg.LockLeaseSeconds) * time.Second,
		LockWait:      time.Duration(cfg.LockWaitSeconds) * time.Second,
		PollInterval:  time.Duration(cfg.PollIntervalMS) * time.Millisecond,
		PollDeadline:  time.Duration(cfg.PollDeadlineSeconds) * time.Second,
	}
}

func (o *Options) normalize() {
	def := OptionsFromConfig(config.Default().Cache)
	if o.TTL <= 0 {
		o.TTL = def.TTL
	}
	if o.FreqStepMHz <= 0 {
		o.FreqStepMHz = def.FreqStepMHz
	}
	o.TimeBin = o.TimeBin.Truncate(time.Minute)
	if o.TimeBin < time.Minute {
		o.TimeBin = def.TimeBin
	}
	if o.TimeBin > time.Hour {
		o.TimeBin = time.Hour
	}
	if o.CoordDecimals < 0 {
		o.CoordDecimals = def.CoordDecimals
	}
	if o.Version == "" {
		o.Version = def.Version
	}
	if len(o.DigitalModes) == 0 {
		o.DigitalModes = def.DigitalModes
	}
	if o.LockLease <= 0 {
		o.LockLease = def.LockLease
	}
	if o.LockWait <= 0 {
		o.LockWait = def.LockWait
	}
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.PollDeadline <= 0 {
		o.PollDeadline = def.PollDeadline
	}
}

// Keyer derives normalized cache keys.
type Keyer struct {
	opts  Options
	modes spot.ModeSet
	// freqDecimals is how many decimals the frequency step needs when printed.
	freqDecimals int
}

// NewKeyer normalizes opts and builds a keyer.
func NewKeyer(opts Options) Keyer {
	opts.normalize()
	return Keyer{opts: opts, modes: spot.NewModeSet(opts.DigitalModes), freqDecimals: stepDecimals(opts.FreqStepMHz)}
}

func stepDecimals(step float64) int {
	s := strconv.FormatFloat(step, 'f', -1, 64)
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		return len(s) - idx - 1
	}
	return 0
}

// Class collapses mode into the class used for keys and computation.
func (k Keyer) Class(mode string) spot.ModeClass {
	return k.modes.Classify(mode)
}

// FreqBin snaps a frequency (MHz or kHz) to the nearest step.
func (k Keyer) FreqBin(freq float64) float64 {
	step := k.opts.FreqStepMHz
	return math.RoundToEven(spot.NormalizeMHz(freq)/step) * step
}

// TimeBin floors t (in UTC) to the start of its bin within the hour.
func (k Keyer) TimeBin(t time.Time) time.Time {
	t = t.UTC()
	binMin := int(k.opts.TimeBin / time.Minute)
	minute := (t.Minute() / binMin) * binMin
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), minute, 0, 0, time.UTC)
}

func (k Keyer) coord(v float64) string {
	s := strconv.FormatFloat(v, 'f', k.opts.CoordDecimals, 64)
	if strings.Trim(s, "-0.") == "" {
		// "-0.00" and "0.00" are the same bucket.
		s = strings.TrimPrefix(s, "-")
	}
	return s
}

// Key builds pred:<ver>:<lat>,<lon>-><lat>,<lon>:<f>MHz:<CLASS>:<YYYYMMDDTHHMMZ>.
func (k Keyer) Key(origin, dest cty.Coordinate, t time.Time, freq float64, mode string) string {
	return fmt.Sprintf("pred:%s:%s,%s->%s,%s:%sMHz:%s:%s",
		k.opts.Version,
		k.coord(origin.Lat), k.coord(origin.Lon),
		k.coord(dest.Lat), k.coord(dest.Lon),
		strconv.FormatFloat(k.FreqBin(freq), 'f', k.freqDecimals, 64),
		k.Class(mode),
		k.TimeBin(t).Format("20060102T1504Z"),
	)
}

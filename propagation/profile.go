// Package propagation drives the external ITURHFProp simulator for one
// circuit at a time and turns its report into a PathResult: a single
// reliability percentage chosen from BCR or OCR, penalized by how far the
// achieved SNR falls short of what the modulation needs.
package propagation

import (
	"errors"
	"math"

	"hfpredict/spot"
)

var (
	// ErrSimulation covers subprocess failures and unusable reports.
	ErrSimulation = errors.New("propagation: simulation failed")
	// ErrInput covers requests the simulator cannot be asked about.
	ErrInput = errors.New("propagation: invalid input")
)

// PathType selects the great-circle route.
type PathType string

const (
	ShortPath PathType = "SHORTPATH"
	LongPath  PathType = "LONGPATH"
)

const (
	MetricBCR = "BCR"
	MetricOCR = "OCR"
)

// Profile is the fixed simulator parameter set for one mode class.
type Profile struct {
	Class               spot.ModeClass
	BandwidthHz         float64
	RequiredSNR         float64
	RequiredSIR         float64
	Percentile          int
	RequiredReliability int
	// ReportOCR enables the SIR/OCR columns and OCR metric selection.
	ReportOCR bool
}

var (
	digitalProfile = Profile{
		Class:               spot.Digital,
		BandwidthHz:         2500,
		RequiredSNR:         -12,
		RequiredSIR:         8,
		Percentile:          50,
		RequiredReliability: 90,
	}
	analogProfile = Profile{
		Class:               spot.Analog,
		BandwidthHz:         2700,
		RequiredSNR:         22,
		RequiredSIR:         15,
		Percentile:          50,
		RequiredReliability: 90,
		ReportOCR:           true,
	}
)

// ProfileFor returns the profile of a mode label.
func ProfileFor(mode string) Profile {
	if spot.SimulatorClass(mode) == spot.Digital {
		return digitalProfile
	}
	return analogProfile
}

// ReportFormat is the RptFileFormat selector for the profile.
func (p Profile) ReportFormat() string {
	if p.ReportOCR {
		return "RPT_SNRXX | RPT_SIRXX | RPT_BCR | RPT_OCR"
	}
	return "RPT_SNRXX | RPT_BCR"
}

// PathResult is the outcome for one route.
type PathResult struct {
	SNR         int      `json:"snr"`
	Reliability int      `json:"reliability"`
	Metric      string   `json:"metric"`
	BCR         int      `json:"bcr"`
	OCR         *int     `json:"ocr"`
	SIR         *float64 `json:"sir"`
	SNRMarginDB float64  `json:"snr_margin_db"`
}

// Prediction pairs the short and long path results.
type Prediction struct {
	ShortPath PathResult `json:"short_path"`
	LongPath  PathResult `json:"long_path"`
}

// ReportValues are the raw numbers read from a simulator report.
type ReportValues struct {
	SNR float64
	BCR float64
	OCR *float64
	SIR *float64
}

const sirSentinel = -307.0

// SIRValid rejects out-of-range readings and the simulator's -307 filler.
func SIRValid(sir float64) bool {
	return sir > -100 && sir < 200 && math.Abs(sir-sirSentinel) > 1e-3
}

// MarginPenalty scales base reliability by the SNR margin tier.
func MarginPenalty(base, margin float64) float64 {
	switch {
	case margin >= 0:
		return base
	case margin >= -3:
		return base * 0.6
	case margin >= -6:
		return base * 0.3
	default:
		return 0
	}
}

// Evaluate applies metric selection, the margin penalty and an optional Kp
// factor (nil when not applied) to raw report values.
func Evaluate(p Profile, v ReportValues, kpFactor *float64) PathResult {
	sirValid := v.SIR != nil && SIRValid(*v.SIR)

	metric, base := MetricBCR, v.BCR
	if p.Class == spot.Analog && sirValid && v.OCR != nil {
		metric, base = MetricOCR, *v.OCR
	}

	margin := v.SNR - p.RequiredSNR
	reliability := MarginPenalty(base, margin)
	if kpFactor != nil {
		reliability *= *kpFactor
	}

	res := PathResult{
		SNR:         roundInt(v.SNR),
		Reliability: roundInt(reliability),
		Metric:      metric,
		BCR:         roundInt(v.BCR),
		SNRMarginDB: roundTenth(margin),
	}
	if v.OCR != nil {
		ocr := roundInt(*v.OCR)
		res.OCR = &ocr
	}
	if sirValid {
		sir := roundTenth(*v.SIR)
		res.SIR = &sir
	}
	return res
}

func roundInt(v float64) int {
	return int(math.RoundToEven(v))
}

func roundTenth(v float64) float64 {
	return math.RoundToEven(v*10) / 10
}

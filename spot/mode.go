package spot

import "strings"

// ModeClass is the two-way collapse of an operating mode.
type ModeClass string

const (
	Digital ModeClass = "DIGITAL"
	Analog  ModeClass = "ANALOG"
)

// DefaultSimulatorModes are the labels the simulator profile treats as digital.
var DefaultSimulatorModes = []string{"DIGI", "DIGITAL", "FT8", "FT4"}

// DefaultCacheModes are the labels the prediction cache collapses to DIGITAL
// when building keys. Keeping submodes in one class lets FT8 and RTTY
// requests share an entry.
var DefaultCacheModes = []string{"DIGI", "DIGITAL", "FT8", "FT4", "RTTY", "PSK", "CW"}

// ModeSet is an immutable, case-insensitive set of digital labels.
type ModeSet struct {
	labels map[string]struct{}
}

// NewModeSet builds a set from labels; blanks are ignored.
func NewModeSet(labels []string) ModeSet {
	set := ModeSet{labels: make(map[string]struct{}, len(labels))}
	for _, label := range labels {
		label = strings.ToUpper(strings.TrimSpace(label))
		if label == "" {
			continue
		}
		set.labels[label] = struct{}{}
	}
	return set
}

// IsDigital reports exact (case-insensitive) membership.
func (s ModeSet) IsDigital(mode string) bool {
	_, ok := s.labels[strings.ToUpper(strings.TrimSpace(mode))]
	return ok
}

// Classify maps a mode label onto DIGITAL or ANALOG.
func (s ModeSet) Classify(mode string) ModeClass {
	if s.IsDigital(mode) {
		return Digital
	}
	return Analog
}

// Len returns the number of labels.
func (s ModeSet) Len() int {
	return len(s.labels)
}

var simulatorModes = NewModeSet(DefaultSimulatorModes)

// SimulatorClass classifies mode the way the propagation profiles do.
func SimulatorClass(mode string) ModeClass {
	return simulatorModes.Classify(mode)
}

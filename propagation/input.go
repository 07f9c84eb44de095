package propagation

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"hfpredict/cty"
)

// Environment holds the station and installation constants written into
// every input file.
type Environment struct {
	TXGainDB     float64
	RXGainDB     float64
	TXPowerDBW   float64
	ManMadeNoise string
	DataPath     string
	ReportPath   string
}

// Circuit is one fully-resolved simulator request.
type Circuit struct {
	Path         PathType
	TX           cty.Coordinate
	RX           cty.Coordinate
	Time         time.Time
	FrequencyMHz float64
	SSN          int
	Profile      Profile
}

// num prints floats the way the simulator examples do: integral values keep
// a trailing ".0".
func num(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") && !math.IsInf(v, 0) && !math.IsNaN(v) {
		s += ".0"
	}
	return s
}

// RenderInput produces the ITURHFProp input file for c.
func RenderInput(c Circuit, env Environment) string {
	var b strings.Builder
	line := func(key, value string) {
		b.WriteString(key)
		b.WriteByte(' ')
		b.WriteString(value)
		b.WriteByte('\n')
	}
	quoted := func(key, value string) { line(key, strconv.Quote(value)) }

	t := c.Time.UTC()
	p := c.Profile

	quoted("PathName", "HF P2P Prediction")
	quoted("PathTXName", "TX")
	line("Path.L_tx.lat", num(c.TX.Lat))
	line("Path.L_tx.lng", num(c.TX.Lon))
	quoted("TXAntFilePath", "ISOTROPIC")
	line("TXGOS", num(env.TXGainDB))
	quoted("PathRXName", "RX")
	line("Path.L_rx.lat", num(c.RX.Lat))
	line("Path.L_rx.lng", num(c.RX.Lon))
	quoted("RXAntFilePath", "ISOTROPIC")
	line("RXGOS", num(env.RXGainDB))
	quoted("AntennaOrientation", "TX2RX")
	line("TXBearing", "0.0")
	line("RXBearing", "0.0")
	line("Path.year", strconv.Itoa(t.Year()))
	line("Path.month", strconv.Itoa(int(t.Month())))
	line("Path.hour", strconv.Itoa(t.Hour()))
	line("Path.SSN", strconv.Itoa(c.SSN))
	line("Path.frequency", num(c.FrequencyMHz))
	line("Path.txpower", num(env.TXPowerDBW))
	line("Path.BW", num(p.BandwidthHz))
	line("Path.SNRr", num(p.RequiredSNR))
	line("Path.Relr", strconv.Itoa(p.RequiredReliability))
	line("Path.SNRXXp", strconv.Itoa(p.Percentile))
	line("Path.SIRr", num(p.RequiredSIR))
	line("Path.type", "1")
	line("Path.tx_mode", "0")
	quoted("Path.SorL", string(c.Path))
	quoted("Path.ManMadeNoise", env.ManMadeNoise)
	quoted("Path.Modulation", string(p.Class))
	// The receiver area collapses to the single RX point.
	for _, corner := range []string{"LL", "LR", "UL", "UR"} {
		line(corner+".lat", num(c.RX.Lat))
		line(corner+".lng", num(c.RX.Lon))
	}
	line("latinc", "1.0")
	line("lnginc", "1.0")
	quoted("DataFilePath", env.DataPath)
	quoted("RptFilePath", env.ReportPath)
	quoted("RptFileFormat", p.ReportFormat())
	return b.String()
}

// ParseReport reads the header row and the last data row of a report.
func ParseReport(data []byte) (ReportValues, error) {
	var lines []string
	for _, ln := range strings.Split(string(data), "\n") {
		if s := strings.TrimSpace(ln); s != "" {
			lines = append(lines, s)
		}
	}
	if len(lines) < 2 {
		return ReportValues{}, fmt.Errorf("%w: empty report", ErrSimulation)
	}
	header := strings.Split(lines[0], ",")
	row := strings.Split(lines[len(lines)-1], ",")
	idx := make(map[string]int, len(header))
	for i, name := range header {
		name = strings.TrimSpace(name)
		if _, dup := idx[name]; !dup {
			idx[name] = i
		}
	}
	field := func(names ...string) (*float64, error) {
		for _, name := range names {
			i, ok := idx[name]
			if !ok {
				continue
			}
			if i >= len(row) {
				return nil, fmt.Errorf("%w: row too short for %s", ErrSimulation, name)
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(row[i]), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s=%q: %v", ErrSimulation, name, row[i], err)
			}
			return &v, nil
		}
		return nil, nil
	}

	var out ReportValues
	snr, err := field("SNRXXp", "SNR")
	if err != nil {
		return ReportValues{}, err
	}
	bcr, err := field("BCR")
	if err != nil {
		return ReportValues{}, err
	}
	if out.OCR, err = field("OCR"); err != nil {
		return ReportValues{}, err
	}
	if out.SIR, err = field("SIRXXp", "SIR"); err != nil {
		return ReportValues{}, err
	}
	if snr == nil || bcr == nil {
		return ReportValues{}, fmt.Errorf("%w: report lacks SNR or BCR", ErrSimulation)
	}
	out.SNR, out.BCR = *snr, *bcr
	return out, nil
}

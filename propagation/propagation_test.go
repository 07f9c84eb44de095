package propagation

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"hfpredict/config"
	"hfpredict/cty"
)

func f(v float64) *float64 { return &v }

func TestEvaluateDigitalUsesBCR(t *testing.T) {
	res := Evaluate(ProfileFor("FT8"), ReportValues{SNR: -10, BCR: 70, OCR: f(80), SIR: f(12)}, nil)
	if res.Metric != MetricBCR {
		t.Fatalf("expected BCR metric, got %s", res.Metric)
	}
	if res.SNRMarginDB != 2 {
		t.Fatalf("expected margin +2, got %v", res.SNRMarginDB)
	}
	if res.Reliability != 70 {
		t.Fatalf("expected unpenalized 70, got %d", res.Reliability)
	}
	if res.SNR != -10 || res.BCR != 70 {
		t.Fatalf("unexpected raw fields %+v", res)
	}
}

func TestEvaluateAnalogPrefersOCR(t *testing.T) {
	res := Evaluate(ProfileFor("SSB"), ReportValues{SNR: 18, BCR: 70, OCR: f(80), SIR: f(12)}, nil)
	if res.Metric != MetricOCR {
		t.Fatalf("expected OCR metric, got %s", res.Metric)
	}
	if res.SNRMarginDB != -4 {
		t.Fatalf("expected margin -4, got %v", res.SNRMarginDB)
	}
	if res.Reliability != 24 {
		t.Fatalf("expected 80*0.3=24, got %d", res.Reliability)
	}
	if res.OCR == nil || *res.OCR != 80 || res.SIR == nil || *res.SIR != 12 {
		t.Fatalf("expected OCR/SIR diagnostics, got %+v", res)
	}
}

func TestEvaluateAnalogFallsBackWithoutValidSIR(t *testing.T) {
	res := Evaluate(ProfileFor("CW"), ReportValues{SNR: 30, BCR: 55, OCR: f(90), SIR: f(-307)}, nil)
	if res.Metric != MetricBCR || res.Reliability != 55 {
		t.Fatalf("expected BCR fallback 55, got %s %d", res.Metric, res.Reliability)
	}
	if res.SIR != nil {
		t.Fatalf("invalid SIR should be omitted, got %v", *res.SIR)
	}
	res = Evaluate(ProfileFor("CW"), ReportValues{SNR: 30, BCR: 55, SIR: f(20)}, nil)
	if res.Metric != MetricBCR {
		t.Fatalf("expected BCR when OCR missing, got %s", res.Metric)
	}
}

func TestSIRValid(t *testing.T) {
	cases := map[float64]bool{
		-307.0:   false,
		-307.0005: false,
		150.0:    true,
		12.0:     true,
		-100.0:   false,
		200.0:    false,
		-99.9:    true,
	}
	for sir, want := range cases {
		if got := SIRValid(sir); got != want {
			t.Fatalf("SIRValid(%v) = %v, want %v", sir, got, want)
		}
	}
}

func TestMarginPenaltyMonotonic(t *testing.T) {
	base := 80.0
	prev := MarginPenalty(base, 10)
	for m := 10.0; m >= -12; m -= 0.5 {
		got := MarginPenalty(base, m)
		if got > prev {
			t.Fatalf("penalty increased at margin %v: %v > %v", m, got, prev)
		}
		prev = got
	}
	if MarginPenalty(base, -6.01) != 0 {
		t.Fatalf("expected zero below -6")
	}
	if MarginPenalty(base, -6) != 24 || MarginPenalty(base, -3) != 48 || MarginPenalty(base, 0) != 80 {
		t.Fatalf("tier boundaries not inclusive at the upper edge")
	}
}

func TestEvaluateKpFactor(t *testing.T) {
	res := Evaluate(ProfileFor("FT8"), ReportValues{SNR: 0, BCR: 70}, f(0.5))
	if res.Reliability != 35 {
		t.Fatalf("expected 35, got %d", res.Reliability)
	}
}

func TestEvaluateRoundsHalfToEven(t *testing.T) {
	res := Evaluate(ProfileFor("FT8"), ReportValues{SNR: -9.5, BCR: 70.5}, nil)
	if res.SNR != -10 || res.BCR != 70 || res.Reliability != 70 {
		t.Fatalf("unexpected rounding %+v", res)
	}
}

func TestParseReport(t *testing.T) {
	report := "Month,Hour,SNRXXp,SIRXXp,BCR,OCR\n\n1,10,5.0,1.0,40,45\n3,18, 12.4 ,-307.0,61.2,70.8\n\n"
	v, err := ParseReport([]byte(report))
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}
	if v.SNR != 12.4 || v.BCR != 61.2 {
		t.Fatalf("expected last row values, got %+v", v)
	}
	if v.OCR == nil || *v.OCR != 70.8 || v.SIR == nil || *v.SIR != -307 {
		t.Fatalf("unexpected optionals %+v", v)
	}
}

func TestParseReportFallsBackToRawColumns(t *testing.T) {
	v, err := ParseReport([]byte("SNR,SIR,BCR\n-3,9.5,22\n"))
	if err != nil {
		t.Fatalf("ParseReport: %v", err)
	}
	if v.SNR != -3 || v.SIR == nil || *v.SIR != 9.5 || v.OCR != nil {
		t.Fatalf("unexpected values %+v", v)
	}
}

func TestParseReportFailures(t *testing.T) {
	for name, report := range map[string]string{
		"empty":      "",
		"headerOnly": "SNRXXp,BCR\n",
		"missingBCR": "SNRXXp,OCR\n1,2\n",
		"missingSNR": "BCR,OCR\n1,2\n",
		"garbage":    "SNRXXp,BCR\nabc,2\n",
		"shortRow":   "SNRXXp,BCR\n1\n",
	} {
		if _, err := ParseReport([]byte(report)); !errors.Is(err, ErrSimulation) {
			t.Fatalf("%s: expected ErrSimulation, got %v", name, err)
		}
	}
}

func TestRenderInput(t *testing.T) {
	c := Circuit{
		Path:         LongPath,
		TX:           cty.Coordinate{Lat: 40.4, Lon: -3.7},
		RX:           cty.Coordinate{Lat: 51, Lon: 10},
		Time:         time.Date(2025, 3, 14, 18, 42, 0, 0, time.UTC),
		FrequencyMHz: 14.074,
		SSN:          134,
		Profile:      ProfileFor("FT8"),
	}
	env := Environment{TXGainDB: 6, RXGainDB: 6, TXPowerDBW: 20, ManMadeNoise: "RESIDENTIAL", DataPath: "/opt/iturhf/data/", ReportPath: "/tmp/"}
	out := RenderInput(c, env)
	for _, want := range []string{
		`PathName "HF P2P Prediction"`,
		"Path.L_tx.lat 40.4\n",
		"Path.L_rx.lat 51.0\n",
		"TXGOS 6.0\n",
		"Path.year 2025\n",
		"Path.month 3\n",
		"Path.hour 18\n",
		"Path.SSN 134\n",
		"Path.frequency 14.074\n",
		"Path.txpower 20.0\n",
		"Path.BW 2500.0\n",
		"Path.SNRr -12.0\n",
		"Path.Relr 90\n",
		"Path.SNRXXp 50\n",
		"Path.SIRr 8.0\n",
		`Path.SorL "LONGPATH"`,
		`Path.Modulation "DIGITAL"`,
		"UR.lng 10.0\n",
		`RptFileFormat "RPT_SNRXX | RPT_BCR"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("input missing %q:\n%s", want, out)
		}
	}
	c.Profile = ProfileFor("SSB")
	if out := RenderInput(c, env); !strings.Contains(out, `RptFileFormat "RPT_SNRXX | RPT_SIRXX | RPT_BCR | RPT_OCR"`) {
		t.Fatalf("analog report format missing:\n%s", out)
	}
}

type fakeWx struct {
	ssn    int
	factor float64
	adjust bool
}

func (w fakeWx) EffectiveSSN(context.Context, time.Time) int { return w.ssn }
func (w fakeWx) KpFactor(context.Context) (float64, bool)    { return w.factor, w.adjust }

type fakeRunner struct {
	report string
	err    error
	block  bool
	inputs []string
	paths  []string
}

func (r *fakeRunner) Run(ctx context.Context, binary string, args ...string) ([]byte, error) {
	if len(args) != 5 || args[0] != "-s" || args[1] != "-c" || args[2] != "-t" {
		return nil, errors.New("unexpected args")
	}
	in, err := os.ReadFile(args[3])
	if err != nil {
		return nil, err
	}
	r.inputs = append(r.inputs, string(in))
	r.paths = append(r.paths, args[3], args[4])
	if r.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.err != nil {
		return []byte("boom"), r.err
	}
	return nil, os.WriteFile(args[4], []byte(r.report), 0o644)
}

func testInvoker(t *testing.T, runner *fakeRunner, wx SpaceWeather) *Invoker {
	t.Helper()
	cfg := config.Default().Propagation
	cfg.TempDir = t.TempDir()
	inv := NewInvoker(cfg, wx, nil)
	inv.SetRunner(runner)
	return inv
}

func TestPredictBothRunsBothPaths(t *testing.T) {
	runner := &fakeRunner{report: "SNRXXp,BCR\n-10,70\n"}
	inv := testInvoker(t, runner, fakeWx{ssn: 87})
	pred, err := inv.PredictBoth(context.Background(), cty.Coordinate{Lat: 40.4, Lon: -3.7}, cty.Coordinate{Lat: 51, Lon: 10},
		time.Date(2025, 3, 14, 18, 0, 0, 0, time.UTC), 14074, "FT8")
	if err != nil {
		t.Fatalf("PredictBoth: %v", err)
	}
	if pred.ShortPath.Reliability != 70 || pred.LongPath.Metric != MetricBCR {
		t.Fatalf("unexpected prediction %+v", pred)
	}
	if len(runner.inputs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runner.inputs))
	}
	if !strings.Contains(runner.inputs[0], `Path.SorL "SHORTPATH"`) || !strings.Contains(runner.inputs[1], `Path.SorL "LONGPATH"`) {
		t.Fatalf("expected short then long path")
	}
	if !strings.Contains(runner.inputs[0], "Path.frequency 14.074\n") || !strings.Contains(runner.inputs[0], "Path.SSN 87\n") {
		t.Fatalf("expected kHz normalization and SSN in input:\n%s", runner.inputs[0])
	}
	for _, p := range runner.paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("temp file %s not removed", p)
		}
	}
}

func TestInvokeAppliesKpFactor(t *testing.T) {
	runner := &fakeRunner{report: "SNRXXp,BCR\n0,70\n"}
	inv := testInvoker(t, runner, fakeWx{ssn: 100, factor: 0.5, adjust: true})
	res, err := inv.Invoke(context.Background(), ShortPath, cty.Coordinate{}, cty.Coordinate{Lat: 1}, time.Now(), 7.0, "DIGITAL")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Reliability != 35 {
		t.Fatalf("expected 35, got %d", res.Reliability)
	}
}

func TestInvokeFailures(t *testing.T) {
	ctx := context.Background()
	a, b := cty.Coordinate{}, cty.Coordinate{Lat: 1}

	inv := testInvoker(t, &fakeRunner{err: errors.New("exit status 1")}, nil)
	if _, err := inv.Invoke(ctx, ShortPath, a, b, time.Now(), 14, "CW"); !errors.Is(err, ErrSimulation) {
		t.Fatalf("expected ErrSimulation for exit failure, got %v", err)
	}

	inv = testInvoker(t, &fakeRunner{report: "SNRXXp\n1\n"}, nil)
	if _, err := inv.Invoke(ctx, ShortPath, a, b, time.Now(), 14, "CW"); !errors.Is(err, ErrSimulation) {
		t.Fatalf("expected ErrSimulation for missing BCR, got %v", err)
	}

	if _, err := inv.Invoke(ctx, ShortPath, a, b, time.Now(), 0, "CW"); !errors.Is(err, ErrInput) {
		t.Fatalf("expected ErrInput for zero frequency, got %v", err)
	}
}

func TestInvokeTimesOut(t *testing.T) {
	runner := &fakeRunner{block: true}
	cfg := config.Default().Propagation
	cfg.TempDir = t.TempDir()
	cfg.TimeoutSeconds = 1
	inv := NewInvoker(cfg, nil, nil)
	inv.SetRunner(runner)
	start := time.Now()
	_, err := inv.Invoke(context.Background(), ShortPath, cty.Coordinate{}, cty.Coordinate{Lat: 1}, time.Now(), 14, "CW")
	if !errors.Is(err, ErrSimulation) {
		t.Fatalf("expected ErrSimulation on timeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout not enforced")
	}
}

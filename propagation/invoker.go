package propagation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"os/exec"
	"time"

	"hfpredict/config"
	"hfpredict/cty"
	"hfpredict/spot"
)

// Runner executes the simulator binary.
type Runner interface {
	Run(ctx context.Context, binary string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, binary string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, binary, args...).CombinedOutput()
}

// SpaceWeather supplies the sunspot number and optional Kp factor.
type SpaceWeather interface {
	EffectiveSSN(ctx context.Context, t time.Time) int
	KpFactor(ctx context.Context) (float64, bool)
}

// Observer receives one callback per simulator run.
type Observer interface {
	ObserveSimulation(path string, elapsed time.Duration, err error)
}

// Invoker runs one simulator subprocess per path.
type Invoker struct {
	cfg      config.PropagationConfig
	env      Environment
	wx       SpaceWeather
	runner   Runner
	observer Observer
	logger   *log.Logger
}

// NewInvoker builds an invoker. wx may be nil, in which case SSN 100 is used
// and no Kp adjustment applies.
func NewInvoker(cfg config.PropagationConfig, wx SpaceWeather, logger *log.Logger) *Invoker {
	return &Invoker{
		cfg: cfg,
		env: Environment{
			TXGainDB:     cfg.AntennaGainDB,
			RXGainDB:     cfg.AntennaGainDB,
			TXPowerDBW:   cfg.TXPowerDBW,
			ManMadeNoise: cfg.ManMadeNoise,
			DataPath:     cfg.DataPath,
			ReportPath:   cfg.ReportPath,
		},
		wx:     wx,
		runner: execRunner{},
		logger: logger,
	}
}

// SetRunner replaces the subprocess runner.
func (inv *Invoker) SetRunner(r Runner) {
	inv.runner = r
}

// SetObserver registers a per-run callback.
func (inv *Invoker) SetObserver(o Observer) {
	inv.observer = o
}

func (inv *Invoker) logf(format string, args ...any) {
	if inv.logger != nil {
		inv.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

const defaultSSN = 100

// PredictBoth evaluates the short path and then the long path.
func (inv *Invoker) PredictBoth(ctx context.Context, origin, dest cty.Coordinate, t time.Time, freq float64, mode string) (Prediction, error) {
	sp, err := inv.Invoke(ctx, ShortPath, origin, dest, t, freq, mode)
	if err != nil {
		return Prediction{}, err
	}
	lp, err := inv.Invoke(ctx, LongPath, origin, dest, t, freq, mode)
	if err != nil {
		return Prediction{}, err
	}
	return Prediction{ShortPath: sp, LongPath: lp}, nil
}

// Invoke runs the simulator for one path.
func (inv *Invoker) Invoke(ctx context.Context, path PathType, origin, dest cty.Coordinate, t time.Time, freq float64, mode string) (PathResult, error) {
	if math.IsNaN(freq) || math.IsInf(freq, 0) || freq <= 0 {
		return PathResult{}, fmt.Errorf("%w: frequency %v", ErrInput, freq)
	}
	ssn := defaultSSN
	if inv.wx != nil {
		ssn = inv.wx.EffectiveSSN(ctx, t)
	}
	circuit := Circuit{
		Path:         path,
		TX:           origin,
		RX:           dest,
		Time:         t,
		FrequencyMHz: spot.NormalizeMHz(freq),
		SSN:          ssn,
		Profile:      ProfileFor(mode),
	}

	start := time.Now()
	values, err := inv.simulate(ctx, circuit)
	if inv.observer != nil {
		inv.observer.ObserveSimulation(string(path), time.Since(start), err)
	}
	if err != nil {
		return PathResult{}, err
	}

	var kp *float64
	if inv.wx != nil {
		if factor, ok := inv.wx.KpFactor(ctx); ok {
			kp = &factor
		}
	}
	res := Evaluate(circuit.Profile, values, kp)
	if kp != nil {
		inv.logf("propagation: Kp factor=%.2f -> rel=%d", *kp, res.Reliability)
	}
	return res, nil
}

func (inv *Invoker) simulate(ctx context.Context, c Circuit) (ReportValues, error) {
	in, err := os.CreateTemp(inv.cfg.TempDir, "iturhf-*.in")
	if err != nil {
		return ReportValues{}, fmt.Errorf("%w: create input: %v", ErrSimulation, err)
	}
	inPath := in.Name()
	defer os.Remove(inPath)
	out, err := os.CreateTemp(inv.cfg.TempDir, "iturhf-*.out")
	if err != nil {
		in.Close()
		return ReportValues{}, fmt.Errorf("%w: create report: %v", ErrSimulation, err)
	}
	outPath := out.Name()
	out.Close()
	defer os.Remove(outPath)

	if _, err := in.WriteString(RenderInput(c, inv.env)); err != nil {
		in.Close()
		return ReportValues{}, fmt.Errorf("%w: write input: %v", ErrSimulation, err)
	}
	if err := in.Close(); err != nil {
		return ReportValues{}, fmt.Errorf("%w: close input: %v", ErrSimulation, err)
	}
	inv.logf("propagation: %s SSN=%d %.3f MHz %s", c.Path, c.SSN, c.FrequencyMHz, c.Profile.Class)

	runCtx := ctx
	if timeout := inv.cfg.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	output, err := inv.runner.Run(runCtx, inv.cfg.Binary, "-s", "-c", "-t", inPath, outPath)
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return ReportValues{}, fmt.Errorf("%w: %s timed out after %s", ErrSimulation, c.Path, inv.cfg.Timeout())
		}
		inv.logf("propagation: simulator failed for %s: %v: %s", c.Path, err, output)
		return ReportValues{}, fmt.Errorf("%w: %s: %v", ErrSimulation, c.Path, err)
	}
	report, err := os.ReadFile(outPath)
	if err != nil {
		return ReportValues{}, fmt.Errorf("%w: read report: %v", ErrSimulation, err)
	}
	values, err := ParseReport(report)
	if err != nil {
		return ReportValues{}, fmt.Errorf("%s: %w", c.Path, err)
	}
	return values, nil
}

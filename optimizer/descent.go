package optimizer

import (
	"log"
	"math"
	"time"

	"github.jpl.nasa.gov/bdube/iqcal/upconv"
)

const (
	// step decay after a rejected move
	imbalanceDecay = 2.
	dcDecay        = 1.2
)

// DescentConfig holds the step sizes, stopping rules and timing of a
// GradientDescent
type DescentConfig struct {
	// PhaseStep (degrees), QStep, DCIStep and DCQStep (volts) are the initial
	// finite difference deltas, also used to scale the update
	PhaseStep float64
	QStep     float64
	DCIStep   float64
	DCQStep   float64

	// MinPower is the noise floor in dBm; a descent stops once it is reached
	MinPower float64

	// MaxIterations bounds the number of gradient steps of a single descent
	MaxIterations int

	// Margin is how far above MinPower (dB) a descent may end without being
	// restarted from its optimum
	Margin float64

	// MaxRetries bounds the number of warm restarts per parameter group
	MaxRetries int

	// Averages is the number of marker reads averaged per evaluation
	Averages int

	// PointSettle is waited after every write
	PointSettle time.Duration

	// MarkerSettle is waited before parking each marker
	MarkerSettle time.Duration
}

// DefaultDescentConfig returns conservative steps for a chain with ~0.5 V
// branch amplitudes
func DefaultDescentConfig() DescentConfig {
	return DescentConfig{
		PhaseStep:     1,
		QStep:         0.01,
		DCIStep:       0.5e-3,
		DCQStep:       0.5e-3,
		MinPower:      -85,
		MaxIterations: 50,
		Margin:        7.5,
		MaxRetries:    3,
		Averages:      1,
		PointSettle:   100 * time.Millisecond,
		MarkerSettle:  time.Second,
	}
}

// Objective is a scalar function of one 2-parameter group, in dBm
type Objective interface {
	Measure(x [2]float64) (float64, error)
}

// ObjectiveFunc adapts a function to an Objective
type ObjectiveFunc func(x [2]float64) (float64, error)

// Measure calls f(x)
func (f ObjectiveFunc) Measure(x [2]float64) (float64, error) {
	return f(x)
}

// Descent configures a single finite difference descent
type Descent struct {
	// Step is the initial step for each parameter
	Step [2]float64

	// Decay divides Step after a rejected move
	Decay float64

	// MinPower stops the descent once reached
	MinPower float64

	// MaxIterations bounds the number of gradient steps
	MaxIterations int
}

// Iteration is one gradient step of a descent
type Iteration struct {
	// Step is the step size the iteration was made with
	Step [2]float64

	// Power is the incumbent power after the iteration
	Power float64

	Accepted bool
}

// DescentRun is the trace of one descent
type DescentRun struct {
	Start      [2]float64
	StartPower float64
	X          [2]float64
	Power      float64
	Steps      []Iteration
}

// Descend walks obj downhill from x0.  Each iteration estimates the gradient
// with central differences g_i = (f(x+s_i) - f(x-s_i))/2 and proposes x - g∘s.
// The proposal is kept only if it measures strictly lower; otherwise both
// steps are divided by d.Decay.
func Descend(obj Objective, x0 [2]float64, d Descent) (DescentRun, error) {
	run := DescentRun{Start: x0, X: x0}
	p, err := obj.Measure(x0)
	if err != nil {
		return run, err
	}
	run.StartPower, run.Power = p, p
	step := d.Step
	for it := 0; it < d.MaxIterations && run.Power > d.MinPower; it++ {
		var grad [2]float64
		for i := range grad {
			plus, minus := run.X, run.X
			plus[i] += step[i]
			minus[i] -= step[i]
			pp, err := obj.Measure(plus)
			if err != nil {
				return run, err
			}
			pm, err := obj.Measure(minus)
			if err != nil {
				return run, err
			}
			grad[i] = (pp - pm) / 2
		}
		prop := [2]float64{run.X[0] - grad[0]*step[0], run.X[1] - grad[1]*step[1]}
		pn := math.Inf(1)
		if finite(prop) {
			pn, err = obj.Measure(prop)
			if err != nil {
				return run, err
			}
		}
		iter := Iteration{Step: step}
		if pn < run.Power {
			run.X, run.Power = prop, pn
			iter.Accepted = true
		} else {
			step[0] /= d.Decay
			step[1] /= d.Decay
		}
		iter.Power = run.Power
		run.Steps = append(run.Steps, iter)
	}
	return run, nil
}

// Retry runs Descend from x0 and, while the best power is more than margin
// above d.MinPower, restarts it from the best point found with the initial
// steps, at most maxRetries times.  The best run and every run made are
// returned.
func Retry(obj Objective, x0 [2]float64, d Descent, margin float64, maxRetries int) (DescentRun, []DescentRun, error) {
	best, err := Descend(obj, x0, d)
	if err != nil {
		return best, nil, err
	}
	runs := []DescentRun{best}
	for r := 0; r < maxRetries && best.Power > d.MinPower+margin; r++ {
		run, err := Descend(obj, best.X, d)
		if err != nil {
			return best, runs, err
		}
		runs = append(runs, run)
		if run.Power < best.Power {
			best = run
		}
	}
	return best, runs, nil
}

// markerObjective measures a marker after applying a 2-parameter group.
// Points rejected by valid measure +Inf without touching the hardware.
type markerObjective struct {
	marker   upconv.Marker
	apply    func(x [2]float64) error
	valid    func(x [2]float64) bool
	settle   time.Duration
	averages int
}

func (o markerObjective) Measure(x [2]float64) (float64, error) {
	if !o.valid(x) {
		return math.Inf(1), nil
	}
	if err := o.apply(x); err != nil {
		return 0, err
	}
	sleep(o.settle)
	return averagePower(o.marker, o.averages)
}

// GradientDescent is the finite difference optimizer with warm restarts
type GradientDescent struct {
	Hardware
	Config DescentConfig

	// Logger receives progress messages; nil logs to the standard logger
	Logger *log.Logger
}

// NewGradientDescent returns a GradientDescent with DefaultDescentConfig
func NewGradientDescent(hw Hardware) *GradientDescent {
	return &GradientDescent{Hardware: hw, Config: DefaultDescentConfig()}
}

func (c DescentConfig) imbalance() Descent {
	return Descent{
		Step:          [2]float64{c.PhaseStep, c.QStep},
		Decay:         imbalanceDecay,
		MinPower:      c.MinPower,
		MaxIterations: c.MaxIterations,
	}
}

func (c DescentConfig) dc() Descent {
	return Descent{
		Step:          [2]float64{c.DCIStep, c.DCQStep},
		Decay:         dcDecay,
		MinPower:      c.MinPower,
		MaxIterations: c.MaxIterations,
	}
}

// descendStage runs Retry on one parameter group, leaves the hardware at the
// best point and summarizes the runs
func descendStage(name string, obj markerObjective, x0 [2]float64, d Descent, cfg DescentConfig, l *log.Logger) ([2]float64, StageResult, error) {
	best, runs, err := Retry(obj, x0, d, cfg.Margin, cfg.MaxRetries)
	if err != nil {
		return x0, StageResult{Name: name}, err
	}
	if err = obj.apply(best.X); err != nil {
		return best.X, StageResult{Name: name}, err
	}
	res := StageResult{
		Name:      name,
		BestPower: best.Power,
		Converged: best.Power <= cfg.MinPower+cfg.Margin,
		Runs:      runs,
	}
	if res.Converged {
		l.Printf("%s descent reached %.2f dBm after %d run(s)", name, best.Power, len(runs))
	} else {
		l.Printf("%s descent stalled at %.2f dBm after %d run(s)", name, best.Power, len(runs))
	}
	return best.X, res, nil
}

func (c DescentConfig) warning(st StageResult) ConvergenceWarning {
	n := 0
	for _, r := range st.Runs {
		n += len(r.Steps)
	}
	return ConvergenceWarning{Stage: st.Name, Rounds: n, Power: st.BestPower, Threshold: c.MinPower + c.Margin}
}

// Optimize descends the (phase, q) group on the lower sideband marker, then
// the (dc_i, dc_q) group on the carrier marker
func (g *GradientDescent) Optimize(lo, ifFreq float64, guess upconv.CorrectionParameters) (Result, error) {
	var res Result
	l := orDefault(g.Logger)
	cfg := g.Config
	if err := prepare(g.Hardware, lo, ifFreq, guess); err != nil {
		return res, err
	}
	if err := upconv.ApplyDCOffsets(g.Chain, guess.DCOffsetI, guess.DCOffsetQ); err != nil {
		return res, err
	}
	ms, err := newMarkers(g.Spectrum, lo, ifFreq, cfg.MarkerSettle, l)
	if err != nil {
		return res, err
	}
	res.Params = guess

	sideband := markerObjective{
		marker: ms.lower,
		apply: func(x [2]float64) error {
			return upconv.ApplyImbalance(g.Chain, x[0], x[1], guess.A0)
		},
		valid:    positiveQ,
		settle:   cfg.PointSettle,
		averages: cfg.Averages,
	}
	var best [2]float64
	best, res.Sideband, err = descendStage("Lower sideband", sideband, [2]float64{guess.Phase, guess.Q}, cfg.imbalance(), cfg, l)
	if err != nil {
		return res, err
	}
	res.Params.Phase, res.Params.Q = best[0], best[1]

	carrier := markerObjective{
		marker: ms.carrier,
		apply: func(x [2]float64) error {
			return upconv.ApplyDCOffsets(g.Chain, x[0], x[1])
		},
		valid:    finite,
		settle:   cfg.PointSettle,
		averages: cfg.Averages,
	}
	best, res.Carrier, err = descendStage("Carrier", carrier, [2]float64{guess.DCOffsetI, guess.DCOffsetQ}, cfg.dc(), cfg, l)
	if err != nil {
		return res, err
	}
	res.Params.DCOffsetI, res.Params.DCOffsetQ = best[0], best[1]

	for _, st := range []StageResult{res.Sideband, res.Carrier} {
		if !st.Converged {
			res.Warnings = append(res.Warnings, cfg.warning(st))
		}
	}
	l.Printf("optimized parameters at LO %s, IF %s: %s", hz(lo), hz(ifFreq), res.Params)
	return res, nil
}

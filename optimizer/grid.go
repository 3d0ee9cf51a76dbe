package optimizer

import (
	"errors"
	"log"
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.jpl.nasa.gov/bdube/iqcal/upconv"
)

// GridConfig holds the thresholds, windows and timing of a GridSearch
type GridConfig struct {
	// Points is the number of grid points per axis
	Points int

	// CushionParam divides the window width after every round
	CushionParam float64

	// MaxIterations is the maximum number of grid sweeps per stage
	MaxIterations int

	// MinRounds is the minimum number of grid sweeps per stage, even if the
	// threshold is met by the first one
	MinRounds int

	// MaxSidebandPower and MaxCarrierPower are the targets, in dBm
	MaxSidebandPower float64
	MaxCarrierPower  float64

	// PhaseWindow (degrees), QWindow, DCIWindow and DCQWindow (volts) are the
	// full widths of the first sweep
	PhaseWindow float64
	QWindow     float64
	DCIWindow   float64
	DCQWindow   float64

	// Averages is the number of marker reads averaged per grid point
	Averages int

	// FirstPointSettle is waited after the first write of a sweep, RowSettle
	// after the first write of each row, PointSettle after every other write
	FirstPointSettle time.Duration
	RowSettle        time.Duration
	PointSettle      time.Duration

	// MarkerSettle is waited before parking each marker
	MarkerSettle time.Duration
}

// DefaultGridConfig returns the settings the calibration bench was tuned with
func DefaultGridConfig() GridConfig {
	return GridConfig{
		Points:           25,
		CushionParam:     5,
		MaxIterations:    5,
		MinRounds:        1,
		MaxSidebandPower: -65,
		MaxCarrierPower:  -65,
		PhaseWindow:      44,
		QWindow:          0.34,
		DCIWindow:        0.0135,
		DCQWindow:        0.0115,
		Averages:         1,
		FirstPointSettle: time.Second,
		RowSettle:        100 * time.Millisecond,
		MarkerSettle:     time.Second,
	}
}

var (
	errTooFewPoints = errors.New("grid search requires at least 2 points per axis")
	errCushion      = errors.New("cushion parameter must be > 1")
	errNoRounds     = errors.New("grid search requires MaxIterations >= 1")
)

func (c GridConfig) validate() error {
	if c.Points < 2 {
		return errTooFewPoints
	}
	if c.CushionParam <= 1 {
		return errCushion
	}
	if c.MaxIterations < 1 {
		return errNoRounds
	}
	return nil
}

// Grid is a 2-D power map from one grid sweep.  Power.At(i, j) was measured
// at (X[i], Y[j]).
type Grid struct {
	XLabel, YLabel string
	X, Y           []float64
	Power          *mat.Dense
}

// GridSearch is the two-stage zooming grid optimizer
type GridSearch struct {
	Hardware
	Config GridConfig

	// Logger receives progress messages; nil logs to the standard logger
	Logger *log.Logger
}

// NewGridSearch returns a GridSearch with DefaultGridConfig
func NewGridSearch(hw Hardware) *GridSearch {
	return &GridSearch{Hardware: hw, Config: DefaultGridConfig()}
}

// zoomStage describes one 2-parameter group for zoomSearch
type zoomStage struct {
	name           string
	xLabel, yLabel string
	start          [2]float64
	window         [2]float64
	threshold      float64
	marker         upconv.Marker
	apply          func(x [2]float64) error
	valid          func(x [2]float64) bool
}

// Optimize runs the sideband stage then the carrier stage at (lo, ifFreq),
// starting from guess.  A0 is carried through unchanged.
func (g *GridSearch) Optimize(lo, ifFreq float64, guess upconv.CorrectionParameters) (Result, error) {
	var res Result
	l := orDefault(g.Logger)
	cfg := g.Config
	if err := cfg.validate(); err != nil {
		return res, err
	}
	if err := prepare(g.Hardware, lo, ifFreq, guess); err != nil {
		return res, err
	}
	ms, err := newMarkers(g.Spectrum, lo, ifFreq, cfg.MarkerSettle, l)
	if err != nil {
		return res, err
	}
	res.Params = guess
	var best [2]float64

	sideband := zoomStage{
		name:      "Lower sideband",
		xLabel:    "Phase shift [deg]",
		yLabel:    "Amplitude imbalance",
		start:     [2]float64{guess.Phase, guess.Q},
		window:    [2]float64{cfg.PhaseWindow, cfg.QWindow},
		threshold: cfg.MaxSidebandPower,
		marker:    ms.lower,
		apply: func(x [2]float64) error {
			return upconv.ApplyImbalance(g.Chain, x[0], x[1], guess.A0)
		},
		valid: positiveQ,
	}
	best, res.Sideband, err = g.zoomSearch(sideband, l)
	if err != nil {
		return res, err
	}
	res.Params.Phase, res.Params.Q = best[0], best[1]

	if err = upconv.ApplyDCOffsets(g.Chain, guess.DCOffsetI, guess.DCOffsetQ); err != nil {
		return res, err
	}
	sleep(cfg.FirstPointSettle)
	initial, err := averagePower(ms.carrier, cfg.Averages)
	if err != nil {
		return res, err
	}
	if initial < cfg.MaxCarrierPower-skipCarrierMargin {
		l.Printf("carrier at %.2f dBm is already below threshold, skipping carrier optimization", initial)
		res.Carrier = StageResult{Name: "Carrier", BestPower: initial, Converged: true, Skipped: true}
		if res.Params.DCOffsetI, err = g.Chain.GetDCOffset(upconv.I); err != nil {
			return res, err
		}
		if res.Params.DCOffsetQ, err = g.Chain.GetDCOffset(upconv.Q); err != nil {
			return res, err
		}
	} else {
		carrier := zoomStage{
			name:      "Carrier",
			xLabel:    "DC offset I [V]",
			yLabel:    "DC offset Q [V]",
			start:     [2]float64{guess.DCOffsetI, guess.DCOffsetQ},
			window:    [2]float64{cfg.DCIWindow, cfg.DCQWindow},
			threshold: cfg.MaxCarrierPower,
			marker:    ms.carrier,
			apply: func(x [2]float64) error {
				return upconv.ApplyDCOffsets(g.Chain, x[0], x[1])
			},
			valid: finite,
		}
		best, res.Carrier, err = g.zoomSearch(carrier, l)
		if err != nil {
			return res, err
		}
		res.Params.DCOffsetI, res.Params.DCOffsetQ = best[0], best[1]
	}

	for _, st := range []StageResult{res.Sideband, res.Carrier} {
		if !st.Converged {
			w := ConvergenceWarning{Stage: st.Name, Rounds: len(st.Rounds), Power: st.BestPower, Threshold: cfg.MaxSidebandPower}
			if st.Name == "Carrier" {
				w.Threshold = cfg.MaxCarrierPower
			}
			res.Warnings = append(res.Warnings, w)
		}
	}
	l.Printf("optimized parameters at LO %s, IF %s: %s", hz(lo), hz(ifFreq), res.Params)
	return res, nil
}

// zoomSearch sweeps a grid over the stage window, adopts the best cell if it
// improves on the incumbent, shrinks the window by CushionParam around the
// best point and repeats until the threshold and MinRounds are satisfied or
// MaxIterations sweeps were made.  The hardware is left at the best point.
func (g *GridSearch) zoomSearch(st zoomStage, l *log.Logger) ([2]float64, StageResult, error) {
	cfg := g.Config
	res := StageResult{Name: st.name}
	best := st.start
	if err := st.apply(best); err != nil {
		return best, res, err
	}
	sleep(cfg.FirstPointSettle)
	bestPow, err := averagePower(st.marker, cfg.Averages)
	if err != nil {
		return best, res, err
	}

	n := cfg.Points
	center, width := st.start, st.window
	for {
		grid := &Grid{
			XLabel: st.xLabel,
			YLabel: st.yLabel,
			X:      floats.Span(make([]float64, n), center[0]-width[0]/2, center[0]+width[0]/2),
			Y:      floats.Span(make([]float64, n), center[1]-width[1]/2, center[1]+width[1]/2),
			Power:  mat.NewDense(n, n, nil),
		}
		for i, x := range grid.X {
			for j, y := range grid.Y {
				pt := [2]float64{x, y}
				if !st.valid(pt) {
					grid.Power.Set(i, j, math.Inf(1))
					continue
				}
				if err := st.apply(pt); err != nil {
					return best, res, err
				}
				switch {
				case i == 0 && j == 0:
					sleep(cfg.FirstPointSettle)
				case j == 0:
					sleep(cfg.RowSettle)
				default:
					sleep(cfg.PointSettle)
				}
				p, err := averagePower(st.marker, cfg.Averages)
				if err != nil {
					return best, res, err
				}
				grid.Power.Set(i, j, p)
			}
		}
		idx := floats.MinIdx(grid.Power.RawMatrix().Data)
		if p := grid.Power.RawMatrix().Data[idx]; p < bestPow {
			best = [2]float64{grid.X[idx/n], grid.Y[idx%n]}
			bestPow = p
		}
		if err := st.apply(best); err != nil {
			return best, res, err
		}
		res.Rounds = append(res.Rounds, Round{Center: center, Width: width, Best: best, BestPower: bestPow})
		res.Grid = grid

		rounds := len(res.Rounds)
		if !(bestPow > st.threshold || rounds < cfg.MinRounds) || rounds >= cfg.MaxIterations {
			break
		}
		center = best
		width = [2]float64{width[0] / cfg.CushionParam, width[1] / cfg.CushionParam}
	}
	res.BestPower = bestPow
	res.Converged = bestPow <= st.threshold
	if res.Converged {
		l.Printf("%s optimization completed in %d iterations, %.2f dBm", st.name, len(res.Rounds), bestPow)
	} else {
		l.Printf("%s optimization failed to reach threshold in %d iterations, %.2f dBm", st.name, len(res.Rounds), bestPow)
	}
	return best, res, nil
}

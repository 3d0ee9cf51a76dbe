/*Package optimizer suppresses the image sideband and LO leakage of an IQ
up-conversion chain by closing a loop between the waveform generator and a
spectrum analyzer.

Two searches are provided.  GridSearch sweeps an N×N grid of (phase, q) and
then of (dc_i, dc_q), zooming the window onto the best cell each round.
GradientDescent walks the same two parameter groups with finite differences
and adaptive step sizes; DualTone applies it to two IF tones sharing an LO.

An optimizer run is synchronous and owns the hardware for its duration.
Failing to reach a power threshold is not an error: the best parameters found
are returned along with a ConvergenceWarning.
*/
package optimizer

import (
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/dustin/go-humanize"

	"github.jpl.nasa.gov/bdube/iqcal/upconv"
)

const (
	// skipCarrierMargin is how far below the carrier threshold the initial
	// carrier reading must be for the DC offset stage to be skipped
	skipCarrierMargin = 10.

	// reference level headroom above the desired tone
	refLevelHeadroom = 2.
)

var (
	// ErrNoOscillatorSelect is returned by DualTone when the signal chain
	// cannot route writes to a single oscillator
	ErrNoOscillatorSelect = errors.New("signal chain does not implement upconv.OscillatorSelector")

	// ErrIncompleteHardware is returned when a Hardware field is nil
	ErrIncompleteHardware = errors.New("hardware requires a signal chain, spectrum analyzer, and LO source")
)

// Optimizer finds the correction parameters at one (LO, IF) point
type Optimizer interface {
	Optimize(lo, ifFreq float64, guess upconv.CorrectionParameters) (Result, error)
}

// Hardware bundles the instruments an optimizer drives
type Hardware struct {
	Chain    upconv.SignalChain
	Spectrum upconv.Spectrum
	LO       upconv.Source
}

func (h Hardware) check() error {
	if h.Chain == nil || h.Spectrum == nil || h.LO == nil {
		return ErrIncompleteHardware
	}
	return nil
}

// ConvergenceWarning reports that a stage exhausted its budget above threshold.
// It is logged and returned in Result.Warnings, never as an error.
type ConvergenceWarning struct {
	Stage     string
	Rounds    int
	Power     float64
	Threshold float64
}

func (w ConvergenceWarning) Error() string {
	return fmt.Sprintf("%s optimization failed to reach threshold in %d iterations: %.2f dBm > %.2f dBm",
		w.Stage, w.Rounds, w.Power, w.Threshold)
}

// Round is the state of a zoom-grid stage after one grid sweep
type Round struct {
	// Center and Width are the search window of the round, per parameter
	Center [2]float64
	Width  [2]float64

	// Best is the best point known after the round, BestPower its averaged power
	Best      [2]float64
	BestPower float64
}

// StageResult describes one parameter group of an optimizer run
type StageResult struct {
	Name      string
	BestPower float64
	Converged bool

	// Skipped is set when the DC offset stage was not run because the carrier
	// was already well below threshold
	Skipped bool

	// Rounds is populated by GridSearch
	Rounds []Round

	// Grid is the last power map swept by GridSearch
	Grid *Grid

	// Runs is populated by GradientDescent, one entry per warm start
	Runs []DescentRun
}

// Result is the outcome of an optimizer run
type Result struct {
	Params   upconv.CorrectionParameters
	Sideband StageResult
	Carrier  StageResult
	Warnings []ConvergenceWarning
}

// markerSet holds the three probes used during optimization
type markerSet struct {
	upper, lower, carrier upconv.Marker
	settle                time.Duration
}

// newMarkers centers the analyzer on the desired tone, creates the upper
// sideband, lower sideband and carrier markers and parks them.  If the analyzer
// supports it the reference level is set just above the desired tone.
func newMarkers(sa upconv.Spectrum, lo, ifFreq float64, settle time.Duration, l *log.Logger) (*markerSet, error) {
	ms := &markerSet{settle: settle}
	var err error
	if ms.upper, err = sa.NewMarker("Upper Sideband"); err != nil {
		return nil, err
	}
	if ms.lower, err = sa.NewMarker("Lower Sideband"); err != nil {
		return nil, err
	}
	if ms.carrier, err = sa.NewMarker("Carrier"); err != nil {
		return nil, err
	}
	return ms, ms.retarget(sa, lo, ifFreq, l)
}

// retarget recenters the analyzer on LO+IF and re-parks every marker
func (ms *markerSet) retarget(sa upconv.Spectrum, lo, ifFreq float64, l *log.Logger) error {
	if err := sa.SetCenterFrequency(lo + ifFreq); err != nil {
		return err
	}
	if err := sa.SetSpan(6 * ifFreq); err != nil {
		return err
	}
	if err := ms.park(lo, ifFreq, l); err != nil {
		return err
	}
	if rl, ok := sa.(upconv.ReferenceLeveler); ok {
		p, err := ms.upper.Power()
		if err != nil {
			return err
		}
		return rl.SetReferenceLevel(p + refLevelHeadroom)
	}
	return nil
}

// park moves the markers to LO+IF, LO-IF and LO
func (ms *markerSet) park(lo, ifFreq float64, l *log.Logger) error {
	markers := []upconv.Marker{ms.upper, ms.lower, ms.carrier}
	targets := []float64{lo + ifFreq, lo - ifFreq, lo}
	for i, m := range markers {
		sleep(ms.settle)
		if err := m.ParkAt(targets[i]); err != nil {
			return err
		}
		p, err := m.Power()
		if err != nil {
			return err
		}
		l.Printf("marker '%s' parked at %s reads %.2f dBm", m.Name(), hz(targets[i]), p)
	}
	return nil
}

// prepare turns the LO on, programs the starting (phase, q) and IF and
// enables both branches
func prepare(hw Hardware, lo, ifFreq float64, guess upconv.CorrectionParameters) error {
	if err := hw.check(); err != nil {
		return err
	}
	if err := guess.Validate(); err != nil {
		return fmt.Errorf("initial guess: %w", err)
	}
	if err := hw.Chain.SetIFFrequency(ifFreq); err != nil {
		return err
	}
	if err := upconv.ApplyImbalance(hw.Chain, guess.Phase, guess.Q, guess.A0); err != nil {
		return err
	}
	for _, b := range []upconv.Branch{upconv.I, upconv.Q} {
		if err := hw.Chain.EnableOutput(b); err != nil {
			return err
		}
	}
	if err := hw.LO.OutputOn(); err != nil {
		return err
	}
	return hw.LO.SetFrequency(lo)
}

// averagePower reads a marker n times and returns the mean
func averagePower(m upconv.Marker, n int) (float64, error) {
	if n < 1 {
		n = 1
	}
	sum := 0.
	for i := 0; i < n; i++ {
		p, err := m.Power()
		if err != nil {
			return 0, err
		}
		sum += p
	}
	return sum / float64(n), nil
}

func finite(x [2]float64) bool {
	for _, v := range x {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// positiveQ rejects (phase, q) points with a non-physical amplitude ratio
func positiveQ(x [2]float64) bool {
	return finite(x) && x[1] > 0
}

func sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

func orDefault(l *log.Logger) *log.Logger {
	if l == nil {
		return log.Default()
	}
	return l
}

func hz(f float64) string {
	return humanize.SIWithDigits(f, 4, "Hz")
}

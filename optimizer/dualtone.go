package optimizer

import (
	"fmt"
	"log"

	"github.jpl.nasa.gov/bdube/iqcal/upconv"
)

// DualTone optimizes two IF tones sharing one LO.  Each tone has its own
// (phase, q) but the DC offsets are common to both.
type DualTone struct {
	Hardware
	Config DescentConfig

	// Logger receives progress messages; nil logs to the standard logger
	Logger *log.Logger
}

// DualToneResult is the outcome of a DualTone run.  Params[t].DCOffsetI and
// DCOffsetQ are the same for both tones.
type DualToneResult struct {
	Params   [2]upconv.CorrectionParameters
	Sideband [2]StageResult
	Carrier  StageResult
	Warnings []ConvergenceWarning
}

// NewDualTone returns a DualTone with DefaultDescentConfig
func NewDualTone(hw Hardware) *DualTone {
	return &DualTone{Hardware: hw, Config: DefaultDescentConfig()}
}

// Optimize descends the sideband of tone 0, then tone 1, then the shared
// carrier.  Before each tone the signal chain is switched to that tone's
// oscillator and the markers are re-parked around LO+IF_t.  The DC offsets of
// guesses[0] are the starting point of the carrier descent.
func (d *DualTone) Optimize(lo float64, ifs [2]float64, guesses [2]upconv.CorrectionParameters) (DualToneResult, error) {
	var res DualToneResult
	l := orDefault(d.Logger)
	cfg := d.Config
	if err := d.check(); err != nil {
		return res, err
	}
	sel, ok := d.Chain.(upconv.OscillatorSelector)
	if !ok {
		return res, ErrNoOscillatorSelect
	}
	for t, g := range guesses {
		if err := g.Validate(); err != nil {
			return res, fmt.Errorf("initial guess for tone %d: %w", t, err)
		}
	}
	if err := d.LO.OutputOn(); err != nil {
		return res, err
	}
	if err := d.LO.SetFrequency(lo); err != nil {
		return res, err
	}
	for t := range ifs {
		if err := sel.SelectOscillator(t); err != nil {
			return res, err
		}
		if err := d.Chain.SetIFFrequency(ifs[t]); err != nil {
			return res, err
		}
		g := guesses[t]
		if err := upconv.ApplyImbalance(d.Chain, g.Phase, g.Q, g.A0); err != nil {
			return res, err
		}
	}
	for _, b := range []upconv.Branch{upconv.I, upconv.Q} {
		if err := d.Chain.EnableOutput(b); err != nil {
			return res, err
		}
	}
	if err := upconv.ApplyDCOffsets(d.Chain, guesses[0].DCOffsetI, guesses[0].DCOffsetQ); err != nil {
		return res, err
	}
	res.Params = guesses

	var ms *markerSet
	for t := range ifs {
		if err := sel.SelectOscillator(t); err != nil {
			return res, err
		}
		var err error
		if ms == nil {
			ms, err = newMarkers(d.Spectrum, lo, ifs[t], cfg.MarkerSettle, l)
		} else {
			err = ms.retarget(d.Spectrum, lo, ifs[t], l)
		}
		if err != nil {
			return res, err
		}
		a0 := guesses[t].A0
		obj := markerObjective{
			marker: ms.lower,
			apply: func(x [2]float64) error {
				return upconv.ApplyImbalance(d.Chain, x[0], x[1], a0)
			},
			valid:    positiveQ,
			settle:   cfg.PointSettle,
			averages: cfg.Averages,
		}
		name := fmt.Sprintf("Lower sideband (tone %d)", t)
		start := [2]float64{guesses[t].Phase, guesses[t].Q}
		best, st, err := descendStage(name, obj, start, cfg.imbalance(), cfg, l)
		if err != nil {
			return res, err
		}
		res.Sideband[t] = st
		res.Params[t].Phase, res.Params[t].Q = best[0], best[1]
	}

	carrier := markerObjective{
		marker: ms.carrier,
		apply: func(x [2]float64) error {
			return upconv.ApplyDCOffsets(d.Chain, x[0], x[1])
		},
		valid:    finite,
		settle:   cfg.PointSettle,
		averages: cfg.Averages,
	}
	start := [2]float64{guesses[0].DCOffsetI, guesses[0].DCOffsetQ}
	best, st, err := descendStage("Carrier", carrier, start, cfg.dc(), cfg, l)
	if err != nil {
		return res, err
	}
	res.Carrier = st
	for t := range res.Params {
		res.Params[t].DCOffsetI, res.Params[t].DCOffsetQ = best[0], best[1]
	}

	for _, s := range []StageResult{res.Sideband[0], res.Sideband[1], res.Carrier} {
		if !s.Converged {
			res.Warnings = append(res.Warnings, cfg.warning(s))
		}
	}
	l.Printf("optimized tones at LO %s, IF %s / %s", hz(lo), hz(ifs[0]), hz(ifs[1]))
	return res, nil
}

/*Package sweep runs a calibration over a grid of (LO, IF) frequencies,
optimizing every point in turn and appending it to a calibration table as soon
as it is done.
*/
package sweep

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"

	"github.jpl.nasa.gov/bdube/iqcal/caltable"
	"github.jpl.nasa.gov/bdube/iqcal/heatmap"
	"github.jpl.nasa.gov/bdube/iqcal/optimizer"
	"github.jpl.nasa.gov/bdube/iqcal/upconv"
)

// ErrEmptyPlan is returned when the LO or IF list is empty
var ErrEmptyPlan = errors.New("sweep requires at least one LO and one IF frequency")

// DefaultSeed is the starting point of every optimization when warm starting
// is off; A0 is replaced by the sweep's IF voltage
var DefaultSeed = upconv.CorrectionParameters{Phase: 90, Q: 1, DCOffsetI: -0.002, DCOffsetQ: 0.006}

// Plan is the grid and bench settings of a sweep
type Plan struct {
	// LO and IF are visited LO-major, in the order given
	LO []float64
	IF []float64

	// LOPower is written to the LO source if it supports it, and to the table
	LOPower float64

	// IFVoltage is the mean branch amplitude a0
	IFVoltage float64

	Note string

	// WarmStart seeds each point with the result of the previous one
	WarmStart bool

	// HeatmapDir, if not empty, receives heat maps of each grid search stage
	// in HeatmapFormat ("png" or "fits")
	HeatmapDir    string
	HeatmapFormat string
}

// Progress describes one completed point
type Progress struct {
	Index, Total int
	LO, IF       float64
	Result       optimizer.Result
	Harmonics    upconv.HarmonicSample
	Elapsed      time.Duration
}

// Sweep drives one optimizer over a Plan
type Sweep struct {
	optimizer.Hardware
	Optimizer optimizer.Optimizer
	Plan      Plan

	// OnPoint, if not nil, is called after each point is written
	OnPoint func(Progress)

	// Logger receives progress messages; nil logs to the standard logger
	Logger *log.Logger
}

// Run creates the table at path and fills it.  It stops at the first
// hardware or storage error; every point completed before it is already on
// disk and the table is returned alongside the error.
func (s *Sweep) Run(path string) (*caltable.Table, error) {
	l := s.Logger
	if l == nil {
		l = log.Default()
	}
	p := s.Plan
	if len(p.LO) == 0 || len(p.IF) == 0 {
		return nil, ErrEmptyPlan
	}
	if s.Chain == nil || s.Spectrum == nil || s.LO == nil {
		return nil, optimizer.ErrIncompleteHardware
	}
	tbl, err := caltable.Create(path, caltable.Header{LOPower: p.LOPower, IFVoltage: p.IFVoltage, Note: p.Note})
	if err != nil {
		return nil, err
	}
	for _, b := range []upconv.Branch{upconv.I, upconv.Q} {
		if err = s.Chain.EnableOutput(b); err != nil {
			return tbl, err
		}
	}
	if ps, ok := s.LO.(upconv.PowerSetter); ok {
		if err = ps.SetPower(p.LOPower); err != nil {
			return tbl, err
		}
	}
	if err = s.LO.OutputOn(); err != nil {
		return tbl, err
	}

	seed := DefaultSeed
	seed.A0 = p.IFVoltage
	guess := seed
	total := len(p.LO) * len(p.IF)
	start := time.Now()
	idx := 0
	for _, lo := range p.LO {
		for _, f := range p.IF {
			if !p.WarmStart {
				guess = seed
			}
			t0 := time.Now()
			res, err := s.Optimizer.Optimize(lo, f, guess)
			if err != nil {
				return tbl, fmt.Errorf("optimizing LO %s, IF %s: %w", hz(lo), hz(f), err)
			}
			if err = upconv.ApplyCorrection(s.Chain, res.Params); err != nil {
				return tbl, err
			}
			h, err := upconv.SampleHarmonics(s.Spectrum, lo, f)
			if err != nil {
				return tbl, err
			}
			if err = tbl.AppendRow(lo, f, res.Params, h); err != nil {
				return tbl, err
			}
			if p.HeatmapDir != "" {
				stem := fmt.Sprintf("lo%.6g_if%.6g", lo, f)
				if _, err = heatmap.SaveStages(filepath.Clean(p.HeatmapDir), stem, p.HeatmapFormat, res); err != nil {
					return tbl, err
				}
			}
			idx++
			l.Printf("point %d/%d LO %s IF %s done in %s, image %.1f dBc, carrier %.1f dBc",
				idx, total, hz(lo), hz(f), time.Since(t0).Round(time.Millisecond),
				h.At(-1)-h.Desired(), h.At(0)-h.Desired())
			if s.OnPoint != nil {
				s.OnPoint(Progress{Index: idx, Total: total, LO: lo, IF: f, Result: res, Harmonics: h, Elapsed: time.Since(start)})
			}
			guess = res.Params
		}
	}
	l.Printf("calibration of %d points written to %s in %s", total, path, time.Since(start).Round(time.Second))
	return tbl, nil
}

func hz(f float64) string {
	return humanize.SIWithDigits(f, 4, "Hz")
}

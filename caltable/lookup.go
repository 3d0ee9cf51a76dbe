package caltable

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/mat"

	"github.jpl.nasa.gov/bdube/iqcal/upconv"
	"github.jpl.nasa.gov/bdube/iqcal/util"
)

const (
	// DefaultIF and DefaultLO are returned by SelectLOIF for targets outside
	// the calibrated envelope
	DefaultIF = 2e6
	DefaultLO = 12e9

	// Candidates is the number of IF values scanned by SelectLOIF
	Candidates = 1000
)

// interpolated fields, in grid order
const (
	fieldQ = iota
	fieldPhase
	fieldDCI
	fieldDCQ
	fieldH0 // first of the 5 harmonic fields
	nFields = fieldH0 + 5
)

type key struct {
	lo, ifFreq float64
}

// grid holds every field unstacked onto the rectilinear (LO, IF) grid, with a
// piecewise linear predictor along IF for every (field, LO) row
type grid struct {
	lo, ifs []float64
	fields  [nFields]*mat.Dense
	rowFits [nFields][]interp.PiecewiseLinear
}

func (r Row) field(i int) float64 {
	switch i {
	case fieldQ:
		return r.Correction.Q
	case fieldPhase:
		return r.Correction.Phase
	case fieldDCI:
		return r.Correction.DCOffsetI
	case fieldDCQ:
		return r.Correction.DCOffsetQ
	}
	return r.Harmonics[i-fieldH0]
}

// buildGrid indexes rows by (LO, IF), later rows replacing earlier ones, and
// drops LO values that do not have a row at every IF
func buildGrid(rows []Row) (*grid, error) {
	if len(rows) == 0 {
		return nil, ErrEmpty
	}
	byKey := make(map[key]Row, len(rows))
	los := make([]float64, 0, len(rows))
	ifs := make([]float64, 0, len(rows))
	for _, r := range rows {
		byKey[key{r.LO, r.IF}] = r
		los = append(los, r.LO)
		ifs = append(ifs, r.IF)
	}
	g := &grid{ifs: util.UniqueFloat(ifs)}
	var dropped []float64
	for _, lo := range util.UniqueFloat(los) {
		complete := true
		for _, f := range g.ifs {
			if _, ok := byKey[key{lo, f}]; !ok {
				complete = false
				break
			}
		}
		if complete {
			g.lo = append(g.lo, lo)
		} else {
			dropped = append(dropped, lo)
		}
	}
	logDropped(dropped, len(g.ifs))
	if len(g.lo) == 0 {
		return nil, fmt.Errorf("no LO value has a row at all %d IF values", len(g.ifs))
	}

	nLO, nIF := len(g.lo), len(g.ifs)
	for k := range g.fields {
		d := mat.NewDense(nLO, nIF, nil)
		for i, lo := range g.lo {
			for j, f := range g.ifs {
				d.Set(i, j, byKey[key{lo, f}].field(k))
			}
		}
		g.fields[k] = d
		if nIF > 1 {
			fits := make([]interp.PiecewiseLinear, nLO)
			for i := range fits {
				// axes are strictly increasing, Fit cannot fail
				_ = fits[i].Fit(g.ifs, d.RawRowView(i))
			}
			g.rowFits[k] = fits
		}
	}
	return g, nil
}

// at interpolates field k along IF on every LO row, then along LO.  Outside
// the grid the nearest edge value is returned.
func (g *grid) at(k int, lo, ifFreq float64) float64 {
	nLO := len(g.lo)
	col := make([]float64, nLO)
	for i := range col {
		if g.rowFits[k] == nil {
			col[i] = g.fields[k].At(i, 0)
		} else {
			col[i] = g.rowFits[k][i].Predict(ifFreq)
		}
	}
	if nLO == 1 {
		return col[0]
	}
	var pl interp.PiecewiseLinear
	_ = pl.Fit(g.lo, col)
	return pl.Predict(lo)
}

func (g *grid) harmonics(lo, ifFreq float64) upconv.HarmonicSample {
	var h upconv.HarmonicSample
	for i := range h {
		h[i] = g.at(fieldH0+i, lo, ifFreq)
	}
	return h
}

func (t *Table) getGrid() (*grid, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.grid != nil {
		return t.grid, nil
	}
	g, err := buildGrid(t.rows)
	if err != nil {
		return nil, err
	}
	t.grid = g
	return g, nil
}

// Lookup interpolates the correction and harmonic powers at (lo, ifFreq).
// Each field is interpolated bilinearly over the calibrated grid; exact grid
// points return the stored values.  Points outside the grid are clamped to
// its edge and should be treated as a caller error.  A0 is the table's IF
// voltage.
func (t *Table) Lookup(lo, ifFreq float64) (upconv.CorrectionParameters, upconv.HarmonicSample, error) {
	g, err := t.getGrid()
	if err != nil {
		return upconv.CorrectionParameters{}, upconv.HarmonicSample{}, err
	}
	c := upconv.CorrectionParameters{
		Q:         g.at(fieldQ, lo, ifFreq),
		Phase:     g.at(fieldPhase, lo, ifFreq),
		DCOffsetI: g.at(fieldDCI, lo, ifFreq),
		DCOffsetQ: g.at(fieldDCQ, lo, ifFreq),
		A0:        t.header.IFVoltage,
	}
	return c, g.harmonics(lo, ifFreq), nil
}

// Apply looks up the correction at (lo, ifFreq) and writes the IF frequency,
// both branch amplitudes, the I phase and both DC offsets to sc
func (t *Table) Apply(sc upconv.SignalChain, lo, ifFreq float64) error {
	c, _, err := t.Lookup(lo, ifFreq)
	if err != nil {
		return err
	}
	if err = sc.SetIFFrequency(ifFreq); err != nil {
		return err
	}
	return upconv.ApplyCorrection(sc, c)
}

// Fidelity scores how cleanly a tone is synthesized with the given IF:
//
//	1 - Σ w(k)·10^((H_k-H_1)/10),  k ∈ {-1, 0, 2, 3}
//
// with w = 1/(2·IF) for k = -1, 3 and w = 1/IF for k = 0, 2.  It is at most 1
// and falls as any unwanted line approaches the desired tone.
func Fidelity(ifFreq float64, h upconv.HarmonicSample) float64 {
	return 1 - penalty(ifFreq, h)
}

// penalty is the weighted sum subtracted from 1 by Fidelity.  With IF in Hz
// it is far below the resolution of 1 - penalty, so candidates are ranked on
// it directly.
func penalty(ifFreq float64, h upconv.HarmonicSample) float64 {
	unwanted := [4]int{-1, 0, 2, 3}
	weights := [4]float64{1 / (2 * ifFreq), 1 / ifFreq, 1 / ifFreq, 1 / (2 * ifFreq)}
	var p float64
	for i, k := range unwanted {
		p += weights[i] * math.Pow(10, (h.At(k)-h.Desired())/10)
	}
	return p
}

// SelectLOIF picks the (IF, LO) decomposition of target with the highest
// Fidelity.  Candidates IF values are spread evenly over the calibrated IF
// range; those putting the LO outside the calibrated LO range are skipped.
// Targets outside [LO_min+IF_min, LO_max+IF_max], an empty table, or no
// surviving candidate all yield (DefaultIF, DefaultLO).
func (t *Table) SelectLOIF(target float64) (ifFreq, lo float64) {
	g, err := t.getGrid()
	if err != nil {
		return DefaultIF, DefaultLO
	}
	loMin, loMax := g.lo[0], g.lo[len(g.lo)-1]
	ifMin, ifMax := g.ifs[0], g.ifs[len(g.ifs)-1]
	if target < loMin+ifMin || target > loMax+ifMax {
		return DefaultIF, DefaultLO
	}
	cands := []float64{ifMin}
	if ifMax > ifMin {
		cands = floats.Span(make([]float64, Candidates), ifMin, ifMax)
	}
	best := math.Inf(1)
	ifFreq, lo = DefaultIF, DefaultLO
	for _, f := range cands {
		l := target - f
		if l < loMin || l > loMax {
			continue
		}
		if p := penalty(f, g.harmonics(l, f)); p < best {
			best, ifFreq, lo = p, f, l
		}
	}
	return ifFreq, lo
}

// Tune selects the LO/IF split of target, moves the LO source and applies the
// interpolated correction.  The chosen frequencies are returned.
func (t *Table) Tune(sc upconv.SignalChain, src upconv.Source, target float64) (ifFreq, lo float64, err error) {
	ifFreq, lo = t.SelectLOIF(target)
	if err = src.SetFrequency(lo); err != nil {
		return ifFreq, lo, err
	}
	return ifFreq, lo, t.Apply(sc, lo, ifFreq)
}

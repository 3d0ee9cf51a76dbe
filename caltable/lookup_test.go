package caltable

import (
	"fmt"
	"math"
	"testing"

	"github.jpl.nasa.gov/bdube/iqcal/upconv"
)

func TestFidelityAtMostOne(t *testing.T) {
	for _, ifFreq := range []float64{1e6, 50e6, 300e6} {
		for _, lvl := range []float64{-120, -60, -20, 0, 10} {
			h := upconv.HarmonicSample{lvl, lvl, 0, lvl, lvl}
			if f := Fidelity(ifFreq, h); f > 1 {
				t.Errorf("IF %g, harmonics at %v dBc: fidelity %v > 1", ifFreq, lvl, f)
			}
		}
	}
}

func TestFidelityFallsAsHarmonicsRise(t *testing.T) {
	for _, k := range []int{-1, 0, 2, 3} {
		prev := math.Inf(1)
		for _, lvl := range []float64{-90, -60, -30, -10, -1} {
			h := upconv.HarmonicSample{-100, -100, 0, -100, -100}
			h[k+1] = lvl
			f := Fidelity(1, h)
			if f >= prev {
				t.Errorf("k=%d: fidelity %v did not fall below %v as H%d rose to %v dBc", k, f, prev, k, lvl)
			}
			prev = f
		}
	}
}

func TestFidelityWeights(t *testing.T) {
	// a single line at the desired level costs its full weight
	image := upconv.HarmonicSample{0, -math.MaxFloat64, 0, -math.MaxFloat64, -math.MaxFloat64}
	carrier := upconv.HarmonicSample{-math.MaxFloat64, 0, 0, -math.MaxFloat64, -math.MaxFloat64}
	if f := Fidelity(2, image); math.Abs(f-0.75) > 1e-12 {
		t.Errorf("image weight should be 1/(2 IF), got fidelity %v", f)
	}
	if f := Fidelity(2, carrier); math.Abs(f-0.5) > 1e-12 {
		t.Errorf("carrier weight should be 1/IF, got fidelity %v", f)
	}
}

func TestPenaltyRanksNearbyIFs(t *testing.T) {
	flat := upconv.HarmonicSample{-60, -60, 0, -60, -60}
	lo, hi := penalty(99.55e6, flat), penalty(100e6, flat)
	if !(hi < lo) {
		t.Errorf("100 MHz should carry a smaller penalty than 99.55 MHz, got %g vs %g", hi, lo)
	}
	if f := Fidelity(100e6, flat); math.Abs(f-(1-hi)) > 1e-15 {
		t.Errorf("Fidelity %v should be 1 - penalty %v", f, hi)
	}
}

func flatTable(t *testing.T) *Table {
	t.Helper()
	var rows []Row
	for _, lo := range []float64{9.9e9, 10e9} {
		for _, f := range []float64{10e6, 100e6} {
			rows = append(rows, Row{
				LO:         lo,
				IF:         f,
				Correction: upconv.CorrectionParameters{Phase: 91, Q: 0.95, A0: 0.4, DCOffsetI: -0.001, DCOffsetQ: 0.004},
				Harmonics:  upconv.HarmonicSample{-60, -60, 0, -60, -60},
			})
		}
	}
	tbl, err := FromRows(Header{LOPower: 15, IFVoltage: 0.4}, rows)
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

func TestSelectLOIFPrefersHighFidelity(t *testing.T) {
	tbl := flatTable(t)
	// with flat harmonics the 1/IF weights favor the largest usable IF
	ifFreq, lo := tbl.SelectLOIF(10.05e9)
	if math.Abs(ifFreq-100e6) > 1 || math.Abs(lo-9.95e9) > 1 {
		t.Errorf("expected (100 MHz, 9.95 GHz), got (%g, %g)", ifFreq, lo)
	}
	if lo < 9.9e9 || lo > 10e9 {
		t.Errorf("selected LO %g is outside the calibrated range", lo)
	}
}

func TestSelectLOIFOutsideEnvelope(t *testing.T) {
	tbl, _ := newTestTable(t)
	lowest := testLOs[0] + testIFs[0]
	highest := testLOs[len(testLOs)-1] + testIFs[len(testIFs)-1]
	for _, target := range []float64{0.95 * lowest, 1.05 * highest} {
		ifFreq, lo := tbl.SelectLOIF(target)
		if ifFreq != DefaultIF || lo != DefaultLO {
			t.Errorf("target %g: expected the default (%g, %g), got (%g, %g)", target, DefaultIF, DefaultLO, ifFreq, lo)
		}
	}
}

func TestSelectLOIFInsideEnvelope(t *testing.T) {
	tbl, _ := newTestTable(t)
	target := 9.1e9
	ifFreq, lo := tbl.SelectLOIF(target)
	if math.Abs(ifFreq+lo-target) > 1e-3 {
		t.Errorf("LO + IF = %g, expected %g", ifFreq+lo, target)
	}
	if ifFreq < testIFs[0] || ifFreq > testIFs[len(testIFs)-1] {
		t.Errorf("IF %g is outside the calibrated range", ifFreq)
	}
}

// recorder is a SignalChain and Source that logs every write
type recorder struct {
	writes []string
	lo     float64
}

func (r *recorder) SetIFFrequency(hz float64) error {
	r.writes = append(r.writes, fmt.Sprintf("if %g", hz))
	return nil
}
func (r *recorder) SetAmplitude(b upconv.Branch, v float64) error {
	r.writes = append(r.writes, fmt.Sprintf("amp %v %.6f", b, v))
	return nil
}
func (r *recorder) SetPhase(b upconv.Branch, deg float64) error {
	r.writes = append(r.writes, fmt.Sprintf("phase %v %g", b, deg))
	return nil
}
func (r *recorder) SetDCOffset(b upconv.Branch, v float64) error {
	r.writes = append(r.writes, fmt.Sprintf("dc %v %g", b, v))
	return nil
}
func (r *recorder) GetDCOffset(upconv.Branch) (float64, error) { return 0, nil }
func (r *recorder) EnableOutput(upconv.Branch) error            { return nil }
func (r *recorder) SetFrequency(hz float64) error               { r.lo = hz; return nil }
func (r *recorder) OutputOn() error                             { return nil }

func TestApplyWritesCorrection(t *testing.T) {
	tbl := flatTable(t)
	rec := &recorder{}
	if err := tbl.Apply(rec, 9.95e9, 50e6); err != nil {
		t.Fatal(err)
	}
	ampI, ampQ := upconv.BranchAmplitudes(0.95, 0.4)
	want := []string{
		"if 5e+07",
		fmt.Sprintf("amp I %.6f", ampI),
		fmt.Sprintf("amp Q %.6f", ampQ),
		"phase I 91",
		"dc I -0.001",
		"dc Q 0.004",
	}
	if len(rec.writes) != len(want) {
		t.Fatalf("expected writes %v, got %v", want, rec.writes)
	}
	for i := range want {
		if rec.writes[i] != want[i] {
			t.Errorf("write %d: expected %q, got %q", i, want[i], rec.writes[i])
		}
	}
}

func TestTuneMovesLO(t *testing.T) {
	tbl := flatTable(t)
	rec := &recorder{}
	ifFreq, lo, err := tbl.Tune(rec, rec, 10.05e9)
	if err != nil {
		t.Fatal(err)
	}
	if rec.lo != lo {
		t.Errorf("LO source at %g, expected %g", rec.lo, lo)
	}
	if len(rec.writes) == 0 || rec.writes[0] != fmt.Sprintf("if %g", ifFreq) {
		t.Errorf("expected the IF to be written first, got %v", rec.writes)
	}
}

func TestFromRowsRejectsRaggedGrid(t *testing.T) {
	rows := []Row{
		{LO: 1e9, IF: 1e6, Correction: upconv.CorrectionParameters{Q: 1}},
		{LO: 2e9, IF: 2e6, Correction: upconv.CorrectionParameters{Q: 1}},
	}
	if _, err := FromRows(Header{}, rows); err == nil {
		t.Error("expected an error when no LO has every IF")
	}
}

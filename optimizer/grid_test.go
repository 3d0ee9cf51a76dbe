package optimizer

import (
	"io"
	"log"
	"math"
	"testing"

	"github.jpl.nasa.gov/bdube/iqcal/upconv"
)

var quiet = log.New(io.Discard, "", 0)

// quadBench reports a quadratic lower sideband in (phase, q) and a constant
// carrier
type quadBench struct {
	phase, ampI, ampQ float64
	dc                [2]float64
	carrier           float64
	// dcStep, if set, quantizes written DC offsets like a finite-resolution DAC
	dcStep            float64
	badWrite          bool
}

func (b *quadBench) SetIFFrequency(float64) error { return nil }
func (b *quadBench) SetAmplitude(br upconv.Branch, v float64) error {
	if v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		b.badWrite = true
	}
	if br == upconv.I {
		b.ampI = v
	} else {
		b.ampQ = v
	}
	return nil
}
func (b *quadBench) SetPhase(_ upconv.Branch, deg float64) error { b.phase = deg; return nil }
func (b *quadBench) SetDCOffset(br upconv.Branch, v float64) error {
	if b.dcStep > 0 {
		v = math.Round(v/b.dcStep) * b.dcStep
	}
	b.dc[br] = v
	return nil
}
func (b *quadBench) GetDCOffset(br upconv.Branch) (float64, error) { return b.dc[br], nil }
func (b *quadBench) EnableOutput(upconv.Branch) error             { return nil }
func (b *quadBench) SetCenterFrequency(float64) error              { return nil }
func (b *quadBench) SetSpan(float64) error                         { return nil }
func (b *quadBench) SetFrequency(float64) error                    { return nil }
func (b *quadBench) OutputOn() error                               { return nil }
func (b *quadBench) NewMarker(name string) (upconv.Marker, error) {
	return &quadMarker{b: b, name: name}, nil
}

type quadMarker struct {
	b    *quadBench
	name string
}

func (m *quadMarker) Name() string          { return m.name }
func (m *quadMarker) ParkAt(float64) error  { return nil }
func (m *quadMarker) Power() (float64, error) {
	switch m.name {
	case "Lower Sideband":
		q := m.b.ampI / m.b.ampQ
		return 0.01*(m.b.phase-50)*(m.b.phase-50) + 20*(q-0.9)*(q-0.9) - 60, nil
	case "Carrier":
		return m.b.carrier, nil
	}
	return 0, nil
}

func newQuadBench(carrier float64) (*quadBench, Hardware) {
	b := &quadBench{carrier: carrier}
	return b, Hardware{Chain: b, Spectrum: b, LO: b}
}

func fastGridConfig() GridConfig {
	cfg := DefaultGridConfig()
	cfg.FirstPointSettle = 0
	cfg.RowSettle = 0
	cfg.PointSettle = 0
	cfg.MarkerSettle = 0
	return cfg
}

func scenarioOne(carrier float64) (*quadBench, *GridSearch) {
	b, hw := newQuadBench(carrier)
	cfg := fastGridConfig()
	cfg.PhaseWindow = 40
	cfg.QWindow = 0.6
	cfg.CushionParam = 5
	cfg.MaxIterations = 3
	return b, &GridSearch{Hardware: hw, Config: cfg, Logger: quiet}
}

var scenarioGuess = upconv.CorrectionParameters{Phase: 40, Q: 0.7, A0: 0.5, DCOffsetI: -0.002, DCOffsetQ: 0.006}

func TestGridSearchQuadraticSideband(t *testing.T) {
	_, gs := scenarioOne(-70)
	res, err := gs.Optimize(10e9, 100e6, scenarioGuess)
	if err != nil {
		t.Fatal(err)
	}
	if p := res.Params.Phase; p < 49 || p > 51 {
		t.Errorf("expected phase in [49, 51], got %v", p)
	}
	if q := res.Params.Q; q < 0.88 || q > 0.92 {
		t.Errorf("expected q in [0.88, 0.92], got %v", q)
	}
	if len(res.Sideband.Rounds) != 3 {
		t.Errorf("expected 3 sideband rounds, got %d", len(res.Sideband.Rounds))
	}
	// the surface bottoms out at -60 dBm, above the -65 dBm threshold
	if res.Sideband.Converged {
		t.Error("sideband stage should not report convergence")
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Stage != "Lower sideband" {
		t.Errorf("expected a single sideband warning, got %v", res.Warnings)
	}
	if res.Params.A0 != scenarioGuess.A0 {
		t.Errorf("A0 must be carried through, got %v", res.Params.A0)
	}
}

func TestGridSearchWindowShrinksByCushion(t *testing.T) {
	_, gs := scenarioOne(-70)
	res, err := gs.Optimize(10e9, 100e6, scenarioGuess)
	if err != nil {
		t.Fatal(err)
	}
	initial := [2]float64{gs.Config.PhaseWindow, gs.Config.QWindow}
	for k, r := range res.Sideband.Rounds {
		for i := range initial {
			want := initial[i] / math.Pow(gs.Config.CushionParam, float64(k))
			if math.Abs(r.Width[i]-want) > 1e-12*want {
				t.Errorf("round %d axis %d: expected width %v, got %v", k, i, want, r.Width[i])
			}
		}
	}
}

func TestGridSearchBestPowerNonIncreasing(t *testing.T) {
	_, gs := scenarioOne(-70)
	gs.Config.MaxIterations = 5
	res, err := gs.Optimize(10e9, 100e6, scenarioGuess)
	if err != nil {
		t.Fatal(err)
	}
	rounds := res.Sideband.Rounds
	for k := 1; k < len(rounds); k++ {
		if rounds[k].BestPower > rounds[k-1].BestPower {
			t.Errorf("round %d best power %v exceeds round %d best power %v",
				k, rounds[k].BestPower, k-1, rounds[k-1].BestPower)
		}
	}
	if res.Sideband.BestPower != rounds[len(rounds)-1].BestPower {
		t.Error("stage best power should match the last round")
	}
}

func TestGridSearchCarrierStageKeepsTies(t *testing.T) {
	b, gs := scenarioOne(-70)
	res, err := gs.Optimize(10e9, 100e6, scenarioGuess)
	if err != nil {
		t.Fatal(err)
	}
	if res.Carrier.Skipped {
		t.Fatal("carrier at -70 dBm is not 10 dB below -65 dBm and must not be skipped")
	}
	if !res.Carrier.Converged {
		t.Error("constant -70 dBm carrier should satisfy a -65 dBm threshold")
	}
	if res.Params.DCOffsetI != scenarioGuess.DCOffsetI || res.Params.DCOffsetQ != scenarioGuess.DCOffsetQ {
		t.Errorf("flat carrier surface should keep the starting DC offsets, got %v", res.Params)
	}
	if b.dc[upconv.I] != res.Params.DCOffsetI || b.dc[upconv.Q] != res.Params.DCOffsetQ {
		t.Error("hardware should be left at the returned DC offsets")
	}
}

func TestGridSearchSkipsQuietCarrier(t *testing.T) {
	b, gs := scenarioOne(-80)
	b.dcStep = 0.005
	res, err := gs.Optimize(10e9, 100e6, scenarioGuess)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Carrier.Skipped || len(res.Carrier.Rounds) != 0 {
		t.Fatalf("expected the carrier stage to be skipped, got %+v", res.Carrier)
	}
	// -2 mV and 6 mV land on the 5 mV grid at 0 and 5 mV
	if res.Params.DCOffsetI != 0 || res.Params.DCOffsetQ != 0.005 {
		t.Errorf("expected the quantized offsets (0, 0.005) read back from hardware, got %v", res.Params)
	}
	if res.Params.DCOffsetQ == scenarioGuess.DCOffsetQ {
		t.Error("skip path returned the guess instead of the hardware reading")
	}
}

func TestGridSearchNeverWritesNonPositiveQ(t *testing.T) {
	b, gs := scenarioOne(-70)
	guess := scenarioGuess
	guess.Q = 0.1
	if _, err := gs.Optimize(10e9, 100e6, guess); err != nil {
		t.Fatal(err)
	}
	if b.badWrite {
		t.Error("a grid cell with q <= 0 reached the hardware")
	}
}

func TestGridSearchRejectsBadConfig(t *testing.T) {
	_, gs := scenarioOne(-70)
	gs.Config.Points = 1
	if _, err := gs.Optimize(10e9, 100e6, scenarioGuess); err == nil {
		t.Error("expected an error for a 1-point grid")
	}
	_, gs = scenarioOne(-70)
	gs.Config.CushionParam = 1
	if _, err := gs.Optimize(10e9, 100e6, scenarioGuess); err == nil {
		t.Error("expected an error for a cushion of 1")
	}
}

func TestGridSearchIncompleteHardware(t *testing.T) {
	gs := &GridSearch{Hardware: Hardware{}, Config: fastGridConfig(), Logger: quiet}
	if _, err := gs.Optimize(10e9, 100e6, scenarioGuess); err != ErrIncompleteHardware {
		t.Errorf("expected ErrIncompleteHardware, got %v", err)
	}
}

func TestGridSearchOnMockBench(t *testing.T) {
	const lo, ifFreq = 10e9, 100e6
	b := upconv.NewMockBench(1)
	hw := Hardware{Chain: b, Spectrum: b, LO: b}
	gs := &GridSearch{Hardware: hw, Config: fastGridConfig(), Logger: quiet}
	guess := upconv.CorrectionParameters{Phase: 90, Q: 1, A0: 0.5, DCOffsetI: -0.002, DCOffsetQ: 0.006}
	res, err := gs.Optimize(lo, ifFreq, guess)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("expected both stages to converge, got %v", res.Warnings)
	}
	ideal := b.Ideal(lo, ifFreq)
	if d := math.Abs(res.Params.Phase - ideal.Phase); d > 0.5 {
		t.Errorf("phase %.3f is %.3f° from ideal", res.Params.Phase, d)
	}
	if d := math.Abs(res.Params.Q - ideal.Q); d > 0.01 {
		t.Errorf("q %.4f is %.4f from ideal", res.Params.Q, d)
	}
	if rl := b.ReferenceLevel(); rl < 0 || rl > 5 {
		t.Errorf("expected reference level just above a ~0 dBm tone, got %.2f", rl)
	}
	if res.Sideband.Grid == nil || res.Sideband.Grid.Power == nil {
		t.Fatal("expected the last sideband grid to be kept")
	}
	if r, c := res.Sideband.Grid.Power.Dims(); r != 25 || c != 25 {
		t.Errorf("expected a 25x25 grid, got %dx%d", r, c)
	}
}

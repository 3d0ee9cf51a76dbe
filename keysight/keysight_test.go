package keysight

import (
	"errors"
	"strings"
	"testing"

	"github.jpl.nasa.gov/bdube/iqcal/scpi"
	"github.jpl.nasa.gov/bdube/iqcal/upconv"
)

func simGenerator() (*scpi.Sim, *WaveformGenerator) {
	sim := &scpi.Sim{Handle: func(cmd string) string {
		if cmd == "SOURce2:VOLTage:OFFSet?" {
			return "+6.0000E-03"
		}
		return ""
	}}
	return sim, &WaveformGenerator{scpi.SCPI{Pool: sim.NewPool(), Handshaking: true}}
}

func TestCorrectionCommands(t *testing.T) {
	sim, w := simGenerator()
	c := upconv.CorrectionParameters{Phase: 91.5, Q: 1, A0: 0.25, DCOffsetI: -0.002, DCOffsetQ: 0.006}
	if err := w.SetIFFrequency(50e6); err != nil {
		t.Fatal(err)
	}
	if err := upconv.ApplyCorrection(w, c); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"SOURce1:FREQuency 5E+07",
		"SOURce2:FREQuency 5E+07",
		"SOURce1:PHASe:SYNChronize",
		"SOURce1:VOLTage 0.5",
		"SOURce2:VOLTage 0.5",
		"SOURce1:PHASe 91.5",
		"SOURce1:VOLTage:OFFSet -0.002",
		"SOURce2:VOLTage:OFFSet 0.006",
	}
	got := sim.Commands()
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("expected\n%q\ngot\n%q", want, got)
	}
}

func TestGetDCOffset(t *testing.T) {
	_, w := simGenerator()
	v, err := w.GetDCOffset(upconv.Q)
	if err != nil || v != 0.006 {
		t.Errorf("expected 0.006, got %v, %v", v, err)
	}
}

func TestEnableOutput(t *testing.T) {
	sim, w := simGenerator()
	if err := w.EnableOutput(upconv.Q); err != nil {
		t.Fatal(err)
	}
	if sim.Last() != "OUTPut2 ON" {
		t.Errorf("expected OUTPut2 ON, got %q", sim.Last())
	}
}

func TestDeviceErrorSurfaces(t *testing.T) {
	sim, w := simGenerator()
	sim.PushError(`-222,"Data out of range"`)
	err := w.SetPhase(upconv.I, 1e6)
	var de scpi.DeviceError
	if !errors.As(err, &de) {
		t.Errorf("expected a device error, got %v", err)
	}
}

// chainLog records which chain received each write
type chainLog struct {
	name string
	log  *[]string
}

func (c chainLog) rec(s string) error {
	*c.log = append(*c.log, c.name+" "+s)
	return nil
}
func (c chainLog) SetIFFrequency(float64) error                { return c.rec("if") }
func (c chainLog) SetAmplitude(upconv.Branch, float64) error   { return c.rec("amp") }
func (c chainLog) SetPhase(upconv.Branch, float64) error       { return c.rec("phase") }
func (c chainLog) SetDCOffset(upconv.Branch, float64) error    { return c.rec("dc") }
func (c chainLog) GetDCOffset(upconv.Branch) (float64, error)  { return 0, c.rec("getdc") }
func (c chainLog) EnableOutput(upconv.Branch) error            { return c.rec("on") }

func TestBankRouting(t *testing.T) {
	var log []string
	b := NewBank(chainLog{"a", &log}, chainLog{"b", &log})
	if err := b.SelectOscillator(1); err != nil {
		t.Fatal(err)
	}
	b.SetIFFrequency(1)
	b.SetPhase(upconv.I, 1)
	b.SetDCOffset(upconv.I, 0)
	b.EnableOutput(upconv.I)
	want := "b if|b phase|a dc|a on|b on"
	if got := strings.Join(log, "|"); got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
	if err := b.SelectOscillator(2); !errors.Is(err, ErrNoSuchOscillator) {
		t.Errorf("expected ErrNoSuchOscillator, got %v", err)
	}
	if b.Selected() != 1 {
		t.Errorf("a failed select changed the selection to %d", b.Selected())
	}
}

func TestEmptyBankRefusesWrites(t *testing.T) {
	b := NewBank()
	errs := []error{
		b.SetIFFrequency(50e6),
		b.SetAmplitude(upconv.I, 0.5),
		b.SetPhase(upconv.I, 90),
		b.SetDCOffset(upconv.Q, 0),
		b.EnableOutput(upconv.I),
	}
	_, err := b.GetDCOffset(upconv.I)
	errs = append(errs, err)
	for i, err := range errs {
		if !errors.Is(err, ErrNoSuchOscillator) {
			t.Errorf("call %d: expected ErrNoSuchOscillator, got %v", i, err)
		}
	}
}

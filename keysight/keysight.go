// Package keysight drives Keysight 33500B-series two channel waveform
// generators as the IF stage of an IQ mixer
package keysight

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.jpl.nasa.gov/bdube/iqcal/comm"
	"github.jpl.nasa.gov/bdube/iqcal/scpi"
	"github.jpl.nasa.gov/bdube/iqcal/upconv"
)

// VendorID is the USB vendor ID of Keysight (formerly Agilent) instruments
const VendorID = 0x0957

// ErrNoSuchOscillator is returned by Bank.SelectOscillator for an index
// without a generator
var ErrNoSuchOscillator = errors.New("no generator for that oscillator index")

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'G', -1, 64)
}

// channel maps the I branch to output 1 and Q to output 2
func channel(b upconv.Branch) int {
	if b == upconv.Q {
		return 2
	}
	return 1
}

// WaveformGenerator is a 33500B with the I tone on channel 1 and the Q tone on
// channel 2
type WaveformGenerator struct {
	scpi.SCPI
}

// NewWaveformGenerator connects to a generator over LAN
func NewWaveformGenerator(addr string) *WaveformGenerator {
	maker := comm.BackingOffTCPConnMaker(addr, 1*time.Second)
	pool := comm.NewPool(1, time.Hour, maker)
	return &WaveformGenerator{scpi.SCPI{Pool: pool, Handshaking: true}}
}

// NewWaveformGeneratorUSB connects to a generator over USB-TMC
func NewWaveformGeneratorUSB(pid uint16) *WaveformGenerator {
	maker := comm.USBTMCConnMaker(VendorID, pid)
	pool := comm.NewPool(1, time.Hour, maker)
	return &WaveformGenerator{scpi.SCPI{Pool: pool, Handshaking: true}}
}

// SetIFFrequency sets both channels to hz and realigns their phase
func (w *WaveformGenerator) SetIFFrequency(hz float64) error {
	f := fmtFloat(hz)
	for _, ch := range []int{1, 2} {
		if err := w.Write(fmt.Sprintf("SOURce%d:FREQuency", ch), f); err != nil {
			return err
		}
	}
	return w.Write("SOURce1:PHASe:SYNChronize")
}

// SetAmplitude sets the peak amplitude of a branch; the generator is
// programmed in Vpp
func (w *WaveformGenerator) SetAmplitude(b upconv.Branch, volts float64) error {
	cmd := fmt.Sprintf("SOURce%d:VOLTage", channel(b))
	return w.Write(cmd, fmtFloat(2*volts))
}

// SetPhase sets the phase of a branch in degrees
func (w *WaveformGenerator) SetPhase(b upconv.Branch, degrees float64) error {
	cmd := fmt.Sprintf("SOURce%d:PHASe", channel(b))
	return w.Write(cmd, fmtFloat(degrees))
}

// SetDCOffset sets the DC offset of a branch in volts
func (w *WaveformGenerator) SetDCOffset(b upconv.Branch, volts float64) error {
	cmd := fmt.Sprintf("SOURce%d:VOLTage:OFFSet", channel(b))
	return w.Write(cmd, fmtFloat(volts))
}

// GetDCOffset reads the DC offset of a branch
func (w *WaveformGenerator) GetDCOffset(b upconv.Branch) (float64, error) {
	return w.ReadFloat(fmt.Sprintf("SOURce%d:VOLTage:OFFSet?", channel(b)))
}

// EnableOutput puts a branch in sine mode and turns its output on
func (w *WaveformGenerator) EnableOutput(b upconv.Branch) error {
	ch := channel(b)
	if err := w.Write(fmt.Sprintf("SOURce%d:FUNCtion SIN", ch)); err != nil {
		return err
	}
	return w.Write(fmt.Sprintf("OUTPut%d ON", ch))
}

// DisableOutput turns the output of a branch off
func (w *WaveformGenerator) DisableOutput(b upconv.Branch) error {
	return w.Write(fmt.Sprintf("OUTPut%d OFF", channel(b)))
}

// Bank combines several IQ chains, one per tone, into a chain with
// selectable oscillators.  Frequency, amplitude and phase go to the selected
// chain; the DC offsets, which set the carrier of the combined output, live on
// the first.
type Bank struct {
	Chains []upconv.SignalChain
	sel    int
}

// NewBank creates a bank with chain 0 selected
func NewBank(chains ...upconv.SignalChain) *Bank {
	return &Bank{Chains: chains}
}

// SelectOscillator routes subsequent tone writes to chain n
func (b *Bank) SelectOscillator(n int) error {
	if n < 0 || n >= len(b.Chains) {
		return fmt.Errorf("%w: %d of %d", ErrNoSuchOscillator, n, len(b.Chains))
	}
	b.sel = n
	return nil
}

// Selected is the index of the chain receiving tone writes
func (b *Bank) Selected() int {
	return b.sel
}

func (b *Bank) selected() (upconv.SignalChain, error) {
	if b.sel >= len(b.Chains) {
		return nil, fmt.Errorf("%w: %d of %d", ErrNoSuchOscillator, b.sel, len(b.Chains))
	}
	return b.Chains[b.sel], nil
}

func (b *Bank) first() (upconv.SignalChain, error) {
	if len(b.Chains) == 0 {
		return nil, fmt.Errorf("%w: bank is empty", ErrNoSuchOscillator)
	}
	return b.Chains[0], nil
}

func (b *Bank) SetIFFrequency(hz float64) error {
	c, err := b.selected()
	if err != nil {
		return err
	}
	return c.SetIFFrequency(hz)
}

func (b *Bank) SetAmplitude(br upconv.Branch, volts float64) error {
	c, err := b.selected()
	if err != nil {
		return err
	}
	return c.SetAmplitude(br, volts)
}

func (b *Bank) SetPhase(br upconv.Branch, degrees float64) error {
	c, err := b.selected()
	if err != nil {
		return err
	}
	return c.SetPhase(br, degrees)
}

func (b *Bank) SetDCOffset(br upconv.Branch, volts float64) error {
	c, err := b.first()
	if err != nil {
		return err
	}
	return c.SetDCOffset(br, volts)
}

func (b *Bank) GetDCOffset(br upconv.Branch) (float64, error) {
	c, err := b.first()
	if err != nil {
		return 0, err
	}
	return c.GetDCOffset(br)
}

// EnableOutput enables the branch on every chain
func (b *Bank) EnableOutput(br upconv.Branch) error {
	if len(b.Chains) == 0 {
		return fmt.Errorf("%w: bank is empty", ErrNoSuchOscillator)
	}
	for _, c := range b.Chains {
		if err := c.EnableOutput(br); err != nil {
			return err
		}
	}
	return nil
}

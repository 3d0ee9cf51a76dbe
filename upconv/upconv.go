/*Package upconv defines the data model and hardware interfaces of an IQ
up-conversion chain: an LO source, a two-branch (I/Q) waveform generator and a
spectrum analyzer with markers.

The optimizer, caltable and sweep packages only talk to hardware through the
interfaces declared here, so any of them may be driven by the simulated chain
in mock.go.
*/
package upconv

import (
	"errors"
	"fmt"
	"math"
)

// Branch is one of the two quadrature branches of the IQ mixer
type Branch int

const (
	// I is the in-phase branch
	I Branch = iota

	// Q is the quadrature branch
	Q
)

func (b Branch) String() string {
	switch b {
	case I:
		return "I"
	case Q:
		return "Q"
	default:
		return fmt.Sprintf("Branch(%d)", int(b))
	}
}

var (
	// ErrNonPositiveQ is returned when an amplitude ratio q <= 0 is used
	ErrNonPositiveQ = errors.New("amplitude imbalance q must be > 0")

	// ErrNotFinite is returned when a correction parameter is NaN or Inf
	ErrNotFinite = errors.New("correction parameter is not finite")
)

// CorrectionParameters are the four tuned knobs of the IQ chain plus the
// (fixed) average branch amplitude.
type CorrectionParameters struct {
	// Phase is the phase offset of the I branch, in degrees
	Phase float64 `json:"phase"`

	// Q is the ratio of branch amplitudes amp_i / amp_q
	Q float64 `json:"q"`

	// A0 is the mean of the branch amplitudes, in volts.  It is not optimized.
	A0 float64 `json:"a0"`

	// DCOffsetI is the DC offset of the I branch, in volts
	DCOffsetI float64 `json:"dcOffsetI"`

	// DCOffsetQ is the DC offset of the Q branch, in volts
	DCOffsetQ float64 `json:"dcOffsetQ"`
}

// Amplitudes converts q and a0 to the per-branch sine amplitudes
func (c CorrectionParameters) Amplitudes() (ampI, ampQ float64) {
	return BranchAmplitudes(c.Q, c.A0)
}

// Validate returns an error if q <= 0 or any field is not finite
func (c CorrectionParameters) Validate() error {
	for _, v := range []float64{c.Phase, c.Q, c.A0, c.DCOffsetI, c.DCOffsetQ} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrNotFinite
		}
	}
	if c.Q <= 0 {
		return ErrNonPositiveQ
	}
	return nil
}

func (c CorrectionParameters) String() string {
	return fmt.Sprintf("phase=%.3f° q=%.4f a0=%.4fV dcI=%.5fV dcQ=%.5fV",
		c.Phase, c.Q, c.A0, c.DCOffsetI, c.DCOffsetQ)
}

// BranchAmplitudes returns amp_i = 2q/(1+q)*a0 and amp_q = 2*a0/(1+q)
func BranchAmplitudes(q, a0 float64) (ampI, ampQ float64) {
	ampI = 2 * q / (1 + q) * a0
	ampQ = 2 * a0 / (1 + q)
	return
}

// HarmonicIndices are the positions, in units of IF relative to the LO, at
// which a HarmonicSample is measured.  Index 1 is the desired tone.
var HarmonicIndices = [5]int{-1, 0, 1, 2, 3}

// HarmonicSample holds measured powers in dBm at HarmonicIndices
type HarmonicSample [5]float64

// At returns the power at harmonic index k, which must be one of HarmonicIndices
func (h HarmonicSample) At(k int) float64 {
	return h[k+1]
}

// Desired returns the power of the desired (LO+IF) tone
func (h HarmonicSample) Desired() float64 {
	return h.At(1)
}

// SignalChain is the subset of the IQ waveform generator used by calibration
type SignalChain interface {
	// SetIFFrequency sets the frequency of the baseband tone, in Hz
	SetIFFrequency(hz float64) error

	// SetAmplitude sets the sine amplitude of a branch, in volts
	SetAmplitude(b Branch, volts float64) error

	// SetPhase sets the phase offset of a branch, in degrees
	SetPhase(b Branch, degrees float64) error

	// SetDCOffset sets the DC offset of a branch, in volts
	SetDCOffset(b Branch, volts float64) error

	// GetDCOffset returns the DC offset of a branch, in volts
	GetDCOffset(b Branch) (float64, error)

	// EnableOutput turns on the output of a branch
	EnableOutput(b Branch) error
}

// OscillatorSelector is implemented by signal chains with more than one
// internal oscillator.  After SelectOscillator(n), frequency, amplitude and
// phase writes only affect the path fed by oscillator n.
type OscillatorSelector interface {
	SelectOscillator(n int) error
}

// Marker is a probe parked on a frequency of a live spectrum trace
type Marker interface {
	// Name is a human readable label for the marker
	Name() string

	// ParkAt moves the marker to a frequency, in Hz
	ParkAt(hz float64) error

	// Power reads the marker, in dBm
	Power() (float64, error)
}

// Spectrum is a spectrum analyzer able to host markers
type Spectrum interface {
	// SetCenterFrequency sets the center of the trace, in Hz
	SetCenterFrequency(hz float64) error

	// SetSpan sets the width of the trace, in Hz
	SetSpan(hz float64) error

	// NewMarker allocates a marker on the trace
	NewMarker(name string) (Marker, error)
}

// ReferenceLeveler is implemented by analyzers with a settable reference level
type ReferenceLeveler interface {
	SetReferenceLevel(dbm float64) error
}

// Trace is a swept spectrum; Freq is strictly increasing
type Trace struct {
	Freq  []float64 `json:"freq"`
	Power []float64 `json:"power"`
}

// Tracer is implemented by analyzers that can return a whole trace
type Tracer interface {
	ReadTrace() (Trace, error)
}

// Source is the LO generator
type Source interface {
	// SetFrequency sets the LO frequency, in Hz
	SetFrequency(hz float64) error

	// OutputOn enables the RF output
	OutputOn() error
}

// PowerSetter is implemented by sources with a settable output power
type PowerSetter interface {
	SetPower(dbm float64) error
}

// ApplyCorrection writes amplitudes, I phase and both DC offsets to a chain
func ApplyCorrection(sc SignalChain, c CorrectionParameters) error {
	if err := ApplyImbalance(sc, c.Phase, c.Q, c.A0); err != nil {
		return err
	}
	return ApplyDCOffsets(sc, c.DCOffsetI, c.DCOffsetQ)
}

// ApplyImbalance writes the branch amplitudes derived from (q, a0) and the
// I-branch phase offset
func ApplyImbalance(sc SignalChain, phase, q, a0 float64) error {
	ampI, ampQ := BranchAmplitudes(q, a0)
	if err := sc.SetAmplitude(I, ampI); err != nil {
		return err
	}
	if err := sc.SetAmplitude(Q, ampQ); err != nil {
		return err
	}
	return sc.SetPhase(I, phase)
}

// ApplyDCOffsets writes the I and Q DC offsets
func ApplyDCOffsets(sc SignalChain, dcI, dcQ float64) error {
	if err := sc.SetDCOffset(I, dcI); err != nil {
		return err
	}
	return sc.SetDCOffset(Q, dcQ)
}

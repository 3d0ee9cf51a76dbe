package upconv

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
)

const (
	// mW per V^2 of branch amplitude reaching the mixer
	mockConversion = 4.

	// mW per V^2 of residual DC offset
	mockLeakage = 10.

	mockNoiseFloor = 1e-10 // mW, -100 dBm

	mockTracePoints = 601
)

var errLOOff = errors.New("mock: LO output is off")

// DefaultMockIdeal is the frequency-dependent correction that nulls the
// sideband and carrier of the simulated mixer
func DefaultMockIdeal(lo, ifFreq float64) CorrectionParameters {
	return CorrectionParameters{
		Phase:     92 + 1.5*math.Sin(lo/1e9) + 0.01*ifFreq/1e6,
		Q:         0.95 + 0.02*math.Cos(lo/1e9),
		DCOffsetI: -2.5e-3 + 0.5e-3*math.Sin(lo/1e9),
		DCOffsetQ: 5e-3,
	}
}

type mockOsc struct {
	freq  float64
	amp   [2]float64
	phase float64
}

// MockBench simulates an LO source, a two-oscillator IQ waveform generator and
// a spectrum analyzer wired to the RF output of the mixer.  It implements
// SignalChain, OscillatorSelector, Spectrum, ReferenceLeveler, Tracer, Source
// and PowerSetter.
//
// The image of each tone is set by the mismatch between the programmed
// (phase, q) and Ideal(lo, if); carrier leakage grows with the squared
// distance of the DC offsets from their ideal values.
type MockBench struct {
	sync.Mutex

	// Ideal returns the nulling correction for an (LO, IF) pair
	Ideal func(lo, ifFreq float64) CorrectionParameters

	// NoiseDB is the standard deviation of Gaussian noise added to every
	// power reading, in dB
	NoiseDB float64

	// RBW is the resolution bandwidth of the simulated analyzer, in Hz
	RBW float64

	// Reads counts marker power readings
	Reads int

	lo       float64
	loPower  float64
	loOn     bool
	osc      [2]mockOsc
	sel      int
	dc       [2]float64
	enabled  [2]bool
	center   float64
	span     float64
	refLevel float64
	rng      *rand.Rand
}

// NewMockBench returns a simulated bench with DefaultMockIdeal and noise-free
// readings
func NewMockBench(seed int64) *MockBench {
	return &MockBench{
		Ideal: DefaultMockIdeal,
		RBW:   100e3,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// SetFrequency sets the LO frequency
func (m *MockBench) SetFrequency(hz float64) error {
	m.Lock()
	defer m.Unlock()
	m.lo = hz
	return nil
}

// OutputOn turns the LO on
func (m *MockBench) OutputOn() error {
	m.Lock()
	defer m.Unlock()
	m.loOn = true
	return nil
}

// SetPower sets the LO power.  It is stored but does not change the model.
func (m *MockBench) SetPower(dbm float64) error {
	m.Lock()
	defer m.Unlock()
	m.loPower = dbm
	return nil
}

// SelectOscillator routes frequency, amplitude and phase writes to oscillator n
func (m *MockBench) SelectOscillator(n int) error {
	if n < 0 || n > 1 {
		return fmt.Errorf("mock: oscillator %d out of range [0,1]", n)
	}
	m.Lock()
	defer m.Unlock()
	m.sel = n
	return nil
}

// SetIFFrequency sets the frequency of the selected oscillator
func (m *MockBench) SetIFFrequency(hz float64) error {
	m.Lock()
	defer m.Unlock()
	m.osc[m.sel].freq = hz
	return nil
}

// SetAmplitude sets the amplitude of a branch of the selected oscillator
func (m *MockBench) SetAmplitude(b Branch, volts float64) error {
	if b != I && b != Q {
		return fmt.Errorf("mock: invalid branch %v", b)
	}
	m.Lock()
	defer m.Unlock()
	m.osc[m.sel].amp[b] = volts
	return nil
}

// SetPhase sets the phase offset of the selected oscillator's I branch.
// Q is the reference and writes to it are rejected.
func (m *MockBench) SetPhase(b Branch, degrees float64) error {
	if b != I {
		return fmt.Errorf("mock: phase is only adjustable on branch I, got %v", b)
	}
	m.Lock()
	defer m.Unlock()
	m.osc[m.sel].phase = degrees
	return nil
}

// SetDCOffset sets the DC offset of a branch
func (m *MockBench) SetDCOffset(b Branch, volts float64) error {
	if b != I && b != Q {
		return fmt.Errorf("mock: invalid branch %v", b)
	}
	m.Lock()
	defer m.Unlock()
	m.dc[b] = volts
	return nil
}

// GetDCOffset returns the DC offset of a branch
func (m *MockBench) GetDCOffset(b Branch) (float64, error) {
	if b != I && b != Q {
		return 0, fmt.Errorf("mock: invalid branch %v", b)
	}
	m.Lock()
	defer m.Unlock()
	return m.dc[b], nil
}

// EnableOutput enables the output of a branch
func (m *MockBench) EnableOutput(b Branch) error {
	if b != I && b != Q {
		return fmt.Errorf("mock: invalid branch %v", b)
	}
	m.Lock()
	defer m.Unlock()
	m.enabled[b] = true
	return nil
}

// SetCenterFrequency sets the analyzer center frequency
func (m *MockBench) SetCenterFrequency(hz float64) error {
	m.Lock()
	defer m.Unlock()
	m.center = hz
	return nil
}

// SetSpan sets the analyzer span
func (m *MockBench) SetSpan(hz float64) error {
	if hz <= 0 {
		return fmt.Errorf("mock: span must be positive, got %g", hz)
	}
	m.Lock()
	defer m.Unlock()
	m.span = hz
	return nil
}

// SetReferenceLevel sets the analyzer reference level
func (m *MockBench) SetReferenceLevel(dbm float64) error {
	m.Lock()
	defer m.Unlock()
	m.refLevel = dbm
	return nil
}

// ReferenceLevel returns the last reference level written
func (m *MockBench) ReferenceLevel() float64 {
	m.Lock()
	defer m.Unlock()
	return m.refLevel
}

// NewMarker allocates a marker on the simulated trace
func (m *MockBench) NewMarker(name string) (Marker, error) {
	return &mockMarker{bench: m, name: name}, nil
}

// ReadTrace sweeps the current center/span
func (m *MockBench) ReadTrace() (Trace, error) {
	m.Lock()
	defer m.Unlock()
	if m.span <= 0 {
		return Trace{}, errors.New("mock: span not configured")
	}
	lines := m.lines()
	sigma := math.Max(m.RBW, m.span/(mockTracePoints-1))
	t := Trace{Freq: make([]float64, mockTracePoints), Power: make([]float64, mockTracePoints)}
	start := m.center - m.span/2
	step := m.span / (mockTracePoints - 1)
	for i := range t.Freq {
		f := start + float64(i)*step
		t.Freq[i] = f
		t.Power[i] = m.reading(lines, f, sigma)
	}
	return t, nil
}

type line struct {
	freq, mW float64
}

// lines enumerates the spectral lines at the mixer output.  The lock must be held.
func (m *MockBench) lines() []line {
	if !m.loOn {
		return nil
	}
	var out []line
	if m.enabled[I] || m.enabled[Q] {
		ideal := m.Ideal(m.lo, m.osc[0].freq)
		dI := m.dc[I] - ideal.DCOffsetI
		dQ := m.dc[Q] - ideal.DCOffsetQ
		out = append(out, line{m.lo, mockLeakage * (dI*dI + dQ*dQ)})
	}
	if !(m.enabled[I] && m.enabled[Q]) {
		return out
	}
	for _, o := range m.osc {
		if o.freq <= 0 || o.amp[I] <= 0 || o.amp[Q] <= 0 {
			continue
		}
		ideal := m.Ideal(m.lo, o.freq)
		g := (o.amp[I] / o.amp[Q]) / ideal.Q
		eps := (o.phase - ideal.Phase) * math.Pi / 180
		scale := mockConversion * o.amp[Q] * o.amp[Q] / 4
		desired := scale * (1 + g*g + 2*g*math.Cos(eps))
		image := scale * (1 + g*g - 2*g*math.Cos(eps))
		out = append(out,
			line{m.lo + o.freq, desired},
			line{m.lo - o.freq, image},
			line{m.lo + 2*o.freq, desired * 1e-4},
			line{m.lo + 3*o.freq, desired * math.Pow(10, -4.5)},
		)
	}
	return out
}

// reading returns the dBm seen by a detector at f.  The lock must be held.
func (m *MockBench) reading(lines []line, f, sigma float64) float64 {
	total := mockNoiseFloor
	for _, l := range lines {
		d := (f - l.freq) / sigma
		if d > 8 || d < -8 {
			continue
		}
		total += l.mW * math.Exp(-d*d/2)
	}
	dbm := 10 * math.Log10(total)
	if m.NoiseDB > 0 {
		dbm += m.rng.NormFloat64() * m.NoiseDB
	}
	return dbm
}

type mockMarker struct {
	bench *MockBench
	name  string
	freq  float64
}

func (mk *mockMarker) Name() string {
	return mk.name
}

func (mk *mockMarker) ParkAt(hz float64) error {
	mk.freq = hz
	return nil
}

func (mk *mockMarker) Power() (float64, error) {
	b := mk.bench
	b.Lock()
	defer b.Unlock()
	if !b.loOn {
		return 0, errLOOff
	}
	b.Reads++
	return b.reading(b.lines(), mk.freq, b.RBW), nil
}

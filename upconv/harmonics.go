package upconv

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/interp"
)

var (
	// ErrShortTrace is returned when a trace has fewer than two points
	ErrShortTrace = errors.New("trace must contain at least two points")

	// ErrUnsortedTrace is returned when trace frequencies are not strictly increasing
	ErrUnsortedTrace = errors.New("trace frequencies must be strictly increasing")
)

// HarmonicFrequencies returns LO + k*IF for k in HarmonicIndices
func HarmonicFrequencies(lo, ifFreq float64) [5]float64 {
	var out [5]float64
	for i, k := range HarmonicIndices {
		out[i] = lo + float64(k)*ifFreq
	}
	return out
}

func fitTrace(t Trace) (*interp.PiecewiseLinear, error) {
	if len(t.Freq) < 2 || len(t.Freq) != len(t.Power) {
		return nil, ErrShortTrace
	}
	for i := 1; i < len(t.Freq); i++ {
		if t.Freq[i] <= t.Freq[i-1] {
			return nil, ErrUnsortedTrace
		}
	}
	pl := &interp.PiecewiseLinear{}
	if err := pl.Fit(t.Freq, t.Power); err != nil {
		return nil, fmt.Errorf("fitting trace: %w", err)
	}
	return pl, nil
}

// SampleHarmonics measures the power at every harmonic index around the LO.
//
// If sa is a Tracer, a single trace is read and interpolated at each harmonic,
// otherwise a scratch marker is parked at each harmonic in turn.
func SampleHarmonics(sa Spectrum, lo, ifFreq float64) (HarmonicSample, error) {
	var h HarmonicSample
	freqs := HarmonicFrequencies(lo, ifFreq)
	if tr, ok := sa.(Tracer); ok {
		trace, err := tr.ReadTrace()
		if err != nil {
			return h, err
		}
		pl, err := fitTrace(trace)
		if err != nil {
			return h, err
		}
		for i, f := range freqs {
			h[i] = pl.Predict(f)
		}
		return h, nil
	}
	m, err := sa.NewMarker("Harmonics")
	if err != nil {
		return h, err
	}
	for i, f := range freqs {
		if err := m.ParkAt(f); err != nil {
			return h, err
		}
		h[i], err = m.Power()
		if err != nil {
			return h, err
		}
	}
	return h, nil
}

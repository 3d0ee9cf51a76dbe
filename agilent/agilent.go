// Package agilent provides an interface to agilent test and measurement equipment
package agilent

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tarm/serial"
	"gonum.org/v1/gonum/floats"

	"github.jpl.nasa.gov/bdube/iqcal/comm"
	"github.jpl.nasa.gov/bdube/iqcal/mathx"
	"github.jpl.nasa.gov/bdube/iqcal/scpi"
	"github.jpl.nasa.gov/bdube/iqcal/upconv"
)

// MaxMarkers is the number of markers the E4405B can display
const MaxMarkers = 4

// ErrTooManyMarkers is returned by NewMarker once every marker is in use
var ErrTooManyMarkers = errors.New("all markers of the analyzer are in use")

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        57600,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 10 * time.Second}
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'G', -1, 64)
}

// SpectrumAnalyzer is an interface to the E4405B and other ESA-series analyzers
type SpectrumAnalyzer struct {
	scpi.SCPI

	mu      sync.Mutex
	markers map[string]int
}

// NewSpectrumAnalyzer creates a new SpectrumAnalyzer instance with
// the communication set up
func NewSpectrumAnalyzer(addr string, connectSerial bool) *SpectrumAnalyzer {
	var maker comm.CreationFunc
	if connectSerial {
		maker = comm.SerialConnMaker(makeSerConf(addr))
	} else {
		maker = comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	}
	pool := comm.NewPool(1, time.Hour, maker)
	return &SpectrumAnalyzer{SCPI: scpi.SCPI{Pool: pool, Handshaking: true}}
}

// Reset restores the factory settings
func (s *SpectrumAnalyzer) Reset() error {
	s.mu.Lock()
	s.markers = nil
	s.mu.Unlock()
	return s.Write("*RST")
}

// SetCenterFrequency sets the center of the sweep in Hz
func (s *SpectrumAnalyzer) SetCenterFrequency(hz float64) error {
	return s.Write(":SENSe:FREQuency:CENTer", fmtFloat(hz))
}

// SetSpan sets the width of the sweep in Hz
func (s *SpectrumAnalyzer) SetSpan(hz float64) error {
	return s.Write(":SENSe:FREQuency:SPAN", fmtFloat(hz))
}

// SetReferenceLevel sets the top of the display in dBm
func (s *SpectrumAnalyzer) SetReferenceLevel(dbm float64) error {
	return s.Write(":DISPlay:WINDow:TRACe:Y:RLEVel", fmtFloat(dbm)+"dBm")
}

// SetAttenuation sets the input attenuator, rounded to its 5 dB steps
func (s *SpectrumAnalyzer) SetAttenuation(db float64) error {
	return s.Write(fmt.Sprintf(":SENSe:POWer:ATTenuation %ddB", int(mathx.Round(db, 5))))
}

// NewMarker allocates the next free marker as a position marker.  A name
// already in use returns the marker it was given, so every optimizer run can
// ask for its markers afresh.
func (s *SpectrumAnalyzer) NewMarker(name string) (upconv.Marker, error) {
	s.mu.Lock()
	if s.markers == nil {
		s.markers = make(map[string]int, MaxMarkers)
	}
	n, ok := s.markers[name]
	if !ok {
		if len(s.markers) >= MaxMarkers {
			s.mu.Unlock()
			return nil, ErrTooManyMarkers
		}
		n = len(s.markers) + 1
		s.markers[name] = n
	}
	s.mu.Unlock()
	if err := s.Write(fmt.Sprintf(":CALCulate:MARKer%d:MODE POSition", n)); err != nil {
		return nil, err
	}
	return &Marker{sa: s, num: n, name: name}, nil
}

// ReadTrace returns trace 1 with its frequency axis
func (s *SpectrumAnalyzer) ReadTrace() (upconv.Trace, error) {
	var t upconv.Trace
	if err := s.Write(":FORMat:TRACe:DATA ASCii"); err != nil {
		return t, err
	}
	start, err := s.ReadFloat(":SENSe:FREQuency:STARt?")
	if err != nil {
		return t, err
	}
	stop, err := s.ReadFloat(":SENSe:FREQuency:STOP?")
	if err != nil {
		return t, err
	}
	pow, err := s.ReadFloats(":TRACe:DATA? TRACE1")
	if err != nil {
		return t, err
	}
	if len(pow) < 2 || !(stop > start) {
		return t, fmt.Errorf("trace of %d points from %g to %g Hz cannot be interpolated", len(pow), start, stop)
	}
	t.Power = pow
	t.Freq = floats.Span(make([]float64, len(pow)), start, stop)
	return t, nil
}

// Marker is one of the analyzer's position markers
type Marker struct {
	sa   *SpectrumAnalyzer
	num  int
	name string
}

// Name is the human readable label given at creation
func (m *Marker) Name() string {
	return m.name
}

// Number is the analyzer's index of the marker, 1..MaxMarkers
func (m *Marker) Number() int {
	return m.num
}

// ParkAt moves the marker to hz
func (m *Marker) ParkAt(hz float64) error {
	return m.sa.Write(fmt.Sprintf(":CALCulate:MARKer%d:X", m.num), fmtFloat(hz))
}

// Power reads the marker in dBm
func (m *Marker) Power() (float64, error) {
	return m.sa.ReadFloat(fmt.Sprintf(":CALCulate:MARKer%d:Y?", m.num))
}

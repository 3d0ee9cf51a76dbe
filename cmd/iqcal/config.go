package main

import (
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"github.jpl.nasa.gov/bdube/iqcal/agilent"
	"github.jpl.nasa.gov/bdube/iqcal/hittite"
	"github.jpl.nasa.gov/bdube/iqcal/keysight"
	"github.jpl.nasa.gov/bdube/iqcal/optimizer"
	"github.jpl.nasa.gov/bdube/iqcal/scpi"
	"github.jpl.nasa.gov/bdube/iqcal/sweep"
	"github.jpl.nasa.gov/bdube/iqcal/upconv"
	"github.jpl.nasa.gov/bdube/iqcal/util"
)

// Instrument holds the connection details of one piece of hardware
type Instrument struct {
	// Addr holds the network or filesystem address of the remote device,
	// e.g. 192.168.100.123:5025 for a LAN instrument, or /dev/ttyUSB0 for a
	// serial one
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Serial determines if the connection is serial/RS232 (True) or TCP (False)
	Serial bool `koanf:"Serial" yaml:"Serial"`

	// USBProductID, if nonzero, connects over USB-TMC instead of Addr.
	// Only the waveform generators support it.
	USBProductID uint16 `koanf:"USBProductID" yaml:"USBProductID"`

	// RateLimit, if nonzero, caps the commands per second sent to the device
	RateLimit float64 `koanf:"RateLimit" yaml:"RateLimit"`
}

func (i Instrument) limit(s *scpi.SCPI) {
	if i.RateLimit > 0 {
		s.Limiter = rate.NewLimiter(rate.Limit(i.RateLimit), 1)
	}
}

// GridSettings mirrors optimizer.GridConfig with times in seconds
type GridSettings struct {
	Points           int     `koanf:"Points" yaml:"Points"`
	CushionParam     float64 `koanf:"CushionParam" yaml:"CushionParam"`
	MaxIterations    int     `koanf:"MaxIterations" yaml:"MaxIterations"`
	MinRounds        int     `koanf:"MinRounds" yaml:"MinRounds"`
	MaxSidebandPower float64 `koanf:"MaxSidebandPower" yaml:"MaxSidebandPower"`
	MaxCarrierPower  float64 `koanf:"MaxCarrierPower" yaml:"MaxCarrierPower"`
	PhaseWindow      float64 `koanf:"PhaseWindow" yaml:"PhaseWindow"`
	QWindow          float64 `koanf:"QWindow" yaml:"QWindow"`
	DCIWindow        float64 `koanf:"DCIWindow" yaml:"DCIWindow"`
	DCQWindow        float64 `koanf:"DCQWindow" yaml:"DCQWindow"`
	Averages         int     `koanf:"Averages" yaml:"Averages"`
	FirstPointSettle float64 `koanf:"FirstPointSettle" yaml:"FirstPointSettle"`
	RowSettle        float64 `koanf:"RowSettle" yaml:"RowSettle"`
	PointSettle      float64 `koanf:"PointSettle" yaml:"PointSettle"`
	MarkerSettle     float64 `koanf:"MarkerSettle" yaml:"MarkerSettle"`
}

// DescentSettings mirrors optimizer.DescentConfig with times in seconds
type DescentSettings struct {
	PhaseStep     float64 `koanf:"PhaseStep" yaml:"PhaseStep"`
	QStep         float64 `koanf:"QStep" yaml:"QStep"`
	DCIStep       float64 `koanf:"DCIStep" yaml:"DCIStep"`
	DCQStep       float64 `koanf:"DCQStep" yaml:"DCQStep"`
	MinPower      float64 `koanf:"MinPower" yaml:"MinPower"`
	MaxIterations int     `koanf:"MaxIterations" yaml:"MaxIterations"`
	Margin        float64 `koanf:"Margin" yaml:"Margin"`
	MaxRetries    int     `koanf:"MaxRetries" yaml:"MaxRetries"`
	Averages      int     `koanf:"Averages" yaml:"Averages"`
	PointSettle   float64 `koanf:"PointSettle" yaml:"PointSettle"`
	MarkerSettle  float64 `koanf:"MarkerSettle" yaml:"MarkerSettle"`
}

// OptimizerSettings picks and configures the per-point optimizer
type OptimizerSettings struct {
	// Method is "grid" or "descent"
	Method  string          `koanf:"Method" yaml:"Method"`
	Grid    GridSettings    `koanf:"Grid" yaml:"Grid"`
	Descent DescentSettings `koanf:"Descent" yaml:"Descent"`
}

// SweepSettings is the calibration grid
type SweepSettings struct {
	LO            []float64 `koanf:"LO" yaml:"LO"`
	IF            []float64 `koanf:"IF" yaml:"IF"`
	LOPower       float64   `koanf:"LOPower" yaml:"LOPower"`
	IFVoltage     float64   `koanf:"IFVoltage" yaml:"IFVoltage"`
	Note          string    `koanf:"Note" yaml:"Note"`
	WarmStart     bool      `koanf:"WarmStart" yaml:"WarmStart"`
	HeatmapDir    string    `koanf:"HeatmapDir" yaml:"HeatmapDir"`
	HeatmapFormat string    `koanf:"HeatmapFormat" yaml:"HeatmapFormat"`
}

// Config is a struct that holds the initialization parameters of the bench,
// the sweep, and the HTTP server
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"Addr" yaml:"Addr"`

	// Mock replaces every instrument with a simulated bench
	Mock bool `koanf:"Mock" yaml:"Mock"`

	// MockSeed seeds the noise of the simulated bench
	MockSeed int64 `koanf:"MockSeed" yaml:"MockSeed"`

	// Table is the calibration file written by run and read by the others
	Table string `koanf:"Table" yaml:"Table"`

	Analyzer Instrument `koanf:"Analyzer" yaml:"Analyzer"`

	// Attenuation is the analyzer input attenuation in dB, left alone if zero
	Attenuation float64 `koanf:"Attenuation" yaml:"Attenuation"`

	LO Instrument `koanf:"LO" yaml:"LO"`

	// AWG lists one waveform generator per tone; the first also carries the
	// DC offsets
	AWG []Instrument `koanf:"AWG" yaml:"AWG"`

	Sweep     SweepSettings     `koanf:"Sweep" yaml:"Sweep"`
	Optimizer OptimizerSettings `koanf:"Optimizer" yaml:"Optimizer"`
}

func defaultConfig() Config {
	g := optimizer.DefaultGridConfig()
	d := optimizer.DefaultDescentConfig()
	return Config{
		Addr:     ":8000",
		MockSeed: 1,
		Table:    "iqcal.csv",
		AWG:      []Instrument{{}},
		Sweep: SweepSettings{
			LOPower:       15,
			IFVoltage:     0.5,
			WarmStart:     true,
			HeatmapFormat: "png",
		},
		Optimizer: OptimizerSettings{
			Method: "grid",
			Grid: GridSettings{
				Points:           g.Points,
				CushionParam:     g.CushionParam,
				MaxIterations:    g.MaxIterations,
				MinRounds:        g.MinRounds,
				MaxSidebandPower: g.MaxSidebandPower,
				MaxCarrierPower:  g.MaxCarrierPower,
				PhaseWindow:      g.PhaseWindow,
				QWindow:          g.QWindow,
				DCIWindow:        g.DCIWindow,
				DCQWindow:        g.DCQWindow,
				Averages:         g.Averages,
				FirstPointSettle: g.FirstPointSettle.Seconds(),
				RowSettle:        g.RowSettle.Seconds(),
				PointSettle:      g.PointSettle.Seconds(),
				MarkerSettle:     g.MarkerSettle.Seconds(),
			},
			Descent: DescentSettings{
				PhaseStep:     d.PhaseStep,
				QStep:         d.QStep,
				DCIStep:       d.DCIStep,
				DCQStep:       d.DCQStep,
				MinPower:      d.MinPower,
				MaxIterations: d.MaxIterations,
				Margin:        d.Margin,
				MaxRetries:    d.MaxRetries,
				Averages:      d.Averages,
				PointSettle:   d.PointSettle.Seconds(),
				MarkerSettle:  d.MarkerSettle.Seconds(),
			},
		},
	}
}

func (g GridSettings) config() optimizer.GridConfig {
	return optimizer.GridConfig{
		Points:           g.Points,
		CushionParam:     g.CushionParam,
		MaxIterations:    g.MaxIterations,
		MinRounds:        g.MinRounds,
		MaxSidebandPower: g.MaxSidebandPower,
		MaxCarrierPower:  g.MaxCarrierPower,
		PhaseWindow:      g.PhaseWindow,
		QWindow:          g.QWindow,
		DCIWindow:        g.DCIWindow,
		DCQWindow:        g.DCQWindow,
		Averages:         g.Averages,
		FirstPointSettle: util.SecsToDuration(g.FirstPointSettle),
		RowSettle:        util.SecsToDuration(g.RowSettle),
		PointSettle:      util.SecsToDuration(g.PointSettle),
		MarkerSettle:     util.SecsToDuration(g.MarkerSettle),
	}
}

func (d DescentSettings) config() optimizer.DescentConfig {
	return optimizer.DescentConfig{
		PhaseStep:     d.PhaseStep,
		QStep:         d.QStep,
		DCIStep:       d.DCIStep,
		DCQStep:       d.DCQStep,
		MinPower:      d.MinPower,
		MaxIterations: d.MaxIterations,
		Margin:        d.Margin,
		MaxRetries:    d.MaxRetries,
		Averages:      d.Averages,
		PointSettle:   util.SecsToDuration(d.PointSettle),
		MarkerSettle:  util.SecsToDuration(d.MarkerSettle),
	}
}

// Bench is the connected hardware.  Synth is nil for a mock bench.
type Bench struct {
	optimizer.Hardware
	Synth *hittite.Synthesizer
}

// buildBench connects to the instruments named in c, or simulates them
func buildBench(c Config) (Bench, error) {
	if c.Mock {
		m := upconv.NewMockBench(c.MockSeed)
		return Bench{Hardware: optimizer.Hardware{Chain: m, Spectrum: m, LO: m}}, nil
	}
	if c.Analyzer.Addr == "" || c.LO.Addr == "" || len(c.AWG) == 0 {
		return Bench{}, fmt.Errorf("the analyzer, LO and at least one AWG must have an address, or set Mock")
	}
	sa := agilent.NewSpectrumAnalyzer(c.Analyzer.Addr, c.Analyzer.Serial)
	c.Analyzer.limit(&sa.SCPI)
	if c.Attenuation > 0 {
		if err := sa.SetAttenuation(c.Attenuation); err != nil {
			return Bench{}, err
		}
	}
	synth := hittite.NewSynthesizer(c.LO.Addr, c.LO.Serial)
	c.LO.limit(&synth.SCPI)

	chains := make([]upconv.SignalChain, len(c.AWG))
	for i, awg := range c.AWG {
		var gen *keysight.WaveformGenerator
		switch {
		case awg.USBProductID != 0:
			gen = keysight.NewWaveformGeneratorUSB(awg.USBProductID)
		case awg.Addr != "":
			gen = keysight.NewWaveformGenerator(awg.Addr)
		default:
			return Bench{}, fmt.Errorf("AWG %d has neither an address nor a USB product ID", i)
		}
		awg.limit(&gen.SCPI)
		chains[i] = gen
	}
	var chain upconv.SignalChain = chains[0]
	if len(chains) > 1 {
		chain = keysight.NewBank(chains...)
	}
	return Bench{Hardware: optimizer.Hardware{Chain: chain, Spectrum: sa, LO: synth}, Synth: synth}, nil
}

// buildOptimizer returns the configured per-point optimizer
func buildOptimizer(c Config, hw optimizer.Hardware) (optimizer.Optimizer, error) {
	switch strings.ToLower(c.Optimizer.Method) {
	case "grid", "":
		gs := optimizer.NewGridSearch(hw)
		gs.Config = c.Optimizer.Grid.config()
		return gs, nil
	case "descent", "gradient":
		gd := optimizer.NewGradientDescent(hw)
		gd.Config = c.Optimizer.Descent.config()
		return gd, nil
	}
	return nil, fmt.Errorf("optimizer method %q not understood, use grid or descent", c.Optimizer.Method)
}

func (s SweepSettings) plan() sweep.Plan {
	return sweep.Plan{
		LO:            s.LO,
		IF:            s.IF,
		LOPower:       s.LOPower,
		IFVoltage:     s.IFVoltage,
		Note:          s.Note,
		WarmStart:     s.WarmStart,
		HeatmapDir:    s.HeatmapDir,
		HeatmapFormat: s.HeatmapFormat,
	}
}

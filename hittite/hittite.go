// Package hittite provides an interface to Hittite (Analog Devices)
// HMC-T2220 CW synthesizers, used as the LO of the up-converter
package hittite

import (
	"log"
	"strconv"
	"time"

	"github.com/tarm/serial"

	"github.jpl.nasa.gov/bdube/iqcal/comm"
	"github.jpl.nasa.gov/bdube/iqcal/scpi"
	"github.jpl.nasa.gov/bdube/iqcal/util"
)

// powerUncalibrated is the bit of the questionable status register set when
// the output level is outside the leveling calibration
const powerUncalibrated = 3

func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 5 * time.Second}
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'G', -1, 64)
}

// Synthesizer is an HMC-T2220
type Synthesizer struct {
	scpi.SCPI

	// Logger receives warnings about uncalibrated output power; nil logs to
	// the standard logger
	Logger *log.Logger
}

// NewSynthesizer creates a new Synthesizer over LAN, or over its USB virtual
// serial port if connectSerial is true
func NewSynthesizer(addr string, connectSerial bool) *Synthesizer {
	var maker comm.CreationFunc
	if connectSerial {
		maker = comm.SerialConnMaker(makeSerConf(addr))
	} else {
		maker = comm.BackingOffTCPConnMaker(addr, 1*time.Second)
	}
	pool := comm.NewPool(1, time.Hour, maker)
	return &Synthesizer{SCPI: scpi.SCPI{Pool: pool, Handshaking: true}}
}

func (s *Synthesizer) logger() *log.Logger {
	if s.Logger == nil {
		return log.Default()
	}
	return s.Logger
}

// SetFrequency sets the output frequency in Hz
func (s *Synthesizer) SetFrequency(hz float64) error {
	return s.Write("FREQ", fmtFloat(hz))
}

// GetFrequency returns the output frequency in Hz
func (s *Synthesizer) GetFrequency() (float64, error) {
	return s.ReadFloat("FREQ?")
}

// SetPower sets the output power in dBm and, if the output is on, warns when
// the level is outside the calibrated range
func (s *Synthesizer) SetPower(dbm float64) error {
	if err := s.Write("POW", fmtFloat(dbm)); err != nil {
		return err
	}
	on, err := s.GetOutput()
	if err != nil {
		return err
	}
	if on {
		return s.warnUncalibrated()
	}
	return nil
}

// GetPower returns the output power in dBm
func (s *Synthesizer) GetPower() (float64, error) {
	return s.ReadFloat("POW?")
}

// OutputOn enables the RF output
func (s *Synthesizer) OutputOn() error {
	if err := s.Write("OUTP ON"); err != nil {
		return err
	}
	return s.warnUncalibrated()
}

// OutputOff disables the RF output
func (s *Synthesizer) OutputOff() error {
	return s.Write("OUTP OFF")
}

// GetOutput returns true if the RF output is on
func (s *Synthesizer) GetOutput() (bool, error) {
	return s.ReadBool("OUTP?")
}

// PowerOutOfRange returns true if the output level is outside the
// calibration of the synthesizer's leveling loop
func (s *Synthesizer) PowerOutOfRange() (bool, error) {
	cond, err := s.ReadInt("STATus:QUEStionable:CONDition?")
	if err != nil {
		return false, err
	}
	return util.GetBit(byte(cond), powerUncalibrated), nil
}

func (s *Synthesizer) warnUncalibrated() error {
	bad, err := s.PowerOutOfRange()
	if err != nil {
		return err
	}
	if bad {
		p, err := s.GetPower()
		if err != nil {
			return err
		}
		s.logger().Printf("HMC-T2220 output power of %g dBm lies outside the calibration range", p)
	}
	return nil
}

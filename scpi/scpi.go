// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.jpl.nasa.gov/bdube/iqcal/comm"
)

const (
	// DefaultTimeout bounds each transaction when SCPI.Timeout is zero
	DefaultTimeout = 5 * time.Second

	// maxErrors caps AllErrors in case the error query itself keeps failing
	maxErrors = 32
)

// DeviceError is a nonzero entry of the instrument's error queue
type DeviceError string

func (e DeviceError) Error() string {
	return "scpi: device error " + string(e)
}

// noError is true for "+0,..." and "0,..." error queue entries
func noError(s string) bool {
	s = strings.TrimPrefix(strings.TrimSpace(s), "+")
	return strings.HasPrefix(s, "0")
}

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool

	// Limiter, if not nil, spaces out transactions for instruments that drop
	// commands sent back to back
	Limiter *rate.Limiter

	// Timeout bounds each transaction, DefaultTimeout if zero
	Timeout time.Duration
}

// transaction sends cmds and, if read, returns one response line
func (s *SCPI) transaction(handshake, read bool, cmds ...string) (resp []byte, err error) {
	if s.Limiter != nil {
		if err = s.Limiter.Wait(context.Background()); err != nil {
			return nil, err
		}
	}
	conn, err := s.Pool.Get()
	if err != nil {
		return nil, err
	}
	defer func() {
		// a DeviceError leaves the link in a clean state
		_, devErr := err.(DeviceError)
		if devErr {
			s.Pool.ReturnWithError(conn, nil)
			return
		}
		s.Pool.ReturnWithError(conn, err)
	}()
	to := s.Timeout
	if to == 0 {
		to = DefaultTimeout
	}
	if err = comm.SetTimeout(conn, to); err != nil {
		return nil, err
	}
	wrap := comm.NewTerminator(conn, '\n', '\n')
	str := strings.Join(cmds, " ")
	if handshake {
		str = "*CLS;" + str + ";:SYSTem:ERRor?"
	}
	if _, err = io.WriteString(wrap, str); err != nil {
		return nil, err
	}
	if !read && !handshake {
		return nil, nil
	}
	resp, err = wrap.ReadLine()
	if err != nil {
		return nil, err
	}
	if handshake {
		var status []byte
		if read {
			i := bytes.LastIndexByte(resp, ';')
			if i < 0 {
				err = fmt.Errorf("scpi: handshake response %q has no error status", resp)
				return nil, err
			}
			resp, status = resp[:i], resp[i+1:]
		} else {
			resp, status = nil, resp
		}
		if !noError(string(status)) {
			err = DeviceError(status)
			return resp, err
		}
	}
	return resp, nil
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	_, err := s.transaction(s.Handshaking, false, cmds...)
	return err
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	return s.transaction(s.Handshaking, true, cmds...)
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	return strings.TrimSpace(string(resp)), err
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp, 64)
}

// ReadFloats reads a comma separated list of floats, as returned by trace
// queries in ASCII format
func (s *SCPI) ReadFloats(cmds ...string) ([]float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return nil, err
	}
	if resp == "" {
		return nil, nil
	}
	pieces := strings.Split(resp, ",")
	out := make([]float64, len(pieces))
	for i, p := range pieces {
		out[i], err = strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("scpi: value %d of %d: %w", i, len(pieces), err)
		}
	}
	return out, nil
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	return strconv.ParseBool(resp)
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(resp)
}

// Raw sends a command to the device without handshaking and returns a
// response if it was a query, else a blank string
func (s *SCPI) Raw(str string) (string, error) {
	query := strings.Contains(str, "?")
	resp, err := s.transaction(false, query, str)
	return strings.TrimSpace(string(resp)), err
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	resp, err := s.transaction(false, true, "SYSTem:ERRor?")
	if err != nil {
		return err
	}
	str := strings.TrimSpace(string(resp))
	if noError(str) {
		return nil
	}
	return DeviceError(str)
}

// AllErrors returns all errors from the device as a list
func (s *SCPI) AllErrors() []error {
	var errs []error
	for len(errs) < maxErrors {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
		if _, ok := err.(DeviceError); !ok {
			break
		}
	}
	return errs
}

// AllErrorsString is equivalent to AllErrors, but joining by newline
// if there were no errors, the error return value is nil, otherwise
// it is the first error in the list and has no particular meaning
func (s *SCPI) AllErrorsString() (string, error) {
	errs := s.AllErrors()
	if len(errs) == 0 {
		return "", nil
	}
	strs := make([]string, len(errs))
	for i := 0; i < len(errs); i++ {
		strs[i] = errs[i].Error()
	}
	return strings.Join(strs, "\n"), errs[0]
}

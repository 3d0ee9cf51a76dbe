/*Package comm provides the connection plumbing shared by the instrument
drivers: line terminated framing, I/O deadlines, and makers for TCP, serial
and USB-TMC links that feed a Pool.
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"

	"github.jpl.nasa.gov/bdube/iqcal/usbtmc"
)

var (
	// ErrNotConnected is generated when a connection is used before it is made
	ErrNotConnected = errors.New("connection is nil, not connected")

	// ErrLineTooLong is returned by Terminator.Read when a line does not fit the buffer
	ErrLineTooLong = errors.New("received line is longer than the read buffer")
)

// CreationFunc is a function which returns a new "connection" to something
// a closure should be used to encapsulate the variables and functions needed
type CreationFunc func() (io.ReadWriteCloser, error)

// Terminator wraps a connection and frames each write and read with a
// terminating byte.  Instruments speak one line per message.
type Terminator struct {
	rw     io.ReadWriter
	br     *bufio.Reader
	rx, tx byte
}

// NewTerminator wraps rw; rx terminates received lines and tx is appended to
// each transmission that does not already end with it
func NewTerminator(rw io.ReadWriter, rx, tx byte) *Terminator {
	return &Terminator{rw: rw, br: bufio.NewReader(rw), rx: rx, tx: tx}
}

// Write sends p followed by the tx terminator
func (t *Terminator) Write(p []byte) (int, error) {
	if t.rw == nil {
		return 0, ErrNotConnected
	}
	msg := p
	if len(p) == 0 || p[len(p)-1] != t.tx {
		msg = make([]byte, len(p)+1)
		copy(msg, p)
		msg[len(p)] = t.tx
	}
	if _, err := t.rw.Write(msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

// ReadLine returns the next line without its terminator or a trailing '\r'
func (t *Terminator) ReadLine() ([]byte, error) {
	if t.rw == nil {
		return nil, ErrNotConnected
	}
	line, err := t.br.ReadBytes(t.rx)
	if err != nil {
		return nil, err
	}
	line = bytes.TrimSuffix(line[:len(line)-1], []byte{'\r'})
	return line, nil
}

// Read reads one line into p
func (t *Terminator) Read(p []byte) (int, error) {
	line, err := t.ReadLine()
	if err != nil {
		return 0, err
	}
	n := copy(p, line)
	if n < len(line) {
		return n, ErrLineTooLong
	}
	return n, nil
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// SetTimeout bounds the next I/O on rw to d from now.  Connections without
// deadlines, such as serial ports which carry their own read timeout, are
// left alone.
func SetTimeout(rw io.ReadWriter, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	if dl, ok := rw.(deadliner); ok {
		return dl.SetDeadline(time.Now().Add(d))
	}
	return nil
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	if err = conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// BackingOffTCPConnMaker returns a CreationFunc that dials addr, retrying
// with exponential backoff for a few seconds before giving up
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			c, err := TCPSetup(addr, timeout)
			if err != nil {
				return err
			}
			conn = c
			return nil
		}
		// the instruments reject a second connection while the last one is
		// closing; these numbers ride that out
		b := &backoff.ExponentialBackOff{
			InitialInterval:     1 * time.Millisecond,
			RandomizationFactor: .5,
			Multiplier:          2,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock,
		}
		if err := backoff.Retry(op, b); err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc that opens the serial port in conf
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}

// USBTMCConnMaker returns a CreationFunc that opens the USB-TMC device with
// the given vendor and product IDs
func USBTMCConnMaker(vid, pid uint16) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return usbtmc.Open(vid, pid)
	}
}

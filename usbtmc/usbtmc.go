/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices, enough for the bulk transfer mode of the signal
generators on the calibration bench.

It does not include features to support multi-packet messaging, and thus
assumes each message fits in the remote's buffer.

To send a message:
1.  Allocate a send buffer
2.  Write the header to it
3.  Write your data to it
4.  Ensure that the total transmission size is a multiple of 4 bytes before flushing

To receive a message:
1.  Allocate a receipt buffer
2.  Create a read header and send it on the Out endpoint
3.  Read from the In endpoint

These are implemented as Write() and Read() on Device, which is an
io.ReadWriteCloser.
*/
package usbtmc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/google/gousb"
)

const (
	reserved = 0x00

	headerSize = 12
	alignment  = 4

	msgDevDepOut   = 0x01
	msgRequestIn   = 0x02
	eom            = 0x01
	termCharEnable = 0x02

	// bulk endpoint addresses used by the supported instruments
	bulkEndpoint = 2

	// MaxTransfer is the largest payload requested in one read
	MaxTransfer = 1 << 16
)

// ErrDeviceNotFound is returned by Open when no device has the requested IDs
var ErrDeviceNotFound = errors.New("usbtmc: no device with that vendor and product ID")

// bTagGen is a concurrent-safe bTag generator; tags run 1..255 and wrap
type bTagGen struct {
	sync.Mutex

	value byte
}

func (b *bTagGen) next() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value == 0 {
		b.value = 1
	}
	return b.value
}

// invbTag is the bitwise inversion of a btag, USBTMC table 1 offset 2
func invbTag(b byte) byte {
	return b ^ 0xff
}

// encBulkOutHeader creates the DEV_DEP_MSG_OUT header, USBTMC table 3.
// Bytes 4-7 are the payload length, LSB first; byte 8 flags end of message.
func encBulkOutHeader(tag byte, datalen int) [headerSize]byte {
	var out [headerSize]byte
	out[0] = msgDevDepOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = eom
	return out
}

// encBulkInHeader creates the REQUEST_DEV_DEP_MSG_IN header, USBTMC table 4.
// if terminator is nil the device is told to ignore the termination character
func encBulkInHeader(tag byte, bufsize int, terminator *byte) [headerSize]byte {
	var out [headerSize]byte
	out[0] = msgRequestIn
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = termCharEnable
		out[9] = *terminator
	}
	return out
}

// decBulkInHeader validates a DEV_DEP_MSG_IN header answering tag and returns
// its transfer size
func decBulkInHeader(hdr []byte, tag byte) (int, error) {
	if len(hdr) < headerSize {
		return 0, fmt.Errorf("usbtmc: only received %d bytes, need at least %d to form header", len(hdr), headerSize)
	}
	if hdr[0] != msgRequestIn {
		return 0, fmt.Errorf("usbtmc: unexpected MsgID %#x in bulk in header", hdr[0])
	}
	if hdr[1] != tag || hdr[2] != invbTag(tag) {
		return 0, fmt.Errorf("usbtmc: bTag %d does not answer request %d", hdr[1], tag)
	}
	return int(binary.LittleEndian.Uint32(hdr[4:8])), nil
}

// frame prepends the bulk out header to b and pads to a multiple of 4 bytes
func frame(tag byte, b []byte) []byte {
	hdr := encBulkOutHeader(tag, len(b))
	n := headerSize + len(b)
	if residual := n % alignment; residual > 0 {
		n += alignment - residual
	}
	out := make([]byte, n)
	copy(out, hdr[:])
	copy(out[headerSize:], b)
	return out
}

// Device is a USB-TMC instrument exposed as an io.ReadWriteCloser.  Each Read
// returns the payload of one bulk in transfer, ended by '\n'.
type Device struct {
	tags   bTagGen
	ctx    *gousb.Context
	device *gousb.Device
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	closer func()
}

// Open opens the first device with the given vendor and product ID
func Open(vid, pid uint16) (*Device, error) {
	d := &Device{ctx: gousb.NewContext()}
	var err error
	d.device, err = d.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err == nil && d.device == nil {
		err = ErrDeviceNotFound
	}
	if err != nil {
		d.ctx.Close()
		return nil, err
	}
	if err = d.device.SetAutoDetach(true); err != nil {
		d.Close()
		return nil, err
	}
	var iface *gousb.Interface
	iface, d.closer, err = d.device.DefaultInterface()
	if err != nil {
		d.Close()
		return nil, err
	}
	if d.in, err = iface.InEndpoint(bulkEndpoint); err != nil {
		d.Close()
		return nil, err
	}
	if d.out, err = iface.OutEndpoint(bulkEndpoint); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// Write sends b as one end-of-message transfer
func (d *Device) Write(b []byte) (int, error) {
	if _, err := d.out.Write(frame(d.tags.next(), b)); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Read requests up to len(p) bytes, terminated by '\n', and copies the
// payload into p
func (d *Device) Read(p []byte) (int, error) {
	size := len(p)
	if size > MaxTransfer {
		size = MaxTransfer
	}
	term := byte('\n')
	tag := d.tags.next()
	hdr := encBulkInHeader(tag, size, &term)
	n, err := d.out.Write(hdr[:])
	if err != nil {
		return 0, err
	}
	if n != headerSize {
		return 0, fmt.Errorf("usbtmc: wrote %d bytes, not the full %d required to request a read", n, headerSize)
	}
	buf := make([]byte, headerSize+size+alignment)
	n, err = d.in.Read(buf)
	if err != nil {
		return 0, err
	}
	buf = buf[:n]
	transfer, err := decBulkInHeader(buf, tag)
	if err != nil {
		return 0, err
	}
	payload := buf[headerSize:]
	if transfer < len(payload) {
		payload = payload[:transfer]
	}
	return copy(p, payload), nil
}

// Close releases the interface, the device and the USB context
func (d *Device) Close() error {
	if d.closer != nil {
		d.closer()
	}
	var err error
	if d.device != nil {
		err = d.device.Close()
	}
	if cerr := d.ctx.Close(); err == nil {
		err = cerr
	}
	return err
}

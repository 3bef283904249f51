/*Package usbtmc implements datagram encoding and decoding for USB Test and
Measurement Class devices, and exposes such a device as an io.ReadWriteCloser
so it can sit underneath a comm.RemoteDevice like a socket or serial port.

This is a 'minimum viable product' for the bulk transfer mode.  It does not
include features to support multi-packet messaging, and thus assumes your
data fits in the remote's buffer.  Instruments which return long waveforms
over USB should be configured to send them in several pieces.

To send a message:
1.  Allocate a send buffer
2.  Write the header to it
3.  Write your data to it
4.  Ensure that the total transmission size is a multiple of 4 bytes before flushing

To receive a message:
1.  Create a read request header and send it on the Out endpoint
2.  Read from the In endpoint
3.  Strip the response header, keep transferSize bytes of payload

These macros are implemented as Write() and Read() on Device.

Addresses follow the VISA resource convention,

	USB0::0x0957::0x0909::MY46412345::INSTR

where the fields are vendor ID, product ID, and serial number.  The serial
number may be omitted, in which case the first device matching vid:pid is used.
*/
package usbtmc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/lcdlab/sponexp/comm"
)

const (
	// reserved is the byte to insert in reserved header slots
	reserved = 0x00

	headerSize = 12

	msgDevDepOut  = 0x01
	msgRequestIn  = 0x02
	alignment     = 4
	maxTransfer   = 1 << 16
	defaultTerm   = '\n'
	classApp      = 0xfe
	subclassUSBTM = 0x03
)

var (
	// ErrBadAddress is generated when a resource string does not parse
	ErrBadAddress = errors.New("not a USB VISA resource string")

	// ErrDeviceNotFound is generated when no attached device matches the address
	ErrDeviceNotFound = errors.New("no matching USB device")
)

// BTagger can generate atomic bTags
type BTagger interface {
	nextbTag() byte
}

// bTagGen is a concurrent-safe bTag generator.  Tags run 1..255 and wrap,
// zero is not a legal tag.
type bTagGen struct {
	// embedded mutex for concurrent safety
	sync.Mutex

	value byte
}

func newBTagGen() *bTagGen {
	return &bTagGen{}
}

func (b *bTagGen) nextbTag() byte {
	b.Lock()
	defer b.Unlock()
	b.value++
	if b.value == 0 {
		b.value = 1
	}
	return b.value
}

// invbTag computes the bitwise inversion of a btag, per USBTMC standard table 1 offset 2
func invbTag(b byte) byte {
	// ^ is bitwise exclusive OR.  Comparing with 0xff (all 1s) is the bitwise inversion
	return b ^ 0xff
}

// encBulkOutHeader creates the header defined in USBTMC standard, Table 3
func encBulkOutHeader(tag byte, datalen int) [headerSize]byte {
	out := [headerSize]byte{}
	/* data map by offset:
	0 MsgID, DEV_DEP_MSG_OUT
	1 bTag, a single byte 1 <= x <= 255, unique and incrementing with each message
	2 bTagInverse
	3 Reserved (0x00)
	4-7 transferSize, message bytes exclusive of header and alignment, LSB first
	8 bitmap, bit 0 is EOM
	9-11 reserved
	*/
	out[0] = msgDevDepOut
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(datalen))
	out[8] = 0x01 // hardcode end of message
	return out
}

// encBulkInHeader creates the header defined in USBTMC standard, Table 4.
// if terminator is nil, puts 0x00 in the header and sets the bit to use it to false
func encBulkInHeader(tag byte, bufsize int, terminator *byte) [headerSize]byte {
	out := [headerSize]byte{}
	/* this differs from BulkOut by bytes 8~11
	8 bitmap, bit 1 is TermCharEnabled
	9 terminator byte
	10~11 reserved
	*/
	out[0] = msgRequestIn
	out[1] = tag
	out[2] = invbTag(tag)
	out[3] = reserved
	binary.LittleEndian.PutUint32(out[4:8], uint32(bufsize))
	if terminator != nil {
		out[8] = 0x02
		out[9] = *terminator
	}
	return out
}

// decBulkInHeader validates the header of a DEV_DEP_MSG_IN response and
// returns the payload size and the end of message flag
func decBulkInHeader(hdr []byte, tag byte) (size int, eom bool, err error) {
	if len(hdr) < headerSize {
		return 0, false, fmt.Errorf("only received %d bytes, need at least %d to form header", len(hdr), headerSize)
	}
	if hdr[0] != msgRequestIn {
		return 0, false, fmt.Errorf("unexpected MsgID %d in bulk in response", hdr[0])
	}
	if hdr[1] != tag || hdr[2] != invbTag(tag) {
		return 0, false, fmt.Errorf("bTag mismatch, sent %d got %d", tag, hdr[1])
	}
	size = int(binary.LittleEndian.Uint32(hdr[4:8]))
	return size, hdr[8]&0x01 == 1, nil
}

// pad extends b with zeros to a multiple of the USBTMC alignment
func pad(b []byte) []byte {
	if residual := len(b) % alignment; residual > 0 {
		b = append(b, make([]byte, alignment-residual)...)
	}
	return b
}

// Address is a parsed USB VISA resource string
type Address struct {
	VID    uint16
	PID    uint16
	Serial string
}

func (a Address) String() string {
	s := fmt.Sprintf("USB0::0x%04X::0x%04X", a.VID, a.PID)
	if a.Serial != "" {
		s += "::" + a.Serial
	}
	return s + "::INSTR"
}

// ParseAddress parses a USB VISA resource string
func ParseAddress(s string) (Address, error) {
	var out Address
	pieces := strings.Split(s, "::")
	if len(pieces) < 3 || !strings.HasPrefix(strings.ToUpper(pieces[0]), "USB") {
		return out, fmt.Errorf("%w: %q", ErrBadAddress, s)
	}
	if strings.EqualFold(pieces[len(pieces)-1], "INSTR") {
		pieces = pieces[:len(pieces)-1]
	}
	vid, err := strconv.ParseUint(pieces[1], 0, 16)
	if err != nil {
		return out, fmt.Errorf("%w: vendor id %q", ErrBadAddress, pieces[1])
	}
	pid, err := strconv.ParseUint(pieces[2], 0, 16)
	if err != nil {
		return out, fmt.Errorf("%w: product id %q", ErrBadAddress, pieces[2])
	}
	out.VID = uint16(vid)
	out.PID = uint16(pid)
	if len(pieces) > 3 {
		out.Serial = pieces[3]
	}
	return out, nil
}

// Device is a USBTMC instrument exposed as an io.ReadWriteCloser
type Device struct {
	// Timeout bounds each bulk transfer
	Timeout time.Duration

	tagger  BTagger
	term    byte
	pending []byte

	usb    *gousb.Context
	device *gousb.Device
	iface  *gousb.Interface
	closer func()
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
}

// Open connects to the device at addr
func Open(addr Address) (*Device, error) {
	ctx := gousb.NewContext()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return uint16(desc.Vendor) == addr.VID && uint16(desc.Product) == addr.PID
	})
	var dev *gousb.Device
	for _, d := range devs {
		if dev != nil {
			d.Close()
			continue
		}
		if addr.Serial != "" {
			sn, serr := d.SerialNumber()
			if serr != nil || sn != addr.Serial {
				d.Close()
				continue
			}
		}
		dev = d
	}
	if dev == nil {
		ctx.Close()
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, addr)
	}
	out := &Device{
		Timeout: 3 * time.Second,
		tagger:  newBTagGen(),
		term:    defaultTerm,
		usb:     ctx,
		device:  dev,
	}
	if err := out.claim(); err != nil {
		out.Close()
		return nil, err
	}
	return out, nil
}

// claim takes the default interface and finds its bulk endpoints
func (d *Device) claim() error {
	if err := d.device.SetAutoDetach(true); err != nil {
		return err
	}
	iface, closer, err := d.device.DefaultInterface()
	if err != nil {
		return err
	}
	d.iface, d.closer = iface, closer
	inNum, outNum := -1, -1
	for _, ep := range iface.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}
		if ep.Direction == gousb.EndpointDirectionIn && inNum < 0 {
			inNum = ep.Number
		}
		if ep.Direction == gousb.EndpointDirectionOut && outNum < 0 {
			outNum = ep.Number
		}
	}
	if inNum < 0 || outNum < 0 {
		return errors.New("usbtmc: interface has no bulk in/out endpoint pair")
	}
	if d.in, err = iface.InEndpoint(inNum); err != nil {
		return err
	}
	d.out, err = iface.OutEndpoint(outNum)
	return err
}

func (d *Device) context() (context.Context, context.CancelFunc) {
	if d.Timeout <= 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), d.Timeout)
}

// Write sends b as a single DEV_DEP_MSG_OUT transfer
func (d *Device) Write(b []byte) (int, error) {
	hdr := encBulkOutHeader(d.tagger.nextbTag(), len(b))
	msg := pad(append(hdr[:], b...))
	ctx, cancel := d.context()
	defer cancel()
	n, err := d.out.WriteContext(ctx, msg)
	if err != nil {
		return 0, err
	}
	if n < len(msg) {
		return 0, io.ErrShortWrite
	}
	return len(b), nil
}

// Read returns payload bytes, requesting a new transfer from the device
// when the previous one has been consumed
func (d *Device) Read(p []byte) (int, error) {
	if len(d.pending) == 0 {
		if err := d.request(); err != nil {
			return 0, err
		}
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}

func (d *Device) request() error {
	tag := d.tagger.nextbTag()
	term := d.term
	hdr := encBulkInHeader(tag, maxTransfer, &term)
	ctx, cancel := d.context()
	defer cancel()
	if _, err := d.out.WriteContext(ctx, hdr[:]); err != nil {
		return err
	}
	buf := make([]byte, maxTransfer+headerSize+alignment)
	n, err := d.in.ReadContext(ctx, buf)
	if err != nil {
		return err
	}
	size, _, err := decBulkInHeader(buf[:n], tag)
	if err != nil {
		return err
	}
	if headerSize+size > n {
		size = n - headerSize
	}
	d.pending = buf[headerSize : headerSize+size]
	if len(d.pending) == 0 {
		return io.ErrNoProgress
	}
	return nil
}

// Close releases the interface, the device, and the USB context
func (d *Device) Close() error {
	if d.closer != nil {
		d.closer()
		d.closer = nil
	}
	var err error
	if d.device != nil {
		err = d.device.Close()
		d.device = nil
	}
	if d.usb != nil {
		if cerr := d.usb.Close(); err == nil {
			err = cerr
		}
		d.usb = nil
	}
	return err
}

// Dialer returns a comm.DialFunc which opens the device at the VISA address
func Dialer(resource string) (comm.DialFunc, error) {
	addr, err := ParseAddress(resource)
	if err != nil {
		return nil, err
	}
	return func() (io.ReadWriteCloser, error) {
		return Open(addr)
	}, nil
}

// List returns the VISA resource strings of every attached USBTMC device
func List() ([]string, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		for _, cfg := range desc.Configs {
			for _, ifc := range cfg.Interfaces {
				for _, alt := range ifc.AltSettings {
					if alt.Class == gousb.Class(classApp) && alt.SubClass == gousb.Class(subclassUSBTM) {
						return true
					}
				}
			}
		}
		return false
	})
	out := make([]string, 0, len(devs))
	for _, d := range devs {
		addr := Address{VID: uint16(d.Desc.Vendor), PID: uint16(d.Desc.Product)}
		if sn, serr := d.SerialNumber(); serr == nil {
			addr.Serial = sn
		}
		out = append(out, addr.String())
		d.Close()
	}
	return out, err
}

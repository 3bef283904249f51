/*Package discover enumerates instrument addresses and parses them into the
form the drivers connect with.

Addresses are VISA style resource strings:

	ASRL/dev/ttyUSB0::INSTR                serial port
	ASRL3::INSTR                           serial port COM3
	USB0::0x0957::0x0407::MY44012345::INSTR USBTMC device
	TCPIP0::192.168.1.20::5025::SOCKET     raw socket
	TCPIP0::192.168.1.20::INSTR            raw socket on port 5025
	GPIB0::12::INSTR                       recognized, not supported

Bare port names (/dev/ttyUSB0, COM3) and host:port are accepted as well.
*/
package discover

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/multierr"

	"github.com/lcdlab/sponexp/usbtmc"
)

// Transport is the kind of link an address refers to
type Transport string

const (
	// Unknown is an address that could not be classified
	Unknown Transport = ""

	// Serial is an RS-232 or USB-serial port
	Serial Transport = "ASRL"

	// USB is a USBTMC device
	USB Transport = "USB"

	// TCPIP is a raw socket
	TCPIP Transport = "TCPIP"

	// GPIB is a GPIB bus address
	GPIB Transport = "GPIB"
)

// DefaultSocketPort is the SCPI raw socket port used for TCPIP INSTR resources
const DefaultSocketPort = "5025"

// ErrUnsupported is returned for addresses on a transport with no driver
var ErrUnsupported = errors.New("transport not supported")

// Classify returns the transport of an address by its prefix
func Classify(addr string) Transport {
	addr = strings.TrimSpace(addr)
	if !strings.Contains(addr, "::") {
		if _, _, err := net.SplitHostPort(addr); err == nil {
			return TCPIP
		}
	}
	u := strings.ToUpper(addr)
	switch {
	case strings.HasPrefix(u, "ASRL"), strings.HasPrefix(u, "/DEV/"), isCOM(u):
		return Serial
	case strings.HasPrefix(u, "USB"):
		return USB
	case strings.HasPrefix(u, "GPIB"):
		return GPIB
	case strings.HasPrefix(u, "TCPIP"):
		return TCPIP
	}
	return Unknown
}

func isCOM(u string) bool {
	if !strings.HasPrefix(u, "COM") || len(u) == 3 {
		return false
	}
	for _, r := range u[3:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Resource is a parsed address
type Resource struct {
	// Raw is the address as given
	Raw string `json:"raw"`

	Transport Transport `json:"transport"`

	// Addr is what the driver connects to: a port name for Serial, host:port
	// for TCPIP, and the full resource string for USB
	Addr string `json:"addr"`
}

// Serial is true when the resource is a local serial port
func (r Resource) Serial() bool {
	return r.Transport == Serial
}

// Parse classifies an address and extracts the driver address from it
func Parse(addr string) (Resource, error) {
	addr = strings.TrimSpace(addr)
	res := Resource{Raw: addr, Transport: Classify(addr)}
	parts := strings.Split(addr, "::")
	switch res.Transport {
	case Serial:
		res.Addr = parts[0]
		if strings.HasPrefix(strings.ToUpper(res.Addr), "ASRL") {
			res.Addr = res.Addr[4:]
			if isCOM("COM" + res.Addr) {
				res.Addr = "COM" + res.Addr
			}
		}
		if res.Addr == "" {
			return res, fmt.Errorf("%q: missing port name", addr)
		}
	case USB:
		if _, err := usbtmc.ParseAddress(addr); err != nil {
			return res, err
		}
		res.Addr = addr
	case TCPIP:
		if len(parts) == 1 {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return res, fmt.Errorf("%q: %w", addr, err)
			}
			res.Addr = addr
			break
		}
		if parts[1] == "" {
			return res, fmt.Errorf("%q: missing host", addr)
		}
		port := DefaultSocketPort
		if len(parts) >= 4 && strings.EqualFold(parts[len(parts)-1], "SOCKET") {
			port = parts[2]
		}
		res.Addr = net.JoinHostPort(parts[1], port)
	case GPIB:
		return res, fmt.Errorf("%q: %w", addr, ErrUnsupported)
	default:
		return res, fmt.Errorf("%q: unrecognized address", addr)
	}
	return res, nil
}

// Instrument is one enumerated address
type Instrument struct {
	Resource    string    `json:"resource"`
	Transport   Transport `json:"transport"`
	Description string    `json:"description,omitempty"`
}

// Lister enumerates the instruments on one kind of link
type Lister func() ([]Instrument, error)

// SerialPorts lists the serial ports of the machine
func SerialPorts() ([]Instrument, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		// the detailed enumerator is not available everywhere
		names, err2 := serial.GetPortsList()
		if err2 != nil {
			return nil, multierr.Append(err, err2)
		}
		out := make([]Instrument, 0, len(names))
		for _, n := range names {
			out = append(out, Instrument{Resource: "ASRL" + n + "::INSTR", Transport: Serial})
		}
		return out, nil
	}
	out := make([]Instrument, 0, len(details))
	for _, d := range details {
		inst := Instrument{Resource: "ASRL" + d.Name + "::INSTR", Transport: Serial}
		if d.IsUSB {
			inst.Description = strings.TrimSpace(fmt.Sprintf("%s:%s %s %s", d.VID, d.PID, d.Product, d.SerialNumber))
		}
		out = append(out, inst)
	}
	return out, nil
}

// USBTMC lists the attached USB test and measurement devices
func USBTMC() ([]Instrument, error) {
	names, err := usbtmc.List()
	out := make([]Instrument, 0, len(names))
	for _, n := range names {
		out = append(out, Instrument{Resource: n, Transport: USB})
	}
	return out, err
}

// List runs every lister and merges their results, sorted by resource.
// Static addresses, e.g. of socket instruments which cannot be enumerated,
// are included as given.  A failing lister does not hide the others' results.
func List(static []string, listers ...Lister) ([]Instrument, error) {
	if listers == nil {
		listers = []Lister{SerialPorts, USBTMC}
	}
	var (
		out  []Instrument
		errs error
		seen = map[string]bool{}
	)
	add := func(in Instrument) {
		if !seen[in.Resource] {
			seen[in.Resource] = true
			out = append(out, in)
		}
	}
	for _, s := range static {
		add(Instrument{Resource: s, Transport: Classify(s), Description: "configured"})
	}
	for _, l := range listers {
		found, err := l()
		errs = multierr.Append(errs, err)
		for _, in := range found {
			add(in)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out, errs
}

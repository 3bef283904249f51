// Package linkam provides an interface to Linkam TMS94 style hotstage controllers
package linkam

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/tarm/serial"

	"github.com/lcdlab/sponexp/comm"
	"github.com/lcdlab/sponexp/instrument"
)

// statusTable maps the first byte of the T response onto a motion status.
// The low bit flags "limit reached" and does not change the motion.
var statusTable = map[byte]instrument.MotionStatus{
	0x01: instrument.Stopped,
	0x10: instrument.Heating,
	0x11: instrument.Heating,
	0x20: instrument.Cooling,
	0x21: instrument.Cooling,
	0x30: instrument.Holding,
	0x31: instrument.Holding,
}

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) serial.Config {
	return serial.Config{
		Name:        addr,
		Baud:        19200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 3 * time.Second}
}

// Hotstage is an interface to a Linkam hotstage controller
type Hotstage struct {
	*comm.RemoteDevice

	// started is true once the S (start) command has been sent, it is
	// only touched while the device lock is held
	started bool
}

// New creates a new Hotstage.  If serial is true, addr is a port name
// such as /dev/ttyUSB0, else a host:port of a serial server.
func New(addr string, serial bool, opts ...comm.Option) *Hotstage {
	base := []comm.Option{comm.WithTerminators('\r', '\r'), comm.WithTimeout(3 * time.Second)}
	if serial {
		base = append(base, comm.WithSerial(makeSerConf(addr)))
	}
	return &Hotstage{RemoteDevice: comm.NewRemoteDevice(addr, append(base, opts...)...)}
}

// SetRamp sets the ramp rate in C/min and the limit temperature in C.  The
// first ramp after a stop also starts the controller.
func (h *Hotstage) SetRamp(target, rate float64) error {
	cmds := []string{
		"R1" + strconv.Itoa(int(math.Round(rate*100))),
		"L1" + strconv.Itoa(int(math.Round(target*10))),
	}
	err := h.Transact(func(x comm.Exchanger) error {
		if !h.started {
			cmds = append(cmds, "S")
		}
		for _, c := range cmds {
			// every command is acknowledged
			if _, err := query(x, c); err != nil {
				return err
			}
		}
		h.started = true
		return nil
	})
	return instrument.Classify("linkam: set ramp", err)
}

// Stop ends regulation
func (h *Hotstage) Stop() error {
	err := h.Transact(func(x comm.Exchanger) error {
		if _, err := query(x, "E"); err != nil {
			return err
		}
		h.started = false
		return nil
	})
	return instrument.Classify("linkam: stop", err)
}

// Read returns the current temperature in C and the motion status
func (h *Hotstage) Read() (float64, instrument.MotionStatus, error) {
	var resp []byte
	err := h.Transact(func(x comm.Exchanger) error {
		var err error
		resp, err = query(x, "T")
		return err
	})
	if err != nil {
		return 0, instrument.Unknown, instrument.Classify("linkam: read", err)
	}
	return ParseStatus(resp)
}

// ParseStatus decodes the response to the T command, which looks like
// SB1 EB1 PB1 GS1 GS2 GS3 T T T T, where TTTT is the temperature in
// tenths of a degree as 16 bit two's complement hex
func ParseStatus(resp []byte) (float64, instrument.MotionStatus, error) {
	if len(resp) < 10 {
		return 0, instrument.Unknown, instrument.Malformed("linkam: read",
			fmt.Errorf("status response has %d bytes, need 10", len(resp)))
	}
	raw, err := strconv.ParseUint(string(resp[6:10]), 16, 16)
	if err != nil {
		return 0, instrument.Unknown, instrument.Malformed("linkam: read", err)
	}
	status, ok := statusTable[resp[0]]
	if !ok {
		status = instrument.Unknown
	}
	return float64(int16(raw)) / 10, status, nil
}

func query(x comm.Exchanger, cmd string) ([]byte, error) {
	if err := x.Send([]byte(cmd)); err != nil {
		return nil, err
	}
	resp, err := x.Recv()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd, err)
	}
	return resp, nil
}

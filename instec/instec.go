/*Package instec provides an interface to Instec mK series temperature controllers.

The controllers speak a binary register protocol.  Every message is framed as

	0x7f addr len hcs | data[len] | dcs

where hcs is the 8-bit sum of the three head bytes and dcs the 8-bit sum of
the data bytes.  Registers hold little endian float32 values.  The controller
drops messages that arrive too close together, so commands are paced.
*/
package instec

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/lcdlab/sponexp/comm"
	"github.com/lcdlab/sponexp/instrument"
)

const (
	headFlag = 0x7f
	addr     = 0x01

	actWrite = 0x01
	actRead  = 0x02
	ackFail  = 0x05

	// minimum spacing between two messages
	pacing = 50 * time.Millisecond

	// holdingBand is how close PV must be to the target to report Holding
	holdingBand = 0.1
)

// Register addresses
const (
	RegPV   byte = 4
	RegTF   byte = 8
	RegRate byte = 18
)

// Exec command codes
const (
	CmdHold  byte = 1
	CmdRamp  byte = 2
	CmdPause byte = 3
	CmdStop  byte = 5
	CmdReset byte = 6
)

func sum(b []byte) byte {
	var s byte
	for _, v := range b {
		s += v
	}
	return s
}

// Frame wraps a data payload in the head and checksums
func Frame(data []byte) []byte {
	out := make([]byte, 0, 5+len(data))
	out = append(out, headFlag, addr, byte(len(data)))
	out = append(out, sum(out[:3]))
	out = append(out, data...)
	return append(out, sum(data))
}

// WriteRegisterMsg builds the message writing v to reg
func WriteRegisterMsg(reg byte, v float32) []byte {
	data := []byte{actWrite, reg, 0x04, 0, 0, 0, 0}
	binary.LittleEndian.PutUint32(data[3:], math.Float32bits(v))
	return Frame(data)
}

// ExecMsg builds the message executing cmd
func ExecMsg(cmd byte) []byte {
	return Frame([]byte{actWrite, 0x01, 0x01, cmd})
}

// ReadRegisterMsg builds the message reading reg
func ReadRegisterMsg(reg byte) []byte {
	return Frame([]byte{actRead, reg, 0x05})
}

// ParseRegister extracts the float32 value from the data section of a
// read register response
func ParseRegister(data []byte, reg byte) (float64, error) {
	if len(data) < 7 {
		return 0, fmt.Errorf("register response has %d data bytes, need 7", len(data))
	}
	if data[1] != reg {
		return 0, fmt.Errorf("response is for register %d, not %d", data[1], reg)
	}
	v := math.Float32frombits(binary.LittleEndian.Uint32(data[3:7]))
	return float64(v), nil
}

// readFrame reads a single framed response and returns its data section
func readFrame(x comm.Exchanger) ([]byte, error) {
	head, err := x.RecvN(4)
	if err != nil {
		return nil, err
	}
	if head[0] != headFlag {
		return nil, fmt.Errorf("bad head flag %#x", head[0])
	}
	if sum(head[:3]) != head[3] {
		return nil, fmt.Errorf("head checksum %#x, computed %#x", head[3], sum(head[:3]))
	}
	body, err := x.RecvN(int(head[2]) + 1)
	if err != nil {
		return nil, err
	}
	data, cs := body[:len(body)-1], body[len(body)-1]
	if sum(data) != cs {
		return nil, fmt.Errorf("data checksum %#x, computed %#x", cs, sum(data))
	}
	return data, nil
}

// makeSerConf makes a new serial.Config with correct parity, baud, etc, set.
func makeSerConf(addr string) serial.Config {
	return serial.Config{
		Name:        addr,
		Baud:        9600,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 3 * time.Second}
}

// Controller is an Instec temperature controller
type Controller struct {
	*comm.RemoteDevice

	// the controller does not report its motion, it is derived from
	// the last command issued and the current temperature
	mu      sync.Mutex
	running bool
	target  float64
	known   bool
}

// New creates a new Controller.  If serial is true, addr is a port name,
// else a host:port of a serial server.
func New(addr string, serial bool, opts ...comm.Option) *Controller {
	base := []comm.Option{comm.WithRateLimit(pacing, 1)}
	if serial {
		base = append(base, comm.WithSerial(makeSerConf(addr)))
	}
	return &Controller{RemoteDevice: comm.NewRemoteDevice(addr, append(base, opts...)...)}
}

// do sends each message and validates its acknowledgement
func (c *Controller) do(op string, msgs ...[]byte) error {
	err := c.Transact(func(x comm.Exchanger) error {
		for _, m := range msgs {
			if err := x.SendRaw(m); err != nil {
				return err
			}
			data, err := readFrame(x)
			if err != nil {
				return instrument.Malformed(op, err)
			}
			if len(data) > 0 && data[0] == ackFail {
				return fmt.Errorf("controller rejected message % x", m)
			}
		}
		return nil
	})
	return instrument.Classify(op, err)
}

// ReadRegister returns the value of a register
func (c *Controller) ReadRegister(reg byte) (float64, error) {
	var v float64
	op := "instec: read register"
	err := c.Transact(func(x comm.Exchanger) error {
		if err := x.SendRaw(ReadRegisterMsg(reg)); err != nil {
			return err
		}
		data, err := readFrame(x)
		if err != nil {
			return instrument.Malformed(op, err)
		}
		v, err = ParseRegister(data, reg)
		if err != nil {
			return instrument.Malformed(op, err)
		}
		return nil
	})
	return v, instrument.Classify(op, err)
}

// SetRamp sets the target (TF) and rate registers then starts a ramp
func (c *Controller) SetRamp(target, rate float64) error {
	err := c.do("instec: set ramp",
		WriteRegisterMsg(RegTF, float32(target)),
		WriteRegisterMsg(RegRate, float32(rate)),
		ExecMsg(CmdRamp))
	if err == nil {
		c.setMotion(true, target)
	}
	return err
}

// Hold regulates at target immediately, without a ramp
func (c *Controller) Hold(target float64) error {
	err := c.do("instec: hold", WriteRegisterMsg(RegTF, float32(target)), ExecMsg(CmdHold))
	if err == nil {
		c.setMotion(true, target)
	}
	return err
}

// Pause freezes the current ramp
func (c *Controller) Pause() error {
	return c.do("instec: pause", ExecMsg(CmdPause))
}

// Reset resets the controller's communication state
func (c *Controller) Reset() error {
	return c.do("instec: reset", ExecMsg(CmdReset))
}

// Stop ends regulation
func (c *Controller) Stop() error {
	err := c.do("instec: stop", ExecMsg(CmdStop))
	if err == nil {
		c.setMotion(false, 0)
	}
	return err
}

func (c *Controller) setMotion(running bool, target float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running, c.target, c.known = running, target, true
}

// Read returns the process value (PV) in C and the derived motion status
func (c *Controller) Read() (float64, instrument.MotionStatus, error) {
	T, err := c.ReadRegister(RegPV)
	if err != nil {
		return 0, instrument.Unknown, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case !c.known:
		return T, instrument.Unknown, nil
	case !c.running:
		return T, instrument.Stopped, nil
	case math.Abs(T-c.target) < holdingBand:
		return T, instrument.Holding, nil
	case T < c.target:
		return T, instrument.Heating, nil
	default:
		return T, instrument.Cooling, nil
	}
}

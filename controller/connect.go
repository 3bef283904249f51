package controller

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tarm/serial"

	"github.com/lcdlab/sponexp/agilent"
	"github.com/lcdlab/sponexp/comm"
	"github.com/lcdlab/sponexp/discover"
	"github.com/lcdlab/sponexp/instec"
	"github.com/lcdlab/sponexp/instrument"
	"github.com/lcdlab/sponexp/linkam"
	"github.com/lcdlab/sponexp/mock"
	"github.com/lcdlab/sponexp/tektronix"
	"github.com/lcdlab/sponexp/usbtmc"
)

// mockSpeedup makes simulated ramps run in C/s instead of C/min
const mockSpeedup = 60

// device is a connected instrument and the connection it was made from
type device struct {
	conn Connection
	dev  interface{}
}

type opener interface {
	Open() error
}

// transport builds the link options for a SCPI instrument at res
func (c *Controller) transport(res discover.Resource) ([]comm.Option, error) {
	var opts []comm.Option
	if c.cfg.Timeout > 0 {
		opts = append(opts, comm.WithTimeout(c.cfg.Timeout))
	}
	switch res.Transport {
	case discover.USB:
		d, err := usbtmc.Dialer(res.Raw)
		if err != nil {
			return nil, err
		}
		opts = append(opts, comm.WithDialer(d))
	case discover.Serial:
		opts = append(opts, comm.WithSerial(serial.Config{
			Name:        res.Addr,
			Baud:        9600,
			Size:        8,
			Parity:      serial.ParityNone,
			StopBits:    serial.Stop1,
			ReadTimeout: 3 * time.Second,
		}))
	}
	return opts, nil
}

// build creates the driver for conn, reusing an instrument already connected
// at the same address so one LCR meter can be source and acquirer
func (c *Controller) build(conn Connection) (interface{}, error) {
	driver := strings.ToLower(conn.Driver)
	for _, d := range c.devices {
		if strings.ToLower(d.conn.Driver) == driver && d.conn.Addr == conn.Addr && shareable(driver) {
			return d.dev, nil
		}
	}
	if !accepts(conn.Role, driver) {
		return nil, fmt.Errorf("driver %q cannot act as %s", conn.Driver, conn.Role)
	}
	switch driver {
	case DriverMock:
		switch conn.Role {
		case Hotstage:
			h := mock.NewHotstage(20)
			h.Speedup = mockSpeedup
			return h, nil
		case Generator:
			return mock.NewGenerator(), nil
		default:
			s := mock.NewScope(nil)
			s.Samples = 2000
			return s, nil
		}
	case DriverMockLCR:
		return mock.NewLCRMeter(), nil
	}

	res, err := discover.Parse(conn.Addr)
	if err != nil {
		return nil, err
	}
	switch driver {
	case DriverLinkam, DriverInstec:
		var opts []comm.Option
		if c.cfg.Timeout > 0 {
			opts = append(opts, comm.WithTimeout(c.cfg.Timeout))
		}
		if res.Transport == discover.USB {
			return nil, fmt.Errorf("%s: hotstages connect over serial or a serial server, not %s", conn.Driver, res.Transport)
		}
		var dev interface{}
		if driver == DriverLinkam {
			dev = linkam.New(res.Addr, res.Serial(), opts...)
		} else {
			dev = instec.New(res.Addr, res.Serial(), opts...)
		}
		return dev, open(dev)
	}
	opts, err := c.transport(res)
	if err != nil {
		return nil, err
	}
	var dev interface{}
	switch driver {
	case Driver33220A:
		dev = agilent.NewFunctionGenerator(res.Addr, opts...)
	case DriverE4980A:
		lcr := agilent.NewLCRMeter(res.Addr, opts...)
		if err := open(lcr); err != nil {
			return nil, err
		}
		return lcr, lcr.Reset()
	case DriverTektronix:
		dev = tektronix.NewScope(res.Addr, opts...)
	}
	return dev, open(dev)
}

func open(dev interface{}) error {
	if o, ok := dev.(opener); ok {
		return o.Open()
	}
	return nil
}

func shareable(driver string) bool {
	return driver == DriverE4980A || driver == DriverMockLCR
}

func accepts(role Role, driver string) bool {
	switch role {
	case Hotstage:
		return driver == DriverMock || driver == DriverLinkam || driver == DriverInstec
	case Generator:
		return driver == DriverMock || driver == DriverMockLCR || driver == Driver33220A || driver == DriverE4980A
	case Acquirer:
		return driver == DriverMock || driver == DriverMockLCR || driver == DriverTektronix || driver == DriverE4980A
	}
	return false
}

// instruments assembles the roles for a run with the given settings.
// The lock must be held.
func (c *Controller) instruments(channels []string, function string) instrument.Instruments {
	var in instrument.Instruments
	if d, ok := c.devices[Hotstage]; ok {
		in.Hotstage, _ = d.dev.(instrument.TemperatureController)
	}
	if d, ok := c.devices[Generator]; ok {
		in.Generator, _ = d.dev.(instrument.SignalSource)
	}
	if d, ok := c.devices[Acquirer]; ok {
		switch a := d.dev.(type) {
		case *mock.Scope:
			if g, ok := in.Generator.(*mock.Generator); ok {
				a.Source = g
			}
			in.Acquirer = instrument.CaptureAcquirer{Scope: a, Channels: channels}
		case instrument.ChannelCapturer:
			in.Acquirer = instrument.CaptureAcquirer{Scope: a, Channels: channels}
		case instrument.Measurer:
			in.Acquirer = instrument.MeasureAcquirer{Meter: a, Function: function}
		}
	}
	return in
}

// release closes the device of role unless another role still uses it.
// The lock must be held.
func (c *Controller) release(role Role) error {
	d, ok := c.devices[role]
	if !ok {
		return nil
	}
	delete(c.devices, role)
	for _, other := range c.devices {
		if other.dev == d.dev {
			return nil
		}
	}
	if cl, ok := d.dev.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

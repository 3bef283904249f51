// Package tektronix provides an interface to Tektronix TDS / DPO / MSO oscilloscopes
package tektronix

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lcdlab/sponexp/comm"
	"github.com/lcdlab/sponexp/instrument"
	"github.com/lcdlab/sponexp/oscilloscope"
	"github.com/lcdlab/sponexp/scpi"
)

// Scope is an interface to a Tektronix oscilloscope
type Scope struct {
	scpi.SCPI
}

// NewScope creates a new scope instance.  It is not opened.
func NewScope(addr string, opts ...comm.Option) *Scope {
	// averaged acquisitions at slow timebases take a while
	base := []comm.Option{comm.WithTerminators('\n', '\n'), comm.WithTimeout(30 * time.Second)}
	return &Scope{scpi.SCPI{RD: comm.NewRemoteDevice(addr, append(base, opts...)...)}}
}

// Open connects to the scope
func (s *Scope) Open() error {
	return s.RD.Open()
}

// Close disconnects from the scope
func (s *Scope) Close() error {
	return s.RD.Close()
}

// ChannelID normalizes a channel name, "1", "ch1" and "CH1" all become "CH1"
func ChannelID(ch string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(ch))
	s = strings.TrimPrefix(s, "CHANNEL")
	s = strings.TrimPrefix(s, "CH")
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 || n > 8 {
		return "", fmt.Errorf("invalid scope channel %q", ch)
	}
	return "CH" + strconv.Itoa(n), nil
}

// channelName is the column name of a channel in results, CH1 -> Channel1
func channelName(id string) string {
	return "Channel" + strings.TrimPrefix(id, "CH")
}

// Reset restores the default setup and configures the status reporting
// the capture sequence relies on
func (s *Scope) Reset() error {
	for _, cmd := range []string{"*RST", ":HEADER OFF;*ESE 60;*SRE 32;*CLS;"} {
		if err := s.Write(cmd); err != nil {
			return instrument.Classify("tektronix: reset", err)
		}
	}
	return nil
}

func (s *Scope) channelCmd(op, ch, format string, args ...interface{}) error {
	id, err := ChannelID(ch)
	if err != nil {
		return err
	}
	return instrument.Classify(op, s.Write(id+":"+fmt.Sprintf(format, args...)))
}

// SetCoupling sets the input coupling of a channel, AC, DC, or GND
func (s *Scope) SetCoupling(ch, coupling string) error {
	return s.channelCmd("tektronix: set coupling", ch, "COUP %s", strings.ToUpper(coupling))
}

// SetPosition sets the vertical position of a channel in divisions
func (s *Scope) SetPosition(ch string, divs float64) error {
	return s.channelCmd("tektronix: set position", ch, "POS %G", divs)
}

// SetScale sets the vertical scale of a channel in volts per division
func (s *Scope) SetScale(ch string, voltsPerDiv float64) error {
	return s.channelCmd("tektronix: set scale", ch, "SCA %G", voltsPerDiv)
}

// SetProbe sets the probe attenuation of a channel, e.g. 10 for a 10x probe
func (s *Scope) SetProbe(ch string, atten float64) error {
	return s.channelCmd("tektronix: set probe", ch, "PRO %G", atten)
}

// SetChannelEnabled turns the display of a channel on or off
func (s *Scope) SetChannelEnabled(ch string, on bool) error {
	id, err := ChannelID(ch)
	if err != nil {
		return err
	}
	state := "OFF"
	if on {
		state = "ON"
	}
	return instrument.Classify("tektronix: select channel", s.Write("SEL:"+id, state))
}

// SetTimebase sets the horizontal scale in seconds per division
func (s *Scope) SetTimebase(secsPerDiv float64) error {
	return instrument.Classify("tektronix: set timebase", s.Write(":HOR:MAI:SCA", strconv.FormatFloat(secsPerDiv, 'G', -1, 64)))
}

// SetHorizontalPosition sets the trigger position in seconds
func (s *Scope) SetHorizontalPosition(secs float64) error {
	return instrument.Classify("tektronix: set horizontal position", s.Write(":HOR:MAI:POS", strconv.FormatFloat(secs, 'G', -1, 64)))
}

// SetAveraging sets the acquisition mode to averaging over n waveforms, or
// to plain sampling when n < 2
func (s *Scope) SetAveraging(n int) error {
	const op = "tektronix: set averaging"
	if n < 2 {
		return instrument.Classify(op, s.Write(":ACQ:MOD SAM"))
	}
	if err := s.Write(":ACQ:MOD AVE"); err != nil {
		return instrument.Classify(op, err)
	}
	return instrument.Classify(op, s.Write(":ACQ:NUMAV", strconv.Itoa(n)))
}

// scaling holds the WFMPRE preamble of one channel
type scaling struct {
	xzero, xincr, yzero, ymult, yoff float64
}

func (s *Scope) preamble() (scaling, error) {
	var (
		out  scaling
		err  error
		dsts = []*float64{&out.xzero, &out.xincr, &out.yzero, &out.ymult, &out.yoff}
		qs   = []string{"WFMPRE:XZERO?", "WFMPRE:XINCR?", "WFMPRE:YZERO?", "WFMPRE:YMULT?", "WFMPRE:YOFF?"}
	)
	for i, q := range qs {
		*dsts[i], err = s.ReadFloat(q)
		if err != nil {
			return out, fmt.Errorf("%s %w", q, err)
		}
	}
	return out, nil
}

// CaptureChannels performs a single sequence acquisition and transfers the
// requested channels.  Raw ADC values are kept with their scaling, physical
// units are (raw - YOFF) * YMULT + YZERO and t = XZERO + i * XINCR.
func (s *Scope) CaptureChannels(ids []string) (instrument.TraceSet, error) {
	const op = "tektronix: capture"
	var ret oscilloscope.Waveform
	if len(ids) == 0 {
		return ret, fmt.Errorf("%s: no channels requested", op)
	}
	norm := make([]string, len(ids))
	for i, ch := range ids {
		id, err := ChannelID(ch)
		if err != nil {
			return ret, err
		}
		norm[i] = id
	}
	for _, cmd := range []string{":ACQ:STOPA SEQ", ":ACQ:STATE ON"} {
		if err := s.Write(cmd); err != nil {
			return ret, instrument.Classify(op, err)
		}
	}
	// *OPC? blocks until the sequence is complete
	if _, err := s.ReadString("*OPC?"); err != nil {
		return ret, instrument.Classify(op, err)
	}
	if err := s.Write("DAT:ENC ASCI"); err != nil {
		return ret, instrument.Classify(op, err)
	}
	for i, id := range norm {
		if err := s.Write("DAT:SOU", id); err != nil {
			return ret, instrument.Classify(op, err)
		}
		sc, err := s.preamble()
		if err != nil {
			return ret, instrument.Classify(op, err)
		}
		raw, err := s.ReadFloats("CURV?")
		if err != nil {
			return ret, instrument.Classify(op, err)
		}
		if i == 0 {
			ret.T0, ret.DT = sc.xzero, sc.xincr
		}
		ret.Channels = append(ret.Channels, oscilloscope.Channel{
			Name:      channelName(id),
			Data:      raw,
			Scale:     sc.ymult,
			Offset:    sc.yzero,
			Reference: sc.yoff,
		})
	}
	return ret, nil
}

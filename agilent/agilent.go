// Package agilent provides an interface to agilent test and measurement equipment
package agilent

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lcdlab/sponexp/comm"
	"github.com/lcdlab/sponexp/instrument"
	"github.com/lcdlab/sponexp/scpi"
)

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'G', -1, 64)
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

// newSCPI builds the line oriented SCPI session shared by the instruments here
func newSCPI(addr string, timeout time.Duration, opts []comm.Option) scpi.SCPI {
	base := []comm.Option{comm.WithTerminators('\n', '\n'), comm.WithTimeout(timeout)}
	return scpi.SCPI{RD: comm.NewRemoteDevice(addr, append(base, opts...)...)}
}

// FunctionGenerator is an interface to the 33220A and relatives
type FunctionGenerator struct {
	scpi.SCPI
}

// NewFunctionGenerator creates a new FunctionGenerator instance with
// the communication set up.  It is not opened.
func NewFunctionGenerator(addr string, opts ...comm.Option) *FunctionGenerator {
	return &FunctionGenerator{newSCPI(addr, 5*time.Second, opts)}
}

// Open connects to the generator
func (f *FunctionGenerator) Open() error {
	return f.RD.Open()
}

// Close disconnects from the generator
func (f *FunctionGenerator) Close() error {
	return f.RD.Close()
}

// Identify returns the *IDN? string
func (f *FunctionGenerator) Identify() (string, error) {
	s, err := f.ReadString("*IDN?")
	return s, instrument.Classify("33220A: identify", err)
}

// SetWaveform configures the output function used by the generator
func (f *FunctionGenerator) SetWaveform(w instrument.Waveform) error {
	// FUNC <SIN|SQU|RAMP|...>
	return instrument.Classify("33220A: set waveform", f.Write("FUNC", string(w)))
}

// GetWaveform returns the current function type used by the generator
func (f *FunctionGenerator) GetWaveform() (instrument.Waveform, error) {
	s, err := f.ReadString("FUNC?")
	return instrument.Waveform(strings.TrimSpace(s)), instrument.Classify("33220A: get waveform", err)
}

// SetFrequency configures the output frequency of the generator in Hz
func (f *FunctionGenerator) SetFrequency(hz float64) error {
	// FREQ <Hz>
	return instrument.Classify("33220A: set frequency", f.Write("FREQ", ftoa(hz)))
}

// GetFrequency returns the frequency of the generator in Hz
func (f *FunctionGenerator) GetFrequency() (float64, error) {
	v, err := f.ReadFloat("FREQ?")
	return v, instrument.Classify("33220A: get frequency", err)
}

// SetAmplitude configures the output amplitude in the current voltage unit
func (f *FunctionGenerator) SetAmplitude(volts float64) error {
	// VOLT <volts>
	return instrument.Classify("33220A: set amplitude", f.Write("VOLT", ftoa(volts)))
}

// GetAmplitude returns the current output amplitude of the generator
func (f *FunctionGenerator) GetAmplitude() (float64, error) {
	v, err := f.ReadFloat("VOLT?")
	return v, instrument.Classify("33220A: get amplitude", err)
}

// SetVoltageUnit sets the unit amplitudes are given in, one of VPP, VRMS, DBM
func (f *FunctionGenerator) SetVoltageUnit(unit string) error {
	switch u := strings.ToUpper(unit); u {
	case "VPP", "VRMS", "DBM":
		return instrument.Classify("33220A: set unit", f.Write("VOLT:UNIT", u))
	default:
		return fmt.Errorf("33220A: unknown voltage unit %q", unit)
	}
}

// SetOffset configures the output voltage offset
func (f *FunctionGenerator) SetOffset(volts float64) error {
	// VOLT:OFFS <volts>
	return instrument.Classify("33220A: set offset", f.Write("VOLT:OFFS", ftoa(volts)))
}

// GetOffset gets the current voltage offset
func (f *FunctionGenerator) GetOffset() (float64, error) {
	v, err := f.ReadFloat("VOLT:OFFS?")
	return v, instrument.Classify("33220A: get offset", err)
}

// SetOutput enables or disables the output on the front connector
func (f *FunctionGenerator) SetOutput(on bool) error {
	// :OUTP ON|OFF
	return instrument.Classify("33220A: set output", f.Write(":OUTP", onOff(on)))
}

// GetOutput returns True if the generator is currently outputting a signal
func (f *FunctionGenerator) GetOutput() (bool, error) {
	v, err := f.ReadBool(":OUTP?")
	return v, instrument.Classify("33220A: get output", err)
}

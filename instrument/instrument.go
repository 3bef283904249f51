/*Package instrument defines the capability interfaces the measurement
sequencer drives, independent of any physical device.

There are three capability sets:
	1.  TemperatureController, a hotstage that can ramp, report and stop
	2.  SignalSource, a waveform generator (or the source section of an LCR meter)
	3.  an acquirer, either a Measurer (impedance-analyzer style, single shot)
		or a ChannelCapturer (oscilloscope style, multi-channel traces)

Every call is synchronous and blocking.  Implementations serialize access to
their own transport and report failures as a *DeviceError; they never return a
default value that looks like a reading when a transaction failed.
*/
package instrument

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"go.uber.org/multierr"

	"github.com/lcdlab/sponexp/oscilloscope"
)

// MotionStatus is what a temperature controller reports it is doing
type MotionStatus int

const (
	// Unknown is reported when the controller's status could not be decoded
	Unknown MotionStatus = iota

	// Stopped means the controller is not regulating
	Stopped

	// Heating means the controller is ramping up
	Heating

	// Cooling means the controller is ramping down
	Cooling

	// Holding means the controller is regulating at its setpoint
	Holding
)

var motionNames = map[MotionStatus]string{
	Unknown: "Unknown",
	Stopped: "Stopped",
	Heating: "Heating",
	Cooling: "Cooling",
	Holding: "Holding",
}

func (m MotionStatus) String() string {
	if s, ok := motionNames[m]; ok {
		return s
	}
	return fmt.Sprintf("MotionStatus(%d)", int(m))
}

// MarshalText encodes the status as its name
func (m MotionStatus) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a status name, case insensitive
func (m *MotionStatus) UnmarshalText(b []byte) error {
	for k, v := range motionNames {
		if strings.EqualFold(v, string(b)) {
			*m = k
			return nil
		}
	}
	return fmt.Errorf("unknown motion status %q", string(b))
}

// TemperatureController is a hotstage or similar thermal controller.
// Temperatures are in Celsius, rates in Celsius per minute.
type TemperatureController interface {
	// SetRamp commands the controller toward target at the given rate
	SetRamp(target, rate float64) error

	// Read returns the current temperature and what the controller is doing
	Read() (float64, MotionStatus, error)

	// Stop halts regulation
	Stop() error
}

// Waveform is the shape of a generated signal
type Waveform string

const (
	// Sine is a sine wave
	Sine Waveform = "SIN"

	// Square is a square wave
	Square Waveform = "SQU"

	// Ramp is a triangle / sawtooth wave
	Ramp Waveform = "RAMP"
)

// SignalSource drives the sample.  Amplitudes are volts peak-to-peak.
type SignalSource interface {
	SetWaveform(Waveform) error
	SetFrequency(hz float64) error
	SetAmplitude(volts float64) error
	SetOutput(enabled bool) error
}

// Result is the payload of one acquisition, mapping a channel or quantity
// name to its ordered samples
type Result map[string][]float64

// Columns returns the keys of the result in a stable order, with "time"
// first if present
func (r Result) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		if k != "time" {
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)
	if _, ok := r["time"]; ok {
		cols = append([]string{"time"}, cols...)
	}
	return cols
}

// Copy returns a deep copy of the result
func (r Result) Copy() Result {
	if r == nil {
		return nil
	}
	out := make(Result, len(r))
	for k, v := range r {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

// ReadingSet is the response of a single-shot impedance measurement,
// e.g. Labels = [Cp D], Values = [1.2e-9 0.003]
type ReadingSet struct {
	Function string
	Labels   []string
	Values   []float64
}

// Result converts the reading set into a Result with one sample per label
func (rs ReadingSet) Result() Result {
	out := make(Result, len(rs.Labels))
	for i, l := range rs.Labels {
		if i < len(rs.Values) {
			out[l] = []float64{rs.Values[i]}
		}
	}
	return out
}

// TraceSet is a multi-channel waveform capture
type TraceSet = oscilloscope.Waveform

// Measurer is an impedance analyzer or LCR meter
type Measurer interface {
	Measure(function string) (ReadingSet, error)
}

// ChannelCapturer is an oscilloscope
type ChannelCapturer interface {
	CaptureChannels(ids []string) (TraceSet, error)
}

// Acquirer is what the sequencer triggers on each point.  It is satisfied
// by MeasureAcquirer or CaptureAcquirer depending on the experiment variant.
type Acquirer interface {
	Acquire() (Result, error)
}

// MeasureAcquirer adapts a Measurer into an Acquirer
type MeasureAcquirer struct {
	Meter    Measurer
	Function string
}

// Acquire performs one measurement with the configured function
func (m MeasureAcquirer) Acquire() (Result, error) {
	if m.Meter == nil {
		return nil, &DeviceError{Op: "measure", Kind: NotConnected, Err: ErrNotConnected}
	}
	rs, err := m.Meter.Measure(m.Function)
	if err != nil {
		return nil, err
	}
	return rs.Result(), nil
}

// CaptureAcquirer adapts a ChannelCapturer into an Acquirer
type CaptureAcquirer struct {
	Scope    ChannelCapturer
	Channels []string
}

// Acquire captures the configured channels
func (c CaptureAcquirer) Acquire() (Result, error) {
	if c.Scope == nil {
		return nil, &DeviceError{Op: "capture", Kind: NotConnected, Err: ErrNotConnected}
	}
	ts, err := c.Scope.CaptureChannels(c.Channels)
	if err != nil {
		return nil, err
	}
	return ts.Result(), nil
}

// Instruments is the set of devices an experiment runs against.
// Any field may be nil, meaning that role is not connected.
type Instruments struct {
	Hotstage  TemperatureController
	Generator SignalSource
	Acquirer  Acquirer
}

// Require returns ErrNotConnected naming the first absent role
func (in Instruments) Require() error {
	switch {
	case in.Hotstage == nil:
		return &DeviceError{Op: "hotstage", Kind: NotConnected, Err: ErrNotConnected}
	case in.Generator == nil:
		return &DeviceError{Op: "signal source", Kind: NotConnected, Err: ErrNotConnected}
	case in.Acquirer == nil:
		return &DeviceError{Op: "acquirer", Kind: NotConnected, Err: ErrNotConnected}
	}
	return nil
}

// Close closes every instrument that holds a connection.  An instrument
// filling two roles is only closed once.
func (in Instruments) Close() error {
	var (
		err  error
		seen = map[io.Closer]bool{}
	)
	acq := interface{}(in.Acquirer)
	switch a := in.Acquirer.(type) {
	case MeasureAcquirer:
		acq = a.Meter
	case CaptureAcquirer:
		acq = a.Scope
	}
	for _, v := range []interface{}{in.Hotstage, in.Generator, acq} {
		c, ok := v.(io.Closer)
		if !ok || seen[c] {
			continue
		}
		seen[c] = true
		err = multierr.Append(err, c.Close())
	}
	return err
}

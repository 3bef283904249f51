package agilent

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lcdlab/sponexp/comm"
	"github.com/lcdlab/sponexp/instrument"
)

// functionLabels names the two primary parameters of each :FUNC:IMP setting
var functionLabels = map[string][2]string{
	"CPD":  {"Cp", "D"},
	"CPQ":  {"Cp", "Q"},
	"CPG":  {"Cp", "G"},
	"CPRP": {"Cp", "Rp"},
	"CSD":  {"Cs", "D"},
	"CSQ":  {"Cs", "Q"},
	"CSRS": {"Cs", "Rs"},
	"LPD":  {"Lp", "D"},
	"LPQ":  {"Lp", "Q"},
	"LPG":  {"Lp", "G"},
	"LPRP": {"Lp", "Rp"},
	"LPRD": {"Lp", "Rdc"},
	"LSD":  {"Ls", "D"},
	"LSQ":  {"Ls", "Q"},
	"LSRS": {"Ls", "Rs"},
	"LSRD": {"Ls", "Rdc"},
	"RX":   {"R", "X"},
	"ZTD":  {"Z", "theta_deg"},
	"ZTR":  {"Z", "theta_rad"},
	"GB":   {"G", "B"},
	"YTD":  {"Y", "theta_deg"},
	"YTR":  {"Y", "theta_rad"},
	"VDID": {"Vdc", "Idc"},
}

// FunctionLabels returns the names of the two values a measurement
// function produces, e.g. CPD -> Cp, D
func FunctionLabels(function string) ([2]string, bool) {
	l, ok := functionLabels[strings.ToUpper(function)]
	return l, ok
}

// LCRMeter is an interface to the E4980A precision LCR meter.  It is both a
// measurer and, through its test signal, a signal source.
type LCRMeter struct {
	FunctionGenerator

	// amplitude is restored when the output is re-enabled
	mu        sync.Mutex
	amplitude float64
}

// NewLCRMeter creates a new LCRMeter.  Measurements at low frequency take
// many seconds, the timeout is long accordingly.
func NewLCRMeter(addr string, opts ...comm.Option) *LCRMeter {
	return &LCRMeter{FunctionGenerator: FunctionGenerator{newSCPI(addr, 60*time.Second, opts)}}
}

// Reset restores the power-on state, clears the error queue, and arms
// the meter for externally triggered measurements at zero amplitude
func (l *LCRMeter) Reset() error {
	for _, cmd := range []string{"*RST; *CLS", ":DISP:ENAB", ":INIT:CONT", ":TRIG:SOUR EXT", ":VOLT 0"} {
		if err := l.Write(cmd); err != nil {
			return instrument.Classify("E4980A: reset", err)
		}
	}
	l.mu.Lock()
	l.amplitude = 0
	l.mu.Unlock()
	return nil
}

// SetWaveform accepts only a sine, the meter's test signal is always sinusoidal
func (l *LCRMeter) SetWaveform(w instrument.Waveform) error {
	if w != instrument.Sine {
		return fmt.Errorf("E4980A: test signal is always a sine, cannot produce %s", w)
	}
	return nil
}

// SetFrequency sets the test signal frequency in Hz
func (l *LCRMeter) SetFrequency(hz float64) error {
	return instrument.Classify("E4980A: set frequency", l.Write(":FREQ", ftoa(hz)))
}

// SetAmplitude sets the test signal level in volts
func (l *LCRMeter) SetAmplitude(volts float64) error {
	err := l.Write(":VOLT", ftoa(volts))
	if err == nil {
		l.mu.Lock()
		l.amplitude = volts
		l.mu.Unlock()
	}
	return instrument.Classify("E4980A: set amplitude", err)
}

// SetOutput applies or removes the test signal.  The meter has no output
// switch, removing the signal sets the level to zero.
func (l *LCRMeter) SetOutput(on bool) error {
	v := 0.
	if on {
		l.mu.Lock()
		v = l.amplitude
		l.mu.Unlock()
	}
	return instrument.Classify("E4980A: set output", l.Write(":VOLT", ftoa(v)))
}

// SetFunction selects the measurement function, optionally with auto ranging
func (l *LCRMeter) SetFunction(function string, autoRange bool) error {
	cmds := []string{":FUNC:IMP " + strings.ToUpper(function)}
	if autoRange {
		cmds = append(cmds, ":FUNC:IMP:RANG:AUTO ON")
	}
	for _, c := range cmds {
		if err := l.Write(c); err != nil {
			return instrument.Classify("E4980A: set function", err)
		}
	}
	return nil
}

// SetAperture sets the integration time (SHOR, MED, LONG) and averaging factor
func (l *LCRMeter) SetAperture(mode string, averages int) error {
	return instrument.Classify("E4980A: set aperture", l.Write(fmt.Sprintf(":APER %s,%d", mode, averages)))
}

// SetDCBias applies a DC bias voltage
func (l *LCRMeter) SetDCBias(volts float64) error {
	for _, c := range []string{":BIAS:VOLT " + ftoa(volts), ":BIAS:STATE ON"} {
		if err := l.Write(c); err != nil {
			return instrument.Classify("E4980A: set bias", err)
		}
	}
	return nil
}

// DCBiasOff removes the DC bias
func (l *LCRMeter) DCBiasOff() error {
	return instrument.Classify("E4980A: bias off", l.Write(":BIAS:STATE OFF"))
}

// Measure selects function, triggers a single measurement and fetches it.
// The meter answers with [value1, value2, status]; a nonzero status means
// the reading is not valid and is returned as an error.
func (l *LCRMeter) Measure(function string) (instrument.ReadingSet, error) {
	const op = "E4980A: measure"
	function = strings.ToUpper(function)
	out := instrument.ReadingSet{Function: function}
	if err := l.Write(":FUNC:IMP " + function); err != nil {
		return out, instrument.Classify(op, err)
	}
	if err := l.Write(":TRIG:IMM"); err != nil {
		return out, instrument.Classify(op, err)
	}
	vals, err := l.ReadFloats(":FETC?")
	if err != nil {
		return out, instrument.Classify(op, err)
	}
	if len(vals) < 3 {
		return out, instrument.Malformed(op, fmt.Errorf("fetch returned %d values, need 3", len(vals)))
	}
	if status := int(vals[2]); status != 0 {
		return out, &instrument.DeviceError{Op: op, Kind: instrument.Other,
			Err: fmt.Errorf("measurement status %d", status)}
	}
	labels, ok := FunctionLabels(function)
	if !ok {
		labels = [2]string{"value1", "value2"}
	}
	out.Labels = labels[:]
	out.Values = vals[:2]
	return out, nil
}

/*Package mock provides simulated instruments.

They implement the same capability interfaces as the hardware drivers and are
used by tests and by runs with Mock: true in the configuration.  Each mock can
be told to fail its next n calls, which is how retry and abort paths are
exercised without hardware.
*/
package mock

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/lcdlab/sponexp/instrument"
	"github.com/lcdlab/sponexp/oscilloscope"
)

// holdBand is how close the simulated stage must be to its target to hold
const holdBand = 0.05

func simulatedFailure(op string) error {
	return &instrument.DeviceError{Op: "mock: " + op, Kind: instrument.Timeout,
		Err: fmt.Errorf("simulated failure")}
}

// Ramp is a SetRamp call received by a Hotstage
type Ramp struct {
	Target float64
	Rate   float64
}

// Hotstage is a simulated temperature controller which moves toward its
// target at the commanded rate
type Hotstage struct {
	sync.Mutex

	// Speedup multiplies the passage of time, 60 turns C/min into C/s
	Speedup float64

	// Instant makes the stage jump to the target on the first Read after SetRamp
	Instant bool

	temp      float64
	target    float64
	rate      float64
	running   bool
	last      time.Time
	now       func() time.Time
	ramps     []Ramp
	stops     int
	failReads int
	failRamps int
}

// NewHotstage creates a stopped hotstage at the given temperature
func NewHotstage(start float64) *Hotstage {
	return &Hotstage{Speedup: 1, temp: start, target: start, now: time.Now}
}

// SetClock replaces the time source used to advance the simulation
func (h *Hotstage) SetClock(now func() time.Time) {
	h.Lock()
	defer h.Unlock()
	h.now = now
	h.last = time.Time{}
}

// SetTemperature forces the simulated temperature
func (h *Hotstage) SetTemperature(t float64) {
	h.Lock()
	defer h.Unlock()
	h.temp = t
}

// FailNextReads makes the next n calls to Read fail
func (h *Hotstage) FailNextReads(n int) {
	h.Lock()
	defer h.Unlock()
	h.failReads = n
}

// FailNextRamps makes the next n calls to SetRamp fail
func (h *Hotstage) FailNextRamps(n int) {
	h.Lock()
	defer h.Unlock()
	h.failRamps = n
}

// Ramps returns every successful SetRamp call, in order
func (h *Hotstage) Ramps() []Ramp {
	h.Lock()
	defer h.Unlock()
	return append([]Ramp(nil), h.ramps...)
}

// Stops is the number of calls to Stop
func (h *Hotstage) Stops() int {
	h.Lock()
	defer h.Unlock()
	return h.stops
}

// SetRamp begins moving toward target at rate C/min
func (h *Hotstage) SetRamp(target, rate float64) error {
	h.Lock()
	defer h.Unlock()
	if h.failRamps > 0 {
		h.failRamps--
		return simulatedFailure("set ramp")
	}
	h.advance()
	h.target, h.rate, h.running = target, rate, true
	h.ramps = append(h.ramps, Ramp{Target: target, Rate: rate})
	return nil
}

// Stop ends regulation, the temperature stays where it is
func (h *Hotstage) Stop() error {
	h.Lock()
	defer h.Unlock()
	h.advance()
	h.running = false
	h.stops++
	return nil
}

// advance moves the simulation up to now, the lock must be held
func (h *Hotstage) advance() {
	now := h.now()
	defer func() { h.last = now }()
	if !h.running || h.last.IsZero() {
		return
	}
	if h.Instant {
		h.temp = h.target
		return
	}
	step := h.rate / 60 * now.Sub(h.last).Seconds() * h.Speedup
	diff := h.target - h.temp
	if math.Abs(diff) <= step {
		h.temp = h.target
		return
	}
	h.temp += math.Copysign(step, diff)
}

// Read returns the simulated temperature and motion
func (h *Hotstage) Read() (float64, instrument.MotionStatus, error) {
	h.Lock()
	defer h.Unlock()
	if h.failReads > 0 {
		h.failReads--
		return 0, instrument.Unknown, simulatedFailure("read")
	}
	h.advance()
	switch {
	case !h.running:
		return h.temp, instrument.Stopped, nil
	case math.Abs(h.temp-h.target) < holdBand:
		return h.temp, instrument.Holding, nil
	case h.temp < h.target:
		return h.temp, instrument.Heating, nil
	default:
		return h.temp, instrument.Cooling, nil
	}
}

// Generator is a simulated signal source that records its settings
type Generator struct {
	sync.Mutex

	waveform  instrument.Waveform
	frequency float64
	amplitude float64
	output    bool
	calls     []string
	failNext  int
}

// NewGenerator creates a generator producing a 1 kHz sine, output off
func NewGenerator() *Generator {
	return &Generator{waveform: instrument.Sine, frequency: 1000}
}

// FailNext makes the next n setter calls fail
func (g *Generator) FailNext(n int) {
	g.Lock()
	defer g.Unlock()
	g.failNext = n
}

func (g *Generator) record(call string) error {
	if g.failNext > 0 {
		g.failNext--
		return simulatedFailure(call)
	}
	g.calls = append(g.calls, call)
	return nil
}

// SetWaveform sets the shape of the output
func (g *Generator) SetWaveform(w instrument.Waveform) error {
	g.Lock()
	defer g.Unlock()
	if err := g.record("waveform " + string(w)); err != nil {
		return err
	}
	g.waveform = w
	return nil
}

// SetFrequency sets the output frequency in Hz
func (g *Generator) SetFrequency(hz float64) error {
	g.Lock()
	defer g.Unlock()
	if err := g.record(fmt.Sprintf("frequency %g", hz)); err != nil {
		return err
	}
	g.frequency = hz
	return nil
}

// SetAmplitude sets the output amplitude in volts
func (g *Generator) SetAmplitude(v float64) error {
	g.Lock()
	defer g.Unlock()
	if err := g.record(fmt.Sprintf("amplitude %g", v)); err != nil {
		return err
	}
	g.amplitude = v
	return nil
}

// SetOutput enables or disables the output
func (g *Generator) SetOutput(on bool) error {
	g.Lock()
	defer g.Unlock()
	if err := g.record(fmt.Sprintf("output %t", on)); err != nil {
		return err
	}
	g.output = on
	return nil
}

// Output reports whether the output is enabled
func (g *Generator) Output() bool {
	g.Lock()
	defer g.Unlock()
	return g.output
}

// Settings returns the current frequency and amplitude
func (g *Generator) Settings() (hz, volts float64) {
	g.Lock()
	defer g.Unlock()
	return g.frequency, g.amplitude
}

// Calls returns every successful setter call, in order
func (g *Generator) Calls() []string {
	g.Lock()
	defer g.Unlock()
	return append([]string(nil), g.calls...)
}

// gate lets tests hold acquisitions in flight
type gate struct {
	sync.Mutex
	hold     chan struct{}
	failNext int
	count    int
}

// FailAcquisitions makes the next n acquisitions fail
func (g *gate) FailAcquisitions(n int) {
	g.Lock()
	defer g.Unlock()
	g.failNext = n
}

// Hold makes acquisitions block until Release is called
func (g *gate) Hold() {
	g.Lock()
	defer g.Unlock()
	if g.hold == nil {
		g.hold = make(chan struct{})
	}
}

// Release unblocks every held acquisition, and later ones no longer block
func (g *gate) Release() {
	g.Lock()
	defer g.Unlock()
	if g.hold != nil {
		close(g.hold)
		g.hold = nil
	}
}

// Count is the number of acquisitions started
func (g *gate) Count() int {
	g.Lock()
	defer g.Unlock()
	return g.count
}

func (g *gate) enter(op string) error {
	g.Lock()
	g.count++
	hold := g.hold
	fail := g.failNext > 0
	if fail {
		g.failNext--
	}
	g.Unlock()
	if hold != nil {
		<-hold
	}
	if fail {
		return simulatedFailure(op)
	}
	return nil
}

// Scope is a simulated oscilloscope.  Every channel carries a sine at the
// source generator's frequency and amplitude, or 1 kHz and 1 V without one.
type Scope struct {
	gate

	// Samples is the number of points per channel
	Samples int

	// DT is the sample spacing in seconds
	DT float64

	// Source is the generator driving the simulated sample
	Source *Generator
}

// NewScope creates a scope recording 1000 points at 1 MS/s
func NewScope(src *Generator) *Scope {
	return &Scope{Samples: 1000, DT: 1e-6, Source: src}
}

// CaptureChannels returns a synthetic capture of the requested channels
func (s *Scope) CaptureChannels(ids []string) (instrument.TraceSet, error) {
	var out oscilloscope.Waveform
	if err := s.enter("capture"); err != nil {
		return out, err
	}
	hz, amp := 1000., 1.
	if s.Source != nil {
		hz, amp = s.Source.Settings()
	}
	out.DT = s.DT
	for i := range ids {
		data := make([]float64, s.Samples)
		phase := float64(i) * math.Pi / 2
		for j := range data {
			data[j] = amp / 2 * math.Sin(2*math.Pi*hz*float64(j)*s.DT+phase)
		}
		out.Channels = append(out.Channels, oscilloscope.Channel{
			Name: fmt.Sprintf("Channel%d", i+1), Data: data, Scale: 1})
	}
	return out, nil
}

// LCRMeter is a simulated LCR meter, its test signal is a Generator
type LCRMeter struct {
	Generator
	gate

	// Cp and D are the values reported for CPD measurements
	Cp, D float64
}

// NewLCRMeter creates a meter measuring a 1 nF capacitor with D = 0.01
func NewLCRMeter() *LCRMeter {
	return &LCRMeter{
		Generator: Generator{waveform: instrument.Sine, frequency: 1000},
		Cp:        1e-9,
		D:         0.01,
	}
}

// Measure returns the configured primary and secondary values
func (l *LCRMeter) Measure(function string) (instrument.ReadingSet, error) {
	if err := l.enter("measure"); err != nil {
		return instrument.ReadingSet{}, err
	}
	return instrument.ReadingSet{
		Function: function,
		Labels:   []string{"Cp", "D"},
		Values:   []float64{l.Cp, l.D},
	}, nil
}

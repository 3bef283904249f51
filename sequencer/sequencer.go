/*Package sequencer drives an experiment through its measurement points.

The Sequencer is a state machine advanced by Tick.  Each tick performs at
most one transition:

	Idle -> SettingTemperature        Start issues the ramp for the first point
	SettingTemperature -> Going...    the ramp was acknowledged
	GoingToTemperature -> Stabil...   a fresh reading is within tolerance
	StabilizingTemperature -> ...     the dwell has elapsed
	TemperatureStabilized -> Coll...  source configured, acquisition dispatched
	CollectingData -> next            SettingTemperature, TemperatureStabilized, or Finished
	Finished -> Idle                  ramp stopped, output off

The ramp is only reissued when the next point's temperature differs from the
current one.  Acquisitions run on their own goroutine and report back on a
buffered channel; each carries the epoch it was dispatched in, and results
from an older epoch (a stopped run) are discarded.
*/
package sequencer

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/lcdlab/sponexp/experiment"
	"github.com/lcdlab/sponexp/instrument"
	"github.com/lcdlab/sponexp/sweep"
)

var (
	// ErrBusy is returned when a run is requested while one is in progress
	ErrBusy = errors.New("a run is already in progress")

	// ErrNothingToResume is returned when every point of a plan has a result
	ErrNothingToResume = errors.New("every point already has a result")
)

// Run describes a run to a Sink when it begins
type Run struct {
	ID       string
	Started  time.Time
	Settings experiment.Settings

	// Plan is every point of the run.  Points resumed from an earlier run
	// already have their result.
	Plan []*sweep.Point
}

// Sink receives the points of a run as they complete
type Sink interface {
	// Begin is called when a run starts, an error refuses the run
	Begin(Run) error

	// Record persists a completed point, an error aborts the run
	Record(*sweep.Point) error
}

// Options configure a Sequencer
type Options struct {
	// Sink receives completed points, may be nil
	Sink Sink

	// Now is the clock used outside of Tick, time.Now if nil
	Now func() time.Time

	// EventBuffer is the capacity of the event channel, 64 if zero.
	// When the consumer lags the oldest events are dropped.
	EventBuffer int
}

type completion struct {
	epoch  uint64
	index  int
	result instrument.Result
	err    error
}

// Sequencer runs measurement plans against a set of instruments
type Sequencer struct {
	in    instrument.Instruments
	state *experiment.State
	sink  Sink
	now   func() time.Time
	log   zerolog.Logger

	events      chan Event
	completions chan completion

	reqMu   sync.Mutex
	stopReq bool

	// mu serializes ticks and run requests, everything below is guarded by it
	mu       sync.Mutex
	runID    string
	plan     []*sweep.Point
	cursor   int
	epoch    uint64
	settings experiment.Settings
	attempts int
	rampOK   bool
	rampAt   time.Time
	failure  error
}

// New creates a sequencer in the Idle phase
func New(in instrument.Instruments, state *experiment.State, opts Options, log zerolog.Logger) *Sequencer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	return &Sequencer{
		in:          in,
		state:       state,
		sink:        opts.Sink,
		now:         opts.Now,
		log:         log.With().Str("component", "sequencer").Logger(),
		events:      make(chan Event, opts.EventBuffer),
		completions: make(chan completion, 16),
	}
}

// Events returns the channel events are delivered on.  There is one
// channel per sequencer, shared by every reader.
func (s *Sequencer) Events() <-chan Event {
	return s.events
}

// Start plans the sweep and begins a run at its first point
func (s *Sequencer) Start(spec sweep.Spec, settings experiment.Settings) error {
	plan, err := sweep.Plan(spec)
	if err != nil {
		return err
	}
	return s.begin(plan, 0, settings)
}

// SingleShot runs a single point through the same phases as a sweep
func (s *Sequencer) SingleShot(temperature, voltage float64, frequency *float64, settings experiment.Settings) error {
	spec := sweep.Spec{Temperatures: []float64{temperature}, Voltages: []float64{voltage}}
	if frequency != nil {
		spec.Frequencies = []float64{*frequency}
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	return s.begin(sweep.Single(temperature, voltage, frequency), 0, settings)
}

// Resume runs the points of plan which have no result yet, starting at the
// first of them.  It is used to continue a run recovered from its result file.
func (s *Sequencer) Resume(plan []*sweep.Point, settings experiment.Settings) error {
	for i, p := range plan {
		if !p.Done() {
			return s.begin(plan, i, settings)
		}
	}
	return ErrNothingToResume
}

func (s *Sequencer) begin(plan []*sweep.Point, from int, settings experiment.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.in.Require(); err != nil {
		return err
	}
	if s.state.Phase() != experiment.Idle {
		return ErrBusy
	}
	now := s.now()
	id := uuid.NewString()
	if s.sink != nil {
		err := s.sink.Begin(Run{ID: id, Started: now, Settings: settings, Plan: plan})
		if err != nil {
			return fmt.Errorf("begin run: %w", err)
		}
	}
	// a Stop issued before this Start applies to the previous run
	s.reqMu.Lock()
	s.stopReq = false
	s.reqMu.Unlock()

	s.epoch++
	s.runID = id
	s.plan = plan
	s.cursor = from
	s.settings = settings
	s.failure = nil
	s.state.Reset(settings, len(plan), id, now)
	s.state.SetIndex(from)
	s.log.Info().Str("run", id).Int("points", len(plan)).Int("from", from).Msg("run started")
	s.setPhase(experiment.SettingTemperature)
	s.attempts = 0
	s.issueRamp(now)
	return nil
}

// SetInstruments replaces the instruments runs are executed against.
// It returns ErrBusy while a run is in progress.
func (s *Sequencer) SetInstruments(in instrument.Instruments) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Phase() != experiment.Idle {
		return ErrBusy
	}
	s.in = in
	return nil
}

// Stop requests the run be aborted.  The request is carried out on the
// next tick: the ramp is halted, the output disabled, and the phase forced
// to Idle.  An acquisition already in flight is not interrupted, its result
// is discarded when it arrives.
func (s *Sequencer) Stop() {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	s.stopReq = true
}

func (s *Sequencer) takeStop() bool {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()
	req := s.stopReq
	s.stopReq = false
	return req
}

// Tick advances the state machine by at most one transition
func (s *Sequencer) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.takeStop() {
		s.abort()
		return
	}
	phase := s.state.Phase()
	if phase != experiment.CollectingData {
		s.discardStale()
	}
	switch phase {
	case experiment.SettingTemperature:
		s.settingTemperature(now)
	case experiment.GoingToTemperature:
		s.goingToTemperature(now)
	case experiment.StabilizingTemperature:
		if now.Sub(s.state.StabilizationStart()) >= s.settings.Stabilization {
			s.setPhase(experiment.TemperatureStabilized)
		}
	case experiment.TemperatureStabilized:
		s.dispatch()
	case experiment.CollectingData:
		s.collect(now)
	case experiment.Finished:
		s.finish()
	}
}

func (s *Sequencer) setPhase(p experiment.Phase) {
	prev := s.state.SetPhase(p)
	if prev == p {
		return
	}
	s.log.Debug().Stringer("from", prev).Stringer("to", p).Int("index", s.cursor).Msg("phase")
	s.emit(PhaseChanged{From: prev, To: p, Index: s.cursor})
}

// emit delivers an event without blocking, dropping the oldest queued
// event when the channel is full
func (s *Sequencer) emit(e Event) {
	for {
		select {
		case s.events <- e:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

func (s *Sequencer) point() *sweep.Point {
	return s.plan[s.cursor]
}

func (s *Sequencer) issueRamp(now time.Time) {
	p := s.point()
	err := s.in.Hotstage.SetRamp(p.Temperature, s.settings.RampRate)
	s.rampOK = err == nil
	if err != nil {
		s.stepFailed(err)
		return
	}
	s.rampAt = now
	s.log.Info().Float64("target", p.Temperature).Float64("rate", s.settings.RampRate).Int("index", s.cursor).Msg("ramp issued")
}

func (s *Sequencer) settingTemperature(now time.Time) {
	switch {
	case s.rampOK:
		s.attempts = 0
		s.setPhase(experiment.GoingToTemperature)
	case s.failure != nil:
		s.setPhase(experiment.Finished)
	default:
		s.issueRamp(now)
	}
}

// goingToTemperature compares only readings sampled after the ramp was
// issued, so a stale value left over from the previous target or a failed
// poll can never register as arrival
func (s *Sequencer) goingToTemperature(now time.Time) {
	r, fresh := s.state.Reading()
	if !fresh || !r.Time.After(s.rampAt) {
		return
	}
	if math.Abs(r.Temperature-s.point().Temperature) < s.settings.Tolerance {
		s.state.SetStabilizationStart(now)
		s.log.Info().Float64("temperature", r.Temperature).Int("index", s.cursor).Msg("arrived, stabilizing")
		s.setPhase(experiment.StabilizingTemperature)
	}
}

func (s *Sequencer) configureSource(p *sweep.Point) error {
	gen := s.in.Generator
	if s.settings.Waveform != "" {
		if err := gen.SetWaveform(s.settings.Waveform); err != nil {
			return err
		}
	}
	if p.HasFrequency {
		if err := gen.SetFrequency(p.Frequency); err != nil {
			return err
		}
	}
	if err := gen.SetAmplitude(p.Voltage); err != nil {
		return err
	}
	return gen.SetOutput(true)
}

func (s *Sequencer) dispatch() {
	p := s.point()
	if err := s.configureSource(p); err != nil {
		s.stepFailed(err)
		if s.failure != nil {
			s.setPhase(experiment.Finished)
		}
		return
	}
	epoch, index, acq := s.epoch, s.cursor, s.in.Acquirer
	go func() {
		r, err := acq.Acquire()
		s.completions <- completion{epoch: epoch, index: index, result: r, err: err}
	}()
	s.log.Debug().Stringer("point", p).Msg("acquisition dispatched")
	s.setPhase(experiment.CollectingData)
}

// discardStale drops every queued completion, called when no acquisition
// of the current epoch can be outstanding
func (s *Sequencer) discardStale() {
	for {
		select {
		case c := <-s.completions:
			s.log.Debug().Uint64("epoch", c.epoch).Int("index", c.index).Msg("discarded late acquisition")
		default:
			return
		}
	}
}

func (s *Sequencer) collect(now time.Time) {
	for {
		select {
		case c := <-s.completions:
			if c.epoch != s.epoch || c.index != s.cursor {
				s.log.Debug().Uint64("epoch", c.epoch).Int("index", c.index).Msg("discarded late acquisition")
				continue
			}
			s.complete(now, c)
			return
		default:
			return
		}
	}
}

func (s *Sequencer) complete(now time.Time, c completion) {
	if c.err != nil {
		s.stepFailed(c.err)
		if s.failure != nil {
			s.setPhase(experiment.Finished)
		} else {
			s.setPhase(experiment.TemperatureStabilized)
		}
		return
	}
	p := s.point()
	if err := p.Attach(c.result); err != nil {
		s.fail(err)
		return
	}
	if s.sink != nil {
		if err := s.sink.Record(p); err != nil {
			s.fail(fmt.Errorf("persist point %d: %w", p.Index, err))
			return
		}
	}
	s.log.Info().Stringer("point", p).Msg("point completed")
	s.emit(PointCompleted{Index: s.cursor, Point: p})

	s.attempts = 0
	s.cursor++
	if s.cursor >= len(s.plan) {
		s.setPhase(experiment.Finished)
		return
	}
	s.state.SetIndex(s.cursor)
	if s.point().SameTemperature(p) {
		s.setPhase(experiment.TemperatureStabilized)
		return
	}
	s.setPhase(experiment.SettingTemperature)
	s.issueRamp(now)
}

// stepFailed counts a failed attempt at the current step and records the
// run failure once the retry limit is reached
func (s *Sequencer) stepFailed(err error) {
	s.attempts++
	s.emit(Error{Index: s.cursor, Attempt: s.attempts, Err: err})
	s.log.Warn().Err(err).Int("index", s.cursor).Int("attempt", s.attempts).
		Int("limit", s.settings.RetryLimit).Msg("step failed")
	if s.attempts >= s.settings.RetryLimit {
		s.failure = fmt.Errorf("point %d failed after %d attempts: %w", s.cursor, s.attempts, err)
	}
}

// fail aborts the run into Finished
func (s *Sequencer) fail(err error) {
	s.failure = err
	s.emit(Error{Index: s.cursor, Attempt: s.attempts, Err: err})
	s.setPhase(experiment.Finished)
}

// halt stops the ramp and disables the output of whichever instruments
// are present
func (s *Sequencer) halt() error {
	var err error
	if s.in.Hotstage != nil {
		err = multierr.Append(err, s.in.Hotstage.Stop())
	}
	if s.in.Generator != nil {
		err = multierr.Append(err, s.in.Generator.SetOutput(false))
	}
	return err
}

func (s *Sequencer) done() int {
	n := 0
	for _, p := range s.plan {
		if p.Done() {
			n++
		}
	}
	return n
}

func (s *Sequencer) finish() {
	if err := s.halt(); err != nil {
		s.log.Warn().Err(err).Msg("cleanup failed")
		s.emit(Error{Index: s.cursor, Err: err})
	}
	outcome, reason := experiment.Completed, ""
	if s.failure != nil {
		outcome, reason = experiment.Failed, s.failure.Error()
	}
	s.state.Finish(outcome, reason)
	s.cursor = 0
	s.state.SetIndex(0)
	s.log.Info().Str("run", s.runID).Stringer("outcome", outcome).Str("reason", reason).Msg("run finished")
	s.setPhase(experiment.Idle)
	s.emit(RunFinished{RunID: s.runID, Outcome: outcome, Reason: reason, Points: s.done()})
}

// abort carries out a Stop request, skipping the bookkeeping of Finished
func (s *Sequencer) abort() {
	s.epoch++
	err := s.halt()
	if err != nil {
		s.log.Warn().Err(err).Msg("halt failed")
		s.emit(Error{Index: s.cursor, Err: err})
	}
	if s.state.Phase() == experiment.Idle {
		return
	}
	outcome, reason := experiment.Aborted, "stopped by operator"
	if s.failure != nil {
		// the run had already failed, the stop only cut its cleanup short
		outcome, reason = experiment.Failed, s.failure.Error()
	}
	s.state.Finish(outcome, reason)
	s.log.Info().Str("run", s.runID).Int("index", s.cursor).Stringer("outcome", outcome).Msg("run stopped")
	s.cursor = 0
	s.state.SetIndex(0)
	s.setPhase(experiment.Idle)
	s.emit(RunFinished{RunID: s.runID, Outcome: outcome, Reason: reason, Points: s.done()})
}

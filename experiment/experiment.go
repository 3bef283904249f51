/*Package experiment holds the shared state of a running experiment.

There is a single State per application.  Two writers touch it: the
temperature poller writes the reading fields and the sequencer writes the
run fields.  Each group has its own lock so the writers never contend, and
readers (the sequencer, the HTTP status endpoint) take consistent snapshots.
*/
package experiment

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lcdlab/sponexp/instrument"
	"github.com/lcdlab/sponexp/ring"
)

// Phase is a state of the measurement sequencer
type Phase int

const (
	// Idle means no run is in progress
	Idle Phase = iota

	// SettingTemperature means a ramp has been (or is being) commanded
	SettingTemperature

	// GoingToTemperature means the stage is moving to the target
	GoingToTemperature

	// StabilizingTemperature means the stage arrived and is dwelling
	StabilizingTemperature

	// TemperatureStabilized means the point is ready to be acquired
	TemperatureStabilized

	// CollectingData means an acquisition is in flight
	CollectingData

	// Finished means the run ended and cleanup is pending
	Finished
)

var phaseNames = [...]string{
	"Idle",
	"SettingTemperature",
	"GoingToTemperature",
	"StabilizingTemperature",
	"TemperatureStabilized",
	"CollectingData",
	"Finished",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// MarshalText encodes the phase as its name
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a phase name
func (p *Phase) UnmarshalText(b []byte) error {
	for i, n := range phaseNames {
		if strings.EqualFold(n, string(b)) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", string(b))
}

// Outcome is how the last run ended
type Outcome int

const (
	// NoOutcome means no run has ended yet
	NoOutcome Outcome = iota

	// Running means a run is in progress
	Running

	// Completed means every point was measured
	Completed

	// Failed means the run aborted after an unrecoverable error
	Failed

	// Aborted means the operator stopped the run
	Aborted
)

var outcomeNames = [...]string{"None", "Running", "Completed", "Failed", "Aborted"}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// MarshalText encodes the outcome as its name
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Settings are the operator configurable parameters of a run
type Settings struct {
	// Stabilization is the dwell at temperature before acquisition
	Stabilization time.Duration `json:"stabilization" yaml:"stabilization" koanf:"stabilization"`

	// Tolerance is the arrival window, |T - target| must be strictly less
	Tolerance float64 `json:"tolerance" yaml:"tolerance" koanf:"tolerance"`

	// RampRate is in C/min
	RampRate float64 `json:"rampRate" yaml:"rampRate" koanf:"rampRate"`

	// RetryLimit is the number of failed attempts at one step which aborts the run
	RetryLimit int `json:"retryLimit" yaml:"retryLimit" koanf:"retryLimit"`

	// OutputPath is the JSON result file
	OutputPath string `json:"outputPath" yaml:"outputPath" koanf:"outputPath"`

	// Waveform is the generator output shape
	Waveform instrument.Waveform `json:"waveform" yaml:"waveform" koanf:"waveform"`

	// Channels are captured by a scope acquirer
	Channels []string `json:"channels" yaml:"channels" koanf:"channels"`

	// Function is measured by an LCR meter acquirer, e.g. CPD
	Function string `json:"function" yaml:"function" koanf:"function"`

	// ExportTSV writes a .dat file next to the JSON for every point
	ExportTSV bool `json:"exportTSV" yaml:"exportTSV" koanf:"exportTSV"`
}

// DefaultSettings returns the settings used when none are given
func DefaultSettings() Settings {
	return Settings{
		Stabilization: time.Minute,
		Tolerance:     0.1,
		RampRate:      20,
		RetryLimit:    3,
		OutputPath:    "results.json",
		Waveform:      instrument.Sine,
		Channels:      []string{"CH1", "CH2", "CH3"},
		Function:      "CPD",
		ExportTSV:     true,
	}
}

// ErrInvalid is matched by every settings validation error
var ErrInvalid = errors.New("invalid settings")

// Validate checks the settings describe a runnable experiment
func (s Settings) Validate() error {
	var msg string
	switch {
	case s.Stabilization < 0:
		msg = "stabilization must not be negative"
	case !(s.Tolerance > 0):
		msg = "tolerance must be positive"
	case !(s.RampRate > 0):
		msg = "ramp rate must be positive"
	case s.RetryLimit < 1:
		msg = "retry limit must be at least 1"
	case s.OutputPath == "":
		msg = "output path must not be empty"
	default:
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, msg)
}

// Sample is one temperature reading
type Sample struct {
	Time        time.Time               `json:"time"`
	Temperature float64                 `json:"temperature"`
	Status      instrument.MotionStatus `json:"status"`
}

// State is the shared record of an experiment
type State struct {
	// poller owned
	pmu       sync.RWMutex
	last      Sample
	valid     bool
	stale     bool
	failures  int
	lastError string
	log       *ring.Buffer[Sample]

	// sequencer owned
	smu       sync.RWMutex
	phase     Phase
	index     int
	total     int
	stabStart time.Time
	outcome   Outcome
	reason    string
	runID     string
	startedAt time.Time
	settings  Settings
}

// NewState creates a state keeping up to logCapacity temperature samples
func NewState(logCapacity int) *State {
	return &State{log: ring.New[Sample](logCapacity), settings: DefaultSettings()}
}

// PublishTemperature records a successful reading
func (s *State) PublishTemperature(t float64, status instrument.MotionStatus, at time.Time) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	s.last = Sample{Time: at, Temperature: t, Status: status}
	s.valid = true
	s.stale = false
	s.log.Append(s.last)
}

// MarkStale records a failed reading.  The last valid reading is kept for
// display but is no longer fresh.
func (s *State) MarkStale(err error) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	s.stale = true
	s.failures++
	if err != nil {
		s.lastError = err.Error()
	}
}

// Reading returns the last valid sample and whether it is fresh, meaning a
// reading exists and the most recent poll succeeded
func (s *State) Reading() (Sample, bool) {
	s.pmu.RLock()
	defer s.pmu.RUnlock()
	return s.last, s.valid && !s.stale
}

// TemperatureLog returns the logged samples, oldest first
func (s *State) TemperatureLog() []Sample {
	s.pmu.RLock()
	defer s.pmu.RUnlock()
	return s.log.Contiguous()
}

// Reset clears the run fields at the start of a run
func (s *State) Reset(settings Settings, total int, runID string, now time.Time) {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.phase = Idle
	s.index = 0
	s.total = total
	s.stabStart = time.Time{}
	s.outcome = Running
	s.reason = ""
	s.runID = runID
	s.startedAt = now
	s.settings = settings
}

// Settings returns the settings of the current or last run
func (s *State) Settings() Settings {
	s.smu.RLock()
	defer s.smu.RUnlock()
	return s.settings
}

// SetPhase sets the sequencer phase and returns the previous one
func (s *State) SetPhase(p Phase) Phase {
	s.smu.Lock()
	defer s.smu.Unlock()
	prev := s.phase
	s.phase = p
	return prev
}

// Phase returns the sequencer phase
func (s *State) Phase() Phase {
	s.smu.RLock()
	defer s.smu.RUnlock()
	return s.phase
}

// SetIndex sets the active point index
func (s *State) SetIndex(i int) {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.index = i
}

// SetStabilizationStart records when the stage arrived at the target
func (s *State) SetStabilizationStart(t time.Time) {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.stabStart = t
}

// StabilizationStart returns when the stage arrived at the target
func (s *State) StabilizationStart() time.Time {
	s.smu.RLock()
	defer s.smu.RUnlock()
	return s.stabStart
}

// Finish records the outcome of the run
func (s *State) Finish(o Outcome, reason string) {
	s.smu.Lock()
	defer s.smu.Unlock()
	s.outcome = o
	s.reason = reason
}

// Status is a snapshot of the state for display
type Status struct {
	RunID     string    `json:"runId,omitempty"`
	Phase     Phase     `json:"phase"`
	Index     int       `json:"index"`
	Total     int       `json:"total"`
	StartedAt time.Time `json:"startedAt"`
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`

	Temperature      float64                 `json:"temperature"`
	MotionStatus     instrument.MotionStatus `json:"motionStatus"`
	TemperatureTime  time.Time               `json:"temperatureTime"`
	TemperatureValid bool                    `json:"temperatureValid"`
	TemperatureStale bool                    `json:"temperatureStale"`
	ReadFailures     int                     `json:"readFailures"`
	LastReadError    string                  `json:"lastReadError,omitempty"`

	// StabilizingFor is the dwell so far, only set while stabilizing
	StabilizingFor time.Duration `json:"stabilizingFor"`

	Settings Settings `json:"settings"`
}

// Status returns a snapshot of the state as of now
func (s *State) Status(now time.Time) Status {
	var st Status
	s.smu.RLock()
	st.RunID = s.runID
	st.Phase = s.phase
	st.Index = s.index
	st.Total = s.total
	st.StartedAt = s.startedAt
	st.Outcome = s.outcome
	st.Reason = s.reason
	st.Settings = s.settings
	if s.phase == StabilizingTemperature && !s.stabStart.IsZero() {
		st.StabilizingFor = now.Sub(s.stabStart)
	}
	s.smu.RUnlock()

	s.pmu.RLock()
	st.Temperature = s.last.Temperature
	st.MotionStatus = s.last.Status
	st.TemperatureTime = s.last.Time
	st.TemperatureValid = s.valid
	st.TemperatureStale = s.stale
	st.ReadFailures = s.failures
	st.LastReadError = s.lastError
	s.pmu.RUnlock()
	return st
}

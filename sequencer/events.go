package sequencer

import (
	"fmt"

	"github.com/lcdlab/sponexp/experiment"
	"github.com/lcdlab/sponexp/sweep"
)

// Event is something that happened in the sequencer, delivered on the
// channel returned by Events
type Event interface {
	event()
}

// PhaseChanged is emitted on every phase transition
type PhaseChanged struct {
	From, To experiment.Phase

	// Index is the point the sequencer is working on
	Index int
}

// PointCompleted is emitted after a point's result is attached and persisted
type PointCompleted struct {
	Index int
	Point *sweep.Point
}

// Error is emitted for every failure the sequencer handles, recoverable or not
type Error struct {
	Index   int
	Attempt int
	Err     error
}

// RunFinished is emitted when a run ends by completion, failure or Stop
type RunFinished struct {
	RunID   string
	Outcome experiment.Outcome
	Reason  string

	// Points is the number of points with a result
	Points int
}

func (PhaseChanged) event()   {}
func (PointCompleted) event() {}
func (Error) event()          {}
func (RunFinished) event()    {}

func (e PhaseChanged) String() string {
	return fmt.Sprintf("phase %s -> %s at point %d", e.From, e.To, e.Index)
}

func (e Error) String() string {
	return fmt.Sprintf("point %d attempt %d: %v", e.Index, e.Attempt, e.Err)
}

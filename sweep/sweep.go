/*Package sweep expands ordered value lists into the sequence of measurement
points of an experiment.

The nesting order is a contract: temperature is the outer loop, frequency
(when present) the middle, and voltage the inner loop.  Voltage therefore
varies fastest and temperature slowest, which minimizes the number of
temperature changes, the most expensive operation in an experiment.
*/
package sweep

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/lcdlab/sponexp/instrument"
)

var (
	// ErrEmptyList is returned when a required value list has no entries
	ErrEmptyList = errors.New("value list is empty")

	// ErrNonFinite is returned when a value list contains NaN or Inf
	ErrNonFinite = errors.New("value list contains a non-finite value")

	// ErrAlreadyAttached is returned when a second result is attached to a point
	ErrAlreadyAttached = errors.New("point already has a result")
)

// Spec holds the ordered values of each axis of a sweep.  Order is
// preserved and duplicates are allowed.  Frequencies may be empty, which
// means the sweep has no frequency axis.
type Spec struct {
	Temperatures []float64 `json:"temperatures" yaml:"temperatures" koanf:"temperatures"`
	Voltages     []float64 `json:"voltages" yaml:"voltages" koanf:"voltages"`
	Frequencies  []float64 `json:"frequencies,omitempty" yaml:"frequencies" koanf:"frequencies"`
}

func checkList(name string, vals []float64, required bool) error {
	if len(vals) == 0 {
		if required {
			return fmt.Errorf("%s: %w", name, ErrEmptyList)
		}
		return nil
	}
	for i, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%s[%d] = %v: %w", name, i, v, ErrNonFinite)
		}
	}
	return nil
}

// Validate checks the spec describes a finite, non-empty sweep
func (s Spec) Validate() error {
	if err := checkList("temperatures", s.Temperatures, true); err != nil {
		return err
	}
	if err := checkList("voltages", s.Voltages, true); err != nil {
		return err
	}
	return checkList("frequencies", s.Frequencies, false)
}

// Size is the number of points the spec expands to
func (s Spec) Size() int {
	nF := len(s.Frequencies)
	if nF == 0 {
		nF = 1
	}
	return len(s.Temperatures) * nF * len(s.Voltages)
}

// Point is one coordinate of a sweep.  Its result is attached exactly once,
// after which the point does not change.
type Point struct {
	// Index is the position of the point in its plan
	Index int

	Temperature float64
	Voltage     float64

	// Frequency is only meaningful when HasFrequency is true
	Frequency    float64
	HasFrequency bool

	// TIndex, FIndex and VIndex are the positions of the coordinates
	// in their value lists
	TIndex int
	FIndex int
	VIndex int

	result instrument.Result
}

// Attach sets the result of the point.  It fails if a result is already set.
func (p *Point) Attach(r instrument.Result) error {
	if p.result != nil {
		return fmt.Errorf("point %d: %w", p.Index, ErrAlreadyAttached)
	}
	if r == nil {
		r = instrument.Result{}
	}
	p.result = r
	return nil
}

// Result returns the attached result, nil if there is none yet
func (p *Point) Result() instrument.Result {
	return p.result
}

// Done is true once a result is attached
func (p *Point) Done() bool {
	return p.result != nil
}

// SameTemperature is true when q is measured at the same temperature as p,
// meaning no ramp is needed to go from one to the other
func (p *Point) SameTemperature(q *Point) bool {
	return q != nil && p.Temperature == q.Temperature
}

func (p *Point) String() string {
	if p.HasFrequency {
		return fmt.Sprintf("#%d T=%g C F=%g Hz V=%g V", p.Index, p.Temperature, p.Frequency, p.Voltage)
	}
	return fmt.Sprintf("#%d T=%g C V=%g V", p.Index, p.Temperature, p.Voltage)
}

type pointJSON struct {
	Index       int               `json:"index"`
	Temperature float64           `json:"temperature"`
	Voltage     float64           `json:"voltage"`
	Frequency   *float64          `json:"frequency,omitempty"`
	TIndex      int               `json:"t_index"`
	FIndex      int               `json:"f_index"`
	VIndex      int               `json:"v_index"`
	Result      instrument.Result `json:"result,omitempty"`
}

// MarshalJSON encodes the point with its result
func (p *Point) MarshalJSON() ([]byte, error) {
	pj := pointJSON{
		Index:       p.Index,
		Temperature: p.Temperature,
		Voltage:     p.Voltage,
		TIndex:      p.TIndex,
		FIndex:      p.FIndex,
		VIndex:      p.VIndex,
		Result:      p.result,
	}
	if p.HasFrequency {
		f := p.Frequency
		pj.Frequency = &f
	}
	return json.Marshal(pj)
}

// Plan expands the spec into its points: T outer, F middle, V inner.
// The result has exactly Size() points.
func Plan(spec Spec) ([]*Point, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	freqs := spec.Frequencies
	hasF := len(freqs) > 0
	if !hasF {
		freqs = []float64{0}
	}
	out := make([]*Point, 0, spec.Size())
	for ti, t := range spec.Temperatures {
		for fi, f := range freqs {
			for vi, v := range spec.Voltages {
				out = append(out, &Point{
					Index:        len(out),
					Temperature:  t,
					Voltage:      v,
					Frequency:    f,
					HasFrequency: hasF,
					TIndex:       ti,
					FIndex:       fi,
					VIndex:       vi,
				})
			}
		}
	}
	return out, nil
}

// Single builds a one point plan
func Single(temperature, voltage float64, frequency *float64) []*Point {
	p := &Point{Temperature: temperature, Voltage: voltage}
	if frequency != nil {
		p.Frequency, p.HasFrequency = *frequency, true
	}
	return []*Point{p}
}

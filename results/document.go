package results

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lcdlab/sponexp/experiment"
	"github.com/lcdlab/sponexp/instrument"
	"github.com/lcdlab/sponexp/sweep"
)

// ErrCorrupt is returned by Load when a result file does not describe its plan
var ErrCorrupt = errors.New("result file is corrupt")

// RunInfo is the header of a result file
type RunInfo struct {
	ID       string              `json:"id"`
	Started  time.Time           `json:"started"`
	Updated  time.Time           `json:"updated"`
	Settings experiment.Settings `json:"settings"`

	// the axes of the plan, in plan order
	Temperatures []float64 `json:"temperatures"`
	Frequencies  []float64 `json:"frequencies,omitempty"`
	Voltages     []float64 `json:"voltages"`

	// Points is the size of the plan, Recorded how many have a result
	Points   int `json:"points"`
	Recorded int `json:"recorded"`
}

// Spec is the sweep the run was planned from
func (r RunInfo) Spec() sweep.Spec {
	return sweep.Spec{Temperatures: r.Temperatures, Frequencies: r.Frequencies, Voltages: r.Voltages}
}

// axes recovers the value lists a plan was built from
func axes(plan []*sweep.Point) (ts, fs, vs []float64) {
	grow := func(s []float64, i int, v float64) []float64 {
		for len(s) <= i {
			s = append(s, 0)
		}
		s[i] = v
		return s
	}
	for _, p := range plan {
		ts = grow(ts, p.TIndex, p.Temperature)
		vs = grow(vs, p.VIndex, p.Voltage)
		if p.HasFrequency {
			fs = grow(fs, p.FIndex, p.Frequency)
		}
	}
	return ts, fs, vs
}

// Key formats an axis entry of the result hierarchy, "<index>: <value>"
func Key(index int, value float64) string {
	return strconv.Itoa(index) + ": " + strconv.FormatFloat(value, 'g', -1, 64)
}

// ParseKey is the inverse of Key
func ParseKey(k string) (int, float64, error) {
	is, vs, ok := strings.Cut(k, ": ")
	if !ok {
		return 0, 0, fmt.Errorf("key %q: missing separator", k)
	}
	i, err := strconv.Atoi(is)
	if err != nil {
		return 0, 0, fmt.Errorf("key %q: %w", k, err)
	}
	v, err := strconv.ParseFloat(vs, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("key %q: %w", k, err)
	}
	return i, v, nil
}

// node is one level of the result hierarchy.  Children are kept in
// insertion order, which is plan order.
type node struct {
	keys []string
	kids map[string]*node
	leaf instrument.Result
}

func (n *node) child(k string) *node {
	if n.kids == nil {
		n.kids = map[string]*node{}
	}
	c, ok := n.kids[k]
	if !ok {
		c = &node{}
		n.kids[k] = c
		n.keys = append(n.keys, k)
	}
	return c
}

// insert places a point at T -> F -> V, or T -> V without a frequency axis
func (n *node) insert(p *sweep.Point) {
	c := n.child(Key(p.TIndex, p.Temperature))
	if p.HasFrequency {
		c = c.child(Key(p.FIndex, p.Frequency))
	}
	c = c.child(Key(p.VIndex, p.Voltage))
	c.leaf = p.Result()
}

func writeKey(buf *bytes.Buffer, k string) {
	b, _ := json.Marshal(k)
	buf.Write(b)
	buf.WriteByte(':')
}

// MarshalJSON writes the children in order.  Leaves put "time" first.
func (n *node) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if n.leaf != nil {
		for i, col := range n.leaf.Columns() {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeKey(&buf, col)
			b, err := json.Marshal(n.leaf[col])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col, err)
			}
			buf.Write(b)
		}
	} else {
		for i, k := range n.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeKey(&buf, k)
			b, err := n.kids[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(b)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

type document struct {
	Run     RunInfo `json:"run"`
	Results *node   `json:"results"`
}

type rawDocument struct {
	Run     RunInfo         `json:"run"`
	Results json.RawMessage `json:"results"`
}

// Document is a result file read back from disk
type Document struct {
	Run RunInfo

	// Plan is every point of the run in plan order.  Points that were
	// recorded before the file was written have their result attached.
	Plan []*sweep.Point
}

// Recorded returns the points with a result, in plan order
func (d *Document) Recorded() []*sweep.Point {
	var out []*sweep.Point
	for _, p := range d.Plan {
		if p.Done() {
			out = append(out, p)
		}
	}
	return out
}

// Load reads a result file and rebuilds its plan with the recorded results
// attached, for crash recovery and resuming
func Load(path string) (*Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw rawDocument
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	plan, err := sweep.Plan(raw.Run.Spec())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	doc := &Document{Run: raw.Run, Plan: plan}
	if len(raw.Results) == 0 || string(raw.Results) == "null" {
		return doc, nil
	}
	nF := len(raw.Run.Frequencies)
	depth := 2
	if nF > 0 {
		depth = 3
	}
	err = walk(raw.Results, depth, nil, nil, func(idx []int, vals []float64, leaf instrument.Result) error {
		ti, vi, fi := idx[0], idx[len(idx)-1], 0
		if nF > 0 {
			fi = idx[1]
		}
		if ti >= len(raw.Run.Temperatures) || vi >= len(raw.Run.Voltages) || (nF > 0 && fi >= nF) {
			return fmt.Errorf("%w: index %v out of range", ErrCorrupt, idx)
		}
		n := ti*max(nF, 1)*len(raw.Run.Voltages) + fi*len(raw.Run.Voltages) + vi
		p := plan[n]
		if p.Temperature != vals[0] || p.Voltage != vals[len(vals)-1] || (nF > 0 && p.Frequency != vals[1]) {
			return fmt.Errorf("%w: values %v do not match point %s", ErrCorrupt, vals, p)
		}
		return p.Attach(leaf)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// walk descends depth levels of keyed objects and calls fn at each leaf
// with the indices and values of the keys on the way down
func walk(raw json.RawMessage, depth int, idx []int, vals []float64, fn func([]int, []float64, instrument.Result) error) error {
	if depth == 0 {
		var leaf instrument.Result
		if err := json.Unmarshal(raw, &leaf); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return fn(idx, vals, leaf)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// visit in index order, the order they were written in
	sort.Slice(keys, func(i, j int) bool {
		a, _, _ := ParseKey(keys[i])
		b, _, _ := ParseKey(keys[j])
		return a < b
	})
	for _, k := range keys {
		i, v, err := ParseKey(k)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		nidx := append(append([]int(nil), idx...), i)
		nvals := append(append([]float64(nil), vals...), v)
		if err := walk(m[k], depth-1, nidx, nvals, fn); err != nil {
			return err
		}
	}
	return nil
}

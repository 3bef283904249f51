// Package oscilloscope provides type definitions for oscilloscope captures
package oscilloscope

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// TimeKey is the name of the time axis in a Result
const TimeKey = "time"

// Waveform describes a multi-channel waveform recording from a scope
type Waveform struct {
	// T0 is the time of the first sample relative to the trigger, in seconds
	T0 float64 `json:"t0"`

	// DT is the temporal sample spacing in seconds
	DT float64 `json:"dt"`

	// Channels holds the data streams in acquisition order
	Channels []Channel `json:"channels"`
}

// Channel represents a stream of data from an ADC.  To convert to physical units,
// compute (data-reference)*scale+offset
type Channel struct {
	// Name labels the channel, e.g. Channel1
	Name string `json:"name"`

	// Data is the actual buffer, []int8, []int16, []float64, or similar
	Data Data `json:"-"`

	// Scale is the vertical scale of the data or size of a single increment
	// in Data's native dtype
	Scale float64 `json:"scale"`

	// Offset is the offset applied to the data, in physical units
	Offset float64 `json:"offset"`

	// Reference is the reference value for the given channel in DN
	Reference float64 `json:"reference"`
}

// Data is a moniker for an empty interface, expected to be a slice of a concrete
// numerical type
type Data interface{}

type number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

func scale[T number](v []T, ref, s, off float64) []float64 {
	ret := make([]float64, len(v))
	for i := range v {
		ret[i] = ((float64(v[i]) - ref) * s) + off
	}
	return ret
}

// Physical computes the data scaled to real units
func (c Channel) Physical() ([]float64, error) {
	switch v := c.Data.(type) {
	case []uint8:
		return scale(v, c.Reference, c.Scale, c.Offset), nil
	case []uint16:
		return scale(v, c.Reference, c.Scale, c.Offset), nil
	case []uint32:
		return scale(v, c.Reference, c.Scale, c.Offset), nil
	case []uint64:
		return scale(v, c.Reference, c.Scale, c.Offset), nil
	case []int8:
		return scale(v, c.Reference, c.Scale, c.Offset), nil
	case []int16:
		return scale(v, c.Reference, c.Scale, c.Offset), nil
	case []int32:
		return scale(v, c.Reference, c.Scale, c.Offset), nil
	case []int64:
		return scale(v, c.Reference, c.Scale, c.Offset), nil
	case []float32:
		return scale(v, c.Reference, c.Scale, c.Offset), nil
	case []float64:
		return scale(v, c.Reference, c.Scale, c.Offset), nil
	default:
		return nil, fmt.Errorf("channel %s: cannot convert %T to physical units", c.Name, c.Data)
	}
}

// Len is the number of samples in the longest channel
func (wav Waveform) Len() int {
	n := 0
	for _, c := range wav.Channels {
		if p, err := c.Physical(); err == nil && len(p) > n {
			n = len(p)
		}
	}
	return n
}

// Times returns the timestamp of each sample, t0 + i*dt
func (wav Waveform) Times() []float64 {
	n := wav.Len()
	out := make([]float64, n)
	for i := range out {
		out[i] = wav.T0 + float64(i)*wav.DT
	}
	return out
}

// Result flattens the waveform into named columns: "time" and one entry
// per channel.  The map type matches instrument.Result.
func (wav Waveform) Result() map[string][]float64 {
	out := make(map[string][]float64, len(wav.Channels)+1)
	out[TimeKey] = wav.Times()
	for _, c := range wav.Channels {
		p, err := c.Physical()
		if err != nil {
			continue
		}
		out[c.Name] = p
	}
	return out
}

// EncodeTSV converts the waveform data to physical units and writes
// it as tab separated text, one row per sample with time first
func (wav Waveform) EncodeTSV(w io.Writer) error {
	data := make([][]float64, len(wav.Channels))
	for i, c := range wav.Channels {
		p, err := c.Physical()
		if err != nil {
			return err
		}
		data[i] = p
	}
	writer := csv.NewWriter(w)
	writer.Comma = '\t'
	row := make([]string, len(data)+1)
	row[0] = TimeKey
	for j, c := range wav.Channels {
		row[j+1] = c.Name
	}
	if err := writer.Write(row); err != nil {
		return err
	}
	for i, t := range wav.Times() {
		row[0] = strconv.FormatFloat(t, 'G', -1, 64)
		for j := range data {
			row[j+1] = ""
			if i < len(data[j]) {
				row[j+1] = strconv.FormatFloat(data[j][i], 'G', -1, 64)
			}
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

package oscilloscope_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcdlab/sponexp/oscilloscope"
)

func TestPhysicalScalesAroundReference(t *testing.T) {
	c := oscilloscope.Channel{Name: "Channel1", Data: []int8{-10, 0, 10}, Scale: 0.5, Reference: 0, Offset: 1}
	p, err := c.Physical()
	require.NoError(t, err)
	assert.Equal(t, []float64{-4, 1, 6}, p)
}

func TestPhysicalRejectsNonNumeric(t *testing.T) {
	c := oscilloscope.Channel{Name: "x", Data: "abc"}
	_, err := c.Physical()
	assert.Error(t, err)
}

func TestTimesStartAtT0(t *testing.T) {
	w := oscilloscope.Waveform{T0: -1e-3, DT: 1e-3, Channels: []oscilloscope.Channel{
		{Name: "Channel1", Data: []float64{1, 2, 3}, Scale: 1},
	}}
	assert.InDeltaSlice(t, []float64{-1e-3, 0, 1e-3}, w.Times(), 1e-12)
}

func TestResultHasTimeAndChannels(t *testing.T) {
	w := oscilloscope.Waveform{DT: 1, Channels: []oscilloscope.Channel{
		{Name: "Channel1", Data: []int16{1, 2}, Scale: 2},
		{Name: "Channel2", Data: []int16{3, 4}, Scale: 1, Reference: 3},
	}}
	r := w.Result()
	assert.Equal(t, []float64{0, 1}, r["time"])
	assert.Equal(t, []float64{2, 4}, r["Channel1"])
	assert.Equal(t, []float64{0, 1}, r["Channel2"])
}

func TestEncodeTSV(t *testing.T) {
	w := oscilloscope.Waveform{DT: 0.5, Channels: []oscilloscope.Channel{
		{Name: "Channel1", Data: []float64{1, 2}, Scale: 1},
		{Name: "Channel2", Data: []float64{3, 4}, Scale: 1},
	}}
	var buf bytes.Buffer
	require.NoError(t, w.EncodeTSV(&buf))
	assert.Equal(t, "time\tChannel1\tChannel2\n0\t1\t3\n0.5\t2\t4\n", buf.String())
}

package plotting_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/plot/vg"

	"github.com/lcdlab/sponexp/experiment"
	"github.com/lcdlab/sponexp/instrument"
	"github.com/lcdlab/sponexp/plotting"
	"github.com/lcdlab/sponexp/sweep"
)

var pngMagic = []byte("\x89PNG\r\n\x1a\n")

func TestPointPNG(t *testing.T) {
	p := &sweep.Point{Index: 1, Temperature: 25, Voltage: 2}
	require.NoError(t, p.Attach(instrument.Result{
		"time":     {0, 1e-3, 2e-3},
		"Channel1": {0, 1, 0},
		"Channel2": {1, 0, -1},
	}))
	pl, err := plotting.Point(p)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, plotting.WritePNG(&buf, pl, 4*vg.Inch, 3*vg.Inch))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), pngMagic))
}

func TestPointWithoutTime(t *testing.T) {
	p := &sweep.Point{Temperature: 25, Voltage: 2}
	require.NoError(t, p.Attach(instrument.ReadingSet{Labels: []string{"Cp", "D"}, Values: []float64{1e-9, 0.01}}.Result()))
	pl, err := plotting.Point(p)
	require.NoError(t, err)
	assert.Equal(t, "sample", pl.X.Label.Text)
}

func TestNothingToPlot(t *testing.T) {
	_, err := plotting.Point(&sweep.Point{})
	assert.ErrorIs(t, err, plotting.ErrNoData)
	_, err = plotting.TemperatureLog(nil)
	assert.ErrorIs(t, err, plotting.ErrNoData)
}

func TestTemperatureLog(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var samples []experiment.Sample
	for i := 0; i < 20; i++ {
		samples = append(samples, experiment.Sample{Time: t0.Add(time.Duration(i) * 50 * time.Millisecond), Temperature: 25 + float64(i)/10})
	}
	pl, err := plotting.TemperatureLog(samples)
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, plotting.WritePNG(&buf, pl, plotting.Width, plotting.Height))
	assert.True(t, bytes.HasPrefix(buf.Bytes(), pngMagic))
}

// Package plotting renders the latest point and the temperature history as
// images for display
package plotting

import (
	"errors"
	"fmt"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/lcdlab/sponexp/experiment"
	"github.com/lcdlab/sponexp/sweep"
)

// ErrNoData is returned when there is nothing to draw
var ErrNoData = errors.New("nothing to plot")

// Default image size
const (
	Width  = 8 * vg.Inch
	Height = 5 * vg.Inch
)

// Point plots every channel of the point's result against its time column,
// or against the sample index when the result has no time column
func Point(p *sweep.Point) (*plot.Plot, error) {
	r := p.Result()
	if len(r) == 0 {
		return nil, ErrNoData
	}
	pl := plot.New()
	pl.Title.Text = fmt.Sprintf("point %d: %g C, %g V", p.Index, p.Temperature, p.Voltage)
	if p.HasFrequency {
		pl.Title.Text += fmt.Sprintf(", %g Hz", p.Frequency)
	}
	pl.Y.Label.Text = "signal"
	t, timed := r["time"]
	if timed {
		pl.X.Label.Text = "time (s)"
	} else {
		pl.X.Label.Text = "sample"
	}
	i := 0
	for _, c := range r.Columns() {
		if c == "time" {
			continue
		}
		ys := r[c]
		pts := make(plotter.XYs, 0, len(ys))
		for j, y := range ys {
			x := float64(j)
			if timed {
				if j >= len(t) {
					break
				}
				x = t[j]
			}
			pts = append(pts, plotter.XY{X: x, Y: y})
		}
		if len(pts) == 0 {
			continue
		}
		if err := addSeries(pl, c, pts, i); err != nil {
			return nil, err
		}
		i++
	}
	if i == 0 {
		return nil, ErrNoData
	}
	return pl, nil
}

func addSeries(pl *plot.Plot, name string, pts plotter.XYs, i int) error {
	if len(pts) == 1 {
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return err
		}
		sc.GlyphStyle.Shape = draw.CircleGlyph{}
		sc.GlyphStyle.Color = plotutil.Color(i)
		pl.Add(sc)
		pl.Legend.Add(name, sc)
		return nil
	}
	l, err := plotter.NewLine(pts)
	if err != nil {
		return err
	}
	l.LineStyle.Color = plotutil.Color(i)
	l.LineStyle.Width = vg.Points(1)
	pl.Add(l)
	pl.Legend.Add(name, l)
	return nil
}

// TemperatureLog plots the recent hotstage readings, in seconds relative to
// the last one
func TemperatureLog(samples []experiment.Sample) (*plot.Plot, error) {
	if len(samples) == 0 {
		return nil, ErrNoData
	}
	last := samples[len(samples)-1].Time
	pts := make(plotter.XYs, len(samples))
	for i, s := range samples {
		pts[i] = plotter.XY{X: s.Time.Sub(last).Seconds(), Y: s.Temperature}
	}
	pl := plot.New()
	pl.Title.Text = "temperature"
	pl.X.Label.Text = "time (s)"
	pl.Y.Label.Text = "temperature (C)"
	pl.Add(plotter.NewGrid())
	sc, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, err
	}
	sc.GlyphStyle.Radius = vg.Length(1)
	sc.GlyphStyle.Shape = draw.CircleGlyph{}
	pl.Add(sc)
	return pl, nil
}

// WritePNG encodes the plot as a PNG of the given size
func WritePNG(w io.Writer, pl *plot.Plot, width, height vg.Length) error {
	wt, err := pl.WriterTo(width, height, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

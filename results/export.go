package results

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"

	"github.com/lcdlab/sponexp/instrument"
	"github.com/lcdlab/sponexp/sweep"
)

// DatName is the per point export file name,
// "<base> <V> Volts <F> Hz <T> C.dat".  The frequency is left out when the
// run has no frequency axis.
func DatName(base string, p *sweep.Point) string {
	return exportName(base, p, ".dat")
}

func exportName(base string, p *sweep.Point, ext string) string {
	var b strings.Builder
	b.WriteString(base)
	fmt.Fprintf(&b, " %.2f Volts", p.Voltage)
	if p.HasFrequency {
		fmt.Fprintf(&b, " %.1f Hz", p.Frequency)
	}
	fmt.Fprintf(&b, " %.2f C", p.Temperature)
	b.WriteString(ext)
	return b.String()
}

// EncodeTSV writes a result as tab separated columns with a header line.
// Columns shorter than the longest leave their cells empty.
func EncodeTSV(w io.Writer, r instrument.Result) error {
	cols := r.Columns()
	rows := 0
	for _, c := range cols {
		rows = max(rows, len(r[c]))
	}
	bw := bufio.NewWriter(w)
	bw.WriteString(strings.Join(cols, "\t"))
	bw.WriteByte('\n')
	buf := make([]byte, 0, 32)
	for i := 0; i < rows; i++ {
		for j, c := range cols {
			if j > 0 {
				bw.WriteByte('\t')
			}
			if i < len(r[c]) {
				buf = strconv.AppendFloat(buf[:0], r[c][i], 'g', -1, 64)
				bw.Write(buf)
			}
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

// ExportTSV writes the point's result to DatName(base, p) and returns the
// file name
func ExportTSV(base string, p *sweep.Point) (string, error) {
	name := DatName(base, p)
	f, err := os.Create(name)
	if err != nil {
		return name, err
	}
	if err := EncodeTSV(f, p.Result()); err != nil {
		f.Close()
		return name, err
	}
	return name, f.Close()
}

// WriteFITS streams the point's result as a 2-D float64 image, one row per
// column of the result, with the coordinates in the header.  Short columns
// are padded with NaN.
func WriteFITS(w io.Writer, runID string, p *sweep.Point) error {
	r := p.Result()
	cols := r.Columns()
	if len(cols) == 0 {
		return fmt.Errorf("point %d: empty result", p.Index)
	}
	width := 0
	for _, c := range cols {
		width = max(width, len(r[c]))
	}
	if width == 0 {
		return fmt.Errorf("point %d: result has no samples", p.Index)
	}
	cards := []fitsio.Card{
		{Name: "RUNID", Value: runID, Comment: "run identifier"},
		{Name: "POINT", Value: p.Index, Comment: "index in the plan"},
		{Name: "TEMP", Value: p.Temperature, Comment: "[C] hotstage set point"},
		{Name: "VOLTAGE", Value: p.Voltage, Comment: "[V] source amplitude"},
	}
	if p.HasFrequency {
		cards = append(cards, fitsio.Card{Name: "FREQ", Value: p.Frequency, Comment: "[Hz] source frequency"})
	}
	for i, c := range cols {
		cards = append(cards, fitsio.Card{Name: fmt.Sprintf("ROW%d", i+1), Value: c})
	}

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(-64, []int{width, len(cols)})
	defer im.Close()
	if err := im.Header().Append(cards...); err != nil {
		return err
	}
	data := make([]float64, width*len(cols))
	for i, c := range cols {
		row := data[i*width : (i+1)*width]
		n := copy(row, r[c])
		for j := n; j < width; j++ {
			row[j] = math.NaN()
		}
	}
	if err := im.Write(data); err != nil {
		return err
	}
	return fits.Write(im)
}

// ExportFITS writes the point to "<base> ... C.fits" and returns the file name
func ExportFITS(base, runID string, p *sweep.Point) (string, error) {
	name := exportName(base, p, ".fits")
	f, err := os.Create(name)
	if err != nil {
		return name, err
	}
	if err := WriteFITS(f, runID, p); err != nil {
		f.Close()
		return name, err
	}
	return name, f.Close()
}

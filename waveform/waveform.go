// Package waveform generates the scanner command waveforms of one frame
// period and moves them to and from the CSV layout used by waveform DACs.
//
// A waveform has one value per pixel clock tick, in the same order as the
// pixelmap lookup table, so sample i of the detector stream was acquired
// while the scanners were commanded to X[i], Y[i].
package waveform

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scanscope/config"
	"github.com/nasa-jpl/scanscope/pixelmap"
	"github.com/nasa-jpl/scanscope/util"
)

// FullScale is the largest magnitude command in volts
const FullScale = 10.0

// ErrInvalidArgument is generated when channel lists and waveforms disagree
var ErrInvalidArgument = errors.New("waveform: invalid argument")

// Waveform is the command sequence of one frame period, in volts,
// except Z in microns and Pockels in [0,1]
type Waveform struct {
	X []float64
	Y []float64

	// Z and Pockels are only populated for plane hopping
	Z       []float64
	Pockels []float64
}

// Columns returns the populated tracks in X, Y, Z, Pockels order
func (w Waveform) Columns() [][]float64 {
	cols := [][]float64{w.X, w.Y}
	if w.Z != nil {
		cols = append(cols, w.Z, w.Pockels)
	}
	return cols
}

// ramp returns the value a fraction f of the way from a to b
func ramp(a, b, f float64) float64 { return a + (b-a)*f }

// frac is i/n, or 0 for an empty span
func frac(i, n int) float64 {
	if n <= 1 {
		return 0
	}
	return float64(i) / float64(n-1)
}

// Generate computes the waveform of one frame period of l.  The scan
// amplitude is FullScale/Zoom; offsets shift the field as a fraction of
// FullScale.  Commands are clamped to ±FullScale.
func Generate(l pixelmap.Layout, cfg config.Scan) (Waveform, error) {
	if cfg.Zoom <= 0 {
		return Waveform{}, errors.Wrapf(ErrInvalidArgument, "zoom %v must be positive", cfg.Zoom)
	}
	amp := FullScale / cfg.Zoom
	xo, yo := cfg.XOffset*FullScale, cfg.YOffset*FullScale
	n := l.TotalPixels()
	w := Waveform{X: make([]float64, 0, n), Y: make([]float64, 0, n)}
	if l.Geometry == pixelmap.PlaneHopper {
		w.Z = make([]float64, 0, n)
		w.Pockels = make([]float64, 0, n)
	}

	// lines swept while imaging and settling, versus flying back
	yScan := l.YCutoffLines + l.YImage
	for p := 0; p < l.Planes; p++ {
		for line := 0; line < l.YTotalLines; line++ {
			var y float64
			switch {
			case l.Geometry == pixelmap.LineStraight:
				y = 0
			case l.Geometry.Resonance():
				// one y step per line pair
				pair := line / 2
				if line < yScan {
					y = ramp(-amp, amp, frac(pair, yScan/2))
				} else {
					y = ramp(amp, -amp, frac(pair-yScan/2, (l.YTotalLines-yScan)/2))
				}
			case line < yScan:
				y = ramp(-amp, amp, frac(line, yScan))
			default:
				y = ramp(amp, -amp, frac(line-yScan, l.YTotalLines-yScan))
			}
			for px := 0; px < l.XTotalPixels; px++ {
				w.X = append(w.X, util.Clamp(xo+xCommand(l, line, px, amp), -FullScale, FullScale))
				w.Y = append(w.Y, util.Clamp(yo+y, -FullScale, FullScale))
			}
		}
		if w.Z != nil {
			plane := cfg.Planes[p]
			for i := 0; i < l.PlaneLen(); i++ {
				w.Z = append(w.Z, plane.Z)
				w.Pockels = append(w.Pockels, plane.Pockels)
			}
		}
	}
	return w, nil
}

// xCommand is the fast axis command at pixel px of line
func xCommand(l pixelmap.Layout, line, px int, amp float64) float64 {
	switch l.Geometry {
	case pixelmap.Bidirectional:
		f := frac(px, l.XTotalPixels)
		if line%2 == 1 {
			return ramp(amp, -amp, f)
		}
		return ramp(-amp, amp, f)
	case pixelmap.ResonanceSoftware, pixelmap.ResonanceHardware:
		// the resonant scanner free-runs; the command is its amplitude
		return amp
	default:
		scan := l.XCutoffPixels + l.XImage
		if px < scan {
			return ramp(-amp, amp, frac(px, scan))
		}
		return ramp(amp, -amp, frac(px-scan, l.XRetracePixels))
	}
}

// WriteCSV writes w with one column per track and a header row of DAC
// channel numbers.  channels has one entry per column of w.Columns().
func WriteCSV(out io.Writer, channels []int, w Waveform) error {
	cols := w.Columns()
	if len(channels) != len(cols) {
		return errors.Wrapf(ErrInvalidArgument, "%d channels for %d waveform tracks", len(channels), len(cols))
	}
	if _, err := io.WriteString(out, util.IntSliceToCSV(channels)+"\n"); err != nil {
		return err
	}
	cw := csv.NewWriter(out)
	row := make([]string, len(cols))
	for i := range cols[0] {
		for j, col := range cols {
			row[j] = strconv.FormatFloat(col[i], 'g', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Track is the waveform of one DAC channel
type Track struct {
	Channel int
	Data    []float64
}

// ReadCSV parses the layout written by WriteCSV
func ReadCSV(r io.Reader) ([]Track, error) {
	var out []Track
	reader := csv.NewReader(r)
	skip := true
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return out, err
		}
		if skip {
			skip = false
			// one column per channel
			out = make([]Track, len(record))
			for i := 0; i < len(record); i++ {
				if !util.AllElementsNumbers(record[i]) {
					return out, errors.Wrapf(ErrInvalidArgument, "header column %d %q is not a channel number", i, record[i])
				}
				c, err := strconv.Atoi(record[i])
				if err != nil {
					return out, errors.Wrapf(err, "header column %d", i)
				}
				out[i].Channel = c
			}
			continue
		}
		for i := 0; i < len(record); i++ {
			f, err := strconv.ParseFloat(record[i], 64)
			if err != nil {
				return out, err
			}
			out[i].Data = append(out[i].Data, f)
		}
	}
	return out, nil
}

// DAC is a converter capable of waveform playback
type DAC interface {
	PopulateWaveform(int, []float64) error
	StartWaveform() error
	StopWaveform() error
}

// Upload stops playback and populates one DAC channel per track of w
func Upload(d DAC, channels []int, w Waveform) error {
	cols := w.Columns()
	if len(channels) != len(cols) {
		return errors.Wrapf(ErrInvalidArgument, "%d channels for %d waveform tracks", len(channels), len(cols))
	}
	if err := d.StopWaveform(); err != nil {
		return err
	}
	for i, c := range channels {
		if err := d.PopulateWaveform(c, cols[i]); err != nil {
			return errors.Wrapf(err, "populating channel %d", c)
		}
	}
	return nil
}

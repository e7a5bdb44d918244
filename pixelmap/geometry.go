package pixelmap

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scanscope/config"
	"github.com/nasa-jpl/scanscope/mathx"
)

// Geometry is a scan pattern
type Geometry int

const (
	// Sawtooth is a unidirectional raster with a flyback after every line
	Sawtooth Geometry = iota

	// Bidirectional scans alternate lines left to right and right to left
	Bidirectional

	// PlaneHopper scans a sequence of focal planes per frame, each a sawtooth raster
	PlaneHopper

	// ResonanceSoftware is resonant x scanning with line starts taken from a per-sample sync track
	ResonanceSoftware

	// ResonanceHardware is resonant x scanning with line timing fixed by the hardware pixel clock
	ResonanceHardware

	// LineStraight repeatedly scans a single line, one image row per repetition
	LineStraight
)

// ParseGeometry converts a name to a Geometry.
// s is a member of {sawtooth, bidirectional, planehopper, resonancesw, resonancehw, linestraight}
func ParseGeometry(s string) (Geometry, error) {
	switch strings.ToLower(s) {
	case "sawtooth":
		return Sawtooth, nil
	case "bidirectional", "bidi":
		return Bidirectional, nil
	case "planehopper":
		return PlaneHopper, nil
	case "resonancesw", "resonance-software":
		return ResonanceSoftware, nil
	case "resonancehw", "resonance-hardware", "resonance":
		return ResonanceHardware, nil
	case "linestraight":
		return LineStraight, nil
	default:
		return -1, errors.Wrapf(ErrInvalidArgument,
			"geometry %q must be a member of {sawtooth, bidirectional, planehopper, resonancesw, resonancehw, linestraight}", s)
	}
}

func (g Geometry) String() string {
	switch g {
	case Sawtooth:
		return "sawtooth"
	case Bidirectional:
		return "bidirectional"
	case PlaneHopper:
		return "planehopper"
	case ResonanceSoftware:
		return "resonancesw"
	case ResonanceHardware:
		return "resonancehw"
	case LineStraight:
		return "linestraight"
	default:
		return ""
	}
}

// Resonance returns true for both resonance geometries
func (g Geometry) Resonance() bool {
	return g == ResonanceSoftware || g == ResonanceHardware
}

// Layout holds the pixel and line counts of one scan period.  All counts are
// integers; fractions from the configuration are rounded to nearest.
type Layout struct {
	Geometry Geometry

	// XImage and YImage are the image pixels and lines of one plane
	XImage int
	YImage int

	XCutoffPixels  int
	XRetracePixels int

	// XTurnPixels is the turnaround per line, split into TurnLeft and TurnRight
	XTurnPixels int
	TurnLeft    int
	TurnRight   int

	XTotalPixels int

	YCutoffLines  int
	YRetraceLines int
	YTotalLines   int

	Planes int
}

// NewLayout derives the period layout for a configuration
func NewLayout(cfg config.Scan) (Layout, error) {
	if err := cfg.Validate(); err != nil {
		return Layout{}, err
	}
	g, err := ParseGeometry(cfg.Geometry)
	if err != nil {
		return Layout{}, err
	}
	l := Layout{Geometry: g, XImage: cfg.XPixels, YImage: cfg.YPixels, Planes: 1}
	switch g {
	case Sawtooth, PlaneHopper, LineStraight:
		l.XCutoffPixels = mathx.FractionOf(cfg.XCutoff, l.XImage)
		l.XRetracePixels = mathx.FractionOf(cfg.XRetrace, l.XImage)
		l.XTotalPixels = l.XCutoffPixels + l.XImage + l.XRetracePixels
		if g != LineStraight {
			l.YCutoffLines = mathx.FractionOf(cfg.YCutoff, l.YImage)
			l.YRetraceLines = mathx.FractionOf(cfg.YRetrace, l.YImage)
		}
		if g == PlaneHopper {
			if len(cfg.Planes) == 0 {
				return Layout{}, errors.Wrap(ErrInvalidArgument, "plane hopping requires at least one plane")
			}
			l.Planes = len(cfg.Planes)
		}
	case Bidirectional:
		l.setTurn(cfg.XTurn)
		l.YCutoffLines = mathx.FractionOf(cfg.YCutoff, l.YImage)
		l.YRetraceLines = mathx.FractionOf(cfg.YRetrace, l.YImage)
		// the mirror must end a frame where it began
		if (l.YCutoffLines+l.YImage+l.YRetraceLines)%2 != 0 {
			l.YRetraceLines++
		}
	case ResonanceSoftware, ResonanceHardware:
		if l.YImage%2 != 0 {
			return Layout{}, errors.Wrapf(ErrInvalidArgument, "resonance scanning requires an even line count, got %d", l.YImage)
		}
		l.setTurn(cfg.XTurn)
		l.YCutoffLines = mathx.EvenFractionOf(cfg.YCutoff, l.YImage)
		l.YRetraceLines = mathx.EvenFractionOf(cfg.YRetrace, l.YImage)
	}
	l.YTotalLines = l.YCutoffLines + l.YImage + l.YRetraceLines
	return l, nil
}

func (l *Layout) setTurn(frac float64) {
	l.XTurnPixels = mathx.FractionOf(frac, l.XImage)
	l.TurnLeft = l.XTurnPixels / 2
	l.TurnRight = l.XTurnPixels - l.TurnLeft
	l.XTotalPixels = l.XImage + l.XTurnPixels
}

// ImageWidth is the width of the destination image
func (l Layout) ImageWidth() int { return l.XImage }

// ImageHeight is the height of the destination image; planes are stacked vertically
func (l Layout) ImageHeight() int { return l.YImage * l.Planes }

// PlaneLen is the number of samples in one plane
func (l Layout) PlaneLen() int { return l.XTotalPixels * l.YTotalLines }

// TotalPixels is the number of samples in one full scan period,
// image pixels plus every discarded cutoff, retrace and turn sample
func (l Layout) TotalPixels() int { return l.PlaneLen() * l.Planes }

// LinePairLen is the number of samples in one forward/backward line pair
func (l Layout) LinePairLen() int { return 2 * l.XTotalPixels }

// Package config holds the flat scan configuration snapshot consumed by the
// acquisition core.  A Scan value is immutable for the lifetime of one
// configuration epoch; changing any field requires rebuilding the pixel
// mapper and reallocating images.
package config

import (
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scanscope/util"
)

// ErrInvalidArgument is generated when a configuration cannot describe a scan
var ErrInvalidArgument = errors.New("config: invalid argument")

// Plane is one focal plane of a plane-hopping frame
type Plane struct {
	// Z is the fast-Z actuator position in microns
	Z float64 `koanf:"Z" yaml:"Z"`

	// Pockels is the Pockels cell setpoint in [0,1]
	Pockels float64 `koanf:"Pockels" yaml:"Pockels"`
}

// Scan is the configuration snapshot of one acquisition epoch
type Scan struct {
	// Geometry selects the scan pattern, see pixelmap.ParseGeometry
	Geometry string `koanf:"Geometry" yaml:"Geometry"`

	// XPixels and YPixels are the image resolution
	XPixels int `koanf:"XPixels" yaml:"XPixels"`
	YPixels int `koanf:"YPixels" yaml:"YPixels"`

	// XCutoff is the fraction of a line discarded at its start while the scanner settles
	XCutoff float64 `koanf:"XCutoff" yaml:"XCutoff"`

	// XRetrace is the fraction of a line spent on flyback
	XRetrace float64 `koanf:"XRetrace" yaml:"XRetrace"`

	// YCutoff is the fraction of the frame's lines discarded at its start
	YCutoff float64 `koanf:"YCutoff" yaml:"YCutoff"`

	// YRetrace is the fraction of the frame's lines spent on flyback
	YRetrace float64 `koanf:"YRetrace" yaml:"YRetrace"`

	// XTurn is the fraction of a line spent turning around in bidirectional and resonance scanning
	XTurn float64 `koanf:"XTurn" yaml:"XTurn"`

	// Zoom divides the scan amplitude
	Zoom float64 `koanf:"Zoom" yaml:"Zoom"`

	// XOffset and YOffset shift the field of view, as a fraction of the full range
	XOffset float64 `koanf:"XOffset" yaml:"XOffset"`
	YOffset float64 `koanf:"YOffset" yaml:"YOffset"`

	// PixelTime is the dwell time per pixel in microseconds
	PixelTime float64 `koanf:"PixelTime" yaml:"PixelTime"`

	// Averages is the number of frames averaged into one image
	Averages int `koanf:"Averages" yaml:"Averages"`

	// Channels and Areas are the number of detector channels and scan areas
	Channels int `koanf:"Channels" yaml:"Channels"`
	Areas    int `koanf:"Areas" yaml:"Areas"`

	// Planes lists the focal planes of a plane-hopping frame
	Planes []Plane `koanf:"Planes" yaml:"Planes"`

	// Oversampling is the number of hardware samples per pixel, averaged by chunk downsampling
	Oversampling int `koanf:"Oversampling" yaml:"Oversampling"`

	// Scale is an intensity calibration multiplier applied to every sample
	Scale float64 `koanf:"Scale" yaml:"Scale"`

	// ChunkPixels is the number of pixels per channel requested per hardware read
	ChunkPixels int `koanf:"ChunkPixels" yaml:"ChunkPixels"`

	// ReadTimeout is the hardware read timeout in seconds
	ReadTimeout float64 `koanf:"ReadTimeout" yaml:"ReadTimeout"`

	// ReadRate limits hardware reads per second, 0 is unlimited
	ReadRate float64 `koanf:"ReadRate" yaml:"ReadRate"`

	// Mode is "single" (stop after one averaged image) or "continuous"
	Mode string `koanf:"Mode" yaml:"Mode"`
}

// Default returns the configuration used when no file overrides it
func Default() Scan {
	return Scan{
		Geometry:     "sawtooth",
		XPixels:      256,
		YPixels:      256,
		XCutoff:      0.1,
		XRetrace:     0.1,
		YCutoff:      0,
		YRetrace:     0.05,
		XTurn:        0.1,
		Zoom:         1,
		PixelTime:    2,
		Averages:     1,
		Channels:     2,
		Areas:        1,
		Oversampling: 1,
		Scale:        1,
		ChunkPixels:  4096,
		ReadTimeout:  2,
		Mode:         "continuous",
	}
}

// Validate checks the geometry-independent constraints of a configuration.
// Geometry specific constraints are checked when the pixel mapper is built.
func (s Scan) Validate() error {
	switch {
	case s.XPixels <= 0 || s.YPixels <= 0:
		return errors.Wrapf(ErrInvalidArgument, "resolution %dx%d must be positive", s.XPixels, s.YPixels)
	case s.Channels <= 0 || s.Areas <= 0:
		return errors.Wrapf(ErrInvalidArgument, "channels=%d areas=%d must be positive", s.Channels, s.Areas)
	case s.XCutoff < 0 || s.XRetrace < 0 || s.YCutoff < 0 || s.YRetrace < 0 || s.XTurn < 0:
		return errors.Wrap(ErrInvalidArgument, "cutoff, retrace and turn fractions must not be negative")
	case s.Zoom <= 0:
		return errors.Wrapf(ErrInvalidArgument, "zoom %v must be positive", s.Zoom)
	case s.Averages <= 0:
		return errors.Wrapf(ErrInvalidArgument, "averages %d must be positive", s.Averages)
	case s.Oversampling <= 0:
		return errors.Wrapf(ErrInvalidArgument, "oversampling %d must be positive", s.Oversampling)
	case s.Scale <= 0:
		return errors.Wrapf(ErrInvalidArgument, "scale %v must be positive", s.Scale)
	case s.ChunkPixels <= 0:
		return errors.Wrapf(ErrInvalidArgument, "chunk size %d must be positive", s.ChunkPixels)
	case s.ReadTimeout <= 0:
		return errors.Wrapf(ErrInvalidArgument, "read timeout %v must be positive", s.ReadTimeout)
	case s.ReadRate < 0:
		return errors.Wrapf(ErrInvalidArgument, "read rate %v must not be negative", s.ReadRate)
	case s.Mode != "single" && s.Mode != "continuous":
		return errors.Wrapf(ErrInvalidArgument, "mode %q must be a member of {single, continuous}", s.Mode)
	}
	return nil
}

// Timeout returns ReadTimeout as a duration
func (s Scan) Timeout() time.Duration {
	return util.SecsToDuration(s.ReadTimeout)
}

// SamplesPerRead is the number of hardware samples per channel requested per read
func (s Scan) SamplesPerRead() int {
	return s.ChunkPixels * s.Oversampling
}

// Single returns true if acquisition stops after one averaged image
func (s Scan) Single() bool {
	return s.Mode == "single"
}

// Package acquire runs the chunk acquisition loop: read a chunk from the
// digitizer, reduce it, and feed it through a pixel mapper until consumed.
//
// A Session owns the hardware handle and one Loop per scan area.  Each
// Loop owns its chunks end to end; images are shared with readers through
// scanimage's access guards.
package acquire

import (
	"time"

	"github.com/nasa-jpl/scanscope/daqchunk"
)

// ReadResult describes one hardware read
type ReadResult struct {
	// Samples is the number of samples written per channel
	Samples int

	// TimedOut is true if the timeout elapsed before the requested count arrived
	TimedOut bool

	// Overflow is true if the hardware FIFO overflowed since the last read
	Overflow bool
}

// Input is a digitizer.  Read fills chunk.DataStart(area) and never writes
// past the chunk's capacity.  A timeout is reported in ReadResult, not as
// an error; errors are fatal to the acquisition.
type Input interface {
	Start() error
	Stop() error

	// RequestedSampleCount is the number of samples per channel per read
	RequestedSampleCount() int

	Read(area int, c *daqchunk.Chunk, timeout time.Duration) (ReadResult, error)
}

// PlaneSetter moves focus and laser power to a plane of a plane hopping scan
type PlaneSetter interface {
	SetPlane(index int) error
}

/*Package daqchunk holds raw detector samples from one hardware read.

A Chunk stores samples for one or more scan areas and channels in a single
flat buffer.  The layout is area-major, then channel-major, then samples:
area a, channel c occupies

	[(a*numChannels + c) * perChannel, (a*numChannels + c + 1) * perChannel)

Each (area, channel) region carries a cursor recording how many of its
samples a pixel mapper has already consumed, so a mapper which stops at a
frame boundary can resume inside the same chunk on the next call.

Basic usage:

	c, err := daqchunk.New(4096, 2, 1)
	if err != nil {
		return err
	}
	n, _ := hw.Read(c.DataStart(0)) // fill area 0
	c.SetFilled(n)
	err = c.Downsample(4)           // 4 hardware samples per pixel
*/
package daqchunk

import (
	"math"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scanscope/mathx"
)

var (
	// ErrInvalidArgument is generated when a chunk is constructed or reshaped
	// with dimensions that would desynchronize it from a pixel mapper
	ErrInvalidArgument = errors.New("daqchunk: invalid argument")

	// ErrStaleCursor is generated when a chunk bound to one configuration
	// epoch is used with another
	ErrStaleCursor = errors.New("daqchunk: cursor belongs to a different configuration epoch")
)

// Cursor is a resumable position inside one (area, channel) region.
// Epoch identifies the mapper configuration the position is valid for.
type Cursor struct {
	Pos   int
	Epoch uint64
}

// Chunk is one hardware read's worth of samples.  It is not concurrent safe;
// a chunk is owned by a single acquisition loop iteration.
type Chunk struct {
	capacity    int
	perChannel  int
	numChannels int
	numAreas    int

	// filled is the number of valid samples per channel
	filled int

	data []uint16

	// sync is the optional line-sync track, one flag per sample per area
	sync []bool

	cursors []int
	epoch   uint64
	bound   bool
}

func checkDims(perChannel, numChannels, numAreas int) error {
	if perChannel <= 0 || numChannels <= 0 || numAreas <= 0 {
		return errors.Wrapf(ErrInvalidArgument,
			"perChannel=%d numChannels=%d numAreas=%d must all be positive",
			perChannel, numChannels, numAreas)
	}
	return nil
}

// New allocates a zeroed chunk of numAreas*numChannels*perChannel samples.
func New(perChannel, numChannels, numAreas int) (*Chunk, error) {
	if err := checkDims(perChannel, numChannels, numAreas); err != nil {
		return nil, err
	}
	return &Chunk{
		capacity:    perChannel,
		perChannel:  perChannel,
		numChannels: numChannels,
		numAreas:    numAreas,
		filled:      perChannel,
		data:        make([]uint16, numAreas*numChannels*perChannel),
		cursors:     make([]int, numAreas*numChannels),
	}, nil
}

// NewWithSync allocates a chunk that also carries a per-sample line-sync
// track for each area, used by software-synchronized resonance scanning.
func NewWithSync(perChannel, numChannels, numAreas int) (*Chunk, error) {
	c, err := New(perChannel, numChannels, numAreas)
	if err != nil {
		return nil, err
	}
	c.sync = make([]bool, numAreas*perChannel)
	return c, nil
}

// PerChannel is the capacity of each (area, channel) region
func (c *Chunk) PerChannel() int { return c.perChannel }

// NumChannels is the number of channels per area
func (c *Chunk) NumChannels() int { return c.numChannels }

// NumAreas is the number of scan areas
func (c *Chunk) NumAreas() int { return c.numAreas }

// Len is the total number of samples in the buffer
func (c *Chunk) Len() int { return len(c.data) }

// HasSync returns true if the chunk carries a line-sync track
func (c *Chunk) HasSync() bool { return c.sync != nil }

// Filled is the number of valid samples per channel.  It is equal to
// PerChannel unless a short read was recorded with SetFilled.
func (c *Chunk) Filled() int { return c.filled }

// SetFilled records how many samples per channel the hardware delivered.
// n is clamped to [0, PerChannel].
func (c *Chunk) SetFilled(n int) {
	if n < 0 {
		n = 0
	}
	if n > c.perChannel {
		n = c.perChannel
	}
	c.filled = n
}

func (c *Chunk) regionStart(area, channel int) int {
	return (area*c.numChannels + channel) * c.perChannel
}

// DataStart returns the block of area, beginning at its first channel and
// spanning all of its channels.  Hardware inputs write raw samples here.
func (c *Chunk) DataStart(area int) []uint16 {
	lo := c.regionStart(area, 0)
	return c.data[lo : lo+c.numChannels*c.perChannel]
}

// Region returns the samples of one (area, channel) pair, the full capacity
// and not only the filled part.
func (c *Chunk) Region(area, channel int) []uint16 {
	lo := c.regionStart(area, channel)
	return c.data[lo : lo+c.perChannel]
}

// Sync returns the line-sync track of area, or nil if there is none
func (c *Chunk) Sync(area int) []bool {
	if c.sync == nil {
		return nil
	}
	lo := area * c.perChannel
	return c.sync[lo : lo+c.perChannel]
}

// Data returns the whole flat buffer
func (c *Chunk) Data() []uint16 { return c.data }

// Bind stamps the chunk with a configuration epoch.  A chunk can be bound
// any number of times to the same epoch; binding to a different one after
// consumption started yields ErrStaleCursor.
func (c *Chunk) Bind(epoch uint64) error {
	if c.bound && c.epoch != epoch {
		return errors.Wrapf(ErrStaleCursor, "chunk epoch %d, mapper epoch %d", c.epoch, epoch)
	}
	c.epoch = epoch
	c.bound = true
	return nil
}

// Cursor returns the consumption cursor of an (area, channel) pair
func (c *Chunk) Cursor(area, channel int) Cursor {
	return Cursor{Pos: c.cursors[area*c.numChannels+channel], Epoch: c.epoch}
}

// SetCursor moves the consumption cursor of an (area, channel) pair.
// The cursor must belong to the chunk's epoch and lie within [0, Filled].
func (c *Chunk) SetCursor(area, channel int, cur Cursor) error {
	if c.bound && cur.Epoch != c.epoch {
		return errors.Wrapf(ErrStaleCursor, "cursor epoch %d, chunk epoch %d", cur.Epoch, c.epoch)
	}
	if cur.Pos < 0 || cur.Pos > c.filled {
		return errors.Wrapf(ErrInvalidArgument, "cursor %d outside [0, %d]", cur.Pos, c.filled)
	}
	c.cursors[area*c.numChannels+channel] = cur.Pos
	return nil
}

// Remaining is the number of filled samples of an (area, channel) pair not yet consumed
func (c *Chunk) Remaining(area, channel int) int {
	return c.filled - c.cursors[area*c.numChannels+channel]
}

// Consumed returns true when every region of every area has been fully consumed
func (c *Chunk) Consumed() bool {
	for _, p := range c.cursors {
		if p < c.filled {
			return false
		}
	}
	return true
}

// AreaConsumed returns true when all channels of area have been fully consumed
func (c *Chunk) AreaConsumed(area int) bool {
	for ch := 0; ch < c.numChannels; ch++ {
		if c.Remaining(area, ch) > 0 {
			return false
		}
	}
	return true
}

// Reset returns a chunk to the shape it was allocated with so it can take
// another read.  Cursors, the filled count and the epoch binding are cleared;
// sample values are left as they are.
func (c *Chunk) Reset() {
	c.perChannel = c.capacity
	c.filled = c.capacity
	c.data = c.data[:cap(c.data)]
	if c.sync != nil {
		c.sync = c.sync[:cap(c.sync)]
	}
	c.epoch = 0
	c.bound = false
	c.resetCursors()
}

func (c *Chunk) resetCursors() {
	for i := range c.cursors {
		c.cursors[i] = 0
	}
}

// Carry holds the oversampling blocks a short read left incomplete.  Handing
// the same Carry to consecutive DownsampleCarry calls completes those blocks
// with the first samples of the next read.  The zero value is ready to use.
type Carry struct {
	factor int

	// n is the number of raw samples pending in every region
	n    int
	sums []uint64
	sync []bool
}

// Pending is the number of raw samples per channel waiting for the next read
func (k *Carry) Pending() int { return k.n }

// Reset discards any pending samples
func (k *Carry) Reset() {
	k.n = 0
	for i := range k.sums {
		k.sums[i] = 0
	}
	for i := range k.sync {
		k.sync[i] = false
	}
}

// fit reshapes k for a chunk, discarding pending samples if the shape changed
func (k *Carry) fit(factor, regions, areas int) {
	if k.factor == factor && len(k.sums) == regions && len(k.sync) == areas {
		return
	}
	k.factor = factor
	k.n = 0
	k.sums = make([]uint64, regions)
	k.sync = make([]bool, areas)
}

// Downsample block-averages every factor consecutive samples of each region
// into one, using residual rounding so no bias accumulates over many pixels.
// factor must evenly divide PerChannel.  Cursors are reset to region starts
// and Filled shrinks to Filled/factor; trailing samples of an incomplete
// block are dropped.  Sync flags of a block are OR'd.
func (c *Chunk) Downsample(factor int) error {
	return c.DownsampleCarry(factor, nil)
}

// DownsampleCarry is Downsample for a stream of reads.  Samples pending in
// carry open the first block of every region and the trailing samples of
// an incomplete block are left in carry instead of being dropped.  A nil
// carry behaves as Downsample.
func (c *Chunk) DownsampleCarry(factor int, carry *Carry) error {
	if factor <= 0 || c.perChannel%factor != 0 {
		return errors.Wrapf(ErrInvalidArgument, "downsample factor %d does not divide %d samples per channel",
			factor, c.perChannel)
	}
	if factor == 1 {
		c.resetCursors()
		return nil
	}
	regions := c.numAreas * c.numChannels
	pending := 0
	if carry != nil {
		carry.fit(factor, regions, c.numAreas)
		pending = carry.n
	}
	newPer := c.perChannel / factor
	div := uint64(factor)
	blocks := (pending + c.filled) / factor
	// a region's output never overtakes its input, so this runs in place
	for r := 0; r < regions; r++ {
		in := c.data[r*c.perChannel : r*c.perChannel+c.filled]
		out := r * newPer
		var sum uint64
		n := 0
		if carry != nil {
			sum, n = carry.sums[r], pending
		}
		for _, v := range in {
			sum += uint64(v)
			n++
			if n == factor {
				c.data[out] = uint16(mathx.DivRound(sum, div))
				out++
				sum, n = 0, 0
			}
		}
		if carry != nil {
			carry.sums[r] = sum
		}
	}
	c.data = c.data[:regions*newPer]
	if c.sync != nil {
		for a := 0; a < c.numAreas; a++ {
			in := c.sync[a*c.perChannel : a*c.perChannel+c.filled]
			out := a * newPer
			s := false
			n := 0
			if carry != nil {
				s, n = carry.sync[a], pending
			}
			for _, b := range in {
				s = s || b
				n++
				if n == factor {
					c.sync[out] = s
					out++
					s, n = false, 0
				}
			}
			if carry != nil {
				carry.sync[a] = s
			}
		}
		c.sync = c.sync[:c.numAreas*newPer]
	}
	if carry != nil {
		carry.n = (pending + c.filled) % factor
	}
	c.perChannel = newPer
	c.filled = blocks
	c.resetCursors()
	return nil
}

// Scale multiplies every sample by factor, rounding to nearest and
// saturating at the 16-bit limits.  factor must be positive.
func (c *Chunk) Scale(factor float64) error {
	if !(factor > 0) || math.IsInf(factor, 1) {
		return errors.Wrapf(ErrInvalidArgument, "scale factor %v must be positive and finite", factor)
	}
	if factor == 1 {
		return nil
	}
	for i, v := range c.data {
		f := math.Round(float64(v) * factor)
		if f > math.MaxUint16 {
			f = math.MaxUint16
		}
		c.data[i] = uint16(f)
	}
	return nil
}

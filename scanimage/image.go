/*Package scanimage provides concurrent-safe pixel buffers for scanned images.

A PixelImage holds one channel's 16-bit pixel grid.  It is written by exactly
one pixel mapper and read by any number of consumers (display, histogram,
storage).  All buffer access goes through a guard:

	g := img.ReadAccess()
	defer g.Release()
	px := g.Pixels()

WriteAccess waits for the readers present at that moment to drain and then
holds the image for the whole write; readers arriving during the write block
until it is released.  Readers are not held off while a writer waits.
*/
package scanimage

import (
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

var (
	// ErrOutOfRange is generated when a pixel coordinate lies outside the image
	ErrOutOfRange = errors.New("scanimage: pixel coordinate out of range")

	// ErrInvalidArgument is generated when image dimensions or channel indices are invalid
	ErrInvalidArgument = errors.New("scanimage: invalid argument")
)

// PixelImage is a row-major 16-bit image with guarded access
type PixelImage struct {
	width  int
	height int

	mu      sync.Mutex
	drained *sync.Cond
	readers int
	pix     []uint16

	completeFrame atomic.Bool
	completeAvg   atomic.Bool
	percent       atomic.Uint64

	// newly written range, guarded separately so storage can poll it without
	// waiting for a write to finish
	rangeMu    sync.Mutex
	newStart   int
	newEnd     int
	newPending bool
}

// NewPixelImage allocates a zeroed width x height image
func NewPixelImage(width, height int) (*PixelImage, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "image size %dx%d must be positive", width, height)
	}
	p := &PixelImage{
		width:  width,
		height: height,
		pix:    make([]uint16, width*height),
	}
	p.drained = sync.NewCond(&p.mu)
	return p, nil
}

// Width is the number of pixels per row
func (p *PixelImage) Width() int { return p.width }

// Height is the number of rows
func (p *PixelImage) Height() int { return p.height }

// Len is Width*Height
func (p *PixelImage) Len() int { return len(p.pix) }

// ReadGuard is shared access to a PixelImage.  Release must be called exactly
// once; further calls are no-ops.
type ReadGuard struct {
	img  *PixelImage
	once sync.Once
}

// Pixels returns the pixel buffer.  It must not be modified or retained after Release.
func (g *ReadGuard) Pixels() []uint16 { return g.img.pix }

// Release ends shared access
func (g *ReadGuard) Release() {
	g.once.Do(func() {
		p := g.img
		p.mu.Lock()
		p.readers--
		if p.readers == 0 {
			p.drained.Broadcast()
		}
		p.mu.Unlock()
	})
}

// ReadAccess obtains shared access.  It blocks only behind a write in progress.
func (p *PixelImage) ReadAccess() *ReadGuard {
	p.mu.Lock()
	p.readers++
	p.mu.Unlock()
	return &ReadGuard{img: p}
}

// WriteGuard is exclusive access to a PixelImage
type WriteGuard struct {
	img  *PixelImage
	once sync.Once
}

// Pixels returns the mutable pixel buffer.  It must not be retained after Release.
func (g *WriteGuard) Pixels() []uint16 { return g.img.pix }

// MarkWritten extends the newly written range by [start, end)
func (g *WriteGuard) MarkWritten(start, end int) {
	g.img.markWritten(start, end)
}

// Release ends exclusive access
func (g *WriteGuard) Release() {
	g.once.Do(func() {
		g.img.mu.Unlock()
	})
}

// WriteAccess obtains exclusive access, waiting for current readers to finish
func (p *PixelImage) WriteAccess() *WriteGuard {
	p.mu.Lock()
	for p.readers > 0 {
		p.drained.Wait()
	}
	return &WriteGuard{img: p}
}

// Pixel returns the value at column x, row y
func (p *PixelImage) Pixel(x, y int) (uint16, error) {
	if x < 0 || y < 0 || x >= p.width || y >= p.height {
		return 0, errors.Wrapf(ErrOutOfRange, "(%d,%d) in %dx%d image", x, y, p.width, p.height)
	}
	g := p.ReadAccess()
	defer g.Release()
	return g.Pixels()[y*p.width+x], nil
}

// Snapshot returns a copy of the pixel buffer
func (p *PixelImage) Snapshot() []uint16 {
	g := p.ReadAccess()
	defer g.Release()
	out := make([]uint16, len(p.pix))
	copy(out, g.Pixels())
	return out
}

// Fill sets every pixel to v and marks the whole image as newly written
func (p *PixelImage) Fill(v uint16) {
	g := p.WriteAccess()
	defer g.Release()
	buf := g.Pixels()
	for i := range buf {
		buf[i] = v
	}
	g.MarkWritten(0, len(buf))
}

// FillRandom fills the image with pseudo-random values and marks the whole
// image as newly written.  It is used for diagnostics and display testing.
func (p *PixelImage) FillRandom() {
	g := p.WriteAccess()
	defer g.Release()
	buf := g.Pixels()
	for i := range buf {
		buf[i] = uint16(rand.Intn(math.MaxUint16 + 1))
	}
	g.MarkWritten(0, len(buf))
}

func (p *PixelImage) markWritten(start, end int) {
	if end <= start {
		return
	}
	p.rangeMu.Lock()
	defer p.rangeMu.Unlock()
	if !p.newPending {
		p.newStart, p.newEnd, p.newPending = start, end, true
		return
	}
	if start < p.newStart {
		p.newStart = start
	}
	if end > p.newEnd {
		p.newEnd = end
	}
}

// TakeNewlyWritten returns the range of the flat buffer written since the
// previous call and clears it.  ok is false if nothing was written.
func (p *PixelImage) TakeNewlyWritten() (start, end int, ok bool) {
	p.rangeMu.Lock()
	defer p.rangeMu.Unlock()
	if !p.newPending {
		return 0, 0, false
	}
	start, end = p.newStart, p.newEnd
	p.newPending = false
	return start, end, true
}

// SetCompleteFrame flags whether the current frame has been fully scanned
func (p *PixelImage) SetCompleteFrame(b bool) { p.completeFrame.Store(b) }

// CompleteFrame returns the complete-frame flag
func (p *PixelImage) CompleteFrame() bool { return p.completeFrame.Load() }

// SetCompleteAvg flags whether the configured number of frames has been averaged
func (p *PixelImage) SetCompleteAvg(b bool) { p.completeAvg.Store(b) }

// CompleteAvg returns the complete-average flag
func (p *PixelImage) CompleteAvg() bool { return p.completeAvg.Load() }

// SetPercentComplete records the scan progress of the current frame, clamped to [0,100]
func (p *PixelImage) SetPercentComplete(pct float64) {
	if pct < 0 || math.IsNaN(pct) {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	p.percent.Store(math.Float64bits(pct))
}

// PercentComplete returns the scan progress of the current frame
func (p *PixelImage) PercentComplete() float64 {
	return math.Float64frombits(p.percent.Load())
}

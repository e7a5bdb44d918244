// Package histogram computes intensity distributions of scan images for
// display auto-ranging.
package histogram

import (
	"math"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"github.com/nasa-jpl/scanscope/scanimage"
)

// LogScale multiplies log10 counts so they keep precision as integers
const LogScale = 100000

// ErrInvalidArgument is generated for impossible ranges or bin counts
var ErrInvalidArgument = errors.New("histogram: invalid argument")

// Histogram counts pixel values in [0, rng] into equally sized bins.
// Every accessor is safe for concurrent use.
type Histogram struct {
	mu      sync.Mutex
	rng     int
	binSize int
	bins    []uint32
}

// New creates a histogram of binCount bins over [0, rng].
// binCount must be in [1, rng+1].  Bins are ceil((rng+1)/binCount) values
// wide; when binCount does not divide rng+1 the last bin is narrower and
// trailing bins may never be reached.
func New(rng, binCount int) (*Histogram, error) {
	if rng < 0 || rng > math.MaxUint16 {
		return nil, errors.Wrapf(ErrInvalidArgument, "range %d outside [0, %d]", rng, math.MaxUint16)
	}
	h := &Histogram{rng: rng}
	if err := h.resize(binCount); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Histogram) resize(n int) error {
	if n < 1 || n > h.rng+1 {
		return errors.Wrapf(ErrInvalidArgument, "bin count %d outside [1, %d]", n, h.rng+1)
	}
	h.bins = make([]uint32, n)
	// ceiling, so the top of the range still lands in the last bin
	h.binSize = (h.rng + n) / n
	return nil
}

// Resize changes the bin count and clears the counts
func (h *Histogram) Resize(n int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resize(n)
}

// Range is the largest value counted
func (h *Histogram) Range() int { return h.rng }

// BinCount is the number of bins
func (h *Histogram) BinCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bins)
}

// BinLowerValue is the smallest pixel value counted in bin
func (h *Histogram) BinLowerValue(bin int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return bin * h.binSize
}

// Calculate clears the bins and counts the pixels of img under shared access.
// If useLog, each count is replaced by round(LogScale*log10(count)).
func (h *Histogram) Calculate(img *scanimage.PixelImage, useLog bool) {
	g := img.ReadAccess()
	defer g.Release()
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.bins {
		h.bins[i] = 0
	}
	for _, v := range g.Pixels() {
		if int(v) > h.rng {
			continue
		}
		h.bins[int(v)/h.binSize]++
	}
	if useLog {
		for i, c := range h.bins {
			if c > 0 {
				h.bins[i] = uint32(math.Round(LogScale * math.Log10(float64(c))))
			}
		}
	}
}

// MaxCount is the largest bin count
func (h *Histogram) MaxCount() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var max uint32
	for _, c := range h.bins {
		if c > max {
			max = c
		}
	}
	return max
}

// FirstNonZeroBinPosition is the index of the first bin with a nonzero
// count, or -1 if every bin is empty
func (h *Histogram) FirstNonZeroBinPosition() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, c := range h.bins {
		if c != 0 {
			return i
		}
	}
	return -1
}

// LastNonZeroBinPosition is the index of the last bin with a nonzero
// count, or -1 if every bin is empty
func (h *Histogram) LastNonZeroBinPosition() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.bins) - 1; i >= 0; i-- {
		if h.bins[i] != 0 {
			return i
		}
	}
	return -1
}

// View is a locked, read-only view of the bins.  The histogram is locked
// until Release is called.
type View struct {
	h    *Histogram
	once sync.Once
}

// View locks the histogram and returns a view of it
func (h *Histogram) View() *View {
	h.mu.Lock()
	return &View{h: h}
}

// Bins returns the counts.  The slice must not be modified or used after Release.
func (v *View) Bins() []uint32 { return v.h.bins }

// BinSize is the width of each bin in pixel values
func (v *View) BinSize() int { return v.h.binSize }

// Release unlocks the histogram.  Repeated calls are no-ops.
func (v *View) Release() {
	v.once.Do(v.h.mu.Unlock)
}

// Moments returns the mean and standard deviation of the pixels of img
func Moments(img *scanimage.PixelImage) (mean, std float64) {
	g := img.ReadAccess()
	px := g.Pixels()
	x := make([]float64, len(px))
	for i, v := range px {
		x[i] = float64(v)
	}
	g.Release()
	return stat.MeanStdDev(x, nil)
}

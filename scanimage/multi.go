package scanimage

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// MultiChannelImage owns one PixelImage per channel of one scan area,
// plus metadata shared by all channels
type MultiChannelImage struct {
	width  int
	height int

	mu       sync.RWMutex
	channels []*PixelImage

	frame     atomic.Int64
	avgDone   atomic.Int32
	avgTarget atomic.Int32
}

// NewMultiChannelImage allocates channels images of width x height
func NewMultiChannelImage(width, height, channels int) (*MultiChannelImage, error) {
	if channels <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "channel count %d must be positive", channels)
	}
	m := &MultiChannelImage{width: width, height: height, channels: make([]*PixelImage, channels)}
	for i := range m.channels {
		img, err := NewPixelImage(width, height)
		if err != nil {
			return nil, err
		}
		m.channels[i] = img
	}
	m.avgTarget.Store(1)
	return m, nil
}

// Width is the width shared by every channel
func (m *MultiChannelImage) Width() int { return m.width }

// Height is the height shared by every channel
func (m *MultiChannelImage) Height() int { return m.height }

// NumChannels is the fixed number of channels
func (m *MultiChannelImage) NumChannels() int { return len(m.channels) }

// Channel returns the image of channel i
func (m *MultiChannelImage) Channel(i int) (*PixelImage, error) {
	if i < 0 || i >= len(m.channels) {
		return nil, errors.Wrapf(ErrOutOfRange, "channel %d of %d", i, len(m.channels))
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channels[i], nil
}

// SetChannel replaces the image of channel i.  img must have exactly the
// configured width and height.
func (m *MultiChannelImage) SetChannel(i int, img *PixelImage) error {
	if i < 0 || i >= len(m.channels) {
		return errors.Wrapf(ErrOutOfRange, "channel %d of %d", i, len(m.channels))
	}
	if img == nil || img.Width() != m.width || img.Height() != m.height {
		return errors.Wrapf(ErrInvalidArgument, "replacement image does not match %dx%d", m.width, m.height)
	}
	m.mu.Lock()
	m.channels[i] = img
	m.mu.Unlock()
	return nil
}

func (m *MultiChannelImage) each(fn func(*PixelImage)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.channels {
		fn(c)
	}
}

// SetCompleteFrame sets the complete-frame flag of every channel
func (m *MultiChannelImage) SetCompleteFrame(b bool) {
	m.each(func(p *PixelImage) { p.SetCompleteFrame(b) })
}

// SetCompleteAvg sets the complete-average flag of every channel
func (m *MultiChannelImage) SetCompleteAvg(b bool) {
	m.each(func(p *PixelImage) { p.SetCompleteAvg(b) })
}

// SetPercentComplete sets the progress of every channel
func (m *MultiChannelImage) SetPercentComplete(pct float64) {
	m.each(func(p *PixelImage) { p.SetPercentComplete(pct) })
}

// PercentComplete returns the progress of channel 0
func (m *MultiChannelImage) PercentComplete() float64 {
	c, _ := m.Channel(0)
	return c.PercentComplete()
}

// CompleteFrame returns true if every channel has a complete frame
func (m *MultiChannelImage) CompleteFrame() bool {
	done := true
	m.each(func(p *PixelImage) { done = done && p.CompleteFrame() })
	return done
}

// CompleteAvg returns true if every channel has a complete average
func (m *MultiChannelImage) CompleteAvg() bool {
	done := true
	m.each(func(p *PixelImage) { done = done && p.CompleteAvg() })
	return done
}

// IncrementFrame bumps the frame counter and returns the new value
func (m *MultiChannelImage) IncrementFrame() int64 { return m.frame.Add(1) }

// FrameNumber is the number of frames completed since allocation
func (m *MultiChannelImage) FrameNumber() int64 { return m.frame.Load() }

// SetAverageProgress records that done of target frames have been averaged
func (m *MultiChannelImage) SetAverageProgress(done, target int) {
	m.avgDone.Store(int32(done))
	m.avgTarget.Store(int32(target))
}

// AverageProgress returns the values stored by SetAverageProgress
func (m *MultiChannelImage) AverageProgress() (done, target int) {
	return int(m.avgDone.Load()), int(m.avgTarget.Load())
}

package histogram

import (
	"github.com/pkg/errors"

	"github.com/nasa-jpl/scanscope/scanimage"
)

// Multi holds one histogram per channel of a MultiChannelImage
type Multi struct {
	hists []*Histogram
}

// NewMulti creates channels histograms with the same range and bin count
func NewMulti(channels, rng, binCount int) (*Multi, error) {
	if channels <= 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "channel count %d must be positive", channels)
	}
	m := &Multi{hists: make([]*Histogram, channels)}
	for i := range m.hists {
		h, err := New(rng, binCount)
		if err != nil {
			return nil, err
		}
		m.hists[i] = h
	}
	return m, nil
}

// NumChannels is the number of histograms
func (m *Multi) NumChannels() int { return len(m.hists) }

// Channel returns the histogram of channel i
func (m *Multi) Channel(i int) (*Histogram, error) {
	if i < 0 || i >= len(m.hists) {
		return nil, errors.Wrapf(ErrInvalidArgument, "channel %d outside [0, %d)", i, len(m.hists))
	}
	return m.hists[i], nil
}

// Calculate recomputes every channel's histogram from img
func (m *Multi) Calculate(img *scanimage.MultiChannelImage, useLog bool) error {
	if img.NumChannels() != len(m.hists) {
		return errors.Wrapf(ErrInvalidArgument, "image has %d channels, histogram has %d",
			img.NumChannels(), len(m.hists))
	}
	for i, h := range m.hists {
		ch, err := img.Channel(i)
		if err != nil {
			return err
		}
		h.Calculate(ch, useLog)
	}
	return nil
}

// Resize changes the bin count of every channel
func (m *Multi) Resize(n int) error {
	for _, h := range m.hists {
		if err := h.Resize(n); err != nil {
			return err
		}
	}
	return nil
}

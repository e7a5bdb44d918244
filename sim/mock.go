package sim

import (
	"sync"

	"github.com/pkg/errors"
)

// Stage is a mock focus and Pockels stage for plane hopping
type Stage struct {
	sync.Mutex
	planes int
	moves  []int
}

// NewStage creates a stage with planes setpoints
func NewStage(planes int) *Stage {
	return &Stage{planes: planes}
}

// SetPlane moves to plane index
func (s *Stage) SetPlane(index int) error {
	s.Lock()
	defer s.Unlock()
	if index < 0 || index >= s.planes {
		return errors.Errorf("sim: plane %d outside [0, %d)", index, s.planes)
	}
	s.moves = append(s.moves, index)
	return nil
}

// Plane returns the last plane moved to, -1 before the first move
func (s *Stage) Plane() int {
	s.Lock()
	defer s.Unlock()
	if len(s.moves) == 0 {
		return -1
	}
	return s.moves[len(s.moves)-1]
}

// NumPlanes returns the number of setpoints
func (s *Stage) NumPlanes() int { return s.planes }

// Moves returns every plane commanded so far
func (s *Stage) Moves() []int {
	s.Lock()
	defer s.Unlock()
	return append([]int(nil), s.moves...)
}

// DAC is a mock waveform DAC
type DAC struct {
	sync.Mutex
	channels  int
	waveforms map[int][]float64
	playing   bool
}

// NewDAC creates a DAC with channels outputs
func NewDAC(channels int) *DAC {
	return &DAC{channels: channels, waveforms: make(map[int][]float64)}
}

// PopulateWaveform loads data onto a channel
func (d *DAC) PopulateWaveform(channel int, data []float64) error {
	d.Lock()
	defer d.Unlock()
	if channel < 0 || channel >= d.channels {
		return errors.Errorf("sim: DAC channel %d outside [0, %d)", channel, d.channels)
	}
	if d.playing {
		return errors.New("sim: cannot populate a waveform during playback")
	}
	d.waveforms[channel] = append([]float64(nil), data...)
	return nil
}

// StartWaveform begins playback
func (d *DAC) StartWaveform() error {
	d.Lock()
	defer d.Unlock()
	if len(d.waveforms) == 0 {
		return errors.New("sim: no waveform loaded")
	}
	d.playing = true
	return nil
}

// StopWaveform ends playback
func (d *DAC) StopWaveform() error {
	d.Lock()
	defer d.Unlock()
	d.playing = false
	return nil
}

// Playing returns true during playback
func (d *DAC) Playing() bool {
	d.Lock()
	defer d.Unlock()
	return d.playing
}

// Waveform returns the data loaded on a channel
func (d *DAC) Waveform(channel int) []float64 {
	d.Lock()
	defer d.Unlock()
	return d.waveforms[channel]
}

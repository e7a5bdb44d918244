// Package sim provides simulated scan hardware: a digitizer which streams
// a synthetic specimen through a scan geometry, a focus stage and a
// waveform DAC.
package sim

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scanscope/acquire"
	"github.com/nasa-jpl/scanscope/config"
	"github.com/nasa-jpl/scanscope/daqchunk"
	"github.com/nasa-jpl/scanscope/pixelmap"
)

var (
	// ErrNotStarted is generated when a device is read before Start
	ErrNotStarted = errors.New("sim: device not started")

	// ErrStartFailed is generated by Start while FailStarts is positive
	ErrStartFailed = errors.New("sim: device failed to start")
)

// Pattern is the specimen: the value of pixel index px of channel ch
type Pattern func(ch, px int) uint16

// Ramp is a specimen whose pixel px of channel ch has value 100*ch + px,
// saturating at 65535
func Ramp(ch, px int) uint16 {
	v := 100*ch + px
	if v > 65535 {
		v = 65535
	}
	return uint16(v)
}

// Constant returns a featureless specimen
func Constant(v uint16) Pattern {
	return func(int, int) uint16 { return v }
}

// Device is a simulated digitizer.  It produces, per channel, the sequence
// a real scan of pat would: each lookup table position yields Oversampling
// hardware samples, retrace positions yield Background.
type Device struct {
	sync.Mutex

	table        *pixelmap.Table
	pattern      Pattern
	channels     int
	oversampling int
	requested    int

	// Background is the value of samples taken outside the image
	Background uint16

	// LeadIn is the number of unsynchronized samples before the first
	// line sync of a software resonance stream
	LeadIn int

	// FailStarts is the number of Start calls that fail before one succeeds
	FailStarts int

	// OverflowEvery reports a FIFO overflow on every n-th read, 0 for never
	OverflowEvery int

	// Latency is slept on every read
	Latency time.Duration

	running bool
	paused  bool
	reads   int

	// pos is the hardware sample position of each area's stream
	pos []int
}

// NewDevice creates a digitizer streaming pat through the geometry of cfg
func NewDevice(cfg config.Scan, pat Pattern) (*Device, error) {
	l, err := pixelmap.NewLayout(cfg)
	if err != nil {
		return nil, err
	}
	return &Device{
		table:        pixelmap.BuildTable(l),
		pattern:      pat,
		channels:     cfg.Channels,
		oversampling: cfg.Oversampling,
		requested:    cfg.SamplesPerRead(),
		pos:          make([]int, cfg.Areas),
	}, nil
}

// Reconfigure follows a new scan configuration.  The device must be stopped.
func (d *Device) Reconfigure(cfg config.Scan) error {
	l, err := pixelmap.NewLayout(cfg)
	if err != nil {
		return err
	}
	d.Lock()
	defer d.Unlock()
	if d.running {
		return errors.New("sim: reconfigure while streaming")
	}
	d.table = pixelmap.BuildTable(l)
	d.channels = cfg.Channels
	d.oversampling = cfg.Oversampling
	d.requested = cfg.SamplesPerRead()
	d.pos = make([]int, cfg.Areas)
	return nil
}

// Start begins streaming from the start of a frame
func (d *Device) Start() error {
	d.Lock()
	defer d.Unlock()
	if d.FailStarts > 0 {
		d.FailStarts--
		return ErrStartFailed
	}
	d.running = true
	for i := range d.pos {
		d.pos[i] = 0
	}
	return nil
}

// Stop ends streaming
func (d *Device) Stop() error {
	d.Lock()
	defer d.Unlock()
	d.running = false
	return nil
}

// Pause holds the stream, as if waiting on a trigger.  Reads while paused time out.
func (d *Device) Pause(b bool) {
	d.Lock()
	defer d.Unlock()
	d.paused = b
}

// RequestedSampleCount is the number of samples per channel per read
func (d *Device) RequestedSampleCount() int { return d.requested }

// Reads is the number of Read calls so far
func (d *Device) Reads() int {
	d.Lock()
	defer d.Unlock()
	return d.reads
}

// Read fills area of c with the next samples of the stream
func (d *Device) Read(area int, c *daqchunk.Chunk, timeout time.Duration) (acquire.ReadResult, error) {
	d.Lock()
	if !d.running {
		d.Unlock()
		return acquire.ReadResult{}, ErrNotStarted
	}
	if area < 0 || area >= len(d.pos) || c.NumChannels() < d.channels || area >= c.NumAreas() {
		d.Unlock()
		return acquire.ReadResult{}, errors.Wrapf(daqchunk.ErrInvalidArgument, "chunk shape does not fit area %d", area)
	}
	d.reads++
	res := acquire.ReadResult{
		Overflow: d.OverflowEvery > 0 && d.reads%d.OverflowEvery == 0,
	}
	if d.paused {
		d.Unlock()
		time.Sleep(timeout)
		res.TimedOut = true
		return res, nil
	}
	n := d.requested
	if n > c.PerChannel() {
		n = c.PerChannel()
	}
	d.fill(area, c, n)
	latency := d.Latency
	d.Unlock()
	if latency > 0 {
		time.Sleep(latency)
	}
	res.Samples = n
	return res, nil
}

// fill writes n samples per channel and advances the area's stream
func (d *Device) fill(area int, c *daqchunk.Chunk, n int) {
	dest := d.table.Dest
	period := len(dest) * d.oversampling
	sync := c.Sync(area)
	pair := d.table.Layout.LinePairLen() * d.oversampling
	start := d.pos[area]
	for k := 0; k < n; k++ {
		s := start + k
		lead := s < d.LeadIn
		if !lead {
			s -= d.LeadIn
		}
		t := (s % period) / d.oversampling
		for ch := 0; ch < d.channels; ch++ {
			v := d.Background
			if !lead && dest[t] != pixelmap.Discard {
				v = d.pattern(ch, int(dest[t]))
			}
			c.Region(area, ch)[k] = v
		}
		if sync != nil {
			sync[k] = !lead && (s%period)%pair == 0
		}
	}
	d.pos[area] = start + n
}

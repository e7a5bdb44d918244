package acquire

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/stat"

	"github.com/nasa-jpl/scanscope/config"
	"github.com/nasa-jpl/scanscope/daqchunk"
	"github.com/nasa-jpl/scanscope/pixelmap"
	"github.com/nasa-jpl/scanscope/scanimage"
)

// latencyWindow is the number of recent reads kept for Stats
const latencyWindow = 256

// Frame is passed to frame callbacks after every completed scan period
type Frame struct {
	Area   int
	Number int64

	// Averaged is the number of frames folded into the image so far
	Averaged int

	// AverageComplete is true when Averaged reached the configured count
	AverageComplete bool

	Image *scanimage.MultiChannelImage
}

// Options configures a Loop or Session
type Options struct {
	Config config.Scan

	// Planes receives plane changes of a plane hopping scan.  May be nil.
	Planes PlaneSetter

	// OnFrame is called from the acquisition goroutine after each frame
	OnFrame []func(Frame)

	// StartBackOff governs retries of Input.Start.  nil uses DefaultBackOff.
	StartBackOff backoff.BackOff
}

// Diagnostics are the transient conditions seen by a loop
type Diagnostics struct {
	Reads     uint64 `json:"reads"`
	Timeouts  uint64 `json:"timeouts"`
	Overflows uint64 `json:"overflows"`
	Frames    uint64 `json:"frames"`

	// Overflowing is true while consecutive reads report overflow
	Overflowing bool `json:"overflowing"`
}

// Stats summarizes recent read latency in seconds
type Stats struct {
	N    int     `json:"n"`
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Loop is the acquisition loop of one scan area
type Loop struct {
	in      Input
	mapper  *pixelmap.Mapper
	opts    Options
	limiter *rate.Limiter

	stop atomic.Bool

	reads, timeouts, overflows, frames atomic.Uint64
	consecutiveOverflows               atomic.Int32

	mu        sync.Mutex
	latencies []float64
	next      int

	// touched only by the goroutine in Run
	avgCount  int
	lastPlane int
	carry     daqchunk.Carry
}

// New creates a loop feeding mapper from in
func New(in Input, mapper *pixelmap.Mapper, opts Options) (*Loop, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if in.RequestedSampleCount() > opts.Config.SamplesPerRead() {
		return nil, errors.Wrapf(config.ErrInvalidArgument, "input delivers %d samples per read, chunks hold %d",
			in.RequestedSampleCount(), opts.Config.SamplesPerRead())
	}
	lim := rate.Inf
	if opts.Config.ReadRate > 0 {
		lim = rate.Limit(opts.Config.ReadRate)
	}
	return &Loop{
		in:        in,
		mapper:    mapper,
		opts:      opts,
		limiter:   rate.NewLimiter(lim, 1),
		latencies: make([]float64, 0, latencyWindow),
		lastPlane: -1,
	}, nil
}

// Stop asks Run to return before its next read.  A read in flight
// completes or times out first.
func (l *Loop) Stop() { l.stop.Store(true) }

// Image is the image the loop maps into
func (l *Loop) Image() *scanimage.MultiChannelImage { return l.mapper.Image() }

// Diagnostics returns the counters of the loop
func (l *Loop) Diagnostics() Diagnostics {
	return Diagnostics{
		Reads:       l.reads.Load(),
		Timeouts:    l.timeouts.Load(),
		Overflows:   l.overflows.Load(),
		Frames:      l.frames.Load(),
		Overflowing: l.consecutiveOverflows.Load() > 1,
	}
}

// Stats returns the mean and standard deviation of recent read latency
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := Stats{N: len(l.latencies)}
	if s.N == 0 {
		return s
	}
	s.Mean, s.Std = stat.MeanStdDev(l.latencies, nil)
	if s.N == 1 {
		s.Std = 0
	}
	return s
}

func (l *Loop) recordLatency(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.latencies) < latencyWindow {
		l.latencies = append(l.latencies, d.Seconds())
		return
	}
	l.latencies[l.next] = d.Seconds()
	l.next = (l.next + 1) % latencyWindow
}

// newChunk allocates the chunk a run reuses for every read.  Inputs address
// areas by index, so it spans all areas of the configuration.
func (l *Loop) newChunk() (*daqchunk.Chunk, error) {
	c := l.opts.Config
	if l.mapper.Table().Layout.Geometry == pixelmap.ResonanceSoftware {
		return daqchunk.NewWithSync(c.SamplesPerRead(), c.Channels, c.Areas)
	}
	return daqchunk.New(c.SamplesPerRead(), c.Channels, c.Areas)
}

// Run acquires until ctx is done, Stop is called, an error occurs, or in
// single mode one averaged image is complete.  Timeouts and overflows are
// counted, not returned.
func (l *Loop) Run(ctx context.Context) error {
	cfg := l.opts.Config
	area := l.mapper.Area()
	img := l.mapper.Image()
	img.SetCompleteAvg(false)
	img.SetAverageProgress(0, cfg.Averages)
	l.stop.Store(false)
	l.avgCount = 0
	l.carry.Reset()
	chunk, err := l.newChunk()
	if err != nil {
		return err
	}
	log.Printf("acquire: area %d starting %s %dx%d, %d averages", area, cfg.Geometry, cfg.XPixels, cfg.YPixels, cfg.Averages)
	for {
		if l.stop.Load() || ctx.Err() != nil {
			log.Printf("acquire: area %d stopped after %d frames", area, l.frames.Load())
			return nil
		}
		if err := l.limiter.Wait(ctx); err != nil {
			return nil
		}
		if err := l.hop(); err != nil {
			return err
		}
		chunk.Reset()
		t0 := time.Now()
		res, err := l.in.Read(area, chunk, cfg.Timeout())
		l.recordLatency(time.Since(t0))
		l.reads.Add(1)
		if err != nil {
			return errors.Wrapf(err, "area %d read", area)
		}
		if res.Overflow {
			l.overflows.Add(1)
			if l.consecutiveOverflows.Add(1) == 2 {
				log.Printf("acquire: area %d FIFO overflowing, reads are not keeping up", area)
			}
		} else {
			l.consecutiveOverflows.Store(0)
		}
		if res.TimedOut {
			l.timeouts.Add(1)
		}
		if res.Samples == 0 {
			continue
		}
		chunk.SetFilled(res.Samples)
		if err := chunk.DownsampleCarry(cfg.Oversampling, &l.carry); err != nil {
			return err
		}
		if err := chunk.Scale(cfg.Scale); err != nil {
			return err
		}
		done, err := l.consume(chunk, img)
		if err != nil {
			return err
		}
		if done {
			log.Printf("acquire: area %d single acquisition complete", area)
			return nil
		}
	}
}

// consume feeds chunk to the mapper until it is exhausted.  done is true
// when a single mode acquisition finished.
func (l *Loop) consume(chunk *daqchunk.Chunk, img *scanimage.MultiChannelImage) (done bool, err error) {
	for {
		res, err := l.mapper.LookupChunk(chunk, l.avgCount)
		if err != nil {
			return false, err
		}
		if res.Has(pixelmap.FrameComplete) && l.frameDone(img) {
			return true, nil
		}
		if res.Has(pixelmap.PlaneChange) || res.Has(pixelmap.FrameComplete) {
			if err := l.hop(); err != nil {
				return false, err
			}
		}
		if res.Has(pixelmap.EndOfChunk) {
			return false, nil
		}
	}
}

func (l *Loop) frameDone(img *scanimage.MultiChannelImage) bool {
	cfg := l.opts.Config
	l.frames.Add(1)
	l.avgCount++
	complete := l.avgCount >= cfg.Averages
	img.SetAverageProgress(l.avgCount, cfg.Averages)
	if complete {
		img.SetCompleteAvg(true)
	}
	f := Frame{
		Area:            l.mapper.Area(),
		Number:          img.IncrementFrame(),
		Averaged:        l.avgCount,
		AverageComplete: complete,
		Image:           img,
	}
	for _, fn := range l.opts.OnFrame {
		fn(f)
	}
	if complete {
		l.avgCount = 0
		return cfg.Single()
	}
	return false
}

// hop moves the stage when the mapper crossed into another plane.  The
// mapper stops at every plane start, so each plane is commanded before any
// of its samples are mapped.
func (l *Loop) hop() error {
	if l.opts.Planes == nil {
		return nil
	}
	p := l.mapper.Plane()
	if p == l.lastPlane {
		return nil
	}
	if err := l.opts.Planes.SetPlane(p); err != nil {
		return errors.Wrapf(err, "moving to plane %d", p)
	}
	l.lastPlane = p
	return nil
}

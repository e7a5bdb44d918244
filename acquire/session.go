package acquire

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/scanscope/config"
	"github.com/nasa-jpl/scanscope/pixelmap"
	"github.com/nasa-jpl/scanscope/scanimage"
)

var (
	// ErrRunning is generated when a session is started or reconfigured while scanning
	ErrRunning = errors.New("acquire: session is running")

	// ErrNotRunning is generated when a session which is not scanning is stopped
	ErrNotRunning = errors.New("acquire: session is not running")
)

// DefaultBackOff is the retry policy for starting the digitizer
func DefaultBackOff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock}
}

// Session owns a digitizer and the loops, mappers and images of every
// scan area it serves.  The digitizer is started once for all areas.
type Session struct {
	in Input

	mu      sync.Mutex
	opts    Options
	images  []*scanimage.MultiChannelImage
	mappers []*pixelmap.Mapper
	loops   []*Loop

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
}

// NewSession allocates the images and mappers of every area of opts.Config
func NewSession(in Input, opts Options) (*Session, error) {
	s := &Session{in: in}
	if err := s.build(opts); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) build(opts Options) error {
	cfg := opts.Config
	l, err := pixelmap.NewLayout(cfg)
	if err != nil {
		return err
	}
	images := make([]*scanimage.MultiChannelImage, cfg.Areas)
	mappers := make([]*pixelmap.Mapper, cfg.Areas)
	loops := make([]*Loop, cfg.Areas)
	for a := 0; a < cfg.Areas; a++ {
		img, err := scanimage.NewMultiChannelImage(l.ImageWidth(), l.ImageHeight(), cfg.Channels)
		if err != nil {
			return err
		}
		m, err := pixelmap.NewMapper(cfg, a, img)
		if err != nil {
			return err
		}
		o := opts
		if a != 0 {
			// one stage serves every area; the first area drives it
			o.Planes = nil
		}
		lp, err := New(s.in, m, o)
		if err != nil {
			return err
		}
		images[a], mappers[a], loops[a] = img, m, lp
	}
	s.opts, s.images, s.mappers, s.loops = opts, images, mappers, loops
	return nil
}

// Config returns the active configuration
func (s *Session) Config() config.Scan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts.Config
}

// Image returns the image of an area
func (s *Session) Image(area int) (*scanimage.MultiChannelImage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if area < 0 || area >= len(s.images) {
		return nil, errors.Wrapf(config.ErrInvalidArgument, "area %d outside [0, %d)", area, len(s.images))
	}
	return s.images[area], nil
}

// Areas is the number of scan areas
func (s *Session) Areas() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.images)
}

// Layout returns the scan layout of the active configuration
func (s *Session) Layout() pixelmap.Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mappers[0].Table().Layout
}

// Diagnostics returns the counters of each area's loop
func (s *Session) Diagnostics() []Diagnostics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Diagnostics, len(s.loops))
	for i, l := range s.loops {
		out[i] = l.Diagnostics()
	}
	return out
}

// Stats returns the read latency statistics of each area's loop
func (s *Session) Stats() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Stats, len(s.loops))
	for i, l := range s.loops {
		out[i] = l.Stats()
	}
	return out
}

// Running returns true while any loop is acquiring
func (s *Session) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Reconfigure replaces the configuration.  The session must be stopped.
// Images are reallocated and every mapper moves to a new epoch.
func (s *Session) Reconfigure(cfg config.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	opts := s.opts
	opts.Config = cfg
	return s.build(opts)
}

// Start starts the digitizer, retrying with backoff, and launches one loop
// per area.  It returns once acquisition is under way.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	b := s.opts.StartBackOff
	if b == nil {
		b = DefaultBackOff()
	}
	attempts := 0
	op := func() error {
		attempts++
		return s.in.Start()
	}
	if err := backoff.Retry(op, b); err != nil {
		return errors.Wrapf(err, "starting digitizer after %d attempts", attempts)
	}
	if attempts > 1 {
		log.Printf("acquire: digitizer started after %d attempts", attempts)
	}

	ctx, cancel := context.WithCancel(ctx)
	s.running, s.cancel, s.err = true, cancel, nil
	s.done = make(chan struct{})
	loops := s.loops
	go func() {
		var (
			wg    sync.WaitGroup
			errMu sync.Mutex
			first error
		)
		for _, l := range loops {
			wg.Add(1)
			go func(l *Loop) {
				defer wg.Done()
				if err := l.Run(ctx); err != nil {
					log.Printf("acquire: %v", err)
					errMu.Lock()
					if first == nil {
						first = err
					}
					errMu.Unlock()
					// a fatal error in one area stops the others
					cancel()
				}
			}(l)
		}
		wg.Wait()
		cancel()
		if err := s.in.Stop(); err != nil && first == nil {
			first = errors.Wrap(err, "stopping digitizer")
		}
		s.mu.Lock()
		s.running, s.err = false, first
		close(s.done)
		s.mu.Unlock()
	}()
	return nil
}

// Wait blocks until acquisition ends and returns its error
func (s *Session) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stop stops every loop, waits for them to return and stops the digitizer
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	for _, l := range s.loops {
		l.Stop()
	}
	s.cancel()
	s.mu.Unlock()
	return s.Wait()
}

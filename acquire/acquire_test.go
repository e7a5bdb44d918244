package acquire_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/nasa-jpl/scanscope/acquire"
	"github.com/nasa-jpl/scanscope/config"
	"github.com/nasa-jpl/scanscope/daqchunk"
	"github.com/nasa-jpl/scanscope/pixelmap"
	"github.com/nasa-jpl/scanscope/scanimage"
	"github.com/nasa-jpl/scanscope/sim"
)

func smallCfg(geom string) config.Scan {
	c := config.Default()
	c.Geometry = geom
	c.XPixels, c.YPixels = 8, 8
	c.XCutoff, c.XRetrace, c.YCutoff, c.YRetrace, c.XTurn = 0.25, 0.25, 0.125, 0.125, 0.5
	c.Channels = 2
	c.ChunkPixels = 10
	c.Oversampling = 2
	c.Averages = 3
	c.Mode = "single"
	c.ReadTimeout = 0.02
	return c
}

// expectRamp checks every channel of img holds the sim.Ramp specimen
func expectRamp(t *testing.T, img *scanimage.MultiChannelImage) {
	t.Helper()
	for ch := 0; ch < img.NumChannels(); ch++ {
		p, _ := img.Channel(ch)
		got := p.Snapshot()
		expected := make([]uint16, len(got))
		for i := range expected {
			expected[i] = sim.Ramp(ch, i)
		}
		if diff := cmp.Diff(expected, got); diff != "" {
			t.Errorf("channel %d: %s", ch, diff)
		}
	}
}

func TestSingleAcquisitionAllGeometries(t *testing.T) {
	for _, geom := range []string{"sawtooth", "bidirectional", "resonancesw", "resonancehw", "linestraight"} {
		t.Run(geom, func(t *testing.T) {
			cfg := smallCfg(geom)
			dev, err := sim.NewDevice(cfg, sim.Ramp)
			if err != nil {
				t.Fatal(err)
			}
			dev.Background = 60000
			if geom == "resonancesw" {
				dev.LeadIn = 6
			}
			var frames []acquire.Frame
			var mu sync.Mutex
			s, err := acquire.NewSession(dev, acquire.Options{
				Config:  cfg,
				OnFrame: []func(acquire.Frame){func(f acquire.Frame) { mu.Lock(); frames = append(frames, f); mu.Unlock() }},
			})
			if err != nil {
				t.Fatal(err)
			}
			if err := s.Start(context.Background()); err != nil {
				t.Fatal(err)
			}
			if err := s.Wait(); err != nil {
				t.Fatal(err)
			}
			img, _ := s.Image(0)
			expectRamp(t, img)
			if !img.CompleteAvg() {
				t.Error("average not marked complete")
			}
			mu.Lock()
			defer mu.Unlock()
			if len(frames) != 3 || !frames[2].AverageComplete || frames[2].Averaged != 3 {
				t.Errorf("unexpected frame sequence %+v", frames)
			}
			if s.Running() {
				t.Error("session still running after single acquisition")
			}
		})
	}
}

func TestSoftwareResonanceRealigns(t *testing.T) {
	// many lines of junk before the first sync; the lead in stays a whole
	// number of oversampling blocks
	cfg := smallCfg("resonancesw")
	cfg.Averages = 1
	dev, _ := sim.NewDevice(cfg, sim.Ramp)
	dev.LeadIn = 38
	s, err := acquire.NewSession(dev, acquire.Options{Config: cfg})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Wait(); err != nil {
		t.Fatal(err)
	}
	img, _ := s.Image(0)
	expectRamp(t, img)
}

func TestMultipleAreas(t *testing.T) {
	cfg := smallCfg("sawtooth")
	cfg.Areas = 2
	dev, _ := sim.NewDevice(cfg, sim.Ramp)
	s, err := acquire.NewSession(dev, acquire.Options{Config: cfg})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Wait(); err != nil {
		t.Fatal(err)
	}
	for a := 0; a < 2; a++ {
		img, _ := s.Image(a)
		expectRamp(t, img)
	}
	for a, d := range s.Diagnostics() {
		if d.Frames != 3 {
			t.Errorf("area %d completed %d frames, expected 3", a, d.Frames)
		}
	}
}

func TestStartRetries(t *testing.T) {
	cfg := smallCfg("sawtooth")
	dev, _ := sim.NewDevice(cfg, sim.Ramp)
	dev.FailStarts = 2
	s, _ := acquire.NewSession(dev, acquire.Options{Config: cfg, StartBackOff: &backoff.ZeroBackOff{}})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start did not recover: %v", err)
	}
	if err := s.Wait(); err != nil {
		t.Fatal(err)
	}

	dev.FailStarts = 10
	s, _ = acquire.NewSession(dev, acquire.Options{
		Config:       cfg,
		StartBackOff: backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2),
	})
	err := s.Start(context.Background())
	if !errors.Is(err, sim.ErrStartFailed) {
		t.Errorf("expected ErrStartFailed, got %v", err)
	}
	if s.Running() {
		t.Error("session running after failed start")
	}
}

func TestContinuousUntilStopped(t *testing.T) {
	cfg := smallCfg("bidirectional")
	cfg.Mode = "continuous"
	cfg.Averages = 2
	dev, _ := sim.NewDevice(cfg, sim.Ramp)
	frames := make(chan acquire.Frame, 100)
	s, _ := acquire.NewSession(dev, acquire.Options{
		Config: cfg,
		OnFrame: []func(acquire.Frame){func(f acquire.Frame) {
			select {
			case frames <- f:
			default:
			}
		}},
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); !errors.Is(err, acquire.ErrRunning) {
		t.Errorf("second start: expected ErrRunning, got %v", err)
	}
	if err := s.Reconfigure(cfg); !errors.Is(err, acquire.ErrRunning) {
		t.Errorf("reconfigure while running: expected ErrRunning, got %v", err)
	}
	for i := 0; i < 5; i++ {
		select {
		case <-frames:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for frames")
		}
	}
	if err := s.Stop(); err != nil {
		t.Fatal(err)
	}
	if s.Running() {
		t.Error("still running after Stop")
	}
	if err := s.Stop(); !errors.Is(err, acquire.ErrNotRunning) {
		t.Errorf("second stop: expected ErrNotRunning, got %v", err)
	}
	img, _ := s.Image(0)
	expectRamp(t, img)
	if st := s.Stats()[0]; st.N == 0 || st.Mean < 0 {
		t.Errorf("implausible read stats %+v", st)
	}
}

func TestContextCancelStops(t *testing.T) {
	cfg := smallCfg("sawtooth")
	cfg.Mode = "continuous"
	dev, _ := sim.NewDevice(cfg, sim.Ramp)
	s, _ := acquire.NewSession(dev, acquire.Options{Config: cfg})
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	done := make(chan error)
	go func() { done <- s.Wait() }()
	select {
	case err := <-done:
		if err != nil {
			t.Error(err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session ignored cancellation")
	}
}

func newLoop(t *testing.T, cfg config.Scan, dev acquire.Input, opts acquire.Options) *acquire.Loop {
	t.Helper()
	l, err := pixelmap.NewLayout(cfg)
	if err != nil {
		t.Fatal(err)
	}
	img, _ := scanimage.NewMultiChannelImage(l.ImageWidth(), l.ImageHeight(), cfg.Channels)
	m, err := pixelmap.NewMapper(cfg, 0, img)
	if err != nil {
		t.Fatal(err)
	}
	opts.Config = cfg
	loop, err := acquire.New(dev, m, opts)
	if err != nil {
		t.Fatal(err)
	}
	if err := dev.Start(); err != nil {
		t.Fatal(err)
	}
	return loop
}

func TestTimeoutsAreCounted(t *testing.T) {
	cfg := smallCfg("sawtooth")
	cfg.ReadTimeout = 0.005
	dev, _ := sim.NewDevice(cfg, sim.Ramp)
	dev.Pause(true)
	loop := newLoop(t, cfg, dev, acquire.Options{})
	errc := make(chan error)
	go func() { errc <- loop.Run(context.Background()) }()
	deadline := time.Now().Add(5 * time.Second)
	for loop.Diagnostics().Timeouts < 3 {
		if time.Now().After(deadline) {
			t.Fatal("no timeouts recorded")
		}
		time.Sleep(time.Millisecond)
	}
	loop.Stop()
	if err := <-errc; err != nil {
		t.Errorf("timeouts surfaced as error: %v", err)
	}
	if d := loop.Diagnostics(); d.Frames != 0 {
		t.Errorf("frames completed while paused: %+v", d)
	}
}

func TestOverflowFlagged(t *testing.T) {
	cfg := smallCfg("sawtooth")
	dev, _ := sim.NewDevice(cfg, sim.Ramp)
	dev.OverflowEvery = 1
	loop := newLoop(t, cfg, dev, acquire.Options{})
	if err := loop.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	d := loop.Diagnostics()
	if !d.Overflowing || d.Overflows != d.Reads {
		t.Errorf("overflow not flagged: %+v", d)
	}
}

func TestReadErrorIsFatal(t *testing.T) {
	cfg := smallCfg("sawtooth")
	dev, _ := sim.NewDevice(cfg, sim.Ramp)
	loop := newLoop(t, cfg, dev, acquire.Options{})
	dev.Stop()
	if err := loop.Run(context.Background()); !errors.Is(err, sim.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

func TestPlaneHopping(t *testing.T) {
	cfg := smallCfg("planehopper")
	cfg.XPixels, cfg.YPixels = 4, 4
	cfg.XCutoff, cfg.XRetrace, cfg.YCutoff, cfg.YRetrace = 0, 0, 0, 0
	cfg.Planes = []config.Plane{{Z: 0}, {Z: 5}, {Z: 10}}
	cfg.Averages = 1
	cfg.Oversampling = 1
	cfg.ChunkPixels = 8
	dev, _ := sim.NewDevice(cfg, sim.Ramp)
	stage := sim.NewStage(3)
	loop := newLoop(t, cfg, dev, acquire.Options{Planes: stage})
	if err := loop.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{0, 1, 2}, stage.Moves()); diff != "" {
		t.Error(diff)
	}
}

func TestPlaneCommandedWhenChunkSpansPlanes(t *testing.T) {
	cfg := smallCfg("planehopper")
	cfg.XPixels, cfg.YPixels = 4, 4
	cfg.XCutoff, cfg.XRetrace, cfg.YCutoff, cfg.YRetrace = 0, 0, 0, 0
	cfg.Planes = []config.Plane{{Z: 0}, {Z: 5}, {Z: 10}}
	cfg.Averages = 1
	cfg.Oversampling = 1
	cfg.ChunkPixels = 40 // the first read covers planes 0, 1 and part of 2
	dev, _ := sim.NewDevice(cfg, sim.Ramp)
	stage := sim.NewStage(3)
	loop := newLoop(t, cfg, dev, acquire.Options{Planes: stage})
	if err := loop.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{0, 1, 2}, stage.Moves()); diff != "" {
		t.Error(diff)
	}
	expectRamp(t, loop.Image())
}

// trickle streams pixel i of the scan period as oversampling identical raw
// samples, a fixed number of raw samples per read, every read timing out
type trickle struct {
	perRead, oversampling, period int
	pos                           int
}

func (r *trickle) Start() error { return nil }

func (r *trickle) Stop() error { return nil }

func (r *trickle) RequestedSampleCount() int { return r.perRead }

func (r *trickle) Read(area int, c *daqchunk.Chunk, timeout time.Duration) (acquire.ReadResult, error) {
	for k := 0; k < r.perRead; k++ {
		v := uint16((r.pos + k) / r.oversampling % r.period)
		for ch := 0; ch < c.NumChannels(); ch++ {
			c.Region(area, ch)[k] = v
		}
	}
	r.pos += r.perRead
	return acquire.ReadResult{Samples: r.perRead, TimedOut: true}, nil
}

func TestShortReadsKeepOversamplingPhase(t *testing.T) {
	cfg := smallCfg("sawtooth")
	cfg.XPixels, cfg.YPixels = 4, 4
	cfg.XCutoff, cfg.XRetrace, cfg.YCutoff, cfg.YRetrace = 0, 0, 0, 0
	cfg.Channels = 1
	cfg.Oversampling = 4
	cfg.ChunkPixels = 2
	cfg.Averages = 1
	in := &trickle{perRead: 6, oversampling: 4, period: 16}
	loop := newLoop(t, cfg, in, acquire.Options{})
	if err := loop.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	p, _ := loop.Image().Channel(0)
	expected := make([]uint16, 16)
	for i := range expected {
		expected[i] = uint16(i)
	}
	if diff := cmp.Diff(expected, p.Snapshot()); diff != "" {
		t.Errorf("image (-want +got):\n%s", diff)
	}
	if d := loop.Diagnostics(); d.Timeouts != d.Reads || d.Frames != 1 {
		t.Errorf("unexpected diagnostics %+v", d)
	}
}

package scanimage

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"
)

func TestPixelOutOfRange(t *testing.T) {
	img, _ := NewPixelImage(4, 3)
	for _, xy := range [][2]int{{4, 0}, {0, 3}, {-1, 0}} {
		if _, err := img.Pixel(xy[0], xy[1]); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("Pixel%v: expected ErrOutOfRange, got %v", xy, err)
		}
	}
	g := img.WriteAccess()
	g.Pixels()[2*4+3] = 99
	g.Release()
	v, err := img.Pixel(3, 2)
	if err != nil || v != 99 {
		t.Errorf("expected 99, got %d (%v)", v, err)
	}
}

func TestNewlyWrittenRange(t *testing.T) {
	img, _ := NewPixelImage(8, 8)
	if _, _, ok := img.TakeNewlyWritten(); ok {
		t.Fatal("fresh image reports a written range")
	}
	g := img.WriteAccess()
	g.MarkWritten(10, 20)
	g.MarkWritten(4, 12)
	g.Release()
	s, e, ok := img.TakeNewlyWritten()
	if !ok || s != 4 || e != 20 {
		t.Errorf("expected [4,20), got [%d,%d) ok=%v", s, e, ok)
	}
	if _, _, ok := img.TakeNewlyWritten(); ok {
		t.Error("range was not cleared by TakeNewlyWritten")
	}
	img.FillRandom()
	s, e, ok = img.TakeNewlyWritten()
	if !ok || s != 0 || e != 64 {
		t.Errorf("FillRandom should mark the whole buffer, got [%d,%d) ok=%v", s, e, ok)
	}
}

func TestPercentClamped(t *testing.T) {
	img, _ := NewPixelImage(1, 1)
	img.SetPercentComplete(140)
	if img.PercentComplete() != 100 {
		t.Errorf("expected 100, got %v", img.PercentComplete())
	}
	img.SetPercentComplete(-3)
	if img.PercentComplete() != 0 {
		t.Errorf("expected 0, got %v", img.PercentComplete())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	img, _ := NewPixelImage(2, 2)
	r := img.ReadAccess()
	r.Release()
	r.Release()
	done := make(chan struct{})
	go func() {
		w := img.WriteAccess()
		w.Release()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked; double Release corrupted the reader count")
	}
}

func TestWriterWaitsForReaders(t *testing.T) {
	img, _ := NewPixelImage(2, 2)
	r := img.ReadAccess()
	acquired := make(chan struct{})
	go func() {
		w := img.WriteAccess()
		close(acquired)
		w.Release()
	}()
	select {
	case <-acquired:
		t.Fatal("writer acquired access while a reader was active")
	case <-time.After(50 * time.Millisecond):
	}
	r.Release()
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never acquired access after the reader released")
	}
}

func TestNoTornReads(t *testing.T) {
	img, _ := NewPixelImage(64, 64)
	var (
		stop  atomic.Bool
		torn  atomic.Int64
		reads atomic.Int64
		wg    sync.WaitGroup
	)
	for r := 0; r < 8; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for !stop.Load() {
				g := img.ReadAccess()
				px := g.Pixels()
				first := px[0]
				for _, v := range px {
					if v != first {
						torn.Add(1)
						break
					}
				}
				g.Release()
				reads.Add(1)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		var v uint16
		for !stop.Load() {
			v++
			img.Fill(v)
		}
	}()
	time.Sleep(300 * time.Millisecond)
	stop.Store(true)
	wg.Wait()
	if torn.Load() != 0 {
		t.Errorf("%d of %d reads observed a partially written image", torn.Load(), reads.Load())
	}
}

func TestSetChannelMismatch(t *testing.T) {
	m, err := NewMultiChannelImage(8, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	wrong, _ := NewPixelImage(4, 8)
	if err := m.SetChannel(1, wrong); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	right, _ := NewPixelImage(8, 4)
	if err := m.SetChannel(1, right); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Channel(1)
	if got != right {
		t.Error("SetChannel did not replace the image")
	}
	if _, err := m.Channel(2); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestMultiFanOut(t *testing.T) {
	m, _ := NewMultiChannelImage(2, 2, 3)
	m.SetCompleteFrame(true)
	m.SetCompleteAvg(true)
	m.SetPercentComplete(42)
	for i := 0; i < 3; i++ {
		c, _ := m.Channel(i)
		if !c.CompleteFrame() || !c.CompleteAvg() || c.PercentComplete() != 42 {
			t.Errorf("channel %d did not receive metadata", i)
		}
	}
	m.SetAverageProgress(2, 5)
	if d, tg := m.AverageProgress(); d != 2 || tg != 5 {
		t.Errorf("expected 2/5, got %d/%d", d, tg)
	}
}

func TestWriteFITS(t *testing.T) {
	a, _ := NewPixelImage(16, 8)
	b, _ := NewPixelImage(16, 8)
	a.Fill(1)
	b.Fill(65535)
	var buf bytes.Buffer
	err := WriteFITS(&buf, []fitsio.Card{{Name: "AREA", Value: 0}}, a, b)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("SIMPLE")) {
		t.Error("output does not start with a FITS primary header")
	}
	if buf.Len()%2880 != 0 {
		t.Errorf("FITS output length %d is not a multiple of the 2880 byte block", buf.Len())
	}
	c, _ := NewPixelImage(8, 8)
	if err := WriteFITS(&buf, nil, a, c); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected size mismatch to be rejected, got %v", err)
	}
}

func TestWriteFITSLeavesCallerCardsAlone(t *testing.T) {
	img, _ := NewPixelImage(4, 4)
	cards := make([]fitsio.Card, 1, 4)
	cards[0] = fitsio.Card{Name: "AREA", Value: 0}
	spare := cards[:cap(cards)]
	var buf bytes.Buffer
	if err := WriteFITS(&buf, cards, img); err != nil {
		t.Fatal(err)
	}
	for i, c := range spare[1:] {
		if c.Name != "" {
			t.Errorf("spare capacity slot %d overwritten with %q", i+1, c.Name)
		}
	}
}

func TestGray8Stretch(t *testing.T) {
	img, _ := NewPixelImage(3, 1)
	g := img.WriteAccess()
	copy(g.Pixels(), []uint16{100, 150, 300})
	g.Release()
	out := Gray8(img, 100, 200)
	if out.Pix[0] != 0 || out.Pix[1] != 127 || out.Pix[2] != 255 {
		t.Errorf("unexpected stretch %v", out.Pix)
	}
}

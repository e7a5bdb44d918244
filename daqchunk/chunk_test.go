package daqchunk

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
)

func TestNewRejectsZeroDims(t *testing.T) {
	dims := [][3]int{{0, 1, 1}, {1, 0, 1}, {1, 1, 0}, {-4, 2, 2}}
	for _, d := range dims {
		_, err := New(d[0], d[1], d[2])
		if !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("New%v: expected ErrInvalidArgument, got %v", d, err)
		}
	}
}

func TestDataStartRegionsTileBuffer(t *testing.T) {
	for _, d := range [][3]int{{1, 1, 1}, {7, 3, 2}, {16, 4, 3}, {5, 1, 4}} {
		per, nch, nar := d[0], d[1], d[2]
		c, err := New(per, nch, nar)
		if err != nil {
			t.Fatal(err)
		}
		// write a distinct value through each area's DataStart slice
		total := 0
		for a := 0; a < nar; a++ {
			blk := c.DataStart(a)
			if len(blk) != nch*per {
				t.Fatalf("%v: area %d block has %d samples, expected %d", d, a, len(blk), nch*per)
			}
			for i := range blk {
				if blk[i] != 0 {
					t.Fatalf("%v: area %d overlaps a previously written area", d, a)
				}
				blk[i] = uint16(a + 1)
			}
			total += len(blk)
		}
		if total != c.Len() {
			t.Errorf("%v: areas cover %d samples, buffer has %d", d, total, c.Len())
		}
		for i, v := range c.Data() {
			want := uint16(i/(nch*per) + 1)
			if v != want {
				t.Fatalf("%v: sample %d = %d, expected area tag %d", d, i, v, want)
			}
		}
	}
}

func TestRegionLayoutAreaMajor(t *testing.T) {
	c, _ := New(3, 2, 2)
	for i := range c.Data() {
		c.Data()[i] = uint16(i)
	}
	got := c.Region(1, 0)
	want := []uint16{6, 7, 8}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("region (1,0) mismatch (-want +got):\n%s", diff)
	}
}

func TestDownsampleConstantIsLossless(t *testing.T) {
	for _, factor := range []int{1, 2, 3, 4, 8, 16} {
		c, _ := New(48, 2, 2)
		for i := range c.Data() {
			c.Data()[i] = 4095
		}
		if err := c.Downsample(factor); err != nil {
			t.Fatal(err)
		}
		for i, v := range c.Data() {
			if v != 4095 {
				t.Fatalf("factor %d: sample %d = %d, expected 4095", factor, i, v)
			}
		}
	}
}

func TestDownsampleRangeMean(t *testing.T) {
	for _, factor := range []int{2, 3, 4, 5, 8} {
		c, _ := New(factor, 1, 1)
		var sum uint64
		for i := range c.Data() {
			c.Data()[i] = uint16(i)
			sum += uint64(i)
		}
		if err := c.Downsample(factor); err != nil {
			t.Fatal(err)
		}
		want := sum / uint64(factor)
		if sum%uint64(factor) > uint64(factor)/2 {
			want++
		}
		if c.Len() != 1 || uint64(c.Data()[0]) != want {
			t.Errorf("factor %d: got %v, expected [%d]", factor, c.Data(), want)
		}
	}
}

func TestDownsampleShapeAndCursors(t *testing.T) {
	c, _ := NewWithSync(12, 2, 2)
	c.Sync(1)[5] = true
	_ = c.SetCursor(0, 1, Cursor{Pos: 7})
	if err := c.Downsample(4); err != nil {
		t.Fatal(err)
	}
	if c.PerChannel() != 3 || c.Filled() != 3 || c.Len() != 12 {
		t.Errorf("expected perChannel=3 filled=3 len=12, got %d %d %d", c.PerChannel(), c.Filled(), c.Len())
	}
	for a := 0; a < 2; a++ {
		for ch := 0; ch < 2; ch++ {
			if p := c.Cursor(a, ch).Pos; p != 0 {
				t.Errorf("cursor (%d,%d) = %d after downsample, expected 0", a, ch, p)
			}
		}
	}
	if diff := cmp.Diff([]bool{false, true, false}, c.Sync(1)); diff != "" {
		t.Errorf("sync track mismatch (-want +got):\n%s", diff)
	}
}

func TestDownsampleRejectsNonDivisor(t *testing.T) {
	c, _ := New(10, 1, 1)
	if err := c.Downsample(3); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	if c.PerChannel() != 10 {
		t.Errorf("failed downsample must not reshape, perChannel=%d", c.PerChannel())
	}
}

func TestScale(t *testing.T) {
	c, _ := New(4, 1, 1)
	copy(c.Data(), []uint16{1, 3, 40000, 10})
	if err := c.Scale(1.5); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]uint16{2, 5, 60000, 15}, c.Data()); diff != "" {
		t.Errorf("scale mismatch (-want +got):\n%s", diff)
	}
	if err := c.Scale(2); err != nil {
		t.Fatal(err)
	}
	if c.Data()[2] != 65535 {
		t.Errorf("expected saturation at 65535, got %d", c.Data()[2])
	}
	if err := c.Scale(0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for zero factor, got %v", err)
	}
}

func TestBindRejectsOtherEpoch(t *testing.T) {
	c, _ := New(4, 1, 1)
	if err := c.Bind(3); err != nil {
		t.Fatal(err)
	}
	if err := c.Bind(3); err != nil {
		t.Errorf("rebinding to the same epoch should succeed, got %v", err)
	}
	if err := c.Bind(4); !errors.Is(err, ErrStaleCursor) {
		t.Errorf("expected ErrStaleCursor, got %v", err)
	}
	if err := c.SetCursor(0, 0, Cursor{Pos: 1, Epoch: 2}); !errors.Is(err, ErrStaleCursor) {
		t.Errorf("expected ErrStaleCursor for a foreign cursor, got %v", err)
	}
}

func TestShortReadLimitsConsumption(t *testing.T) {
	c, _ := New(8, 2, 1)
	c.SetFilled(5)
	if c.Remaining(0, 1) != 5 {
		t.Errorf("expected 5 remaining, got %d", c.Remaining(0, 1))
	}
	_ = c.SetCursor(0, 0, Cursor{Pos: 5})
	_ = c.SetCursor(0, 1, Cursor{Pos: 5})
	if !c.Consumed() {
		t.Error("expected chunk to be consumed after reaching the filled count")
	}
	if err := c.SetCursor(0, 0, Cursor{Pos: 6}); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("expected cursor past filled to be rejected, got %v", err)
	}
}

func TestDownsampleCarryAcrossShortReads(t *testing.T) {
	// 4 raw samples per pixel, pixel i carried as value i in channel 0 and
	// 100+i in channel 1, delivered 6 samples at a time
	const factor = 4
	var stream [2][]uint16
	for px := 0; px < 6; px++ {
		for k := 0; k < factor; k++ {
			stream[0] = append(stream[0], uint16(px))
			stream[1] = append(stream[1], uint16(100+px))
		}
	}
	var carry Carry
	var got [2][]uint16
	c, _ := NewWithSync(8, 2, 1)
	for pos := 0; pos < len(stream[0]); pos += 6 {
		c.Reset()
		for ch := 0; ch < 2; ch++ {
			copy(c.Region(0, ch), stream[ch][pos:pos+6])
		}
		c.Sync(0)[0] = pos == 12
		c.SetFilled(6)
		if err := c.DownsampleCarry(factor, &carry); err != nil {
			t.Fatal(err)
		}
		for ch := 0; ch < 2; ch++ {
			got[ch] = append(got[ch], c.Region(0, ch)[:c.Filled()]...)
		}
		if pos == 12 && !c.Sync(0)[0] {
			t.Error("sync flag of a carried block was lost")
		}
	}
	if diff := cmp.Diff([]uint16{0, 1, 2, 3, 4, 5}, got[0]); diff != "" {
		t.Errorf("channel 0 (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint16{100, 101, 102, 103, 104, 105}, got[1]); diff != "" {
		t.Errorf("channel 1 (-want +got):\n%s", diff)
	}
	if carry.Pending() != 0 {
		t.Errorf("expected no pending samples, got %d", carry.Pending())
	}
}

func TestDownsampleWithoutCarryDropsPartialBlock(t *testing.T) {
	c, _ := New(8, 1, 1)
	copy(c.Data(), []uint16{1, 1, 1, 1, 9, 9})
	c.SetFilled(6)
	if err := c.Downsample(4); err != nil {
		t.Fatal(err)
	}
	if c.Filled() != 1 || c.Data()[0] != 1 {
		t.Errorf("expected one pixel of 1, got filled=%d data=%v", c.Filled(), c.Data())
	}
}

func TestResetRestoresShape(t *testing.T) {
	c, _ := NewWithSync(12, 2, 2)
	_ = c.Bind(5)
	c.SetFilled(7)
	if err := c.Downsample(4); err != nil {
		t.Fatal(err)
	}
	c.Reset()
	if c.PerChannel() != 12 || c.Filled() != 12 || c.Len() != 48 || len(c.Sync(1)) != 12 {
		t.Errorf("expected the allocated shape back, got perChannel=%d filled=%d len=%d",
			c.PerChannel(), c.Filled(), c.Len())
	}
	if err := c.Bind(6); err != nil {
		t.Errorf("reset chunk should accept a new epoch, got %v", err)
	}
}

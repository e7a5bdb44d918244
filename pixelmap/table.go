package pixelmap

import "sort"

// Discard marks lookup entries for samples that do not land on a pixel
const Discard int32 = -1

// Table maps the index of a sample within one scan period to the flat index
// of its destination pixel.  A Table is read-only once built and may be
// shared between mappers.
type Table struct {
	Layout Layout

	// Dest has Layout.TotalPixels() entries, Discard or a pixel index
	Dest []int32

	// PlaneStarts holds the sample index at which each plane begins
	PlaneStarts []int
}

// BuildTable computes the lookup table of a layout.  It is a pure function of l.
func BuildTable(l Layout) *Table {
	t := &Table{
		Layout:      l,
		Dest:        make([]int32, l.TotalPixels()),
		PlaneStarts: make([]int, l.Planes),
	}
	pos := 0
	for p := 0; p < l.Planes; p++ {
		t.PlaneStarts[p] = pos
		for line := 0; line < l.YTotalLines; line++ {
			row := line - l.YCutoffLines
			inImage := row >= 0 && row < l.YImage
			base := int32((p*l.YImage + row) * l.XImage)
			dst := t.Dest[pos : pos+l.XTotalPixels]
			for i := range dst {
				dst[i] = Discard
			}
			if inImage {
				l.fillLine(dst, line, base)
			}
			pos += l.XTotalPixels
		}
	}
	return t
}

// fillLine writes the pixel indices of one image line into dst
func (l Layout) fillLine(dst []int32, line int, base int32) {
	switch l.Geometry {
	case Bidirectional:
		if line%2 == 0 {
			for x := 0; x < l.XImage; x++ {
				dst[l.TurnLeft+x] = base + int32(x)
			}
		} else {
			for x := 0; x < l.XImage; x++ {
				dst[l.TurnRight+x] = base + int32(l.XImage-1-x)
			}
		}
	case ResonanceSoftware, ResonanceHardware:
		// backward lines keep sample order; they are stored time-reversed
		// and only forward lines are displayed directly
		off := l.TurnLeft
		if line%2 == 1 {
			off = l.TurnRight
		}
		for x := 0; x < l.XImage; x++ {
			dst[off+x] = base + int32(x)
		}
	default:
		for x := 0; x < l.XImage; x++ {
			dst[l.XCutoffPixels+x] = base + int32(x)
		}
	}
}

// Len is the number of samples in one period
func (t *Table) Len() int { return len(t.Dest) }

// PlaneAt returns the plane a sample position belongs to
func (t *Table) PlaneAt(pos int) int {
	// index of the last plane start <= pos
	i := sort.Search(len(t.PlaneStarts), func(i int) bool { return t.PlaneStarts[i] > pos })
	if i == 0 {
		return 0
	}
	return i - 1
}

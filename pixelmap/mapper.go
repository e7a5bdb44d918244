// Package pixelmap translates a stream of raw detector samples into pixel
// writes for a scan geometry.
//
// All geometry is pushed into a lookup table built once per configuration.
// Consumption walks the table and the chunk in lock-step, so the hot loop is
// the same for every scan pattern.
package pixelmap

import (
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scanscope/config"
	"github.com/nasa-jpl/scanscope/daqchunk"
	"github.com/nasa-jpl/scanscope/mathx"
	"github.com/nasa-jpl/scanscope/scanimage"
)

// ErrInvalidArgument is generated when a mapper, image and chunk do not agree in shape
var ErrInvalidArgument = errors.New("pixelmap: invalid argument")

// Result reports what happened during one LookupChunk call.  Flags may be combined.
type Result uint8

const (
	// Nothing means neither the chunk nor the frame was exhausted
	Nothing Result = 0

	// EndOfChunk means the chunk's samples for this area were all consumed
	EndOfChunk Result = 1

	// FrameComplete means the lookup cursor reached the end of the scan period
	FrameComplete Result = 2

	// PlaneChange means the lookup cursor stopped at the first sample of the
	// next plane of a plane hopping scan
	PlaneChange Result = 4
)

// Has returns true if every flag in f is set in r
func (r Result) Has(f Result) bool { return r&f == f && f != 0 }

func (r Result) String() string {
	if r == Nothing {
		return "nothing"
	}
	if r&^(EndOfChunk|FrameComplete|PlaneChange) != 0 {
		return "unknown"
	}
	var parts []string
	if r.Has(EndOfChunk) {
		parts = append(parts, "end of chunk")
	}
	if r.Has(FrameComplete) {
		parts = append(parts, "frame complete")
	}
	if r.Has(PlaneChange) {
		parts = append(parts, "plane change")
	}
	return strings.Join(parts, ", ")
}

// Mapper owns the lookup table and cursor of one scan area.
// LookupChunk and Reconfigure are safe to call from different goroutines.
type Mapper struct {
	mu sync.Mutex

	area     int
	channels int
	table    *Table
	img      *scanimage.MultiChannelImage

	// cursor is the position in table where the next sample lands
	cursor int
	epoch  uint64
}

func checkImage(l Layout, channels int, img *scanimage.MultiChannelImage) error {
	if img == nil {
		return errors.Wrap(ErrInvalidArgument, "nil image")
	}
	if img.Width() != l.ImageWidth() || img.Height() != l.ImageHeight() {
		return errors.Wrapf(ErrInvalidArgument, "image is %dx%d, geometry needs %dx%d",
			img.Width(), img.Height(), l.ImageWidth(), l.ImageHeight())
	}
	if img.NumChannels() != channels {
		return errors.Wrapf(ErrInvalidArgument, "image has %d channels, configuration has %d",
			img.NumChannels(), channels)
	}
	return nil
}

// NewMapper builds the lookup table for cfg and binds it to the destination
// image of one area
func NewMapper(cfg config.Scan, area int, img *scanimage.MultiChannelImage) (*Mapper, error) {
	l, err := NewLayout(cfg)
	if err != nil {
		return nil, err
	}
	if area < 0 || area >= cfg.Areas {
		return nil, errors.Wrapf(ErrInvalidArgument, "area %d outside [0, %d)", area, cfg.Areas)
	}
	if err := checkImage(l, cfg.Channels, img); err != nil {
		return nil, err
	}
	return &Mapper{
		area:     area,
		channels: cfg.Channels,
		table:    BuildTable(l),
		img:      img,
		epoch:    1,
	}, nil
}

// Reconfigure replaces the table and image.  The cursor returns to zero and
// the epoch advances, so chunks bound under the previous configuration are
// rejected with daqchunk.ErrStaleCursor.
func (m *Mapper) Reconfigure(cfg config.Scan, img *scanimage.MultiChannelImage) error {
	l, err := NewLayout(cfg)
	if err != nil {
		return err
	}
	if m.area >= cfg.Areas {
		return errors.Wrapf(ErrInvalidArgument, "area %d outside [0, %d)", m.area, cfg.Areas)
	}
	if err := checkImage(l, cfg.Channels, img); err != nil {
		return err
	}
	t := BuildTable(l)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table = t
	m.img = img
	m.channels = cfg.Channels
	m.cursor = 0
	m.epoch++
	return nil
}

// Area is the scan area this mapper serves
func (m *Mapper) Area() int { return m.area }

// Epoch is the configuration epoch chunks must be bound to
func (m *Mapper) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Table returns the active lookup table
func (m *Mapper) Table() *Table {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table
}

// Image returns the destination image
func (m *Mapper) Image() *scanimage.MultiChannelImage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.img
}

// Position returns the lookup cursor, stamped with the current epoch
func (m *Mapper) Position() daqchunk.Cursor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return daqchunk.Cursor{Pos: m.cursor, Epoch: m.epoch}
}

// Plane returns the plane the next sample belongs to
func (m *Mapper) Plane() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table.PlaneAt(m.cursor)
}

// Reset returns the cursor to the start of the period without changing the epoch
func (m *Mapper) Reset() {
	m.mu.Lock()
	m.cursor = 0
	m.mu.Unlock()
}

// LookupChunk consumes samples of chunk for this mapper's area until the
// chunk, the scan period, or the current plane is exhausted.  Samples are folded into the
// image with mathx.RunningAverage using avgCount; avgCount 0 overwrites.
// A short chunk yields EndOfChunk and the next call resumes at the saved cursors.
func (m *Mapper) LookupChunk(chunk *daqchunk.Chunk, avgCount int) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if chunk.NumChannels() < m.channels {
		return Nothing, errors.Wrapf(ErrInvalidArgument, "chunk has %d channels, mapper needs %d",
			chunk.NumChannels(), m.channels)
	}
	if m.area >= chunk.NumAreas() {
		return Nothing, errors.Wrapf(ErrInvalidArgument, "chunk has %d areas, mapper serves area %d",
			chunk.NumAreas(), m.area)
	}
	useSync := m.table.Layout.Geometry == ResonanceSoftware
	if useSync && !chunk.HasSync() {
		return Nothing, errors.Wrap(ErrInvalidArgument, "software resonance mapping needs a chunk with a sync track")
	}
	if avgCount < 0 {
		avgCount = 0
	}
	if err := chunk.Bind(m.epoch); err != nil {
		return Nothing, err
	}

	start := m.cursor
	end := start
	limit := m.table.Len()
	if p := m.table.PlaneAt(start); p+1 < len(m.table.PlaneStarts) {
		limit = m.table.PlaneStarts[p+1]
	}
	var res Result
	for c := 0; c < m.channels; c++ {
		img, err := m.img.Channel(c)
		if err != nil {
			return Nothing, err
		}
		cur := chunk.Cursor(m.area, c)
		raw := chunk.Region(m.area, c)[:chunk.Filled()]
		var s span
		g := img.WriteAccess()
		if useSync {
			s = m.walkSync(g.Pixels(), raw, chunk.Sync(m.area), start, limit, cur.Pos, avgCount)
		} else {
			s = m.walk(g.Pixels(), raw, start, limit, cur.Pos, avgCount)
		}
		if s.hi >= s.lo {
			g.MarkWritten(s.lo, s.hi+1)
		}
		g.Release()

		cur.Pos = s.consumed
		if err := chunk.SetCursor(m.area, c, cur); err != nil {
			return Nothing, err
		}
		if chunk.Remaining(m.area, c) == 0 {
			res |= EndOfChunk
		}
		end = s.pos
	}

	if start == 0 && end > 0 {
		m.img.SetCompleteFrame(false)
	}
	n := m.table.Len()
	if end >= n {
		m.cursor = 0
		res |= FrameComplete
		m.img.SetPercentComplete(100)
		m.img.SetCompleteFrame(true)
	} else {
		m.cursor = end
		m.img.SetPercentComplete(100 * float64(end) / float64(n))
		if end >= limit {
			res |= PlaneChange
		}
	}
	return res, nil
}

// span is the outcome of walking one channel
type span struct {
	// pos is the table position reached
	pos int

	// consumed is the chunk position reached
	consumed int

	// lo and hi bound the pixel indices written; hi < lo if none were
	lo, hi int
}

func (m *Mapper) walk(pix, raw []uint16, pos, limit, k, avgCount int) span {
	dest := m.table.Dest
	s := span{lo: len(pix), hi: -1}
	for pos < limit && k < len(raw) {
		if d := dest[pos]; d != Discard {
			pix[d] = mathx.RunningAverage(pix[d], raw[k], avgCount)
			s.note(int(d))
		}
		pos++
		k++
	}
	s.pos, s.consumed = pos, k
	return s
}

// walkSync is walk for software resonance.  At a line pair boundary samples
// are dropped until one carries the sync flag; a sync flag inside a pair
// moves the table cursor to the next boundary.  When that move reaches the
// end of the table the sync sample is left unconsumed for the next period.
func (m *Mapper) walkSync(pix, raw []uint16, sync []bool, pos, limit, k, avgCount int) span {
	dest := m.table.Dest
	pair := m.table.Layout.LinePairLen()
	s := span{lo: len(pix), hi: -1}
	for pos < limit && k < len(raw) {
		if pos%pair == 0 {
			if !sync[k] {
				k++
				continue
			}
		} else if sync[k] {
			pos = (pos/pair + 1) * pair
			if pos >= limit {
				break
			}
		}
		if d := dest[pos]; d != Discard {
			pix[d] = mathx.RunningAverage(pix[d], raw[k], avgCount)
			s.note(int(d))
		}
		pos++
		k++
	}
	s.pos, s.consumed = pos, k
	return s
}

func (s *span) note(i int) {
	if i < s.lo {
		s.lo = i
	}
	if i > s.hi {
		s.hi = i
	}
}

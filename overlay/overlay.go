// Package overlay combines per-channel 16-bit images into one 8-bit color
// composite for display.
package overlay

import (
	"image"
	"math"
	"strings"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/scanscope/scanimage"
)

// ErrInvalidArgument is generated when channel properties do not match an image
var ErrInvalidArgument = errors.New("overlay: invalid argument")

// Color is the color map of one channel
type Color int

const (
	// None leaves the channel out of the composite
	None Color = iota
	Gray
	Red
	Green
	Blue
	Yellow
	Cyan
	Magenta

	// Rainbow maps intensity through a blue to red hue ramp
	Rainbow

	// FalseColorLimits is gray, with pixels at or below the lower limit
	// drawn blue and at or above the upper limit drawn red
	FalseColorLimits
)

var colorNames = []string{"none", "gray", "red", "green", "blue", "yellow", "cyan", "magenta", "rainbow", "limits"}

// ParseColor converts a name to a Color.  Matching is case insensitive.
func ParseColor(s string) (Color, error) {
	s = strings.ToLower(s)
	if s == "grey" {
		s = "gray"
	}
	for i, n := range colorNames {
		if n == s {
			return Color(i), nil
		}
	}
	return None, errors.Wrapf(ErrInvalidArgument, "color %q must be a member of %v", s, colorNames)
}

func (c Color) String() string {
	if c < 0 || int(c) >= len(colorNames) {
		return ""
	}
	return colorNames[c]
}

// Props holds the color map and contrast window of one channel
type Props struct {
	Color Color  `json:"color"`
	Lower uint16 `json:"lower"`
	Upper uint16 `json:"upper"`
}

// Overlay is an 8-bit BGRA composite
type Overlay struct {
	Width  int
	Height int

	// Pix holds B, G, R, A per pixel, row major
	Pix []byte
}

// stretch maps v onto [0, 255] through the window [lower, upper]
func stretch(v, lower, upper uint16) uint8 {
	switch {
	case v <= lower:
		return 0
	case v >= upper:
		return 255
	default:
		return uint8(uint32(v-lower) * 255 / uint32(upper-lower))
	}
}

// bgr is one color contribution
type bgr struct{ b, g, r uint8 }

var rainbow = func() [256]bgr {
	var lut [256]bgr
	for i := range lut {
		// hue from 240 degrees (blue) down to 0 (red)
		h := 240 * (1 - float64(i)/255) / 60
		x := 1 - math.Abs(math.Mod(h, 2)-1)
		var r, g, b float64
		switch int(h) {
		case 0:
			r, g = 1, x
		case 1:
			r, g = x, 1
		case 2:
			g, b = 1, x
		case 3:
			g, b = x, 1
		default:
			b = 1
		}
		lut[i] = bgr{uint8(255 * b), uint8(255 * g), uint8(255 * r)}
	}
	return lut
}()

func (c Color) contribution(v uint16, p Props) bgr {
	s := stretch(v, p.Lower, p.Upper)
	switch c {
	case Gray:
		return bgr{s, s, s}
	case Red:
		return bgr{r: s}
	case Green:
		return bgr{g: s}
	case Blue:
		return bgr{b: s}
	case Yellow:
		return bgr{g: s, r: s}
	case Cyan:
		return bgr{b: s, g: s}
	case Magenta:
		return bgr{b: s, r: s}
	case Rainbow:
		return rainbow[s]
	case FalseColorLimits:
		switch {
		case v <= p.Lower:
			return bgr{b: 255}
		case v >= p.Upper:
			return bgr{r: 255}
		}
		return bgr{s, s, s}
	}
	return bgr{}
}

func addSat(a, b uint8) uint8 {
	s := uint16(a) + uint16(b)
	if s > 255 {
		return 255
	}
	return uint8(s)
}

// Compose builds the composite of img.  props has one entry per channel;
// channels with color None are skipped.  Contributions add and saturate
// per color component.
func Compose(img *scanimage.MultiChannelImage, props []Props) (*Overlay, error) {
	return compose(img, props, func(y int) int { return y })
}

// ComposeResonance is Compose for resonance images.  Only the forward (even)
// lines are shown, each drawn again in the following odd row.
func ComposeResonance(img *scanimage.MultiChannelImage, props []Props) (*Overlay, error) {
	return compose(img, props, func(y int) int { return y &^ 1 })
}

func compose(img *scanimage.MultiChannelImage, props []Props, srcRow func(int) int) (*Overlay, error) {
	if len(props) != img.NumChannels() {
		return nil, errors.Wrapf(ErrInvalidArgument, "%d color properties for %d channels",
			len(props), img.NumChannels())
	}
	w, h := img.Width(), img.Height()
	o := &Overlay{Width: w, Height: h, Pix: make([]byte, 4*w*h)}
	for i := 3; i < len(o.Pix); i += 4 {
		o.Pix[i] = 255
	}
	for c, p := range props {
		if p.Color == None {
			continue
		}
		ch, err := img.Channel(c)
		if err != nil {
			return nil, err
		}
		g := ch.ReadAccess()
		px := g.Pixels()
		for y := 0; y < h; y++ {
			src := px[srcRow(y)*w : srcRow(y)*w+w]
			dst := o.Pix[4*y*w : 4*(y+1)*w]
			for x, v := range src {
				k := p.Color.contribution(v, p)
				d := dst[4*x : 4*x+3]
				d[0] = addSat(d[0], k.b)
				d[1] = addSat(d[1], k.g)
				d[2] = addSat(d[2], k.r)
			}
		}
		g.Release()
	}
	return o, nil
}

// RGBA converts the composite for use with image/png and image/jpeg
func (o *Overlay) RGBA() *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, o.Width, o.Height))
	for i := 0; i < len(o.Pix); i += 4 {
		out.Pix[i] = o.Pix[i+2]
		out.Pix[i+1] = o.Pix[i+1]
		out.Pix[i+2] = o.Pix[i]
		out.Pix[i+3] = o.Pix[i+3]
	}
	return out
}

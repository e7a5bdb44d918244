package scanimage

import (
	"image"
	"io"

	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"
)

// WriteFITS streams images to w as a 16-bit FITS primary HDU.  One image
// produces a 2D array, several produce a cube.  All images must share a size.
func WriteFITS(w io.Writer, metadata []fitsio.Card, imgs ...*PixelImage) error {
	if len(imgs) == 0 {
		return errors.Wrap(ErrInvalidArgument, "no images to write")
	}
	width, height := imgs[0].Width(), imgs[0].Height()
	for _, img := range imgs[1:] {
		if img.Width() != width || img.Height() != height {
			return errors.Wrap(ErrInvalidArgument, "images in a FITS cube must share a size")
		}
	}
	metadata = append(append([]fitsio.Card(nil), metadata...),
		fitsio.Card{Name: "BZERO", Value: 32768},
		fitsio.Card{Name: "BSCALE", Value: 1.0})

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	dims := []int{width, height}
	if len(imgs) > 1 {
		dims = append(dims, len(imgs))
	}
	im := fitsio.NewImage(16, dims)
	defer im.Close()
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}

	// FITS has no unsigned 16-bit type; underflow on uint16 produces the
	// wrapping expected with BZERO=32768
	buf := make([]int16, 0, width*height*len(imgs))
	for _, img := range imgs {
		g := img.ReadAccess()
		for _, v := range g.Pixels() {
			buf = append(buf, int16(v-32768))
		}
		g.Release()
	}
	err = im.Write(buf)
	if err != nil {
		return err
	}
	return fits.Write(im)
}

// Gray16 copies an image into an image.Gray16 for lossless PNG encoding
func Gray16(p *PixelImage) *image.Gray16 {
	out := image.NewGray16(image.Rect(0, 0, p.Width(), p.Height()))
	g := p.ReadAccess()
	defer g.Release()
	for i, v := range g.Pixels() {
		out.Pix[2*i] = byte(v >> 8)
		out.Pix[2*i+1] = byte(v)
	}
	return out
}

// Gray8 copies an image into an image.Gray, stretching [lower, upper] to [0, 255].
// upper <= lower falls back to scaling 16 to 8 bits.
func Gray8(p *PixelImage, lower, upper uint16) *image.Gray {
	out := image.NewGray(image.Rect(0, 0, p.Width(), p.Height()))
	g := p.ReadAccess()
	defer g.Release()
	if upper <= lower {
		for i, v := range g.Pixels() {
			out.Pix[i] = byte(v / 256) // scale 16 to 8 bits
		}
		return out
	}
	span := uint32(upper - lower)
	for i, v := range g.Pixels() {
		switch {
		case v <= lower:
			out.Pix[i] = 0
		case v >= upper:
			out.Pix[i] = 255
		default:
			out.Pix[i] = byte(uint32(v-lower) * 255 / span)
		}
	}
	return out
}

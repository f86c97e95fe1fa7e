package miptree

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"io"

	"golang.org/x/image/bmp"

	"github.com/gogpu/i915/format"
	"github.com/gogpu/i915/intel"
)

// Snapshot reads an image of t into a Go image. 8-bit formats become
// *image.Gray and the rest *image.NRGBA.
func (t *Tree) Snapshot(ctx *intel.Context, level, slice int) (image.Image, error) {
	if t.Compressed {
		return nil, fmt.Errorf("miptree: cannot convert %v images", t.Format)
	}
	l := t.Level(level)
	m, err := t.Map(ctx, level, slice, 0, 0, l.Width, l.Height, MapRead)
	if err != nil {
		return nil, err
	}
	defer func() { _ = t.Unmap(ctx, level, slice) }()

	w, h := int(l.Width), int(l.Height)
	if t.CPP == 1 {
		img := image.NewGray(image.Rect(0, 0, w, h))
		for y := range h {
			copy(img.Pix[y*img.Stride:y*img.Stride+w], m.Data[y*m.Stride:])
		}
		return img, nil
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		row := m.Data[y*m.Stride:]
		for x := range w {
			img.SetNRGBA(x, y, pixelColor(t.Format, row[x*int(t.CPP):]))
		}
	}
	return img, nil
}

func pixelColor(f format.Format, p []byte) color.NRGBA {
	switch f.CPP() {
	case 4:
		v := binary.LittleEndian.Uint32(p)
		c := color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: uint8(v >> 24)}
		switch f {
		case format.ABGR8888:
			c.R, c.B = c.B, c.R
		case format.XRGB8888, format.Z24S8:
			c.A = 0xff
		}
		return c
	default:
		v := binary.LittleEndian.Uint16(p)
		switch f {
		case format.ARGB1555:
			a := uint8(0)
			if v&0x8000 != 0 {
				a = 0xff
			}
			return color.NRGBA{R: expand(v>>10, 5), G: expand(v>>5, 5), B: expand(v, 5), A: a}
		case format.ARGB4444:
			return color.NRGBA{R: expand(v>>8, 4), G: expand(v>>4, 4), B: expand(v, 4), A: expand(v>>12, 4)}
		case format.AL88:
			l := uint8(v)
			return color.NRGBA{R: l, G: l, B: l, A: uint8(v >> 8)}
		case format.Z16:
			d := uint8(v >> 8)
			return color.NRGBA{R: d, G: d, B: d, A: 0xff}
		default:
			return color.NRGBA{R: expand(v>>11, 5), G: expand(v>>5, 6), B: expand(v, 5), A: 0xff}
		}
	}
}

// expand widens the low bits of v to 8 bits.
func expand(v uint16, bits uint) uint8 {
	v &= 1<<bits - 1
	return uint8(v<<(8-bits) | v>>(2*bits-8))
}

// DumpBMP writes an image of t to w as a BMP file.
func (t *Tree) DumpBMP(ctx *intel.Context, w io.Writer, level, slice int) error {
	img, err := t.Snapshot(ctx, level, slice)
	if err != nil {
		return err
	}
	return bmp.Encode(w, img)
}

// Package format describes the pixel formats the i915 family can store in a
// miptree.
package format

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// Format is a hardware pixel format.
type Format uint8

const (
	None Format = iota
	ARGB8888
	XRGB8888
	ABGR8888
	RGB565
	ARGB1555
	ARGB4444
	L8
	A8
	I8
	AL88
	Z16
	Z24S8
	RGBDXT1
	RGBADXT1
	RGBADXT3
	RGBADXT5
	RGBFXT1
)

type info struct {
	name     string
	bytes    uint32 // per block
	bw, bh   uint32
	alpha    bool
	wgpu     gputypes.TextureFormat
	hasWGPU  bool
	depthish bool
}

var formats = [...]info{
	None:     {name: "None"},
	ARGB8888: {name: "ARGB8888", bytes: 4, bw: 1, bh: 1, alpha: true, wgpu: gputypes.TextureFormatBGRA8Unorm, hasWGPU: true},
	XRGB8888: {name: "XRGB8888", bytes: 4, bw: 1, bh: 1},
	ABGR8888: {name: "ABGR8888", bytes: 4, bw: 1, bh: 1, alpha: true, wgpu: gputypes.TextureFormatRGBA8Unorm, hasWGPU: true},
	RGB565:   {name: "RGB565", bytes: 2, bw: 1, bh: 1},
	ARGB1555: {name: "ARGB1555", bytes: 2, bw: 1, bh: 1, alpha: true},
	ARGB4444: {name: "ARGB4444", bytes: 2, bw: 1, bh: 1, alpha: true},
	L8:       {name: "L8", bytes: 1, bw: 1, bh: 1, wgpu: gputypes.TextureFormatR8Unorm, hasWGPU: true},
	A8:       {name: "A8", bytes: 1, bw: 1, bh: 1, alpha: true},
	I8:       {name: "I8", bytes: 1, bw: 1, bh: 1, alpha: true},
	AL88:     {name: "AL88", bytes: 2, bw: 1, bh: 1, alpha: true},
	Z16:      {name: "Z16", bytes: 2, bw: 1, bh: 1, depthish: true},
	Z24S8:    {name: "Z24S8", bytes: 4, bw: 1, bh: 1, depthish: true, wgpu: gputypes.TextureFormatDepth24PlusStencil8, hasWGPU: true},
	RGBDXT1:  {name: "RGB_DXT1", bytes: 8, bw: 4, bh: 4},
	RGBADXT1: {name: "RGBA_DXT1", bytes: 8, bw: 4, bh: 4, alpha: true},
	RGBADXT3: {name: "RGBA_DXT3", bytes: 16, bw: 4, bh: 4, alpha: true},
	RGBADXT5: {name: "RGBA_DXT5", bytes: 16, bw: 4, bh: 4, alpha: true},
	RGBFXT1:  {name: "RGB_FXT1", bytes: 16, bw: 8, bh: 4},
}

func (f Format) info() info {
	if int(f) >= len(formats) {
		return info{}
	}
	return formats[f]
}

// String returns the string representation of Format.
func (f Format) String() string {
	if int(f) >= len(formats) {
		return fmt.Sprintf("Unknown(%d)", int(f))
	}
	return formats[f].name
}

// Valid reports whether f is a known format other than None.
func (f Format) Valid() bool { return f != None && int(f) < len(formats) }

// BlockBytes returns the number of bytes in one block; a block is one pixel
// for uncompressed formats.
func (f Format) BlockBytes() uint32 { return f.info().bytes }

// BlockSize returns the block dimensions in pixels.
func (f Format) BlockSize() (w, h uint32) {
	i := f.info()
	return i.bw, i.bh
}

// Compressed reports whether the format is block compressed.
func (f Format) Compressed() bool {
	i := f.info()
	return i.bw > 1 || i.bh > 1
}

// CPP returns the bytes per pixel column as the blitter and the layout code
// see them: BlockBytes divided by the block width.
func (f Format) CPP() uint32 {
	i := f.info()
	if i.bw == 0 {
		return 0
	}
	return i.bytes / i.bw
}

// HasAlpha reports whether the format stores an alpha channel.
func (f Format) HasAlpha() bool { return f.info().alpha }

// DepthStencil reports whether the format is a depth or depth/stencil format.
func (f Format) DepthStencil() bool { return f.info().depthish }

// AlphaPair reports whether a and b differ only in the presence of alpha,
// the one reinterpretation the blitter performs for free.
func AlphaPair(a, b Format) bool {
	return (a == ARGB8888 && b == XRGB8888) || (a == XRGB8888 && b == ARGB8888)
}

// WGPU returns the WebGPU format with the same memory layout, or
// TextureFormatUndefined when there is none.
func (f Format) WGPU() gputypes.TextureFormat {
	i := f.info()
	if !i.hasWGPU {
		return gputypes.TextureFormatUndefined
	}
	return i.wgpu
}

// FromWGPU returns the hardware format storing tf.
func FromWGPU(tf gputypes.TextureFormat) (Format, bool) {
	switch tf {
	case gputypes.TextureFormatBGRA8Unorm:
		return ARGB8888, true
	case gputypes.TextureFormatRGBA8Unorm:
		return ABGR8888, true
	case gputypes.TextureFormatR8Unorm:
		return L8, true
	case gputypes.TextureFormatDepth24PlusStencil8:
		return Z24S8, true
	default:
		return None, false
	}
}

// ParseWGPU returns the hardware format storing the WebGPU format named s,
// as printed by gputypes.TextureFormat.String.
func ParseWGPU(s string) (Format, bool) {
	for _, i := range formats {
		if i.hasWGPU && i.wgpu.String() == s {
			return FromWGPU(i.wgpu)
		}
	}
	return None, false
}

// Parse returns the format named s, as printed by String.
func Parse(s string) (Format, bool) {
	for i := range formats {
		if i != int(None) && formats[i].name == s {
			return Format(i), true
		}
	}
	return None, false
}

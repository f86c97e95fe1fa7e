// Package blit emits 2D blitter commands: rectangle copies, fills, linear
// byte copies and monochrome color expansion.
//
// Every function reports (ok, err). ok == false is a refusal: the surfaces
// are outside what the blitter can address (Y tiling, pitch of 32 KiB or
// more, unaligned tiled offsets, unsupported pixel sizes, incompatible
// formats) and nothing was written to the batch. Callers keep a CPU path
// for that case. err is reserved for failures of the batch itself.
package blit

import (
	"fmt"

	"github.com/gogpu/i915/batch"
	"github.com/gogpu/i915/bufmgr"
	"github.com/gogpu/i915/format"
	"github.com/gogpu/i915/hw"
	"github.com/gogpu/i915/region"
)

// Surface addresses a blitter surface inside a buffer object.
type Surface struct {
	BO *bufmgr.BO
	// Offset is the byte offset of pixel (0, 0).
	Offset uint32
	Pitch  uint32
	Tiling bufmgr.Tiling
}

// RegionSurface returns the surface of r whose origin is offset bytes into
// the region's buffer.
func RegionSurface(r *region.Region, offset uint32) Surface {
	return Surface{BO: r.BO, Offset: offset, Pitch: r.Pitch, Tiling: r.Tiling}
}

// addressable reports whether the blitter can reach s.
func (s Surface) addressable() bool {
	if s.Pitch >= hw.MaxBlitPitch || s.Pitch%4 != 0 {
		return false
	}
	switch s.Tiling {
	case bufmgr.TilingNone:
		return true
	case bufmgr.TilingX:
		return s.Offset&(hw.TileSize-1) == 0
	default:
		return false
	}
}

// pitchField encodes the pitch of s and reports whether the tiled flag is
// needed. Tiled pitches are given in dwords.
func (s Surface) pitchField() (uint32, bool) {
	if s.Tiling != bufmgr.TilingNone {
		return s.Pitch / 4, true
	}
	return s.Pitch, false
}

// ensureAperture flushes once if bos do not fit alongside the batch.
func ensureAperture(b *batch.Buffer, bos ...*bufmgr.BO) (bool, error) {
	if b.CheckAperture(bos...) {
		return true, nil
	}
	if err := b.Flush(); err != nil {
		return false, err
	}
	if !b.CheckAperture(bos...) {
		b.Manager().Logger().Debug("blit: surfaces do not fit the aperture")
		return false, nil
	}
	return true, nil
}

// EmitCopyBlit copies a w×h rectangle of cpp-byte pixels from src to dst
// with the given logic op.
func EmitCopyBlit(b *batch.Buffer, cpp uint32, src Surface, srcX, srcY int, dst Surface, dstX, dstY, w, h int, op hw.LogicOp) (bool, error) {
	depth, ok := hw.BR13DepthForCPP(cpp)
	if !ok || !src.addressable() || !dst.addressable() {
		return false, nil
	}
	if w <= 0 || h <= 0 {
		return true, nil
	}
	if ok, err := ensureAperture(b, src.BO, dst.BO); !ok || err != nil {
		return false, err
	}

	cmd := uint32(hw.XYSrcCopyBlt)
	if cpp == 4 {
		cmd |= hw.XYBltWriteRGB | hw.XYBltWriteAlpha
	}
	dstPitch, dstTiled := dst.pitchField()
	srcPitch, srcTiled := src.pitchField()
	if dstTiled {
		cmd |= hw.XYDstTiled
	}
	if srcTiled {
		cmd |= hw.XYSrcTiled
	}
	br13 := depth | op.ROP()<<16 | dstPitch&0xffff

	b.Manager().Logger().Debug("blit: copy",
		"src", src.BO.Name(), "dst", dst.BO.Name(),
		"src_pitch", src.Pitch, "dst_pitch", dst.Pitch,
		"x", dstX, "y", dstY, "w", w, "h", h)

	p, err := b.Begin(hw.XYSrcCopyBltLen)
	if err != nil {
		return false, err
	}
	p.Emit(cmd)
	p.Emit(br13)
	p.Emit(hw.PackXY(dstX, dstY))
	p.Emit(hw.PackXY(dstX+w, dstY+h))
	p.Reloc(dst.BO, bufmgr.DomainRender, bufmgr.DomainRender, dst.Offset)
	p.Emit(hw.PackXY(srcX, srcY))
	p.Emit(srcPitch & 0xffff)
	p.Reloc(src.BO, bufmgr.DomainRender, 0, src.Offset)
	p.End()
	return true, b.EmitFlush()
}

// Image is one image of a region: its origin within the BO and its pixel
// format.
type Image struct {
	Region *region.Region
	// Offset is the byte offset of the region origin within its buffer.
	Offset uint32
	Format format.Format
	X, Y   int
}

func (im Image) surface() Surface { return RegionSurface(im.Region, im.Offset) }

// CopyParams describes a CopyRect.
type CopyParams struct {
	Src, Dst      Image
	Width, Height int
	Op            hw.LogicOp
}

// compatible reports whether the blitter can copy src pixels to dst
// unchanged.
func compatible(src, dst Image) bool {
	if src.Format == format.None || dst.Format == format.None {
		return src.Region.CPP == dst.Region.CPP
	}
	return src.Format == dst.Format || format.AlphaPair(src.Format, dst.Format)
}

// CopyRect copies a rectangle between two images. A copy from XRGB into
// ARGB also sets the copied alpha to one.
func CopyRect(b *batch.Buffer, p CopyParams) (bool, error) {
	if !compatible(p.Src, p.Dst) {
		b.Manager().Logger().Debug("blit: refusing format conversion",
			"src", p.Src.Format, "dst", p.Dst.Format)
		return false, nil
	}
	src, dst := p.Src.surface(), p.Dst.surface()
	ok, err := EmitCopyBlit(b, p.Dst.Region.CPP, src, p.Src.X, p.Src.Y,
		dst, p.Dst.X, p.Dst.Y, p.Width, p.Height, p.Op)
	if !ok || err != nil {
		return ok, err
	}
	if p.Src.Format == format.XRGB8888 && p.Dst.Format == format.ARGB8888 {
		return SetAlphaToOne(b, dst, p.Dst.X, p.Dst.Y, p.Width, p.Height)
	}
	return true, nil
}

// WriteMask selects the channels a fill of a 32-bit surface writes.
type WriteMask uint8

const (
	WriteRGB WriteMask = 1 << iota
	WriteAlpha

	WriteAll = WriteRGB | WriteAlpha
)

func fill(b *batch.Buffer, dst Surface, cpp uint32, x, y, w, h int, color uint32, mask WriteMask, rop uint32) (bool, error) {
	depth, ok := hw.BR13DepthForCPP(cpp)
	if !ok || !dst.addressable() {
		return false, nil
	}
	cmd := uint32(hw.XYColorBlt)
	if cpp == 4 {
		if mask == 0 {
			return true, nil
		}
		if mask&WriteRGB != 0 {
			cmd |= hw.XYBltWriteRGB
		}
		if mask&WriteAlpha != 0 {
			cmd |= hw.XYBltWriteAlpha
		}
	}
	if w <= 0 || h <= 0 {
		return true, nil
	}
	if ok, err := ensureAperture(b, dst.BO); !ok || err != nil {
		return false, err
	}
	pitch, tiled := dst.pitchField()
	if tiled {
		cmd |= hw.XYDstTiled
	}

	p, err := b.Begin(hw.XYColorBltLen)
	if err != nil {
		return false, err
	}
	p.Emit(cmd)
	p.Emit(depth | rop<<16 | pitch&0xffff)
	p.Emit(hw.PackXY(x, y))
	p.Emit(hw.PackXY(x+w, y+h))
	p.Reloc(dst.BO, bufmgr.DomainRender, bufmgr.DomainRender, dst.Offset)
	p.Emit(color)
	p.End()
	return true, b.EmitFlush()
}

// ClearRect fills a rectangle of a surface with cpp-byte pixels. For 32-bit
// surfaces mask selects the channels written; it is ignored otherwise.
func ClearRect(b *batch.Buffer, dst Surface, cpp uint32, x, y, w, h int, color uint32, mask WriteMask) (bool, error) {
	b.Manager().Logger().Debug("blit: clear", "dst", dst.BO.Name(), "x", x, "y", y, "w", w, "h", h, "color", color)
	return fill(b, dst, cpp, x, y, w, h, color, mask, hw.ROPPatCopy)
}

// SetAlphaToOne sets the alpha channel of a rectangle of a 32-bit surface
// to fully opaque, leaving color untouched.
func SetAlphaToOne(b *batch.Buffer, dst Surface, x, y, w, h int) (bool, error) {
	return fill(b, dst, 4, x, y, w, h, 0xffffffff, WriteAlpha, hw.ROPPatCopy)
}

// maxLinearPitch is the widest row CopyLinear uses.
const maxLinearPitch = (hw.MaxBlitPitch - 1) &^ 3

// CopyLinear copies size bytes between two buffers treated as flat byte
// arrays: a rectangle of full rows of the widest usable pitch followed by
// one row for the remainder.
func CopyLinear(b *batch.Buffer, src *bufmgr.BO, srcOffset uint32, dst *bufmgr.BO, dstOffset uint32, size uint32) (bool, error) {
	pitch := min(size, maxLinearPitch) &^ 3
	if pitch > 0 {
		height := size / pitch
		ok, err := EmitCopyBlit(b, 1,
			Surface{BO: src, Offset: srcOffset, Pitch: pitch}, 0, 0,
			Surface{BO: dst, Offset: dstOffset, Pitch: pitch}, 0, 0,
			int(pitch), int(height), hw.LogicOpCopy)
		if !ok || err != nil {
			return ok, err
		}
		srcOffset += pitch * height
		dstOffset += pitch * height
		size -= pitch * height
	}
	if size == 0 {
		return true, nil
	}
	pitch = (size + 3) &^ 3
	return EmitCopyBlit(b, 1,
		Surface{BO: src, Offset: srcOffset, Pitch: pitch}, 0, 0,
		Surface{BO: dst, Offset: dstOffset, Pitch: pitch}, 0, 0,
		int(size), 1, hw.LogicOpCopy)
}

// Bitmap is a monochrome source for ColorExpand. Rows are (w+7)/8 bytes,
// least significant bit first.
type Bitmap struct {
	Bits []byte
	FG   uint32
	BG   uint32
	// Opaque writes BG for clear bits; otherwise they are transparent.
	Opaque bool
}

// maxTextDwords is the most inline data one XY_TEXT_IMMEDIATE_BLT carries.
const maxTextDwords = 254

// ColorExpand expands bm into a w×h rectangle of dst. The bitmap travels
// inline in the batch.
func ColorExpand(b *batch.Buffer, dst Surface, cpp uint32, x, y, w, h int, bm Bitmap, op hw.LogicOp) (bool, error) {
	depth, ok := hw.BR13DepthForCPP(cpp)
	if !ok || !dst.addressable() {
		return false, nil
	}
	if w <= 0 || h <= 0 {
		return true, nil
	}
	need := (w + 7) / 8 * h
	if len(bm.Bits) < need {
		return false, fmt.Errorf("blit: %d bitmap bytes for a %dx%d rectangle", len(bm.Bits), w, h)
	}
	dwords := (need + 7) &^ 7 / 4
	if dwords > maxTextDwords {
		return false, nil
	}
	if ok, err := ensureAperture(b, dst.BO); !ok || err != nil {
		return false, err
	}

	setup := uint32(hw.XYSetupBlt)
	if cpp == 4 {
		setup |= hw.XYBltWriteRGB | hw.XYBltWriteAlpha
	}
	text := uint32(hw.XYTextImmediateBlit | hw.XYTextBytePacked)
	pitch, tiled := dst.pitchField()
	if tiled {
		setup |= hw.XYDstTiled
		text |= hw.XYDstTiled
	}
	br13 := depth | op.ROP()<<16 | pitch&0xffff
	if !bm.Opaque {
		br13 |= hw.BR13MonoSourceTransparency
	}

	data := make([]byte, dwords*4)
	copy(data, bm.Bits[:need])

	p, err := b.Begin(hw.XYSetupBltLen + hw.XYTextBltLen + dwords)
	if err != nil {
		return false, err
	}
	p.Emit(setup)
	p.Emit(br13)
	p.Emit(hw.PackXY(0, 0))
	p.Emit(hw.PackXY(100, 100))
	p.Reloc(dst.BO, bufmgr.DomainRender, bufmgr.DomainRender, dst.Offset)
	p.Emit(bm.BG)
	p.Emit(bm.FG)
	p.Emit(0)
	p.Emit(text | uint32(hw.XYTextBltLen-2+dwords))
	p.Emit(hw.PackXY(x, y))
	p.Emit(hw.PackXY(x+w, y+h))
	for i := 0; i < dwords; i++ {
		p.Emit(uint32(data[i*4]) | uint32(data[i*4+1])<<8 | uint32(data[i*4+2])<<16 | uint32(data[i*4+3])<<24)
	}
	p.End()
	return true, b.EmitFlush()
}

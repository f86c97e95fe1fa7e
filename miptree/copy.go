package miptree

import (
	"fmt"

	"github.com/gogpu/i915/blit"
	"github.com/gogpu/i915/bufmgr"
	"github.com/gogpu/i915/format"
	"github.com/gogpu/i915/hw"
	"github.com/gogpu/i915/intel"
)

// blitImage returns the blitter view of an image: its region addressed from
// the tile holding the image origin, and the origin within that tile.
func (t *Tree) blitImage(level, slice int, x, row uint32) blit.Image {
	off, tx, ty := t.TileOffsets(level, slice)
	return blit.Image{
		Region: t.Region,
		Offset: t.Offset + off,
		Format: t.Format,
		X:      int(tx + x),
		Y:      int(ty + row),
	}
}

// BlitImages copies a rectangle between two images with the blitter. srcY,
// dstY and rows count region rows. ok is false when the blitter refuses
// the copy.
func BlitImages(ctx *intel.Context, src *Tree, srcLevel, srcSlice int, srcX, srcY uint32,
	dst *Tree, dstLevel, dstSlice int, dstX, dstY uint32, w, rows uint32) (bool, error) {
	if ctx.Debug(intel.DebugBlit) {
		ctx.Logger().Debug("miptree: blit",
			"src_level", srcLevel, "src_slice", srcSlice,
			"dst_level", dstLevel, "dst_slice", dstSlice,
			"w", w, "rows", rows)
	}
	return blit.CopyRect(ctx.Batch(), blit.CopyParams{
		Src:    src.blitImage(srcLevel, srcSlice, srcX, srcY),
		Dst:    dst.blitImage(dstLevel, dstSlice, dstX, dstY),
		Width:  int(dst.rowBytes(w) / dst.CPP),
		Height: int(rows),
		Op:     hw.LogicOpCopy,
	})
}

// CopySlice copies one image between trees of the same format, with the
// blitter when it accepts the surfaces and through CPU maps otherwise.
func CopySlice(ctx *intel.Context, dst, src *Tree, level, slice int) error {
	if src.Format != dst.Format {
		panic(fmt.Sprintf("miptree: copy from %v into %v", src.Format, dst.Format))
	}
	l := src.Level(level)
	ok, err := BlitImages(ctx, src, level, slice, 0, 0, dst, level, slice, 0, 0, l.Width, src.rows(l.Height))
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	ctx.PerfDebug("miptree copy blit refused, copying on the CPU",
		"format", src.Format, "level", level, "slice", slice)
	return copySliceCPU(ctx, dst, src, level, slice, l.Width, l.Height)
}

func copySliceCPU(ctx *intel.Context, dst, src *Tree, level, slice int, w, h uint32) error {
	sm, err := src.Map(ctx, level, slice, 0, 0, w, h, MapRead)
	if err != nil {
		return err
	}
	defer func() { _ = src.Unmap(ctx, level, slice) }()
	dm, err := dst.Map(ctx, level, slice, 0, 0, w, h, MapWrite|MapInvalidateRange)
	if err != nil {
		return err
	}
	copyRows(dm.Data, dm.Stride, sm.Data, sm.Stride, int(src.rowBytes(w)), int(src.rows(h)))
	return dst.Unmap(ctx, level, slice)
}

// copyRows copies rows of n bytes between strided buffers.
func copyRows(dst []byte, dstStride int, src []byte, srcStride int, n, rows int) {
	if dstStride == n && srcStride == n {
		copy(dst[:n*rows], src[:n*rows])
		return
	}
	for i := range rows {
		copy(dst[i*dstStride:i*dstStride+n], src[i*srcStride:i*srcStride+n])
	}
}

// CopyTexImage moves every slice of level from src into dst. With
// invalidate the contents are not needed and nothing is copied.
func CopyTexImage(ctx *intel.Context, dst, src *Tree, level int, invalidate bool) error {
	if invalidate {
		return nil
	}
	for s := range int(src.Level(level).Depth) {
		if err := CopySlice(ctx, dst, src, level, s); err != nil {
			return fmt.Errorf("miptree: copy level %d slice %d: %w", level, s, err)
		}
	}
	return nil
}

// BlitFromBuffer blits a w×h image of format f, stored linearly in bo at
// offset with the given pitch, into an image of dst at (x, y). ok is false
// when the blitter cannot do it.
func BlitFromBuffer(ctx *intel.Context, bo *bufmgr.BO, offset, pitch uint32, f format.Format,
	dst *Tree, level, slice int, x, y, w, h uint32) (bool, error) {
	pbo, ok := wrapBuffer(ctx, bo, offset, pitch, f, w, h)
	if !ok {
		return false, nil
	}
	defer Release(&pbo)
	return BlitImages(ctx, pbo, 0, 0, 0, 0, dst, level, slice, x, dst.rows(y), w, dst.rows(h))
}

// BlitToBuffer blits a w×h rectangle of an image of src at (x, y) into bo
// at offset with the given pitch, as a linear image of format f.
func BlitToBuffer(ctx *intel.Context, src *Tree, level, slice int, x, y, w, h uint32,
	bo *bufmgr.BO, offset, pitch uint32, f format.Format) (bool, error) {
	pbo, ok := wrapBuffer(ctx, bo, offset, pitch, f, w, h)
	if !ok {
		return false, nil
	}
	defer Release(&pbo)
	return BlitImages(ctx, src, level, slice, x, src.rows(y), pbo, 0, 0, 0, 0, w, src.rows(h))
}

// wrapBuffer wraps a linear buffer range as a one-level tree.
func wrapBuffer(ctx *intel.Context, bo *bufmgr.BO, offset, pitch uint32, f format.Format, w, h uint32) (*Tree, bool) {
	if bo.Tiling() != bufmgr.TilingNone || w == 0 || h == 0 {
		return nil, false
	}
	t, err := CreateForBO(ctx.Chipset(), bo, f, offset, w, h, pitch)
	if err != nil {
		ctx.Logger().Debug("miptree: cannot wrap buffer", "err", err)
		return nil, false
	}
	if uint64(offset)+uint64(pitch)*uint64(t.rows(h)-1)+uint64(t.rowBytes(w)) > bo.Size() {
		Release(&t)
		return nil, false
	}
	return t, true
}

package miptree

import (
	"fmt"

	"github.com/gogpu/i915/bufmgr"
	"github.com/gogpu/i915/intel"
)

// MapMode is the access a Map asks for.
type MapMode uint8

const (
	MapRead MapMode = 1 << iota
	MapWrite
	// MapInvalidateRange discards the mapped rectangle: its previous
	// contents need not be read back.
	MapInvalidateRange
)

// Strategy is how a map reaches the image. It is decided once per Map and
// Unmap undoes exactly that strategy.
type Strategy uint8

const (
	// StrategyCPU maps a linear region directly.
	StrategyCPU Strategy = iota + 1
	// StrategyGTT maps a tiled region through the aperture, which presents
	// it in linear order.
	StrategyGTT
	// StrategyBlit blits the rectangle into a linear temporary tree, maps
	// that, and blits it back on Unmap when the map writes.
	StrategyBlit
)

// String returns the string representation of Strategy.
func (s Strategy) String() string {
	switch s {
	case StrategyCPU:
		return "CPU"
	case StrategyGTT:
		return "GTT"
	case StrategyBlit:
		return "Blit"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// Mapping is an outstanding map of one image.
type Mapping struct {
	// Data starts at the mapped rectangle's origin. Row i starts at
	// Data[i*Stride].
	Data     []byte
	Stride   int
	Strategy Strategy

	x, y, w, h uint32
	mode       MapMode
	staging    *Tree
}

// strategy picks how to map t: tiled trees whose buffer reaches the
// direct-map threshold go through the blitter.
func (t *Tree) strategy(ctx *intel.Context) Strategy {
	switch {
	case t.Region.Tiling == bufmgr.TilingNone:
		return StrategyCPU
	case t.Region.BO.Size() >= ctx.MaxGTTMapObjectSize():
		return StrategyBlit
	default:
		return StrategyGTT
	}
}

// Map maps the w×h rectangle at (x, y) of an image for CPU access. For
// compressed formats y must be a multiple of the block height.
//
// Only one map of an image may be outstanding. On failure the error wraps
// ErrMapFailed and nothing stays mapped.
func (t *Tree) Map(ctx *intel.Context, level, slice int, x, y, w, h uint32, mode MapMode) (*Mapping, error) {
	s := t.slice(level, slice)
	if s.m != nil {
		panic(fmt.Sprintf("miptree: level %d slice %d mapped twice", level, slice))
	}
	if y%t.AlignH != 0 && t.Compressed {
		panic(fmt.Sprintf("miptree: map at row %d splits a block", y))
	}
	m := &Mapping{x: x, y: y, w: w, h: h, mode: mode, Strategy: t.strategy(ctx)}
	var err error
	if m.Strategy == StrategyBlit {
		err = t.mapBlit(ctx, m, level, slice)
	} else {
		err = t.mapDirect(ctx, m, level, slice)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: level %d slice %d: %w", ErrMapFailed, level, slice, err)
	}
	if ctx.Debug(intel.DebugMip) {
		ctx.Logger().Debug("miptree: map",
			"level", level, "slice", slice,
			"x", x, "y", y, "w", w, "h", h,
			"strategy", m.Strategy, "stride", m.Stride)
	}
	s.m = m
	return m, nil
}

// mapRaw maps the whole region of t, flushing any batch that uses it.
func (t *Tree) mapRaw(ctx *intel.Context) ([]byte, error) {
	bo := t.Region.BO
	if err := ctx.FlushIfReferenced(bo); err != nil {
		return nil, err
	}
	if bo.Busy() {
		ctx.PerfDebug("mapping a busy buffer stalls on the GPU", "bo", bo.Name())
	}
	return t.Region.Map()
}

// window returns the bytes of the w×h rectangle at pixel (x, row) of a
// mapping of the whole region.
func (t *Tree) window(data []byte, x, row, w, h uint32) ([]byte, error) {
	pitch := t.Region.Pitch
	start := uint64(t.Offset) + uint64(row)*uint64(pitch) + uint64(x)*uint64(t.CPP)
	n := uint64(t.rowBytes(w))
	if rows := t.rows(h); rows > 0 {
		n += uint64(rows-1) * uint64(pitch)
	}
	if start+n > uint64(len(data)) {
		return nil, fmt.Errorf("rectangle ends at byte %d of a %d-byte buffer", start+n, len(data))
	}
	return data[start : start+n : start+n], nil
}

func (t *Tree) mapDirect(ctx *intel.Context, m *Mapping, level, slice int) error {
	data, err := t.mapRaw(ctx)
	if err != nil {
		return err
	}
	ix, iy := t.ImageOffset(level, slice)
	win, err := t.window(data, ix+m.x, iy+t.rows(m.y), m.w, m.h)
	if err != nil {
		_ = t.Region.Unmap()
		return err
	}
	m.Data = win
	m.Stride = int(t.Region.Pitch)
	return nil
}

func (t *Tree) mapBlit(ctx *intel.Context, m *Mapping, level, slice int) error {
	tmp, err := Create(ctx, Target2D, t.Format, 0, 0, m.w, m.h, 1, false, TilingNone)
	if err != nil {
		return err
	}
	if m.mode&MapInvalidateRange == 0 {
		ok, err := BlitImages(ctx, t, level, slice, m.x, t.rows(m.y), tmp, 0, 0, 0, 0, m.w, t.rows(m.h))
		if err == nil && !ok {
			err = fmt.Errorf("blit into a temporary refused")
		}
		if err != nil {
			Release(&tmp)
			return err
		}
		if err := ctx.Flush(); err != nil {
			Release(&tmp)
			return err
		}
	}
	data, err := tmp.mapRaw(ctx)
	if err != nil {
		Release(&tmp)
		return err
	}
	win, err := tmp.window(data, 0, 0, m.w, m.h)
	if err != nil {
		_ = tmp.Region.Unmap()
		Release(&tmp)
		return err
	}
	m.Data = win
	m.Stride = int(tmp.Region.Pitch)
	m.staging = tmp
	return nil
}

// Mapped returns the outstanding map of an image, or nil.
func (t *Tree) Mapped(level, slice int) *Mapping {
	return t.slice(level, slice).m
}

// Unmap ends the map of an image. It is a no-op when the image is not
// mapped. A blit-staged map that writes is blitted back first.
func (t *Tree) Unmap(ctx *intel.Context, level, slice int) error {
	s := t.slice(level, slice)
	m := s.m
	if m == nil {
		return nil
	}
	s.m = nil
	m.Data = nil
	switch m.Strategy {
	case StrategyCPU, StrategyGTT:
		return t.Region.Unmap()
	case StrategyBlit:
		tmp := m.staging
		defer Release(&tmp)
		if err := tmp.Region.Unmap(); err != nil {
			return err
		}
		if m.mode&MapWrite == 0 {
			return nil
		}
		ok, err := BlitImages(ctx, tmp, 0, 0, 0, 0, t, level, slice, m.x, t.rows(m.y), m.w, t.rows(m.h))
		if err != nil {
			return err
		}
		if !ok {
			ctx.Logger().Warn("miptree: blit from the linear temporary refused",
				"level", level, "slice", slice)
		}
		return nil
	default:
		panic(fmt.Sprintf("miptree: unmap of %v mapping", m.Strategy))
	}
}

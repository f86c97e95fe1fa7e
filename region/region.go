// Package region implements 2D pixel surfaces over buffer objects.
//
// A Region owns one reference to its BO and knows the byte layout of the
// surface: bytes per pixel, pitch and tiling. Regions are shared with
// Reference and dropped with Release; the BO reference goes away with the
// last Region reference.
package region

import (
	"fmt"

	"github.com/gogpu/i915/bufmgr"
	"github.com/gogpu/i915/hw"
)

// Region is a rectangular surface.
type Region struct {
	BO     *bufmgr.BO
	CPP    uint32
	Width  uint32
	Height uint32
	Pitch  uint32
	Tiling bufmgr.Tiling
	// Name is the global name once the region has been exported or
	// imported; zero otherwise.
	Name uint32

	refs     int
	mapCount int
}

// Alloc allocates a region. The tiling argument is a preference: linear is
// forced for rows narrower than 64 bytes or wider than a fence can
// describe, and Y tiling becomes X when the surface expects blitter uploads
// the chipset cannot perform on Y tiles.
func Alloc(mgr *bufmgr.Manager, chip hw.Chipset, t bufmgr.Tiling, cpp, width, height uint32, expectAcceleratedUpload bool) (*Region, error) {
	if cpp == 0 || width == 0 || height == 0 {
		return nil, fmt.Errorf("region: invalid %dx%d surface with cpp %d", width, height, cpp)
	}
	if t == bufmgr.TilingY && expectAcceleratedUpload && !chip.BlitsYTiled() {
		mgr.Logger().Debug("region: Y tiling downgraded to X for blitter uploads", "chipset", chip)
		t = bufmgr.TilingX
	}
	stride := width * cpp
	if t != bufmgr.TilingNone && stride < 64 {
		t = bufmgr.TilingNone
	}

	var pitch, rows uint32
	var size uint64
	if t != bufmgr.TilingNone {
		pitch = tiledPitch(t, stride)
		if pitch > chip.MaxFencePitch() {
			mgr.Logger().Debug("region: pitch too wide to fence, using linear", "pitch", pitch)
			t = bufmgr.TilingNone
		}
	}
	if t == bufmgr.TilingNone {
		pitch = align(stride, 64)
		// A 2x2 subspan at the bottom edge must not read past the end.
		rows = align(height, 2)
		size = uint64(pitch) * uint64(rows)
	} else {
		rows = align(height, tileHeight(t))
		size = fenceSize(chip, uint64(pitch)*uint64(rows))
	}

	bo, err := mgr.AllocRequest(bufmgr.AllocRequest{
		Name:      "region",
		Size:      size,
		Alignment: hw.TileSize,
		Tiling:    t,
		Pitch:     tiledOnly(t, pitch),
		ForRender: expectAcceleratedUpload,
	})
	if err != nil {
		return nil, err
	}
	return &Region{
		BO:     bo,
		CPP:    cpp,
		Width:  width,
		Height: height,
		Pitch:  pitch,
		Tiling: bo.Tiling(),
		refs:   1,
	}, nil
}

// tiledPitch returns the power-of-two pitch fences on this family require.
func tiledPitch(t bufmgr.Tiling, stride uint32) uint32 {
	p := tileWidth(t)
	for p < stride {
		p <<= 1
	}
	return p
}

// fenceSize rounds a tiled allocation up to a size a fence register can
// cover.
func fenceSize(chip hw.Chipset, size uint64) uint64 {
	s := uint64(1 << 20)
	if chip.Gen() == 2 {
		s = 512 << 10
	}
	for s < size {
		s <<= 1
	}
	return s
}

func tiledOnly(t bufmgr.Tiling, pitch uint32) uint32 {
	if t == bufmgr.TilingNone {
		return 0
	}
	return pitch
}

// Wrap creates a region over an existing buffer object, taking an additional
// reference to it. The tiling mode is whatever the BO reports.
func Wrap(bo *bufmgr.BO, cpp, width, height, pitch uint32) *Region {
	return &Region{
		BO:     bo.Reference(),
		CPP:    cpp,
		Width:  width,
		Height: height,
		Pitch:  pitch,
		Tiling: bo.Tiling(),
		refs:   1,
	}
}

// FromName opens a buffer exported by another process and wraps it.
func FromName(mgr *bufmgr.Manager, label string, name, cpp, width, height, pitch uint32) (*Region, error) {
	bo, err := mgr.Open(label, name)
	if err != nil {
		return nil, err
	}
	r := Wrap(bo, cpp, width, height, pitch)
	bo.Unreference()
	r.Name = name
	return r, nil
}

// Refs returns the reference count.
func (r *Region) Refs() int { return r.refs }

// Reference makes *dst point at src, releasing the region *dst pointed at
// before. It is a no-op when *dst is already src.
func Reference(dst **Region, src *Region) {
	if *dst == src {
		return
	}
	Release(dst)
	if src != nil {
		if src.refs <= 0 {
			panic("region: reference of released region")
		}
		src.refs++
	}
	*dst = src
}

// Release drops the reference held through *dst and clears it. The BO is
// unreferenced when the last reference goes.
func Release(dst **Region) {
	r := *dst
	if r == nil {
		return
	}
	*dst = nil
	r.refs--
	switch {
	case r.refs > 0:
		return
	case r.refs < 0:
		panic("region: released too many times")
	}
	// Mappings still outstanding die with the region.
	for ; r.mapCount > 0; r.mapCount-- {
		_ = r.BO.Unmap()
	}
	r.BO.Unreference()
	r.BO = nil
}

// Flink exports the region's buffer and records its global name.
func (r *Region) Flink() (uint32, error) {
	if r.Name != 0 {
		return r.Name, nil
	}
	name, err := r.BO.Flink()
	if err != nil {
		return 0, err
	}
	r.Name = name
	return name, nil
}

// Map maps the whole region for CPU access in linear order: through the
// GTT for tiled regions and directly otherwise. It waits for the GPU.
func (r *Region) Map() ([]byte, error) {
	var v []byte
	var err error
	if r.Tiling != bufmgr.TilingNone {
		v, err = r.BO.MapGTT()
	} else {
		v, err = r.BO.Map(true)
	}
	if err != nil {
		return nil, err
	}
	r.mapCount++
	return v, nil
}

// Unmap releases a mapping made by Map.
func (r *Region) Unmap() error {
	if r.mapCount == 0 {
		return bufmgr.ErrNotMapped
	}
	r.mapCount--
	return r.BO.Unmap()
}

// TileMasks returns the masks of the x and y coordinate bits that index
// within one tile of a surface with the given tiling and cpp.
func TileMasks(t bufmgr.Tiling, cpp uint32) (maskX, maskY uint32) {
	switch t {
	case bufmgr.TilingX:
		return hw.XTileWidth/cpp - 1, hw.XTileHeight - 1
	case bufmgr.TilingY:
		return hw.YTileWidth/cpp - 1, hw.YTileHeight - 1
	default:
		return 0, 0
	}
}

// TileMasks returns the tile masks of r.
func (r *Region) TileMasks() (maskX, maskY uint32) {
	return TileMasks(r.Tiling, r.CPP)
}

// AlignedOffset returns the byte offset of the tile starting at pixel
// (x, y). The coordinates must be tile aligned.
func (r *Region) AlignedOffset(x, y uint32) uint32 {
	maskX, maskY := r.TileMasks()
	if x&maskX != 0 || y&maskY != 0 {
		panic(fmt.Sprintf("region: (%d, %d) is not aligned to a %v tile", x, y, r.Tiling))
	}
	if r.Tiling == bufmgr.TilingNone {
		return y*r.Pitch + x*r.CPP
	}
	return y*r.Pitch + x/(tileWidth(r.Tiling)/r.CPP)*hw.TileSize
}

// AlignedCoords inverts AlignedOffset for offsets it can return.
func (r *Region) AlignedCoords(offset uint32) (x, y uint32) {
	if r.Tiling == bufmgr.TilingNone {
		return (offset % r.Pitch) / r.CPP, offset / r.Pitch
	}
	rowBytes := r.Pitch * tileHeight(r.Tiling)
	y = offset / rowBytes * tileHeight(r.Tiling)
	x = offset % rowBytes / hw.TileSize * (tileWidth(r.Tiling) / r.CPP)
	return x, y
}

func tileWidth(t bufmgr.Tiling) uint32 {
	if t == bufmgr.TilingY {
		return hw.YTileWidth
	}
	return hw.XTileWidth
}

func tileHeight(t bufmgr.Tiling) uint32 {
	if t == bufmgr.TilingY {
		return hw.YTileHeight
	}
	return hw.XTileHeight
}

func align(v, a uint32) uint32 {
	return (v + a - 1) / a * a
}

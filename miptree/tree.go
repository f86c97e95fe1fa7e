// Package miptree lays out mipmapped, cube, 3D and array images inside one
// region and mediates CPU and blitter access to each image.
//
// A Tree is created by a layout pass (CreateLayout, Create) or by wrapping an
// existing buffer (CreateForBO, CreateForRegion). Images are addressed by
// (level, slice); a slice is a cube face, an array layer or a depth slice.
// Offsets returned by ImageOffset are in pixels for x and rows for y; for
// block-compressed formats a row is one row of blocks.
package miptree

import (
	"errors"
	"fmt"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/i915/bufmgr"
	"github.com/gogpu/i915/format"
	"github.com/gogpu/i915/hw"
	"github.com/gogpu/i915/intel"
	"github.com/gogpu/i915/region"
)

// MaxLevels is the number of mipmap levels a tree can describe, enough for
// a 2048-texel base level.
const MaxLevels = 12

var (
	// ErrMapFailed is returned when an image cannot be mapped. The caller
	// takes its slow path.
	ErrMapFailed = errors.New("miptree: map failed")

	// ErrEmptyLayout is returned when a layout needs no storage.
	ErrEmptyLayout = errors.New("miptree: empty layout")
)

// Target is the shape of a tree.
type Target uint8

const (
	Target1D Target = iota
	Target2D
	Target3D
	TargetCube
	Target1DArray
	Target2DArray
)

// String returns the string representation of Target.
func (t Target) String() string {
	switch t {
	case Target1D:
		return "1D"
	case Target2D:
		return "2D"
	case Target3D:
		return "3D"
	case TargetCube:
		return "Cube"
	case Target1DArray:
		return "1DArray"
	case Target2DArray:
		return "2DArray"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// Dimension returns the WebGPU texture dimension of the target. Cube maps
// and arrays are 2D textures with layers.
func (t Target) Dimension() gputypes.TextureDimension {
	switch t {
	case Target1D, Target1DArray:
		return gputypes.TextureDimension1D
	case Target3D:
		return gputypes.TextureDimension3D
	default:
		return gputypes.TextureDimension2D
	}
}

// Tiling is the tiling a Create call asks for.
type Tiling uint8

const (
	// TilingAny lets Create pick: X unless the surface is too narrow or
	// too wide to tile.
	TilingAny Tiling = iota
	TilingNone
	TilingX
	TilingY
)

// Level is the layout of one mipmap level.
type Level struct {
	Width, Height, Depth uint32
	// X and Y locate the level within the region.
	X, Y uint32

	slices []slice
}

type slice struct {
	x, y uint32
	m    *Mapping
}

// Tree is a mipmap tree.
type Tree struct {
	Target Target
	Format format.Format
	Chip   hw.Chipset

	FirstLevel, LastLevel int

	// Width0, Height0 and Depth0 are the logical base level dimensions as
	// given at creation. The physical depth of a cube map is 6.
	Width0, Height0, Depth0 uint32

	CPP            uint32
	AlignW, AlignH uint32
	Compressed     bool

	// TotalWidth and TotalHeight are the region dimensions the layout
	// needs, in pixels and rows.
	TotalWidth, TotalHeight uint32

	Region *region.Region
	// Offset is the byte offset of the tree within the region's buffer.
	Offset uint32

	levels [MaxLevels]Level
	refs   int
}

// Level returns the layout of level.
func (t *Tree) Level(level int) Level {
	t.checkLevel(level)
	return t.levels[level]
}

// Refs returns the reference count.
func (t *Tree) Refs() int { return t.refs }

func (t *Tree) checkLevel(level int) {
	if level < t.FirstLevel || level > t.LastLevel {
		panic(fmt.Sprintf("miptree: level %d outside %d..%d", level, t.FirstLevel, t.LastLevel))
	}
}

func (t *Tree) slice(level, s int) *slice {
	t.checkLevel(level)
	l := &t.levels[level]
	if s < 0 || s >= len(l.slices) || uint32(s) >= l.Depth {
		panic(fmt.Sprintf("miptree: slice %d of level %d, depth %d", s, level, l.Depth))
	}
	return &l.slices[s]
}

// CreateLayout computes the layout of a tree without allocating storage.
// A cube map's depth0 must be 1; it becomes 6 faces.
func CreateLayout(chip hw.Chipset, target Target, f format.Format, firstLevel, lastLevel int, width0, height0, depth0 uint32) (*Tree, error) {
	if !f.Valid() {
		return nil, fmt.Errorf("miptree: invalid format %v", f)
	}
	if firstLevel < 0 || lastLevel < firstLevel || lastLevel >= MaxLevels {
		return nil, fmt.Errorf("miptree: invalid level range %d..%d", firstLevel, lastLevel)
	}
	if width0 == 0 || height0 == 0 || depth0 == 0 {
		return nil, fmt.Errorf("%w: %dx%dx%d", ErrEmptyLayout, width0, height0, depth0)
	}
	bw, _ := f.BlockSize()
	if f.BlockBytes()%bw != 0 {
		return nil, fmt.Errorf("miptree: format %v has no whole cpp", f)
	}
	t := &Tree{
		Target:     target,
		Format:     f,
		Chip:       chip,
		FirstLevel: firstLevel,
		LastLevel:  lastLevel,
		Width0:     width0,
		Height0:    height0,
		Depth0:     depth0,
		CPP:        f.CPP(),
		Compressed: f.Compressed(),
		refs:       1,
	}
	t.AlignW, t.AlignH = alignmentUnit(f)
	if target == TargetCube {
		if depth0 != 1 {
			return nil, fmt.Errorf("miptree: cube map with depth %d", depth0)
		}
		if width0 != height0 {
			return nil, fmt.Errorf("miptree: %dx%d cube map faces are not square", width0, height0)
		}
	}
	if target == Target1D || target == Target1DArray {
		if height0 != 1 {
			return nil, fmt.Errorf("miptree: 1D tree with height %d", height0)
		}
	}
	layout(t)
	return t, nil
}

// alignmentUnit returns the horizontal and vertical alignment of mip
// levels for f.
func alignmentUnit(f format.Format) (w, h uint32) {
	if f.Compressed() {
		bw, bh := f.BlockSize()
		return bw, bh
	}
	return 4, 2
}

// Create lays out and allocates a tree.
//
// A Y-tiled request is re-allocated X-tiled when the Y-tiled buffer reaches
// the context's direct-map threshold or its pitch cannot be blitted: large
// trees are mapped through the blitter, which cannot address Y tiles.
func Create(ctx *intel.Context, target Target, f format.Format, firstLevel, lastLevel int, width0, height0, depth0 uint32, expectAcceleratedUpload bool, requested Tiling) (*Tree, error) {
	t, err := CreateLayout(ctx.Chipset(), target, f, firstLevel, lastLevel, width0, height0, depth0)
	if err != nil {
		return nil, err
	}
	if t.TotalWidth == 0 || t.TotalHeight == 0 {
		return nil, ErrEmptyLayout
	}
	tiling := t.chooseTiling(ctx, requested)
	r, err := region.Alloc(ctx.Manager(), ctx.Chipset(), tiling, t.CPP, t.TotalWidth, t.TotalHeight, expectAcceleratedUpload)
	if err != nil {
		return nil, fmt.Errorf("miptree: allocate %dx%d: %w", t.TotalWidth, t.TotalHeight, err)
	}
	if r.Tiling == bufmgr.TilingY &&
		(r.BO.Size() >= ctx.MaxGTTMapObjectSize() || r.Pitch >= hw.MaxBlitPitch) {
		ctx.PerfDebug("miptree too large for Y tiling, using X",
			"width", t.TotalWidth, "height", t.TotalHeight, "size", r.BO.Size())
		region.Release(&r)
		r, err = region.Alloc(ctx.Manager(), ctx.Chipset(), bufmgr.TilingX, t.CPP, t.TotalWidth, t.TotalHeight, expectAcceleratedUpload)
		if err != nil {
			return nil, fmt.Errorf("miptree: allocate %dx%d: %w", t.TotalWidth, t.TotalHeight, err)
		}
	}
	t.Region = r
	if ctx.Debug(intel.DebugMip) {
		ctx.Logger().Debug("miptree: created",
			"target", t.Target, "format", t.Format,
			"levels", fmt.Sprintf("%d..%d", firstLevel, lastLevel),
			"total_width", t.TotalWidth, "total_height", t.TotalHeight,
			"tiling", r.Tiling, "pitch", r.Pitch)
	}
	return t, nil
}

func (t *Tree) chooseTiling(ctx *intel.Context, requested Tiling) bufmgr.Tiling {
	switch requested {
	case TilingNone:
		return bufmgr.TilingNone
	case TilingX:
		return bufmgr.TilingX
	case TilingY:
		return bufmgr.TilingY
	}
	minPitch := t.TotalWidth * t.CPP
	if minPitch < 64 {
		return bufmgr.TilingNone
	}
	if (minPitch+511)&^511 >= hw.MaxBlitPitch {
		ctx.PerfDebug("miptree too wide to blit, using linear",
			"width", t.TotalWidth, "height", t.TotalHeight)
		return bufmgr.TilingNone
	}
	return bufmgr.TilingX
}

// CreateForBO wraps one image held in bo as a single-level 2D tree. The
// tree takes its own reference to bo. A tiled bo needs a tile-aligned
// offset.
func CreateForBO(chip hw.Chipset, bo *bufmgr.BO, f format.Format, offset, width, height, pitch uint32) (*Tree, error) {
	if bo.Tiling() != bufmgr.TilingNone && offset%hw.TileSize != 0 {
		panic(fmt.Sprintf("miptree: tiled image at unaligned offset %#x", offset))
	}
	t, err := CreateLayout(chip, Target2D, f, 0, 0, width, height, 1)
	if err != nil {
		return nil, err
	}
	t.Region = region.Wrap(bo, t.CPP, width, height, pitch)
	t.Offset = offset
	return t, nil
}

// CreateForRegion wraps a window-system region, such as a front or back
// buffer, as a single-level tree sharing the region's buffer and name.
func CreateForRegion(chip hw.Chipset, r *region.Region, f format.Format) (*Tree, error) {
	if f.CPP() != r.CPP {
		return nil, fmt.Errorf("miptree: format %v does not match a %d-byte region", f, r.CPP)
	}
	t, err := CreateForBO(chip, r.BO, f, 0, r.Width, r.Height, r.Pitch)
	if err != nil {
		return nil, err
	}
	t.Region.Name = r.Name
	return t, nil
}

// Reference makes *dst point at src, releasing the tree *dst pointed at
// before.
func Reference(dst **Tree, src *Tree) {
	if *dst == src {
		return
	}
	Release(dst)
	if src != nil {
		if src.refs <= 0 {
			panic("miptree: reference of released tree")
		}
		src.refs++
	}
	*dst = src
}

// Release drops the reference held through *dst and clears it. The last
// reference releases the region.
func Release(dst **Tree) {
	t := *dst
	if t == nil {
		return
	}
	*dst = nil
	t.refs--
	switch {
	case t.refs > 0:
		return
	case t.refs < 0:
		panic("miptree: released too many times")
	}
	region.Release(&t.Region)
	for i := range t.levels {
		t.levels[i].slices = nil
	}
}

// SetLevelInfo records the size and position of level. It is part of
// layout construction and panics once the tree has storage.
func (t *Tree) SetLevelInfo(level int, x, y, w, h, d uint32) {
	if t.Region != nil {
		panic("miptree: layout changed after allocation")
	}
	t.checkLevel(level)
	l := &t.levels[level]
	if l.slices != nil {
		panic(fmt.Sprintf("miptree: level %d laid out twice", level))
	}
	*l = Level{Width: w, Height: h, Depth: d, X: x, Y: y}
	l.slices = make([]slice, d)
	l.slices[0] = slice{x: x, y: y}
}

// SetImageOffset places slice img of level at (x, y) relative to the level.
func (t *Tree) SetImageOffset(level, img int, x, y uint32) {
	if t.Region != nil {
		panic("miptree: layout changed after allocation")
	}
	s := t.slice(level, img)
	l := &t.levels[level]
	s.x, s.y = l.X+x, l.Y+y
}

// ImageOffset returns the position of an image within the region.
func (t *Tree) ImageOffset(level, slice int) (x, y uint32) {
	s := t.slice(level, slice)
	return s.x, s.y
}

// TileOffsets returns the byte offset of the tile holding the origin of an
// image, relative to the tree, and the image origin within that tile.
func (t *Tree) TileOffsets(level, slice int) (offset, tileX, tileY uint32) {
	x, y := t.ImageOffset(level, slice)
	maskX, maskY := t.Region.TileMasks()
	return t.Region.AlignedOffset(x&^maskX, y&^maskY), x & maskX, y & maskY
}

// Image describes one image a caller wants stored in a tree.
type Image struct {
	Format format.Format
	Level  int
	// Width, Height and Depth are the image dimensions as specified: a
	// 1D array carries its layers in Height.
	Width, Height, Depth uint32
}

// MatchImage reports whether img fits level img.Level of t as it stands, so
// that the image can be stored without re-allocating the tree.
func (t *Tree) MatchImage(img Image) bool {
	if img.Format != t.Format {
		return false
	}
	if img.Level < t.FirstLevel || img.Level > t.LastLevel {
		return false
	}
	w, h, d := img.Width, img.Height, img.Depth
	switch t.Target {
	case Target1DArray:
		h, d = 1, img.Height
	case TargetCube:
		d = 6
	}
	l := t.levels[img.Level]
	return w == l.Width && h == l.Height && d == l.Depth
}

// rows converts pixel rows to region rows.
func (t *Tree) rows(h uint32) uint32 {
	if t.Compressed {
		return (h + t.AlignH - 1) / t.AlignH
	}
	return h
}

// rowBytes returns the bytes a w-pixel wide span of an image covers.
func (t *Tree) rowBytes(w uint32) uint32 {
	if t.Compressed {
		w = (w + t.AlignW - 1) / t.AlignW * t.AlignW
	}
	return w * t.CPP
}

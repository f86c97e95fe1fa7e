// Package tiling implements the X and Y tile address swizzles.
package tiling

import (
	"github.com/gogpu/i915/bufmgr"
	"github.com/gogpu/i915/hw"
)

// Offset returns the byte offset of (xBytes, y) in a surface with the given
// tiling and pitch. Pitch must be a multiple of the tile width for tiled
// surfaces.
func Offset(t bufmgr.Tiling, pitch, xBytes, y uint32) uint32 {
	switch t {
	case bufmgr.TilingX:
		tilesPerRow := pitch / hw.XTileWidth
		tile := (y/hw.XTileHeight)*tilesPerRow + xBytes/hw.XTileWidth
		return tile*hw.TileSize + (y%hw.XTileHeight)*hw.XTileWidth + xBytes%hw.XTileWidth
	case bufmgr.TilingY:
		tilesPerRow := pitch / hw.YTileWidth
		tile := (y/hw.YTileHeight)*tilesPerRow + xBytes/hw.YTileWidth
		// Y tiles are columns of 16-byte OWords, 32 rows tall.
		col := (xBytes % hw.YTileWidth) / 16
		return tile*hw.TileSize + col*16*hw.YTileHeight + (y%hw.YTileHeight)*16 + xBytes%16
	default:
		return y*pitch + xBytes
	}
}

// RowHeight returns the tile height for t, or 1 for linear surfaces.
func RowHeight(t bufmgr.Tiling) uint32 {
	switch t {
	case bufmgr.TilingX:
		return hw.XTileHeight
	case bufmgr.TilingY:
		return hw.YTileHeight
	default:
		return 1
	}
}

// Width returns the tile width in bytes for t, or 1 for linear surfaces.
func Width(t bufmgr.Tiling) uint32 {
	switch t {
	case bufmgr.TilingX:
		return hw.XTileWidth
	case bufmgr.TilingY:
		return hw.YTileWidth
	default:
		return 1
	}
}

// Detile copies the tiled bytes of src into dst in linear row order. Rows
// that do not fit in src are left untouched.
func Detile(dst, src []byte, t bufmgr.Tiling, pitch uint32) {
	if t == bufmgr.TilingNone {
		copy(dst, src)
		return
	}
	swizzle(dst, src, t, pitch, false)
}

// Retile is the inverse of Detile.
func Retile(dst, src []byte, t bufmgr.Tiling, pitch uint32) {
	if t == bufmgr.TilingNone {
		copy(dst, src)
		return
	}
	swizzle(dst, src, t, pitch, true)
}

func swizzle(dst, src []byte, t bufmgr.Tiling, pitch uint32, toTiled bool) {
	if pitch == 0 {
		return
	}
	n := min(len(dst), len(src))
	rows := uint32(n) / pitch
	// Tiled bytes move in runs that never cross a 16-byte OWord.
	const run = 16
	for y := uint32(0); y < rows; y++ {
		for x := uint32(0); x < pitch; x += run {
			lin := y*pitch + x
			til := Offset(t, pitch, x, y)
			if int(til)+run > n {
				continue
			}
			if toTiled {
				copy(dst[til:til+run], src[lin:lin+run])
			} else {
				copy(dst[lin:lin+run], src[til:til+run])
			}
		}
	}
}

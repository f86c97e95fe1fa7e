package region

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gogpu/i915/backend/sim"
	"github.com/gogpu/i915/bufmgr"
	"github.com/gogpu/i915/hw"
)

func newManager(t *testing.T, cfg sim.Config) *bufmgr.Manager {
	t.Helper()
	mgr := bufmgr.NewManager(sim.New(cfg), nil)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func mustAlloc(t *testing.T, mgr *bufmgr.Manager, tiling bufmgr.Tiling, cpp, w, h uint32) *Region {
	t.Helper()
	r, err := Alloc(mgr, hw.ChipsetI915, tiling, cpp, w, h, false)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	return r
}

func TestTileMasks(t *testing.T) {
	tests := []struct {
		tiling       bufmgr.Tiling
		cpp          uint32
		maskX, maskY uint32
	}{
		{bufmgr.TilingNone, 4, 0, 0},
		{bufmgr.TilingX, 4, 127, 7},
		{bufmgr.TilingX, 2, 255, 7},
		{bufmgr.TilingX, 1, 511, 7},
		{bufmgr.TilingY, 4, 31, 31},
		{bufmgr.TilingY, 1, 127, 31},
	}
	for _, tt := range tests {
		x, y := TileMasks(tt.tiling, tt.cpp)
		if x != tt.maskX || y != tt.maskY {
			t.Errorf("TileMasks(%v, %d) = (%d, %d), want (%d, %d)",
				tt.tiling, tt.cpp, x, y, tt.maskX, tt.maskY)
		}
	}
}

func TestAlignedOffsetX(t *testing.T) {
	mgr := newManager(t, sim.Config{})
	r := mustAlloc(t, mgr, bufmgr.TilingX, 4, 1024, 64)
	defer Release(&r)

	if r.Tiling != bufmgr.TilingX || r.Pitch != 4096 {
		t.Fatalf("got tiling %v pitch %d, want X 4096", r.Tiling, r.Pitch)
	}
	if got := r.AlignedOffset(0, 0); got != 0 {
		t.Errorf("AlignedOffset(0, 0) = %d, want 0", got)
	}
	if got := r.AlignedOffset(128, 0); got != 4096 {
		t.Errorf("AlignedOffset(128, 0) = %d, want 4096", got)
	}
	if got, want := r.AlignedOffset(128, 8), uint32(8*4096+4096); got != want {
		t.Errorf("AlignedOffset(128, 8) = %d, want %d", got, want)
	}
}

func TestAlignedOffsetRoundTrip(t *testing.T) {
	mgr := newManager(t, sim.Config{})
	for _, tiling := range []bufmgr.Tiling{bufmgr.TilingNone, bufmgr.TilingX, bufmgr.TilingY} {
		t.Run(tiling.String(), func(t *testing.T) {
			r := mustAlloc(t, mgr, tiling, 4, 512, 128)
			defer Release(&r)

			maskX, maskY := r.TileMasks()
			stepX, stepY := maskX+1, maskY+1
			for y := uint32(0); y < r.Height; y += stepY {
				for x := uint32(0); x < r.Width; x += stepX {
					off := r.AlignedOffset(x, y)
					gx, gy := r.AlignedCoords(off)
					if gx != x || gy != y {
						t.Fatalf("AlignedCoords(AlignedOffset(%d, %d)) = (%d, %d)", x, y, gx, gy)
					}
				}
			}
		})
	}
}

func TestAlignedOffsetUnalignedPanics(t *testing.T) {
	mgr := newManager(t, sim.Config{})
	r := mustAlloc(t, mgr, bufmgr.TilingX, 4, 256, 16)
	defer Release(&r)

	defer func() {
		if recover() == nil {
			t.Error("AlignedOffset(3, 0) did not panic")
		}
	}()
	r.AlignedOffset(3, 0)
}

func TestAllocTilingChoice(t *testing.T) {
	mgr := newManager(t, sim.Config{})
	tests := []struct {
		name        string
		tiling      bufmgr.Tiling
		cpp, w      uint32
		accelerated bool
		want        bufmgr.Tiling
		wantPitch   uint32
	}{
		{"narrow rows are linear", bufmgr.TilingX, 4, 8, false, bufmgr.TilingNone, 64},
		{"Y kept without blits", bufmgr.TilingY, 4, 100, false, bufmgr.TilingY, 512},
		{"Y downgraded for blits", bufmgr.TilingY, 4, 100, true, bufmgr.TilingX, 512},
		{"X pitch is a power of two", bufmgr.TilingX, 4, 300, false, bufmgr.TilingX, 2048},
		{"too wide to fence", bufmgr.TilingX, 4, 4096, false, bufmgr.TilingNone, 16384},
		{"linear pitch aligned to 64", bufmgr.TilingNone, 3, 30, false, bufmgr.TilingNone, 128},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Alloc(mgr, hw.ChipsetI915, tt.tiling, tt.cpp, tt.w, 16, tt.accelerated)
			if err != nil {
				t.Fatalf("Alloc failed: %v", err)
			}
			defer Release(&r)
			if r.Tiling != tt.want || r.Pitch != tt.wantPitch {
				t.Errorf("got %v pitch %d, want %v pitch %d", r.Tiling, r.Pitch, tt.want, tt.wantPitch)
			}
			if r.Tiling != bufmgr.TilingNone && r.Pitch%tileWidth(r.Tiling) != 0 {
				t.Errorf("pitch %d is not a multiple of the tile width", r.Pitch)
			}
			if uint64(r.Pitch)*uint64(r.Height) > r.BO.Size() {
				t.Errorf("BO of %d bytes too small for %d rows of %d", r.BO.Size(), r.Height, r.Pitch)
			}
		})
	}
}

func TestReferenceRelease(t *testing.T) {
	mgr := newManager(t, sim.Config{})
	r := mustAlloc(t, mgr, bufmgr.TilingNone, 4, 64, 64)
	live := mgr.LiveBOs()

	const n = 5
	holders := make([]*Region, n)
	for i := range holders {
		Reference(&holders[i], r)
	}
	if got := r.Refs(); got != n+1 {
		t.Fatalf("Refs() = %d, want %d", got, n+1)
	}

	self := r
	Reference(&self, r)
	if got := r.Refs(); got != n+1 {
		t.Fatalf("self-reference changed Refs() to %d", got)
	}

	for i := range holders {
		Release(&holders[i])
		if holders[i] != nil {
			t.Fatal("Release did not clear the holder")
		}
	}
	if mgr.LiveBOs() != live {
		t.Fatal("BO freed while a reference remained")
	}
	Release(&r)
	if got := mgr.LiveBOs(); got != live-1 {
		t.Errorf("LiveBOs() = %d after last release, want %d", got, live-1)
	}
	Release(&r) // nil: no-op
}

func TestReferenceReplacesPrevious(t *testing.T) {
	mgr := newManager(t, sim.Config{})
	a := mustAlloc(t, mgr, bufmgr.TilingNone, 4, 64, 64)
	b := mustAlloc(t, mgr, bufmgr.TilingNone, 4, 64, 64)
	defer Release(&b)

	var held *Region
	Reference(&held, a)
	Release(&a)
	if held.Refs() != 1 {
		t.Fatalf("Refs() = %d, want 1", held.Refs())
	}
	before := mgr.LiveBOs()
	Reference(&held, b)
	if mgr.LiveBOs() != before-1 {
		t.Error("rebinding the holder did not free the previous region")
	}
	Release(&held)
}

func TestFromName(t *testing.T) {
	mgr := newManager(t, sim.Config{})
	r := mustAlloc(t, mgr, bufmgr.TilingX, 4, 128, 32)
	defer Release(&r)

	v, err := r.Map()
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	copy(v, []byte("shared front buffer"))
	if err := r.Unmap(); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}

	name, err := r.Flink()
	if err != nil {
		t.Fatalf("Flink failed: %v", err)
	}
	imported, err := FromName(mgr, "front", name, 4, 128, 32, r.Pitch)
	if err != nil {
		t.Fatalf("FromName failed: %v", err)
	}
	defer Release(&imported)
	if imported.Tiling != bufmgr.TilingX {
		t.Errorf("imported tiling = %v, want X", imported.Tiling)
	}
	v, err = imported.Map()
	if err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	defer imported.Unmap()
	if !bytes.HasPrefix(v, []byte("shared front buffer")) {
		t.Error("imported region does not see the exported contents")
	}
}

func TestAllocOutOfMemory(t *testing.T) {
	mgr := newManager(t, sim.Config{MemoryLimit: 1 << 20})
	_, err := Alloc(mgr, hw.ChipsetI915, bufmgr.TilingNone, 4, 1024, 1024, false)
	if !errors.Is(err, bufmgr.ErrOutOfMemory) {
		t.Fatalf("Alloc error = %v, want ErrOutOfMemory", err)
	}
}

package gpusim

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/gogpu/i915/bufmgr"
	"github.com/gogpu/i915/hw"
	"github.com/gogpu/i915/internal/tiling"
)

func alloc(t *testing.T, e *Engine, req bufmgr.AllocRequest) *Object {
	t.Helper()
	o, err := e.AllocObject(req)
	if err != nil {
		t.Fatalf("AllocObject(%q): %v", req.Name, err)
	}
	return o
}

func writeWords(o *Object, words ...uint32) int {
	for i, w := range words {
		binary.LittleEndian.PutUint32(o.Data()[i*4:], w)
	}
	return len(words) * 4
}

// fillBatch writes a batch that fills the first 4x2 pixels of a 64-byte
// pitch target at addr with color.
func fillBatch(batch *Object, addr uint64, color uint32) int {
	return writeWords(batch,
		hw.XYColorBlt|hw.XYBltWriteRGB|hw.XYBltWriteAlpha,
		hw.BR13Depth8888|hw.ROPPatCopy<<16|64,
		hw.PackXY(0, 0), hw.PackXY(4, 2), uint32(addr), color,
		hw.MIBatchBufferEnd)
}

func submitFill(t *testing.T, e *Engine, batch, target *Object, color uint32) (uint64, error) {
	t.Helper()
	addr, err := target.Bind()
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	used := fillBatch(batch, addr, color)
	return e.Exec(&bufmgr.Execbuf{
		Batch:   batch,
		Used:    used,
		Objects: []bufmgr.ExecObject{{Allocation: target, Offset: addr, Write: true}},
	})
}

func TestAllocObject(t *testing.T) {
	e := New(Config{MemoryLimit: 64 << 10})
	o := alloc(t, e, bufmgr.AllocRequest{Name: "a", Size: 100})
	if o.Size() != hw.TileSize {
		t.Errorf("size = %d, want %d", o.Size(), hw.TileSize)
	}
	if o.Label() != "a" || e.Live() != 1 || e.Allocated() != hw.TileSize {
		t.Errorf("label %q, live %d, allocated %d", o.Label(), e.Live(), e.Allocated())
	}
	if o.Offset()%hw.TileSize != 0 || o.Offset() < 64<<10 {
		t.Errorf("offset %#x not page aligned above the first offset", o.Offset())
	}

	if _, err := e.AllocObject(bufmgr.AllocRequest{Name: "big", Size: 64 << 10}); !errors.Is(err, bufmgr.ErrOutOfMemory) {
		t.Errorf("over the limit = %v, want ErrOutOfMemory", err)
	}
	if _, err := e.AllocObject(bufmgr.AllocRequest{Name: "x", Size: 8192, Tiling: bufmgr.TilingX, Pitch: 256}); err == nil {
		t.Error("X tiling accepted a pitch that is not a tile width multiple")
	}
	if _, err := e.AllocObject(bufmgr.AllocRequest{Name: "y", Size: 8192, Tiling: bufmgr.TilingY, Pitch: 256}); err != nil {
		t.Errorf("Y tiling with pitch 256: %v", err)
	}

	o.Free()
	if e.Live() != 1 || e.Allocated() != 8192 {
		t.Errorf("after Free: live %d, allocated %d", e.Live(), e.Allocated())
	}
	defer func() {
		if recover() == nil {
			t.Error("double free did not panic")
		}
	}()
	o.Free()
}

func TestExecRunsBatch(t *testing.T) {
	e := New(Config{})
	batch := alloc(t, e, bufmgr.AllocRequest{Name: "batch", Size: 4096})
	target := alloc(t, e, bufmgr.AllocRequest{Name: "target", Size: 4096})

	seqno, err := submitFill(t, e, batch, target, 0x11223344)
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if seqno != 1 || e.Completed() != 1 || e.Submitted() != 1 {
		t.Errorf("seqno %d, completed %d, submitted %d", seqno, e.Completed(), e.Submitted())
	}
	if got := binary.LittleEndian.Uint32(target.Data()[64+12:]); got != 0x11223344 {
		t.Errorf("pixel (3, 1) = %#x", got)
	}
	if got := binary.LittleEndian.Uint32(target.Data()[16:]); got != 0 {
		t.Errorf("pixel (4, 0) = %#x, outside the fill", got)
	}
	if s := e.Stats(); s.Fills != 1 {
		t.Errorf("stats = %+v", s)
	}
	if last := e.LastBatch(); len(last) != 7 || last[6] != hw.MIBatchBufferEnd {
		t.Errorf("LastBatch = %#x", last)
	}
}

func TestDeferredExecution(t *testing.T) {
	e := New(Config{Deferred: true})
	batch := alloc(t, e, bufmgr.AllocRequest{Name: "batch", Size: 4096})
	target := alloc(t, e, bufmgr.AllocRequest{Name: "target", Size: 4096})

	first, err := submitFill(t, e, batch, target, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := submitFill(t, e, batch, target, 2); err != nil {
		t.Fatal(err)
	}
	if e.Pending() != 2 || e.Completed() != 0 {
		t.Fatalf("pending %d, completed %d before any wait", e.Pending(), e.Completed())
	}
	if err := e.Wait(first); err != nil {
		t.Fatal(err)
	}
	if e.Pending() != 1 || e.Completed() != first {
		t.Errorf("pending %d, completed %d after waiting for %d", e.Pending(), e.Completed(), first)
	}
	if err := e.Retire(); err != nil {
		t.Fatal(err)
	}
	if e.Pending() != 0 || e.Stats().Fills != 2 {
		t.Errorf("pending %d, %d fills after Retire", e.Pending(), e.Stats().Fills)
	}
	if err := e.Wait(10); err == nil {
		t.Error("Wait for an unsubmitted batch succeeded")
	}
}

func TestExecRejects(t *testing.T) {
	e := New(Config{})
	other := New(Config{})
	batch := alloc(t, e, bufmgr.AllocRequest{Name: "batch", Size: 4096})
	target := alloc(t, e, bufmgr.AllocRequest{Name: "target", Size: 4096})
	foreign := alloc(t, other, bufmgr.AllocRequest{Name: "foreign", Size: 4096})
	used := fillBatch(batch, target.Offset(), 0)

	tests := []struct {
		name string
		eb   *bufmgr.Execbuf
	}{
		{"empty batch", &bufmgr.Execbuf{Batch: batch}},
		{"unaligned length", &bufmgr.Execbuf{Batch: batch, Used: 6}},
		{"oversized length", &bufmgr.Execbuf{Batch: batch, Used: 8192}},
		{"foreign batch", &bufmgr.Execbuf{Batch: foreign, Used: used}},
		{"foreign object", &bufmgr.Execbuf{Batch: batch, Used: used,
			Objects: []bufmgr.ExecObject{{Allocation: foreign}}}},
		{"stale offset", &bufmgr.Execbuf{Batch: batch, Used: used,
			Objects: []bufmgr.ExecObject{{Allocation: target, Offset: target.Offset() + 4096}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Exec(tt.eb); !errors.Is(err, bufmgr.ErrSubmissionFailed) {
				t.Errorf("Exec = %v, want ErrSubmissionFailed", err)
			}
		})
	}
	if e.Submitted() != 0 {
		t.Errorf("%d submissions accepted", e.Submitted())
	}
}

func TestHangLosesDevice(t *testing.T) {
	e := New(Config{})
	batch := alloc(t, e, bufmgr.AllocRequest{Name: "batch", Size: 4096})
	used := writeWords(batch, hw.MINoop, 0x3f<<23)
	seqno, err := e.Exec(&bufmgr.Execbuf{Batch: batch, Used: used})
	if err != nil {
		t.Fatalf("Exec: %v", err)
	}
	if err := e.Wait(seqno); !errors.Is(err, bufmgr.ErrDeviceLost) {
		t.Errorf("Wait = %v, want ErrDeviceLost", err)
	}
	if _, err := e.AllocObject(bufmgr.AllocRequest{Name: "after", Size: 4096}); !errors.Is(err, bufmgr.ErrDeviceLost) {
		t.Errorf("AllocObject on a lost device = %v", err)
	}
}

func TestFailNextSubmit(t *testing.T) {
	e := New(Config{})
	batch := alloc(t, e, bufmgr.AllocRequest{Name: "batch", Size: 4096})
	target := alloc(t, e, bufmgr.AllocRequest{Name: "target", Size: 4096})

	transient := errors.New("busy ring")
	e.FailNextSubmit(transient)
	if _, err := submitFill(t, e, batch, target, 1); !errors.Is(err, transient) {
		t.Fatalf("Exec = %v, want the injected error", err)
	}
	if _, err := submitFill(t, e, batch, target, 1); err != nil {
		t.Fatalf("Exec after a transient failure: %v", err)
	}

	e.FailNextSubmit(bufmgr.ErrDeviceLost)
	if _, err := submitFill(t, e, batch, target, 1); !errors.Is(err, bufmgr.ErrDeviceLost) {
		t.Fatalf("Exec = %v, want ErrDeviceLost", err)
	}
	if _, err := target.Bind(); !errors.Is(err, bufmgr.ErrDeviceLost) {
		t.Errorf("Bind on a lost device = %v", err)
	}
}

func TestShuffleAddresses(t *testing.T) {
	e := New(Config{ShuffleAddresses: true})
	batch := alloc(t, e, bufmgr.AllocRequest{Name: "batch", Size: 4096})
	target := alloc(t, e, bufmgr.AllocRequest{Name: "target", Size: 4096})

	first, _ := target.Bind()
	if again, _ := target.Bind(); again != first {
		t.Errorf("address changed within one submission: %#x then %#x", first, again)
	}
	if _, err := submitFill(t, e, batch, target, 7); err != nil {
		t.Fatal(err)
	}
	if target.Offset() != first {
		t.Errorf("presumed offset %#x, want %#x", target.Offset(), first)
	}
	second, _ := target.Bind()
	if second == first {
		t.Errorf("address %#x kept across submissions", second)
	}
	if target.Offset() != first {
		t.Error("Bind changed the presumed offset before submission")
	}
}

func TestFlinkSharesStorage(t *testing.T) {
	e := New(Config{})
	o := alloc(t, e, bufmgr.AllocRequest{Name: "shared", Size: 4096})
	name, err := o.Flink()
	if err != nil {
		t.Fatal(err)
	}
	if again, _ := o.Flink(); again != name {
		t.Errorf("second Flink = %d, want %d", again, name)
	}
	a, err := e.Open(name)
	if err != nil {
		t.Fatal(err)
	}
	opened := a.(*Object)
	o.Data()[10] = 0x5a
	if opened.Data()[10] != 0x5a {
		t.Error("opened object does not share storage")
	}
	if e.Live() != 1 {
		t.Errorf("%d storages live, want 1", e.Live())
	}
	o.Free()
	if e.Live() != 1 {
		t.Error("storage freed while an opened handle holds it")
	}
	opened.Free()
	if e.Live() != 0 {
		t.Errorf("%d storages after both handles freed", e.Live())
	}
	if _, err := e.Open(name); !errors.Is(err, bufmgr.ErrUnknownName) {
		t.Errorf("Open after free = %v, want ErrUnknownName", err)
	}
}

func TestGTTMapDetiles(t *testing.T) {
	e := New(Config{})
	const pitch = 1024
	o := alloc(t, e, bufmgr.AllocRequest{Name: "tiled", Size: 4 * hw.TileSize, Tiling: bufmgr.TilingX, Pitch: pitch})
	view, err := o.Map(true)
	if err != nil {
		t.Fatal(err)
	}
	view[9*pitch+600] = 0xab
	if err := o.Unmap(); err != nil {
		t.Fatal(err)
	}
	if got := o.Data()[tiling.Offset(bufmgr.TilingX, pitch, 600, 9)]; got != 0xab {
		t.Errorf("tiled byte = %#x, want 0xab", got)
	}

	raw, err := o.Map(false)
	if err != nil {
		t.Fatal(err)
	}
	if &raw[0] != &o.Data()[0] {
		t.Error("CPU map of a tiled object is not the raw storage")
	}
	_ = o.Unmap()

	o.Free()
	if _, err := o.Map(false); !errors.Is(err, bufmgr.ErrReleased) {
		t.Errorf("Map after Free = %v, want ErrReleased", err)
	}
}

package batch

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/gogpu/i915/backend/sim"
	"github.com/gogpu/i915/bufmgr"
	"github.com/gogpu/i915/hw"
)

func newBuffer(t *testing.T, simCfg sim.Config, cfg Config) (*Buffer, *sim.Device) {
	t.Helper()
	dev := sim.New(simCfg)
	mgr := bufmgr.NewManager(dev, nil)
	b, err := New(mgr, cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(b.Close)
	return b, dev
}

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	fn()
}

func TestNewDefaults(t *testing.T) {
	b, _ := newBuffer(t, sim.Config{}, Config{})
	if got, want := b.Capacity(), DefaultSize/4; got != want {
		t.Errorf("Capacity() = %d, want %d", got, want)
	}
	if got, want := b.Reserved(), ReservedSpace/4; got != want {
		t.Errorf("Reserved() = %d, want %d", got, want)
	}
	if b.Used() != 0 || b.Space() != b.Capacity()-b.Reserved() {
		t.Errorf("fresh buffer: used %d, space %d", b.Used(), b.Space())
	}
}

func TestNewInvalidSize(t *testing.T) {
	mgr := bufmgr.NewManager(sim.New(sim.Config{}), nil)
	for _, size := range []int{12, 100, 24} {
		if _, err := New(mgr, Config{Size: size}); err == nil {
			t.Errorf("New(size %d) succeeded", size)
		}
	}
}

func TestSpaceAccounting(t *testing.T) {
	b, dev := newBuffer(t, sim.Config{}, Config{Size: 1024})
	limit := b.Capacity() - b.Reserved()
	gen := b.Generation()
	for i := 0; i < 100; i++ {
		if b.Used() > limit {
			t.Fatalf("iteration %d: used %d exceeds %d", i, b.Used(), limit)
		}
		if err := b.RequireSpace(7); err != nil {
			t.Fatalf("RequireSpace: %v", err)
		}
		if b.Used()+7 > limit {
			t.Fatalf("iteration %d: RequireSpace left only %d dwords", i, b.Space())
		}
		for j := 0; j < 7; j++ {
			b.EmitDword(hw.MINoop)
		}
	}
	if b.Generation() == gen {
		t.Fatal("700 dwords fit in a 256-dword batch without a flush")
	}
	if dev.Submitted() != b.Generation()-gen {
		t.Errorf("submitted %d batches, generation advanced %d", dev.Submitted(), b.Generation()-gen)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if b.Used() != 0 || len(b.Relocs()) != 0 {
		t.Errorf("after flush: used %d, relocs %d", b.Used(), len(b.Relocs()))
	}
}

func TestRequireSpaceTooLarge(t *testing.T) {
	b, _ := newBuffer(t, sim.Config{}, Config{Size: 256})
	if err := b.RequireSpace(b.Capacity()); err == nil {
		t.Error("RequireSpace(capacity) succeeded")
	}
}

func TestEmitPastReservedPanics(t *testing.T) {
	b, _ := newBuffer(t, sim.Config{}, Config{Size: 64})
	for b.Space() > 0 {
		b.EmitDword(hw.MINoop)
	}
	mustPanic(t, "EmitDword", func() { b.EmitDword(hw.MINoop) })
}

func TestFlushEmpty(t *testing.T) {
	b, dev := newBuffer(t, sim.Config{}, Config{})
	gen := b.Generation()
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if b.Generation() != gen || dev.Submitted() != 0 {
		t.Errorf("empty flush submitted: generation %d -> %d, submitted %d", gen, b.Generation(), dev.Submitted())
	}
}

func TestFlushTerminatesAndPads(t *testing.T) {
	tests := []struct {
		name  string
		words int
		want  []uint32
	}{
		{"odd", 1, []uint32{hw.MINoop, hw.MIBatchBufferEnd}},
		{"even", 2, []uint32{hw.MINoop, hw.MINoop, hw.MIBatchBufferEnd, hw.MINoop}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, dev := newBuffer(t, sim.Config{}, Config{})
			for i := 0; i < tt.words; i++ {
				b.EmitDword(hw.MINoop)
			}
			if err := b.Flush(); err != nil {
				t.Fatalf("Flush: %v", err)
			}
			got := dev.LastBatch()
			if fmt.Sprint(got) != fmt.Sprint(tt.want) {
				t.Errorf("batch = %#x, want %#x", got, tt.want)
			}
		})
	}
}

// emitRelocPacket wraps a relocation in a 3D packet the simulator skips.
func emitRelocPacket(t *testing.T, b *Buffer, target *bufmgr.BO, write bufmgr.Domain, delta uint32) uint32 {
	t.Helper()
	p, err := b.Begin(3)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	p.Emit(hw.State3D1D(0x85, 3))
	off := uint32(b.Used() * 4)
	p.Reloc(target, bufmgr.DomainSampler, write, delta)
	p.Emit(0)
	p.End()
	return off
}

func TestRelocationResolution(t *testing.T) {
	b, dev := newBuffer(t, sim.Config{ShuffleAddresses: true}, Config{})
	mgr := b.Manager()
	targets := make([]*bufmgr.BO, 3)
	for i := range targets {
		bo, err := mgr.Alloc(fmt.Sprintf("target%d", i), 8192, 4096)
		if err != nil {
			t.Fatalf("Alloc: %v", err)
		}
		t.Cleanup(bo.Unreference)
		targets[i] = bo
	}

	// Several rounds so later batches carry stale presumed offsets.
	for round := 0; round < 4; round++ {
		type want struct {
			off   uint32
			bo    *bufmgr.BO
			delta uint32
		}
		var wants []want
		for i, bo := range targets {
			delta := uint32(i*0x40 + round*4)
			off := emitRelocPacket(t, b, bo, 0, delta)
			wants = append(wants, want{off, bo, delta})
		}
		if got := len(b.Relocs()); got != len(targets) {
			t.Fatalf("round %d: %d relocs, want %d", round, got, len(targets))
		}
		if err := b.Flush(); err != nil {
			t.Fatalf("round %d: Flush: %v", round, err)
		}
		words := dev.LastBatch()
		for _, w := range wants {
			got := words[w.off/4]
			exp := uint32(w.bo.Offset()) + w.delta
			if got != exp {
				t.Errorf("round %d: %s reloc at %d = %#x, want %#x", round, w.bo.Name(), w.off, got, exp)
			}
		}
		if len(b.Relocs()) != 0 {
			t.Errorf("round %d: relocs not cleared", round)
		}
	}
}

func TestRelocationHoldsReference(t *testing.T) {
	b, _ := newBuffer(t, sim.Config{}, Config{})
	bo, err := b.Manager().Alloc("target", 4096, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer bo.Unreference()
	emitRelocPacket(t, b, bo, 0, 0)
	emitRelocPacket(t, b, bo, 0, 4)
	if got := bo.Refs(); got != 3 {
		t.Errorf("refs with two pending relocs = %d, want 3", got)
	}
	if !b.References(bo) {
		t.Error("References = false for a relocation target")
	}
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	if got := bo.Refs(); got != 1 {
		t.Errorf("refs after flush = %d, want 1", got)
	}
	if b.References(bo) {
		t.Error("References = true after flush")
	}
}

func TestPacketMismatchPanics(t *testing.T) {
	b, _ := newBuffer(t, sim.Config{}, Config{})

	p, err := b.Begin(3)
	if err != nil {
		t.Fatal(err)
	}
	p.Emit(1)
	p.Emit(2)
	mustPanic(t, "short End", p.End)
	mustPanic(t, "RequireSpace in packet", func() { _ = b.RequireSpace(1) })
	mustPanic(t, "Flush in packet", func() { _ = b.Flush() })
	p.Emit(3)
	p.End()
	mustPanic(t, "second End", p.End)

	p, err = b.Begin(1)
	if err != nil {
		t.Fatal(err)
	}
	p.Emit(hw.MINoop)
	mustPanic(t, "overflow", func() { p.Emit(hw.MINoop) })
}

func TestBeginFlushesWhenFull(t *testing.T) {
	b, dev := newBuffer(t, sim.Config{}, Config{Size: 128})
	for b.Space() > 2 {
		b.EmitDword(hw.MINoop)
	}
	p, err := b.Begin(3)
	if err != nil {
		t.Fatal(err)
	}
	if dev.Submitted() != 1 {
		t.Errorf("Begin did not flush the full batch")
	}
	p.Emit(hw.MINoop)
	p.Emit(hw.MINoop)
	p.Emit(hw.MINoop)
	p.End()
	if b.Used() != 3 {
		t.Errorf("Used() = %d, want 3", b.Used())
	}
}

func TestOnNewBatch(t *testing.T) {
	b, _ := newBuffer(t, sim.Config{}, Config{})
	calls := 0
	b.OnNewBatch(func() {
		calls++
		if b.Used() != 0 {
			t.Errorf("hook ran with %d dwords in the batch", b.Used())
		}
	})
	for i := 0; i < 3; i++ {
		b.EmitDword(hw.MINoop)
		if err := b.Flush(); err != nil {
			t.Fatal(err)
		}
	}
	if calls != 3 {
		t.Errorf("hook ran %d times, want 3", calls)
	}
}

func TestSubmissionFailure(t *testing.T) {
	b, dev := newBuffer(t, sim.Config{}, Config{})
	dev.FailNextSubmit(errors.New("queue full"))
	b.EmitDword(hw.MINoop)
	err := b.Flush()
	if !errors.Is(err, bufmgr.ErrSubmissionFailed) {
		t.Fatalf("Flush error = %v, want ErrSubmissionFailed", err)
	}
	if b.Used() != 0 {
		t.Errorf("failed flush left %d dwords", b.Used())
	}
	if b.Err() != nil {
		t.Errorf("transient failure became sticky: %v", b.Err())
	}
	b.EmitDword(hw.MINoop)
	if err := b.Flush(); err != nil {
		t.Errorf("Flush after transient failure: %v", err)
	}
}

func TestDeviceLostIsSticky(t *testing.T) {
	b, dev := newBuffer(t, sim.Config{}, Config{})
	dev.FailNextSubmit(fmt.Errorf("%w: reset", bufmgr.ErrDeviceLost))
	b.EmitDword(hw.MINoop)
	if err := b.Flush(); !errors.Is(err, bufmgr.ErrDeviceLost) {
		t.Fatalf("Flush error = %v, want ErrDeviceLost", err)
	}
	if !errors.Is(b.Err(), bufmgr.ErrDeviceLost) {
		t.Errorf("Err() = %v", b.Err())
	}
	b.EmitDword(hw.MINoop)
	if err := b.Flush(); !errors.Is(err, bufmgr.ErrDeviceLost) {
		t.Errorf("second Flush error = %v, want ErrDeviceLost", err)
	}
	if err := b.Finish(); !errors.Is(err, bufmgr.ErrDeviceLost) {
		t.Errorf("Finish error = %v, want ErrDeviceLost", err)
	}
}

func TestFlushAfterLossDiscardsCommands(t *testing.T) {
	b, dev := newBuffer(t, sim.Config{}, Config{})
	target, err := b.Manager().Alloc("target", 4096, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer target.Unreference()

	dev.FailNextSubmit(fmt.Errorf("%w: reset", bufmgr.ErrDeviceLost))
	b.EmitDword(hw.MINoop)
	if err := b.Flush(); !errors.Is(err, bufmgr.ErrDeviceLost) {
		t.Fatalf("Flush error = %v, want ErrDeviceLost", err)
	}

	for round := 0; round < 2; round++ {
		gen := b.Generation()
		b.EmitDword(hw.MINoop)
		b.EmitReloc(target, bufmgr.DomainRender, bufmgr.DomainRender, 0)
		if err := b.Flush(); !errors.Is(err, bufmgr.ErrDeviceLost) {
			t.Fatalf("round %d: Flush error = %v, want ErrDeviceLost", round, err)
		}
		if b.Used() != 0 || len(b.Relocs()) != 0 {
			t.Errorf("round %d: %d dwords and %d relocations kept after a lost flush", round, b.Used(), len(b.Relocs()))
		}
		if b.Generation() == gen {
			t.Errorf("round %d: lost flush did not start a new batch", round)
		}
		if got := target.Refs(); got != 1 {
			t.Errorf("round %d: target holds %d references, want 1", round, got)
		}
	}
}

func TestGPUHangLosesDevice(t *testing.T) {
	b, _ := newBuffer(t, sim.Config{Deferred: true}, Config{})
	b.EmitDword(0x3f << 23) // unknown MI opcode
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := b.LastBO().Wait(); !errors.Is(err, bufmgr.ErrDeviceLost) {
		t.Errorf("Wait after hang = %v, want ErrDeviceLost", err)
	}
}

func TestFinishWaits(t *testing.T) {
	b, dev := newBuffer(t, sim.Config{Deferred: true}, Config{})
	b.EmitDword(hw.MINoop)
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	if dev.Pending() != 1 || !b.LastBO().Busy() {
		t.Fatalf("deferred batch not pending")
	}
	b.EmitDword(hw.MINoop)
	if err := b.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if dev.Pending() != 0 || b.LastBO().Busy() {
		t.Errorf("Finish returned with %d pending batches", dev.Pending())
	}
}

func TestSyncFlush(t *testing.T) {
	b, dev := newBuffer(t, sim.Config{Deferred: true}, Config{Sync: true})
	b.EmitDword(hw.MINoop)
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	if dev.Pending() != 0 {
		t.Errorf("sync flush left %d batches pending", dev.Pending())
	}
}

func TestFirstPostSwap(t *testing.T) {
	b, _ := newBuffer(t, sim.Config{}, Config{})
	bo, err := b.Manager().Alloc("rt", 4096, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer bo.Unreference()

	emitRelocPacket(t, b, bo, 0, 0)
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	if got := b.TakeFirstPostSwap(); got != nil {
		got.Unreference()
		t.Fatal("read-only batch recorded as rendering")
	}

	emitRelocPacket(t, b, bo, bufmgr.DomainRender, 0)
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	first := b.TakeFirstPostSwap()
	if first == nil {
		t.Fatal("rendering batch not recorded")
	}
	first.Unreference()
	if b.TakeFirstPostSwap() != nil {
		t.Error("TakeFirstPostSwap did not clear")
	}
}

func TestCheckAperture(t *testing.T) {
	b, _ := newBuffer(t, sim.Config{ApertureSize: 1 << 20}, Config{})
	mgr := b.Manager()
	alloc := func(size uint64) *bufmgr.BO {
		bo, err := mgr.Alloc("big", size, 0)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(bo.Unreference)
		return bo
	}
	a, c := alloc(512<<10), alloc(512<<10)
	if !b.CheckAperture(a) {
		t.Error("one 512K buffer does not fit a 768K budget")
	}
	if !b.CheckAperture(a, a) {
		t.Error("duplicate buffer counted twice")
	}
	if b.CheckAperture(a, c) {
		t.Error("two 512K buffers fit a 768K budget")
	}
	emitRelocPacket(t, b, a, 0, 0)
	if !b.CheckAperture(a) {
		t.Error("referenced buffer counted twice")
	}
	if b.CheckAperture(c) {
		t.Error("referenced buffer not counted")
	}
}

func TestDump(t *testing.T) {
	var out bytes.Buffer
	b, _ := newBuffer(t, sim.Config{}, Config{Dump: &out})
	if err := b.EmitFlush(); err != nil {
		t.Fatal(err)
	}
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"MI_FLUSH", "MI_BATCH_BUFFER_END"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("dump missing %q:\n%s", want, out.String())
		}
	}
}

func TestUpload(t *testing.T) {
	b, _ := newBuffer(t, sim.Config{}, Config{})
	up := b.Upload()

	small := []byte{1, 2, 3, 4, 5}
	bo1, off1, err := up.Data(small, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer bo1.Unreference()
	second := []byte{9, 8, 7}
	bo2, off2, err := up.Data(second, 64)
	if err != nil {
		t.Fatal(err)
	}
	defer bo2.Unreference()
	if bo1 != bo2 {
		t.Error("small uploads did not share a buffer")
	}
	if off2%64 != 0 || off2 < off1+uint32(len(small)) {
		t.Errorf("second offset %d overlaps or is unaligned (first %d)", off2, off1)
	}
	large := bytes.Repeat([]byte{0xab}, 6000)
	bo3, off3, err := up.Data(large, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer bo3.Unreference()

	// Submission finishes the upload buffer.
	b.EmitDword(hw.MINoop)
	if err := b.Flush(); err != nil {
		t.Fatal(err)
	}
	check := func(bo *bufmgr.BO, off uint32, want []byte) {
		t.Helper()
		got := make([]byte, len(want))
		if err := bo.GetSubData(uint64(off), got); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("upload at %d = %v..., want %v...", off, got[:min(8, len(got))], want[:min(8, len(want))])
		}
	}
	check(bo1, off1, small)
	check(bo2, off2, second)
	check(bo3, off3, large)
}

func TestUploadWraps(t *testing.T) {
	b, _ := newBuffer(t, sim.Config{}, Config{})
	up := b.Upload()
	chunk := make([]byte, 40<<10)
	bo1, _, err := up.Data(chunk, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer bo1.Unreference()
	bo2, off2, err := up.Data(chunk, 4)
	if err != nil {
		t.Fatal(err)
	}
	defer bo2.Unreference()
	if bo1 == bo2 || off2 != 0 {
		t.Errorf("overflowing upload did not start a new buffer (offset %d)", off2)
	}
}

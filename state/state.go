// Package state tracks which hardware state groups must be written into the
// current batch.
//
// Each group is in one of two masks. Active holds the groups whose cached
// packets the next draw needs. Emitted holds the groups already written
// into the current batch. The dirty set is active &^ emitted. A new batch
// empties emitted, so every active group is written again.
//
// Emission goes through a Reservation: Reserve computes the space the
// dirty groups need and reserves it (a flush there makes more groups
// dirty, so the dirty set is re-read afterwards), then Reservation.Emit
// writes them. A Reservation outliving its batch panics.
package state

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"strings"

	"github.com/gogpu/i915/batch"
	"github.com/gogpu/i915/bufmgr"
)

// ErrApertureExhausted is returned when the buffers referenced by dirty
// state do not fit the aperture even in an empty batch.
var ErrApertureExhausted = errors.New("state: buffers do not fit the aperture")

// Group names one hardware state group.
type Group uint8

const (
	GroupInvariant Group = iota
	GroupRasterRules
	GroupCtx
	GroupBuffers
	GroupStipple
	GroupTex0
	GroupTex1
	GroupTex2
	GroupTex3
	GroupTexBlend0
	GroupTexBlend1
	GroupTexBlend2
	GroupTexBlend3

	numGroups
)

// TexUnits is the number of texture units.
const TexUnits = 4

// GroupTex returns the texture state group of unit.
func GroupTex(unit int) Group { return GroupTex0 + Group(unit) }

// GroupTexBlend returns the texture blend group of unit.
func GroupTexBlend(unit int) Group { return GroupTexBlend0 + Group(unit) }

var groupNames = [numGroups]string{
	"invariant", "raster_rules", "ctx", "buffers", "stipple",
	"tex0", "tex1", "tex2", "tex3",
	"texblend0", "texblend1", "texblend2", "texblend3",
}

// String returns the string representation of Group.
func (g Group) String() string {
	if g < numGroups {
		return groupNames[g]
	}
	return fmt.Sprintf("Group(%d)", uint8(g))
}

// Bit returns the mask holding only g.
func (g Group) Bit() Mask { return 1 << g }

// Mask is a set of groups.
type Mask uint32

// Has reports whether m contains g.
func (m Mask) Has(g Group) bool { return m&g.Bit() != 0 }

// Groups returns the groups in m in emission order.
func (m Mask) Groups() []Group {
	out := make([]Group, 0, bits.OnesCount32(uint32(m)))
	for g := Group(0); g < numGroups; g++ {
		if m.Has(g) {
			out = append(out, g)
		}
	}
	return out
}

func (m Mask) String() string {
	if m == 0 {
		return "none"
	}
	names := make([]string, 0, bits.OnesCount32(uint32(m)))
	for _, g := range m.Groups() {
		names = append(names, g.String())
	}
	return strings.Join(names, "|")
}

// Source supplies the cached packets of each group.
type Source interface {
	// Words returns the dwords group g emits.
	Words(g Group) int
	// Buffers returns the buffer objects the packets of g reference.
	Buffers(g Group) []*bufmgr.BO
	// Emit writes group g into p, which holds exactly Words(g) dwords.
	Emit(g Group, p *batch.Packet)
}

// Tracker holds the active and emitted masks of one context.
type Tracker struct {
	b      *batch.Buffer
	src    Source
	logger *slog.Logger

	active  Mask
	emitted Mask
}

// NewTracker creates a Tracker emitting src into b. The tracker resets its
// emitted mask whenever b starts a new batch.
func NewTracker(b *batch.Buffer, src Source) *Tracker {
	t := &Tracker{b: b, src: src, logger: b.Manager().Logger()}
	b.OnNewBatch(t.NewBatch)
	return t
}

// Active returns the active mask.
func (t *Tracker) Active() Mask { return t.active }

// Emitted returns the emitted mask.
func (t *Tracker) Emitted() Mask { return t.emitted }

// Dirty returns the groups that must be written before the next draw.
func (t *Tracker) Dirty() Mask { return t.active &^ t.emitted }

// MarkChanged records that the cached packets of groups changed. They
// become active and, if already written into this batch, are written
// again.
func (t *Tracker) MarkChanged(groups ...Group) {
	for _, g := range groups {
		t.active |= g.Bit()
		t.emitted &^= g.Bit()
	}
}

// Deactivate removes groups from the active set, as when a texture unit is
// disabled.
func (t *Tracker) Deactivate(groups ...Group) {
	for _, g := range groups {
		t.active &^= g.Bit()
	}
}

// RequiredSpace returns the dwords the dirty groups need.
func (t *Tracker) RequiredSpace() int {
	return t.words(t.Dirty())
}

func (t *Tracker) words(m Mask) int {
	n := 0
	for _, g := range m.Groups() {
		n += t.src.Words(g)
	}
	return n
}

func (t *Tracker) buffers(m Mask) []*bufmgr.BO {
	var bos []*bufmgr.BO
	for _, g := range m.Groups() {
		bos = append(bos, t.src.Buffers(g)...)
	}
	return bos
}

// NewBatch empties the emitted mask. The batch calls it after every flush.
func (t *Tracker) NewBatch() {
	t.emitted = 0
}

// AssertClean panics if any active group has not been emitted.
func (t *Tracker) AssertClean() {
	if d := t.Dirty(); d != 0 {
		panic(fmt.Sprintf("state: groups %v dirty after emission", d))
	}
}

// Reservation is space in the current batch for the dirty state plus
// extra dwords the caller writes after it.
type Reservation struct {
	t     *Tracker
	gen   uint64
	words int
	extra int
}

// Reserve makes room in the current batch for the dirty groups plus extra
// dwords, flushing as needed, and checks that every buffer the dirty
// groups reference fits the aperture.
func (t *Tracker) Reserve(extra int) (Reservation, error) {
	flushed := false
	for {
		gen := t.b.Generation()
		need := t.RequiredSpace()
		if err := t.b.RequireSpace(need + extra); err != nil {
			return Reservation{}, err
		}
		if t.b.Generation() != gen {
			// The flush emptied emitted; the dirty set grew.
			continue
		}
		if !t.b.CheckAperture(t.buffers(t.Dirty())...) {
			if flushed {
				return Reservation{}, ErrApertureExhausted
			}
			flushed = true
			if err := t.b.Flush(); err != nil {
				return Reservation{}, err
			}
			continue
		}
		return Reservation{t: t, gen: gen, words: need, extra: extra}, nil
	}
}

// Words returns the dwords reserved for state.
func (r Reservation) Words() int { return r.words }

// Emit writes every dirty group into the batch and marks it emitted.
func (r Reservation) Emit() error {
	t := r.t
	if t == nil {
		panic("state: emit through a zero Reservation")
	}
	if t.b.Generation() != r.gen {
		panic("state: reservation used after its batch was flushed")
	}
	dirty := t.Dirty()
	if n := t.words(dirty); n > r.words {
		panic(fmt.Sprintf("state: dirty state grew to %d dwords past a %d-dword reservation", n, r.words))
	}
	if dirty != 0 {
		t.logger.Debug("state: emit", "groups", dirty.String(), "words", r.words)
	}
	for _, g := range dirty.Groups() {
		if n := t.src.Words(g); n > 0 {
			p, err := t.b.Begin(n)
			if err != nil {
				return err
			}
			t.src.Emit(g, p)
			p.End()
		}
		t.emitted |= g.Bit()
	}
	if t.b.Generation() != r.gen {
		panic("state: batch flushed during state emission")
	}
	return nil
}

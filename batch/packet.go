package batch

import (
	"fmt"

	"github.com/gogpu/i915/bufmgr"
)

// Packet is a run of dwords reserved in one piece. A Packet must be ended
// with exactly the number of dwords it was begun with; no flush can happen
// while it is open.
type Packet struct {
	b     *Buffer
	want  int
	n     int
	ended bool
}

// Begin reserves n dwords and opens a packet over them.
func (b *Buffer) Begin(n int) (*Packet, error) {
	if err := b.RequireSpace(n); err != nil {
		return nil, err
	}
	p := &Packet{b: b, want: n}
	b.packet = p
	return p, nil
}

func (p *Packet) advance() {
	if p.ended {
		panic("batch: write to an ended packet")
	}
	if p.n == p.want {
		panic(fmt.Sprintf("batch: packet overflow past %d dwords", p.want))
	}
	p.n++
}

// Emit appends one dword.
func (p *Packet) Emit(v uint32) {
	p.advance()
	p.b.EmitDword(v)
}

// Reloc appends a relocated address of target plus delta.
func (p *Packet) Reloc(target *bufmgr.BO, readDomains, writeDomain bufmgr.Domain, delta uint32) {
	p.advance()
	p.b.EmitReloc(target, readDomains, writeDomain, delta)
}

// End closes the packet. It panics unless every reserved dword was written.
func (p *Packet) End() {
	if p.ended {
		panic("batch: packet ended twice")
	}
	if p.n != p.want {
		panic(fmt.Sprintf("batch: packet of %d dwords ended after %d", p.want, p.n))
	}
	p.ended = true
	p.b.packet = nil
}

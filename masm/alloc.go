package masm

import (
	"github.com/chazu/codezone/asm"
	"github.com/chazu/codezone/fatal"
	"github.com/chazu/codezone/reloc"
	"github.com/chazu/codezone/vm"
)

func (m *MacroAssembler) edenTop() asm.Address { return asm.Abs(m.rt.EdenTop, reloc.ExternalWord) }
func (m *MacroAssembler) edenEnd() asm.Address { return asm.Abs(m.rt.EdenEnd, reloc.ExternalWord) }

// allocate emits the inline allocation of an object of slots fields.
//
// Fast path: bump the eden top when the object fits below the eden end.
// Slow path: call the runtime allocator with the size on the stack. Both
// arrive at the same fill code with the untagged address in dst; live
// registers other than dst are preserved across the call. dst ends up
// holding the tagged reference.
func (m *MacroAssembler) allocate(dst, tmp asm.Register, slots int, klass vm.Oop, slowEntry uint32, live []asm.Register) {
	fatal.Check(dst != tmp, "masm: allocation needs distinct dst and tmp registers")
	fatal.Check(tmp != asm.ESP && dst != asm.ESP, "masm: esp cannot hold an allocation")
	size := int32(4 * (HeaderWords + slots))

	var slow, fill asm.Label
	m.MovlRM(dst, m.edenTop())
	m.Leal(tmp, asm.Mem(dst, size))
	m.CmplRM(tmp, m.edenEnd())
	m.Jcc(asm.Above, &slow)
	m.MovlMR(m.edenTop(), tmp)
	m.Bind(&fill)
	m.MovlMI(asm.Mem(dst, MarkOffset), markWord, reloc.None)
	m.MovlMOop(asm.Mem(dst, KlassOffset), uint32(klass))
	for i := 0; i < slots; i++ {
		m.MovlMOop(asm.Mem(dst, SlotsOffset+4*int32(i)), uint32(m.rt.Nil))
	}
	m.Incl(dst)

	saved := make([]asm.Register, 0, len(live))
	for _, r := range live {
		if r != dst && r != tmp {
			saved = append(saved, r)
		}
	}
	m.later(func() {
		m.Bind(&slow)
		for _, r := range saved {
			m.Pushl(r)
		}
		m.PushlI(size, reloc.None)
		m.CallTo(slowEntry, reloc.RuntimeCall)
		m.Addl(asm.ESP, 4)
		if dst != asm.EAX {
			m.Movl(dst, asm.EAX)
		}
		for i := len(saved) - 1; i >= 0; i-- {
			m.Popl(saved[i])
		}
		m.Jmp(&fill)
	})
}

// AllocateObject allocates an instance of klass with slots nil fields.
func (m *MacroAssembler) AllocateObject(dst, tmp asm.Register, klass vm.Oop, slots int, live []asm.Register) {
	m.allocate(dst, tmp, slots, klass, m.rt.AllocateObject, live)
}

// ContextFixedSlots are the slots of a context before its temporaries:
// the outer context and the home frame.
const ContextFixedSlots = 2

// AllocateContext allocates a context holding temps temporaries and links
// it to the context in outer.
func (m *MacroAssembler) AllocateContext(dst, tmp, outer asm.Register, temps int, live []asm.Register) {
	fatal.Check(outer != dst && outer != tmp, "masm: outer context in %s is clobbered by the allocation", outer)
	m.allocate(dst, tmp, ContextFixedSlots+temps, m.rt.ContextKlass, m.rt.AllocateContext, append(live[:len(live):len(live)], outer))
	m.MovlMR(asm.Mem(dst, FieldOffset(0)), outer)
	m.MovlMR(asm.Mem(dst, FieldOffset(1)), asm.EBP)
}

// BlockSlots are the slots of a block closure: its code entry and its
// context.
const BlockSlots = 2

// AllocateBlock allocates a block closure whose code is reached through
// the jump table entry at entry, closing over the context in ctx. It
// returns the code offset of the entry word so a caller that learns the
// entry only at installation can patch it.
func (m *MacroAssembler) AllocateBlock(dst, tmp, ctx asm.Register, entry uint32, live []asm.Register) int {
	fatal.Check(ctx != dst && ctx != tmp, "masm: context in %s is clobbered by the allocation", ctx)
	m.allocate(dst, tmp, BlockSlots, m.rt.BlockKlass, m.rt.AllocateBlock, append(live[:len(live):len(live)], ctx))
	m.MovlMI(asm.Mem(dst, FieldOffset(0)), int32(entry), reloc.ExternalWord)
	pos := m.Pos() - 4
	m.MovlMR(asm.Mem(dst, FieldOffset(1)), ctx)
	return pos
}

package asm

import (
	"github.com/chazu/codezone/fatal"
	"github.com/chazu/codezone/reloc"
)

// Call calls the code at l.
func (a *Assembler) Call(l *Label) {
	start := a.Pos()
	a.emitByte(0xE8)
	a.branchRel32(l, start)
}

// Jmp jumps to l. A bound label within reach uses the short form.
func (a *Assembler) Jmp(l *Label) {
	start := a.Pos()
	if l.IsBound() {
		d := int32(l.pos - start)
		if isInt8(d - 2) {
			a.emitByte(0xEB)
			a.emitInt8(d - 2)
			return
		}
		a.emitByte(0xE9)
		a.emitWord(uint32(d - 5))
		return
	}
	a.emitByte(0xE9)
	a.branchRel32(l, start)
	a.jump = lastJump{start: start, end: a.Pos(), label: l}
}

// JmpShort jumps to l with an 8-bit displacement. The label must end up
// within reach.
func (a *Assembler) JmpShort(l *Label) {
	start := a.Pos()
	a.emitByte(0xEB)
	a.branchRel8(l, start)
	if !l.IsBound() {
		a.jump = lastJump{start: start, end: a.Pos(), label: l}
	}
}

// Jcc jumps to l if cc holds.
func (a *Assembler) Jcc(cc Condition, l *Label) {
	start := a.Pos()
	if l.IsBound() {
		d := int32(l.pos - start)
		if isInt8(d - 2) {
			a.emitByte(0x70 | int(cc))
			a.emitInt8(d - 2)
			return
		}
		a.emitByte(0x0F)
		a.emitByte(0x80 | int(cc))
		a.emitWord(uint32(d - 6))
		return
	}
	a.emitByte(0x0F)
	a.emitByte(0x80 | int(cc))
	a.branchRel32(l, start)
}

// JccShort is Jcc with an 8-bit displacement.
func (a *Assembler) JccShort(cc Condition, l *Label) {
	start := a.Pos()
	a.emitByte(0x70 | int(cc))
	a.branchRel8(l, start)
}

func (a *Assembler) branchRel32(l *Label, start int) {
	pos := a.Pos()
	if l.IsBound() {
		a.emitWord(uint32(int32(l.pos - (pos + 4))))
		return
	}
	a.emitWord(0)
	a.link(l, fixup{kind: fixupRel32, pos: pos, instr: start})
}

func (a *Assembler) branchRel8(l *Label, start int) {
	pos := a.Pos()
	if l.IsBound() {
		d := int32(l.pos - (pos + 1))
		fatal.Check(isInt8(d), "asm: short branch at %d cannot reach %d", start, l.pos)
		a.emitInt8(d)
		return
	}
	a.emitByte(0)
	a.link(l, fixup{kind: fixupRel8, pos: pos, instr: start})
}

// relTo emits a 32-bit displacement to an absolute target and records rt.
func (a *Assembler) relTo(target uint32, rt reloc.Type) {
	pos := a.Pos()
	fatal.Check(rt == reloc.None || rt.IsPCRelative(), "asm: %s relocation on a relative branch", rt)
	a.emitData(int32(target-a.cb.Addr(pos+4)), rt)
}

// CallTo calls an absolute address; rt classifies the target.
func (a *Assembler) CallTo(target uint32, rt reloc.Type) {
	a.emitByte(0xE8)
	a.relTo(target, rt)
}

// JmpTo jumps to an absolute address.
func (a *Assembler) JmpTo(target uint32, rt reloc.Type) {
	a.emitByte(0xE9)
	a.relTo(target, rt)
}

// JccTo jumps to an absolute address if cc holds.
func (a *Assembler) JccTo(cc Condition, target uint32, rt reloc.Type) {
	a.emitByte(0x0F)
	a.emitByte(0x80 | int(cc))
	a.relTo(target, rt)
}

// CallR calls through a register.
func (a *Assembler) CallR(r Register) {
	a.emitByte(0xFF)
	a.emitRR(2, r)
}

// CallM calls through a memory word.
func (a *Assembler) CallM(adr Address) {
	a.emitByte(0xFF)
	a.emitOperand(2, adr)
}

// JmpR jumps through a register.
func (a *Assembler) JmpR(r Register) {
	a.emitByte(0xFF)
	a.emitRR(4, r)
}

// JmpM jumps through a memory word.
func (a *Assembler) JmpM(adr Address) {
	a.emitByte(0xFF)
	a.emitOperand(4, adr)
}

// ICInfoSize is the length of the instruction emitted by ICInfo.
const ICInfoSize = 5

// ICInfo emits the inline cache info word following a send: a
// "test eax, imm32" whose immediate packs the offset from this instruction
// to nlr with flags in the low bits. It has no effect when executed. A nil
// nlr records a zero offset.
func (a *Assembler) ICInfo(nlr *Label, flags uint32) {
	start := a.Pos()
	a.emitByte(0xA9)
	pos := a.Pos()
	if nlr == nil {
		a.emitWord(icInfoWord(0, flags))
		return
	}
	if nlr.IsBound() {
		a.emitWord(icInfoWord(nlr.pos-start, flags))
		return
	}
	icInfoWord(0, flags)
	a.emitWord(flags)
	a.link(nlr, fixup{kind: fixupICInfo, pos: pos, instr: start, flags: flags})
}

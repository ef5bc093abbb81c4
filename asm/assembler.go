// Package asm encodes IA-32 instructions into a CodeBuffer.
//
// The Assembler validates every operand it is handed: a byte that does not
// fit, a shift count of 32 or more, an index register of esp, or an opcode
// passed to the wrong arithmetic helper is a code generator bug and aborts
// through the fatal package.
package asm

import (
	"github.com/chazu/codezone/fatal"
	"github.com/chazu/codezone/reloc"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("codezone.asm")

// Option configures an Assembler.
type Option func(*Assembler)

// WithJumpElimination removes an unconditional jump whose target label is
// bound immediately after it.
func WithJumpElimination() Option {
	return func(a *Assembler) { a.eliminateJumps = true }
}

// lastJump remembers the most recent unconditional jump to an unbound label.
type lastJump struct {
	start, end int
	label      *Label
}

// Assembler appends encoded instructions to a CodeBuffer.
type Assembler struct {
	cb             *CodeBuffer
	unbound        map[*Label]struct{}
	eliminateJumps bool
	jump           lastJump
	lastBind       int
	eliminated     int
}

// New creates an assembler writing into cb.
func New(cb *CodeBuffer, opts ...Option) *Assembler {
	a := &Assembler{cb: cb, unbound: map[*Label]struct{}{}, lastBind: -1}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Buffer returns the code buffer.
func (a *Assembler) Buffer() *CodeBuffer { return a.cb }

// Pos returns the current offset.
func (a *Assembler) Pos() int { return a.cb.Pos() }

// Addr returns the address of the current offset.
func (a *Assembler) Addr() uint32 { return a.cb.Addr(a.cb.Pos()) }

// EliminatedJumps returns how many jumps to the next instruction were removed.
func (a *Assembler) EliminatedJumps() int { return a.eliminated }

// Finalize checks that no label is left with unresolved references.
func (a *Assembler) Finalize() {
	if n := len(a.unbound); n > 0 {
		fatal.Errorf("asm: %d label(s) in %q referenced but never bound", n, a.cb.Name())
	}
	log.Debugf("assembled %q: %d bytes, %d relocations", a.cb.Name(), a.Pos(), len(a.cb.Relocs()))
}

// Bind fixes l at the current position and patches its pending references.
func (a *Assembler) Bind(l *Label) {
	if l.state == labelBound {
		fatal.Errorf("asm: label bound twice (at %d and %d)", l.pos, a.Pos())
	}
	if a.eliminateJumps && a.jump.label == l && a.jump.end == a.Pos() &&
		a.lastBind <= a.jump.start && a.cb.lastRelocPos() < a.jump.start {
		a.cb.truncate(a.jump.start)
		l.fixups = l.fixups[:len(l.fixups)-1]
		a.eliminated++
	}
	a.jump = lastJump{}

	pos := a.Pos()
	for _, f := range l.fixups {
		a.resolve(f, pos)
	}
	l.fixups = nil
	l.state = labelBound
	l.pos = pos
	a.lastBind = pos
	delete(a.unbound, l)
}

func (a *Assembler) resolve(f fixup, target int) {
	switch f.kind {
	case fixupRel32:
		a.cb.SetWord(f.pos, uint32(int32(target-(f.pos+4))))
	case fixupRel8:
		d := target - (f.pos + 1)
		fatal.Check(isInt8(int32(d)), "asm: short branch at %d cannot reach %d", f.instr, target)
		a.cb.code[f.pos] = byte(int8(d))
	case fixupICInfo:
		a.cb.SetWord(f.pos, icInfoWord(target-f.instr, f.flags))
	}
}

func (a *Assembler) link(l *Label, f fixup) {
	if l.state == labelBound {
		panic("asm: link to bound label")
	}
	l.state = labelUnbound
	l.fixups = append(l.fixups, f)
	a.unbound[l] = struct{}{}
}

// emitByte checks that x is a byte value.
func (a *Assembler) emitByte(x int) {
	fatal.Check(x >= 0 && x < 256, "asm: byte operand %#x out of range", x)
	a.cb.emitByte(byte(x))
}

func (a *Assembler) emitInt8(x int32) {
	fatal.Check(isInt8(x), "asm: imm8 operand %d out of range", x)
	a.cb.emitByte(byte(int8(x)))
}

func (a *Assembler) emitWord(w uint32) { a.cb.emitWord(w) }

// emitData emits a 32-bit word, first recording a relocation if rt is set.
func (a *Assembler) emitData(w int32, rt reloc.Type) {
	if rt != reloc.None {
		a.cb.Relocate(a.Pos(), rt)
	}
	a.cb.emitWord(uint32(w))
}

func isInt8(x int32) bool { return x >= -128 && x <= 127 }

func checkReg(r Register) {
	fatal.Check(r.IsValid(), "asm: invalid register %s", r)
}

// emitRR emits a register-direct ModR/M byte.
func (a *Assembler) emitRR(reg int, rm Register) {
	checkReg(rm)
	a.emitByte(0xC0 | reg<<3 | int(rm))
}

// emitOperand emits the ModR/M, SIB and displacement bytes for adr with
// reg in the ModR/M reg field.
//
// ebp as a base needs an explicit displacement, esp as a base needs a SIB
// byte, and esp cannot be used as an index. A relocated displacement always
// takes the 32-bit form.
func (a *Assembler) emitOperand(reg int, adr Address) {
	fatal.Check(reg >= 0 && reg < 8, "asm: ModR/M reg field %d out of range", reg)
	base, index := adr.Base, adr.Index
	plain := adr.Reloc == reloc.None
	if index == ESP {
		fatal.Errorf("asm: esp cannot be an index register")
	}
	if !index.IsValid() && adr.Scale != Times1 {
		fatal.Errorf("asm: scale factor %d without index register", adr.Scale.Multiplier())
	}
	switch {
	case base.IsValid() && index.IsValid():
		sib := int(adr.Scale)<<6 | int(index)<<3 | int(base)
		switch {
		case adr.Disp == 0 && plain && base != EBP:
			a.emitByte(0x04 | reg<<3)
			a.emitByte(sib)
		case isInt8(adr.Disp) && plain:
			a.emitByte(0x44 | reg<<3)
			a.emitByte(sib)
			a.emitInt8(adr.Disp)
		default:
			a.emitByte(0x84 | reg<<3)
			a.emitByte(sib)
			a.emitData(adr.Disp, adr.Reloc)
		}
	case base == ESP:
		switch {
		case adr.Disp == 0 && plain:
			a.emitByte(0x04 | reg<<3)
			a.emitByte(0x24)
		case isInt8(adr.Disp) && plain:
			a.emitByte(0x44 | reg<<3)
			a.emitByte(0x24)
			a.emitInt8(adr.Disp)
		default:
			a.emitByte(0x84 | reg<<3)
			a.emitByte(0x24)
			a.emitData(adr.Disp, adr.Reloc)
		}
	case base.IsValid():
		switch {
		case adr.Disp == 0 && plain && base != EBP:
			a.emitByte(reg<<3 | int(base))
		case isInt8(adr.Disp) && plain:
			a.emitByte(0x40 | reg<<3 | int(base))
			a.emitInt8(adr.Disp)
		default:
			a.emitByte(0x80 | reg<<3 | int(base))
			a.emitData(adr.Disp, adr.Reloc)
		}
	case index.IsValid():
		// [index*scale + disp32]
		a.emitByte(0x04 | reg<<3)
		a.emitByte(int(adr.Scale)<<6 | int(index)<<3 | 0x05)
		a.emitData(adr.Disp, adr.Reloc)
	default:
		// [disp32]
		a.emitByte(0x05 | reg<<3)
		a.emitData(adr.Disp, adr.Reloc)
	}
}

// emitArith emits a 32-bit group-1 operation with an immediate. op1 must be
// the 32-bit opcode (0x81); the short form 0x83 is chosen when imm fits in
// a byte.
func (a *Assembler) emitArith(op1, op2 int, dst Register, imm int32) {
	fatal.Check(op1&0x01 == 1, "asm: emitArith with byte opcode %#x", op1)
	fatal.Check(op1&0x02 == 0, "asm: emitArith with sign-extension opcode %#x", op1)
	checkReg(dst)
	if isInt8(imm) {
		a.emitByte(op1 | 0x02)
		a.emitByte(op2 | int(dst))
		a.emitInt8(imm)
		return
	}
	a.emitByte(op1)
	a.emitByte(op2 | int(dst))
	a.emitWord(uint32(imm))
}

// emitArithB is emitArith for byte registers; op1 must be the byte opcode.
func (a *Assembler) emitArithB(op1, op2 int, dst Register, imm int) {
	fatal.Check(op1&0x01 == 0, "asm: emitArithB with word opcode %#x", op1)
	fatal.Check(dst.HasByteRegister(), "asm: %s has no byte register", dst)
	a.emitByte(op1)
	a.emitByte(op2 | int(dst))
	a.emitByte(imm)
}

// emitArithMemImm emits a group-1 operation on memory with an immediate.
func (a *Assembler) emitArithMemImm(ext int, dst Address, imm int32, rt reloc.Type) {
	if isInt8(imm) && rt == reloc.None {
		a.emitByte(0x83)
		a.emitOperand(ext, dst)
		a.emitInt8(imm)
		return
	}
	a.emitByte(0x81)
	a.emitOperand(ext, dst)
	a.emitData(imm, rt)
}

// icInfoFlagBits is the number of low bits of an inline cache info word
// holding flags; the rest is the signed offset to the non-local-return
// continuation.
const icInfoFlagBits = 8

// MaxICInfoFlags is the largest flag value an info word can carry.
const MaxICInfoFlags = 1<<icInfoFlagBits - 1

func icInfoWord(offset int, flags uint32) uint32 {
	const limit = 1 << (31 - icInfoFlagBits)
	fatal.Check(offset >= -limit && offset < limit, "asm: inline cache offset %d overflows info word", offset)
	fatal.Check(flags <= MaxICInfoFlags, "asm: inline cache flags %#x out of range", flags)
	return uint32(int32(offset)<<icInfoFlagBits) | flags
}

// DecodeICInfo splits an info word into its continuation offset and flags.
func DecodeICInfo(w uint32) (offset int, flags uint32) {
	return int(int32(w) >> icInfoFlagBits), w & MaxICInfoFlags
}

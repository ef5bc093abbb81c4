package asm

import (
	"github.com/chazu/codezone/fatal"
	"github.com/chazu/codezone/reloc"
)

// Group-1 arithmetic operations, as encoded in the ModR/M reg field of
// 0x81/0x83 and in bits 3-5 of the register forms.
type arithOp int

const (
	opAdd arithOp = 0
	opOr  arithOp = 1
	opAdc arithOp = 2
	opSbb arithOp = 3
	opAnd arithOp = 4
	opSub arithOp = 5
	opXor arithOp = 6
	opCmp arithOp = 7
)

func (a *Assembler) arithRR(op arithOp, dst, src Register) {
	checkReg(dst)
	a.emitByte(0x03 | int(op)<<3)
	a.emitRR(int(dst), src)
}

func (a *Assembler) arithRI(op arithOp, dst Register, imm int32) {
	a.emitArith(0x81, 0xC0|int(op)<<3, dst, imm)
}

func (a *Assembler) arithRM(op arithOp, dst Register, src Address) {
	checkReg(dst)
	a.emitByte(0x03 | int(op)<<3)
	a.emitOperand(int(dst), src)
}

func (a *Assembler) arithMR(op arithOp, dst Address, src Register) {
	checkReg(src)
	a.emitByte(0x01 | int(op)<<3)
	a.emitOperand(int(src), dst)
}

// Addl adds imm to dst.
func (a *Assembler) Addl(dst Register, imm int32) { a.arithRI(opAdd, dst, imm) }
func (a *Assembler) AddlRR(dst, src Register) { a.arithRR(opAdd, dst, src) }
func (a *Assembler) AddlRM(dst Register, src Address) { a.arithRM(opAdd, dst, src) }
func (a *Assembler) AddlMR(dst Address, src Register) { a.arithMR(opAdd, dst, src) }
func (a *Assembler) AddlMI(dst Address, imm int32) { a.emitArithMemImm(int(opAdd), dst, imm, reloc.None) }
func (a *Assembler) Adcl(dst Register, imm int32) { a.arithRI(opAdc, dst, imm) }
func (a *Assembler) Subl(dst Register, imm int32) { a.arithRI(opSub, dst, imm) }
func (a *Assembler) SublRR(dst, src Register) { a.arithRR(opSub, dst, src) }
func (a *Assembler) SublRM(dst Register, src Address) { a.arithRM(opSub, dst, src) }
func (a *Assembler) Sbbl(dst Register, imm int32) { a.arithRI(opSbb, dst, imm) }
func (a *Assembler) Andl(dst Register, imm int32) { a.arithRI(opAnd, dst, imm) }
func (a *Assembler) AndlRR(dst, src Register) { a.arithRR(opAnd, dst, src) }
func (a *Assembler) Orl(dst Register, imm int32) { a.arithRI(opOr, dst, imm) }
func (a *Assembler) OrlRR(dst, src Register) { a.arithRR(opOr, dst, src) }
func (a *Assembler) Xorl(dst Register, imm int32) { a.arithRI(opXor, dst, imm) }
func (a *Assembler) XorlRR(dst, src Register) { a.arithRR(opXor, dst, src) }
func (a *Assembler) Cmpl(dst Register, imm int32) { a.arithRI(opCmp, dst, imm) }
func (a *Assembler) CmplRR(dst, src Register) { a.arithRR(opCmp, dst, src) }
func (a *Assembler) CmplRM(dst Register, src Address) { a.arithRM(opCmp, dst, src) }
func (a *Assembler) CmplMI(dst Address, imm int32) { a.emitArithMemImm(int(opCmp), dst, imm, reloc.None) }

// CmplOop compares dst with a heap object reference, recording an oop
// relocation on the immediate.
func (a *Assembler) CmplOop(dst Register, oop uint32) {
	checkReg(dst)
	a.emitByte(0x81)
	a.emitRR(int(opCmp), dst)
	a.emitData(int32(oop), reloc.Oop)
}

// CmplMOop compares a memory word with a heap object reference.
func (a *Assembler) CmplMOop(dst Address, oop uint32) {
	a.emitArithMemImm(int(opCmp), dst, int32(oop), reloc.Oop)
}

// AndlB masks the low byte of dst.
func (a *Assembler) AndlB(dst Register, imm int) { a.emitArithB(0x80, 0xE0, dst, imm) }

// CmpB compares the low byte of dst with imm.
func (a *Assembler) CmpB(dst Register, imm int) { a.emitArithB(0x80, 0xF8, dst, imm) }

// Movl copies src into dst.
func (a *Assembler) Movl(dst, src Register) {
	checkReg(dst)
	a.emitByte(0x8B)
	a.emitRR(int(dst), src)
}

// MovlRM loads dst from memory.
func (a *Assembler) MovlRM(dst Register, src Address) {
	checkReg(dst)
	a.emitByte(0x8B)
	a.emitOperand(int(dst), src)
}

// MovlMR stores src to memory.
func (a *Assembler) MovlMR(dst Address, src Register) {
	checkReg(src)
	a.emitByte(0x89)
	a.emitOperand(int(src), dst)
}

// MovlRI loads a 32-bit immediate, optionally relocated.
func (a *Assembler) MovlRI(dst Register, imm int32, rt reloc.Type) {
	checkReg(dst)
	a.emitByte(0xB8 | int(dst))
	a.emitData(imm, rt)
}

// MovlMI stores a 32-bit immediate, optionally relocated.
func (a *Assembler) MovlMI(dst Address, imm int32, rt reloc.Type) {
	a.emitByte(0xC7)
	a.emitOperand(0, dst)
	a.emitData(imm, rt)
}

// MovlOop loads a heap object reference. Tagged small integers need no
// relocation.
func (a *Assembler) MovlOop(dst Register, oop uint32) {
	a.MovlRI(dst, int32(oop), oopReloc(oop))
}

// MovlMOop stores a heap object reference.
func (a *Assembler) MovlMOop(dst Address, oop uint32) {
	a.MovlMI(dst, int32(oop), oopReloc(oop))
}

func oopReloc(oop uint32) reloc.Type {
	if oop&0x3 == 0 {
		return reloc.None
	}
	return reloc.Oop
}

// MovbMR stores the low byte of src.
func (a *Assembler) MovbMR(dst Address, src Register) {
	fatal.Check(src.HasByteRegister(), "asm: %s has no byte register", src)
	a.emitByte(0x88)
	a.emitOperand(int(src), dst)
}

// MovbMI stores a byte immediate.
func (a *Assembler) MovbMI(dst Address, imm int) {
	a.emitByte(0xC6)
	a.emitOperand(0, dst)
	a.emitByte(imm)
}

// MovzxbRM loads a zero-extended byte.
func (a *Assembler) MovzxbRM(dst Register, src Address) {
	checkReg(dst)
	a.emitByte(0x0F)
	a.emitByte(0xB6)
	a.emitOperand(int(dst), src)
}

// Leal loads the effective address of src.
func (a *Assembler) Leal(dst Register, src Address) {
	checkReg(dst)
	a.emitByte(0x8D)
	a.emitOperand(int(dst), src)
}

// Xchgl swaps two registers.
func (a *Assembler) Xchgl(dst, src Register) {
	checkReg(dst)
	a.emitByte(0x87)
	a.emitRR(int(dst), src)
}

// Pushl pushes a register.
func (a *Assembler) Pushl(src Register) {
	checkReg(src)
	a.emitByte(0x50 | int(src))
}

// PushlI pushes an immediate, optionally relocated.
func (a *Assembler) PushlI(imm int32, rt reloc.Type) {
	if rt == reloc.None && isInt8(imm) {
		a.emitByte(0x6A)
		a.emitInt8(imm)
		return
	}
	a.emitByte(0x68)
	a.emitData(imm, rt)
}

// PushlM pushes a memory word.
func (a *Assembler) PushlM(src Address) {
	a.emitByte(0xFF)
	a.emitOperand(6, src)
}

// Popl pops into a register.
func (a *Assembler) Popl(dst Register) {
	checkReg(dst)
	a.emitByte(0x58 | int(dst))
}

// PoplM pops into memory.
func (a *Assembler) PoplM(dst Address) {
	a.emitByte(0x8F)
	a.emitOperand(0, dst)
}

// Testl ands dst with imm and sets flags.
func (a *Assembler) Testl(dst Register, imm int32) {
	checkReg(dst)
	if dst == EAX {
		a.emitByte(0xA9)
	} else {
		a.emitByte(0xF7)
		a.emitRR(0, dst)
	}
	a.emitWord(uint32(imm))
}

// TestlOop ands dst with a heap object reference. The compiled send
// sequence uses it to carry the selector in a side-effect free instruction.
func (a *Assembler) TestlOop(dst Register, oop uint32) {
	checkReg(dst)
	if dst == EAX {
		a.emitByte(0xA9)
	} else {
		a.emitByte(0xF7)
		a.emitRR(0, dst)
	}
	a.emitData(int32(oop), oopReloc(oop))
}

// TestlRR ands two registers and sets flags.
func (a *Assembler) TestlRR(dst, src Register) {
	checkReg(src)
	a.emitByte(0x85)
	a.emitRR(int(src), dst)
}

// TestB ands the low byte of dst with imm and sets flags.
func (a *Assembler) TestB(dst Register, imm int) {
	fatal.Check(dst.HasByteRegister(), "asm: %s has no byte register", dst)
	if dst == EAX {
		a.emitByte(0xA8)
	} else {
		a.emitByte(0xF6)
		a.emitRR(0, dst)
	}
	a.emitByte(imm)
}

func (a *Assembler) Incl(dst Register) { checkReg(dst); a.emitByte(0x40 | int(dst)) }
func (a *Assembler) Decl(dst Register) { checkReg(dst); a.emitByte(0x48 | int(dst)) }

// InclM increments a memory word.
func (a *Assembler) InclM(dst Address) {
	a.emitByte(0xFF)
	a.emitOperand(0, dst)
}

// DeclM decrements a memory word.
func (a *Assembler) DeclM(dst Address) {
	a.emitByte(0xFF)
	a.emitOperand(1, dst)
}

func (a *Assembler) Negl(dst Register) { a.emitByte(0xF7); a.emitRR(3, dst) }
func (a *Assembler) Notl(dst Register) { a.emitByte(0xF7); a.emitRR(2, dst) }

// Imull multiplies dst by src.
func (a *Assembler) Imull(dst, src Register) {
	checkReg(dst)
	a.emitByte(0x0F)
	a.emitByte(0xAF)
	a.emitRR(int(dst), src)
}

// ImullI sets dst to src*imm.
func (a *Assembler) ImullI(dst, src Register, imm int32) {
	checkReg(dst)
	if isInt8(imm) {
		a.emitByte(0x6B)
		a.emitRR(int(dst), src)
		a.emitInt8(imm)
		return
	}
	a.emitByte(0x69)
	a.emitRR(int(dst), src)
	a.emitWord(uint32(imm))
}

// Idivl divides edx:eax by src.
func (a *Assembler) Idivl(src Register) { a.emitByte(0xF7); a.emitRR(7, src) }

// Cdq sign-extends eax into edx.
func (a *Assembler) Cdq() { a.emitByte(0x99) }

func (a *Assembler) shift(ext int, dst Register, imm int) {
	fatal.Check(imm >= 0 && imm < 32, "asm: shift count %d out of range", imm)
	if imm == 1 {
		a.emitByte(0xD1)
		a.emitRR(ext, dst)
		return
	}
	a.emitByte(0xC1)
	a.emitRR(ext, dst)
	a.emitByte(imm)
}

func (a *Assembler) Shll(dst Register, imm int) { a.shift(4, dst, imm) }
func (a *Assembler) Shrl(dst Register, imm int) { a.shift(5, dst, imm) }
func (a *Assembler) Sarl(dst Register, imm int) { a.shift(7, dst, imm) }

// ShllCL shifts dst left by cl.
func (a *Assembler) ShllCL(dst Register) { a.emitByte(0xD3); a.emitRR(4, dst) }

// SarlCL shifts dst right arithmetically by cl.
func (a *Assembler) SarlCL(dst Register) { a.emitByte(0xD3); a.emitRR(7, dst) }

// Setcc sets the low byte of dst to the condition.
func (a *Assembler) Setcc(cc Condition, dst Register) {
	fatal.Check(dst.HasByteRegister(), "asm: %s has no byte register", dst)
	a.emitByte(0x0F)
	a.emitByte(0x90 | int(cc))
	a.emitRR(0, dst)
}

// Ret returns, popping n extra bytes of arguments.
func (a *Assembler) Ret(n int) {
	if n == 0 {
		a.emitByte(0xC3)
		return
	}
	fatal.Check(n > 0 && n < 1<<16, "asm: ret operand %d out of range", n)
	a.emitByte(0xC2)
	a.emitByte(n & 0xFF)
	a.emitByte(n >> 8)
}

func (a *Assembler) Hlt() { a.emitByte(0xF4) }
func (a *Assembler) Int3() { a.emitByte(0xCC) }
func (a *Assembler) Nop() { a.emitByte(0x90) }

// Leave restores the caller's frame pointer.
func (a *Assembler) Leave() { a.emitByte(0xC9) }

// Align pads with nops until the position is a multiple of m.
func (a *Assembler) Align(m int) {
	fatal.Check(m > 0 && m&(m-1) == 0, "asm: alignment %d is not a power of two", m)
	for a.Pos()%m != 0 {
		a.Nop()
	}
}

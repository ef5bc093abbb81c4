package asm

// The x87 subset used by the float primitives. Stack register operands
// are implicit: every binary operation pops st(0) into st(1).

func (a *Assembler) FldD(src Address)  { a.emitByte(0xDD); a.emitOperand(0, src) }
func (a *Assembler) FstpD(dst Address) { a.emitByte(0xDD); a.emitOperand(3, dst) }
func (a *Assembler) FildS(src Address) { a.emitByte(0xDB); a.emitOperand(0, src) }

func (a *Assembler) fpuPair(b1, b2 int) {
	a.emitByte(b1)
	a.emitByte(b2)
}

func (a *Assembler) Faddp() { a.fpuPair(0xDE, 0xC1) }
func (a *Assembler) Fsubp() { a.fpuPair(0xDE, 0xE9) }
func (a *Assembler) Fmulp() { a.fpuPair(0xDE, 0xC9) }
func (a *Assembler) Fdivp() { a.fpuPair(0xDE, 0xF9) }
func (a *Assembler) Fchs()  { a.fpuPair(0xD9, 0xE0) }
func (a *Assembler) Fabs()  { a.fpuPair(0xD9, 0xE1) }

// Fwait waits for pending FPU exceptions.
func (a *Assembler) Fwait() { a.emitByte(0x9B) }

package asm

import (
	"fmt"

	"github.com/chazu/codezone/reloc"
)

// Address is a memory operand: [Base + Index*Scale + Disp]. Reloc marks the
// displacement word for relocation; any kind other than reloc.None forces
// the 32-bit displacement form.
type Address struct {
	Base  Register
	Index Register
	Scale ScaleFactor
	Disp  int32
	Reloc reloc.Type
}

// Mem returns [base + disp].
func Mem(base Register, disp int32) Address {
	return Address{Base: base, Index: NoReg, Disp: disp}
}

// MemIndex returns [base + index*scale + disp].
func MemIndex(base, index Register, scale ScaleFactor, disp int32) Address {
	return Address{Base: base, Index: index, Scale: scale, Disp: disp}
}

// Abs returns the absolute address [addr], marked with rt.
func Abs(addr uint32, rt reloc.Type) Address {
	return Address{Base: NoReg, Index: NoReg, Disp: int32(addr), Reloc: rt}
}

func (a Address) String() string {
	s := "["
	sep := ""
	if a.Base.IsValid() {
		s += a.Base.String()
		sep = "+"
	}
	if a.Index.IsValid() {
		s += fmt.Sprintf("%s%s*%d", sep, a.Index, a.Scale.Multiplier())
		sep = "+"
	}
	if a.Disp != 0 || sep == "" {
		s += fmt.Sprintf("%s%#x", sep, a.Disp)
	}
	if a.Reloc != reloc.None {
		s += " (" + a.Reloc.String() + ")"
	}
	return s + "]"
}

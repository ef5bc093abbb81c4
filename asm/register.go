package asm

import "fmt"

// Register is an IA-32 general purpose register.
type Register int8

// General purpose registers, numbered as in the ModR/M encoding.
// https://wiki.osdev.org/X86-64_Instruction_Encoding#Registers
const (
	NoReg Register = -1
	EAX   Register = 0
	ECX   Register = 1
	EDX   Register = 2
	EBX   Register = 3
	ESP   Register = 4
	EBP   Register = 5
	ESI   Register = 6
	EDI   Register = 7
)

var registerNames = [...]string{"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi"}

// IsValid reports whether r names a real register.
func (r Register) IsValid() bool { return r >= EAX && r <= EDI }

// HasByteRegister reports whether the low byte of r is addressable
// (al, cl, dl, bl).
func (r Register) HasByteRegister() bool { return r >= EAX && r <= EBX }

func (r Register) String() string {
	if r.IsValid() {
		return registerNames[r]
	}
	if r == NoReg {
		return "noreg"
	}
	return fmt.Sprintf("Register(%d)", int8(r))
}

// Condition is an IA-32 condition code, as encoded in Jcc and SETcc.
type Condition uint8

const (
	Overflow     Condition = 0x0
	NoOverflow   Condition = 0x1
	Below        Condition = 0x2 // carry set
	AboveEqual   Condition = 0x3 // carry clear
	Equal        Condition = 0x4 // zero
	NotEqual     Condition = 0x5 // not zero
	BelowEqual   Condition = 0x6
	Above        Condition = 0x7
	Negative     Condition = 0x8
	Positive     Condition = 0x9
	Parity       Condition = 0xA
	NoParity     Condition = 0xB
	Less         Condition = 0xC
	GreaterEqual Condition = 0xD
	LessEqual    Condition = 0xE
	Greater      Condition = 0xF

	Zero    = Equal
	NotZero = NotEqual
	Carry   = Below
	NoCarry = AboveEqual
)

var conditionNames = [...]string{"o", "no", "b", "ae", "e", "ne", "be", "a", "s", "ns", "p", "np", "l", "ge", "le", "g"}

// Negate returns the opposite condition.
func (c Condition) Negate() Condition { return c ^ 1 }

func (c Condition) String() string {
	if c <= Greater {
		return conditionNames[c]
	}
	return fmt.Sprintf("Condition(%d)", uint8(c))
}

// ScaleFactor is the SIB scale of an index register.
type ScaleFactor uint8

const (
	Times1 ScaleFactor = iota
	Times2
	Times4
	Times8
)

// Multiplier returns 1, 2, 4 or 8.
func (s ScaleFactor) Multiplier() int { return 1 << s }

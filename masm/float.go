package masm

import (
	"fmt"

	"github.com/chazu/codezone/asm"
	"github.com/chazu/codezone/fatal"
)

// FloatSlots are the slots of a boxed Float: one IEEE double.
const FloatSlots = 2

// FloatOp selects the operation of an inline float primitive.
type FloatOp int

const (
	FloatNone FloatOp = iota
	FloatAdd
	FloatSub
	FloatMul
	FloatDiv
	FloatNegated
	FloatAbs
)

var floatOpNames = [...]string{"none", "+", "-", "*", "/", "negated", "abs"}

func (op FloatOp) String() string {
	if op < 0 || int(op) >= len(floatOpNames) {
		return fmt.Sprintf("FloatOp(%d)", int(op))
	}
	return floatOpNames[op]
}

// Unary reports whether op takes no argument.
func (op FloatOp) Unary() bool { return op == FloatNegated || op == FloatAbs }

func (op FloatOp) emit(a *asm.Assembler) {
	switch op {
	case FloatAdd:
		a.Faddp()
	case FloatSub:
		a.Fsubp()
	case FloatMul:
		a.Fmulp()
	case FloatDiv:
		a.Fdivp()
	case FloatNegated:
		a.Fchs()
	case FloatAbs:
		a.Fabs()
	default:
		fatal.Errorf("masm: no float operation %s", op)
	}
}

// FloatPrimitive emits the inline fast path of a Float primitive. The
// receiver, a Float, is in eax and a binary operation's argument in arg.
// A SmallInteger argument is converted; any other argument leaves through
// an uncommon trap. The boxed result is left in eax. edx is clobbered.
func (m *MacroAssembler) FloatPrimitive(op FloatOp, arg asm.Register) {
	var smi, loaded, trap asm.Label
	m.FldD(asm.Mem(asm.EAX, FieldOffset(0)))
	if !op.Unary() {
		fatal.Check(arg != asm.EAX && arg != asm.EDX && arg != asm.ESP, "masm: float argument cannot be in %s", arg)
		m.TestB(arg, 3)
		m.Jcc(asm.Zero, &smi)
		m.TestB(arg, memTag)
		m.Jcc(asm.Zero, &trap)
		m.MovlRM(asm.EDX, asm.Mem(arg, KlassOffset-memTag))
		m.CmplOop(asm.EDX, uint32(m.rt.FloatKlass))
		m.Jcc(asm.NotEqual, &trap)
		m.FldD(asm.Mem(arg, FieldOffset(0)))
		m.Bind(&loaded)
	}
	op.emit(m.Assembler)
	m.AllocateObject(asm.EAX, asm.EDX, m.rt.FloatKlass, FloatSlots, nil)
	m.FstpD(asm.Mem(asm.EAX, FieldOffset(0)))
	m.Fwait()

	if op.Unary() {
		return
	}
	m.later(func() {
		m.Bind(&smi)
		m.Movl(asm.EDX, arg)
		m.Sarl(asm.EDX, 2)
		m.Pushl(asm.EDX)
		m.FildS(asm.Mem(asm.ESP, 0))
		m.Popl(asm.EDX)
		m.Jmp(&loaded)

		m.Bind(&trap)
		m.UncommonTrap()
	})
}

// Package masm layers the calling convention and the inline fast paths of
// compiled Smalltalk code over the asm encoder.
//
// Register conventions: the receiver arrives in eax, edx is scratch in
// method entries, ebp is the frame pointer. Results are returned in eax.
package masm

import (
	"github.com/chazu/codezone/asm"
	"github.com/chazu/codezone/fatal"
	"github.com/chazu/codezone/reloc"
	"github.com/chazu/codezone/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("codezone.masm")

// Object layout as seen by generated code: a mark word, the class, then
// the slots. References carry the memory tag, so field offsets are biased
// by it.
const (
	MarkOffset  = 0
	KlassOffset = 4
	SlotsOffset = 8
	HeaderWords = 2

	memTag = 1

	// markWord is the header of a freshly allocated object.
	markWord = 0x3

	// CardShift maps an address to its card.
	CardShift = 9
)

// FieldOffset returns the displacement of slot i from a tagged reference.
func FieldOffset(i int) int32 {
	return int32(SlotsOffset+4*i) - memTag
}

// MacroAssembler emits multi-instruction sequences. Out-of-line slow paths
// are collected while the main line is emitted and appended by Finalize.
type MacroAssembler struct {
	*asm.Assembler
	rt        *Runtime
	slowPaths []func()
	finalized bool
}

// New creates a macro assembler for cb.
func New(cb *asm.CodeBuffer, rt *Runtime, opts ...asm.Option) *MacroAssembler {
	return &MacroAssembler{Assembler: asm.New(cb, opts...), rt: rt}
}

// Runtime returns the runtime descriptor.
func (m *MacroAssembler) Runtime() *Runtime { return m.rt }

// Finalize emits the deferred slow paths and checks that every label is
// bound.
func (m *MacroAssembler) Finalize() {
	fatal.Check(!m.finalized, "masm: finalized twice")
	m.finalized = true
	if n := len(m.slowPaths); n > 0 {
		log.Debugf("%s: emitting %d out-of-line slow paths", m.Buffer().Name(), n)
	}
	// Slow paths may defer more slow paths.
	for len(m.slowPaths) > 0 {
		p := m.slowPaths[0]
		m.slowPaths = m.slowPaths[1:]
		p()
	}
	m.Assembler.Finalize()
}

func (m *MacroAssembler) later(p func()) {
	m.slowPaths = append(m.slowPaths, p)
}

// Entries are the code offsets of a method's entry points.
type Entries struct {
	// SpecialHandlerCall is the call to the recompile handler, retargeted
	// to the zombie handler when the method dies.
	SpecialHandlerCall int
	// Entry checks the receiver class; sends arrive here.
	Entry int
	// VerifiedEntry builds the frame; the jump table targets it.
	VerifiedEntry int
}

// PrologueBytes is the length of the frame build at the verified entry.
const PrologueBytes = 3

// VerifiedEntryAlignment is the alignment of the verified entry within the
// instructions.
const VerifiedEntryAlignment = 4

// MethodEntry emits the head of a compiled method: the special handler
// call, the receiver class check when klass is not zero, and the frame
// build at the aligned verified entry.
func (m *MacroAssembler) MethodEntry(klass vm.Oop, smallInteger bool) Entries {
	var e Entries
	e.SpecialHandlerCall = m.Pos()
	m.CallTo(m.rt.RecompileHandler, reloc.RuntimeCall)

	e.Entry = m.Pos()
	switch {
	case klass == 0:
		// blocks are entered through the jump table only
	case smallInteger:
		m.TestB(asm.EAX, 3)
		m.JccTo(asm.NotZero, m.rt.LookupStub, reloc.RuntimeCall)
	default:
		m.TestB(asm.EAX, memTag)
		m.JccTo(asm.Zero, m.rt.LookupStub, reloc.RuntimeCall)
		m.MovlRM(asm.EDX, asm.Mem(asm.EAX, KlassOffset-memTag))
		m.CmplOop(asm.EDX, uint32(klass))
		m.JccTo(asm.NotEqual, m.rt.LookupStub, reloc.RuntimeCall)
	}

	m.Align(VerifiedEntryAlignment)
	e.VerifiedEntry = m.Pos()
	m.Enter()
	return e
}

// Enter builds a frame: push ebp; mov ebp, esp.
func (m *MacroAssembler) Enter() {
	m.Pushl(asm.EBP)
	m.Movl(asm.EBP, asm.ESP)
}

// ReserveLocals makes room for n stack slots in the current frame and
// initializes them to nil.
func (m *MacroAssembler) ReserveLocals(n int) {
	for i := 0; i < n; i++ {
		m.PushlI(int32(m.rt.Nil), reloc.Oop)
	}
}

// Return tears the frame down and returns, popping args words.
func (m *MacroAssembler) Return(args int) {
	m.Leave()
	m.Ret(4 * args)
}

// LoadOop loads a heap object reference or tagged integer.
func (m *MacroAssembler) LoadOop(dst asm.Register, oop vm.Oop) {
	m.MovlOop(dst, uint32(oop))
}

// LoadField loads slot i of the object in obj.
func (m *MacroAssembler) LoadField(dst, obj asm.Register, i int) {
	m.MovlRM(dst, asm.Mem(obj, FieldOffset(i)))
}

// StoreField stores val into slot i of obj and marks the card. tmp is
// clobbered.
func (m *MacroAssembler) StoreField(obj asm.Register, i int, val, tmp asm.Register) {
	m.MovlMR(asm.Mem(obj, FieldOffset(i)), val)
	m.StoreCheck(obj, tmp)
}

// StoreCheck dirties the card of obj. tmp is clobbered.
func (m *MacroAssembler) StoreCheck(obj, tmp asm.Register) {
	fatal.Check(obj != tmp, "masm: store check needs a scratch register distinct from %s", obj)
	m.Movl(tmp, obj)
	m.Shrl(tmp, CardShift)
	card := asm.Address{Base: tmp, Index: asm.NoReg, Disp: int32(m.rt.ByteMapBase), Reloc: reloc.ExternalWord}
	m.MovbMI(card, 0)
}

package masm

import (
	"github.com/chazu/codezone/asm"
	"github.com/chazu/codezone/reloc"
	"github.com/chazu/codezone/vm"
)

// Layout of the compiled send sequence emitted by ICCall, relative to the
// call instruction:
//
//	call  <target>         ; ic relocation on the displacement
//	test  eax, <info>      ; non-local return offset and flags
//	test  eax, <selector>  ; oop relocation
const (
	ICCallLength         = 5
	ICDisplacementOffset = 1
	ICInfoOffset         = ICCallLength
	ICSelectorOffset     = ICInfoOffset + asm.ICInfoSize + 1
	ICSequenceLength     = ICInfoOffset + 2*asm.ICInfoSize
)

// ICCall emits a send of selector through a fresh inline cache. The cache
// starts out calling the lookup stub. It returns the offset of the call.
func (m *MacroAssembler) ICCall(selector vm.Oop, nlr *asm.Label, flags uint32) int {
	pos := m.Pos()
	m.CallTo(m.rt.LookupStub, reloc.IC)
	m.ICInfo(nlr, flags)
	m.TestlOop(asm.EAX, uint32(selector))
	return pos
}

// CallPrimitive calls a primitive routine.
func (m *MacroAssembler) CallPrimitive(addr uint32) {
	m.CallTo(addr, reloc.Primitive)
}

// UncommonTrap leaves compiled code for the interpreter.
func (m *MacroAssembler) UncommonTrap() {
	m.CallTo(m.rt.UncommonTrap, reloc.UncommonTrap)
}

func (m *MacroAssembler) setLastFrame() {
	m.MovlMR(asm.Abs(m.rt.LastFP, reloc.ExternalWord), asm.EBP)
	m.MovlMR(asm.Abs(m.rt.LastSP, reloc.ExternalWord), asm.ESP)
}

func (m *MacroAssembler) resetLastFrame() {
	m.MovlMI(asm.Abs(m.rt.LastSP, reloc.ExternalWord), 0, reloc.None)
}

// CallC calls a C routine with args pushed right to left. The last frame
// cells are set so the runtime can walk the compiled stack while in C.
func (m *MacroAssembler) CallC(target uint32, args ...asm.Register) {
	m.callOut(target, reloc.RuntimeCall, args)
}

// CallDLL calls an external library function the same way, through its
// DLL stub.
func (m *MacroAssembler) CallDLL(addr uint32, args ...asm.Register) {
	m.callOut(addr, reloc.DLLCall, args)
}

func (m *MacroAssembler) callOut(target uint32, t reloc.Type, args []asm.Register) {
	m.setLastFrame()
	for i := len(args) - 1; i >= 0; i-- {
		m.Pushl(args[i])
	}
	m.CallTo(target, t)
	if len(args) > 0 {
		m.Addl(asm.ESP, int32(4*len(args)))
	}
	m.resetLastFrame()
}

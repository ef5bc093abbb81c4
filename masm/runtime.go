package masm

import (
	"fmt"

	"github.com/chazu/codezone/vm"
)

// Runtime describes the addresses generated code refers to outside of
// itself: allocation region cells, the card table, last-frame cells and the
// stub routines every compiled method may call.
type Runtime struct {
	// Allocation region cells holding the current top and end of eden.
	EdenTop uint32
	EdenEnd uint32

	// ByteMapBase is the biased card table base used by the store check.
	ByteMapBase uint32

	// Cells recording the last compiled frame before a call into C.
	LastSP uint32
	LastFP uint32

	// Slow path entries of the inline allocation sequences.
	AllocateObject  uint32
	AllocateContext uint32
	AllocateBlock   uint32

	// Special handlers targeted by the call at the head of each method.
	RecompileHandler uint32
	ZombieHandler    uint32

	// Inline cache stubs.
	LookupStub      uint32
	MegamorphicStub uint32

	// CompileBlockStub is the shared target of block stubs whose block has
	// not been compiled yet.
	CompileBlockStub uint32

	UncommonTrap uint32

	Nil          vm.Oop
	ContextKlass vm.Oop
	BlockKlass   vm.Oop
	FloatKlass   vm.Oop
}

// RuntimeBase is the address of the stub area laid out by NewRuntime.
const RuntimeBase = 0x0800_0000

// stubSpacing separates consecutive stub routines.
const stubSpacing = 0x40

// NewRuntime lays the stub routines out at RuntimeBase and defines the
// context, block and float classes in u.
func NewRuntime(u *vm.Universe) *Runtime {
	next := uint32(RuntimeBase)
	stub := func() uint32 {
		a := next
		next += stubSpacing
		return a
	}
	rt := &Runtime{
		EdenTop:          stub(),
		EdenEnd:          stub(),
		LastSP:           stub(),
		LastFP:           stub(),
		AllocateObject:   stub(),
		AllocateContext:  stub(),
		AllocateBlock:    stub(),
		RecompileHandler: stub(),
		ZombieHandler:    stub(),
		LookupStub:       stub(),
		MegamorphicStub:  stub(),
		CompileBlockStub: stub(),
		UncommonTrap:     stub(),
		ByteMapBase:      stub(),
		Nil:              u.Nil,
	}
	rt.ContextKlass = u.DefineClass("Context", u.ObjectClass, 0).Oop
	rt.BlockKlass = u.DefineClass("BlockClosure", u.ObjectClass, BlockSlots).Oop
	rt.FloatKlass = u.DefineClass("Float", u.ObjectClass, FloatSlots).Oop
	return rt
}

// StubName names the stub routine at addr, or returns "".
func (rt *Runtime) StubName(addr uint32) string {
	switch addr {
	case rt.AllocateObject:
		return "allocate_object"
	case rt.AllocateContext:
		return "allocate_context"
	case rt.AllocateBlock:
		return "allocate_block"
	case rt.RecompileHandler:
		return "recompile_handler"
	case rt.ZombieHandler:
		return "zombie_handler"
	case rt.LookupStub:
		return "lookup_stub"
	case rt.MegamorphicStub:
		return "megamorphic_stub"
	case rt.CompileBlockStub:
		return "compile_block_stub"
	case rt.UncommonTrap:
		return "uncommon_trap"
	case rt.EdenTop:
		return "eden_top"
	case rt.EdenEnd:
		return "eden_end"
	case rt.LastSP:
		return "last_sp"
	case rt.LastFP:
		return "last_fp"
	case rt.ByteMapBase:
		return "byte_map_base"
	}
	return ""
}

// IsStub reports whether addr lies in the stub area.
func (rt *Runtime) IsStub(addr uint32) bool {
	return rt.StubName(addr) != ""
}

func (rt *Runtime) String() string {
	return fmt.Sprintf("runtime{stubs@%#x lookup=%#x zombie=%#x}", uint32(RuntimeBase), rt.LookupStub, rt.ZombieHandler)
}

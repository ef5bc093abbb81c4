package masm

import (
	"testing"

	"github.com/chazu/codezone/asm"
	"github.com/chazu/codezone/reloc"
	"github.com/chazu/codezone/vm"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

type listing struct {
	pos  []int
	inst []x86asm.Inst
}

func disassemble(t *testing.T, code []byte) listing {
	t.Helper()
	var l listing
	for pc := 0; pc < len(code); {
		inst, err := x86asm.Decode(code[pc:], 32)
		require.NoError(t, err, "decode at %d", pc)
		l.pos = append(l.pos, pc)
		l.inst = append(l.inst, inst)
		pc += inst.Len
	}
	return l
}

// target returns the branch target offset of instruction i.
func (l listing) target(i int) int {
	return l.pos[i] + l.inst[i].Len + int(l.inst[i].Args[0].(x86asm.Rel))
}

func (l listing) at(pos int) int {
	for i, p := range l.pos {
		if p == pos {
			return i
		}
	}
	return -1
}

func newTestMasm(t *testing.T) (*MacroAssembler, *vm.Universe) {
	u := vm.NewUniverse()
	rt := NewRuntime(u)
	return New(asm.NewCodeBuffer(t.Name(), 0x4000_0000, 1024, 128), rt), u
}

func TestAllocationFastAndSlowPathsShareFill(t *testing.T) {
	m, u := newTestMasm(t)
	point := u.DefineClass("Point", u.ObjectClass, 2)
	m.AllocateObject(asm.EAX, asm.EBX, point.Oop, 2, []asm.Register{asm.ECX, asm.EAX})
	afterFill := m.Pos()
	m.Ret(0)
	m.Finalize()

	l := disassemble(t, m.Buffer().Code())
	ja := -1
	for i, inst := range l.inst {
		if inst.Op == x86asm.JA {
			ja = i
			break
		}
	}
	require.NotEqual(t, -1, ja, "fast path size check")
	slow := l.at(l.target(ja))
	require.NotEqual(t, -1, slow)
	require.Greater(t, l.pos[slow], afterFill, "slow path is out of line")

	// The fill code starts right after the store of the new eden top.
	fill := l.pos[ja+2]
	require.Equal(t, x86asm.MOV, l.inst[ja+1].Op)

	// Slow path: save ecx, push size, call, pop esp adjust, restore ecx, jump back.
	require.Equal(t, x86asm.PUSH, l.inst[slow].Op)
	require.Equal(t, x86asm.ECX, l.inst[slow].Args[0])
	require.Equal(t, x86asm.PUSH, l.inst[slow+1].Op)
	require.Equal(t, x86asm.Imm(16), l.inst[slow+1].Args[0])
	require.Equal(t, x86asm.CALL, l.inst[slow+2].Op)
	require.Equal(t, m.Runtime().AllocateObject, m.Buffer().Addr(l.target(slow+2)))
	last := len(l.inst) - 1
	require.Equal(t, x86asm.POP, l.inst[last-1].Op)
	require.Equal(t, x86asm.JMP, l.inst[last].Op)
	require.Equal(t, fill, l.target(last))
}

func TestAllocationRelocations(t *testing.T) {
	m, u := newTestMasm(t)
	m.AllocateObject(asm.EAX, asm.EDX, u.ArrayClass.Oop, 1, nil)
	m.Finalize()
	counts := map[reloc.Type]int{}
	for _, e := range reloc.Decode(m.Buffer().Relocs()) {
		counts[e.Type]++
	}
	require.Equal(t, 3, counts[reloc.ExternalWord], "eden top twice, eden end once")
	require.Equal(t, 2, counts[reloc.Oop], "klass and nil fill")
	require.Equal(t, 1, counts[reloc.RuntimeCall])
}

func TestMethodEntryReachesSpecialHandler(t *testing.T) {
	m, u := newTestMasm(t)
	point := u.DefineClass("Point", u.ObjectClass, 2)
	e := m.MethodEntry(point.Oop, false)
	m.Return(0)
	m.Finalize()

	require.Equal(t, 0, e.SpecialHandlerCall)
	require.Greater(t, e.VerifiedEntry, e.Entry)
	require.GreaterOrEqual(t, e.SpecialHandlerCall-(e.VerifiedEntry+2), -128)

	l := disassemble(t, m.Buffer().Code())
	require.Equal(t, x86asm.CALL, l.inst[0].Op)
	require.Equal(t, m.Runtime().RecompileHandler, m.Buffer().Addr(l.target(0)))
	v := l.at(e.VerifiedEntry)
	require.Equal(t, x86asm.PUSH, l.inst[v].Op)
	require.Equal(t, e.VerifiedEntry+PrologueBytes, l.pos[v+2])
}

func TestSmallIntegerEntryChecksTag(t *testing.T) {
	m, u := newTestMasm(t)
	e := m.MethodEntry(u.SmallInteger.Oop, true)
	l := disassemble(t, m.Buffer().Code())
	i := l.at(e.Entry)
	require.Equal(t, x86asm.TEST, l.inst[i].Op)
	require.Equal(t, x86asm.JNE, l.inst[i+1].Op)
	require.Equal(t, m.Runtime().LookupStub, m.Buffer().Addr(l.target(i+1)))
}

func TestICCallLayout(t *testing.T) {
	m, u := newTestMasm(t)
	sel := u.Selectors.Intern("at:put:")
	var nlr asm.Label
	m.Nop()
	pos := m.ICCall(sel, &nlr, 2)
	m.Bind(&nlr)
	m.Finalize()

	require.Equal(t, ICSequenceLength, m.Pos()-pos)
	cb := m.Buffer()
	require.Equal(t, uint32(sel), cb.Word(pos+ICSelectorOffset))
	off, flags := asm.DecodeICInfo(cb.Word(pos + ICInfoOffset + 1))
	require.Equal(t, ICSequenceLength-ICInfoOffset, off)
	require.Equal(t, uint32(2), flags)
	require.Equal(t, []reloc.Entry{
		{Type: reloc.IC, Offset: pos + ICDisplacementOffset},
		{Type: reloc.Oop, Offset: pos + ICSelectorOffset},
	}, reloc.Decode(cb.Relocs()))
}

func TestStoreCheckMarksCard(t *testing.T) {
	m, _ := newTestMasm(t)
	m.StoreField(asm.EAX, 1, asm.ECX, asm.EDX)
	l := disassemble(t, m.Buffer().Code())
	last := l.inst[len(l.inst)-1]
	require.Equal(t, x86asm.MOV, last.Op)
	mem := last.Args[0].(x86asm.Mem)
	require.Equal(t, x86asm.EDX, mem.Base)
	require.Equal(t, m.Runtime().ByteMapBase, uint32(mem.Disp))
	require.Panics(t, func() { m.StoreCheck(asm.EAX, asm.EAX) })
}

func TestCallCRecordsLastFrame(t *testing.T) {
	m, _ := newTestMasm(t)
	m.CallC(0x0900_0000, asm.EAX, asm.ECX)
	l := disassemble(t, m.Buffer().Code())
	ops := make([]x86asm.Op, len(l.inst))
	for i, inst := range l.inst {
		ops[i] = inst.Op
	}
	require.Equal(t, []x86asm.Op{
		x86asm.MOV, x86asm.MOV, x86asm.PUSH, x86asm.PUSH, x86asm.CALL, x86asm.ADD, x86asm.MOV,
	}, ops)
	require.Equal(t, x86asm.ECX, l.inst[2].Args[0], "arguments pushed right to left")
}

func relocCounts(m *MacroAssembler) map[reloc.Type]int {
	counts := map[reloc.Type]int{}
	for _, e := range reloc.Decode(m.Buffer().Relocs()) {
		counts[e.Type]++
	}
	return counts
}

func TestAllocateContextLinksOuterAndHome(t *testing.T) {
	m, _ := newTestMasm(t)
	m.AllocateContext(asm.EDX, asm.EBX, asm.ECX, 1, []asm.Register{asm.EAX})
	m.Finalize()

	counts := relocCounts(m)
	require.Equal(t, 3, counts[reloc.ExternalWord])
	require.Equal(t, 1+ContextFixedSlots+1, counts[reloc.Oop], "klass and nil fill")
	require.Equal(t, 1, counts[reloc.RuntimeCall])

	l := disassemble(t, m.Buffer().Code())
	var stores []x86asm.Inst
	for _, inst := range l.inst {
		if inst.Op == x86asm.MOV {
			if mem, ok := inst.Args[0].(x86asm.Mem); ok && mem.Base == x86asm.EDX {
				if _, reg := inst.Args[1].(x86asm.Reg); reg {
					stores = append(stores, inst)
				}
			}
		}
	}
	require.Len(t, stores, 2)
	require.Equal(t, x86asm.ECX, stores[0].Args[1], "outer context")
	require.Equal(t, int64(FieldOffset(0)), stores[0].Args[0].(x86asm.Mem).Disp)
	require.Equal(t, x86asm.EBP, stores[1].Args[1], "home frame")

	for _, regs := range [][3]asm.Register{{asm.EDX, asm.EBX, asm.EDX}, {asm.EDX, asm.EBX, asm.EBX}} {
		m, _ := newTestMasm(t)
		require.Panics(t, func() { m.AllocateContext(regs[0], regs[1], regs[2], 0, nil) })
	}
}

func TestAllocateBlockEmbedsEntry(t *testing.T) {
	m, _ := newTestMasm(t)
	const entry = 0x3000_0040
	pos := m.AllocateBlock(asm.ECX, asm.EBX, asm.EDX, entry, []asm.Register{asm.EAX})
	m.Finalize()

	require.Equal(t, uint32(entry), m.Buffer().Word(pos))
	require.Contains(t, reloc.Decode(m.Buffer().Relocs()), reloc.Entry{Type: reloc.ExternalWord, Offset: pos})
	counts := relocCounts(m)
	require.Equal(t, 4, counts[reloc.ExternalWord], "eden cells and the entry")
	require.Equal(t, 1+BlockSlots, counts[reloc.Oop])

	for _, regs := range [][3]asm.Register{{asm.ECX, asm.EBX, asm.ECX}, {asm.ECX, asm.EBX, asm.EBX}} {
		m, _ := newTestMasm(t)
		require.Panics(t, func() { m.AllocateBlock(regs[0], regs[1], regs[2], entry, nil) })
	}
}

func TestCallKinds(t *testing.T) {
	m, _ := newTestMasm(t)
	m.CallPrimitive(0x0900_0000)
	m.CallDLL(0x0A00_0000, asm.EAX)
	m.UncommonTrap()
	m.LoadField(asm.EAX, asm.EAX, 1)
	m.Finalize()

	var kinds []reloc.Type
	for _, e := range reloc.Decode(m.Buffer().Relocs()) {
		if e.Type.IsPCRelative() {
			kinds = append(kinds, e.Type)
		}
	}
	require.Equal(t, []reloc.Type{reloc.Primitive, reloc.DLLCall, reloc.UncommonTrap}, kinds)

	l := disassemble(t, m.Buffer().Code())
	var calls []uint32
	for i, inst := range l.inst {
		if inst.Op == x86asm.CALL {
			calls = append(calls, m.Buffer().Addr(l.target(i)))
		}
	}
	require.Equal(t, []uint32{0x0900_0000, 0x0A00_0000, m.Runtime().UncommonTrap}, calls)

	last := l.inst[len(l.inst)-1]
	require.Equal(t, x86asm.MOV, last.Op)
	require.Equal(t, x86asm.EAX, last.Args[0])
	require.Equal(t, int64(FieldOffset(1)), last.Args[1].(x86asm.Mem).Disp)
}

func TestFloatPrimitive(t *testing.T) {
	m, _ := newTestMasm(t)
	m.FloatPrimitive(FloatMul, asm.ECX)
	m.Ret(0)
	m.Finalize()

	l := disassemble(t, m.Buffer().Code())
	ops := map[x86asm.Op]int{}
	for _, inst := range l.inst {
		ops[inst.Op]++
	}
	require.Equal(t, 2, ops[x86asm.FLD], "receiver and Float argument")
	require.Equal(t, 1, ops[x86asm.FILD], "SmallInteger argument")
	require.Equal(t, 1, ops[x86asm.FMULP])
	require.Equal(t, 1, ops[x86asm.FSTP])
	require.Equal(t, 1, relocCounts(m)[reloc.UncommonTrap])

	m, _ = newTestMasm(t)
	m.FloatPrimitive(FloatNegated, asm.NoReg)
	m.Finalize()
	require.Zero(t, relocCounts(m)[reloc.UncommonTrap])

	m, _ = newTestMasm(t)
	require.Panics(t, func() { m.FloatPrimitive(FloatAdd, asm.EDX) })
	require.Equal(t, "*", FloatMul.String())
	require.True(t, FloatAbs.Unary())
}

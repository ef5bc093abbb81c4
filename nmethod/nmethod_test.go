package nmethod

import (
	"testing"

	"github.com/chazu/codezone/asm"
	"github.com/chazu/codezone/masm"
	"github.com/chazu/codezone/reloc"
	"github.com/chazu/codezone/vm"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	u     *vm.Universe
	rt    *masm.Runtime
	cb    *asm.CodeBuffer
	point *vm.Class
	sel   vm.Oop
	nm    *NMethod
}

const (
	scratchBase = 0x5000_0000
	cacheAddr   = 0x4000_0000
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{u: vm.NewUniverse()}
	f.rt = masm.NewRuntime(f.u)
	f.point = f.u.DefineClass("Point", f.u.ObjectClass, 2)
	f.sel = f.u.Selectors.Intern("x")

	f.cb = asm.NewCodeBuffer(t.Name(), scratchBase, 512, 64)
	m := masm.New(f.cb, f.rt)
	e := m.MethodEntry(f.point.Oop, false)
	m.ICCall(f.sel, nil, 0)
	m.CallC(0x0900_0000)
	m.Return(0)
	m.Finalize()

	info := Info{
		Key:     vm.LookupKey{Klass: f.point.Oop, Selector: f.sel},
		Entries: e,
		Scopes: []ScopeDesc{
			{Kind: MethodScope, Selector: "x", Holder: "Point", Outer: -1},
			{Kind: InlinedScope, Selector: "y", Holder: "Point", Outer: 0, PCOffset: 12},
			{Kind: BlockScope, Selector: "x", BlockIndex: 2, Outer: 0, BCIStart: 4, BCIEnd: 9},
			{Kind: BlockScope, Selector: "x", BlockIndex: 1, Outer: 0, BCIStart: 10, BCIEnd: 12},
		},
		Dependencies: []vm.Oop{f.point.Oop},
	}
	l := NewLayout(f.cb, info)
	f.nm = l.Materialize(make([]byte, l.Size()), cacheAddr)
	return f
}

func TestMaterializedLayout(t *testing.T) {
	f := newFixture(t)
	nm := f.nm
	require.NoError(t, nm.Verify())
	require.True(t, nm.IsAlive())
	require.Equal(t, uint32(cacheAddr+HeaderSize), nm.CodeBegin())
	require.Zero(t, nm.Size()%asm.WordSize)

	code := nm.Code()
	require.Len(t, code, f.cb.AlignedCodeSize())
	for _, b := range code[f.cb.Pos():] {
		require.Equal(t, byte(asm.TrapByte), b)
	}
	require.Equal(t, f.cb.Relocs(), nm.Relocs())

	ics := nm.ICOffsets()
	require.Len(t, ics, 1)
	require.Equal(t, f.rt.LookupStub, nm.CallTarget(ics[0]), "pc-relative call keeps its target after the copy")
	require.Equal(t, f.rt.RecompileHandler, nm.CallTarget(nm.Entries().SpecialHandlerCall+1))

	scopes, err := nm.Scopes()
	require.NoError(t, err)
	require.Len(t, scopes, 4)
	require.Equal(t, 2, nm.NumBlocks())
	b1, err := nm.BlockScope(1)
	require.NoError(t, err)
	require.Equal(t, 10, b1.BCIStart)
	b2, err := nm.BlockScope(2)
	require.NoError(t, err)
	require.Equal(t, 4, b2.BCIStart)
	_, err = nm.BlockScope(3)
	require.Error(t, err)
}

func TestZombiePatchesEntries(t *testing.T) {
	f := newFixture(t)
	nm := f.nm
	nm.MarkForDeoptimization()
	require.True(t, nm.IsMarkedForDeoptimization())

	nm.MakeZombie(f.rt.ZombieHandler)
	require.True(t, nm.IsZombie())
	require.False(t, nm.IsMarkedForDeoptimization())
	e := nm.Entries()
	require.Equal(t, f.rt.ZombieHandler, nm.CallTarget(e.SpecialHandlerCall+1))

	code := nm.Code()
	require.Equal(t, byte(0xEB), code[e.VerifiedEntry])
	require.Equal(t, e.SpecialHandlerCall, e.VerifiedEntry+2+int(int8(code[e.VerifiedEntry+1])))
	require.NoError(t, nm.Verify())

	nm.Resurrect()
	require.True(t, nm.IsZombie())
	require.True(t, nm.IsResurrected())
	nm.ClearResurrected()

	require.Panics(t, func() { nm.MakeZombie(f.rt.ZombieHandler) })
	nm.MakeDead()
	require.True(t, nm.IsDead())
	require.Error(t, nm.Verify())
}

func TestIllegalTransitions(t *testing.T) {
	f := newFixture(t)
	require.Panics(t, f.nm.MakeDead)
	require.Panics(t, f.nm.Resurrect)
	require.False(t, CanTransition(Zombie, Alive))
	require.False(t, CanTransition(Dead, Zombie))
	require.True(t, CanTransition(Alive, Zombie))
}

func TestZombieJumpMustReachSpecialHandler(t *testing.T) {
	u := vm.NewUniverse()
	rt := masm.NewRuntime(u)
	cb := asm.NewCodeBuffer("far", scratchBase, 512, 16)
	m := masm.New(cb, rt)
	m.CallTo(rt.RecompileHandler, reloc.RuntimeCall)
	for i := 0; i < 200; i++ {
		m.Nop()
	}
	m.Align(masm.VerifiedEntryAlignment)
	verified := m.Pos()
	m.Enter()
	m.Return(0)
	m.Finalize()

	info := Info{Entries: masm.Entries{SpecialHandlerCall: 0, Entry: 5, VerifiedEntry: verified}}
	require.Panics(t, func() { NewLayout(cb, info) })
}

func TestRelocateAfterMove(t *testing.T) {
	f := newFixture(t)
	nm := f.nm
	moved := make([]byte, nm.Size())
	copy(moved, nm.Memory())
	const to = cacheAddr + 0x8000
	nm.Relocate(moved, to)

	require.Equal(t, uint32(to), nm.Address())
	require.Equal(t, f.rt.LookupStub, nm.CallTarget(nm.ICOffsets()[0]))
	require.Equal(t, f.rt.RecompileHandler, nm.CallTarget(nm.Entries().SpecialHandlerCall+1))
	require.True(t, nm.Contains(to+HeaderSize))
	require.False(t, nm.Contains(cacheAddr))
	require.NoError(t, nm.Verify())
}

func TestOopsDoAndSwitchPointers(t *testing.T) {
	f := newFixture(t)
	nm := f.nm
	var seen []vm.Oop
	nm.OopsDo(func(p *vm.Oop) { seen = append(seen, *p) })
	require.ElementsMatch(t, []vm.Oop{f.point.Oop, f.sel, f.point.Oop}, seen)

	other := f.u.Selectors.Intern("y")
	nm.SwitchPointers(f.sel, other)
	selWord := nm.ICOffsets()[0] - masm.ICDisplacementOffset + masm.ICSelectorOffset
	require.Equal(t, uint32(other), nm.Word(selWord))
}

func TestCountersDecayAndAge(t *testing.T) {
	f := newFixture(t)
	nm := f.nm
	for i := 0; i < 10; i++ {
		nm.Invoke()
	}
	nm.RecordUncommonTrap()
	nm.RecordUncommonTrap()
	nm.Decay(0.5)
	require.Equal(t, uint32(5), nm.InvocationCount())
	require.Equal(t, uint32(1), nm.UncommonTrapCount())
	for i := 0; i < 3; i++ {
		nm.IncrementAge(2)
	}
	require.Equal(t, 2, nm.Age())
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	f.nm.Invoke()
	data, err := MarshalSnapshot(f.nm.Snapshot())
	require.NoError(t, err)
	s, err := UnmarshalSnapshot(data)
	require.NoError(t, err)
	require.Equal(t, uint32(f.sel), s.Selector)
	require.Equal(t, f.nm.Code(), s.Code)
	require.Len(t, s.Relocs, len(reloc.Decode(f.nm.Relocs())))
	require.Len(t, s.Scopes, 4)
	require.Equal(t, uint32(1), s.Invocations)

	_, err = UnmarshalSnapshot([]byte{0xff})
	require.Error(t, err)
}

package backend

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chazu/codezone/config"
	"github.com/chazu/codezone/ic"
	"github.com/chazu/codezone/masm"
	"github.com/chazu/codezone/nmethod"
	"github.com/chazu/codezone/reloc"
	"github.com/chazu/codezone/vm"
	"github.com/chazu/codezone/zone"
)

func newCompiler(t *testing.T) (*Compiler, *zone.Zone, *vm.Class) {
	t.Helper()
	u := vm.NewUniverse()
	cfg := config.Default()
	cfg.Zone.Size = 256 * 1024
	z, err := zone.New(cfg, u, masm.NewRuntime(u))
	require.NoError(t, err)
	t.Cleanup(func() { z.Close() })
	point := u.DefineClass("Point", u.ObjectClass, 2)
	return New(z), z, point
}

func TestCompileMethod(t *testing.T) {
	c, z, point := newCompiler(t)
	nm := c.Compile(Method{Klass: point, Selector: "dist:", Temps: 2, Sends: []string{"x", "y", "sqrt"}})

	require.Same(t, nm, z.Lookup(nm.Key()))
	sites := ic.CompiledICs(z.Dispatch(), nm)
	require.Len(t, sites, 3)
	require.Equal(t, "sqrt", z.Universe().SelectorName(sites[2].Selector()))
	scopes, err := nm.Scopes()
	require.NoError(t, err)
	require.Equal(t, "dist:", scopes[0].Selector)
	require.Equal(t, 1, c.Compiled())
	require.NoError(t, z.Verify())
}

func TestBlocksCompileOnFirstCall(t *testing.T) {
	c, z, point := newCompiler(t)
	nm := c.Compile(Method{
		Klass:    point,
		Selector: "do:",
		Sends:    []string{"value:"},
		Blocks:   []Block{{Sends: []string{"printNl"}, BCIStart: 3, BCIEnd: 9}, {BCIStart: 10, BCIEnd: 12}},
	})
	jt := z.JumpTable()
	blocks := jt.Blocks(nm.MainID)
	require.Len(t, blocks, 2)

	entry := z.CompileBlock(jt.EntryAddress(blocks[1]))
	block := z.FindNMethod(entry)
	require.NotNil(t, block)
	require.True(t, block.IsBlock)
	require.Equal(t, 2, block.BlockIndex)
	require.Equal(t, entry, jt.Destination(blocks[1]))
	require.Equal(t, z.Stubs().CompileBlockStub, jt.Destination(blocks[0]), "only the called block is compiled")
	require.Same(t, nm, z.Family(block))
	require.Empty(t, ic.CompiledICs(z.Dispatch(), block))

	entry = z.CompileBlock(jt.EntryAddress(blocks[0]))
	first := z.FindNMethod(entry)
	require.Len(t, ic.CompiledICs(z.Dispatch(), first), 1)
	scopes, err := first.Scopes()
	require.NoError(t, err)
	require.Equal(t, 3, scopes[0].BCIStart)
	require.Equal(t, 3, c.Compiled())
	require.NoError(t, z.Verify())

	require.Panics(t, func() { z.CompileBlock(jt.EntryAddress(nm.MainID)) }, "method stubs are not block stubs")
}

func TestRecompileKeepsOldCodeForOneFlush(t *testing.T) {
	c, z, point := newCompiler(t)
	desc := Method{Klass: point, Selector: "do:", Blocks: []Block{{}}}
	old := c.Compile(desc)
	jt := z.JumpTable()
	stub := jt.EntryAddress(jt.Blocks(old.MainID)[0])
	block := z.FindNMethod(z.CompileBlock(stub))
	require.NotNil(t, block)

	desc.Level = 1
	fresh := c.Recompile(desc)
	require.Same(t, fresh, z.Lookup(desc.Key(z.Universe())))
	require.True(t, old.IsZombie())
	require.True(t, old.IsResurrected())
	require.True(t, block.IsZombie())
	require.Equal(t, z.Stubs().CompileBlockStub, jt.Destination(block.MainID))

	require.Equal(t, 1, z.FlushZombies(), "the block goes, the method stays")
	require.True(t, block.IsDead())
	require.True(t, old.IsZombie())

	// A closure made by a running activation of the old code.
	late := z.FindNMethod(z.CompileBlock(stub))
	require.NotNil(t, late)
	require.Same(t, old, z.Family(late))
	require.Equal(t, z.Stubs().CompileBlockStub, jt.Destination(jt.Blocks(fresh.MainID)[0]), "the new family is untouched")
	require.NoError(t, z.Verify())

	require.Equal(t, 2, z.FlushZombies())
	require.True(t, old.IsDead())
	require.True(t, late.IsDead())
	require.NoError(t, z.Verify())

	require.Equal(t, 2, c.Families())
	c.Recompile(desc)
	require.Equal(t, 2, c.Families(), "the flushed family is forgotten")
}

func relocKinds(nm *nmethod.NMethod) map[reloc.Type][]int {
	out := map[reloc.Type][]int{}
	for _, e := range reloc.Decode(nm.Relocs()) {
		out[e.Type] = append(out[e.Type], e.Offset)
	}
	return out
}

func TestClosuresCallThroughBlockStubs(t *testing.T) {
	c, z, point := newCompiler(t)
	nm := c.Compile(Method{
		Klass:     point,
		Selector:  "collect:",
		Temps:     1,
		Sends:     []string{"do:"},
		Blocks:    []Block{{Sends: []string{"value:"}}, {}},
		Primitive: 0x0900_0000,
		External:  0x0A00_0000,
	})
	jt := z.JumpTable()
	var stubs []uint32
	for _, id := range jt.Blocks(nm.MainID) {
		stubs = append(stubs, jt.EntryAddress(id))
	}

	kinds := relocKinds(nm)
	var words []uint32
	for _, off := range kinds[reloc.ExternalWord] {
		words = append(words, nm.Word(off))
	}
	for _, stub := range stubs {
		require.Contains(t, words, stub, "closure entry")
	}
	require.Len(t, kinds[reloc.Primitive], 1)
	require.Equal(t, uint32(0x0900_0000), nm.CallTarget(kinds[reloc.Primitive][0]))
	require.Len(t, kinds[reloc.DLLCall], 1)
	require.Equal(t, uint32(0x0A00_0000), nm.CallTarget(kinds[reloc.DLLCall][0]))
	require.Len(t, ic.CompiledICs(z.Dispatch(), nm), 1)

	// The stubs live outside the cache, so compaction leaves the
	// embedded entries alone.
	z.Compact()
	for i, off := range relocKinds(nm)[reloc.ExternalWord] {
		require.Equal(t, words[i], nm.Word(off))
	}
	entry := z.CompileBlock(stubs[0])
	require.Len(t, ic.CompiledICs(z.Dispatch(), z.FindNMethod(entry)), 1)
	require.NoError(t, z.Verify())
}

func TestAccessAndFloatMethods(t *testing.T) {
	c, z, point := newCompiler(t)
	u := z.Universe()

	access := c.Compile(Method{Klass: point, Selector: "y", Access: true, Field: 1})
	require.Empty(t, relocKinds(access)[reloc.IC])

	float := u.ClassAt(z.Stubs().FloatKlass)
	require.NotNil(t, float)
	plus := c.Compile(Method{Klass: float, Selector: "+", Float: masm.FloatAdd})
	kinds := relocKinds(plus)
	require.Len(t, kinds[reloc.UncommonTrap], 1, "non-numeric arguments trap")
	require.Equal(t, z.Stubs().UncommonTrap, plus.CallTarget(kinds[reloc.UncommonTrap][0]))
	require.Len(t, kinds[reloc.RuntimeCall], 4, "special handler, two class check misses and the allocation slow path")

	abs := c.Compile(Method{Klass: float, Selector: "abs", Float: masm.FloatAbs})
	require.Empty(t, relocKinds(abs)[reloc.UncommonTrap])
	require.NoError(t, z.Verify())

	require.Panics(t, func() {
		c.Compile(Method{Klass: point, Selector: "x", Access: true, Blocks: []Block{{}}})
	})
}

func TestDescribeAccessMethod(t *testing.T) {
	_, z, point := newCompiler(t)
	m := z.Universe().DefineMethod(point, "x", vm.MethodAccess, nil)
	m.Field = 0
	desc := Describe(z.Dispatch(), m)
	require.True(t, desc.Access)
	require.Empty(t, desc.Sends)
}

func TestDescribe(t *testing.T) {
	_, z, point := newCompiler(t)
	u := z.Universe()
	code := append(ic.EncodeSend(ic.NormalSend, u.Selectors.Intern("x")), ic.EncodeSend(ic.SelfSend, u.Selectors.Intern("y"))...)
	m := u.DefineMethod(point, "sum", vm.MethodNormal, code)
	m.NumBlocks = 1

	desc := Describe(z.Dispatch(), m)
	require.Same(t, point, desc.Klass)
	require.Equal(t, "sum", desc.Selector)
	require.Equal(t, []string{"x", "y"}, desc.Sends)
	require.Len(t, desc.Blocks, 1)
}

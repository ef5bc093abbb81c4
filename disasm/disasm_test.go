package disasm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chazu/codezone/asm"
	"github.com/chazu/codezone/masm"
	"github.com/chazu/codezone/nmethod"
	"github.com/chazu/codezone/reloc"
	"github.com/chazu/codezone/vm"
)

func compile(t *testing.T) (*nmethod.NMethod, *masm.Runtime) {
	t.Helper()
	u := vm.NewUniverse()
	rt := masm.NewRuntime(u)
	point := u.DefineClass("Point", u.ObjectClass, 2)
	cb := asm.NewCodeBuffer(t.Name(), 0x5000_0000, 256, 32)
	m := masm.New(cb, rt)
	e := m.MethodEntry(point.Oop, false)
	m.ICCall(u.Selectors.Intern("x"), nil, 0)
	m.Return(0)
	m.Finalize()
	l := nmethod.NewLayout(cb, nmethod.Info{Key: vm.LookupKey{Klass: point.Oop, Selector: u.Selectors.Intern("x")}, Entries: e})
	return l.Materialize(make([]byte, l.Size()), 0x4000_0000), rt
}

func TestDecodeMarksEntriesAndRelocs(t *testing.T) {
	nm, rt := compile(t)
	lines := Decode(nm, Symbols(rt))

	byOffset := map[int]Line{}
	for _, l := range lines {
		byOffset[l.Offset] = l
	}
	e := nm.Entries()
	require.Contains(t, byOffset[e.SpecialHandlerCall].Marks, "special handler")
	require.Contains(t, byOffset[e.SpecialHandlerCall].Text, "recompile_handler")
	require.Contains(t, byOffset[e.VerifiedEntry].Marks, "verified entry")

	call := nm.ICOffsets()[0] - masm.ICDisplacementOffset
	ic := byOffset[call]
	require.Contains(t, ic.Marks, "inline cache")
	require.Equal(t, []reloc.Type{reloc.IC}, ic.Relocs)
	require.Contains(t, ic.Text, "lookup_stub")

	var n int
	for _, l := range lines {
		n += len(l.Relocs)
	}
	require.Equal(t, len(reloc.Decode(nm.Relocs())), n, "every relocation lands on an instruction")
}

func TestFprint(t *testing.T) {
	nm, rt := compile(t)
	var buf bytes.Buffer
	require.NoError(t, Fprint(&buf, nm, Symbols(rt)))
	out := buf.String()
	require.Contains(t, out, "<entry>")
	require.Contains(t, out, "; ic")
	require.NotContains(t, out, "(bad)")
}

package jumptable

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	testBase        = 0x3000_0000
	testCompileStub = 0x0800_0100
)

func TestFreeListReuseIsLIFO(t *testing.T) {
	jt := New(10, 0, testBase, testCompileStub)
	a, b, c := jt.Allocate(1), jt.Allocate(1), jt.Allocate(1)
	require.Equal(t, []int{0, 1, 2}, []int{a.Index, b.Index, c.Index})

	jt.FreeID(b)
	again := jt.Allocate(1)
	require.Equal(t, 1, again.Index)
	require.NotEqual(t, b.Gen, again.Gen)
	require.Equal(t, 3, jt.UsedIDs())
	require.NoError(t, jt.Check())
}

func TestCapacityExhaustionIsFatal(t *testing.T) {
	jt := New(10, 0, testBase, testCompileStub)
	for i := 0; i < 8; i++ {
		jt.Allocate(1)
	}
	require.Panics(t, func() { jt.Allocate(1) })
}

func TestStaleIDIsFatal(t *testing.T) {
	jt := New(10, 0, testBase, testCompileStub)
	id := jt.Allocate(1)
	jt.FreeID(id)
	require.Panics(t, func() { jt.SetDestination(id, 0x1234) })
	require.Panics(t, func() { jt.FreeID(id) })
}

func TestMethodStubWireForm(t *testing.T) {
	jt := New(10, 0, testBase, testCompileStub)
	jt.Allocate(1)
	id := jt.Allocate(1)
	jt.SetDestination(id, 0x4000_0040)

	addr := jt.EntryAddress(id)
	require.Equal(t, uint32(testBase+EntrySize), addr)
	b := jt.EntryBytes(id)
	require.Len(t, b, EntrySize)
	require.Equal(t, byte(jmpOpcode), b[0])
	require.Equal(t, byte(MethodStub), b[tagOffset])
	require.Equal(t, uint32(0x4000_0040), DecodeDestination(b, addr))

	got, ok := jt.IDAt(addr)
	require.True(t, ok)
	require.Equal(t, id, got)
	_, ok = jt.IDAt(addr + 1)
	require.False(t, ok)
}

func TestFamilyLayout(t *testing.T) {
	jt := New(10, 16, testBase, testCompileStub)
	id := jt.Allocate(3)
	require.Equal(t, MethodStub, jt.KindOf(id))
	blocks := jt.Blocks(id)
	require.Len(t, blocks, 2)
	for i, b := range blocks {
		require.Equal(t, BlockStub, jt.KindOf(b))
		require.Equal(t, uint32(testCompileStub), jt.Destination(b))
		require.Equal(t, jt.EntryAddress(id)+uint32((i+1)*EntrySize), jt.EntryAddress(b))
		got, ok := jt.IDAt(jt.EntryAddress(b))
		require.True(t, ok)
		require.Equal(t, b, got)
	}
	require.Equal(t, 3, jt.Stats().BlocksUsed)
	require.NoError(t, jt.Verify())
}

type recordingCompiler struct {
	family ID
	index  int
	dest   uint32
}

func (c *recordingCompiler) CompileBlock(family ID, index int) uint32 {
	c.family, c.index = family, index
	return c.dest
}

func TestCompileBlockPatchesStub(t *testing.T) {
	jt := New(10, 16, testBase, testCompileStub)
	jt.Allocate(2)
	id := jt.Allocate(4)
	b := jt.Blocks(id)[2]

	c := &recordingCompiler{dest: 0x4000_1000}
	require.Equal(t, c.dest, jt.CompileBlock(jt.EntryAddress(b), c))
	require.Equal(t, id, c.family)
	require.Equal(t, 3, c.index)
	require.Equal(t, c.dest, jt.Destination(b))
	require.Equal(t, c.dest, DecodeDestination(jt.EntryBytes(b), jt.EntryAddress(b)))

	require.Panics(t, func() { jt.CompileBlock(jt.EntryAddress(id), c) })
}

func TestFreeFamilyReleasesSideBlock(t *testing.T) {
	jt := New(10, 6, testBase, testCompileStub)
	a := jt.Allocate(3)
	b := jt.Allocate(3)
	addrA := jt.EntryAddress(a)
	jt.FreeID(a)
	require.Equal(t, 3, jt.Stats().BlocksUsed)
	c := jt.Allocate(3)
	require.Equal(t, addrA, jt.EntryAddress(c), "side block reused")
	jt.FreeID(b)
	jt.FreeID(c)
	require.Equal(t, 0, jt.Stats().BlocksUsed)
	// The whole area is one run again.
	jt.Allocate(6)
	require.NoError(t, jt.Verify())
}

func TestFreeListIntegrityUnderRandomUse(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	jt := New(64, 256, testBase, testCompileStub)
	var live []ID
	for step := 0; step < 2000; step++ {
		if len(live) > 0 && (rng.Intn(2) == 0 || len(live) == 60) {
			i := rng.Intn(len(live))
			jt.FreeID(live[i])
			live = append(live[:i], live[i+1:]...)
		} else if len(live) < 60 {
			n := 1
			if rng.Intn(4) == 0 {
				n = 2 + rng.Intn(2)
			}
			live = append(live, jt.Allocate(n))
		}
		require.NoError(t, jt.Check(), "step %d", step)
		require.Equal(t, len(live), jt.UsedIDs())
	}
	require.NoError(t, jt.Verify())
}

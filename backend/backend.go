// Package backend is a template code generator: it turns a method
// description into machine code through the macro assembler and installs
// the result in a code cache. Non-inlined blocks are compiled lazily, on
// the first call through their block stub.
package backend

import (
	"fmt"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/codezone/asm"
	"github.com/chazu/codezone/fatal"
	"github.com/chazu/codezone/ic"
	"github.com/chazu/codezone/jumptable"
	"github.com/chazu/codezone/masm"
	"github.com/chazu/codezone/nmethod"
	"github.com/chazu/codezone/vm"
	"github.com/chazu/codezone/zone"
)

var log = commonlog.GetLogger("codezone.backend")

// scratchBase is where code buffers are assembled before installation.
const scratchBase = 0x5000_0000

// Block describes a block the front end did not inline.
type Block struct {
	Sends    []string
	BCIStart int
	BCIEnd   int
}

// Method describes a method to compile.
type Method struct {
	Klass        *vm.Class
	Selector     string
	SmallInteger bool
	Temps        int
	Sends        []string
	Blocks       []Block
	Dependencies []vm.Oop
	Level        int

	// Access methods answer instance variable Field of the receiver.
	Access bool
	Field  int

	// Float selects an inline Float primitive replacing the body.
	Float masm.FloatOp

	// Primitive is the address of a primitive routine tried before the
	// body; the body runs when it fails.
	Primitive uint32

	// External is the address of a library function called with the
	// receiver before the sends.
	External uint32
}

// Key returns the lookup key the compiled method is published under.
func (m Method) Key(u *vm.Universe) vm.LookupKey {
	return vm.LookupKey{Klass: m.Klass.Oop, Selector: u.Selectors.Intern(m.Selector)}
}

// Compiler installs compiled methods in a zone. It registers itself as
// the zone's block compiler.
type Compiler struct {
	zone *zone.Zone

	mu       sync.Mutex
	families map[jumptable.ID]Method
	compiled int
}

// New creates a compiler for z.
func New(z *zone.Zone) *Compiler {
	c := &Compiler{zone: z, families: make(map[jumptable.ID]Method)}
	z.SetBlockCompiler(c)
	return c
}

// Compiled returns the number of methods and blocks compiled so far.
func (c *Compiler) Compiled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.compiled
}

func (c *Compiler) buffer(name string) (*asm.CodeBuffer, *masm.MacroAssembler) {
	cb := asm.NewCodeBuffer(name, scratchBase, 4096, 256)
	return cb, masm.New(cb, c.zone.Stubs())
}

func (c *Compiler) emitSends(m *masm.MacroAssembler, sends []string) {
	u := c.zone.Universe()
	for _, s := range sends {
		m.ICCall(u.Selectors.Intern(s), nil, 0)
	}
}

// body emits everything after the method entry and returns the code
// offsets of the closure entry words, one per block.
func (c *Compiler) body(m *masm.MacroAssembler, desc Method) []int {
	switch {
	case desc.Access:
		m.LoadField(asm.EAX, asm.EAX, desc.Field)
		m.Return(0)
		return nil
	case desc.Float != masm.FloatNone:
		if !desc.Float.Unary() {
			m.MovlRM(asm.ECX, asm.Mem(asm.EBP, 8))
		}
		m.FloatPrimitive(desc.Float, asm.ECX)
		m.Return(0)
		return nil
	}

	if desc.Primitive != 0 {
		m.CallPrimitive(desc.Primitive)
	}
	m.ReserveLocals(desc.Temps)
	var closures []int
	if len(desc.Blocks) > 0 {
		// every closure shares one context; the method has no outer one
		live := []asm.Register{asm.EAX}
		m.LoadOop(asm.ECX, c.zone.Universe().Nil)
		m.AllocateContext(asm.EDX, asm.EBX, asm.ECX, desc.Temps, live)
		for range desc.Blocks {
			closures = append(closures, m.AllocateBlock(asm.ECX, asm.EBX, asm.EDX, 0, append(live, asm.EDX)))
			m.Pushl(asm.ECX)
		}
	}
	if desc.External != 0 {
		m.CallDLL(desc.External, asm.EAX)
	}
	c.emitSends(m, desc.Sends)
	m.Return(0)
	return closures
}

// Compile generates and installs code for desc. An existing live method
// for the same key must be replaced through Recompile.
func (c *Compiler) Compile(desc Method) *nmethod.NMethod {
	fatal.Check(desc.Klass != nil, "backend: %s has no class", desc.Selector)
	fatal.Check(len(desc.Blocks) == 0 || !desc.Access && desc.Float == masm.FloatNone,
		"backend: %s>>%s cannot have blocks", desc.Klass.Name, desc.Selector)
	u := c.zone.Universe()
	cb, m := c.buffer(fmt.Sprintf("%s>>%s", desc.Klass.Name, desc.Selector))
	e := m.MethodEntry(desc.Klass.Oop, desc.SmallInteger)
	closures := c.body(m, desc)
	m.Finalize()

	scopes := []nmethod.ScopeDesc{{Kind: nmethod.MethodScope, Selector: desc.Selector, Holder: desc.Klass.Name, Outer: -1}}
	for i, b := range desc.Blocks {
		scopes = append(scopes, nmethod.ScopeDesc{
			Kind:       nmethod.BlockScope,
			Selector:   desc.Selector,
			Holder:     desc.Klass.Name,
			BlockIndex: i + 1,
			Outer:      0,
			BCIStart:   b.BCIStart,
			BCIEnd:     b.BCIEnd,
		})
	}
	nm := c.zone.Install(cb, nmethod.Info{
		Key:          desc.Key(u),
		Entries:      e,
		Scopes:       scopes,
		Dependencies: desc.Dependencies,
		Level:        desc.Level,
	})

	// The block stubs exist only now that the family is allocated.
	jt := c.zone.JumpTable()
	for i, id := range jt.Blocks(nm.MainID) {
		nm.SetWord(closures[i], jt.EntryAddress(id))
	}

	c.mu.Lock()
	c.compiled++
	if len(desc.Blocks) > 0 {
		c.families[nm.MainID] = desc
	}
	c.mu.Unlock()
	log.Debugf("compiled %s (%d sends, %d blocks)", nm, len(desc.Sends), len(desc.Blocks))
	return nm
}

// Recompile replaces the live method for desc's key. The old method and
// its compiled blocks become zombies; the method survives the next zombie
// flush while activations of it may still be running. Until it is flushed,
// closures those activations created still compile their blocks in the
// old family.
func (c *Compiler) Recompile(desc Method) *nmethod.NMethod {
	if old := c.zone.Lookup(desc.Key(c.zone.Universe())); old != nil {
		jt := c.zone.JumpTable()
		for _, id := range jt.Blocks(old.MainID) {
			if b := c.zone.Owner(id); b != nil && b.IsAlive() {
				c.zone.MakeZombie(b)
			}
		}
		c.zone.MakeZombie(old)
		old.Resurrect()
	}
	c.prune()
	return c.Compile(desc)
}

// prune forgets the families whose method has been flushed.
func (c *Compiler) prune() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.families {
		if c.zone.Owner(id) == nil {
			delete(c.families, id)
		}
	}
}

// Families returns the number of block families the compiler can still
// compile blocks for.
func (c *Compiler) Families() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.families)
}

// CompileBlock compiles block index of the method owning family. It is
// called by the jump table on the first call through the block stub.
func (c *Compiler) CompileBlock(family jumptable.ID, index int) uint32 {
	c.mu.Lock()
	desc, ok := c.families[family]
	c.mu.Unlock()
	fatal.Check(ok, "backend: no method for family %s", family)
	fatal.Check(index >= 1 && index <= len(desc.Blocks), "backend: %s has no block %d", family, index)
	parent := c.zone.Owner(family)
	fatal.Check(parent != nil, "backend: family %s has been flushed", family)

	b := desc.Blocks[index-1]
	cb, m := c.buffer(fmt.Sprintf("%s>>%s[%d]", desc.Klass.Name, desc.Selector, index))
	e := m.MethodEntry(0, false)
	c.emitSends(m, b.Sends)
	m.Return(0)
	m.Finalize()

	nm := c.zone.Install(cb, nmethod.Info{
		Key:     parent.Key(),
		Entries: e,
		Scopes: []nmethod.ScopeDesc{{
			Kind:     nmethod.MethodScope,
			Selector: desc.Selector,
			Holder:   desc.Klass.Name,
			Outer:    -1,
			BCIStart: b.BCIStart,
			BCIEnd:   b.BCIEnd,
		}},
		Dependencies: parent.Dependencies,
		Level:        parent.Level,
		IsBlock:      true,
		Family:       family,
		BlockIndex:   index,
	})
	c.mu.Lock()
	c.compiled++
	c.mu.Unlock()
	return nm.VerifiedEntryAddr()
}

// Describe builds a description of an interpreted method: one send per
// send site and one empty block per non-inlined block literal. Access
// methods are described as such.
func Describe(rt *ic.Runtime, m *vm.Method) Method {
	u := rt.Universe
	desc := Method{Klass: m.Holder, Selector: u.SelectorName(m.Selector)}
	if m.Kind == vm.MethodAccess {
		desc.Access, desc.Field = true, m.Field
		return desc
	}
	for _, pc := range ic.SendSites(m) {
		sel := ic.NewInterpretedIC(rt, m, pc).Selector()
		desc.Sends = append(desc.Sends, u.SelectorName(sel))
	}
	for i := 0; i < m.NumBlocks; i++ {
		desc.Blocks = append(desc.Blocks, Block{})
	}
	return desc
}

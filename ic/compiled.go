package ic

import (
	"slices"

	"github.com/chazu/codezone/asm"
	"github.com/chazu/codezone/fatal"
	"github.com/chazu/codezone/masm"
	"github.com/chazu/codezone/nmethod"
	"github.com/chazu/codezone/vm"
)

// CompiledIC is a view of an inline cache call in compiled code. The
// state is encoded entirely in the call destination:
//
//	lookup stub       anamorphic
//	method entry      monomorphic, compiled target
//	1-entry array     monomorphic, interpreted target
//	n-entry array     polymorphic
//	megamorphic stub  megamorphic
//
// Super sends are bound statically by the compiler and never use one.
type CompiledIC struct {
	rt  *Runtime
	nm  *nmethod.NMethod
	off int
}

// CompiledICAt returns the inline cache whose call instruction is at addr
// in nm. It aborts when there is none.
func CompiledICAt(rt *Runtime, nm *nmethod.NMethod, addr uint32) *CompiledIC {
	fatal.Check(nm.Contains(addr), "ic: %#x is outside %s", addr, nm)
	off := int(addr-nm.CodeBegin()) + masm.ICDisplacementOffset
	fatal.Check(slices.Contains(nm.ICOffsets(), off), "ic: no inline cache call at %#x in %s", addr, nm)
	return &CompiledIC{rt: rt, nm: nm, off: off}
}

// CompiledICs returns every inline cache of nm in code order.
func CompiledICs(rt *Runtime, nm *nmethod.NMethod) []*CompiledIC {
	offs := nm.ICOffsets()
	out := make([]*CompiledIC, len(offs))
	for i, off := range offs {
		out[i] = &CompiledIC{rt: rt, nm: nm, off: off}
	}
	return out
}

// ClearAll clears every inline cache of nm.
func ClearAll(rt *Runtime, nm *nmethod.NMethod) {
	for _, c := range CompiledICs(rt, nm) {
		c.Clear()
	}
}

// NMethod returns the compiled method holding the call.
func (c *CompiledIC) NMethod() *nmethod.NMethod { return c.nm }

func (c *CompiledIC) call() int { return c.off - masm.ICDisplacementOffset }

// Addr returns the address of the call instruction.
func (c *CompiledIC) Addr() uint32 { return c.nm.CodeBegin() + uint32(c.call()) }

// Selector returns the selector recorded after the call.
func (c *CompiledIC) Selector() vm.Oop {
	return vm.Oop(c.nm.Word(c.call() + masm.ICSelectorOffset))
}

// Info returns the non-local return offset and flags recorded after the
// call.
func (c *CompiledIC) Info() (nlr int, flags uint32) {
	return asm.DecodeICInfo(c.nm.Word(c.call() + masm.ICInfoOffset + 1))
}

// Destination returns the current call target.
func (c *CompiledIC) Destination() uint32 { return c.nm.CallTarget(c.off) }

func (c *CompiledIC) setDestination(dest uint32) { c.nm.SetCallTarget(c.off, dest) }

func (c *CompiledIC) array() *PolymorphicArray { return c.rt.Arrays.At(c.Destination()) }

// target returns the compiled method the call enters directly, or nil.
func (c *CompiledIC) target() *nmethod.NMethod {
	if c.rt.Code == nil {
		return nil
	}
	return c.rt.Code.FindNMethod(c.Destination())
}

// State classifies the call destination.
func (c *CompiledIC) State() State {
	dest := c.Destination()
	switch {
	case dest == c.rt.Stubs.LookupStub:
		return Anamorphic
	case dest == c.rt.Stubs.MegamorphicStub:
		return Megamorphic
	}
	if a := c.array(); a != nil {
		if len(a.Entries) == 1 {
			return Monomorphic
		}
		return Polymorphic
	}
	fatal.Check(c.target() != nil, "ic: call at %#x has unknown destination %#x", c.Addr(), dest)
	return Monomorphic
}

func (c *CompiledIC) compiledTarget(nm *nmethod.NMethod) Target {
	key := nm.Key()
	return Target{
		Method:  c.rt.Universe.Lookup(key.Klass, key.Selector),
		NMethod: nm,
		Entry:   c.rt.Jumps.EntryAddress(nm.MainID),
	}
}

func (c *CompiledIC) probe(recv vm.Oop) (Target, bool) {
	switch c.State() {
	case Anamorphic:
		return Target{}, false
	case Megamorphic:
		return c.rt.Lookup(recv, c.Selector())
	}
	if a := c.array(); a != nil {
		i := a.Find(recv)
		if i < 0 {
			return Target{}, false
		}
		t := a.Entries[i].Target
		return t, t.NMethod == nil || t.NMethod.IsAlive()
	}
	nm := c.target()
	if !nm.IsAlive() || nm.Key().Klass != recv {
		return Target{}, false
	}
	return c.compiledTarget(nm), true
}

// Send dispatches a send from the call to receiver.
func (c *CompiledIC) Send(receiver vm.Oop, args []vm.Oop) Target {
	recv := c.rt.Universe.ClassOf(receiver).Oop
	if t, ok := c.probe(recv); ok {
		c.rt.Stats.Hits.Add(1)
		return t
	}
	c.rt.Stats.Misses.Add(1)
	t, ok := c.Miss(recv)
	if !ok {
		return DoesNotUnderstand(c.rt, receiver, c.Selector(), args)
	}
	return t
}

// Miss handles a cache miss for receivers of class recv and moves the
// call forward. It reports false, leaving the call unchanged, when the
// lookup fails.
func (c *CompiledIC) Miss(recv vm.Oop) (Target, bool) {
	sel := c.Selector()
	t, ok := c.rt.Lookup(recv, sel)
	if !ok {
		return Target{}, false
	}

	from := c.State()
	switch from {
	case Anamorphic:
		c.setMono(recv, t)
	case Monomorphic:
		var old Entry
		if a := c.array(); a != nil {
			old = a.Entries[0]
		} else {
			nm := c.target()
			old = Entry{Klass: nm.Key().Klass, Target: c.compiledTarget(nm)}
		}
		switch {
		case old.Klass == recv:
			c.setMono(recv, t)
		case c.rt.Limit < 2:
			c.setMega()
		default:
			a := c.rt.Arrays.Allocate(2)
			a.Entries = append(a.Entries, old, Entry{Klass: recv, Target: t})
			c.release()
			c.setDestination(a.Addr())
		}
	case Polymorphic:
		a := c.array()
		switch i := a.Find(recv); {
		case i >= 0:
			a.Entries[i].Target = t
		case len(a.Entries) < c.rt.Limit:
			b := c.rt.Arrays.Grow(a)
			b.Entries = append(b.Entries, Entry{Klass: recv, Target: t})
			c.setDestination(b.Addr())
		default:
			c.setMega()
		}
	}
	c.rt.Stats.transition(from, c.State())
	return t, true
}

// release frees the array the call points at, if any.
func (c *CompiledIC) release() {
	if a := c.array(); a != nil {
		c.rt.Arrays.Free(a)
	}
}

// setMono points the call at a compiled target directly, or at a
// one-entry array for an interpreted one.
func (c *CompiledIC) setMono(recv vm.Oop, t Target) {
	c.release()
	if t.NMethod != nil {
		c.setDestination(t.NMethod.EntryAddr())
		return
	}
	a := c.rt.Arrays.Allocate(1)
	a.Entries = append(a.Entries, Entry{Klass: recv, Target: t})
	c.setDestination(a.Addr())
}

func (c *CompiledIC) setMega() {
	c.release()
	c.setDestination(c.rt.Stubs.MegamorphicStub)
}

// Clear points the call back at the lookup stub.
func (c *CompiledIC) Clear() {
	c.release()
	c.setDestination(c.rt.Stubs.LookupStub)
}

// Cleanup revalidates the cached targets against a fresh lookup. Stale
// targets are replaced in place; the call is cleared when a cached class
// no longer understands the selector or its target has been flushed.
func (c *CompiledIC) Cleanup() {
	sel := c.Selector()
	if dest := c.Destination(); dest == c.rt.Stubs.LookupStub || dest == c.rt.Stubs.MegamorphicStub {
		return
	}
	if a := c.array(); a != nil {
		for i, e := range a.Entries {
			t, ok := c.rt.resolve(vm.LookupKey{Klass: e.Klass, Selector: sel})
			if !ok {
				c.Clear()
				return
			}
			a.Entries[i].Target = t
		}
		if len(a.Entries) == 1 && a.Entries[0].Target.IsCompiled() {
			c.setMono(a.Entries[0].Klass, a.Entries[0].Target)
		}
		return
	}
	nm := c.target()
	if nm == nil || nm.IsDead() {
		c.Clear()
		return
	}
	t, ok := c.rt.resolve(vm.LookupKey{Klass: nm.Key().Klass, Selector: sel})
	if !ok {
		c.Clear()
		return
	}
	if t.NMethod != nm {
		c.setMono(nm.Key().Klass, t)
	}
}

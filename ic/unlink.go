package ic

import (
	"github.com/chazu/codezone/nmethod"
	"github.com/chazu/codezone/vm"
)

func arrayRefers(a *PolymorphicArray, dying func(*nmethod.NMethod) bool) bool {
	for _, e := range a.Entries {
		if e.Target.NMethod != nil && dying(e.Target.NMethod) {
			return true
		}
	}
	return false
}

// refersTo reports whether the call may still reach a method dying
// selects.
func (c *CompiledIC) refersTo(dying func(*nmethod.NMethod) bool) bool {
	dest := c.Destination()
	if dest == c.rt.Stubs.LookupStub || dest == c.rt.Stubs.MegamorphicStub {
		return false
	}
	if a := c.array(); a != nil {
		return arrayRefers(a, dying)
	}
	nm := c.target()
	return nm == nil || dying(nm)
}

// refersTo reports whether the site may still reach a method dying
// selects.
func (ic *InterpretedIC) refersTo(dying func(*nmethod.NMethod) bool) bool {
	_, v := ic.decode()
	switch {
	case v.compiled():
		nm := ic.rt.Code.EntryOwner(uint32(ic.w1()))
		return nm == nil || dying(nm)
	case v == poly:
		return arrayRefers(ic.rt.Arrays.At(uint32(ic.w2())), dying)
	}
	return false
}

// Unlink clears every site that may still reach a method dying selects:
// the inline caches of the compiled methods in code and the send sites of
// the interpreted methods. It returns the number of sites cleared. Call it
// before the selected methods are flushed.
func Unlink(rt *Runtime, dying func(*nmethod.NMethod) bool, code []*nmethod.NMethod, methods []*vm.Method) int {
	n := 0
	for _, nm := range code {
		if nm.IsDead() || dying(nm) {
			continue
		}
		for _, c := range CompiledICs(rt, nm) {
			if c.refersTo(dying) {
				c.Clear()
				n++
			}
		}
	}
	for _, m := range methods {
		for _, pc := range SendSites(m) {
			if site := NewInterpretedIC(rt, m, pc); site.refersTo(dying) {
				site.Clear()
				n++
			}
		}
	}
	rt.Invalidate()
	return n
}

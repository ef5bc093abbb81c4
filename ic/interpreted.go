package ic

import (
	"github.com/chazu/codezone/fatal"
	"github.com/chazu/codezone/vm"
)

// InterpretedIC is a view of the send site at pc in an interpreted method.
// The cache state lives in the bytecodes: the opcode's low nibble selects
// the variant and the two words after it hold the cached data.
type InterpretedIC struct {
	rt     *Runtime
	method *vm.Method
	pc     int
}

// NewInterpretedIC returns the send site at pc. It aborts when there is
// none.
func NewInterpretedIC(rt *Runtime, m *vm.Method, pc int) *InterpretedIC {
	fatal.Check(pc >= 0 && pc+SiteLength <= len(m.Bytecodes) && IsSend(m.Bytecodes[pc]),
		"ic: no send site at %d in %s", pc, m)
	return &InterpretedIC{rt: rt, method: m, pc: pc}
}

// Method returns the method holding the site.
func (ic *InterpretedIC) Method() *vm.Method { return ic.method }

// PC returns the bytecode offset of the site.
func (ic *InterpretedIC) PC() int { return ic.pc }

func (ic *InterpretedIC) decode() (SendKind, variant) {
	k, v, _ := decodeOpcode(ic.method.Bytecodes[ic.pc])
	return k, v
}

// Kind returns the send family of the site.
func (ic *InterpretedIC) Kind() SendKind {
	k, _ := ic.decode()
	return k
}

// State returns the dispatch state of the site.
func (ic *InterpretedIC) State() State {
	_, v := ic.decode()
	return v.state()
}

// Words returns the two cache words.
func (ic *InterpretedIC) Words() (vm.Oop, vm.Oop) {
	return ic.w1(), ic.w2()
}

func (ic *InterpretedIC) w1() vm.Oop { return ic.method.Word(ic.pc + firstWord) }
func (ic *InterpretedIC) w2() vm.Oop { return ic.method.Word(ic.pc + secondWord) }

func (ic *InterpretedIC) set(v variant, w1, w2 vm.Oop) {
	ic.method.Bytecodes[ic.pc] = opcode(ic.Kind(), v)
	ic.method.SetWord(ic.pc+firstWord, w1)
	ic.method.SetWord(ic.pc+secondWord, w2)
}

// Selector returns the selector sent by the site, whatever its state.
func (ic *InterpretedIC) Selector() vm.Oop {
	k, v := ic.decode()
	switch {
	case v == anamorphic || v == poly || (v == mega && k != SuperSend):
		return ic.w1()
	case v.compiled():
		fatal.Check(ic.rt.Code != nil, "ic: compiled target without a code zone")
		nm := ic.rt.Code.EntryOwner(uint32(ic.w1()))
		fatal.Check(nm != nil, "ic: site %d of %s refers to flushed entry %#x", ic.pc, ic.method, uint32(ic.w1()))
		return nm.Key().Selector
	default:
		m := ic.rt.Universe.MethodAt(ic.w1())
		fatal.Check(m != nil, "ic: site %d of %s refers to unknown method %v", ic.pc, ic.method, ic.w1())
		return m.Selector
	}
}

// lookupKlass returns the class lookups start from for receivers of
// class recv.
func (ic *InterpretedIC) lookupKlass(recv vm.Oop) vm.Oop {
	if ic.Kind() != SuperSend {
		return recv
	}
	holder := ic.method.Holder
	fatal.Check(holder != nil && holder.Superclass != nil, "ic: super send in %s has no superclass", ic.method)
	return holder.Superclass.Oop
}

// targetOf decodes a cached method word.
func (ic *InterpretedIC) targetOf(v variant, w vm.Oop) (Target, bool) {
	if v.compiled() {
		nm := ic.rt.throughEntry(uint32(w))
		if nm == nil {
			return Target{}, false
		}
		key := nm.Key()
		return Target{Method: ic.rt.Universe.Lookup(key.Klass, key.Selector), NMethod: nm, Entry: uint32(w)}, true
	}
	m := ic.rt.Universe.MethodAt(w)
	return Target{Method: m}, m != nil
}

// probe returns the cached target for receivers of class recv.
func (ic *InterpretedIC) probe(recv vm.Oop) (Target, bool) {
	k, v := ic.decode()
	switch v {
	case anamorphic:
		return Target{}, false
	case mono, monoAccess, monoPredicted, monoCompiled:
		if ic.w2() != recv {
			return Target{}, false
		}
		return ic.targetOf(v, ic.w1())
	case poly:
		a := ic.rt.Arrays.At(uint32(ic.w2()))
		fatal.Check(a != nil, "ic: site %d of %s refers to unknown array %#x", ic.pc, ic.method, uint32(ic.w2()))
		i := a.Find(recv)
		if i < 0 {
			return Target{}, false
		}
		t := a.Entries[i].Target
		if t.NMethod != nil && !t.NMethod.IsAlive() {
			return Target{}, false
		}
		return t, true
	default:
		if k == SuperSend {
			return ic.targetOf(v, ic.w1())
		}
		return ic.rt.Lookup(recv, ic.w1())
	}
}

// Send dispatches a send of the site's selector to receiver. A failed
// lookup resolves to doesNotUnderstand: with the send reified.
func (ic *InterpretedIC) Send(receiver vm.Oop, args []vm.Oop) Target {
	recv := ic.rt.Universe.ClassOf(receiver).Oop
	if t, ok := ic.probe(recv); ok {
		ic.rt.Stats.Hits.Add(1)
		return t
	}
	ic.rt.Stats.Misses.Add(1)
	t, ok := ic.Miss(recv)
	if !ok {
		return DoesNotUnderstand(ic.rt, receiver, ic.Selector(), args)
	}
	return t
}

// Miss handles a cache miss for receivers of class recv: it looks the
// selector up and moves the site forward. It reports false, leaving the
// site unchanged, when the lookup fails.
func (ic *InterpretedIC) Miss(recv vm.Oop) (Target, bool) {
	sel := ic.Selector()
	t, ok := ic.rt.Lookup(ic.lookupKlass(recv), sel)
	if !ok {
		log.Debugf("miss: %s not found for %v", ic.rt.Universe.SelectorName(sel), recv)
		return Target{}, false
	}

	from := ic.State()
	k, _ := ic.decode()
	switch from {
	case Anamorphic:
		ic.setMono(recv, t)
	case Monomorphic:
		switch {
		case ic.w2() == recv:
			ic.setMono(recv, t)
		case k == SuperSend:
			ic.setMono(ic.w2(), t)
			ic.setMega(sel)
		case ic.rt.Limit < 2:
			ic.setMega(sel)
		default:
			old, ok := ic.rt.Lookup(ic.lookupKlass(ic.w2()), sel)
			if !ok {
				ic.setMono(recv, t)
				break
			}
			a := ic.rt.Arrays.Allocate(2)
			a.Entries = append(a.Entries, Entry{Klass: ic.w2(), Target: old}, Entry{Klass: recv, Target: t})
			ic.set(poly, sel, vm.Oop(a.Addr()))
		}
	case Polymorphic:
		a := ic.rt.Arrays.At(uint32(ic.w2()))
		switch i := a.Find(recv); {
		case i >= 0:
			a.Entries[i].Target = t
		case len(a.Entries) < ic.rt.Limit:
			b := ic.rt.Arrays.Grow(a)
			b.Entries = append(b.Entries, Entry{Klass: recv, Target: t})
			ic.set(poly, sel, vm.Oop(b.Addr()))
		default:
			ic.setMega(sel)
		}
	case Megamorphic:
		if k == SuperSend {
			ic.setMono(ic.w2(), t)
			ic.setMega(sel)
		}
	}
	ic.rt.Stats.transition(from, ic.State())
	return t, true
}

// setMono fills the site with one class and its target, specializing the
// opcode by the kind of target.
func (ic *InterpretedIC) setMono(recv vm.Oop, t Target) {
	switch {
	case t.NMethod != nil:
		ic.set(monoCompiled, vm.Oop(t.Entry), recv)
	case t.Method.Kind == vm.MethodAccess:
		ic.set(monoAccess, t.Method.Oop, recv)
	case t.Method.Kind == vm.MethodPredicted:
		ic.set(monoPredicted, t.Method.Oop, recv)
	default:
		ic.set(mono, t.Method.Oop, recv)
	}
}

// setMega discards type information. A super send keeps its monomorphic
// target and class since its lookup does not depend on the receiver.
func (ic *InterpretedIC) setMega(sel vm.Oop) {
	k, v := ic.decode()
	if v == poly {
		ic.rt.Arrays.Free(ic.rt.Arrays.At(uint32(ic.w2())))
	}
	if k == SuperSend {
		nv := mega
		if v.compiled() {
			nv = megaCompiled
		}
		ic.set(nv, ic.w1(), ic.w2())
		return
	}
	ic.set(mega, sel, 0)
}

// Clear returns the site to the anamorphic state.
func (ic *InterpretedIC) Clear() {
	sel := ic.Selector()
	if _, v := ic.decode(); v == poly {
		ic.rt.Arrays.Free(ic.rt.Arrays.At(uint32(ic.w2())))
	}
	ic.set(anamorphic, sel, 0)
}

// Cleanup revalidates every cached target against a fresh lookup. Stale
// targets are replaced in place; the site is cleared when a cached class
// no longer understands the selector.
func (ic *InterpretedIC) Cleanup() {
	k, v := ic.decode()
	sel := ic.Selector()
	switch v.state() {
	case Monomorphic:
		t, ok := ic.rt.resolve(vm.LookupKey{Klass: ic.lookupKlass(ic.w2()), Selector: sel})
		if !ok {
			ic.Clear()
			return
		}
		ic.setMono(ic.w2(), t)
	case Polymorphic:
		a := ic.rt.Arrays.At(uint32(ic.w2()))
		for i, e := range a.Entries {
			t, ok := ic.rt.resolve(vm.LookupKey{Klass: ic.lookupKlass(e.Klass), Selector: sel})
			if !ok {
				ic.Clear()
				return
			}
			a.Entries[i].Target = t
		}
	case Megamorphic:
		if k != SuperSend {
			return
		}
		t, ok := ic.rt.resolve(vm.LookupKey{Klass: ic.lookupKlass(ic.w2()), Selector: sel})
		if !ok {
			ic.Clear()
			return
		}
		ic.setMono(ic.w2(), t)
		ic.setMega(sel)
	}
}

// OopsDo applies fn to every oop held in the cache words.
func (ic *InterpretedIC) OopsDo(fn func(*vm.Oop)) {
	k, v := ic.decode()
	w1, w2 := ic.w1(), ic.w2()
	switch {
	case v == anamorphic || v == poly || (v == mega && k != SuperSend):
		fn(&w1)
	case v.compiled():
		fn(&w2)
	default:
		fn(&w1)
		fn(&w2)
	}
	ic.method.SetWord(ic.pc+firstWord, w1)
	ic.method.SetWord(ic.pc+secondWord, w2)
}

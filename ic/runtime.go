// Package ic implements send-site dispatch: the interpreted inline caches
// living in bytecode, the compiled inline caches living in machine code,
// the polymorphic arrays backing both and the doesNotUnderstand: fallback.
//
// Every site moves forward through Anamorphic, Monomorphic, Polymorphic
// and Megamorphic. Only Clear moves it back.
package ic

import (
	"github.com/tliron/commonlog"

	"github.com/chazu/codezone/fatal"
	"github.com/chazu/codezone/jumptable"
	"github.com/chazu/codezone/masm"
	"github.com/chazu/codezone/nmethod"
	"github.com/chazu/codezone/vm"
)

var log = commonlog.GetLogger("codezone.ic")

// CodeCache is the view of the compiled code zone dispatch needs.
type CodeCache interface {
	// Lookup returns the live compiled method for key, or nil.
	Lookup(key vm.LookupKey) *nmethod.NMethod
	// FindNMethod returns the compiled method containing addr, or nil.
	FindNMethod(addr uint32) *nmethod.NMethod
	// EntryOwner returns the compiled method that owns the jump table
	// entry at addr, zombies included, or nil once it has been flushed.
	EntryOwner(entry uint32) *nmethod.NMethod
}

// Target is what a send resolves to: an interpreted method and, when one
// exists, the compiled method for the receiver class.
type Target struct {
	Method  *vm.Method
	NMethod *nmethod.NMethod
	// Entry is the jump table entry of NMethod.
	Entry uint32
	// Message is the reified send when the target is doesNotUnderstand:.
	Message vm.Oop
}

// IsCompiled reports whether the target runs compiled code.
func (t Target) IsCompiled() bool { return t.NMethod != nil }

func (t Target) same(o Target) bool {
	return t.Method == o.Method && t.NMethod == o.NMethod
}

// Defaults for NewRuntime.
const (
	DefaultLimit     = 4
	DefaultCacheSize = 1024
)

// Runtime holds the state shared by every send site.
type Runtime struct {
	Universe *vm.Universe
	Stubs    *masm.Runtime

	// Code and Jumps are nil while nothing is compiled.
	Code  CodeCache
	Jumps *jumptable.JumpTable

	Arrays *ArrayPool
	Cache  *LookupCache

	// Limit is the number of receiver classes a site tolerates before
	// it goes megamorphic.
	Limit int

	Stats Stats
}

// NewRuntime creates a dispatch runtime. A limit below 1 selects
// DefaultLimit.
func NewRuntime(u *vm.Universe, stubs *masm.Runtime, limit int) *Runtime {
	if limit < 1 {
		limit = DefaultLimit
	}
	rt := &Runtime{
		Universe: u,
		Stubs:    stubs,
		Arrays:   NewArrayPool(PoolBase),
		Cache:    NewLookupCache(DefaultCacheSize),
		Limit:    limit,
	}
	u.OnMethodDefined(func(*vm.Class, *vm.Method) { rt.Invalidate() })
	return rt
}

// Attach connects the runtime to a code zone and its jump table.
func (rt *Runtime) Attach(code CodeCache, jumps *jumptable.JumpTable) {
	rt.Code = code
	rt.Jumps = jumps
	rt.Cache.Clear()
}

// Invalidate drops cached lookup results. Defining a method in the
// runtime's universe does this already; call it when a class changes in
// any other way or a compiled method stops being a valid target.
func (rt *Runtime) Invalidate() { rt.Cache.Clear() }

// Lookup resolves selector for receivers of class klass, consulting the
// shared lookup cache first.
func (rt *Runtime) Lookup(klass, selector vm.Oop) (Target, bool) {
	key := vm.LookupKey{Klass: klass, Selector: selector}
	if t, ok := rt.Cache.Get(key); ok {
		return t, true
	}
	t, ok := rt.resolve(key)
	if ok {
		rt.Cache.Put(key, t)
	}
	return t, ok
}

// resolve performs an uncached lookup.
func (rt *Runtime) resolve(key vm.LookupKey) (Target, bool) {
	m := rt.Universe.Lookup(key.Klass, key.Selector)
	if m == nil {
		return Target{}, false
	}
	t := Target{Method: m}
	if nm := rt.compiled(key); nm != nil {
		t.NMethod = nm
		t.Entry = rt.Jumps.EntryAddress(nm.MainID)
	}
	return t, true
}

func (rt *Runtime) compiled(key vm.LookupKey) *nmethod.NMethod {
	if rt.Code == nil {
		return nil
	}
	if nm := rt.Code.Lookup(key); nm != nil && nm.IsAlive() {
		return nm
	}
	return nil
}

// throughEntry returns the live compiled method a jump table entry
// currently leads to, or nil.
func (rt *Runtime) throughEntry(entry uint32) *nmethod.NMethod {
	if rt.Jumps == nil || rt.Code == nil {
		return nil
	}
	id, ok := rt.Jumps.IDAt(entry)
	if !ok {
		return nil
	}
	nm := rt.Code.FindNMethod(rt.Jumps.Destination(id))
	if nm == nil || !nm.IsAlive() {
		return nil
	}
	return nm
}

// DoesNotUnderstand reifies a failed send and resolves doesNotUnderstand:
// for the receiver. Object always answers it, so the result is never
// empty.
func DoesNotUnderstand(rt *Runtime, receiver, selector vm.Oop, args []vm.Oop) Target {
	rt.Stats.DNUs.Add(1)
	msg := rt.Universe.NewMessage(receiver, selector, args)
	klass := rt.Universe.ClassOf(receiver)
	t, ok := rt.Lookup(klass.Oop, rt.Universe.DoesNotUnderstand)
	if !ok {
		fatal.Errorf("ic: %s does not understand doesNotUnderstand:", klass.Name)
	}
	log.Debugf("%s does not understand %s", klass.Name, rt.Universe.SelectorName(selector))
	t.Message = msg
	return t
}

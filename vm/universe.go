package vm

import (
	"fmt"
	"sort"
	"sync"
)

// Object is a heap object known to the Universe.
type Object struct {
	Oop   Oop
	Class *Class
	Slots []Oop
	Young bool
	Name  string
}

// Universe is a minimal object memory: it hands out object addresses,
// remembers which objects are still in the youngest generation and owns the
// well-known classes and selectors the dispatch layer relies on.
type Universe struct {
	mu      sync.RWMutex
	objects map[Oop]*Object
	classes map[Oop]*Class
	methods map[Oop]*Method
	next    uint32

	defined []func(*Class, *Method)

	Selectors *SelectorTable

	Nil          Oop
	ObjectClass  *Class
	SmallInteger *Class
	MessageClass *Class
	ArrayClass   *Class
	SymbolClass  *Class

	// DoesNotUnderstand is the fallback selector for failed lookups.
	DoesNotUnderstand Oop
}

// heapBase is the first object address; the range below it stays unused so
// a zero word never aliases an object.
const heapBase = 0x1000_0000

// NewUniverse creates an object memory with the kernel classes installed.
func NewUniverse() *Universe {
	u := &Universe{
		objects: make(map[Oop]*Object),
		classes: make(map[Oop]*Class),
		methods: make(map[Oop]*Method),
		next:    heapBase,
	}
	u.Selectors = newSelectorTable(func(name string) Oop {
		return u.allocate(u.SymbolClass, 0, false, name)
	})

	u.ObjectClass = u.DefineClass("Object", nil, 0)
	u.SymbolClass = u.DefineClass("Symbol", u.ObjectClass, 0)
	u.SmallInteger = u.DefineClass("SmallInteger", u.ObjectClass, 0)
	u.MessageClass = u.DefineClass("Message", u.ObjectClass, 3)
	u.ArrayClass = u.DefineClass("Array", u.ObjectClass, 0)
	u.Nil = u.allocate(u.ObjectClass, 0, false, "nil")
	u.DoesNotUnderstand = u.Selectors.Intern("doesNotUnderstand:")
	u.DefineMethod(u.ObjectClass, "doesNotUnderstand:", MethodNormal, nil)
	return u
}

func (u *Universe) allocate(class *Class, slots int, young bool, name string) Oop {
	u.mu.Lock()
	defer u.mu.Unlock()
	addr := u.next
	u.next += uint32(4 * (2 + slots))
	oop := MemOop(addr)
	obj := &Object{Oop: oop, Class: class, Young: young, Name: name}
	if slots > 0 {
		obj.Slots = make([]Oop, slots)
		for i := range obj.Slots {
			obj.Slots[i] = u.Nil
		}
	}
	u.objects[oop] = obj
	return oop
}

// DefineClass creates a tenured class with its own vtable.
func (u *Universe) DefineClass(name string, super *Class, slots int) *Class {
	c := &Class{Name: name, Superclass: super, NumSlots: slots}
	var parent *VTable
	if super != nil {
		parent = super.VTable
		c.NumSlots += super.NumSlots
	}
	c.VTable = NewVTable(parent)
	c.Oop = u.allocate(nil, 0, false, name)

	u.mu.Lock()
	u.classes[c.Oop] = c
	u.mu.Unlock()
	return c
}

// DefineMethod creates a tenured interpreted method and installs it in class.
func (u *Universe) DefineMethod(class *Class, selector string, kind MethodKind, bytecodes []byte) *Method {
	m := &Method{
		Selector:  u.Selectors.Intern(selector),
		Kind:      kind,
		Bytecodes: bytecodes,
	}
	m.Oop = u.allocate(nil, 0, false, selector)
	class.AddMethod(m)

	u.mu.Lock()
	u.methods[m.Oop] = m
	hooks := u.defined
	u.mu.Unlock()
	for _, fn := range hooks {
		fn(class, m)
	}
	return m
}

// OnMethodDefined registers fn to run after every DefineMethod.
func (u *Universe) OnMethodDefined(fn func(*Class, *Method)) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.defined = append(u.defined[:len(u.defined):len(u.defined)], fn)
}

// New allocates an instance of class in the youngest generation.
func (u *Universe) New(class *Class) Oop {
	return u.allocate(class, class.NumSlots, true, "")
}

// NewTenured allocates an instance of class directly in old space.
func (u *Universe) NewTenured(class *Class) Oop {
	return u.allocate(class, class.NumSlots, false, "")
}

// NewArray allocates a young array holding elems.
func (u *Universe) NewArray(elems []Oop) Oop {
	oop := u.allocate(u.ArrayClass, len(elems), true, "")
	obj := u.Object(oop)
	copy(obj.Slots, elems)
	return oop
}

// NewMessage reifies a send for doesNotUnderstand:.
func (u *Universe) NewMessage(receiver, selector Oop, args []Oop) Oop {
	msg := u.New(u.MessageClass)
	obj := u.Object(msg)
	obj.Slots[0] = receiver
	obj.Slots[1] = selector
	obj.Slots[2] = u.NewArray(args)
	return msg
}

// Object returns the heap object for oop, or nil.
func (u *Universe) Object(oop Oop) *Object {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.objects[oop]
}

// MethodAt returns the interpreted method whose oop is method, or nil.
func (u *Universe) MethodAt(method Oop) *Method {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.methods[method]
}

// Methods returns every interpreted method in oop order.
func (u *Universe) Methods() []*Method {
	u.mu.RLock()
	out := make([]*Method, 0, len(u.methods))
	for _, m := range u.methods {
		out = append(out, m)
	}
	u.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Oop < out[j].Oop })
	return out
}

// ClassAt returns the class whose identity oop is klass, or nil.
func (u *Universe) ClassAt(klass Oop) *Class {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.classes[klass]
}

// ClassOf returns the class of a receiver.
func (u *Universe) ClassOf(receiver Oop) *Class {
	if receiver.IsSmallInt() {
		return u.SmallInteger
	}
	obj := u.Object(receiver)
	if obj == nil || obj.Class == nil {
		panic(fmt.Sprintf("vm.ClassOf: unknown receiver %v", receiver))
	}
	return obj.Class
}

// Lookup resolves selector for instances of the class identified by klass.
func (u *Universe) Lookup(klass, selector Oop) *Method {
	c := u.ClassAt(klass)
	if c == nil {
		return nil
	}
	return c.Lookup(selector)
}

// IsYoung reports whether oop refers to an object in the youngest
// generation. SmallIntegers are never young.
func (u *Universe) IsYoung(oop Oop) bool {
	if !oop.IsMem() {
		return false
	}
	obj := u.Object(oop)
	return obj != nil && obj.Young
}

// SelectorName returns the printable name of a selector symbol.
func (u *Universe) SelectorName(sym Oop) string {
	return u.Selectors.Name(sym)
}

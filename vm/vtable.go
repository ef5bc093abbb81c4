package vm

// VTable holds the method dictionary of a class.
//
// Methods are keyed by selector symbol. Inheritance is handled by walking
// the parent chain when a method is not found locally.
type VTable struct {
	parent  *VTable
	methods map[Oop]*Method
}

// NewVTable creates a new vtable inheriting from parent.
func NewVTable(parent *VTable) *VTable {
	return &VTable{
		parent:  parent,
		methods: make(map[Oop]*Method),
	}
}

// Lookup finds a method by selector, walking the inheritance chain.
// Returns nil if no method is found (triggers doesNotUnderstand:).
func (vt *VTable) Lookup(selector Oop) *Method {
	for v := vt; v != nil; v = v.parent {
		if m := v.methods[selector]; m != nil {
			return m
		}
	}
	return nil
}

// AddMethod adds or replaces a method.
func (vt *VTable) AddMethod(m *Method) {
	vt.methods[m.Selector] = m
}

// RemoveMethod removes the method for selector.
func (vt *VTable) RemoveMethod(selector Oop) {
	delete(vt.methods, selector)
}

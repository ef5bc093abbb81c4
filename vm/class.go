package vm

// Class is the minimal klass the code cache needs: an identity oop that is
// embedded in generated code and inline caches, a superclass chain and a
// method dictionary.
type Class struct {
	Name       string
	Oop        Oop
	Superclass *Class
	VTable     *VTable
	NumSlots   int
}

// IsSubclassOf returns true if c is a subclass of other (or is the same class).
func (c *Class) IsSubclassOf(other *Class) bool {
	for current := c; current != nil; current = current.Superclass {
		if current == other {
			return true
		}
	}
	return false
}

// Lookup finds the method answering selector for instances of c.
func (c *Class) Lookup(selector Oop) *Method {
	return c.VTable.Lookup(selector)
}

// AddMethod installs m in c's method dictionary and sets its holder.
func (c *Class) AddMethod(m *Method) {
	m.Holder = c
	c.VTable.AddMethod(m)
}

func (c *Class) String() string {
	return c.Name
}

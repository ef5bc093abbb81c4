package vm

import "fmt"

// LookupKey identifies which compiled artifact answers a send: the
// receiver class and the selector (or, for block methods, the method oop
// that owns the block).
type LookupKey struct {
	Klass    Oop
	Selector Oop
}

// Hash mixes both words; the low tag bits carry no information.
func (k LookupKey) Hash() uint32 {
	h := uint32(k.Klass>>2)*0x9E3779B1 ^ uint32(k.Selector>>2)
	return h ^ h>>15
}

func (k LookupKey) String() string {
	return fmt.Sprintf("{%v %v}", k.Klass, k.Selector)
}

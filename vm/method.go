package vm

import (
	"encoding/binary"
	"fmt"
)

// MethodKind classifies interpreted methods for send-site specialization.
type MethodKind uint8

const (
	// MethodNormal is an ordinary interpreted method.
	MethodNormal MethodKind = iota
	// MethodAccess only answers one instance variable of the receiver.
	MethodAccess
	// MethodPredicted is a primitive the interpreter predicts inline
	// (SmallInteger arithmetic and comparison).
	MethodPredicted
)

var methodKindNames = [...]string{"normal", "access", "predicted"}

func (k MethodKind) String() string {
	if int(k) < len(methodKindNames) {
		return methodKindNames[k]
	}
	return fmt.Sprintf("MethodKind(%d)", k)
}

// Method is an interpreted method. Its bytecode stream carries the
// interpreted inline caches of its send sites in place.
type Method struct {
	Oop      Oop
	Selector Oop
	Holder   *Class
	Kind     MethodKind

	// Field is the instance variable index answered by an access method.
	Field int

	// Bytecodes is the instruction stream, inline cache words included.
	Bytecodes []byte

	// NumBlocks is the number of block literals the compiler could not
	// inline; each gets its own slot in the method's jump table family.
	NumBlocks int
}

// Word returns the 32-bit little-endian word at byte offset off.
func (m *Method) Word(off int) Oop {
	return Oop(binary.LittleEndian.Uint32(m.Bytecodes[off : off+4]))
}

// SetWord stores a 32-bit little-endian word at byte offset off.
func (m *Method) SetWord(off int, w Oop) {
	binary.LittleEndian.PutUint32(m.Bytecodes[off:off+4], uint32(w))
}

// Key returns the lookup key under which m answers for klass.
func (m *Method) Key(klass *Class) LookupKey {
	return LookupKey{Klass: klass.Oop, Selector: m.Selector}
}

func (m *Method) String() string {
	if m.Holder == nil {
		return fmt.Sprintf("?>>%v", m.Selector)
	}
	return fmt.Sprintf("%s>>%v", m.Holder.Name, m.Selector)
}

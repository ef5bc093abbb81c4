package vm

import "fmt"

// Oop is a 32-bit object-oriented pointer as it appears in generated code.
//
// Encoding scheme (low two bits):
//   - 00: SmallInteger, 30-bit signed payload
//   - 01: memory object, the word minus the tag is the object address
//   - 11: mark word (header only, never a reference)
type Oop uint32

const (
	tagMask Oop = 0b11
	tagInt  Oop = 0b00
	tagMem  Oop = 0b01
	tagMark Oop = 0b11
)

// SmallInteger range (30-bit signed)
const (
	MaxSmallInt int32 = (1 << 29) - 1
	MinSmallInt int32 = -(1 << 29)
)

// SmallInt tags n as a SmallInteger. Panics when n does not fit.
func SmallInt(n int32) Oop {
	if n > MaxSmallInt || n < MinSmallInt {
		panic(fmt.Sprintf("vm.SmallInt: %d out of range", n))
	}
	return Oop(uint32(n) << 2)
}

// MemOop tags a word-aligned object address.
func MemOop(addr uint32) Oop {
	if addr&3 != 0 {
		panic(fmt.Sprintf("vm.MemOop: unaligned address %#x", addr))
	}
	return Oop(addr) | tagMem
}

// IsSmallInt returns true if o is a tagged SmallInteger.
func (o Oop) IsSmallInt() bool { return o&tagMask == tagInt }

// IsMem returns true if o refers to a heap object.
func (o Oop) IsMem() bool { return o&tagMask == tagMem }

// IsMark returns true if o is a header mark word.
func (o Oop) IsMark() bool { return o&tagMask == tagMark }

// SmallIntValue returns the payload of a SmallInteger oop.
func (o Oop) SmallIntValue() int32 { return int32(o) >> 2 }

// Addr returns the untagged address of a memory oop.
func (o Oop) Addr() uint32 { return uint32(o &^ tagMask) }

func (o Oop) String() string {
	switch {
	case o.IsSmallInt():
		return fmt.Sprintf("smi(%d)", o.SmallIntValue())
	case o.IsMem():
		return fmt.Sprintf("oop(%#x)", o.Addr())
	default:
		return fmt.Sprintf("mark(%#x)", uint32(o))
	}
}

package jumptable

import (
	"encoding/binary"
	"fmt"
)

// EntrySize is the size of one stub: a jmp rel32 rounded up to a word,
// with the kind tag in the byte following the instruction.
const EntrySize = 8

const (
	jmpOpcode = 0xE9
	tagOffset = 5
)

// Kind distinguishes what a slot currently holds.
type Kind uint8

const (
	// Unused slots are threaded into the free list.
	Unused Kind = iota
	// Link slots refer to a side block of stubs for a method with
	// non-inlined blocks.
	Link
	// MethodStub jumps to the verified entry of a compiled method.
	MethodStub
	// BlockStub jumps to a compiled block method, or to the compile-block
	// trampoline while the block has no code.
	BlockStub
)

var kindNames = [...]string{"unused", "link", "method_stub", "block_stub"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", k)
}

func (k Kind) isStub() bool { return k == MethodStub || k == BlockStub }

type entry struct {
	kind Kind

	// Unused: next free slot, -1 terminates.
	next int

	// Link: side block start and length.
	block, n int

	// Stubs: jump destination.
	dest uint32

	gen uint32
}

// ID is a handle to a method stub, or to stub Sub of a linked family.
// Handles carry the generation of their slot; using a handle after its
// slot was freed is fatal.
type ID struct {
	Index int
	Sub   int
	Gen   uint32
}

// NoID is the zero handle.
var NoID ID

// IsValid reports whether id was handed out by a table.
func (id ID) IsValid() bool { return id.Gen != 0 }

// Block returns the handle of block stub i of the family rooted at id.
func (id ID) Block(i int) ID {
	return ID{Index: id.Index, Sub: i, Gen: id.Gen}
}

// Family returns the handle of the method stub of id's family.
func (id ID) Family() ID {
	return ID{Index: id.Index, Gen: id.Gen}
}

func (id ID) String() string {
	if id.Sub != 0 {
		return fmt.Sprintf("jt#%d.%d", id.Index, id.Sub)
	}
	return fmt.Sprintf("jt#%d", id.Index)
}

// encode writes the wire form of a slot located at addr.
func encode(dst []byte, e *entry, addr uint32) {
	for i := range dst[:EntrySize] {
		dst[i] = 0
	}
	if e.kind.isStub() {
		dst[0] = jmpOpcode
		binary.LittleEndian.PutUint32(dst[1:], e.dest-(addr+tagOffset))
	}
	dst[tagOffset] = byte(e.kind)
}

// DecodeDestination returns the jump target of the stub bytes b located
// at addr.
func DecodeDestination(b []byte, addr uint32) uint32 {
	return addr + tagOffset + binary.LittleEndian.Uint32(b[1:])
}

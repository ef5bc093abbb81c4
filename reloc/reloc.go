// Package reloc defines the relocation side table of generated code.
//
// Every entry marks one 32-bit word inside the instruction stream that must
// be revisited when referenced objects move (garbage collection) or when
// the code itself moves (copy to the code cache, compaction). Entries are
// 16 bits: a 4-bit kind and a 12-bit byte delta from the previous entry.
// Because only deltas are stored, entries are produced and consumed in
// ascending address order.
package reloc

import (
	"encoding/binary"
	"fmt"

	"github.com/chazu/codezone/fatal"
)

// Type is the kind of a relocation entry.
type Type uint8

const (
	None         Type = iota // filler, carries only a delta
	Oop                      // embedded object reference (absolute word)
	IC                       // inline cache call (pc-relative call target)
	Primitive                // primitive call (pc-relative)
	RuntimeCall              // call into the runtime (pc-relative)
	ExternalWord             // absolute address outside the code cache
	InternalWord             // absolute address inside the same method
	UncommonTrap             // call to the uncommon trap handler (pc-relative)
	DLLCall                  // call through a DLL stub (pc-relative)

	numTypes
)

var typeNames = [...]string{"none", "oop", "ic", "primitive", "runtime_call", "external_word", "internal_word", "uncommon_trap", "dll_call"}

func (t Type) String() string {
	if t < numTypes {
		return typeNames[t]
	}
	return fmt.Sprintf("reloc.Type(%d)", t)
}

// IsPCRelative reports whether the marked word is a call displacement
// relative to the end of the word.
func (t Type) IsPCRelative() bool {
	switch t {
	case IC, Primitive, RuntimeCall, UncommonTrap, DLLCall:
		return true
	}
	return false
}

// IsCall reports whether the marked word belongs to a call instruction.
func (t Type) IsCall() bool {
	return t.IsPCRelative()
}

// LegalWithoutTable reports whether a relocation of this kind may be
// dropped when the code buffer has no side table: the word never needs
// fixing for code that never moves.
func (t Type) LegalWithoutTable() bool {
	switch t {
	case None, RuntimeCall, ExternalWord:
		return true
	}
	return false
}

// Entry layout.
const (
	TypeBits  = 4
	DeltaBits = 12
	MaxDelta  = 1<<DeltaBits - 1
	EntrySize = 2
)

// Info is one encoded relocation entry.
type Info uint16

// MakeInfo packs a kind and a delta.
func MakeInfo(t Type, delta int) Info {
	fatal.Check(t < numTypes, "reloc: bad type %d", t)
	fatal.Check(delta >= 0 && delta <= MaxDelta, "reloc: delta %d out of range", delta)
	return Info(uint16(t)<<DeltaBits | uint16(delta))
}

// Type returns the kind stored in i.
func (i Info) Type() Type { return Type(i >> DeltaBits) }

// Delta returns the byte distance from the previous entry.
func (i Info) Delta() int { return int(i & MaxDelta) }

func (i Info) String() string {
	return fmt.Sprintf("%s+%d", i.Type(), i.Delta())
}

// Padding is the entry used to round a relocation stream up to a word:
// an oop marker at delta zero. Readers stop at the recorded entry count
// and never interpret padding.
const Padding = Info(uint16(Oop) << DeltaBits)

// Entry is a decoded relocation: a kind at an absolute code offset.
type Entry struct {
	Type   Type
	Offset int
}

// Put serializes infos into dst in little-endian order.
func Put(dst []byte, infos []Info) {
	for i, info := range infos {
		binary.LittleEndian.PutUint16(dst[i*EntrySize:], uint16(info))
	}
}

// Read deserializes n entries from src.
func Read(src []byte, n int) []Info {
	infos := make([]Info, n)
	for i := range infos {
		infos[i] = Info(binary.LittleEndian.Uint16(src[i*EntrySize:]))
	}
	return infos
}

package asm

import (
	"encoding/binary"

	"github.com/chazu/codezone/fatal"
	"github.com/chazu/codezone/reloc"
)

// WordSize is the machine word of the generated code.
const WordSize = 4

// TrapByte pads instruction streams (int3).
const TrapByte = 0xCC

// CodeBuffer owns the scratch bytes an Assembler writes and the relocation
// side table recorded alongside them.
//
// The instruction area is fixed in size; so is the relocation table. A
// buffer created without a relocation table is meant for code that never
// moves: only relocation kinds that are legal to leave unfixed may be
// recorded into it, and they are dropped.
type CodeBuffer struct {
	name   string
	code   []byte
	base   uint32
	relocs *reloc.Writer
}

// NewCodeBuffer creates a buffer whose first byte lives at address base.
// A locsSize of zero creates a buffer without a relocation table.
func NewCodeBuffer(name string, base uint32, codeSize, locsSize int) *CodeBuffer {
	cb := &CodeBuffer{
		name: name,
		code: make([]byte, 0, codeSize),
		base: base,
	}
	if locsSize > 0 {
		cb.relocs = reloc.NewWriter(locsSize)
	}
	return cb
}

// Name returns the diagnostic name of the buffer.
func (cb *CodeBuffer) Name() string { return cb.name }

// Base returns the address of the first instruction byte.
func (cb *CodeBuffer) Base() uint32 { return cb.base }

// Pos returns the current write offset.
func (cb *CodeBuffer) Pos() int { return len(cb.code) }

// Addr returns the address of offset pos.
func (cb *CodeBuffer) Addr(pos int) uint32 { return cb.base + uint32(pos) }

// Code returns the instruction bytes written so far.
func (cb *CodeBuffer) Code() []byte { return cb.code }

// Relocs returns the encoded relocation entries, or nil without a table.
func (cb *CodeBuffer) Relocs() []reloc.Info {
	if cb.relocs == nil {
		return nil
	}
	return cb.relocs.Infos()
}

// HasRelocTable reports whether relocations are being recorded.
func (cb *CodeBuffer) HasRelocTable() bool { return cb.relocs != nil }

func (cb *CodeBuffer) emitByte(b byte) {
	if len(cb.code) == cap(cb.code) {
		fatal.Errorf("asm: code buffer %q overflow (%d bytes)", cb.name, cap(cb.code))
	}
	cb.code = append(cb.code, b)
}

func (cb *CodeBuffer) emitWord(w uint32) {
	cb.emitByte(byte(w))
	cb.emitByte(byte(w >> 8))
	cb.emitByte(byte(w >> 16))
	cb.emitByte(byte(w >> 24))
}

// Word returns the 32-bit word at pos.
func (cb *CodeBuffer) Word(pos int) uint32 {
	return binary.LittleEndian.Uint32(cb.code[pos:])
}

// SetWord overwrites the 32-bit word at pos.
func (cb *CodeBuffer) SetWord(pos int, w uint32) {
	binary.LittleEndian.PutUint32(cb.code[pos:], w)
}

// Relocate records that the word at pos is of kind t.
func (cb *CodeBuffer) Relocate(pos int, t reloc.Type) {
	fatal.Check(pos >= 0 && pos <= len(cb.code), "asm: relocation at %d outside code [0, %d]", pos, len(cb.code))
	if cb.relocs == nil {
		fatal.Check(t.LegalWithoutTable(), "asm: %s relocation in buffer %q without relocation table", t, cb.name)
		return
	}
	cb.relocs.Add(pos, t)
}

func (cb *CodeBuffer) lastRelocPos() int {
	if cb.relocs == nil || cb.relocs.Len() == 0 {
		return -1
	}
	return cb.relocs.Last()
}

// truncate rolls the write cursor back to pos.
func (cb *CodeBuffer) truncate(pos int) {
	fatal.Check(pos <= len(cb.code), "asm: truncate beyond end")
	fatal.Check(cb.lastRelocPos() < pos, "asm: truncate across relocation at %d", cb.lastRelocPos())
	cb.code = cb.code[:pos]
}

// AlignedCodeSize is the instruction size rounded up to a word.
func (cb *CodeBuffer) AlignedCodeSize() int {
	return alignUp(len(cb.code), WordSize)
}

// AlignedRelocSize is the relocation table size in bytes rounded up to a word.
func (cb *CodeBuffer) AlignedRelocSize() int {
	return alignUp(len(cb.Relocs())*reloc.EntrySize, WordSize)
}

// CopyTo copies the instructions to their final location at address
// dstBase, padding with trap bytes, and rewrites every position dependent
// word for the move. The relocation table is written to locs, padded with
// zero-offset oop markers. Both destinations must be exactly the aligned
// sizes.
func (cb *CodeBuffer) CopyTo(code []byte, locs []byte, dstBase uint32) {
	fatal.Check(len(code) == cb.AlignedCodeSize(), "asm: code destination is %d bytes, want %d", len(code), cb.AlignedCodeSize())
	fatal.Check(len(locs) == cb.AlignedRelocSize(), "asm: reloc destination is %d bytes, want %d", len(locs), cb.AlignedRelocSize())

	n := copy(code, cb.code)
	for i := n; i < len(code); i++ {
		code[i] = TrapByte
	}

	infos := cb.Relocs()
	reloc.Put(locs, infos)
	for i := len(infos) * reloc.EntrySize; i < len(locs); i += reloc.EntrySize {
		binary.LittleEndian.PutUint16(locs[i:], uint16(reloc.Padding))
	}

	AdjustForMove(code, infos, int32(dstBase-cb.base))
}

// AdjustForMove rewrites the words marked by infos after code moved by
// delta bytes: pc-relative call targets outside the code keep their
// absolute target, internal words follow the code.
func AdjustForMove(code []byte, infos []reloc.Info, delta int32) {
	if delta == 0 {
		return
	}
	for it := reloc.NewIterator(infos); it.Next(); {
		w := code[it.Offset():]
		v := int32(binary.LittleEndian.Uint32(w))
		switch {
		case it.Type().IsPCRelative():
			binary.LittleEndian.PutUint32(w, uint32(v-delta))
		case it.Type() == reloc.InternalWord:
			binary.LittleEndian.PutUint32(w, uint32(v+delta))
		}
	}
}

func alignUp(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}

// Package nmethod implements compiled methods: native code for one method
// (or one non-inlined block) materialized in the code cache.
//
// Memory layout, every section word aligned:
//
//	header | instructions | relocation entries | scope records | block scope offsets
//
// Instructions are padded with trap bytes, relocation entries with
// zero-offset oop markers. The block scope table holds one uint16 offset
// into the scope section per non-inlined block.
package nmethod

import (
	"encoding/binary"
	"fmt"

	"github.com/chazu/codezone/asm"
	"github.com/chazu/codezone/fatal"
	"github.com/chazu/codezone/jumptable"
	"github.com/chazu/codezone/masm"
	"github.com/chazu/codezone/reloc"
	"github.com/chazu/codezone/vm"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("codezone.nmethod")

// Header layout.
const (
	HeaderSize = 32

	magic = 0x4E4D4554 // "NMET"

	hMagic     = 0
	hSize      = 4
	hCodeSize  = 8
	hRelocs    = 12
	hBlocks    = 14
	hScopeSize = 16
	hKlass     = 20
	hSelector  = 24
	hState     = 28
	hFlags     = 29
	hVerified  = 30
)

// Info is what the compiler hands over besides the code buffer.
type Info struct {
	Key          vm.LookupKey
	Entries      masm.Entries
	Scopes       []ScopeDesc
	Dependencies []vm.Oop
	Level        int

	// IsBlock marks a non-inlined block method; Family is its parent's
	// family stub and BlockIndex its position in that family.
	IsBlock    bool
	Family     jumptable.ID
	BlockIndex int
}

// Layout is a compiled method sized and encoded, ready to be copied into
// code cache memory.
type Layout struct {
	cb     *asm.CodeBuffer
	info   Info
	scopes []byte
	blocks []uint16

	codeSize, relocSize, scopeSize, tableSize int
}

// NewLayout checks the compiler output and computes the final size.
func NewLayout(cb *asm.CodeBuffer, info Info) *Layout {
	l := &Layout{cb: cb, info: info}
	l.scopes, l.blocks = encodeScopes(info.Scopes)
	l.codeSize = cb.AlignedCodeSize()
	l.relocSize = cb.AlignedRelocSize()
	l.scopeSize = len(l.scopes)
	l.tableSize = align(2*len(l.blocks), asm.WordSize)
	fatal.Check(len(cb.Relocs()) < 1<<16, "nmethod: %d relocation entries", len(cb.Relocs()))
	checkEntries(cb.Code(), info.Entries)
	return l
}

// checkEntries validates the entry points and that the zombie jump at the
// verified entry reaches the special handler call with an 8-bit offset.
func checkEntries(code []byte, e masm.Entries) {
	fatal.Check(e.SpecialHandlerCall >= 0 && e.SpecialHandlerCall+masm.ICCallLength <= len(code),
		"nmethod: special handler call at %d outside code", e.SpecialHandlerCall)
	fatal.Check(code[e.SpecialHandlerCall] == 0xE8, "nmethod: no call at special handler offset %d", e.SpecialHandlerCall)
	fatal.Check(e.Entry <= e.VerifiedEntry, "nmethod: entry %d after verified entry %d", e.Entry, e.VerifiedEntry)
	fatal.Check(e.VerifiedEntry+masm.PrologueBytes <= len(code), "nmethod: verified entry %d leaves no prologue", e.VerifiedEntry)
	d := zombieJump(e)
	fatal.Check(d >= -128 && d <= 127, "nmethod: zombie jump at %d cannot reach special handler at %d", e.VerifiedEntry, e.SpecialHandlerCall)
}

// zombieJump returns the 8-bit displacement patched at the verified entry.
func zombieJump(e masm.Entries) int {
	return e.SpecialHandlerCall - (e.VerifiedEntry + 2)
}

// Size returns the number of bytes the method occupies.
func (l *Layout) Size() int {
	return HeaderSize + l.codeSize + l.relocSize + align(l.scopeSize, asm.WordSize) + l.tableSize
}

// Materialize copies the method into mem, which lives at address addr.
func (l *Layout) Materialize(mem []byte, addr uint32) *NMethod {
	fatal.Check(len(mem) == l.Size(), "nmethod: %d bytes for a method of %d", len(mem), l.Size())
	info := l.info
	nm := &NMethod{
		key:          info.Key,
		mem:          mem,
		addr:         addr,
		entries:      info.Entries,
		codeSize:     l.codeSize,
		relocSize:    l.relocSize,
		relocCount:   len(l.cb.Relocs()),
		scopeSize:    l.scopeSize,
		numBlocks:    len(l.blocks),
		Dependencies: append([]vm.Oop(nil), info.Dependencies...),
		Level:        info.Level,
		IsBlock:      info.IsBlock,
		Family:       info.Family,
		BlockIndex:   info.BlockIndex,
	}
	clear(mem)
	l.cb.CopyTo(nm.Code(), mem[nm.relocOff():nm.scopeOff()], nm.CodeBegin())
	copy(mem[nm.scopeOff():], l.scopes)
	for i, off := range l.blocks {
		binary.LittleEndian.PutUint16(mem[nm.tableOff()+2*i:], off)
	}
	nm.writeHeader()
	log.Debugf("materialized %s at %#x (%d bytes)", nm, addr, len(mem))
	return nm
}

// NMethod is a compiled method living in the code cache.
type NMethod struct {
	key   vm.LookupKey
	mem   []byte
	addr  uint32
	state State
	flags Flags

	entries    masm.Entries
	codeSize   int
	relocSize  int
	relocCount int
	scopeSize  int
	numBlocks  int

	// MainID is the jump table stub callers reach this method through.
	MainID jumptable.ID

	Dependencies []vm.Oop
	Level        int

	IsBlock    bool
	Family     jumptable.ID
	BlockIndex int

	invocations uint32
	traps       uint32
	age         int
}

func (nm *NMethod) writeHeader() {
	h := nm.mem[:HeaderSize]
	binary.LittleEndian.PutUint32(h[hMagic:], magic)
	binary.LittleEndian.PutUint32(h[hSize:], uint32(len(nm.mem)))
	binary.LittleEndian.PutUint32(h[hCodeSize:], uint32(nm.codeSize))
	binary.LittleEndian.PutUint16(h[hRelocs:], uint16(nm.relocCount))
	binary.LittleEndian.PutUint16(h[hBlocks:], uint16(nm.numBlocks))
	binary.LittleEndian.PutUint32(h[hScopeSize:], uint32(nm.scopeSize))
	binary.LittleEndian.PutUint32(h[hKlass:], uint32(nm.key.Klass))
	binary.LittleEndian.PutUint32(h[hSelector:], uint32(nm.key.Selector))
	h[hState] = byte(nm.state)
	h[hFlags] = byte(nm.flags)
	binary.LittleEndian.PutUint16(h[hVerified:], uint16(nm.entries.VerifiedEntry))
}

func (nm *NMethod) relocOff() int { return HeaderSize + nm.codeSize }
func (nm *NMethod) scopeOff() int { return nm.relocOff() + nm.relocSize }
func (nm *NMethod) tableOff() int { return nm.scopeOff() + align(nm.scopeSize, asm.WordSize) }

// Key returns the lookup key the method answers.
func (nm *NMethod) Key() vm.LookupKey { return nm.key }

// Address returns the start of the method in the code cache.
func (nm *NMethod) Address() uint32 { return nm.addr }

// Size returns the number of bytes the method occupies.
func (nm *NMethod) Size() int { return len(nm.mem) }

// Memory returns the method's bytes.
func (nm *NMethod) Memory() []byte { return nm.mem }

// Code returns the instruction bytes, padding included.
func (nm *NMethod) Code() []byte { return nm.mem[HeaderSize:nm.relocOff()] }

// CodeBegin returns the address of the first instruction.
func (nm *NMethod) CodeBegin() uint32 { return nm.addr + HeaderSize }

// CodeEnd returns the address past the instructions.
func (nm *NMethod) CodeEnd() uint32 { return nm.CodeBegin() + uint32(nm.codeSize) }

// Entries returns the entry point offsets.
func (nm *NMethod) Entries() masm.Entries { return nm.entries }

// EntryAddr returns the address of the receiver-checking entry.
func (nm *NMethod) EntryAddr() uint32 { return nm.CodeBegin() + uint32(nm.entries.Entry) }

// VerifiedEntryAddr returns the address the jump table targets.
func (nm *NMethod) VerifiedEntryAddr() uint32 {
	return nm.CodeBegin() + uint32(nm.entries.VerifiedEntry)
}

// SpecialHandlerAddr returns the address of the special handler call.
func (nm *NMethod) SpecialHandlerAddr() uint32 {
	return nm.CodeBegin() + uint32(nm.entries.SpecialHandlerCall)
}

// Contains reports whether addr lies inside the method.
func (nm *NMethod) Contains(addr uint32) bool {
	return addr >= nm.addr && addr < nm.addr+uint32(len(nm.mem))
}

// Relocs returns the relocation entries, padding excluded.
func (nm *NMethod) Relocs() []reloc.Info {
	return reloc.Read(nm.mem[nm.relocOff():], nm.relocCount)
}

// Scopes decodes the scope section.
func (nm *NMethod) Scopes() ([]ScopeDesc, error) {
	return decodeScopes(nm.mem[nm.scopeOff() : nm.scopeOff()+nm.scopeSize])
}

// NumBlocks returns the number of non-inlined blocks.
func (nm *NMethod) NumBlocks() int { return nm.numBlocks }

// BlockScope returns the scope of non-inlined block i (1-based).
func (nm *NMethod) BlockScope(i int) (ScopeDesc, error) {
	if i < 1 || i > nm.numBlocks {
		return ScopeDesc{}, fmt.Errorf("nmethod: %s has no block %d", nm, i)
	}
	off := binary.LittleEndian.Uint16(nm.mem[nm.tableOff()+2*(i-1):])
	s, err := decodeScopeAt(nm.mem[nm.scopeOff():nm.scopeOff()+nm.scopeSize], int(off))
	if err != nil {
		return s, err
	}
	if s.Kind != BlockScope || s.BlockIndex != i {
		return s, fmt.Errorf("nmethod: %s block %d points at %s scope %d", nm, i, s.Kind, s.BlockIndex)
	}
	return s, nil
}

// Word returns the 32-bit word at code offset off.
func (nm *NMethod) Word(off int) uint32 {
	return binary.LittleEndian.Uint32(nm.Code()[off:])
}

// SetWord overwrites the 32-bit word at code offset off.
func (nm *NMethod) SetWord(off int, w uint32) {
	binary.LittleEndian.PutUint32(nm.Code()[off:], w)
}

// CallTarget returns the destination of the call or jump whose 32-bit
// displacement sits at code offset off.
func (nm *NMethod) CallTarget(off int) uint32 {
	return nm.CodeBegin() + uint32(off) + 4 + nm.Word(off)
}

// SetCallTarget retargets the call whose displacement sits at off.
func (nm *NMethod) SetCallTarget(off int, dest uint32) {
	nm.SetWord(off, dest-(nm.CodeBegin()+uint32(off)+4))
}

// ICOffsets returns the code offsets of the displacements of every inline
// cache call.
func (nm *NMethod) ICOffsets() []int {
	var out []int
	for it := reloc.NewIterator(nm.Relocs()); it.Next(); {
		if it.Type() == reloc.IC {
			out = append(out, it.Offset())
		}
	}
	return out
}

// Invoke counts one invocation.
func (nm *NMethod) Invoke() { nm.invocations++ }

// InvocationCount returns the decayed invocation counter.
func (nm *NMethod) InvocationCount() uint32 { return nm.invocations }

// RecordUncommonTrap counts one uncommon trap taken.
func (nm *NMethod) RecordUncommonTrap() { nm.traps++ }

// UncommonTrapCount returns the decayed uncommon trap counter.
func (nm *NMethod) UncommonTrapCount() uint32 { return nm.traps }

// Decay scales both counters by factor.
func (nm *NMethod) Decay(factor float64) {
	nm.invocations = uint32(float64(nm.invocations) * factor)
	nm.traps = uint32(float64(nm.traps) * factor)
}

// Age returns the number of sweeps survived, capped by IncrementAge.
func (nm *NMethod) Age() int { return nm.age }

// IncrementAge ages the method by one sweep, up to limit.
func (nm *NMethod) IncrementAge(limit int) {
	if nm.age < limit {
		nm.age++
	}
}

func (nm *NMethod) String() string {
	kind := "nmethod"
	if nm.IsBlock {
		kind = "block"
	}
	return fmt.Sprintf("%s%v@%#x", kind, nm.key, nm.addr)
}

func align(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}

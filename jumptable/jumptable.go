// Package jumptable implements the indirection table between callers and
// compiled code.
//
// Callers, closures and interpreted inline caches refer to compiled code
// through a stub in the table, so retargeting a method (recompilation,
// invalidation, compaction) changes one destination instead of patching
// call sites. A method without non-inlined blocks owns a single method
// stub. A method with n-1 non-inlined blocks owns a link slot pointing at a
// side block of n contiguous stubs: the method stub followed by one block
// stub per block.
package jumptable

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/codezone/fatal"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("codezone.jumptable")

// BlockCompiler compiles non-inlined block index of the method whose
// family stub is family and returns the entry of the new code.
type BlockCompiler interface {
	CompileBlock(family ID, index int) uint32
}

type run struct{ start, n int }

// JumpTable is a fixed-capacity table of jump stubs plus a side area for
// block families. It does not grow.
type JumpTable struct {
	mu sync.Mutex

	entries []entry
	blocks  []entry
	owner   []int // owning slot of each side block entry, -1 when free
	runs    []run // free side block runs, sorted by start

	head int
	used int

	base        uint32
	compileStub uint32
	mem         []byte
}

// New creates a table of capacity slots and a side area of blockArea stubs
// placed at address base. Block stubs initially jump to compileStub.
func New(capacity, blockArea int, base uint32, compileStub uint32) *JumpTable {
	fatal.Check(capacity > 2, "jumptable: capacity %d too small", capacity)
	jt := &JumpTable{
		entries:     make([]entry, capacity),
		blocks:      make([]entry, blockArea),
		owner:       make([]int, blockArea),
		base:        base,
		compileStub: compileStub,
		mem:         make([]byte, (capacity+blockArea)*EntrySize),
	}
	for i := range jt.entries {
		jt.entries[i].next = i + 1
	}
	jt.entries[capacity-1].next = -1
	for i := range jt.owner {
		jt.owner[i] = -1
	}
	if blockArea > 0 {
		jt.runs = []run{{0, blockArea}}
	}
	for i := range jt.entries {
		jt.writeSlot(i)
	}
	return jt
}

// Capacity returns the number of table slots.
func (jt *JumpTable) Capacity() int { return len(jt.entries) }

// Base returns the address of slot 0.
func (jt *JumpTable) Base() uint32 { return jt.base }

// Contains reports whether addr lies in the table or its side area.
func (jt *JumpTable) Contains(addr uint32) bool {
	return addr >= jt.base && addr < jt.base+uint32(len(jt.mem))
}

func (jt *JumpTable) blockBase() uint32 {
	return jt.base + uint32(len(jt.entries)*EntrySize)
}

func (jt *JumpTable) slotAddr(i int) uint32  { return jt.base + uint32(i*EntrySize) }
func (jt *JumpTable) blockAddr(b int) uint32 { return jt.blockBase() + uint32(b*EntrySize) }

func (jt *JumpTable) writeSlot(i int) {
	encode(jt.mem[i*EntrySize:], &jt.entries[i], jt.slotAddr(i))
}

func (jt *JumpTable) writeBlock(b int) {
	off := (len(jt.entries) + b) * EntrySize
	encode(jt.mem[off:], &jt.blocks[b], jt.blockAddr(b))
}

// Allocate hands out a method stub (n == 1) or a family of one method stub
// and n-1 block stubs.
func (jt *JumpTable) Allocate(n int) ID {
	fatal.Check(n >= 1, "jumptable: allocate %d entries", n)
	jt.mu.Lock()
	defer jt.mu.Unlock()

	idx := jt.head
	if idx < 0 || idx >= len(jt.entries)-2 {
		fatal.Errorf("jumptable: id %d exceeds capacity %d, grow not implemented", idx, len(jt.entries))
	}
	e := &jt.entries[idx]
	jt.head = e.next
	gen := e.gen + 1

	if n == 1 {
		*e = entry{kind: MethodStub, gen: gen}
	} else {
		start := jt.allocateBlock(n)
		jt.blocks[start] = entry{kind: MethodStub}
		jt.owner[start] = idx
		for i := 1; i < n; i++ {
			jt.blocks[start+i] = entry{kind: BlockStub, dest: jt.compileStub}
			jt.owner[start+i] = idx
		}
		for i := 0; i < n; i++ {
			jt.writeBlock(start + i)
		}
		*e = entry{kind: Link, block: start, n: n, gen: gen}
	}
	jt.writeSlot(idx)
	jt.used++
	id := ID{Index: idx, Gen: gen}
	log.Debugf("allocate %s (%d stubs)", id, n)
	return id
}

// allocateBlock takes n contiguous side entries, first fit.
func (jt *JumpTable) allocateBlock(n int) int {
	for i, r := range jt.runs {
		if r.n < n {
			continue
		}
		if r.n == n {
			jt.runs = append(jt.runs[:i], jt.runs[i+1:]...)
		} else {
			jt.runs[i] = run{r.start + n, r.n - n}
		}
		return r.start
	}
	fatal.Errorf("jumptable: no side block of %d stubs left in area of %d, grow not implemented", n, len(jt.blocks))
	return -1
}

func (jt *JumpTable) freeBlock(start, n int) {
	for i := start; i < start+n; i++ {
		jt.blocks[i] = entry{}
		jt.owner[i] = -1
		jt.writeBlock(i)
	}
	i := 0
	for i < len(jt.runs) && jt.runs[i].start < start {
		i++
	}
	jt.runs = append(jt.runs, run{})
	copy(jt.runs[i+1:], jt.runs[i:])
	jt.runs[i] = run{start, n}
	// Merge with neighbours.
	if i+1 < len(jt.runs) && jt.runs[i].start+jt.runs[i].n == jt.runs[i+1].start {
		jt.runs[i].n += jt.runs[i+1].n
		jt.runs = append(jt.runs[:i+1], jt.runs[i+2:]...)
	}
	if i > 0 && jt.runs[i-1].start+jt.runs[i-1].n == jt.runs[i].start {
		jt.runs[i-1].n += jt.runs[i].n
		jt.runs = append(jt.runs[:i], jt.runs[i+1:]...)
	}
}

func (jt *JumpTable) slot(id ID) *entry {
	fatal.Check(id.Index >= 0 && id.Index < len(jt.entries), "jumptable: %s out of range", id)
	e := &jt.entries[id.Index]
	fatal.Check(e.kind != Unused && e.gen == id.Gen, "jumptable: stale id %s", id)
	return e
}

// stub returns the stub id designates and its position: a slot index, or
// a side block index when inBlock.
func (jt *JumpTable) stub(id ID) (e *entry, pos int, inBlock bool) {
	s := jt.slot(id)
	if s.kind == Link {
		fatal.Check(id.Sub >= 0 && id.Sub < s.n, "jumptable: %s outside family of %d", id, s.n)
		return &jt.blocks[s.block+id.Sub], s.block + id.Sub, true
	}
	fatal.Check(id.Sub == 0, "jumptable: %s is not a family", id)
	return s, id.Index, false
}

// FreeID releases id and, for a family, its side block.
func (jt *JumpTable) FreeID(id ID) {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	fatal.Check(id.Sub == 0, "jumptable: free of block stub %s", id)
	e := jt.slot(id)
	if e.kind == Link {
		jt.freeBlock(e.block, e.n)
	}
	*e = entry{kind: Unused, next: jt.head, gen: e.gen}
	jt.head = id.Index
	jt.used--
	jt.writeSlot(id.Index)
	log.Debugf("free %s", id)
}

// SetDestination retargets the stub id.
func (jt *JumpTable) SetDestination(id ID, dest uint32) {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	e, pos, inBlock := jt.stub(id)
	e.dest = dest
	if inBlock {
		jt.writeBlock(pos)
	} else {
		jt.writeSlot(pos)
	}
}

// Destination returns the jump target of stub id.
func (jt *JumpTable) Destination(id ID) uint32 {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	e, _, _ := jt.stub(id)
	return e.dest
}

// KindOf returns what the stub id designates.
func (jt *JumpTable) KindOf(id ID) Kind {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	e, _, _ := jt.stub(id)
	return e.kind
}

// EntryAddress returns the address callers jump through for id.
func (jt *JumpTable) EntryAddress(id ID) uint32 {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	_, pos, inBlock := jt.stub(id)
	if inBlock {
		return jt.blockAddr(pos)
	}
	return jt.slotAddr(pos)
}

// EntryBytes returns a copy of the wire form of stub id.
func (jt *JumpTable) EntryBytes(id ID) []byte {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	_, pos, inBlock := jt.stub(id)
	if inBlock {
		pos += len(jt.entries)
	}
	return append([]byte(nil), jt.mem[pos*EntrySize:(pos+1)*EntrySize]...)
}

// IDAt returns the handle of the stub at addr.
func (jt *JumpTable) IDAt(addr uint32) (ID, bool) {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	return jt.idAt(addr)
}

func (jt *JumpTable) idAt(addr uint32) (ID, bool) {
	if !jt.Contains(addr) || (addr-jt.base)%EntrySize != 0 {
		return NoID, false
	}
	i := int(addr-jt.base) / EntrySize
	if i < len(jt.entries) {
		e := &jt.entries[i]
		if e.kind != MethodStub {
			return NoID, false
		}
		return ID{Index: i, Gen: e.gen}, true
	}
	b := i - len(jt.entries)
	o := jt.owner[b]
	if o < 0 {
		return NoID, false
	}
	s := &jt.entries[o]
	return ID{Index: o, Sub: b - s.block, Gen: s.gen}, true
}

// Blocks returns the block stub handles of the family rooted at id.
func (jt *JumpTable) Blocks(id ID) []ID {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	s := jt.slot(id)
	if s.kind != Link {
		return nil
	}
	ids := make([]ID, 0, s.n-1)
	for i := 1; i < s.n; i++ {
		ids = append(ids, id.Block(i))
	}
	return ids
}

// CompileBlock handles a first call through the block stub at addr: it
// finds the family's method stub by walking back over sibling block stubs,
// has c compile the block and points the stub at the result.
func (jt *JumpTable) CompileBlock(addr uint32, c BlockCompiler) uint32 {
	jt.mu.Lock()
	id, ok := jt.idAt(addr)
	if !ok || id.Sub == 0 {
		jt.mu.Unlock()
		fatal.Errorf("jumptable: %#x is not a block stub", addr)
	}
	b := jt.entries[id.Index].block + id.Sub
	k := b
	for k > 0 && jt.blocks[k].kind == BlockStub {
		k--
	}
	family := jt.blocks[k].kind
	jt.mu.Unlock()
	fatal.Check(family == MethodStub, "jumptable: block stub %s has no method stub, found %s", id, family)

	index := b - k
	dest := c.CompileBlock(id.Family(), index)
	jt.SetDestination(id, dest)
	log.Debugf("compiled block %d of %s -> %#x", index, id.Family(), dest)
	return dest
}

// UsedIDs returns the number of allocated slots.
func (jt *JumpTable) UsedIDs() int {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	return jt.used
}

// Check verifies the free list: no cycle, no allocated slot on it, and the
// number of allocated slots matches UsedIDs.
func (jt *JumpTable) Check() error {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	var errs []error
	seen := make(map[int]bool)
	free := 0
	for i := jt.head; i >= 0; i = jt.entries[i].next {
		if i >= len(jt.entries) {
			errs = append(errs, fmt.Errorf("jumptable: free list index %d out of range", i))
			break
		}
		if seen[i] {
			errs = append(errs, fmt.Errorf("jumptable: free list cycle at %d", i))
			break
		}
		seen[i] = true
		if jt.entries[i].kind != Unused {
			errs = append(errs, fmt.Errorf("jumptable: %s slot %d on free list", jt.entries[i].kind, i))
		}
		free++
		if free > len(jt.entries) {
			errs = append(errs, errors.New("jumptable: free list longer than table"))
			break
		}
	}
	if got := len(jt.entries) - free; got != jt.used {
		errs = append(errs, fmt.Errorf("jumptable: %d slots in use, counted %d", jt.used, got))
	}
	return errors.Join(errs...)
}

// Verify runs Check and validates every family and its side block.
func (jt *JumpTable) Verify() error {
	errs := []error{jt.Check()}
	jt.mu.Lock()
	defer jt.mu.Unlock()
	for i, e := range jt.entries {
		if e.kind != Link {
			continue
		}
		if jt.blocks[e.block].kind != MethodStub {
			errs = append(errs, fmt.Errorf("jumptable: family %d does not start with a method stub", i))
		}
		for b := e.block; b < e.block+e.n; b++ {
			if jt.owner[b] != i {
				errs = append(errs, fmt.Errorf("jumptable: side entry %d owned by %d, want %d", b, jt.owner[b], i))
			}
		}
	}
	for _, r := range jt.runs {
		for b := r.start; b < r.start+r.n; b++ {
			if jt.owner[b] != -1 {
				errs = append(errs, fmt.Errorf("jumptable: free side entry %d owned by %d", b, jt.owner[b]))
			}
		}
	}
	return errors.Join(errs...)
}

// Stats summarizes table occupancy.
type Stats struct {
	Capacity   int
	Used       int
	BlockArea  int
	BlocksUsed int
}

// Stats returns the current occupancy.
func (jt *JumpTable) Stats() Stats {
	jt.mu.Lock()
	defer jt.mu.Unlock()
	s := Stats{Capacity: len(jt.entries), Used: jt.used, BlockArea: len(jt.blocks)}
	for _, o := range jt.owner {
		if o >= 0 {
			s.BlocksUsed++
		}
	}
	return s
}

func (s Stats) String() string {
	return fmt.Sprintf("jump table: %d/%d ids, %d/%d block stubs", s.Used, s.Capacity, s.BlocksUsed, s.BlockArea)
}

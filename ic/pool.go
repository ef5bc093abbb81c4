package ic

import (
	"sort"
	"sync"

	"github.com/chazu/codezone/fatal"
	"github.com/chazu/codezone/vm"
)

// Entry is one (klass, target) pair of a polymorphic cache.
type Entry struct {
	Klass  vm.Oop
	Target Target
}

// PolymorphicArray backs a polymorphic send site. Its address is what the
// site stores: the second word of an interpreted site, the call
// destination of a compiled one.
type PolymorphicArray struct {
	addr    uint32
	size    int
	Entries []Entry
}

// Addr returns the address identifying the array.
func (a *PolymorphicArray) Addr() uint32 { return a.addr }

// Cap returns the number of entries the array holds before it must grow.
func (a *PolymorphicArray) Cap() int { return a.size }

// Find returns the index of the entry for klass, or -1.
func (a *PolymorphicArray) Find(klass vm.Oop) int {
	for i, e := range a.Entries {
		if e.Klass == klass {
			return i
		}
	}
	return -1
}

// PoolBase is where polymorphic arrays are addressed.
const PoolBase = 0x3800_0000

// minArraySize is the smallest size class.
const minArraySize = 2

// ArrayPool hands out polymorphic arrays in power-of-two size classes and
// recycles freed ones per class.
type ArrayPool struct {
	mu   sync.Mutex
	next uint32
	live map[uint32]*PolymorphicArray
	free map[int][]*PolymorphicArray
}

// NewArrayPool creates a pool addressing its arrays from base.
func NewArrayPool(base uint32) *ArrayPool {
	return &ArrayPool{
		next: base,
		live: make(map[uint32]*PolymorphicArray),
		free: make(map[int][]*PolymorphicArray),
	}
}

func sizeClass(n int) int {
	size := minArraySize
	for size < n {
		size <<= 1
	}
	return size
}

// Allocate returns an empty array with room for at least n entries.
func (p *ArrayPool) Allocate(n int) *PolymorphicArray {
	fatal.Check(n > 0, "ic: polymorphic array of %d entries", n)
	size := sizeClass(n)

	p.mu.Lock()
	defer p.mu.Unlock()
	var a *PolymorphicArray
	if list := p.free[size]; len(list) > 0 {
		a = list[len(list)-1]
		p.free[size] = list[:len(list)-1]
	} else {
		a = &PolymorphicArray{addr: p.next, size: size}
		p.next += uint32(8 * (size + 1))
	}
	a.Entries = make([]Entry, 0, size)
	p.live[a.addr] = a
	return a
}

// Grow returns an array holding a's entries with room for one more. a is
// returned as is when it still has room, otherwise it is freed.
func (p *ArrayPool) Grow(a *PolymorphicArray) *PolymorphicArray {
	if len(a.Entries) < a.size {
		return a
	}
	b := p.Allocate(len(a.Entries) + 1)
	b.Entries = append(b.Entries, a.Entries...)
	p.Free(a)
	return b
}

// Free returns a to its size class.
func (p *ArrayPool) Free(a *PolymorphicArray) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.live[a.addr]
	fatal.Check(ok, "ic: freeing unknown polymorphic array %#x", a.addr)
	delete(p.live, a.addr)
	a.Entries = nil
	p.free[a.size] = append(p.free[a.size], a)
}

// At returns the live array at addr, or nil.
func (p *ArrayPool) At(addr uint32) *PolymorphicArray {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live[addr]
}

// Live returns the live arrays in address order.
func (p *ArrayPool) Live() []*PolymorphicArray {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*PolymorphicArray, 0, len(p.live))
	for _, a := range p.live {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

// OopsDo applies fn to the klass of every entry of a live array. Targets
// are reached through their classes.
func (p *ArrayPool) OopsDo(fn func(*vm.Oop)) {
	for _, a := range p.Live() {
		for i := range a.Entries {
			fn(&a.Entries[i].Klass)
		}
	}
}

// PoolStats summarizes an ArrayPool.
type PoolStats struct {
	Live      int
	Free      int
	LiveBytes int
}

// Stats returns the pool occupancy.
func (p *ArrayPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s PoolStats
	for _, a := range p.live {
		s.Live++
		s.LiveBytes += 8 * (a.size + 1)
	}
	for _, list := range p.free {
		s.Free += len(list)
	}
	return s
}

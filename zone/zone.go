// Package zone implements the code cache: a fixed heap of compiled
// methods with bump allocation, publication through the jump table and
// the method index, an incremental sweeper, sliding compaction and
// two-phase invalidation.
//
// A Zone is owned by the mutator. Everything except SweepTrigger must be
// called from the mutator at a safe point.
package zone

import (
	"fmt"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/tliron/commonlog"

	"github.com/chazu/codezone/asm"
	"github.com/chazu/codezone/codetable"
	"github.com/chazu/codezone/config"
	"github.com/chazu/codezone/eventlog"
	"github.com/chazu/codezone/fatal"
	"github.com/chazu/codezone/ic"
	"github.com/chazu/codezone/internal/platform"
	"github.com/chazu/codezone/jumptable"
	"github.com/chazu/codezone/masm"
	"github.com/chazu/codezone/nmethod"
	"github.com/chazu/codezone/reloc"
	"github.com/chazu/codezone/vm"
)

var log = commonlog.GetLogger("codezone.zone")

// Address space of the code cache and its jump table.
const (
	Base          = 0x4000_0000
	JumpTableBase = 0x3000_0000
)

// methodAlignment is the allocation granularity of the heap.
const methodAlignment = 8

// Deoptimizer converts every live compiled activation into one that no
// longer refers to code addresses. Compaction calls it before moving code.
type Deoptimizer interface {
	DeoptimizeAll()
}

// Option configures a Zone.
type Option func(*Zone)

// WithEventLog records lifecycle events in l.
func WithEventLog(l *eventlog.Log) Option {
	return func(z *Zone) { z.events = l }
}

// WithDeoptimizer installs the hook run before compaction.
func WithDeoptimizer(d Deoptimizer) Option {
	return func(z *Zone) { z.deopt = d }
}

// slot orders methods by address in the btree index.
type slot struct {
	addr uint32
	nm   *nmethod.NMethod
}

func slotLess(a, b slot) bool { return a.addr < b.addr }

// Zone is the code cache.
type Zone struct {
	cfg      *config.Config
	universe *vm.Universe
	stubs    *masm.Runtime

	arena *platform.Arena
	mem   []byte
	top   int
	live  int

	methods *btree.BTreeG[slot]
	code    *codetable.Table[*nmethod.NMethod]
	jumps   *jumptable.JumpTable
	owners  map[jumptable.ID]*nmethod.NMethod
	compile jumptable.BlockCompiler

	dispatch *ic.Runtime
	events   *eventlog.Log
	deopt    Deoptimizer

	sweepHand   uint32
	sweepNeeded atomic.Bool
	decay       float64

	counters counters
}

type counters struct {
	installs    int
	zombies     int
	flushes     int
	sweeps      int
	compactions int
}

// New creates a code cache sized by cfg. The dispatch runtime of the
// cache is attached to it.
func New(cfg *config.Config, u *vm.Universe, stubs *masm.Runtime, opts ...Option) (*Zone, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	arena, err := platform.NewArena(int(cfg.Zone.Size))
	if err != nil {
		return nil, fmt.Errorf("zone: %w", err)
	}
	z := &Zone{
		cfg:       cfg,
		universe:  u,
		stubs:     stubs,
		arena:     arena,
		mem:       arena.Bytes(),
		methods:   btree.NewG(16, slotLess),
		code:      codetable.New[*nmethod.NMethod](cfg.JumpTable.Capacity),
		jumps:     jumptable.New(cfg.JumpTable.Capacity, cfg.JumpTable.BlockArea, JumpTableBase, stubs.CompileBlockStub),
		owners:    make(map[jumptable.ID]*nmethod.NMethod),
		sweepHand: Base,
		decay:     decayFactor(cfg.Sweeper.HalfLife),
	}
	for _, opt := range opts {
		opt(z)
	}
	z.dispatch = ic.NewRuntime(u, stubs, cfg.IC.PolymorphicLimit)
	z.dispatch.Cache = ic.NewLookupCache(cfg.IC.LookupCacheSize)
	z.dispatch.Attach(z, z.jumps)
	if arena.Mapped() {
		log.Infof("code cache of %s at %#x (mapped)", cfg.Zone.Size, uint32(Base))
	} else {
		log.Infof("code cache of %s at %#x", cfg.Zone.Size, uint32(Base))
	}
	return z, nil
}

// Close releases the heap. The zone must not be used afterwards.
func (z *Zone) Close() error {
	z.mem = nil
	return z.arena.Close()
}

// Dispatch returns the send-site runtime bound to this cache.
func (z *Zone) Dispatch() *ic.Runtime { return z.dispatch }

// JumpTable returns the indirection table.
func (z *Zone) JumpTable() *jumptable.JumpTable { return z.jumps }

// Universe returns the object memory the cache serves.
func (z *Zone) Universe() *vm.Universe { return z.universe }

// Stubs returns the runtime routines compiled code calls.
func (z *Zone) Stubs() *masm.Runtime { return z.stubs }

// SetBlockCompiler installs the compiler invoked on the first call of a
// block stub.
func (z *Zone) SetBlockCompiler(c jumptable.BlockCompiler) { z.compile = c }

// CompileBlock handles a call that reached the block compile stub through
// the block stub at addr. It returns the entry of the compiled block.
func (z *Zone) CompileBlock(addr uint32) uint32 {
	fatal.Check(z.compile != nil, "zone: no block compiler installed")
	dest := z.jumps.CompileBlock(addr, z.compile)
	z.record(eventlog.CompileBlock, addr, "-> %#x", dest)
	return dest
}

func (z *Zone) record(kind eventlog.Kind, addr uint32, format string, args ...any) {
	if z.events != nil {
		z.events.Record(kind, addr, format, args...)
	}
}

func align(n, to int) int { return (n + to - 1) &^ (to - 1) }

// allocate carves size bytes off the heap. When the heap is full it flushes
// zombies, compacts and retries once.
func (z *Zone) allocate(size int) (uint32, []byte) {
	size = align(size, methodAlignment)
	if z.top+size > len(z.mem) {
		log.Infof("code cache full (%d of %d bytes), compacting", z.top, len(z.mem))
		z.Compact()
		if z.top+size > len(z.mem) {
			fatal.Errorf("zone: code cache full, %d bytes requested, %d live of %d", size, z.live, len(z.mem))
		}
	}
	off := z.top
	z.top += size
	z.live += size
	return Base + uint32(off), z.mem[off : off+size : off+size]
}

// checkOops rejects code that refers to young objects.
func (z *Zone) checkOops(cb *asm.CodeBuffer, info nmethod.Info) {
	for it := reloc.NewIterator(cb.Relocs()); it.Next(); {
		if it.Type() != reloc.Oop {
			continue
		}
		o := vm.Oop(cb.Word(it.Offset()))
		fatal.Check(!z.universe.IsYoung(o), "zone: %v embeds young object %v at %d", info.Key, o, it.Offset())
	}
	for _, d := range info.Dependencies {
		fatal.Check(!z.universe.IsYoung(d), "zone: %v depends on young object %v", info.Key, d)
	}
}

// Install copies the finished code buffer into the cache and publishes the
// method. The jump table entry is pointed at the method before the method
// becomes visible through Lookup. A block method is reached only through
// its family's block stub. Its parent may be a zombie: closures created by
// activations still running the old code call through the old family until
// it is flushed.
func (z *Zone) Install(cb *asm.CodeBuffer, info nmethod.Info) *nmethod.NMethod {
	z.checkOops(cb, info)
	l := nmethod.NewLayout(cb, info)
	addr, mem := z.allocate(l.Size())
	nm := l.Materialize(mem[:l.Size()], addr)

	if info.IsBlock {
		parent := z.owners[info.Family]
		fatal.Check(parent != nil, "zone: block %d of %s has no parent", info.BlockIndex, info.Family)
		nm.MainID = info.Family.Block(info.BlockIndex)
		prev := z.owners[nm.MainID]
		fatal.Check(prev == nil || !prev.IsAlive(), "zone: block %s compiled twice", nm.MainID)
		z.jumps.SetDestination(nm.MainID, nm.VerifiedEntryAddr())
	} else {
		nm.MainID = z.jumps.Allocate(1 + nm.NumBlocks())
		z.jumps.SetDestination(nm.MainID, nm.VerifiedEntryAddr())
		z.code.Add(nm)
	}
	z.owners[nm.MainID] = nm
	z.methods.ReplaceOrInsert(slot{addr: addr, nm: nm})
	z.counters.installs++
	z.dispatch.Invalidate()
	z.record(eventlog.Install, addr, "%s", nm)
	log.Debugf("installed %s", nm)
	return nm
}

// Lookup returns the live compiled method for key, or nil.
func (z *Zone) Lookup(key vm.LookupKey) *nmethod.NMethod {
	nm, _ := z.code.Lookup(key)
	return nm
}

// FindNMethod returns the method whose memory contains addr, or nil.
func (z *Zone) FindNMethod(addr uint32) *nmethod.NMethod {
	var found *nmethod.NMethod
	z.methods.DescendLessOrEqual(slot{addr: addr}, func(s slot) bool {
		if s.nm.Contains(addr) {
			found = s.nm
		}
		return false
	})
	return found
}

// EntryOwner returns the method owning the jump table entry at entry.
func (z *Zone) EntryOwner(entry uint32) *nmethod.NMethod {
	id, ok := z.jumps.IDAt(entry)
	if !ok {
		return nil
	}
	return z.owners[id]
}

// Owner returns the method holding jump table id, or nil once it has been
// flushed.
func (z *Zone) Owner(id jumptable.ID) *nmethod.NMethod { return z.owners[id] }

// Family returns the method a block method was compiled from, or nm
// itself.
func (z *Zone) Family(nm *nmethod.NMethod) *nmethod.NMethod {
	if !nm.IsBlock {
		return nm
	}
	return z.owners[nm.Family]
}

// ForEach calls fn for every method in the cache in address order.
func (z *Zone) ForEach(fn func(*nmethod.NMethod)) {
	for _, nm := range z.All() {
		fn(nm)
	}
}

// All returns every method in the cache in address order.
func (z *Zone) All() []*nmethod.NMethod {
	out := make([]*nmethod.NMethod, 0, z.methods.Len())
	z.methods.Ascend(func(s slot) bool {
		out = append(out, s.nm)
		return true
	})
	return out
}

// Len returns the number of methods in the cache, zombies included.
func (z *Zone) Len() int { return z.methods.Len() }

// makeZombie unpublishes nm and patches it so stale entries trap.
func (z *Zone) makeZombie(nm *nmethod.NMethod) {
	if nm.IsBlock {
		z.jumps.SetDestination(nm.MainID, z.stubs.CompileBlockStub)
	} else {
		z.code.Remove(nm)
		z.jumps.SetDestination(nm.MainID, z.stubs.LookupStub)
	}
	nm.MakeZombie(z.stubs.ZombieHandler)
	z.counters.zombies++
	z.dispatch.Invalidate()
	z.record(eventlog.Zombie, nm.Address(), "%s", nm)
}

// MakeZombie kills nm for new invocations.
func (z *Zone) MakeZombie(nm *nmethod.NMethod) {
	fatal.Check(nm.IsAlive(), "zone: %s is %s", nm, nm.State())
	z.makeZombie(nm)
}

// Flush removes nm, and the block methods of its family, from the cache.
// Live methods are made zombies first. No site may refer to nm anymore.
func (z *Zone) Flush(nm *nmethod.NMethod) {
	fatal.Check(!nm.IsDead(), "zone: flushing dead %s", nm)
	if nm.IsAlive() {
		z.makeZombie(nm)
	}
	if !nm.IsBlock {
		for _, id := range z.jumps.Blocks(nm.MainID) {
			if b := z.owners[id]; b != nil {
				z.Flush(b)
			}
		}
	}
	if z.owners[nm.MainID] == nm {
		delete(z.owners, nm.MainID)
	}
	if !nm.IsBlock {
		z.jumps.FreeID(nm.MainID)
	}
	if z.sweepHand == nm.Address() {
		z.sweepHand = z.nextAfter(nm.Address())
	}
	z.methods.Delete(slot{addr: nm.Address()})
	z.live -= align(nm.Size(), methodAlignment)
	z.counters.flushes++
	z.record(eventlog.Flush, nm.Address(), "%s", nm)
	nm.MakeDead()
}

// nextAfter returns the address of the first method after addr, or Base.
func (z *Zone) nextAfter(addr uint32) uint32 {
	next := uint32(Base)
	z.methods.AscendGreaterOrEqual(slot{addr: addr + 1}, func(s slot) bool {
		next = s.addr
		return false
	})
	return next
}

// FlushZombies flushes every zombie that is not kept by a recompilation
// and returns the number of methods flushed, block methods included.
// Sites still referring to a flushed method are cleared first. A
// resurrected zombie survives this round and loses its mark.
func (z *Zone) FlushZombies() int {
	victims := map[*nmethod.NMethod]bool{}
	for _, nm := range z.All() {
		if !nm.IsZombie() {
			continue
		}
		if nm.IsResurrected() {
			nm.ClearResurrected()
			continue
		}
		victims[nm] = true
		if !nm.IsBlock {
			for _, id := range z.jumps.Blocks(nm.MainID) {
				if b := z.owners[id]; b != nil {
					victims[b] = true
				}
			}
		}
	}
	if len(victims) == 0 {
		return 0
	}
	dying := func(nm *nmethod.NMethod) bool { return victims[nm] }
	cleared := ic.Unlink(z.dispatch, dying, z.All(), z.universe.Methods())

	before := z.counters.flushes
	for _, nm := range z.All() {
		if victims[nm] && !nm.IsDead() {
			z.Flush(nm)
		}
	}
	n := z.counters.flushes - before
	log.Infof("flushed %d zombies, cleared %d sites", n, cleared)
	return n
}

// Clear flushes every method.
func (z *Zone) Clear() {
	all := z.All()
	ic.Unlink(z.dispatch, func(*nmethod.NMethod) bool { return true }, nil, z.universe.Methods())
	for _, nm := range all {
		if !nm.IsDead() {
			z.Flush(nm)
		}
	}
	z.top, z.live = 0, 0
	z.sweepHand = Base
}

package zone

import (
	"github.com/chazu/codezone/eventlog"
	"github.com/chazu/codezone/ic"
)

// Fragmentation returns the fraction of the heap lost to holes left by
// flushed methods.
func (z *Zone) Fragmentation() float64 {
	if len(z.mem) == 0 {
		return 0
	}
	return float64(z.top-z.live) / float64(len(z.mem))
}

func (z *Zone) needsCompaction() bool {
	return z.Fragmentation() > z.cfg.Zone.CompactionThreshold
}

// Compact slides every surviving method down to the start of the heap.
// Live activations are deoptimized and zombies flushed first. Compiled
// inline caches are cleared since they bind code addresses directly; jump
// table entries follow the moved methods.
func (z *Zone) Compact() {
	if z.deopt != nil {
		z.deopt.DeoptimizeAll()
	}
	z.FlushZombies()

	all := z.All()
	for _, nm := range all {
		ic.ClearAll(z.dispatch, nm)
	}

	z.methods.Clear(false)
	off, moved := 0, 0
	for _, nm := range all {
		size := nm.Size()
		old, addr := nm.Address(), Base+uint32(off)
		if addr != old {
			dst := z.mem[off : off+size : off+size]
			copy(dst, nm.Memory())
			nm.Relocate(dst, addr)
			if nm.IsAlive() {
				z.jumps.SetDestination(nm.MainID, nm.VerifiedEntryAddr())
			}
			if z.sweepHand == old {
				z.sweepHand = addr
			}
			moved++
		}
		z.methods.ReplaceOrInsert(slot{addr: addr, nm: nm})
		off += align(size, methodAlignment)
	}
	clear(z.mem[off:z.top])
	reclaimed := z.top - off
	z.top, z.live = off, off
	if z.sweepHand >= Base+uint32(off) {
		z.sweepHand = Base
	}

	z.counters.compactions++
	z.dispatch.Invalidate()
	z.record(eventlog.Compact, Base, "moved %d of %d methods, reclaimed %d bytes", moved, len(all), reclaimed)
	log.Infof("compacted: moved %d of %d methods, reclaimed %d bytes", moved, len(all), reclaimed)
}

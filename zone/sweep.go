package zone

import (
	"context"
	"math"
	"time"

	"github.com/chazu/codezone/eventlog"
	"github.com/chazu/codezone/ic"
	"github.com/chazu/codezone/nmethod"
)

// decayFactor is applied to the counters once per sweep so that an idle
// counter halves every halfLife sweeps.
func decayFactor(halfLife float64) float64 {
	return math.Pow(2, -1/halfLife)
}

// SweeperStep sweeps the next batch of methods after the sweep hand and
// returns how many it visited. Reaching the end of the heap completes a
// sweep cycle: interpreted send sites are cleaned too and the hand wraps.
func (z *Zone) SweeperStep() int {
	per := z.cfg.Sweeper.MethodsPerStep
	var batch []*nmethod.NMethod
	wrapped := true
	z.methods.AscendGreaterOrEqual(slot{addr: z.sweepHand}, func(s slot) bool {
		if len(batch) == per {
			z.sweepHand = s.addr
			wrapped = false
			return false
		}
		batch = append(batch, s.nm)
		return true
	})
	for _, nm := range batch {
		z.sweep(nm)
	}
	if wrapped {
		z.sweepHand = Base
		z.cleanupInterpreted()
		z.counters.sweeps++
		z.record(eventlog.Sweep, Base, "sweep %d done", z.counters.sweeps)
		log.Infof("sweep %d done", z.counters.sweeps)
	}
	return len(batch)
}

// sweep ages one method and revalidates its inline caches. Zombies are
// left alone.
func (z *Zone) sweep(nm *nmethod.NMethod) {
	if !nm.IsAlive() {
		return
	}
	nm.Decay(z.decay)
	nm.IncrementAge(z.cfg.Sweeper.MaxAge)
	for _, c := range ic.CompiledICs(z.dispatch, nm) {
		c.Cleanup()
	}
}

func (z *Zone) cleanupInterpreted() {
	for _, m := range z.universe.Methods() {
		for _, pc := range ic.SendSites(m) {
			ic.NewInterpretedIC(z.dispatch, m, pc).Cleanup()
		}
	}
}

// Sweep runs a complete sweep cycle from the start of the heap.
func (z *Zone) Sweep() {
	z.sweepHand = Base
	for {
		z.SweeperStep()
		if z.sweepHand == Base {
			return
		}
	}
}

// SweepTrigger requests a sweeper step at the next safe point. It is the
// only operation that may be called from another goroutine.
func (z *Zone) SweepTrigger() { z.sweepNeeded.Store(true) }

// SweepRequested reports whether a sweeper step is pending.
func (z *Zone) SweepRequested() bool { return z.sweepNeeded.Load() }

// SafePoint performs deferred cache maintenance: a compaction once the
// heap is too fragmented, and the sweeper step requested by SweepTrigger.
func (z *Zone) SafePoint() {
	if z.needsCompaction() {
		z.Compact()
	}
	if z.sweepNeeded.Swap(false) {
		z.SweeperStep()
	}
}

// StartSweepTimer requests a sweeper step every interval until ctx is
// done.
func (z *Zone) StartSweepTimer(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				z.SweepTrigger()
			}
		}
	}()
}

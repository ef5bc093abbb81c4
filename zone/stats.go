package zone

import (
	"fmt"
	"strings"

	"github.com/docker/go-units"

	"github.com/chazu/codezone/codetable"
	"github.com/chazu/codezone/ic"
	"github.com/chazu/codezone/jumptable"
)

// Stats is a snapshot of the cache.
type Stats struct {
	Capacity      int
	Used          int
	Live          int
	Fragmentation float64

	Methods int
	Alive   int
	Zombies int
	Blocks  int

	Installs    int
	ZombiesMade int
	Flushes     int
	Sweeps      int
	Compactions int

	LookupHits   uint64
	LookupMisses uint64

	JumpTable jumptable.Stats
	CodeTable codetable.Stats
	Arrays    ic.PoolStats
}

// Stats returns the current occupancy and activity counters.
func (z *Zone) Stats() Stats {
	s := Stats{
		Capacity:      len(z.mem),
		Used:          z.top,
		Live:          z.live,
		Fragmentation: z.Fragmentation(),
		Installs:      z.counters.installs,
		ZombiesMade:   z.counters.zombies,
		Flushes:       z.counters.flushes,
		Sweeps:        z.counters.sweeps,
		Compactions:   z.counters.compactions,
		JumpTable:     z.jumps.Stats(),
		CodeTable:     z.code.Stats(),
		Arrays:        z.dispatch.Arrays.Stats(),
	}
	s.LookupHits, s.LookupMisses = z.dispatch.Cache.Counts()
	for _, nm := range z.All() {
		s.Methods++
		switch {
		case nm.IsAlive():
			s.Alive++
		case nm.IsZombie():
			s.Zombies++
		}
		if nm.IsBlock {
			s.Blocks++
		}
	}
	return s
}

func (s Stats) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "code cache: %s used, %s live of %s (%.1f%% fragmented)\n",
		units.BytesSize(float64(s.Used)), units.BytesSize(float64(s.Live)), units.BytesSize(float64(s.Capacity)), 100*s.Fragmentation)
	fmt.Fprintf(&b, "methods: %d (%d alive, %d zombies, %d blocks)\n", s.Methods, s.Alive, s.Zombies, s.Blocks)
	fmt.Fprintf(&b, "activity: %d installs, %d zombies, %d flushes, %d sweeps, %d compactions\n",
		s.Installs, s.ZombiesMade, s.Flushes, s.Sweeps, s.Compactions)
	fmt.Fprintf(&b, "lookup cache: %d hits, %d misses\n", s.LookupHits, s.LookupMisses)
	fmt.Fprintf(&b, "%s\n", s.JumpTable)
	fmt.Fprintf(&b, "code table: %d/%d buckets, %d chains\n", s.CodeTable.Used, s.CodeTable.Buckets, s.CodeTable.Chains)
	fmt.Fprintf(&b, "polymorphic arrays: %d live (%s), %d free", s.Arrays.Live, units.BytesSize(float64(s.Arrays.LiveBytes)), s.Arrays.Free)
	return b.String()
}

package ic

import (
	"fmt"
	"sync/atomic"

	"github.com/chazu/codezone/vm"
)

// Stats counts dispatch activity across all sites served by a Runtime.
type Stats struct {
	Hits   atomic.Uint64
	Misses atomic.Uint64
	DNUs   atomic.Uint64

	transitions [numStates][numStates]atomic.Uint64
}

func (s *Stats) transition(from, to State) {
	if from != to {
		s.transitions[from][to].Add(1)
	}
}

// Transitions returns how often sites moved from one state to another.
func (s *Stats) Transitions(from, to State) uint64 {
	return s.transitions[from][to].Load()
}

// HitRate returns the hit rate as a percentage (0-100).
func (s *Stats) HitRate() float64 {
	hits, misses := s.Hits.Load(), s.Misses.Load()
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) * 100 / float64(total)
}

func (s *Stats) String() string {
	return fmt.Sprintf("hits=%d misses=%d dnu=%d hit-rate=%.1f%%",
		s.Hits.Load(), s.Misses.Load(), s.DNUs.Load(), s.HitRate())
}

// Census is a snapshot of how many sites are in each state.
type Census struct {
	Sites           int
	Anamorphic      int
	Monomorphic     int
	Polymorphic     int
	Megamorphic     int
	MonomorphicRate float64 // percentage of used sites that are monomorphic
}

func (c *Census) add(s State) {
	c.Sites++
	switch s {
	case Anamorphic:
		c.Anamorphic++
	case Monomorphic:
		c.Monomorphic++
	case Polymorphic:
		c.Polymorphic++
	case Megamorphic:
		c.Megamorphic++
	}
}

func (c *Census) finish() {
	if used := c.Sites - c.Anamorphic; used > 0 {
		c.MonomorphicRate = float64(c.Monomorphic) * 100 / float64(used)
	}
}

// TakeCensus classifies every interpreted send site of methods.
func TakeCensus(rt *Runtime, methods []*vm.Method) Census {
	var c Census
	for _, m := range methods {
		for _, pc := range SendSites(m) {
			c.add(NewInterpretedIC(rt, m, pc).State())
		}
	}
	c.finish()
	return c
}

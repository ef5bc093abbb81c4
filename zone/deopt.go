package zone

import (
	"slices"

	"github.com/chazu/codezone/eventlog"
	"github.com/chazu/codezone/nmethod"
	"github.com/chazu/codezone/vm"
)

func dependsOn(nm *nmethod.NMethod, klass vm.Oop) bool {
	return nm.Key().Klass == klass || slices.Contains(nm.Dependencies, klass)
}

// MarkDependentsForDeoptimization marks every live method depending on
// klass together with its whole family: the method and the block methods
// compiled from it. Nothing but the marks changes. It returns the number
// of methods newly marked.
func (z *Zone) MarkDependentsForDeoptimization(klass vm.Oop) int {
	n := 0
	for _, nm := range z.All() {
		if nm.IsAlive() && dependsOn(nm, klass) {
			n += z.markFamily(nm)
		}
	}
	return n
}

func (z *Zone) markFamily(nm *nmethod.NMethod) int {
	root := z.Family(nm)
	if root == nil {
		root = nm
	}
	n := 0
	mark := func(m *nmethod.NMethod) {
		if m != nil && m.IsAlive() && !m.IsMarkedForDeoptimization() {
			m.MarkForDeoptimization()
			n++
		}
	}
	mark(root)
	mark(nm)
	if !root.IsBlock {
		for _, id := range z.jumps.Blocks(root.MainID) {
			mark(z.owners[id])
		}
	}
	return n
}

// MakeMarkedNMethodsZombies turns every marked method into a zombie and
// returns how many it converted.
func (z *Zone) MakeMarkedNMethodsZombies() int {
	n := 0
	for _, nm := range z.All() {
		if nm.IsAlive() && nm.IsMarkedForDeoptimization() {
			z.record(eventlog.Deoptimize, nm.Address(), "%s", nm)
			z.makeZombie(nm)
			n++
		}
	}
	if n > 0 {
		log.Infof("made %d marked methods zombies", n)
	}
	return n
}

// Invalidate runs both invalidation phases for klass. Afterwards no
// method depending on klass is reachable for new invocations and no
// cached lookup resolves through the old definition of klass.
func (z *Zone) Invalidate(klass vm.Oop) int {
	z.MarkDependentsForDeoptimization(klass)
	n := z.MakeMarkedNMethodsZombies()
	z.dispatch.Invalidate()
	return n
}

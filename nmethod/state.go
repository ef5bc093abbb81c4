package nmethod

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a compiled method.
//
//	alive --invalidate--> zombie --flush--> dead
type State uint8

const (
	Alive State = iota
	Zombie
	Dead
)

var stateNames = [...]string{"alive", "zombie", "dead"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

// legalTransitions lists the states reachable from each state.
var legalTransitions = map[State][]State{
	Alive:  {Zombie},
	Zombie: {Dead},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Flags are sub-state markers orthogonal to State.
type Flags uint8

const (
	// MarkedForDeoptimization is set by the marking pass of an
	// invalidation; the method turns zombie in the second pass.
	MarkedForDeoptimization Flags = 1 << iota
	// Resurrected marks a zombie kept for an in-flight recompilation.
	Resurrected
)

func (f Flags) String() string {
	var parts []string
	if f&MarkedForDeoptimization != 0 {
		parts = append(parts, "marked")
	}
	if f&Resurrected != 0 {
		parts = append(parts, "resurrected")
	}
	return strings.Join(parts, "|")
}

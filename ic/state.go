package ic

import "fmt"

// State is the dispatch state of a send site. A site only ever moves
// forward through these states until it is cleared.
type State uint8

const (
	Anamorphic State = iota
	Monomorphic
	Polymorphic
	Megamorphic
	numStates
)

var stateNames = [...]string{"anamorphic", "monomorphic", "polymorphic", "megamorphic"}

func (s State) String() string {
	if s < numStates {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", s)
}

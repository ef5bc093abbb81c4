package asm

import "fmt"

type labelState uint8

const (
	labelUnused labelState = iota
	labelUnbound
	labelBound
)

type fixupKind uint8

const (
	fixupRel32  fixupKind = iota // call, jmp or jcc with a 32-bit displacement ending at pos+4
	fixupRel8                    // short jmp or jcc with an 8-bit displacement ending at pos+1
	fixupICInfo                  // inline cache info word, offset relative to instr
)

// fixup is a pending reference to a label that is not bound yet.
type fixup struct {
	kind  fixupKind
	pos   int // position of the displacement field
	instr int // start of the referring instruction
	flags uint32
}

// Label is a position in the instruction stream that may be referenced
// before it is known. Forward references are kept as an explicit fixup
// list and patched when the label is bound.
type Label struct {
	state  labelState
	pos    int
	fixups []fixup
}

// IsBound reports whether the label has a position.
func (l *Label) IsBound() bool { return l.state == labelBound }

// IsUnbound reports whether the label has pending references.
func (l *Label) IsUnbound() bool { return l.state == labelUnbound }

// IsUnused reports whether the label was never referenced nor bound.
func (l *Label) IsUnused() bool { return l.state == labelUnused }

// Pos returns the bound position; the label must be bound.
func (l *Label) Pos() int {
	if l.state != labelBound {
		panic("asm: position of unbound label")
	}
	return l.pos
}

func (l *Label) String() string {
	switch l.state {
	case labelBound:
		return fmt.Sprintf("L@%d", l.pos)
	case labelUnbound:
		return fmt.Sprintf("L(%d fixups)", len(l.fixups))
	default:
		return "L(unused)"
	}
}

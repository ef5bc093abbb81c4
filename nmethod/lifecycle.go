package nmethod

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/chazu/codezone/asm"
	"github.com/chazu/codezone/fatal"
	"github.com/chazu/codezone/masm"
	"github.com/chazu/codezone/reloc"
	"github.com/chazu/codezone/vm"
)

// State returns the lifecycle state.
func (nm *NMethod) State() State { return nm.state }

// Flags returns the sub-state markers.
func (nm *NMethod) Flags() Flags { return nm.flags }

func (nm *NMethod) IsAlive() bool  { return nm.state == Alive }
func (nm *NMethod) IsZombie() bool { return nm.state == Zombie }
func (nm *NMethod) IsDead() bool   { return nm.state == Dead }

// IsMarkedForDeoptimization reports whether an invalidation marked nm.
func (nm *NMethod) IsMarkedForDeoptimization() bool {
	return nm.flags&MarkedForDeoptimization != 0
}

// IsResurrected reports whether the zombie is being kept alive.
func (nm *NMethod) IsResurrected() bool { return nm.flags&Resurrected != 0 }

func (nm *NMethod) transition(to State) {
	if !CanTransition(nm.state, to) {
		fatal.Errorf("nmethod: illegal transition %s -> %s for %s", nm.state, to, nm)
	}
	nm.state = to
	if nm.mem != nil {
		nm.mem[hState] = byte(to)
	}
}

func (nm *NMethod) setFlags(f Flags) {
	nm.flags = f
	if nm.mem != nil {
		nm.mem[hFlags] = byte(f)
	}
}

// MarkForDeoptimization flags an alive method for the zombie pass.
func (nm *NMethod) MarkForDeoptimization() {
	fatal.Check(nm.state == Alive, "nmethod: marking %s %s", nm.state, nm)
	nm.setFlags(nm.flags | MarkedForDeoptimization)
}

// MakeZombie kills the method for new invocations. The special handler
// call is retargeted to zombieHandler and the verified entry is overwritten
// with a short jump to that call, so activations entering through stale
// addresses land in the handler.
func (nm *NMethod) MakeZombie(zombieHandler uint32) {
	nm.transition(Zombie)
	nm.setFlags(nm.flags &^ MarkedForDeoptimization)
	e := nm.entries
	nm.SetCallTarget(e.SpecialHandlerCall+1, zombieHandler)
	code := nm.Code()
	code[e.VerifiedEntry] = 0xEB
	code[e.VerifiedEntry+1] = byte(int8(zombieJump(e)))
	log.Debugf("zombie %s", nm)
}

// Resurrect keeps a zombie around for an in-flight recompilation. The
// state does not change.
func (nm *NMethod) Resurrect() {
	fatal.Check(nm.state == Zombie, "nmethod: resurrecting %s %s", nm.state, nm)
	nm.setFlags(nm.flags | Resurrected)
}

// ClearResurrected drops the resurrection marker.
func (nm *NMethod) ClearResurrected() {
	nm.setFlags(nm.flags &^ Resurrected)
}

// MakeDead finishes a zombie. Its memory must not be touched afterwards.
func (nm *NMethod) MakeDead() {
	nm.transition(Dead)
	nm.mem = nil
	log.Debugf("dead %s", nm)
}

// Relocate is called after the method's bytes were moved to mem at addr.
// Position dependent words are fixed for the move.
func (nm *NMethod) Relocate(mem []byte, addr uint32) {
	fatal.Check(nm.state != Dead, "nmethod: relocating dead %s", nm)
	fatal.Check(len(mem) == len(nm.mem), "nmethod: relocating %d bytes into %d", len(nm.mem), len(mem))
	delta := int32(addr - nm.addr)
	nm.mem, nm.addr = mem, addr
	asm.AdjustForMove(nm.Code(), nm.Relocs(), delta)
}

// OopsDo calls fn with every object reference embedded in the code and
// every dependency. Changes made through the pointer are written back.
func (nm *NMethod) OopsDo(fn func(*vm.Oop)) {
	code := nm.Code()
	for it := reloc.NewIterator(nm.Relocs()); it.Next(); {
		if it.Type() != reloc.Oop {
			continue
		}
		w := code[it.Offset():]
		o := vm.Oop(binary.LittleEndian.Uint32(w))
		if !o.IsMem() {
			continue
		}
		before := o
		fn(&o)
		if o != before {
			binary.LittleEndian.PutUint32(w, uint32(o))
		}
	}
	for i := range nm.Dependencies {
		fn(&nm.Dependencies[i])
	}
}

// SwitchPointers replaces every embedded reference to from with to.
func (nm *NMethod) SwitchPointers(from, to vm.Oop) {
	nm.OopsDo(func(p *vm.Oop) {
		if *p == from {
			*p = to
		}
	})
}

// Verify checks the header, the entry points, the relocation entries and
// the scope data.
func (nm *NMethod) Verify() error {
	if nm.state == Dead {
		return fmt.Errorf("nmethod: %s is dead", nm)
	}
	var errs []error
	h := nm.mem[:HeaderSize]
	if binary.LittleEndian.Uint32(h[hMagic:]) != magic {
		errs = append(errs, fmt.Errorf("nmethod: %s bad header magic", nm))
	}
	if int(binary.LittleEndian.Uint32(h[hSize:])) != len(nm.mem) {
		errs = append(errs, fmt.Errorf("nmethod: %s header size mismatch", nm))
	}
	if vm.Oop(binary.LittleEndian.Uint32(h[hKlass:])) != nm.key.Klass ||
		vm.Oop(binary.LittleEndian.Uint32(h[hSelector:])) != nm.key.Selector {
		errs = append(errs, fmt.Errorf("nmethod: %s header key mismatch", nm))
	}
	if State(h[hState]) != nm.state {
		errs = append(errs, fmt.Errorf("nmethod: %s header state %s", nm, State(h[hState])))
	}

	if nm.VerifiedEntryAddr()%masm.VerifiedEntryAlignment != 0 {
		errs = append(errs, fmt.Errorf("nmethod: %s verified entry %#x unaligned", nm, nm.VerifiedEntryAddr()))
	}
	code := nm.Code()
	e := nm.entries
	if code[e.SpecialHandlerCall] != 0xE8 {
		errs = append(errs, fmt.Errorf("nmethod: %s special handler call missing", nm))
	}
	if nm.state == Zombie {
		if code[e.VerifiedEntry] != 0xEB || int8(code[e.VerifiedEntry+1]) != int8(zombieJump(e)) {
			errs = append(errs, fmt.Errorf("nmethod: zombie %s verified entry not patched", nm))
		}
	}

	last := 0
	for it := reloc.NewIterator(nm.Relocs()); it.Next(); {
		off := it.Offset()
		if off < last || off+4 > nm.codeSize {
			errs = append(errs, fmt.Errorf("nmethod: %s %s relocation at %d outside code", nm, it.Type(), off))
		}
		last = off
	}

	if _, err := nm.Scopes(); err != nil {
		errs = append(errs, err)
	}
	for i := 1; i <= nm.numBlocks; i++ {
		if _, err := nm.BlockScope(i); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Package disasm prints compiled methods as annotated x86 listings.
package disasm

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"github.com/chazu/codezone/asm"
	"github.com/chazu/codezone/masm"
	"github.com/chazu/codezone/nmethod"
	"github.com/chazu/codezone/reloc"
)

// Symbols names the stub routines of rt for use in listings.
func Symbols(rt *masm.Runtime) map[uint32]string {
	return map[uint32]string{
		rt.EdenTop:          "eden_top",
		rt.EdenEnd:          "eden_end",
		rt.LastSP:           "last_sp",
		rt.LastFP:           "last_fp",
		rt.AllocateObject:   "allocate_object",
		rt.AllocateContext:  "allocate_context",
		rt.AllocateBlock:    "allocate_block",
		rt.RecompileHandler: "recompile_handler",
		rt.ZombieHandler:    "zombie_handler",
		rt.LookupStub:       "lookup_stub",
		rt.MegamorphicStub:  "megamorphic_stub",
		rt.CompileBlockStub: "compile_block_stub",
		rt.UncommonTrap:     "uncommon_trap",
		rt.ByteMapBase:      "byte_map_base",
	}
}

// Line is one decoded instruction.
type Line struct {
	Offset int
	Addr   uint32
	Bytes  []byte
	Text   string
	Marks  []string
	Relocs []reloc.Type
}

// Decode disassembles the instructions of nm. names resolves absolute
// addresses to symbols and may be nil. Undecodable bytes become one-byte
// "(bad)" lines.
func Decode(nm *nmethod.NMethod, names map[uint32]string) []Line {
	code := nm.Code()
	base := nm.CodeBegin()
	sym := func(addr uint64) (string, uint64) {
		if name, ok := names[uint32(addr)]; ok {
			return name, addr
		}
		return "", 0
	}

	marks := map[int][]string{}
	e := nm.Entries()
	marks[e.SpecialHandlerCall] = append(marks[e.SpecialHandlerCall], "special handler")
	marks[e.Entry] = append(marks[e.Entry], "entry")
	marks[e.VerifiedEntry] = append(marks[e.VerifiedEntry], "verified entry")
	for _, off := range nm.ICOffsets() {
		call := off - masm.ICDisplacementOffset
		marks[call] = append(marks[call], "inline cache")
	}

	relocs := reloc.Decode(nm.Relocs())
	sort.Slice(relocs, func(i, j int) bool { return relocs[i].Offset < relocs[j].Offset })

	var lines []Line
	r := 0
	for pc := 0; pc < len(code); {
		l := Line{Offset: pc, Addr: base + uint32(pc), Marks: marks[pc]}
		inst, err := x86asm.Decode(code[pc:], 32)
		if err != nil {
			l.Bytes = code[pc : pc+1]
			l.Text = "(bad)"
		} else {
			l.Bytes = code[pc : pc+inst.Len]
			l.Text = x86asm.IntelSyntax(inst, uint64(l.Addr), sym)
		}
		end := pc + len(l.Bytes)
		for r < len(relocs) && relocs[r].Offset < end {
			if relocs[r].Offset >= pc {
				l.Relocs = append(l.Relocs, relocs[r].Type)
			}
			r++
		}
		lines = append(lines, l)
		pc = end
	}
	return lines
}

// trailingTraps drops the trap padding after the last instruction.
func trailingTraps(lines []Line) []Line {
	for len(lines) > 0 && isTrap(lines[len(lines)-1]) {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func isTrap(l Line) bool { return len(l.Bytes) == 1 && l.Bytes[0] == asm.TrapByte }

// Fprint writes the listing of nm to w.
func Fprint(w io.Writer, nm *nmethod.NMethod, names map[uint32]string) error {
	if _, err := fmt.Fprintf(w, "%s\n", nm); err != nil {
		return err
	}
	for _, l := range trailingTraps(Decode(nm, names)) {
		for _, m := range l.Marks {
			if _, err := fmt.Fprintf(w, "              <%s>\n", m); err != nil {
				return err
			}
		}
		text := fmt.Sprintf("  %08x  %-24x %s", l.Addr, l.Bytes, l.Text)
		if len(l.Relocs) > 0 {
			kinds := make([]string, len(l.Relocs))
			for i, k := range l.Relocs {
				kinds[i] = k.String()
			}
			text += "  ; " + strings.Join(kinds, ",")
		}
		if _, err := fmt.Fprintln(w, text); err != nil {
			return err
		}
	}
	return nil
}

package reloc

import "github.com/chazu/codezone/fatal"

// Writer appends entries to a fixed-capacity side table.
type Writer struct {
	infos []Info
	limit int
	last  int
}

// NewWriter creates a writer able to hold limit encoded entries.
func NewWriter(limit int) *Writer {
	return &Writer{infos: make([]Info, 0, limit), limit: limit}
}

// Add records a relocation of kind t at offset. Offsets must not decrease.
// Gaps wider than MaxDelta are bridged with None fillers.
func (w *Writer) Add(offset int, t Type) {
	fatal.Check(offset >= w.last, "reloc: out of order entry at %d (last %d)", offset, w.last)
	delta := offset - w.last
	for delta > MaxDelta {
		w.push(MakeInfo(None, MaxDelta))
		delta -= MaxDelta
	}
	w.push(MakeInfo(t, delta))
	w.last = offset
}

func (w *Writer) push(info Info) {
	if len(w.infos) >= w.limit {
		fatal.Errorf("reloc: routine too long, relocation table overflow (%d entries)", w.limit)
	}
	w.infos = append(w.infos, info)
}

// Infos returns the encoded entries written so far.
func (w *Writer) Infos() []Info { return w.infos }

// Len returns the number of encoded entries, fillers included.
func (w *Writer) Len() int { return len(w.infos) }

// Last returns the offset of the most recent entry.
func (w *Writer) Last() int { return w.last }

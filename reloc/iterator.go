package reloc

// Iterator decodes entries in address order, skipping None fillers.
//
//	for it := reloc.NewIterator(infos); it.Next(); {
//		fmt.Println(it.Type(), it.Offset())
//	}
type Iterator struct {
	infos  []Info
	i      int
	offset int
	cur    Info
}

// NewIterator returns an iterator positioned before the first entry.
func NewIterator(infos []Info) *Iterator {
	return &Iterator{infos: infos, i: -1}
}

// Next advances to the next non-filler entry and reports whether one exists.
func (it *Iterator) Next() bool {
	for {
		it.i++
		if it.i >= len(it.infos) {
			return false
		}
		it.cur = it.infos[it.i]
		it.offset += it.cur.Delta()
		if it.cur.Type() != None {
			return true
		}
	}
}

// Type returns the kind of the current entry.
func (it *Iterator) Type() Type { return it.cur.Type() }

// Offset returns the code offset of the current entry.
func (it *Iterator) Offset() int { return it.offset }

// Decode expands infos into absolute entries.
func Decode(infos []Info) []Entry {
	var out []Entry
	for it := NewIterator(infos); it.Next(); {
		out = append(out, Entry{Type: it.Type(), Offset: it.Offset()})
	}
	return out
}

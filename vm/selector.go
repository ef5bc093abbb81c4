package vm

import "sync"

// SelectorTable interns selector names to symbol oops.
//
// Selectors are method names like "at:", "at:put:", "ifTrue:ifFalse:".
// Interning gives every name exactly one tenured symbol object so that
// generated code and inline caches can compare selectors by word.
//
// The table is append-only and safe for concurrent use.
type SelectorTable struct {
	mu     sync.RWMutex
	byName map[string]Oop
	byOop  map[Oop]string
	alloc  func(name string) Oop
}

func newSelectorTable(alloc func(name string) Oop) *SelectorTable {
	return &SelectorTable{
		byName: make(map[string]Oop),
		byOop:  make(map[Oop]string),
		alloc:  alloc,
	}
}

// Intern returns the symbol for a selector name, allocating it if needed.
func (st *SelectorTable) Intern(name string) Oop {
	st.mu.RLock()
	if sym, ok := st.byName[name]; ok {
		st.mu.RUnlock()
		return sym
	}
	st.mu.RUnlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	// Double-check after acquiring write lock
	if sym, ok := st.byName[name]; ok {
		return sym
	}
	sym := st.alloc(name)
	st.byName[name] = sym
	st.byOop[sym] = name
	return sym
}

// Name returns the selector name for a symbol, or "" if unknown.
func (st *SelectorTable) Name(sym Oop) string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.byOop[sym]
}

// Arity returns the number of arguments a selector takes.
func Arity(name string) int {
	if name == "" {
		return 0
	}
	if !isLetter(name[0]) && name[0] != '_' {
		return 1 // binary selector
	}
	n := 0
	for i := 0; i < len(name); i++ {
		if name[i] == ':' {
			n++
		}
	}
	return n
}

func isLetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

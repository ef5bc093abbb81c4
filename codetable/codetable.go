// Package codetable maps lookup keys to the compiled method currently
// answering them.
package codetable

import (
	"errors"
	"fmt"

	"github.com/chazu/codezone/fatal"
	"github.com/chazu/codezone/vm"
)

// Keyed is what the table stores.
type Keyed interface {
	comparable
	Key() vm.LookupKey
}

type bucketKind uint8

const (
	bucketEmpty bucketKind = iota
	bucketMethod
	bucketChain
)

type node[M Keyed] struct {
	method M
	next   *node[M]
}

// bucket holds nothing, one method, or a chain of at least two.
type bucket[M Keyed] struct {
	kind   bucketKind
	method M
	chain  *node[M]
}

// Table is a fixed-size open hash table with overflow chains. A key maps to
// at most one method.
type Table[M Keyed] struct {
	buckets []bucket[M]
	n       int
}

// New creates a table with size buckets.
func New[M Keyed](size int) *Table[M] {
	fatal.Check(size > 0, "codetable: size %d", size)
	return &Table[M]{buckets: make([]bucket[M], size)}
}

func (t *Table[M]) index(key vm.LookupKey) int {
	return int(key.Hash() % uint32(len(t.buckets)))
}

// Add registers m under its key. A second method for the same key is fatal.
func (t *Table[M]) Add(m M) {
	key := m.Key()
	b := &t.buckets[t.index(key)]
	switch b.kind {
	case bucketEmpty:
		b.kind, b.method = bucketMethod, m
	case bucketMethod:
		if b.method.Key() == key {
			fatal.Errorf("codetable: duplicate entry for %v", key)
		}
		b.chain = &node[M]{method: m, next: &node[M]{method: b.method}}
		b.kind = bucketChain
		var zero M
		b.method = zero
	case bucketChain:
		for n := b.chain; n != nil; n = n.next {
			if n.method.Key() == key {
				fatal.Errorf("codetable: duplicate entry for %v", key)
			}
		}
		b.chain = &node[M]{method: m, next: b.chain}
	}
	t.n++
}

// Lookup returns the method registered for key.
func (t *Table[M]) Lookup(key vm.LookupKey) (M, bool) {
	b := &t.buckets[t.index(key)]
	switch b.kind {
	case bucketMethod:
		if b.method.Key() == key {
			return b.method, true
		}
	case bucketChain:
		for n := b.chain; n != nil; n = n.next {
			if n.method.Key() == key {
				return n.method, true
			}
		}
	}
	var zero M
	return zero, false
}

// Remove unregisters m. It reports whether m was present.
func (t *Table[M]) Remove(m M) bool {
	var zero M
	b := &t.buckets[t.index(m.Key())]
	switch b.kind {
	case bucketMethod:
		if b.method == m {
			b.kind, b.method = bucketEmpty, zero
			t.n--
			return true
		}
	case bucketChain:
		for p := &b.chain; *p != nil; p = &(*p).next {
			if (*p).method != m {
				continue
			}
			*p = (*p).next
			t.n--
			if b.chain.next == nil {
				b.kind, b.method, b.chain = bucketMethod, b.chain.method, nil
			}
			return true
		}
	}
	return false
}

// Len returns the number of registered methods.
func (t *Table[M]) Len() int { return t.n }

// ForEach calls fn for every registered method.
func (t *Table[M]) ForEach(fn func(M)) {
	for i := range t.buckets {
		b := &t.buckets[i]
		switch b.kind {
		case bucketMethod:
			fn(b.method)
		case bucketChain:
			for n := b.chain; n != nil; n = n.next {
				fn(n.method)
			}
		}
	}
}

// Verify checks that every method sits in the bucket of its key, that
// keys are unique and that chains hold at least two methods.
func (t *Table[M]) Verify() error {
	var errs []error
	seen := make(map[vm.LookupKey]bool)
	count := 0
	check := func(i int, m M) {
		key := m.Key()
		if t.index(key) != i {
			errs = append(errs, fmt.Errorf("codetable: %v in bucket %d, hashes to %d", key, i, t.index(key)))
		}
		if seen[key] {
			errs = append(errs, fmt.Errorf("codetable: %v registered twice", key))
		}
		seen[key] = true
		count++
	}
	for i := range t.buckets {
		b := &t.buckets[i]
		switch b.kind {
		case bucketMethod:
			check(i, b.method)
		case bucketChain:
			if b.chain == nil || b.chain.next == nil {
				errs = append(errs, fmt.Errorf("codetable: bucket %d chain shorter than two", i))
			}
			for n := b.chain; n != nil; n = n.next {
				check(i, n.method)
			}
		}
	}
	if count != t.n {
		errs = append(errs, fmt.Errorf("codetable: counted %d methods, table says %d", count, t.n))
	}
	return errors.Join(errs...)
}

// Stats reports bucket usage.
type Stats struct {
	Buckets      int
	Used         int
	Chains       int
	LongestChain int
}

// Stats returns the current bucket usage.
func (t *Table[M]) Stats() Stats {
	s := Stats{Buckets: len(t.buckets)}
	for i := range t.buckets {
		b := &t.buckets[i]
		switch b.kind {
		case bucketMethod:
			s.Used++
			s.LongestChain = max(s.LongestChain, 1)
		case bucketChain:
			s.Used++
			s.Chains++
			n := 0
			for c := b.chain; c != nil; c = c.next {
				n++
			}
			s.LongestChain = max(s.LongestChain, n)
		}
	}
	return s
}

package nmethod

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/chazu/codezone/fatal"
	"github.com/fxamacker/cbor/v2"
)

// ScopeKind classifies a scope descriptor.
type ScopeKind uint8

const (
	// MethodScope describes the compiled method itself.
	MethodScope ScopeKind = iota
	// InlinedScope describes a method or block inlined into its outer scope.
	InlinedScope
	// BlockScope describes a block the compiler did not inline; its code
	// is compiled separately on first call through its block stub.
	BlockScope
)

var scopeKindNames = [...]string{"method", "inlined", "block"}

func (k ScopeKind) String() string {
	if int(k) < len(scopeKindNames) {
		return scopeKindNames[k]
	}
	return fmt.Sprintf("ScopeKind(%d)", k)
}

// ScopeDesc is the debug record of one source scope. The compiler hands
// them over in order; they are stored verbatim in the scope section.
type ScopeDesc struct {
	Kind       ScopeKind `cbor:"1,keyasint"`
	Selector   string    `cbor:"2,keyasint"`
	Holder     string    `cbor:"3,keyasint,omitempty"`
	BlockIndex int       `cbor:"4,keyasint,omitempty"` // 1-based for block scopes
	Outer      int       `cbor:"5,keyasint"`           // enclosing scope, -1 for none
	PCOffset   int       `cbor:"6,keyasint"`
	BCIStart   int       `cbor:"7,keyasint,omitempty"`
	BCIEnd     int       `cbor:"8,keyasint,omitempty"`
}

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("nmethod: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// encodeScopes concatenates the records and returns the offset of each
// non-inlined block scope, indexed by block index - 1.
func encodeScopes(scopes []ScopeDesc) ([]byte, []uint16) {
	var buf bytes.Buffer
	var blocks []uint16
	for i, s := range scopes {
		if s.Kind == BlockScope {
			fatal.Check(s.BlockIndex >= 1, "nmethod: block scope %d without block index", i)
			for len(blocks) < s.BlockIndex {
				blocks = append(blocks, noScope)
			}
			fatal.Check(blocks[s.BlockIndex-1] == noScope, "nmethod: block index %d used twice", s.BlockIndex)
			fatal.Check(buf.Len() < noScope, "nmethod: scope section too large for block offsets")
			blocks[s.BlockIndex-1] = uint16(buf.Len())
		}
		data, err := cborEncMode.Marshal(s)
		if err != nil {
			fatal.Errorf("nmethod: encode scope %d: %v", i, err)
		}
		buf.Write(data)
	}
	for i, off := range blocks {
		fatal.Check(off != noScope, "nmethod: no scope for block %d", i+1)
	}
	return buf.Bytes(), blocks
}

// noScope marks a block table slot not filled yet.
const noScope = 0xFFFF

func decodeScopes(section []byte) ([]ScopeDesc, error) {
	dec := cbor.NewDecoder(bytes.NewReader(section))
	var out []ScopeDesc
	for {
		var s ScopeDesc
		err := dec.Decode(&s)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("nmethod: decode scope %d: %w", len(out), err)
		}
		out = append(out, s)
	}
}

func decodeScopeAt(section []byte, off int) (ScopeDesc, error) {
	var s ScopeDesc
	if off >= len(section) {
		return s, fmt.Errorf("nmethod: scope offset %d beyond section of %d bytes", off, len(section))
	}
	if err := cbor.NewDecoder(bytes.NewReader(section[off:])).Decode(&s); err != nil {
		return s, fmt.Errorf("nmethod: decode scope at %d: %w", off, err)
	}
	return s, nil
}

package nmethod

import (
	"fmt"

	"github.com/chazu/codezone/reloc"
	"github.com/fxamacker/cbor/v2"
)

// RelocRecord is a decoded relocation entry in a Snapshot.
type RelocRecord struct {
	Type   reloc.Type `cbor:"1,keyasint"`
	Offset int        `cbor:"2,keyasint"`
}

// Snapshot is a self-contained diagnostic record of a compiled method.
type Snapshot struct {
	Klass              uint32        `cbor:"1,keyasint"`
	Selector           uint32        `cbor:"2,keyasint"`
	Address            uint32        `cbor:"3,keyasint"`
	State              State         `cbor:"4,keyasint"`
	Flags              Flags         `cbor:"5,keyasint,omitempty"`
	Entry              int           `cbor:"6,keyasint"`
	VerifiedEntry      int           `cbor:"7,keyasint"`
	SpecialHandlerCall int           `cbor:"8,keyasint"`
	Code               []byte        `cbor:"9,keyasint"`
	Relocs             []RelocRecord `cbor:"10,keyasint,omitempty"`
	Scopes             []ScopeDesc   `cbor:"11,keyasint,omitempty"`
	Invocations        uint32        `cbor:"12,keyasint,omitempty"`
	UncommonTraps      uint32        `cbor:"13,keyasint,omitempty"`
	Age                int           `cbor:"14,keyasint,omitempty"`
	IsBlock            bool          `cbor:"15,keyasint,omitempty"`
}

// Snapshot captures nm for diagnostics.
func (nm *NMethod) Snapshot() *Snapshot {
	s := &Snapshot{
		Klass:              uint32(nm.key.Klass),
		Selector:           uint32(nm.key.Selector),
		Address:            nm.addr,
		State:              nm.state,
		Flags:              nm.flags,
		Entry:              nm.entries.Entry,
		VerifiedEntry:      nm.entries.VerifiedEntry,
		SpecialHandlerCall: nm.entries.SpecialHandlerCall,
		Code:               append([]byte(nil), nm.Code()...),
		Invocations:        nm.invocations,
		UncommonTraps:      nm.traps,
		Age:                nm.age,
		IsBlock:            nm.IsBlock,
	}
	for _, e := range reloc.Decode(nm.Relocs()) {
		s.Relocs = append(s.Relocs, RelocRecord{Type: e.Type, Offset: e.Offset})
	}
	// Undecodable scopes are left out.
	s.Scopes, _ = nm.Scopes()
	return s
}

// MarshalSnapshot serializes a Snapshot to CBOR bytes.
func MarshalSnapshot(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// UnmarshalSnapshot deserializes a Snapshot from CBOR bytes.
func UnmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("nmethod: unmarshal snapshot: %w", err)
	}
	return &s, nil
}

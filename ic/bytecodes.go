package ic

import (
	"fmt"

	"github.com/chazu/codezone/fatal"
	"github.com/chazu/codezone/vm"
)

// SendKind distinguishes the three families of send bytecodes.
type SendKind uint8

const (
	NormalSend SendKind = iota
	SelfSend
	SuperSend
)

var sendKindNames = [...]string{"normal", "self", "super"}

func (k SendKind) String() string {
	if int(k) < len(sendKindNames) {
		return sendKindNames[k]
	}
	return fmt.Sprintf("SendKind(%d)", k)
}

// variant is the low nibble of a send opcode. It records which words the
// site currently holds.
type variant uint8

const (
	anamorphic    variant = iota // w1 = selector
	mono                         // w1 = method, w2 = klass
	monoAccess                   // w1 = access method, w2 = klass
	monoPredicted                // w1 = predicted primitive, w2 = klass
	monoCompiled                 // w1 = jump table entry, w2 = klass
	poly                         // w1 = selector, w2 = polymorphic array
	mega                         // w1 = selector (super: method, w2 = klass)
	megaCompiled                 // super only: w1 = jump table entry, w2 = klass
	numVariants
)

func (v variant) state() State {
	switch v {
	case anamorphic:
		return Anamorphic
	case mono, monoAccess, monoPredicted, monoCompiled:
		return Monomorphic
	case poly:
		return Polymorphic
	default:
		return Megamorphic
	}
}

func (v variant) compiled() bool { return v == monoCompiled || v == megaCompiled }

// Send opcode layout: 0x80 | kind<<4 | variant.
const (
	sendOpcodeBase = 0x80
	sendKindShift  = 4
	variantMask    = 0x0F
)

// SiteLength is the size of a send bytecode with its two cache words.
const SiteLength = 1 + 2*4

// Offsets of the cache words relative to the opcode.
const (
	firstWord  = 1
	secondWord = 5
)

func opcode(k SendKind, v variant) byte {
	return byte(sendOpcodeBase | int(k)<<sendKindShift | int(v))
}

func decodeOpcode(op byte) (SendKind, variant, bool) {
	if op&0xC0 != sendOpcodeBase {
		return 0, 0, false
	}
	k := SendKind((op >> sendKindShift) & 0x3)
	v := variant(op & variantMask)
	if k > SuperSend || v >= numVariants || (v == megaCompiled && k != SuperSend) {
		return 0, 0, false
	}
	return k, v, true
}

// IsSend reports whether op is one of the send bytecodes.
func IsSend(op byte) bool {
	_, _, ok := decodeOpcode(op)
	return ok
}

// EncodeSend returns an empty send site for selector.
func EncodeSend(kind SendKind, selector vm.Oop) []byte {
	fatal.Check(kind <= SuperSend, "ic: bad send kind %d", kind)
	b := make([]byte, SiteLength)
	b[0] = opcode(kind, anamorphic)
	m := vm.Method{Bytecodes: b}
	m.SetWord(firstWord, selector)
	return b
}

// SendSites returns the bytecode offsets of every send site in m. Any
// byte that is not a send opcode is treated as a one-byte instruction.
func SendSites(m *vm.Method) []int {
	var out []int
	for pc := 0; pc < len(m.Bytecodes); {
		if IsSend(m.Bytecodes[pc]) && pc+SiteLength <= len(m.Bytecodes) {
			out = append(out, pc)
			pc += SiteLength
			continue
		}
		pc++
	}
	return out
}

package asm

import (
	"fmt"
	"testing"

	"github.com/chazu/codezone/reloc"
	"github.com/stretchr/testify/require"
	"golang.org/x/arch/x86/x86asm"
)

func newTestAssembler(opts ...Option) *Assembler {
	return New(NewCodeBuffer("test", 0x4000_0000, 4096, 256), opts...)
}

func decodeAll(t *testing.T, code []byte) []x86asm.Inst {
	t.Helper()
	var out []x86asm.Inst
	for len(code) > 0 {
		inst, err := x86asm.Decode(code, 32)
		require.NoError(t, err, "decode % x", code)
		out = append(out, inst)
		code = code[inst.Len:]
	}
	return out
}

func x86Reg(r Register) x86asm.Reg {
	return x86asm.EAX + x86asm.Reg(r)
}

func TestAddlPrefersShortImmediate(t *testing.T) {
	a := newTestAssembler()
	a.Addl(EAX, 5)
	require.Equal(t, []byte{0x83, 0xC0, 0x05}, a.Buffer().Code())

	a = newTestAssembler()
	a.Addl(ECX, 1000)
	require.Equal(t, []byte{0x81, 0xC1, 0xE8, 0x03, 0x00, 0x00}, a.Buffer().Code())
}

func TestMemoryOperandRoundTrip(t *testing.T) {
	regs := []Register{NoReg, EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI}
	disps := []int32{0, 1, -1, 127, -128, 128, -129, 0x12345}
	for _, base := range regs {
		for _, index := range regs {
			if index == ESP {
				continue
			}
			for _, scale := range []ScaleFactor{Times1, Times2, Times4, Times8} {
				if index == NoReg && scale != Times1 {
					continue
				}
				for _, disp := range disps {
					adr := MemIndex(base, index, scale, disp)
					t.Run(adr.String(), func(t *testing.T) {
						a := newTestAssembler()
						a.Leal(EDX, adr)
						insts := decodeAll(t, a.Buffer().Code())
						require.Len(t, insts, 1)
						require.Equal(t, x86asm.LEA, insts[0].Op)
						require.Equal(t, x86asm.EDX, insts[0].Args[0])
						m, ok := insts[0].Args[1].(x86asm.Mem)
						require.True(t, ok)
						if base == NoReg {
							require.Equal(t, x86asm.Reg(0), m.Base)
						} else {
							require.Equal(t, x86Reg(base), m.Base)
						}
						if index == NoReg {
							require.Equal(t, x86asm.Reg(0), m.Index)
						} else {
							require.Equal(t, x86Reg(index), m.Index)
							require.Equal(t, uint8(scale.Multiplier()), m.Scale)
						}
						require.Equal(t, disp, int32(m.Disp))
					})
				}
			}
		}
	}
}

func TestOperandEncodingSizes(t *testing.T) {
	for _, tc := range []struct {
		adr  Address
		want []byte
	}{
		{Mem(EAX, 0), []byte{0x8B, 0x08}},
		{Mem(EBP, 0), []byte{0x8B, 0x4D, 0x00}},
		{Mem(ESP, 0), []byte{0x8B, 0x0C, 0x24}},
		{Mem(ESP, 8), []byte{0x8B, 0x4C, 0x24, 0x08}},
		{Mem(EBX, 0x100), []byte{0x8B, 0x8B, 0x00, 0x01, 0x00, 0x00}},
		{Abs(0x1000, reloc.None), []byte{0x8B, 0x0D, 0x00, 0x10, 0x00, 0x00}},
	} {
		a := newTestAssembler()
		a.MovlRM(ECX, tc.adr)
		require.Equal(t, tc.want, a.Buffer().Code(), tc.adr.String())
	}
}

func TestRelocatedDisplacementUsesWordForm(t *testing.T) {
	a := newTestAssembler()
	adr := Mem(EAX, 4)
	adr.Reloc = reloc.ExternalWord
	a.MovlRM(ECX, adr)
	require.Equal(t, []byte{0x8B, 0x88, 0x04, 0x00, 0x00, 0x00}, a.Buffer().Code())
	require.Equal(t, []reloc.Entry{{Type: reloc.ExternalWord, Offset: 2}}, reloc.Decode(a.Buffer().Relocs()))
}

func TestOperandChecks(t *testing.T) {
	a := newTestAssembler()
	require.Panics(t, func() { a.Leal(EAX, MemIndex(EAX, ESP, Times1, 0)) })
	require.Panics(t, func() { a.Leal(EAX, MemIndex(EAX, NoReg, Times4, 0)) })
	require.Panics(t, func() { a.Shll(EAX, 32) })
	require.Panics(t, func() { a.emitByte(256) })
	require.Panics(t, func() { a.emitArith(0x80, 0xC0, EAX, 1) })
	require.Panics(t, func() { a.emitArithB(0x81, 0xC0, EAX, 1) })
	require.Panics(t, func() { a.MovbMR(Mem(EAX, 0), ESI) })
}

func TestForwardAndBackwardLabels(t *testing.T) {
	a := newTestAssembler()
	var top, done, far Label
	a.Bind(&top)
	a.Cmpl(EAX, 0)
	a.Jcc(Equal, &done)
	a.JccShort(Less, &far)
	a.Decl(EAX)
	a.Jmp(&top) // backward, short
	a.Bind(&far)
	a.Negl(EAX)
	for i := 0; i < 200; i++ {
		a.Nop()
	}
	a.Jmp(&top) // backward, long
	a.Bind(&done)
	a.Ret(0)
	a.Finalize()

	insts := decodeAll(t, a.Buffer().Code())
	targets := map[x86asm.Op][]int{}
	pc := 0
	for _, inst := range insts {
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			targets[inst.Op] = append(targets[inst.Op], pc+inst.Len+int(rel))
		}
		pc += inst.Len
	}
	require.Equal(t, []int{done.Pos()}, targets[x86asm.JE])
	require.Equal(t, []int{far.Pos()}, targets[x86asm.JL])
	require.Equal(t, []int{top.Pos(), top.Pos()}, targets[x86asm.JMP])
	// Short backward jump is 2 bytes, long is 5.
	require.Equal(t, byte(0xEB), a.Buffer().Code()[far.Pos()-2])
	require.Equal(t, byte(0xE9), a.Buffer().Code()[done.Pos()-5])
}

func TestShortBranchOutOfReach(t *testing.T) {
	a := newTestAssembler()
	var l Label
	a.JmpShort(&l)
	for i := 0; i < 200; i++ {
		a.Nop()
	}
	require.Panics(t, func() { a.Bind(&l) })
}

func TestUnboundLabelAtFinalize(t *testing.T) {
	a := newTestAssembler()
	var l Label
	a.Call(&l)
	require.Panics(t, a.Finalize)
}

func TestBindTwice(t *testing.T) {
	a := newTestAssembler()
	var l Label
	a.Bind(&l)
	require.Panics(t, func() { a.Bind(&l) })
}

func TestJumpToNextElimination(t *testing.T) {
	a := newTestAssembler(WithJumpElimination())
	var l Label
	a.Movl(EAX, EBX)
	a.Jmp(&l)
	a.Bind(&l)
	a.Ret(0)
	a.Finalize()
	require.Equal(t, []byte{0x8B, 0xC3, 0xC3}, a.Buffer().Code())
	require.Equal(t, 1, a.EliminatedJumps())
}

func TestJumpToNextKeptAfterInterveningLabel(t *testing.T) {
	a := newTestAssembler(WithJumpElimination())
	var l, other Label
	a.Jmp(&l)
	a.Bind(&other)
	a.Bind(&l)
	a.Ret(0)
	require.Equal(t, []byte{0xE9, 0, 0, 0, 0, 0xC3}, a.Buffer().Code())
	require.Equal(t, 0, a.EliminatedJumps())
}

func TestJumpToNextKeptWithoutOption(t *testing.T) {
	a := newTestAssembler()
	var l Label
	a.Jmp(&l)
	a.Bind(&l)
	require.Equal(t, 5, a.Pos())
}

func TestCallToAbsoluteTarget(t *testing.T) {
	a := newTestAssembler()
	a.Nop()
	target := uint32(0x4000_1000)
	a.CallTo(target, reloc.RuntimeCall)
	code := a.Buffer().Code()
	insts := decodeAll(t, code)
	require.Equal(t, x86asm.CALL, insts[1].Op)
	rel := int32(insts[1].Args[0].(x86asm.Rel))
	require.Equal(t, target, a.Buffer().Addr(1+insts[1].Len)+uint32(rel))
	require.Equal(t, []reloc.Entry{{Type: reloc.RuntimeCall, Offset: 2}}, reloc.Decode(a.Buffer().Relocs()))
}

func TestICInfoWord(t *testing.T) {
	a := newTestAssembler()
	var nlr Label
	a.CallTo(0x4000_2000, reloc.IC)
	infoPos := a.Pos()
	a.ICInfo(&nlr, 3)
	a.Nop()
	a.Bind(&nlr)
	a.Ret(0)
	off, flags := DecodeICInfo(a.Buffer().Word(infoPos + 1))
	require.Equal(t, nlr.Pos()-infoPos, off)
	require.Equal(t, uint32(3), flags)
	require.Panics(t, func() { a.ICInfo(&nlr, MaxICInfoFlags+1) })
}

func TestNoRelocTableRejectsMovableKinds(t *testing.T) {
	a := New(NewCodeBuffer("stub", 0x1000, 64, 0))
	a.CallTo(0x2000, reloc.RuntimeCall)
	require.Panics(t, func() { a.MovlOop(EAX, 0x1000_0001) })
}

func TestCodeBufferOverflow(t *testing.T) {
	a := New(NewCodeBuffer("tiny", 0, 2, 0))
	a.Nop()
	a.Nop()
	require.Panics(t, a.Nop)
}

func TestCopyToAdjustsPositionDependentWords(t *testing.T) {
	cb := NewCodeBuffer("move", 0x1000, 64, 16)
	a := New(cb)
	var l Label
	a.CallTo(0x9000, reloc.RuntimeCall)
	a.MovlRI(EAX, int32(cb.Addr(0)), reloc.InternalWord)
	a.MovlOop(ECX, 0x1000_0001)
	a.Bind(&l)
	a.Ret(0)

	code := make([]byte, cb.AlignedCodeSize())
	locs := make([]byte, cb.AlignedRelocSize())
	const dst = 0x5000
	cb.CopyTo(code, locs, dst)

	insts := decodeAll(t, code[:cb.Pos()])
	rel := int32(insts[0].Args[0].(x86asm.Rel))
	require.Equal(t, uint32(0x9000), uint32(dst+5)+uint32(rel), "call keeps its absolute target")
	require.Equal(t, x86asm.Imm(dst), insts[1].Args[1], "internal word follows the code")
	require.Equal(t, x86asm.Imm(0x1000_0001), insts[2].Args[1])
	for _, b := range code[cb.Pos():] {
		require.Equal(t, byte(TrapByte), b)
	}
	n := len(cb.Relocs())
	require.Equal(t, cb.Relocs(), reloc.Read(locs, n))
	for _, info := range reloc.Read(locs, len(locs)/reloc.EntrySize)[n:] {
		require.Equal(t, reloc.Padding, info)
	}
}

func TestX87Subset(t *testing.T) {
	a := newTestAssembler()
	a.FldD(Mem(EAX, 7))
	a.FildS(Mem(ESP, 0))
	a.Faddp()
	a.FldD(Mem(EAX, 7))
	a.Fsubp()
	a.FldD(Mem(EAX, 7))
	a.Fmulp()
	a.FldD(Mem(EAX, 7))
	a.Fdivp()
	a.Fchs()
	a.Fabs()
	a.FstpD(Mem(EDX, 7))
	a.Fwait()

	var ops []x86asm.Op
	for _, inst := range decodeAll(t, a.Buffer().Code()) {
		ops = append(ops, inst.Op)
	}
	require.Equal(t, []x86asm.Op{
		x86asm.FLD, x86asm.FILD, x86asm.FADDP,
		x86asm.FLD, x86asm.FSUBP,
		x86asm.FLD, x86asm.FMULP,
		x86asm.FLD, x86asm.FDIVP,
		x86asm.FCHS, x86asm.FABS, x86asm.FSTP, x86asm.FWAIT,
	}, ops)
}

func ExampleAssembler() {
	a := New(NewCodeBuffer("example", 0, 16, 0))
	a.Addl(EAX, 5)
	a.Ret(0)
	fmt.Printf("% x\n", a.Buffer().Code())
	// Output: 83 c0 05 c3
}

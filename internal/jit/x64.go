package jit

import (
	"argon/internal/errors"
)

// x86-64 assembler backend. Doubles live in XMM registers (SSE2 or better
// is assumed; both SSE2 and AVX configurations expose 16 of them).
//
// The trace code is called with two fixed pointer arguments, matching the
// call trampoline:
//
//   rdx: base of the executing function's stack frame
//   rsi: base of the VM's constants array
//
// Emitted layout:
//
//   loads            every LOAD_STACK / LOAD_CONST, hoisted ahead of the
//                    loop so the back edge doesn't re-read stale memory
//   loop:            the loop body (arithmetic + guards)
//   back edge        one movsd per PHI, copying the iteration's final
//                    register into the entry register, then jmp loop
//   exit stubs       one per guard: mov eax, <guard index>; jmp spill
//   spill            write every loop-modified slot back to the stack
//   ret
//
// A guard that fails jumps to its exit stub. The spill code writes the PHI
// entry registers, which are only refreshed at the back edge, so the state
// stored back to the stack is that of the last completed iteration. The
// interpreter resumes at the loop header from there.

// Base register encodings for the two pointer arguments.
const (
	baseStack  = 2 // rdx
	baseConsts = 6 // rsi
)

// SSE2 opcode bytes (the byte following 0x0F).
const (
	sseMovLoad  = 0x10 // movsd xmm, xmm/m64
	sseMovStore = 0x11 // movsd m64, xmm
	sseUcomi    = 0x2e // ucomisd
	sseAdd      = 0x58
	sseMul      = 0x59
	sseSub      = 0x5c
	sseDiv      = 0x5e
	sseXor      = 0x57 // xorpd
)

// Condition bytes for jcc (the byte following 0x0F). A guard jumps to its
// exit stub when the asserted condition does NOT hold; ucomisd sets the
// flags like an unsigned integer compare.
var guardJcc = map[Op]uint8{
	IR_GUARD_EQ: 0x85, // jne
	IR_GUARD_NE: 0x84, // je
	IR_GUARD_LT: 0x83, // jae
	IR_GUARD_LE: 0x87, // ja
	IR_GUARD_GT: 0x86, // jbe
	IR_GUARD_GE: 0x82, // jb
}

type x64 struct {
	c *Chunk
}

// rex emits a REX prefix if either operand needs an extension bit. reg is
// the modrm reg field operand, rm the modrm rm/base field operand.
func (a *x64) rex(reg, rm uint16) {
	b := uint8(0x40)
	if reg >= 8 {
		b |= 0x04 // REX.R
	}
	if rm >= 8 {
		b |= 0x01 // REX.B
	}
	if b != 0x40 {
		a.c.Append8(b)
	}
}

// modrmMem emits a modrm byte plus displacement for a [base + disp]
// operand. Both base registers used here (rdx, rsi) encode without a SIB
// byte.
func (a *x64) modrmMem(reg uint16, base uint8, disp int32) {
	r := uint8(reg&7) << 3
	switch {
	case disp == 0:
		a.c.Append8(0x00 | r | base)
	case disp >= -128 && disp <= 127:
		a.c.Append8(0x40 | r | base)
		a.c.Append8(uint8(disp))
	default:
		a.c.Append8(0x80 | r | base)
		a.c.Append32(uint32(disp))
	}
}

// movsdLoad emits `movsd xmm<reg>, [<base> + disp]`.
func (a *x64) movsdLoad(reg uint16, base uint8, disp int32) {
	a.c.Append8(0xf2)
	a.rex(reg, 0)
	a.c.Append8(0x0f)
	a.c.Append8(sseMovLoad)
	a.modrmMem(reg, base, disp)
}

// movsdStore emits `movsd [<base> + disp], xmm<reg>`.
func (a *x64) movsdStore(reg uint16, base uint8, disp int32) {
	a.c.Append8(0xf2)
	a.rex(reg, 0)
	a.c.Append8(0x0f)
	a.c.Append8(sseMovStore)
	a.modrmMem(reg, base, disp)
}

// movsdReg emits `movsd xmm<dst>, xmm<src>`.
func (a *x64) movsdReg(dst, src uint16) {
	a.c.Append8(0xf2)
	a.rex(dst, src)
	a.c.Append8(0x0f)
	a.c.Append8(sseMovLoad)
	a.c.Append8(0xc0 | uint8(dst&7)<<3 | uint8(src&7))
}

// sseOp emits a two-register SSE instruction with the 0xf2 prefix
// (addsd/subsd/mulsd/divsd).
func (a *x64) sseOp(op uint8, dst, src uint16) {
	a.c.Append8(0xf2)
	a.rex(dst, src)
	a.c.Append8(0x0f)
	a.c.Append8(op)
	a.c.Append8(0xc0 | uint8(dst&7)<<3 | uint8(src&7))
}

// sseOp66 emits a two-register SSE instruction with the 0x66 prefix
// (ucomisd/xorpd).
func (a *x64) sseOp66(op uint8, dst, src uint16) {
	a.c.Append8(0x66)
	a.rex(dst, src)
	a.c.Append8(0x0f)
	a.c.Append8(op)
	a.c.Append8(0xc0 | uint8(dst&7)<<3 | uint8(src&7))
}

// movEaxImm emits `mov eax, imm32` (zero-extending into rax).
func (a *x64) movEaxImm(v uint32) {
	a.c.Append8(0xb8)
	a.c.Append32(v)
}

// jcc emits a conditional jump with a 32 bit relative offset, returning the
// position of the offset for later patching.
func (a *x64) jcc(cond uint8) int {
	a.c.Append8(0x0f)
	a.c.Append8(cond)
	pos := a.c.Len()
	a.c.Append32(0)
	return pos
}

// jmp emits an unconditional jump with a 32 bit relative offset, returning
// the position of the offset for later patching.
func (a *x64) jmp() int {
	a.c.Append8(0xe9)
	pos := a.c.Len()
	a.c.Append32(0)
	return pos
}

func (a *x64) ret() {
	a.c.Append8(0xc3)
}

// patchRel resolves a previously emitted 32 bit relative offset so that it
// lands on target.
func (a *x64) patchRel(pos, target int) {
	a.c.Patch32(pos, uint32(int32(target-(pos+4))))
}

// irReg returns the register allocated to the result of the instruction a
// reference names.
func irReg(ir []Ins, ref Ref) uint16 {
	return ir[ref].Reg()
}

// assembleX64 lowers register-allocated IR (loads already hoisted to the
// front) to machine code. spills names the slots a side exit must write
// back, with refs into the same IR.
func assembleX64(ir []Ins, spills []ModifiedSlot) (*Chunk, int, *errors.Error) {
	a := &x64{c: NewChunk(X64)}

	if len(ir) <= 1 {
		return nil, 0, errors.New(errors.RuntimeError, "empty trace")
	}

	// Hoisted loads
	body := len(ir)
	for i := 1; i < len(ir); i++ {
		ins := ir[i]
		if ins.Op().Prefix() != PrefixLoad {
			body = i
			break
		}
		switch ins.Op() {
		case IR_LOAD_STACK:
			a.movsdLoad(ins.Reg(), baseStack, int32(ins.Arg32())*8)
		case IR_LOAD_CONST:
			a.movsdLoad(ins.Reg(), baseConsts, int32(ins.Arg32())*8)
		}
	}

	loopStart := a.c.Len()

	// Loop body
	var guardFixups []int // positions of jcc offsets, in guard order
	for i := body; i < len(ir); i++ {
		ins := ir[i]
		switch op := ins.Op(); {
		case op == IR_NEG:
			dst := ins.Reg()
			src := irReg(ir, ins.Arg1())
			if dst == src {
				return nil, 0, errors.New(errors.RuntimeError,
					"register conflict assembling negation")
			}
			a.sseOp66(sseXor, dst, dst)
			a.sseOp(sseSub, dst, src)
		case op.Prefix() == PrefixArith:
			dst := ins.Reg()
			left := irReg(ir, ins.Arg1())
			right := irReg(ir, ins.Arg2())
			commutative := op == IR_ADD || op == IR_MUL
			if dst == right && dst != left {
				if !commutative {
					return nil, 0, errors.New(errors.RuntimeError,
						"register conflict assembling arithmetic")
				}
				left, right = right, left
			}
			if dst != left {
				a.movsdReg(dst, left)
			}
			var sse uint8
			switch op {
			case IR_ADD:
				sse = sseAdd
			case IR_SUB:
				sse = sseSub
			case IR_MUL:
				sse = sseMul
			case IR_DIV:
				sse = sseDiv
			}
			a.sseOp(sse, dst, right)
		case op.Prefix() == PrefixGuard:
			a.sseOp66(sseUcomi, irReg(ir, ins.Arg1()), irReg(ir, ins.Arg2()))
			guardFixups = append(guardFixups, a.jcc(guardJcc[op]))
		case op == IR_PHI:
			// Handled at the back edge
		default:
			return nil, 0, errors.New(errors.RuntimeError,
				"cannot assemble IR opcode %s", op)
		}
	}

	// Back edge: refresh each PHI's entry register, then loop
	for i := body; i < len(ir); i++ {
		if ir[i].Op() != IR_PHI {
			continue
		}
		entry := irReg(ir, ir[i].Arg1())
		final := irReg(ir, ir[i].Arg2())
		if entry != final {
			a.movsdReg(entry, final)
		}
	}
	a.patchRel(a.jmp(), loopStart)

	// Guard exit stubs
	stubs := make([]int, len(guardFixups))
	var spillFixups []int
	for g := range guardFixups {
		stubs[g] = a.c.Len()
		a.movEaxImm(uint32(g))
		spillFixups = append(spillFixups, a.jmp())
	}

	// Common side exit: write the loop-carried state back to the stack
	spillStart := a.c.Len()
	for _, s := range spills {
		a.movsdStore(irReg(ir, s.Ref), baseStack, int32(s.Slot)*8)
	}
	a.ret()

	for g, pos := range guardFixups {
		a.patchRel(pos, stubs[g])
	}
	for _, pos := range spillFixups {
		a.patchRel(pos, spillStart)
	}

	return a.c, loopStart, nil
}

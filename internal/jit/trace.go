package jit

import (
	"fmt"
	"io"

	"argon/internal/bytecode"
)

// Threshold is the number of iterations a loop has to execute before the
// interpreter starts recording a trace through it.
const Threshold = 50

// MaxIRIns is the maximum number of IR instructions a trace may emit before
// it is aborted.
const MaxIRIns = 2048

// MaxSlots is the number of stack slots an 8 bit instruction argument can
// name, so the per-slot tables cover every slot a bytecode instruction uses.
const MaxSlots = 256

// Trace accumulates the SSA IR for one linear pass through a hot loop. The
// recording hooks are keyed by bytecode opcode: the interpreter's recording
// dispatch table both executes each instruction and feeds it through the
// corresponding Rec method.
type Trace struct {
	// The compiled IR so far. Counting starts at 1 so that index 0 can act
	// as the "does not exist" reference.
	ir []Ins

	// The most recent instruction to produce the value currently held in
	// each stack slot. This is what turns the linear bytecode stream into
	// SSA form: re-reading a slot reuses the reference instead of emitting
	// a second load.
	lastModified [MaxSlots]Ref

	// The initial stack load emitted for each slot, if any. Paired with
	// lastModified to insert PHIs when the trace closes.
	stackLoads [MaxSlots]Ref

	// Indexed by constant index; caches the load instruction for each
	// constant so it is only emitted once per trace.
	constLoads map[uint16]Ref

	aborted bool
	reason  string
}

// NewTrace creates a new, empty trace.
func NewTrace() *Trace {
	return &Trace{
		ir:         make([]Ins, 1, 256),
		constLoads: make(map[uint16]Ref),
	}
}

// Aborted reports whether recording failed. An aborted trace is discarded
// silently; the interpreter just keeps going.
func (t *Trace) Aborted() bool {
	return t.aborted
}

// AbortReason returns a description of why the trace was aborted.
func (t *Trace) AbortReason() string {
	return t.reason
}

// Abort marks the trace as failed.
func (t *Trace) Abort(reason string) {
	if !t.aborted {
		t.aborted = true
		t.reason = reason
	}
}

// Ins exposes the recorded IR, including the unused 0th entry.
func (t *Trace) Ins() []Ins {
	return t.ir
}

// emit appends an IR instruction, returning the reference that later
// instructions use to name its result.
func (t *Trace) emit(ins Ins) Ref {
	if len(t.ir) >= MaxIRIns {
		t.Abort("IR buffer exhausted")
		return None
	}
	t.ir = append(t.ir, ins)
	return Ref(len(t.ir) - 1)
}

// loadStack returns the reference holding the current value of a stack
// slot, emitting a LOAD_STACK if the slot hasn't been touched on this trace
// yet.
func (t *Trace) loadStack(slot uint8) Ref {
	if t.lastModified[slot] == None {
		load := t.emit(New1(IR_LOAD_STACK, uint32(slot)))
		t.lastModified[slot] = load
		t.stackLoads[slot] = load
		return load
	}
	return t.lastModified[slot]
}

// loadConst returns the cached load for a constant, emitting a new
// LOAD_CONST the first time the constant is seen.
func (t *Trace) loadConst(idx uint16) Ref {
	if ref, ok := t.constLoads[idx]; ok {
		return ref
	}
	load := t.emit(New1(IR_LOAD_CONST, uint32(idx)))
	t.constLoads[idx] = load
	return load
}

// ---- Stores ----------------------------------------------------------------

// RecMov implements a MOV by aliasing: the destination slot now holds
// whatever reference the source slot held. No IR is emitted.
func (t *Trace) RecMov(ins bytecode.Instruction) {
	t.lastModified[ins.A()] = t.lastModified[uint8(ins.D())]
}

// RecSetN records a constant store into a slot.
func (t *Trace) RecSetN(ins bytecode.Instruction) {
	t.lastModified[ins.A()] = t.loadConst(ins.D())
}

// ---- Arithmetic ------------------------------------------------------------

// Maps an arithmetic bytecode opcode onto its IR opcode and operand shape.
var arithRec = map[bytecode.Opcode]struct {
	op            Op
	leftK, rightK bool
}{
	bytecode.OP_ADD_LL: {IR_ADD, false, false},
	bytecode.OP_ADD_LN: {IR_ADD, false, true},
	bytecode.OP_SUB_LL: {IR_SUB, false, false},
	bytecode.OP_SUB_LN: {IR_SUB, false, true},
	bytecode.OP_SUB_NL: {IR_SUB, true, false},
	bytecode.OP_MUL_LL: {IR_MUL, false, false},
	bytecode.OP_MUL_LN: {IR_MUL, false, true},
	bytecode.OP_DIV_LL: {IR_DIV, false, false},
	bytecode.OP_DIV_LN: {IR_DIV, false, true},
	bytecode.OP_DIV_NL: {IR_DIV, true, false},
}

// RecArith records a binary arithmetic instruction of any operand shape.
// Returns false if the opcode can't be recorded.
func (t *Trace) RecArith(ins bytecode.Instruction) bool {
	shape, ok := arithRec[ins.Op()]
	if !ok {
		return false
	}

	var left, right Ref
	if shape.leftK {
		left = t.loadConst(uint16(ins.B()))
	} else {
		left = t.loadStack(ins.B())
	}
	if shape.rightK {
		right = t.loadConst(uint16(ins.C()))
	} else {
		right = t.loadStack(ins.C())
	}

	result := t.emit(New2(shape.op, left, right))
	t.lastModified[ins.A()] = result
	return true
}

// RecNeg records a negation.
func (t *Trace) RecNeg(ins bytecode.Instruction) {
	operand := t.loadStack(uint8(ins.D()))
	result := t.emit(New2(IR_NEG, operand, None))
	t.lastModified[ins.A()] = result
}

// ---- Guards ----------------------------------------------------------------

// RecGuardLL records a guard for a comparison between two stack slots. The
// guard op reflects the branch that was actually taken while recording.
func (t *Trace) RecGuardLL(op Op, ins bytecode.Instruction) {
	left := t.loadStack(ins.A())
	right := t.loadStack(ins.B())
	t.emit(New2(op, left, right))
}

// RecGuardLN records a guard for a comparison between a stack slot and a
// constant.
func (t *Trace) RecGuardLN(op Op, ins bytecode.Instruction) {
	left := t.loadStack(ins.A())
	right := t.loadConst(uint16(ins.B()))
	t.emit(New2(op, left, right))
}

// ---- Closing ---------------------------------------------------------------

// Finish closes the trace at its back edge: a PHI is inserted for every
// stack slot whose value changed during the loop body, pairing the slot's
// initial load with its final reference.
func (t *Trace) Finish() {
	for slot := 0; slot < MaxSlots; slot++ {
		load := t.stackLoads[slot]
		if load != None && t.lastModified[slot] != load {
			t.emit(New2(IR_PHI, load, t.lastModified[slot]))
		}
	}
}

// ModifiedSlot names a stack slot whose value is produced inside the loop,
// and the reference that holds it at a loop boundary. These are the slots a
// side exit has to write back to the stack.
type ModifiedSlot struct {
	Slot uint8
	Ref  Ref
}

// ModifiedSlots lists every slot the loop writes. For slots with a PHI the
// boundary value is the initial load's reference (whose register is
// refreshed at each back edge); for slots written but never read it is the
// final reference directly.
func (t *Trace) ModifiedSlots() []ModifiedSlot {
	var mods []ModifiedSlot
	for slot := 0; slot < MaxSlots; slot++ {
		lm := t.lastModified[slot]
		if lm == None {
			continue
		}
		load := t.stackLoads[slot]
		if lm == load {
			// Read but never written; nothing to spill
			continue
		}
		ref := lm
		if load != None {
			ref = load
		}
		mods = append(mods, ModifiedSlot{Slot: uint8(slot), Ref: ref})
	}
	return mods
}

// Dump pretty prints the recorded IR.
func (t *Trace) Dump(w io.Writer) {
	fmt.Fprintf(w, "---- Trace ----\n")
	for i := 1; i < len(t.ir); i++ {
		ins := t.ir[i]
		fmt.Fprintf(w, "  %04d  %s  %d  %d\n", i, ins.Op(), ins.Arg1(),
			ins.Arg2())
	}
}

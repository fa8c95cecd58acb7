package vm

import (
	"math"
	"unsafe"

	"argon/internal/bytecode"
	"argon/internal/errors"
	"argon/internal/jit"
	"argon/internal/value"
)

// Interpreter
// ===========
//
// A threaded executor: a per-opcode table of handler functions drives
// dispatch, and there is no central switch. Two parallel tables exist. The
// baseline table just executes. The recording table executes AND feeds each
// instruction through the trace recorder; the LOOP handler swaps between
// the two when a loop becomes hot or a trace closes.
//
// Comparison handlers implement the inverted-condition convention: a
// comparison SKIPS the JMP that follows it when its condition is false, so
// the JMP is taken on truth and control falls through past it on falsity,
// exactly as the parser assumes when it builds jump lists.

// Size of the hot loop counter table. Power of two, indexed by a cheap hash
// of the instruction pointer; collisions just make unrelated loops look a
// little hotter, which we don't care about.
const iterTableSize = 1024

// maxCallDepth bounds the number of nested CALL frames.
const maxCallDepth = 256

// frame records what a RET has to restore, plus the absolute stack index
// that receives the call's result.
type frame struct {
	fn     *Function
	fnIdx  int
	retIP  int
	base   int
	result int
}

type execState struct {
	vm     *VM
	fn     *Function
	fnIdx  int
	ip     int
	base   int
	frames []frame

	// The active dispatch table: &baseline or &recording.
	handlers *[bytecode.NumOps]handler

	// The trace being recorded, if any, and the loop header it anchors to.
	trace       *jit.Trace
	traceFn     int
	traceAnchor int

	// Per-run loop iteration counts, for hot loop detection.
	loopIters [iterTableSize]uint8

	err  *errors.Error
	halt bool
}

type handler func(*execState, bytecode.Instruction)

var (
	baseline  [bytecode.NumOps]handler
	recording [bytecode.NumOps]handler
)

// Run executes bytecode starting at a particular instruction within a
// function, returning any runtime error.
func (vm *VM) Run(fnIdx, insIdx int) *errors.Error {
	st := &execState{
		vm:       vm,
		fn:       vm.Fns[fnIdx],
		fnIdx:    fnIdx,
		ip:       insIdx,
		handlers: &baseline,
	}

	for !st.halt {
		ins := st.fn.Ins[st.ip]
		st.handlers[ins.Op()](st, ins)
	}

	// A trace still recording when execution stops is discarded
	st.trace = nil

	if st.err != nil {
		vm.Err = st.err
	}
	return st.err
}

func (st *execState) slot(idx uint8) value.Value {
	return st.vm.Stack[st.base+int(idx)]
}

func (st *execState) setSlot(idx uint8, v value.Value) {
	st.vm.Stack[st.base+int(idx)] = v
}

// fault records a runtime error and stops execution.
func (st *execState) fault(format string, args ...interface{}) {
	st.err = errors.New(errors.RuntimeError, format, args...)
	st.halt = true
}

// ---- Stores ----------------------------------------------------------------

func opMov(st *execState, ins bytecode.Instruction) {
	st.setSlot(ins.A(), st.slot(uint8(ins.D())))
	st.ip++
}

func opSetN(st *execState, ins bytecode.Instruction) {
	st.setSlot(ins.A(), st.vm.Consts[ins.D()])
	st.ip++
}

func opSetP(st *execState, ins bytecode.Instruction) {
	st.setSlot(ins.A(), value.TagPrim|value.Value(ins.D()))
	st.ip++
}

func opSetF(st *execState, ins bytecode.Instruction) {
	st.setSlot(ins.A(), value.TagFn|value.Value(ins.D()))
	st.ip++
}

// ---- Arithmetic ------------------------------------------------------------

// The three handler variants for each operator (left/right operand shapes)
// are generated from one template each.

func arithLL(op func(l, r float64) float64) handler {
	return func(st *execState, ins bytecode.Instruction) {
		left := st.slot(ins.B())
		right := st.slot(ins.C())
		if !value.IsNum(left) || !value.IsNum(right) {
			st.fault("invalid operands to arithmetic (expected numbers)")
			return
		}
		st.setSlot(ins.A(), value.FromNum(op(value.ToNum(left), value.ToNum(right))))
		st.ip++
	}
}

func arithLN(op func(l, r float64) float64) handler {
	return func(st *execState, ins bytecode.Instruction) {
		left := st.slot(ins.B())
		if !value.IsNum(left) {
			st.fault("invalid operands to arithmetic (expected numbers)")
			return
		}
		right := st.vm.Consts[ins.C()]
		st.setSlot(ins.A(), value.FromNum(op(value.ToNum(left), value.ToNum(right))))
		st.ip++
	}
}

func arithNL(op func(l, r float64) float64) handler {
	return func(st *execState, ins bytecode.Instruction) {
		right := st.slot(ins.C())
		if !value.IsNum(right) {
			st.fault("invalid operands to arithmetic (expected numbers)")
			return
		}
		left := st.vm.Consts[ins.B()]
		st.setSlot(ins.A(), value.FromNum(op(value.ToNum(left), value.ToNum(right))))
		st.ip++
	}
}

func opNeg(st *execState, ins bytecode.Instruction) {
	operand := st.slot(uint8(ins.D()))
	if !value.IsNum(operand) {
		st.fault("invalid operand to negation (expected a number)")
		return
	}
	st.setSlot(ins.A(), value.FromNum(-value.ToNum(operand)))
	st.ip++
}

// ---- Relational Operators --------------------------------------------------

// Comparisons take their left operand in A and right operand in B, and skip
// the following JMP when the condition is false.

// eqVals implements the language's equality: IEEE equality for two numbers,
// word equality for everything else.
func eqVals(a, b value.Value) bool {
	if value.IsNum(a) && value.IsNum(b) {
		return value.ToNum(a) == value.ToNum(b)
	}
	return a == b
}

func (st *execState) branch(cond bool) {
	if cond {
		st.ip++ // land on the JMP
	} else {
		st.ip += 2 // skip it
	}
}

func cmpEqLL(invert bool) handler {
	return func(st *execState, ins bytecode.Instruction) {
		st.branch(eqVals(st.slot(ins.A()), st.slot(ins.B())) != invert)
	}
}

func cmpEqLN(invert bool) handler {
	return func(st *execState, ins bytecode.Instruction) {
		st.branch(eqVals(st.slot(ins.A()), st.vm.Consts[ins.B()]) != invert)
	}
}

func cmpEqLP(invert bool) handler {
	return func(st *execState, ins bytecode.Instruction) {
		prim := value.TagPrim | value.Value(ins.B())
		st.branch((st.slot(ins.A()) == prim) != invert)
	}
}

func cmpOrdLL(op func(l, r float64) bool) handler {
	return func(st *execState, ins bytecode.Instruction) {
		left := st.slot(ins.A())
		right := st.slot(ins.B())
		if !value.IsNum(left) || !value.IsNum(right) {
			st.fault("invalid operands to comparison (expected numbers)")
			return
		}
		st.branch(op(value.ToNum(left), value.ToNum(right)))
	}
}

func cmpOrdLN(op func(l, r float64) bool) handler {
	return func(st *execState, ins bytecode.Instruction) {
		left := st.slot(ins.A())
		if !value.IsNum(left) {
			st.fault("invalid operands to comparison (expected numbers)")
			return
		}
		st.branch(op(value.ToNum(left), value.ToNum(st.vm.Consts[ins.B()])))
	}
}

// ---- Control Flow ----------------------------------------------------------

func opJmp(st *execState, ins bytecode.Instruction) {
	st.ip += 1 + int(ins.J()) - bytecode.JmpBias
}

// opLoop does hot loop detection before behaving like a JMP. The iteration
// count for each loop lives in a small table indexed by a hash of the
// instruction position; once it crosses the threshold we either dispatch
// into an already-compiled trace (when trace execution is enabled and the
// trace's code is mapped) or start recording a new one.
func opLoop(st *execState, ins bytecode.Instruction) {
	idx := (st.ip ^ st.fnIdx<<6) & (iterTableSize - 1)
	st.loopIters[idx]++
	if st.loopIters[idx] >= jit.Threshold {
		st.loopIters[idx] = 0
		target := st.ip + 1 + int(ins.J()) - bytecode.JmpBias
		key := traceKey{fn: st.fnIdx, pc: target}
		if ct, ok := st.vm.traces[key]; ok {
			if st.vm.runTraces && ct.Mapped() {
				st.runTrace(ct)
			}
		} else {
			st.trace = jit.NewTrace()
			st.traceFn = st.fnIdx
			st.traceAnchor = target
			st.handlers = &recording
			log.Debugf("loop at %d:%04d is hot, recording trace", st.fnIdx, target)
		}
	}

	// Fall through to the JMP behaviour
	opJmp(st, ins)
}

// runTrace hands the loop to native code. On return every loop-modified
// slot holds the value of the last completed iteration, and the interpreter
// resumes at the loop header.
func (st *execState) runTrace(ct *jit.CompiledTrace) {
	stack := unsafe.Pointer(&st.vm.Stack[st.base])
	var consts unsafe.Pointer
	if len(st.vm.Consts) > 0 {
		consts = unsafe.Pointer(&st.vm.Consts[0])
	}
	guard := ct.Run(stack, consts)
	log.Debugf("native trace exited at guard %d", guard)
}

func opCall(st *execState, ins bytecode.Instruction) {
	fnVal := st.slot(ins.A())
	if !value.IsFn(fnVal) {
		st.fault("attempt to call a non-function value")
		return
	}
	calleeIdx := int(value.Fn(fnVal))
	callee := st.vm.Fns[calleeIdx]
	if int(ins.C()) != callee.NumArgs {
		st.fault("wrong number of arguments (expected %d, got %d)",
			callee.NumArgs, ins.C())
		return
	}
	if len(st.frames) >= maxCallDepth {
		st.fault("call stack overflow")
		return
	}
	newBase := st.base + int(ins.B())
	if newBase+MaxLocalsInFn+1 > len(st.vm.Stack) {
		st.fault("stack overflow")
		return
	}

	st.frames = append(st.frames, frame{
		fn:     st.fn,
		fnIdx:  st.fnIdx,
		retIP:  st.ip + 1,
		base:   st.base,
		result: st.base + int(ins.A()),
	})
	st.fn = callee
	st.fnIdx = calleeIdx
	st.base = newBase
	st.ip = 0
}

func opRet(st *execState, ins bytecode.Instruction) {
	if len(st.frames) == 0 {
		st.halt = true
		return
	}
	fr := st.frames[len(st.frames)-1]
	st.frames = st.frames[:len(st.frames)-1]

	// There is no return statement yet, so a call always produces nil
	st.vm.Stack[fr.result] = value.Nil

	st.fn = fr.fn
	st.fnIdx = fr.fnIdx
	st.base = fr.base
	st.ip = fr.retIP
}

// ---- Trace Recording -------------------------------------------------------

// abortTrace throws away the trace being recorded and swaps back to the
// baseline dispatch table. Aborts are silent: the interpreter just carries
// on.
func (st *execState) abortTrace(reason string) {
	if st.trace != nil {
		log.Debugf("trace at %d:%04d aborted: %s", st.traceFn, st.traceAnchor, reason)
	}
	st.trace = nil
	st.handlers = &baseline
}

// finishTrace closes the trace at its anchor, compiles it and installs the
// result. Compilation failure discards the trace silently.
func (st *execState) finishTrace() {
	t := st.trace
	st.trace = nil
	st.handlers = &baseline

	if t.Aborted() {
		log.Debugf("trace at %d:%04d aborted: %s", st.traceFn, st.traceAnchor,
			t.AbortReason())
		return
	}

	t.Finish()
	ct, err := jit.Compile(t)
	if err != nil {
		log.Debugf("trace at %d:%04d failed to compile: %s", st.traceFn,
			st.traceAnchor, err.Desc)
		return
	}
	if st.vm.runTraces {
		if merr := ct.Map(); merr != nil {
			log.Debugf("trace at %d:%04d failed to map: %s", st.traceFn,
				st.traceAnchor, merr.Desc)
			return
		}
	}
	st.vm.traces[traceKey{fn: st.traceFn, pc: st.traceAnchor}] = ct
	log.Debugf("installed trace for loop at %d:%04d", st.traceFn, st.traceAnchor)
}

// recLoop closes the trace when the recording crosses the anchor again. Any
// other LOOP instruction is a nested loop, which recording can't handle.
func recLoop(st *execState, ins bytecode.Instruction) {
	target := st.ip + 1 + int(ins.J()) - bytecode.JmpBias
	if st.trace != nil && st.fnIdx == st.traceFn && target == st.traceAnchor {
		st.finishTrace()
	} else {
		st.abortTrace("nested loop")
	}
	opJmp(st, ins)
}

// rec wraps a baseline handler with a recording hook.
func rec(hook func(*execState, bytecode.Instruction), base handler) handler {
	return func(st *execState, ins bytecode.Instruction) {
		hook(st, ins)
		if st.trace != nil && st.trace.Aborted() {
			st.abortTrace(st.trace.AbortReason())
		}
		base(st, ins)
	}
}

// recAbort builds a recording handler for an opcode traces can't contain.
func recAbort(reason string, base handler) handler {
	return func(st *execState, ins bytecode.Instruction) {
		st.abortTrace(reason)
		base(st, ins)
	}
}

type cmpShape int

const (
	shapeLL cmpShape = iota
	shapeLN
)

// recCmp wraps a comparison handler. The guard emitted reflects the branch
// that was actually taken, which we learn by watching how far the baseline
// handler moved the instruction pointer.
func recCmp(trueOp, falseOp jit.Op, shape cmpShape, base handler) handler {
	return func(st *execState, ins bytecode.Instruction) {
		before := st.ip
		base(st, ins)
		if st.halt || st.trace == nil {
			return
		}
		op := falseOp
		if st.ip == before+1 {
			op = trueOp
		}
		switch shape {
		case shapeLL:
			st.trace.RecGuardLL(op, ins)
		case shapeLN:
			st.trace.RecGuardLN(op, ins)
		}
		if st.trace.Aborted() {
			st.abortTrace(st.trace.AbortReason())
		}
	}
}

// recArith is the shared hook for all recordable arithmetic shapes.
func recArith(st *execState, ins bytecode.Instruction) {
	if st.trace != nil {
		st.trace.RecArith(ins)
	}
}

func init() {
	add := func(l, r float64) float64 { return l + r }
	sub := func(l, r float64) float64 { return l - r }
	mul := func(l, r float64) float64 { return l * r }
	div := func(l, r float64) float64 { return l / r }
	mod := math.Mod

	lt := func(l, r float64) bool { return l < r }
	le := func(l, r float64) bool { return l <= r }
	gt := func(l, r float64) bool { return l > r }
	ge := func(l, r float64) bool { return l >= r }

	baseline = [bytecode.NumOps]handler{
		bytecode.OP_MOV:   opMov,
		bytecode.OP_SET_N: opSetN,
		bytecode.OP_SET_P: opSetP,
		bytecode.OP_SET_F: opSetF,

		bytecode.OP_ADD_LL: arithLL(add),
		bytecode.OP_ADD_LN: arithLN(add),
		bytecode.OP_SUB_LL: arithLL(sub),
		bytecode.OP_SUB_LN: arithLN(sub),
		bytecode.OP_SUB_NL: arithNL(sub),
		bytecode.OP_MUL_LL: arithLL(mul),
		bytecode.OP_MUL_LN: arithLN(mul),
		bytecode.OP_DIV_LL: arithLL(div),
		bytecode.OP_DIV_LN: arithLN(div),
		bytecode.OP_DIV_NL: arithNL(div),
		bytecode.OP_MOD_LL: arithLL(mod),
		bytecode.OP_MOD_LN: arithLN(mod),
		bytecode.OP_MOD_NL: arithNL(mod),
		bytecode.OP_NEG:    opNeg,

		bytecode.OP_EQ_LL:  cmpEqLL(false),
		bytecode.OP_EQ_LN:  cmpEqLN(false),
		bytecode.OP_EQ_LP:  cmpEqLP(false),
		bytecode.OP_NEQ_LL: cmpEqLL(true),
		bytecode.OP_NEQ_LN: cmpEqLN(true),
		bytecode.OP_NEQ_LP: cmpEqLP(true),
		bytecode.OP_LT_LL:  cmpOrdLL(lt),
		bytecode.OP_LT_LN:  cmpOrdLN(lt),
		bytecode.OP_LE_LL:  cmpOrdLL(le),
		bytecode.OP_LE_LN:  cmpOrdLN(le),
		bytecode.OP_GT_LL:  cmpOrdLL(gt),
		bytecode.OP_GT_LN:  cmpOrdLN(gt),
		bytecode.OP_GE_LL:  cmpOrdLL(ge),
		bytecode.OP_GE_LN:  cmpOrdLN(ge),

		bytecode.OP_JMP:  opJmp,
		bytecode.OP_LOOP: opLoop,
		bytecode.OP_CALL: opCall,
		bytecode.OP_RET:  opRet,
	}

	// The recording table executes everything the baseline table does, and
	// additionally appends IR to the trace.
	recording = baseline

	recording[bytecode.OP_MOV] = rec(func(st *execState, ins bytecode.Instruction) {
		st.trace.RecMov(ins)
	}, opMov)
	recording[bytecode.OP_SET_N] = rec(func(st *execState, ins bytecode.Instruction) {
		st.trace.RecSetN(ins)
	}, opSetN)
	recording[bytecode.OP_SET_P] = recAbort("unsupported opcode SETP", opSetP)
	recording[bytecode.OP_SET_F] = recAbort("unsupported opcode SETF", opSetF)

	for _, op := range []bytecode.Opcode{
		bytecode.OP_ADD_LL, bytecode.OP_ADD_LN,
		bytecode.OP_SUB_LL, bytecode.OP_SUB_LN, bytecode.OP_SUB_NL,
		bytecode.OP_MUL_LL, bytecode.OP_MUL_LN,
		bytecode.OP_DIV_LL, bytecode.OP_DIV_LN, bytecode.OP_DIV_NL,
	} {
		recording[op] = rec(recArith, baseline[op])
	}
	for _, op := range []bytecode.Opcode{
		bytecode.OP_MOD_LL, bytecode.OP_MOD_LN, bytecode.OP_MOD_NL,
	} {
		recording[op] = recAbort("unsupported opcode (no scalar encoding for modulo)", baseline[op])
	}
	recording[bytecode.OP_NEG] = rec(func(st *execState, ins bytecode.Instruction) {
		st.trace.RecNeg(ins)
	}, opNeg)

	recording[bytecode.OP_EQ_LL] = recCmp(jit.IR_GUARD_EQ, jit.IR_GUARD_NE, shapeLL, baseline[bytecode.OP_EQ_LL])
	recording[bytecode.OP_EQ_LN] = recCmp(jit.IR_GUARD_EQ, jit.IR_GUARD_NE, shapeLN, baseline[bytecode.OP_EQ_LN])
	recording[bytecode.OP_NEQ_LL] = recCmp(jit.IR_GUARD_NE, jit.IR_GUARD_EQ, shapeLL, baseline[bytecode.OP_NEQ_LL])
	recording[bytecode.OP_NEQ_LN] = recCmp(jit.IR_GUARD_NE, jit.IR_GUARD_EQ, shapeLN, baseline[bytecode.OP_NEQ_LN])
	recording[bytecode.OP_LT_LL] = recCmp(jit.IR_GUARD_LT, jit.IR_GUARD_GE, shapeLL, baseline[bytecode.OP_LT_LL])
	recording[bytecode.OP_LT_LN] = recCmp(jit.IR_GUARD_LT, jit.IR_GUARD_GE, shapeLN, baseline[bytecode.OP_LT_LN])
	recording[bytecode.OP_LE_LL] = recCmp(jit.IR_GUARD_LE, jit.IR_GUARD_GT, shapeLL, baseline[bytecode.OP_LE_LL])
	recording[bytecode.OP_LE_LN] = recCmp(jit.IR_GUARD_LE, jit.IR_GUARD_GT, shapeLN, baseline[bytecode.OP_LE_LN])
	recording[bytecode.OP_GT_LL] = recCmp(jit.IR_GUARD_GT, jit.IR_GUARD_LE, shapeLL, baseline[bytecode.OP_GT_LL])
	recording[bytecode.OP_GT_LN] = recCmp(jit.IR_GUARD_GT, jit.IR_GUARD_LE, shapeLN, baseline[bytecode.OP_GT_LN])
	recording[bytecode.OP_GE_LL] = recCmp(jit.IR_GUARD_GE, jit.IR_GUARD_LT, shapeLL, baseline[bytecode.OP_GE_LL])
	recording[bytecode.OP_GE_LN] = recCmp(jit.IR_GUARD_GE, jit.IR_GUARD_LT, shapeLN, baseline[bytecode.OP_GE_LN])
	recording[bytecode.OP_EQ_LP] = recAbort("unsupported opcode EQLP", baseline[bytecode.OP_EQ_LP])
	recording[bytecode.OP_NEQ_LP] = recAbort("unsupported opcode NEQLP", baseline[bytecode.OP_NEQ_LP])

	recording[bytecode.OP_LOOP] = recLoop
	recording[bytecode.OP_CALL] = recAbort("function call in trace", opCall)
	recording[bytecode.OP_RET] = recAbort("return crosses the trace boundary", opRet)
}

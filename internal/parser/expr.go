package parser

// Expression Compilation
// ======================
//
// An in-flight operand is a tagged record with two phases. Pre-discharged
// operands are raw conceptual values (a literal number, a named variable's
// slot, a primitive). Discharged operands are already shaped for the
// bytecode machine: an interned constant, a value resident in a stack slot,
// a "relocatable" instruction whose destination byte is patched when a
// destination is finally chosen, or a Boolean represented implicitly by two
// lists of unpatched jumps.
//
// Jump lists are threaded through the offset fields of the jump
// instructions themselves: the head is the most recently emitted jump, and
// each jump's offset points back to the previous element, ending at a
// stored offset of -1.
//
// Comparisons follow the inverted-condition convention end to end: the
// emitted comparison instruction skips the following JMP when the condition
// is false, so the jump is taken on truth and the false case falls through.

import (
	"math"

	"argon/internal/bytecode"
	"argon/internal/lexer"
	"argon/internal/value"
	"argon/internal/vm"
)

type nodeKind uint8

const (
	// Pre-discharged operands
	nodeNum   nodeKind = iota // a literal number, not yet interned
	nodeLocal                 // a named variable's stack slot
	nodePrim                  // nil, false or true

	// Discharged operands
	nodeConst    // an interned constant, by index
	nodeNonReloc // a value resident in a specific stack slot
	nodeReloc    // an emitted instruction whose destination is unpatched
	nodeJmp      // a Boolean held implicitly in two jump lists
)

// node is an in-flight expression operand.
type node struct {
	kind nodeKind

	num      float64         // nodeNum
	prim     value.Primitive // nodePrim
	slot     int             // nodeLocal, nodeNonReloc
	constIdx int             // nodeConst
	pc       int             // nodeReloc: its instruction; nodeJmp: its own JMP

	// Unpatched jumps to be wired to the code reached when the expression
	// is true resp. false (nodeJmp only).
	trueList, falseList int
}

// noJump is the empty jump list.
const noJump = -1

// ---- Jump lists ------------------------------------------------------------

func (p *Parser) here() int {
	return len(p.fn().Ins)
}

// emitJmp emits a JMP with the list-terminator offset, returning its pc.
func (p *Parser) emitJmp() int {
	return p.fn().Emit(bytecode.New1(bytecode.OP_JMP, uint32(bytecode.JmpBias-1)))
}

// setJmpTarget points the jump at pc to target. A target of noJump stores
// the list terminator.
func (p *Parser) setJmpTarget(pc, target int) {
	offset := -1
	if target != noJump {
		offset = target - (pc + 1)
	}
	biased := offset + bytecode.JmpBias
	if biased < 0 || biased >= 1<<24 {
		p.triggerErr("jump offset too large")
	}
	p.fn().Ins[pc].SetJ(uint32(biased))
}

// jmpTarget reads the jump target at pc, or noJump for the terminator.
func (p *Parser) jmpTarget(pc int) int {
	offset := int(p.fn().Ins[pc].J()) - bytecode.JmpBias
	if offset == -1 {
		return noJump
	}
	return pc + 1 + offset
}

// appendList prepends a jump to a list, returning the new head.
func (p *Parser) appendList(list, pc int) int {
	p.setJmpTarget(pc, list)
	return pc
}

// mergeList concatenates two jump lists: the tail of the later-headed list
// is linked to the head of the other, preserving head-pc order.
func (p *Parser) mergeList(a, b int) int {
	if a == noJump {
		return b
	}
	if b == noJump {
		return a
	}
	h, o := a, b
	if o > h {
		h, o = o, h
	}
	tail := h
	for p.jmpTarget(tail) != noJump {
		tail = p.jmpTarget(tail)
	}
	p.setJmpTarget(tail, o)
	return h
}

// patchList wires every jump in a list to target.
func (p *Parser) patchList(list, target int) {
	for pc := list; pc != noJump; {
		next := p.jmpTarget(pc)
		p.setJmpTarget(pc, target)
		pc = next
	}
}

func (p *Parser) patchToHere(list int) {
	p.patchList(list, p.here())
}

// ---- Stack slots -----------------------------------------------------------

// allocSlot claims the next free stack slot.
func (p *Parser) allocSlot() int {
	s := p.scope()
	if s.nextSlot >= vm.MaxLocalsInFn {
		p.triggerErr("too many locals in function")
	}
	slot := s.nextSlot
	s.nextSlot++
	return slot
}

// freeExpr reclaims the operand's stack slot if it holds the top
// temporary. Named locals are never freed.
func (p *Parser) freeExpr(e *node) {
	if e.kind == nodeNonReloc && e.slot >= p.numNamed() &&
		e.slot == p.scope().nextSlot-1 {
		p.scope().nextSlot--
	}
}

// freeTopDown frees both of a binary operation's argument slots, the
// higher-slotted temporary first so the stack top unwinds cleanly.
func (p *Parser) freeTopDown(l, r *node) {
	if l.kind == nodeNonReloc && r.kind == nodeNonReloc && r.slot > l.slot {
		p.freeExpr(r)
		p.freeExpr(l)
		return
	}
	p.freeExpr(l)
	p.freeExpr(r)
}

// ---- Discharge -------------------------------------------------------------

// internConst adds a number to the VM's constants, raising a parse error
// if the table is full.
func (p *Parser) internConst(num float64) int {
	idx := p.vm.AddNum(num)
	if idx < 0 {
		p.triggerErr("too many constants")
	}
	return idx
}

// dischargeToSlot compiles the operand so its value ends up in dst, and
// rewrites the operand as resident there.
func (p *Parser) dischargeToSlot(e *node, dst int) {
	switch e.kind {
	case nodeNum:
		idx := p.internConst(e.num)
		p.fn().Emit(bytecode.New2(bytecode.OP_SET_N, uint8(dst), uint16(idx)))
	case nodePrim:
		p.fn().Emit(bytecode.New2(bytecode.OP_SET_P, uint8(dst), uint16(e.prim)))
	case nodeConst:
		p.fn().Emit(bytecode.New2(bytecode.OP_SET_N, uint8(dst), uint16(e.constIdx)))
	case nodeLocal:
		if e.slot != dst {
			p.fn().Emit(bytecode.New2(bytecode.OP_MOV, uint8(dst), uint16(e.slot)))
		}
	case nodeNonReloc:
		if e.slot != dst {
			p.freeExpr(e)
			p.fn().Emit(bytecode.New2(bytecode.OP_MOV, uint8(dst), uint16(e.slot)))
		}
	case nodeReloc:
		// Back-patch the destination byte of the emitted instruction
		p.fn().Ins[e.pc].SetA(uint8(dst))
	case nodeJmp:
		p.dischargeJmp(e, dst)
	}
	*e = node{kind: nodeNonReloc, slot: dst}
}

// dischargeJmp materialises a Boolean held in jump lists as an actual
// value: the canonical two-target sequence
//
//   SET_P dst, true
//   JMP +1
//   SET_P dst, false
//
// with the true list patched over the first store and the false list over
// the second.
func (p *Parser) dischargeJmp(e *node, dst int) {
	p.goIfTrue(e)
	p.fn().Emit(bytecode.New2(bytecode.OP_SET_P, uint8(dst), uint16(value.PrimTrue)))
	skip := p.emitJmp()
	pcFalse := p.fn().Emit(bytecode.New2(bytecode.OP_SET_P, uint8(dst), uint16(value.PrimFalse)))
	p.setJmpTarget(skip, pcFalse+1)
	p.patchList(e.falseList, pcFalse)
	e.falseList = noJump
}

// exprToNextSlot discharges the operand into the next free slot and
// returns it.
func (p *Parser) exprToNextSlot(e *node) int {
	p.freeExpr(e)
	dst := p.allocSlot()
	p.dischargeToSlot(e, dst)
	return dst
}

// exprToAnySlot discharges the operand into any slot: a named local is
// used where it sits, everything else goes to the next free slot.
func (p *Parser) exprToAnySlot(e *node) int {
	if e.kind == nodeLocal || e.kind == nodeNonReloc {
		return e.slot
	}
	return p.exprToNextSlot(e)
}

// dischargeToArg shapes an operand as an 8 bit instruction argument,
// reporting whether the argument is a constant index. A constant that
// doesn't fit 8 bits is pushed into a stack slot instead.
func (p *Parser) dischargeToArg(e *node) (uint8, bool) {
	switch e.kind {
	case nodeNum:
		idx := p.internConst(e.num)
		*e = node{kind: nodeConst, constIdx: idx}
		if idx <= 0xff {
			return uint8(idx), true
		}
		return uint8(p.exprToNextSlot(e)), false
	case nodeConst:
		if e.constIdx <= 0xff {
			return uint8(e.constIdx), true
		}
		return uint8(p.exprToNextSlot(e)), false
	case nodeLocal, nodeNonReloc:
		return uint8(e.slot), false
	default:
		return uint8(p.exprToNextSlot(e)), false
	}
}

func isConstOperand(e *node) bool {
	return e.kind == nodeNum || e.kind == nodeConst
}

// ---- Operators -------------------------------------------------------------

// Binding powers, low to high. Unary operators and calls bind tighter than
// anything here.
var binaryPrec = map[lexer.Tk]int{
	lexer.TK_OR:     1,
	lexer.TK_AND:    2,
	lexer.TK_EQ:     3,
	lexer.TK_NEQ:    3,
	lexer.Tk('<'):   4,
	lexer.Tk('>'):   4,
	lexer.TK_LE:     4,
	lexer.TK_GE:     4,
	lexer.TK_CONCAT: 5,
	lexer.Tk('+'):   6,
	lexer.Tk('-'):   6,
	lexer.Tk('*'):   7,
	lexer.Tk('/'):   7,
	lexer.Tk('%'):   7,
}

func (p *Parser) parseExpr() node {
	return p.parseBinary(0)
}

// parseBinary is the Pratt loop: parse a unary operand, then keep folding
// in binary operators of higher precedence than the limit. Equal
// precedence stops the recursion, making every operator left associative.
func (p *Parser) parseBinary(limit int) node {
	left := p.parseUnary()
	for {
		prec, ok := binaryPrec[p.tok()]
		if !ok || prec <= limit {
			break
		}
		op := p.tok()

		switch op {
		case lexer.TK_AND:
			// Truth of the left side falls through into the right side;
			// its false jumps join the combined false list
			p.toJmp(&left)
			p.goIfTrue(&left)
			savedFalse := left.falseList
			p.next()
			right := p.parseBinary(prec)
			p.toJmp(&right)
			right.falseList = p.mergeList(right.falseList, savedFalse)
			left = right

		case lexer.TK_OR:
			// Falsity of the left side falls through into the right side;
			// its true jumps join the combined true list
			p.toJmp(&left)
			p.goIfFalse(&left)
			savedTrue := left.trueList
			p.next()
			right := p.parseBinary(prec)
			p.toJmp(&right)
			right.trueList = p.mergeList(right.trueList, savedTrue)
			left = right

		case lexer.TK_CONCAT:
			p.triggerErr("invalid operands to `..` (strings are not implemented)")

		case lexer.TK_EQ, lexer.TK_NEQ, lexer.Tk('<'), lexer.Tk('>'),
			lexer.TK_LE, lexer.TK_GE:
			p.next()
			right := p.parseBinary(prec)
			left = p.comparison(op, left, right)

		default:
			p.next()
			right := p.parseBinary(prec)
			left = p.arith(op, left, right)
		}
	}
	return left
}

var arithBase = map[lexer.Tk]bytecode.Opcode{
	lexer.Tk('+'): bytecode.OP_ADD_LL,
	lexer.Tk('-'): bytecode.OP_SUB_LL,
	lexer.Tk('*'): bytecode.OP_MUL_LL,
	lexer.Tk('/'): bytecode.OP_DIV_LL,
	lexer.Tk('%'): bytecode.OP_MOD_LL,
}

func foldArith(op lexer.Tk, l, r float64) float64 {
	switch op {
	case lexer.Tk('+'):
		return l + r
	case lexer.Tk('-'):
		return l - r
	case lexer.Tk('*'):
		return l * r
	case lexer.Tk('/'):
		return l / r
	}
	// %
	return math.Mod(l, r)
}

// arith compiles a binary arithmetic operation. Two literals fold at
// compile time. Otherwise the operands are shaped into arguments and the
// opcode variant is picked from the operand shapes:
// base + is_const(right) + 2*is_const(left).
func (p *Parser) arith(op lexer.Tk, l, r node) node {
	if l.kind == nodeNum && r.kind == nodeNum {
		return node{kind: nodeNum, num: foldArith(op, l.num, r.num)}
	}
	if l.kind == nodePrim || r.kind == nodePrim {
		p.triggerErr("invalid operand to arithmetic operator")
	}

	// Commutative operators keep their constant on the right
	commutative := op == lexer.Tk('+') || op == lexer.Tk('*')
	if commutative && isConstOperand(&l) && !isConstOperand(&r) {
		l, r = r, l
	}

	bArg, bConst := p.dischargeToArg(&l)
	cArg, cConst := p.dischargeToArg(&r)
	p.freeTopDown(&l, &r)

	opcode := arithBase[op]
	if cConst {
		opcode++
	}
	if bConst {
		opcode += 2
	}
	pc := p.fn().Emit(bytecode.New3(opcode, 0, bArg, cArg))
	return node{kind: nodeReloc, pc: pc}
}

// Comparison opcode families, keyed by operator token.
var cmpOps = map[lexer.Tk]struct {
	ll, ln, lp bytecode.Opcode
}{
	lexer.TK_EQ:   {bytecode.OP_EQ_LL, bytecode.OP_EQ_LN, bytecode.OP_EQ_LP},
	lexer.TK_NEQ:  {bytecode.OP_NEQ_LL, bytecode.OP_NEQ_LN, bytecode.OP_NEQ_LP},
	lexer.Tk('<'): {ll: bytecode.OP_LT_LL, ln: bytecode.OP_LT_LN},
	lexer.TK_LE:   {ll: bytecode.OP_LE_LL, ln: bytecode.OP_LE_LN},
	lexer.Tk('>'): {ll: bytecode.OP_GT_LL, ln: bytecode.OP_GT_LN},
	lexer.TK_GE:   {ll: bytecode.OP_GE_LL, ln: bytecode.OP_GE_LN},
}

// mirrorCmp maps an ordering operator to its mirror when the operand sides
// are swapped (3 < x becomes x > 3).
var mirrorCmp = map[lexer.Tk]lexer.Tk{
	lexer.Tk('<'): lexer.Tk('>'),
	lexer.Tk('>'): lexer.Tk('<'),
	lexer.TK_LE:   lexer.TK_GE,
	lexer.TK_GE:   lexer.TK_LE,
	lexer.TK_EQ:   lexer.TK_EQ,
	lexer.TK_NEQ:  lexer.TK_NEQ,
}

func foldCmp(op lexer.Tk, l, r float64) bool {
	switch op {
	case lexer.TK_EQ:
		return l == r
	case lexer.TK_NEQ:
		return l != r
	case lexer.Tk('<'):
		return l < r
	case lexer.TK_LE:
		return l <= r
	case lexer.Tk('>'):
		return l > r
	}
	return l >= r
}

func boolPrim(b bool) value.Primitive {
	if b {
		return value.PrimTrue
	}
	return value.PrimFalse
}

// comparison compiles a relational operation into the comparison-then-JMP
// pair, returning a Jmp operand whose fresh true list holds the jump.
func (p *Parser) comparison(op lexer.Tk, l, r node) node {
	// Compile-time folds over known values
	if l.kind == nodeNum && r.kind == nodeNum {
		return node{kind: nodePrim, prim: boolPrim(foldCmp(op, l.num, r.num))}
	}
	eq := op == lexer.TK_EQ || op == lexer.TK_NEQ
	if !eq && (l.kind == nodePrim || r.kind == nodePrim) {
		p.triggerErr("invalid operand to ordered comparison")
	}
	if eq && l.kind == nodePrim && r.kind == nodePrim {
		return node{kind: nodePrim, prim: boolPrim((l.prim == r.prim) == (op == lexer.TK_EQ))}
	}
	if eq && (l.kind == nodePrim && r.kind == nodeNum ||
		l.kind == nodeNum && r.kind == nodePrim) {
		return node{kind: nodePrim, prim: boolPrim(op == lexer.TK_NEQ)}
	}

	// Constants (and, for equality, primitives) always move to the right;
	// swapping the sides of an ordering comparison mirrors the operator
	if isConstOperand(&l) || (eq && l.kind == nodePrim) {
		l, r = r, l
		op = mirrorCmp[op]
	}
	ops := cmpOps[op]

	aSlot := p.exprToAnySlot(&l)
	var ins bytecode.Instruction
	switch {
	case eq && r.kind == nodePrim:
		ins = bytecode.New3(ops.lp, uint8(aSlot), uint8(r.prim), 0)
	case isConstOperand(&r):
		idx := r.constIdx
		if r.kind == nodeNum {
			idx = p.internConst(r.num)
			r = node{kind: nodeConst, constIdx: idx}
		}
		if idx <= 0xff {
			ins = bytecode.New3(ops.ln, uint8(aSlot), uint8(idx), 0)
		} else {
			bSlot := p.exprToNextSlot(&r)
			ins = bytecode.New3(ops.ll, uint8(aSlot), uint8(bSlot), 0)
		}
	default:
		bSlot := p.exprToAnySlot(&r)
		ins = bytecode.New3(ops.ll, uint8(aSlot), uint8(bSlot), 0)
	}

	p.fn().Emit(ins)
	p.freeTopDown(&l, &r)
	j := p.emitJmp()
	return node{kind: nodeJmp, pc: j, trueList: j, falseList: noJump}
}

// ---- Short-circuit machinery -----------------------------------------------

// Comparison inversions, by opcode. The operand shape is preserved.
var invertedCmp = map[bytecode.Opcode]bytecode.Opcode{
	bytecode.OP_EQ_LL:  bytecode.OP_NEQ_LL,
	bytecode.OP_EQ_LN:  bytecode.OP_NEQ_LN,
	bytecode.OP_EQ_LP:  bytecode.OP_NEQ_LP,
	bytecode.OP_NEQ_LL: bytecode.OP_EQ_LL,
	bytecode.OP_NEQ_LN: bytecode.OP_EQ_LN,
	bytecode.OP_NEQ_LP: bytecode.OP_EQ_LP,
	bytecode.OP_LT_LL:  bytecode.OP_GE_LL,
	bytecode.OP_LT_LN:  bytecode.OP_GE_LN,
	bytecode.OP_LE_LL:  bytecode.OP_GT_LL,
	bytecode.OP_LE_LN:  bytecode.OP_GT_LN,
	bytecode.OP_GT_LL:  bytecode.OP_LE_LL,
	bytecode.OP_GT_LN:  bytecode.OP_LE_LN,
	bytecode.OP_GE_LL:  bytecode.OP_LT_LL,
	bytecode.OP_GE_LN:  bytecode.OP_LT_LN,
}

// invertCond flips the comparison that controls the jump at pc.
func (p *Parser) invertCond(pc int) {
	ins := &p.fn().Ins[pc-1]
	inv, ok := invertedCmp[ins.Op()]
	if !ok {
		p.triggerErr("cannot invert condition")
	}
	ins.SetOp(inv)
}

// toJmp converts an operand into Jmp form. Anything that isn't already a
// comparison is discharged to a slot and tested against `true`, with the
// test's jump taken on falsity.
func (p *Parser) toJmp(e *node) {
	if e.kind == nodeJmp {
		return
	}
	slot := p.exprToAnySlot(e)
	p.fn().Emit(bytecode.New3(bytecode.OP_NEQ_LP, uint8(slot),
		uint8(value.PrimTrue), 0))
	p.freeExpr(e)
	j := p.emitJmp()
	*e = node{kind: nodeJmp, pc: j, trueList: noJump, falseList: j}
}

// goIfTrue arranges for truth to fall through: if the operand's own jump
// fires on truth, the comparison controlling it is inverted and the jump
// moves to the false list. Remaining true jumps are patched to land here.
func (p *Parser) goIfTrue(e *node) {
	if e.trueList == e.pc {
		e.trueList = p.jmpTarget(e.pc)
		p.invertCond(e.pc)
		e.falseList = p.appendList(e.falseList, e.pc)
	}
	p.patchToHere(e.trueList)
	e.trueList = noJump
}

// goIfFalse is the mirror image: falsity falls through, the own jump fires
// on truth.
func (p *Parser) goIfFalse(e *node) {
	if e.falseList == e.pc {
		e.falseList = p.jmpTarget(e.pc)
		p.invertCond(e.pc)
		e.trueList = p.appendList(e.trueList, e.pc)
	}
	p.patchToHere(e.falseList)
	e.falseList = noJump
}

// ---- Unary operators and primaries -----------------------------------------

func (p *Parser) parseUnary() node {
	switch p.tok() {
	case lexer.Tk('-'):
		p.next()
		operand := p.parseUnary()
		if operand.kind == nodeNum {
			return node{kind: nodeNum, num: -operand.num}
		}
		if operand.kind == nodePrim {
			p.triggerErr("invalid operand to negation")
		}
		slot := p.exprToAnySlot(&operand)
		p.freeExpr(&operand)
		pc := p.fn().Emit(bytecode.New2(bytecode.OP_NEG, 0, uint16(slot)))
		return node{kind: nodeReloc, pc: pc}

	case lexer.Tk('!'):
		p.next()
		operand := p.parseUnary()
		p.toJmp(&operand)
		operand.trueList, operand.falseList = operand.falseList, operand.trueList
		return operand

	default:
		return p.parsePostfix()
	}
}

// parsePostfix parses a primary followed by any number of call suffixes.
func (p *Parser) parsePostfix() node {
	e := p.parsePrimary()
	for p.tok() == lexer.Tk('(') {
		p.parseCall(&e)
	}
	return e
}

// parseCall compiles `callee(arg1, ..., argn)`: the callee is copied into
// a fresh slot, the arguments land in the consecutive slots above it, and
// the call's result replaces the callee in its slot.
func (p *Parser) parseCall(e *node) {
	fnSlot := p.exprToNextSlot(e)
	p.next() // `(`

	argc := 0
	if p.tok() != lexer.Tk(')') {
		for {
			arg := p.parseExpr()
			p.exprToNextSlot(&arg)
			argc++
			if p.tok() != lexer.Tk(',') {
				break
			}
			p.next()
		}
	}
	p.expect(lexer.Tk(')'))
	p.next()
	if argc > 0xff {
		p.triggerErr("too many arguments")
	}

	p.fn().Emit(bytecode.New3(bytecode.OP_CALL, uint8(fnSlot),
		uint8(fnSlot+1), uint8(argc)))

	// Argument slots are gone; the result sits in the callee's slot
	p.scope().nextSlot = fnSlot + 1
	*e = node{kind: nodeNonReloc, slot: fnSlot}
}

func (p *Parser) parsePrimary() node {
	switch p.tok() {
	case lexer.TK_NUM:
		e := node{kind: nodeNum, num: p.lxr.Tok.Num}
		p.next()
		return e

	case lexer.TK_IDENT:
		slot := p.resolveLocal(p.lxr.Tok.IdentHash)
		if slot < 0 {
			p.triggerErr("undeclared variable `%s`", p.lxr.Lexeme(p.lxr.Tok))
		}
		p.next()
		return node{kind: nodeLocal, slot: slot}

	case lexer.TK_TRUE:
		p.next()
		return node{kind: nodePrim, prim: value.PrimTrue}

	case lexer.TK_FALSE:
		p.next()
		return node{kind: nodePrim, prim: value.PrimFalse}

	case lexer.TK_NIL:
		p.next()
		return node{kind: nodePrim, prim: value.PrimNil}

	case lexer.Tk('('):
		p.next()
		e := p.parseExpr()
		p.expect(lexer.Tk(')'))
		p.next()
		return e

	case lexer.TK_FN:
		// Anonymous function: the operand is the (relocatable) SET_F
		p.next()
		fnIdx := p.parseFnBody()
		pc := p.fn().Emit(bytecode.New2(bytecode.OP_SET_F, 0, uint16(fnIdx)))
		return node{kind: nodeReloc, pc: pc}
	}

	p.triggerErr("expected expression, found %s", p.tok().Name())
	return node{}
}

package parser

// Single-Pass Parser
// ==================
//
// The parser converts the lexer's token stream straight into bytecode. No
// AST is ever built: each expression is carried as a small tagged operand
// record (see expr.go), and instructions are emitted as soon as an
// operation's shape is known.
//
// A function definition scope is created for every `fn`. Scopes stack for
// nested definitions; bytecode is always emitted to the function on top of
// the stack. The top level of a package is its "main" function, under which
// every other function is nested.
//
// Local variables in all active function scopes live in one flat locals
// list. A local's stack slot is its index in this list relative to the
// first local of its function scope:
//
//   fn example() {   // slot 0 in the package's main function
//     let a = 3      // slot 0 in function `example`
//     let c = fn() { // slot 1 in function `example`
//       let d = 5    // slot 0 in the anonymous function
//     }
//   }
//
// Named locals occupy the low slots; temporaries are stacked above them and
// freed as soon as they're consumed. Exiting a block destroys the locals
// that were created inside it.

import (
	"argon/internal/bytecode"
	"argon/internal/errors"
	"argon/internal/lexer"
	"argon/internal/vm"
)

// local is a named variable in some active function scope. Only the name's
// hash is kept.
type local struct {
	name uint64
}

// fnScope is one function definition scope.
type fnScope struct {
	// Index of the function in the VM's function list.
	fn int

	// Index into the parser's locals list of the first local defined in
	// this scope.
	firstLocal int

	// The next free stack slot, counting both named locals and
	// temporaries.
	nextSlot int
}

// Parser converts a stream of tokens into bytecode on the VM.
type Parser struct {
	vm  *vm.VM
	lxr *lexer.Lexer
	pkg int

	// Function scope stack; the innermost scope (the one receiving
	// bytecode) is last.
	scopes []fnScope

	// All named locals in all active function scopes.
	locals []local
}

// Parse compiles source code into the given package. Top level code is
// appended to the package's main function; function definitions become new
// functions on the VM.
//
// A single error guard wraps the whole parse: any lex or parse failure
// unwinds to here and is returned. The VM's function and constant tables
// are not rolled back on failure.
func Parse(v *vm.VM, pkg int, path, code string) (perr *errors.Error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(*errors.Error); ok {
				v.Err = e
				perr = e
				return
			}
			panic(r)
		}
	}()

	v.Err = nil
	psr := &Parser{
		vm:  v,
		lxr: lexer.New(path, code),
		pkg: pkg,
	}
	psr.run()
	return nil
}

func (p *Parser) run() {
	pkgState := &p.vm.Pkgs[p.pkg]

	// Seed the root scope from the package, so successive parses into the
	// same package (the REPL) keep seeing earlier definitions
	p.scopes = append(p.scopes, fnScope{
		fn:       pkgState.MainFn,
		nextSlot: pkgState.NextSlot,
	})
	for _, name := range pkgState.Locals {
		p.locals = append(p.locals, local{name: name})
	}

	p.lxr.Next()
	p.parseBlock()
	if p.tok() != lexer.TK_EOF {
		p.triggerErr("expected statement, found %s", p.tok().Name())
	}
	p.fn().Emit(bytecode.New3(bytecode.OP_RET, 0, 0, 0))

	// Persist the top level names back to the package
	scope := p.scope()
	names := make([]uint64, 0, len(p.locals)-scope.firstLocal)
	for _, l := range p.locals[scope.firstLocal:] {
		names = append(names, l.name)
	}
	pkgState.Locals = names
	pkgState.NextSlot = scope.nextSlot
}

// ---- Scope and token helpers -----------------------------------------------

func (p *Parser) scope() *fnScope {
	return &p.scopes[len(p.scopes)-1]
}

// fn returns the function bytecode is currently emitted to.
func (p *Parser) fn() *vm.Function {
	return p.vm.Fns[p.scope().fn]
}

func (p *Parser) tok() lexer.Tk {
	return p.lxr.Tok.Type
}

func (p *Parser) next() {
	p.lxr.Next()
}

func (p *Parser) expect(tk lexer.Tk) {
	p.lxr.Expect(tk)
}

// triggerErr raises a parse error at the current token's line through the
// parse-time error guard.
func (p *Parser) triggerErr(format string, args ...interface{}) {
	err := errors.New(errors.ParseError, format, args...)
	err.Line = p.lxr.Tok.Line
	err.SetFile(p.lxr.Path())
	p.vm.Err = err
	panic(err)
}

// numNamed is the number of named locals in the current function scope.
// Slots below this are variables; slots at or above it are temporaries.
func (p *Parser) numNamed() int {
	return len(p.locals) - p.scope().firstLocal
}

// resolveLocal returns the stack slot bound to a name in the current
// function scope, or -1. Outer function scopes are not searched: there are
// no upvalues.
func (p *Parser) resolveLocal(name uint64) int {
	for i := len(p.locals) - 1; i >= p.scope().firstLocal; i-- {
		if p.locals[i].name == name {
			return i - p.scope().firstLocal
		}
	}
	return -1
}

func (p *Parser) addLocal(name uint64) {
	p.locals = append(p.locals, local{name: name})
}

// ---- Statements ------------------------------------------------------------

// parseBlock parses statements until a closing brace or the end of the
// file.
func (p *Parser) parseBlock() {
	for {
		switch p.tok() {
		case lexer.TK_LET:
			p.parseLet()
		case lexer.TK_IF:
			p.parseIf()
		case lexer.TK_WHILE:
			p.parseWhile()
		case lexer.TK_LOOP:
			p.parseInfiniteLoop()
		case lexer.TK_FN:
			p.parseFnDef()
		case lexer.TK_FOR:
			p.triggerErr("`for` loops are not implemented yet")
		case lexer.TK_IDENT:
			p.parseAssignOrExpr()
		case lexer.Tk('}'), lexer.TK_EOF:
			return
		default:
			p.parseExprStatement()
		}
	}
}

// parseBraceBlock parses `{ ... }`, destroying any locals the block
// defines when it closes.
func (p *Parser) parseBraceBlock() {
	p.expect(lexer.Tk('{'))
	p.next()

	localsMark := len(p.locals)
	slotMark := p.scope().nextSlot

	p.parseBlock()

	p.expect(lexer.Tk('}'))
	p.next()

	p.locals = p.locals[:localsMark]
	p.scope().nextSlot = slotMark
}

// parseLet parses `let name = expr`. The name must be unused in the
// current function scope; the expression's value becomes a new named local
// in the next stack slot.
func (p *Parser) parseLet() {
	p.next()
	p.expect(lexer.TK_IDENT)
	name := p.lxr.Tok.IdentHash
	lexeme := p.lxr.Lexeme(p.lxr.Tok)
	if p.resolveLocal(name) >= 0 {
		p.triggerErr("variable `%s` is already defined", lexeme)
	}
	p.next()
	p.expect(lexer.Tk('='))
	p.next()

	e := p.parseExpr()
	p.exprToNextSlot(&e)
	p.addLocal(name)
}

// Augmented assignment tokens and the binary operator each one applies.
var augAssign = map[lexer.Tk]lexer.Tk{
	lexer.TK_ADD_ASSIGN: lexer.Tk('+'),
	lexer.TK_SUB_ASSIGN: lexer.Tk('-'),
	lexer.TK_MUL_ASSIGN: lexer.Tk('*'),
	lexer.TK_DIV_ASSIGN: lexer.Tk('/'),
	lexer.TK_MOD_ASSIGN: lexer.Tk('%'),
}

// parseAssignOrExpr disambiguates `name = ...` / `name op= ...` from an
// expression statement starting with an identifier, using one token of
// lookahead over saved lexer state.
func (p *Parser) parseAssignOrExpr() {
	saved := p.lxr.Save()
	name := p.lxr.Tok.IdentHash
	lexeme := p.lxr.Lexeme(p.lxr.Tok)
	p.next()

	if op, ok := augAssign[p.tok()]; ok {
		p.next()
		slot := p.resolveAssignTarget(name, lexeme)
		left := node{kind: nodeLocal, slot: slot}
		right := p.parseExpr()
		result := p.arith(op, left, right)
		p.dischargeToSlot(&result, slot)
		return
	}

	if p.tok() == lexer.Tk('=') {
		p.next()
		slot := p.resolveAssignTarget(name, lexeme)
		e := p.parseExpr()
		p.dischargeToSlot(&e, slot)
		return
	}

	// Not an assignment after all; reparse as an expression statement
	p.lxr.Restore(saved)
	p.parseExprStatement()
}

func (p *Parser) resolveAssignTarget(name uint64, lexeme string) int {
	slot := p.resolveLocal(name)
	if slot < 0 {
		p.triggerErr("undeclared variable `%s`", lexeme)
	}
	return slot
}

// parseExprStatement compiles an expression and discards its result.
func (p *Parser) parseExprStatement() {
	mark := p.scope().nextSlot
	e := p.parseExpr()
	switch e.kind {
	case nodeNum, nodePrim, nodeLocal, nodeConst, nodeNonReloc:
		// Nothing left dangling
	default:
		// A relocatable instruction or unpatched jump list still needs a
		// destination before it can be discarded
		p.exprToNextSlot(&e)
	}
	p.freeExpr(&e)
	p.scope().nextSlot = mark
}

// parseIf parses an if statement with any number of elseif branches and an
// optional else. Each branch's condition falls through into its body on
// truth; end-of-branch jumps are threaded into one list and patched to the
// end once it's known.
func (p *Parser) parseIf() {
	endJumps := noJump
	for {
		p.next() // `if` or `elseif`
		cond := p.parseExpr()
		p.toJmp(&cond)
		p.goIfTrue(&cond)

		p.parseBraceBlock()

		hasMore := p.tok() == lexer.TK_ELSEIF || p.tok() == lexer.TK_ELSE
		if hasMore {
			endJumps = p.appendList(endJumps, p.emitJmp())
		}
		p.patchToHere(cond.falseList)

		if p.tok() == lexer.TK_ELSEIF {
			continue
		}
		if p.tok() == lexer.TK_ELSE {
			p.next()
			p.parseBraceBlock()
		}
		break
	}
	p.patchToHere(endJumps)
}

// parseWhile parses a while loop. The condition falls through into the
// body on truth; the body ends with a LOOP back to the condition, and the
// condition's false jumps exit past it.
func (p *Parser) parseWhile() {
	p.next()
	start := p.here()

	cond := p.parseExpr()
	p.toJmp(&cond)
	p.goIfTrue(&cond)

	p.parseBraceBlock()
	p.emitLoop(start)
	p.patchToHere(cond.falseList)
}

// parseInfiniteLoop parses `loop { ... }`.
func (p *Parser) parseInfiniteLoop() {
	p.next()
	start := p.here()
	p.parseBraceBlock()
	p.emitLoop(start)
}

// emitLoop emits a LOOP instruction jumping back to target.
func (p *Parser) emitLoop(target int) {
	offset := target - (p.here() + 1)
	p.fn().Emit(bytecode.New1(bytecode.OP_LOOP, uint32(offset+bytecode.JmpBias)))
}

// parseFnDef parses a named function definition statement. The body is
// compiled into a fresh function; the outer scope then stores a reference
// to it in a new named local.
func (p *Parser) parseFnDef() {
	p.next()
	p.expect(lexer.TK_IDENT)
	name := p.lxr.Tok.IdentHash
	lexeme := p.lxr.Lexeme(p.lxr.Tok)
	if p.resolveLocal(name) >= 0 {
		p.triggerErr("variable `%s` is already defined", lexeme)
	}
	p.next()

	fnIdx := p.parseFnBody()

	slot := p.allocSlot()
	p.fn().Emit(bytecode.New2(bytecode.OP_SET_F, uint8(slot), uint16(fnIdx)))
	p.addLocal(name)
}

// parseFnBody compiles `(params...) { block }` into a new function on the
// VM, returning its index. Parameters become the function's first named
// locals.
func (p *Parser) parseFnBody() int {
	if len(p.vm.Fns) > 0xffff {
		p.triggerErr("too many functions")
	}
	fnIdx := p.vm.NewFn(p.pkg)
	p.scopes = append(p.scopes, fnScope{fn: fnIdx, firstLocal: len(p.locals)})
	fn := p.vm.Fns[fnIdx]

	p.expect(lexer.Tk('('))
	p.next()
	for p.tok() == lexer.TK_IDENT {
		hash := p.lxr.Tok.IdentHash
		if p.resolveLocal(hash) >= 0 {
			p.triggerErr("duplicate parameter `%s`", p.lxr.Lexeme(p.lxr.Tok))
		}
		p.addLocal(hash)
		p.scope().nextSlot++
		fn.NumArgs++
		p.next()
		if p.tok() != lexer.Tk(',') {
			break
		}
		p.next()
		p.expect(lexer.TK_IDENT)
	}
	p.expect(lexer.Tk(')'))
	p.next()

	p.parseBraceBlock()
	fn.Emit(bytecode.New3(bytecode.OP_RET, 0, 0, 0))

	first := p.scope().firstLocal
	p.scopes = p.scopes[:len(p.scopes)-1]
	p.locals = p.locals[:first]
	return fnIdx
}

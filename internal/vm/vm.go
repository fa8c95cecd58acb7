package vm

import (
	"fmt"
	"io"

	"github.com/tliron/commonlog"

	"argon/internal/bytecode"
	"argon/internal/errors"
	"argon/internal/jit"
	"argon/internal/value"
)

var log = commonlog.GetLogger("argon.vm")

// Limits.
const (
	// Stack slot references in instructions are 8 bits, so a function scope
	// is limited to this many locals (named plus temporary).
	MaxLocalsInFn = 255

	// Constant indices have to fit the 16 bit D field of a SET_N.
	MaxConsts = 0xffff

	// Size of the runtime value stack.
	stackSize = 1024
)

// AnonymousPkg is the name given to packages that don't have one and can't
// be imported.
const AnonymousPkg = ^uint64(0)

// Package is a named collection of function definitions.
//
// Strings extracted from source code (variable and package names) are not
// stored; only their 64 bit FNV hashes are. The hash is strong enough that
// collisions only occur if someone deliberately names their variables after
// known collisions, and treating a collision as equality is acceptable for
// the domain.
type Package struct {
	Name uint64

	// Each package has a "main" function holding the bytecode for any top
	// level code outside of an explicit function definition.
	MainFn int

	// Named top level locals and the next free slot, persisted between
	// parses of the same package so a REPL can keep referring to variables
	// defined by earlier inputs.
	Locals   []uint64
	NextSlot int
}

// Function is a parsed list of bytecode instructions. The bytecode is only
// mutated while the function is being parsed; afterwards it is read-only
// for the interpreter and the trace recorder.
type Function struct {
	// The index of the package this function belongs to.
	Pkg int

	// The number of arguments to the function (varargs aren't supported).
	NumArgs int

	Ins []bytecode.Instruction
}

// Emit appends a bytecode instruction, returning its index.
func (f *Function) Emit(ins bytecode.Instruction) int {
	f.Ins = append(f.Ins, ins)
	return len(f.Ins) - 1
}

// Dump pretty prints the function's bytecode.
func (f *Function) Dump(w io.Writer) {
	fmt.Fprintf(w, "---- Function ----\n")
	for i, ins := range f.Ins {
		op := ins.Op()
		fmt.Fprintf(w, "  %04d  %s  ", i, op)
		if op == bytecode.OP_JMP || op == bytecode.OP_LOOP {
			// Print the jump offset and target instruction
			offset := int(ins.J()) - bytecode.JmpBias + 1
			fmt.Fprintf(w, "%d  => %04d\n", offset, i+offset)
		} else {
			fmt.Fprintf(w, "%d  %d  %d\n", ins.A(), ins.B(), ins.C())
		}
	}
}

// traceKey identifies a loop header: the function it belongs to and the
// bytecode index of its first instruction.
type traceKey struct {
	fn int
	pc int
}

// VM holds everything: there is no global state, so multiple VMs function
// completely independently.
type VM struct {
	// All loaded packages, so a package is only ever loaded once.
	Pkgs []Package

	// A single global list of functions, rather than a per-package list, so
	// a bytecode instruction can name a function with one 16 bit index.
	Fns []*Function

	// Global list of constants, referenced by index. Append-only and
	// deduplicated on insertion.
	Consts []value.Value

	// The runtime stack. Persisted across runs so the REPL can hold state.
	Stack []value.Value

	// The most recent error, set just before the parse or run guard
	// unwinds.
	Err *errors.Error

	// Compiled traces by loop header, and whether the interpreter is
	// allowed to dispatch into them.
	traces    map[traceKey]*jit.CompiledTrace
	runTraces bool
}

// New creates a new virtual machine instance.
func New() *VM {
	return &VM{
		Pkgs:   make([]Package, 0, 4),
		Fns:    make([]*Function, 0, 16),
		Consts: make([]value.Value, 0, 16),
		Stack:  make([]value.Value, stackSize),
		traces: make(map[traceKey]*jit.CompiledTrace),
	}
}

// Free releases all resources held by the VM. Only the JIT's executable
// mappings need explicit release; everything else is garbage collected.
func (vm *VM) Free() {
	for key, ct := range vm.traces {
		ct.Release()
		delete(vm.traces, key)
	}
}

// EnableTraceExecution lets the interpreter dispatch into compiled traces.
// Off by default; without it traces are still recorded and compiled, but
// execution stays in the interpreter.
func (vm *VM) EnableTraceExecution() {
	vm.runTraces = true
}

// NewPkg creates a new package and returns its index. The package's main
// function is created alongside it.
func (vm *VM) NewPkg(name uint64) int {
	vm.Pkgs = append(vm.Pkgs, Package{Name: name})
	idx := len(vm.Pkgs) - 1
	vm.Pkgs[idx].MainFn = vm.NewFn(idx)
	return idx
}

// FindPkg returns the index of the package with the given name, or -1.
func (vm *VM) FindPkg(name uint64) int {
	for i := range vm.Pkgs {
		if vm.Pkgs[i].Name == name {
			return i
		}
	}
	return -1
}

// NewFn creates a new, empty function on the VM and returns its index.
func (vm *VM) NewFn(pkg int) int {
	vm.Fns = append(vm.Fns, &Function{Pkg: pkg})
	return len(vm.Fns) - 1
}

// AddNum adds a constant number to the VM's constants list, returning its
// index. Constants are deduplicated by their bit pattern: if an equal
// constant already exists its index is returned instead. Returns -1 when
// the constants list is full.
func (vm *VM) AddNum(num float64) int {
	converted := value.FromNum(num)
	for i, c := range vm.Consts {
		if c == converted {
			return i
		}
	}
	if len(vm.Consts) > MaxConsts {
		return -1
	}
	vm.Consts = append(vm.Consts, converted)
	return len(vm.Consts) - 1
}

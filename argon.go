// Package argon is the embedding surface of the Argon virtual machine.
//
// Argon has no global state; everything lives inside a VM instance, and
// multiple VMs function completely independently:
//
//	vm := argon.NewVM()
//	defer vm.Free()
//	pkg := vm.NewPackage("scratch")
//	vm.RunString(pkg, "let a = 3")
//	vm.RunString(pkg, "a = 4") // `a` is still visible
package argon

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"argon/internal/bytecode"
	"argon/internal/errors"
	"argon/internal/lexer"
	"argon/internal/parser"
	"argon/internal/vm"
)

// Version of this Argon distribution.
const Version = "0.1.0"

// Pkg identifies a package on a VM. Code always runs inside a package.
type Pkg = int

// VM is a virtual machine instance.
type VM struct {
	inner *vm.VM
}

// NewVM creates a new virtual machine instance.
func NewVM() *VM {
	return &VM{inner: vm.New()}
}

// Free releases the resources held by the VM, including any machine code
// the JIT has mapped.
func (v *VM) Free() {
	v.inner.Free()
}

// EnableTraceExecution lets the interpreter run JIT-compiled loop traces
// natively. Without it traces are still recorded and compiled, but
// execution stays in the interpreter.
func (v *VM) EnableTraceExecution() {
	v.inner.EnableTraceExecution()
}

// NewPackage creates a package with the given name and returns its handle.
// An empty name creates an anonymous package that can't be looked up again.
// Creating a named package that already exists returns the existing one.
func (v *VM) NewPackage(name string) Pkg {
	if name == "" {
		return v.inner.NewPkg(vm.AnonymousPkg)
	}
	hash := lexer.HashString(name)
	if existing := v.inner.FindPkg(hash); existing >= 0 {
		return existing
	}
	return v.inner.NewPkg(hash)
}

// Parse compiles source code into a package without running it. The path
// is only used to annotate errors and may be empty.
func (v *VM) Parse(pkg Pkg, path, source string) error {
	if err := parser.Parse(v.inner, pkg, path, source); err != nil {
		return err
	}
	return nil
}

// RunString executes source code within a package's main function. The
// code can see variables and functions created by earlier runs on the same
// package, which is what makes the REPL work.
func (v *VM) RunString(pkg Pkg, source string) error {
	return v.run(pkg, "", source)
}

// RunFile executes a file. A new package named after the file is created
// for it.
func (v *VM) RunFile(path string) error {
	name, ok := pkgNameFromPath(path)
	if !ok {
		err := errors.New(errors.ParseError,
			"invalid package name from file path `%s`", path)
		err.SetFile(path)
		return err
	}

	data, rerr := os.ReadFile(path)
	if rerr != nil {
		err := errors.New(errors.RuntimeError, "failed to open file `%s`", path)
		err.SetFile(path)
		return err
	}

	pkg := v.inner.NewPkg(lexer.HashString(name))
	return v.run(pkg, path, string(data))
}

func (v *VM) run(pkg Pkg, path, source string) error {
	mainFn := v.inner.Pkgs[pkg].MainFn
	fn := v.inner.Fns[mainFn]

	// Re-open the main function: a previous run closed it with a RET, which
	// the new code replaces
	start := len(fn.Ins)
	if start > 0 && fn.Ins[start-1].Op() == bytecode.OP_RET {
		fn.Ins = fn.Ins[:start-1]
		start--
	}

	if err := parser.Parse(v.inner, pkg, path, source); err != nil {
		return err
	}
	if err := v.inner.Run(mainFn, start); err != nil {
		err.SetFile(path)
		return err
	}
	return nil
}

// Disassemble parses a file and writes the bytecode of every function it
// compiled to w, without running anything.
func (v *VM) Disassemble(path string, w io.Writer) error {
	name, ok := pkgNameFromPath(path)
	if !ok {
		err := errors.New(errors.ParseError,
			"invalid package name from file path `%s`", path)
		err.SetFile(path)
		return err
	}
	data, rerr := os.ReadFile(path)
	if rerr != nil {
		err := errors.New(errors.RuntimeError, "failed to open file `%s`", path)
		err.SetFile(path)
		return err
	}

	pkg := v.inner.NewPkg(lexer.HashString(name))
	firstFn := len(v.inner.Fns) - 1 // the package's fresh main function
	if err := parser.Parse(v.inner, pkg, path, string(data)); err != nil {
		return err
	}
	for _, fn := range v.inner.Fns[firstFn:] {
		fn.Dump(w)
	}
	return nil
}

// PrintError pretty prints an error returned by Parse, RunString or
// RunFile, with ANSI color when useColor is set.
func PrintError(err error, useColor bool) {
	if e, ok := err.(*errors.Error); ok {
		errors.Fprint(os.Stdout, e, useColor)
		return
	}
	if err != nil {
		os.Stdout.WriteString("error: " + err.Error() + "\n")
	}
}

// pkgNameFromPath extracts a package name from a file path: the file stem,
// which has to be a valid identifier.
func pkgNameFromPath(path string) (string, bool) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	if stem == "" {
		return "", false
	}
	for i := 0; i < len(stem); i++ {
		ch := stem[i]
		alpha := ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch == '_'
		digit := ch >= '0' && ch <= '9'
		if !alpha && !(digit && i > 0) {
			return "", false
		}
	}
	return stem, true
}

// cmd/argon/main.go
package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/tliron/commonlog"

	"argon"
	"argon/internal/repl"

	_ "github.com/tliron/commonlog/simple"
)

// supportsColor reports whether the terminal can render ANSI color codes.
// Color is based only on whether standard output is a terminal.
func supportsColor() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) ||
		isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func printVersion() {
	fmt.Printf("The Argon Programming Language\nVersion %s\n", argon.Version)
}

func printHelp() {
	printVersion()
	fmt.Print(`
Usage:
  argon [options] [file]

Options:
  --version, -v   Show Argon's version number
  --help, -h      Show this help text
  --jit           Execute hot loops as native machine code
  --dump          Compile the file and print its bytecode instead of running
  --verbose, -V   Log VM and JIT diagnostics
A REPL is run if no file path is specified.
`)
}

func dumpFile(path string) int {
	vm := argon.NewVM()
	defer vm.Free()
	if err := vm.Disassemble(path, os.Stdout); err != nil {
		argon.PrintError(err, supportsColor())
		return 1
	}
	return 0
}

func runFile(path string, jit bool) int {
	vm := argon.NewVM()
	defer vm.Free()
	if jit {
		vm.EnableTraceExecution()
	}

	if err := vm.RunFile(path); err != nil {
		argon.PrintError(err, supportsColor())
		return 1
	}
	return 0
}

func main() {
	var path string
	jit := false
	dump := false
	verbosity := 0

	for _, arg := range os.Args[1:] {
		switch arg {
		case "--help", "-h":
			printHelp()
			return
		case "--version", "-v":
			printVersion()
			return
		case "--jit":
			jit = true
		case "--dump":
			dump = true
		case "--verbose", "-V":
			verbosity = 2
		default:
			if path == "" {
				path = arg
			}
		}
	}

	commonlog.Configure(verbosity, nil)

	if path != "" {
		if dump {
			os.Exit(dumpFile(path))
		}
		os.Exit(runFile(path, jit))
	}

	if err := repl.Start(supportsColor()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

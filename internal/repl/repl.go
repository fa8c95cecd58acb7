// internal/repl/repl.go
package repl

import (
	"fmt"
	"io"

	"github.com/chzyer/readline"

	"argon"
)

// Start runs the read-eval-print loop on standard input. Every line is
// executed in the same package, so variables and functions persist between
// inputs. Returns when the input ends or the user types exit.
func Start(useColor bool) error {
	fmt.Printf("Argon %s | type `exit` or press ctrl-D to quit\n", argon.Version)

	rl, err := readline.New("argon> ")
	if err != nil {
		return err
	}
	defer rl.Close()

	vm := argon.NewVM()
	defer vm.Free()
	pkg := vm.NewPackage("repl")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if line == "exit" {
			break
		}
		if line == "" {
			continue
		}

		if rerr := vm.RunString(pkg, line); rerr != nil {
			argon.PrintError(rerr, useColor)
		}
	}
	return nil
}

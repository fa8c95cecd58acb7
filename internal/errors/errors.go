// internal/errors/errors.go
package errors

import (
	"fmt"
	"io"
)

// Kind classifies an error by the stage that produced it.
type Kind string

const (
	LexError     Kind = "LexError"
	ParseError   Kind = "ParseError"
	RuntimeError Kind = "RuntimeError"
)

// Error carries everything there is to know about a failure: a description,
// and optionally the file and line it came from. There is no stack trace.
type Error struct {
	Kind Kind
	Desc string
	File string // empty if the error has no associated file
	Line int    // -1 if the error has no associated line
}

// New creates a new error from a format string. The error starts out with no
// file or line attached.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind: kind,
		Desc: fmt.Sprintf(format, args...),
		Line: -1,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.File != "" && e.Line >= 0 {
		return fmt.Sprintf("%s: %s (%s:%d)", e.Kind, e.Desc, e.File, e.Line)
	}
	if e.Line >= 0 {
		return fmt.Sprintf("%s: %s (line %d)", e.Kind, e.Desc, e.Line)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Desc)
}

// SetFile attaches a file path to the error. Attaching an empty path is a
// no-op, so callers don't need to check whether the source came from a file.
func (e *Error) SetFile(path string) {
	if path == "" {
		return
	}
	e.File = path
}

// ANSI terminal escape codes used when pretty printing errors.
const (
	textReset = "\033[0m"
	textBold  = "\033[1m"
	textRed   = "\033[31m"
)

// Fprint pretty prints the error to the given writer. If useColor is true,
// terminal color codes are printed alongside the error information.
func Fprint(w io.Writer, e *Error, useColor bool) {
	if e == nil {
		return
	}
	if useColor {
		fmt.Fprintf(w, "%s%serror:%s %s\n", textBold, textRed, textReset, e.Desc)
	} else {
		fmt.Fprintf(w, "error: %s\n", e.Desc)
	}
	if e.File != "" || e.Line >= 0 {
		if e.File != "" && e.Line >= 0 {
			fmt.Fprintf(w, "  in %s on line %d\n", e.File, e.Line)
		} else if e.File != "" {
			fmt.Fprintf(w, "  in %s\n", e.File)
		} else {
			fmt.Fprintf(w, "  on line %d\n", e.Line)
		}
	}
}

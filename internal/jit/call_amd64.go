//go:build amd64

package jit

import "unsafe"

// callChunk invokes mapped trace code, passing the stack base in rdx and
// the constants base in rsi. Returns the guard index left in rax by the
// side exit. Implemented in call_amd64.s.
func callChunk(code, stack, consts unsafe.Pointer) uint64

//go:build !amd64

package jit

import "unsafe"

// callChunk is unreachable on non-amd64 hosts: Map refuses to map trace
// code for a foreign architecture, and Run requires a mapping.
func callChunk(code, stack, consts unsafe.Pointer) uint64 {
	panic("trace execution is not supported on this architecture")
}

//go:build amd64 && (linux || darwin)

package jit

import (
	"testing"
	"unsafe"

	"argon/internal/bytecode"
	"argon/internal/value"
)

// Hand-assembled chunk: double the first stack slot and return 7. Checks
// the mmap path and the call trampoline independently of the assembler.
func TestCallChunkSmoke(t *testing.T) {
	code := []byte{
		0xf2, 0x0f, 0x10, 0x02, // movsd xmm0, [rdx]
		0xf2, 0x0f, 0x58, 0xc0, // addsd xmm0, xmm0
		0xf2, 0x0f, 0x11, 0x02, // movsd [rdx], xmm0
		0xb8, 0x07, 0x00, 0x00, 0x00, // mov eax, 7
		0xc3, // ret
	}
	mem, err := mapExecutable(code)
	if err != nil {
		t.Skipf("cannot map executable memory: %v", err)
	}
	defer unmapExecutable(mem)

	stack := []value.Value{value.FromNum(21)}
	ret := callChunk(unsafe.Pointer(&mem[0]), unsafe.Pointer(&stack[0]), nil)
	if ret != 7 {
		t.Errorf("returned %d, want 7", ret)
	}
	if got := value.ToNum(stack[0]); got != 42 {
		t.Errorf("stack[0] = %g, want 42", got)
	}
}

// End to end: record `a = a + 1` guarded by `a < 100`, compile it, and run
// the native loop. The guard exits once the sum reaches 100; the spilled
// state is that of the last completed iteration (99), and the return value
// is the failing guard's index.
func TestRunCompiledLoop(t *testing.T) {
	tr := NewTrace()
	tr.RecArith(bytecode.New3(bytecode.OP_ADD_LN, 0, 0, 0))
	tr.RecGuardLN(IR_GUARD_LT, bytecode.New3(bytecode.OP_GE_LN, 0, 1, 0))
	tr.Finish()

	ct, err := Compile(tr)
	if err != nil {
		t.Fatalf("compile failed: %s", err.Desc)
	}
	if merr := ct.Map(); merr != nil {
		t.Skipf("cannot map executable memory: %s", merr.Desc)
	}
	defer ct.Release()

	stack := []value.Value{value.FromNum(0)}
	consts := []value.Value{value.FromNum(1), value.FromNum(100)}
	guard := ct.Run(unsafe.Pointer(&stack[0]), unsafe.Pointer(&consts[0]))

	if guard != 0 {
		t.Errorf("exited at guard %d, want 0", guard)
	}
	if got := value.ToNum(stack[0]); got != 99 {
		t.Errorf("stack[0] = %g, want 99 (last completed iteration)", got)
	}
}

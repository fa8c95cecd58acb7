package vm

import (
	"strings"
	"testing"

	"argon/internal/bytecode"
)

func TestFunctionDump(t *testing.T) {
	fn := &Function{}
	fn.Emit(bytecode.New2(bytecode.OP_SET_N, 0, 0))
	fn.Emit(bytecode.New3(bytecode.OP_GE_LN, 0, 1, 0))
	fn.Emit(bytecode.New1(bytecode.OP_JMP, uint32(2+bytecode.JmpBias)))
	fn.Emit(bytecode.New3(bytecode.OP_ADD_LN, 0, 0, 2))
	fn.Emit(bytecode.New1(bytecode.OP_LOOP, uint32(-4+bytecode.JmpBias)))
	fn.Emit(bytecode.New3(bytecode.OP_RET, 0, 0, 0))

	var sb strings.Builder
	fn.Dump(&sb)
	out := sb.String()

	for _, want := range []string{"SETN", "GELN", "ADDLN", "RET",
		"JMP", "=> 0005", "LOOP", "=> 0001"} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}
}

package bytecode

import "testing"

// Every instruction argument accessor has to return exactly the bits the
// constructor or setter wrote.
func TestThreeArgRoundTrip(t *testing.T) {
	ins := New3(OP_ADD_LL, 1, 2, 3)
	if ins.Op() != OP_ADD_LL {
		t.Errorf("op = %v, want ADDLL", ins.Op())
	}
	if ins.A() != 1 || ins.B() != 2 || ins.C() != 3 {
		t.Errorf("args = %d %d %d, want 1 2 3", ins.A(), ins.B(), ins.C())
	}

	ins = New3(OP_RET, 0xff, 0xff, 0xff)
	if ins.A() != 0xff || ins.B() != 0xff || ins.C() != 0xff {
		t.Errorf("args = %d %d %d, want 255 255 255", ins.A(), ins.B(), ins.C())
	}
}

func TestTwoArgRoundTrip(t *testing.T) {
	ins := New2(OP_SET_N, 7, 0x1234)
	if ins.Op() != OP_SET_N || ins.A() != 7 || ins.D() != 0x1234 {
		t.Errorf("got op=%v a=%d d=%#x", ins.Op(), ins.A(), ins.D())
	}

	// The combined 16 bit accessor reads B as its low byte
	if ins.B() != 0x34 || ins.C() != 0x12 {
		t.Errorf("b=%#x c=%#x, want 0x34 0x12", ins.B(), ins.C())
	}
}

func TestOneArgRoundTrip(t *testing.T) {
	ins := New1(OP_JMP, 0xabcdef)
	if ins.Op() != OP_JMP || ins.J() != 0xabcdef {
		t.Errorf("got op=%v j=%#x", ins.Op(), ins.J())
	}
}

func TestSetters(t *testing.T) {
	ins := New3(OP_MOV, 1, 2, 3)
	ins.SetOp(OP_NEG)
	if ins.Op() != OP_NEG || ins.A() != 1 || ins.B() != 2 || ins.C() != 3 {
		t.Errorf("SetOp disturbed arguments: %v %d %d %d", ins.Op(), ins.A(),
			ins.B(), ins.C())
	}

	ins.SetA(0x7f)
	if ins.A() != 0x7f || ins.Op() != OP_NEG || ins.B() != 2 {
		t.Errorf("SetA disturbed neighbours: %v %d %d", ins.Op(), ins.A(), ins.B())
	}

	jmp := New1(OP_JMP, JmpBias-1)
	jmp.SetJ(JmpBias + 100)
	if jmp.J() != JmpBias+100 || jmp.Op() != OP_JMP {
		t.Errorf("SetJ round trip failed: %#x", jmp.J())
	}
}

// The biased offset encoding has to survive the full signed range used by
// backwards loops and forward jumps.
func TestBiasedOffsets(t *testing.T) {
	for _, offset := range []int{-4, -1, 0, 1, 1000, -1000} {
		ins := New1(OP_LOOP, uint32(offset+JmpBias))
		if got := int(ins.J()) - JmpBias; got != offset {
			t.Errorf("offset %d round-tripped to %d", offset, got)
		}
	}
}

func TestOpcodeNames(t *testing.T) {
	if OP_MOV.String() != "MOV" || OP_GE_LN.String() != "GELN" ||
		OP_RET.String() != "RET" {
		t.Errorf("unexpected opcode names: %s %s %s", OP_MOV, OP_GE_LN, OP_RET)
	}
}

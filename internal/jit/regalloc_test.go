package jit

import "testing"

// checkNoOverlap asserts that no two instructions whose live ranges
// overlap share a register. An instruction's live range runs from
// its index to its last use; a register freed at index i may be reassigned
// at i.
func checkNoOverlap(t *testing.T, ir []Ins) {
	t.Helper()
	ranges := LiveRanges(ir)
	for i := 1; i < len(ir); i++ {
		for j := i + 1; j < len(ir); j++ {
			if ir[i].Reg() != ir[j].Reg() {
				continue
			}
			// j starts while i is still live
			if Ref(j) < ranges[i] {
				t.Errorf("ins %d and %d share xmm%d but ranges overlap "+
					"(%d live until %d)", i, j, ir[i].Reg(), i, ranges[i])
			}
		}
	}
}

func TestAllocateSimpleChain(t *testing.T) {
	ir := []Ins{0,
		New1(IR_LOAD_STACK, 0),
		New1(IR_LOAD_CONST, 0),
		New2(IR_ADD, 1, 2),
		New2(IR_PHI, 1, 3),
	}
	if err := Allocate(ir); err != nil {
		t.Fatalf("allocation failed: %s", err.Desc)
	}
	checkNoOverlap(t, ir)

	// The load is used by the PHI, so it keeps its register across the ADD
	if ir[1].Reg() == ir[3].Reg() {
		t.Errorf("load and add share xmm%d while both live", ir[1].Reg())
	}
}

func TestAllocateReusesDeadRegisters(t *testing.T) {
	// Two independent chains: the second can reuse the first's registers
	ir := []Ins{0,
		New1(IR_LOAD_STACK, 0),
		New1(IR_LOAD_CONST, 0),
		New2(IR_ADD, 1, 2),
		New1(IR_LOAD_STACK, 1),
		New1(IR_LOAD_CONST, 1),
		New2(IR_ADD, 4, 5),
	}
	if err := Allocate(ir); err != nil {
		t.Fatalf("allocation failed: %s", err.Desc)
	}
	checkNoOverlap(t, ir)

	if ir[4].Reg() >= NumRegs || ir[6].Reg() >= NumRegs {
		t.Error("registers out of range")
	}
}

func TestAllocateLongLiveRanges(t *testing.T) {
	// Eight loads all live until the chain of adds at the end
	ir := []Ins{0}
	for i := 0; i < 8; i++ {
		ir = append(ir, New1(IR_LOAD_STACK, uint32(i)))
	}
	acc := Ref(1)
	for i := 2; i <= 8; i++ {
		ir = append(ir, New2(IR_ADD, acc, Ref(i)))
		acc = Ref(len(ir) - 1)
	}
	if err := Allocate(ir); err != nil {
		t.Fatalf("allocation failed: %s", err.Desc)
	}
	checkNoOverlap(t, ir)
}

// More than NumRegs overlapping live ranges can't be allocated; spilling is
// not implemented, so allocation reports failure and the trace is dropped.
func TestAllocateSpillFailure(t *testing.T) {
	ir := []Ins{0}
	n := NumRegs + 1
	for i := 0; i < n; i++ {
		ir = append(ir, New1(IR_LOAD_STACK, uint32(i)))
	}
	// Reference every load at the end so they're all simultaneously live
	for i := 1; i <= n; i++ {
		ir = append(ir, New2(IR_PHI, Ref(i), Ref(i)))
	}
	if err := Allocate(ir); err == nil {
		t.Fatal("expected allocation to fail")
	}
}

func TestLiveRangesReverseScan(t *testing.T) {
	ir := []Ins{0,
		New1(IR_LOAD_STACK, 0), // used at 3 and 4: live until 4
		New1(IR_LOAD_CONST, 0), // used at 3
		New2(IR_ADD, 1, 2),
		New2(IR_PHI, 1, 3),
	}
	ranges := LiveRanges(ir)
	if ranges[1] != 4 {
		t.Errorf("load live until %d, want 4", ranges[1])
	}
	if ranges[2] != 3 {
		t.Errorf("const load live until %d, want 3", ranges[2])
	}
	if ranges[3] != 4 {
		t.Errorf("add live until %d, want 4", ranges[3])
	}
	if ranges[4] != None {
		t.Errorf("phi result live until %d, want none", ranges[4])
	}
}

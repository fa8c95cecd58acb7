package jit

import "argon/internal/errors"

// NumRegs is the number of floating point registers the allocator may hand
// out. Both supported configurations (SSE2 and AVX on x86-64) have 16.
const NumRegs = 16

// hasRefs reports whether an instruction's arguments are IR references.
// Loads carry immediate payloads; everything else references other
// instructions.
func hasRefs(ins Ins) bool {
	return ins.Op().Prefix() != PrefixLoad
}

// liveRanges calculates the live range of each instruction's result: the
// index of the last instruction to use it. Iterating in reverse order means
// the first use seen for a reference is its last use (a property of SSA
// form), so a range is only recorded if one hasn't been already.
func liveRanges(ir []Ins) []Ref {
	ranges := make([]Ref, len(ir))
	for i := len(ir) - 1; i >= 1; i-- {
		ins := ir[i]
		if !hasRefs(ins) {
			continue
		}
		if arg := ins.Arg1(); arg != None && ranges[arg] == None {
			ranges[arg] = Ref(i)
		}
		if arg := ins.Arg2(); arg != None && ranges[arg] == None {
			ranges[arg] = Ref(i)
		}
	}
	return ranges
}

// Allocate assigns a register to the result of every instruction in the IR
// by linear scan over live ranges. Spilling is not implemented: if more than
// NumRegs live ranges ever overlap, allocation fails and the caller discards
// the trace.
//
// Loads execute once, ahead of the loop, but their registers are read again
// on every pass round the back edge (loop invariants, and the PHI entry
// registers the back edge refreshes). Their live ranges therefore extend to
// the end of the trace regardless of their last use in the linear IR.
func Allocate(ir []Ins) *errors.Error {
	ranges := liveRanges(ir)
	for i := 1; i < len(ir); i++ {
		if ir[i].Op().Prefix() == PrefixLoad {
			ranges[i] = Ref(len(ir) - 1)
		}
	}

	// Keep track of when each register is no longer in use
	var regEnd [NumRegs]Ref

	for i := 1; i < len(ir); i++ {
		// Free any registers whose live range ends at this instruction
		for reg := 0; reg < NumRegs; reg++ {
			if regEnd[reg] == Ref(i) {
				regEnd[reg] = None
			}
		}

		// Assign the lowest-indexed free register to this result
		found := false
		for reg := 0; reg < NumRegs; reg++ {
			if regEnd[reg] == None {
				ir[i].SetReg(uint16(reg))
				regEnd[reg] = ranges[i]
				found = true
				break
			}
		}

		if !found {
			return errors.New(errors.RuntimeError,
				"trace needs more than %d registers (spilling is not implemented)",
				NumRegs)
		}
	}
	return nil
}

// LiveRanges exposes the computed live range of each instruction for
// inspection.
func LiveRanges(ir []Ins) []Ref {
	return liveRanges(ir)
}

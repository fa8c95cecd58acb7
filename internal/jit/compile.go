package jit

import (
	"runtime"
	"unsafe"

	"github.com/tliron/commonlog"

	"argon/internal/errors"
)

var log = commonlog.GetLogger("argon.jit")

// CompiledTrace is the result of taking a finished recording through
// register allocation and machine code emission.
type CompiledTrace struct {
	// The final IR: loads hoisted to the front, references renumbered,
	// registers assigned.
	IR []Ins

	// Byte offset of the loop entry label within the chunk.
	LoopStart int

	// The encoded machine code.
	Chunk *Chunk

	// The slots a side exit writes back, with refs into IR.
	Spills []ModifiedSlot

	// Executable mapping of the chunk, nil until Map succeeds.
	exec []byte
}

// reorder moves every load instruction to the front of the IR, preserving
// relative order, and renumbers all references accordingly. The loads are
// cached (each appears exactly once), so hoisting them lets the loop's back
// edge re-enter after them without re-reading memory the trace never wrote
// back.
func reorder(ir []Ins) ([]Ins, []Ref) {
	out := make([]Ins, 1, len(ir))
	remap := make([]Ref, len(ir))
	for _, wantLoad := range []bool{true, false} {
		for i := 1; i < len(ir); i++ {
			if (ir[i].Op().Prefix() == PrefixLoad) != wantLoad {
				continue
			}
			out = append(out, ir[i])
			remap[i] = Ref(len(out) - 1)
		}
	}
	for i := 1; i < len(out); i++ {
		if !hasRefs(out[i]) {
			continue
		}
		if arg := out[i].Arg1(); arg != None {
			out[i].SetArg1(remap[arg])
		}
		if arg := out[i].Arg2(); arg != None {
			out[i].SetArg2(remap[arg])
		}
	}
	return out, remap
}

// Compile takes a finished trace through reordering, register allocation
// and machine code emission.
func Compile(t *Trace) (*CompiledTrace, *errors.Error) {
	if t.Aborted() {
		return nil, errors.New(errors.RuntimeError, "trace was aborted: %s",
			t.AbortReason())
	}

	ir, remap := reorder(t.Ins())

	spills := t.ModifiedSlots()
	for i := range spills {
		spills[i].Ref = remap[spills[i].Ref]
	}

	if err := Allocate(ir); err != nil {
		return nil, err
	}

	chunk, loopStart, err := assembleX64(ir, spills)
	if err != nil {
		return nil, err
	}

	log.Debugf("compiled trace: %d IR instructions, %d bytes of machine code",
		len(ir)-1, chunk.Len())

	return &CompiledTrace{
		IR:        ir,
		LoopStart: loopStart,
		Chunk:     chunk,
		Spills:    spills,
	}, nil
}

// Map copies the chunk into executable memory. Running mapped code is only
// possible when the host architecture matches the assembler's target.
func (ct *CompiledTrace) Map() *errors.Error {
	if runtime.GOARCH != "amd64" {
		return errors.New(errors.RuntimeError,
			"trace code targets x86-64, host is %s", runtime.GOARCH)
	}
	mem, err := mapExecutable(ct.Chunk.Bytes())
	if err != nil {
		return errors.New(errors.RuntimeError,
			"failed to map executable memory: %v", err)
	}
	ct.exec = mem
	log.Debugf("mapped %d byte trace", len(mem))
	return nil
}

// Mapped reports whether the trace has been mapped into executable memory.
func (ct *CompiledTrace) Mapped() bool {
	return ct.exec != nil
}

// Run invokes the mapped trace code. stack is the base of the executing
// frame, consts the base of the VM's constants array. The return value is
// the index of the guard whose side exit ended the loop; on return, every
// loop-modified slot holds the value it had after the last completed
// iteration.
func (ct *CompiledTrace) Run(stack, consts unsafe.Pointer) uint64 {
	return callChunk(unsafe.Pointer(&ct.exec[0]), stack, consts)
}

// Release unmaps the trace's executable memory.
func (ct *CompiledTrace) Release() {
	if ct.exec != nil {
		unmapExecutable(ct.exec)
		ct.exec = nil
	}
}

package vm_test

import (
	"fmt"
	"math"
	"testing"

	"argon/internal/errors"
	"argon/internal/lexer"
	"argon/internal/parser"
	"argon/internal/value"
	"argon/internal/vm"
)

// run parses and executes a program in a fresh VM, failing the test on any
// parse error. Returns the VM (for stack inspection) and any runtime error.
func run(t *testing.T, code string) (*vm.VM, *errors.Error) {
	t.Helper()
	v := vm.New()
	pkg := v.NewPkg(lexer.HashString("test"))
	if err := parser.Parse(v, pkg, "", code); err != nil {
		t.Fatalf("parse failed: %s (line %d)", err.Desc, err.Line)
	}
	return v, v.Run(v.Pkgs[pkg].MainFn, 0)
}

// runOK is run for programs that must succeed.
func runOK(t *testing.T, code string) *vm.VM {
	t.Helper()
	v, err := run(t, code)
	if err != nil {
		t.Fatalf("runtime error: %s", err.Desc)
	}
	return v
}

func slotNum(t *testing.T, v *vm.VM, slot int) float64 {
	t.Helper()
	val := v.Stack[slot]
	if !value.IsNum(val) {
		t.Fatalf("slot %d is not a number: %#x", slot, uint64(val))
	}
	return value.ToNum(val)
}

func TestArithmetic(t *testing.T) {
	cases := []struct {
		expr string
		want float64
	}{
		{"1 + 2", 3},
		{"10 - 4", 6},
		{"6 * 7", 42},
		{"10 / 4", 2.5},
		{"7 % 3", 1},
		{"a + 1", 4},
		{"a * a", 9},
		{"1 - a", -2},
		{"-a", -3},
		{"a + a * a", 12},
		{"(a + a) * a", 18},
	}
	for _, c := range cases {
		v := runOK(t, fmt.Sprintf("let a = 3\nlet r = %s", c.expr))
		if got := slotNum(t, v, 1); got != c.want {
			t.Errorf("%s = %g, want %g", c.expr, got, c.want)
		}
	}
}

func TestDivisionByZero(t *testing.T) {
	v := runOK(t, "let a = 1\nlet r = a / 0")
	if got := slotNum(t, v, 1); !math.IsInf(got, 1) {
		t.Errorf("1/0 = %g, want +Inf", got)
	}
}

// The compiled bytecode for any Boolean expression over true/false bound
// identifiers yields the same primitive as left-to-right short-circuit
// evaluation.
func TestShortCircuitTruthTables(t *testing.T) {
	bools := []bool{false, true}
	lit := func(b bool) string {
		if b {
			return "true"
		}
		return "false"
	}
	prim := func(b bool) value.Value {
		if b {
			return value.True
		}
		return value.False
	}

	for _, a := range bools {
		for _, b := range bools {
			for _, c := range bools {
				code := fmt.Sprintf(
					"let a = %s\nlet b = %s\nlet c = %s\n"+
						"let r1 = a && b\n"+
						"let r2 = a || b\n"+
						"let r3 = !a\n"+
						"let r4 = a && b || c\n"+
						"let r5 = a && (b || c)\n"+
						"let r6 = !a && b || !b && c\n",
					lit(a), lit(b), lit(c))
				v := runOK(t, code)

				want := []value.Value{
					prim(a && b),
					prim(a || b),
					prim(!a),
					prim(a && b || c),
					prim(a && (b || c)),
					prim(!a && b || !b && c),
				}
				for i, w := range want {
					if got := v.Stack[3+i]; got != w {
						t.Errorf("a=%v b=%v c=%v: r%d = %#x, want %#x",
							a, b, c, i+1, uint64(got), uint64(w))
					}
				}
			}
		}
	}
}

func TestComparisons(t *testing.T) {
	cases := []struct {
		expr string
		want bool
	}{
		{"a < b", true},
		{"a > b", false},
		{"a <= 3", true},
		{"a >= 4", false},
		{"a == 3", true},
		{"a != 3", false},
		{"b == 4", true},
		{"3 < b", true},
		{"5 <= a", false},
		{"a == nil", false},
		{"a != nil", true},
	}
	for _, c := range cases {
		v := runOK(t, fmt.Sprintf("let a = 3\nlet b = 4\nlet r = %s", c.expr))
		want := value.False
		if c.want {
			want = value.True
		}
		if got := v.Stack[2]; got != want {
			t.Errorf("%s = %#x, want %v", c.expr, uint64(got), c.want)
		}
	}
}

// The canonical counting loop: runs 100 iterations, crossing the hot loop
// threshold, so the trace recorder runs as part of this test.
func TestWhileLoopExecution(t *testing.T) {
	v := runOK(t, "let a = 0\nwhile a < 100 { a += 1 }")
	if got := slotNum(t, v, 0); got != 100 {
		t.Errorf("a = %g, want 100", got)
	}
}

func TestNestedLoopExecution(t *testing.T) {
	v := runOK(t,
		"let total = 0\n"+
			"let i = 0\n"+
			"while i < 60 {\n"+
			"  let j = 0\n"+
			"  while j < 3 { j += 1 total += 1 }\n"+
			"  i += 1\n"+
			"}")
	if got := slotNum(t, v, 0); got != 180 {
		t.Errorf("total = %g, want 180", got)
	}
}

func TestIfExecution(t *testing.T) {
	v := runOK(t,
		"let a = 2\n"+
			"let r = 0\n"+
			"if a == 1 { r = 10 } elseif a == 2 { r = 20 } else { r = 30 }")
	if got := slotNum(t, v, 1); got != 20 {
		t.Errorf("r = %g, want 20", got)
	}

	v = runOK(t,
		"let a = 9\n"+
			"let r = 0\n"+
			"if a == 1 { r = 10 } elseif a == 2 { r = 20 } else { r = 30 }")
	if got := slotNum(t, v, 1); got != 30 {
		t.Errorf("r = %g, want 30", got)
	}
}

func TestCallExecution(t *testing.T) {
	// A call's result is nil, and the callee runs in its own frame without
	// touching the caller's locals
	v := runOK(t,
		"let a = 3\n"+
			"fn f(x) { let y = x + 1 }\n"+
			"let b = f(a)")
	if got := slotNum(t, v, 0); got != 3 {
		t.Errorf("a = %g, want 3", got)
	}
	if v.Stack[2] != value.Nil {
		t.Errorf("call result = %#x, want nil", uint64(v.Stack[2]))
	}
}

func TestCallErrors(t *testing.T) {
	_, err := run(t, "let a = 3\na()")
	if err == nil || err.Kind != errors.RuntimeError {
		t.Fatalf("calling a number: err = %v", err)
	}

	_, err = run(t, "fn f(x) { }\nf()")
	if err == nil || err.Kind != errors.RuntimeError {
		t.Fatalf("wrong arg count: err = %v", err)
	}
}

func TestRuntimeTypeError(t *testing.T) {
	_, err := run(t, "fn f(x) { let y = x + 1 }\nf(true)")
	if err == nil {
		t.Fatal("expected a runtime error")
	}
	if err.Kind != errors.RuntimeError {
		t.Errorf("kind = %s, want RuntimeError", err.Kind)
	}
}

func TestEqualityMixedTypes(t *testing.T) {
	v := runOK(t,
		"let a = true\n"+
			"let b = 1\n"+
			"let r = a == b")
	if v.Stack[2] != value.False {
		t.Errorf("true == 1 should be false")
	}
}

// Multiple VMs share nothing.
func TestVMIndependence(t *testing.T) {
	v1 := runOK(t, "let a = 1")
	v2 := runOK(t, "let a = 2")
	if slotNum(t, v1, 0) != 1 || slotNum(t, v2, 0) != 2 {
		t.Error("VMs interfere with each other")
	}
}

func TestConstantInterning(t *testing.T) {
	v := vm.New()
	for i := 0; i < 100; i++ {
		idx := v.AddNum(float64(i))
		if idx != i {
			t.Fatalf("constant %d interned at %d", i, idx)
		}
	}
	// Dedup returns existing indices
	if v.AddNum(42) != 42 {
		t.Error("dedup failed")
	}
}

package vm

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/loomtide/loom/pkg/bytecode"
)

// TestNopOnlyProgramsAlwaysTerminate checks the totality half of spec
// section 8's execution invariants as applied to the VM: a program counter
// that only ever advances past Nop instructions must reach termination in
// bounded ExecuteNext calls, for any program length, and never error.
func TestNopOnlyProgramsAlwaysTerminate(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("N Nops terminate in at most N+1 ExecuteNext calls without error", prop.ForAll(
		func(n int) bool {
			instrs := make([]bytecode.Instruction, n)
			for i := range instrs {
				instrs[i] = bytecode.Instruction{Op: bytecode.Nop}
			}
			program := &bytecode.Program{Instructions: instrs}
			ctx := NewEvaluationContext(fakeClock{}, 1.0)
			machine := New(program, ctx, NewBuiltins())

			calls := 0
			for !machine.HasTerminated() && calls <= n+1 {
				_, _, err := machine.ExecuteNext()
				if err != nil {
					return false
				}
				calls++
			}
			return machine.HasTerminated()
		},
		gen.IntRange(0, 200),
	))

	properties.TestingRun(t)
}

// TestArithmeticChainNeverPanics exercises BinaryOp across a chain of random
// operators and integer operands, asserting ExecuteNext always returns
// cleanly (error or success) rather than panicking on malformed stack state.
func TestArithmeticChainNeverPanics(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	ops := []string{"+", "-", "*", "/", "%"}

	properties.Property("a push/binaryop chain always finishes without panicking", prop.ForAll(
		func(a, b int64, opIdx int) bool {
			op := ops[opIdx%len(ops)]
			program := &bytecode.Program{
				Instructions: []bytecode.Instruction{
					{Op: bytecode.Push, A: bytecode.Lit(bytecode.Int(a))},
					{Op: bytecode.Push, A: bytecode.Lit(bytecode.Int(b))},
					{Op: bytecode.BinaryOp, A: bytecode.Lit(bytecode.String(op))},
				},
			}
			ctx := NewEvaluationContext(fakeClock{}, 1.0)
			machine := New(program, ctx, NewBuiltins())

			defer func() {
				if r := recover(); r != nil {
					t.Errorf("ExecuteNext panicked: %v", r)
				}
			}()
			for !machine.HasTerminated() {
				if _, _, err := machine.ExecuteNext(); err != nil {
					return true // a reported division-by-zero etc. is a valid outcome
				}
			}
			return true
		},
		gen.Int64(),
		gen.Int64(),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}

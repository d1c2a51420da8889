package vm

import (
	"testing"

	"github.com/loomtide/loom/pkg/bytecode"
)

func programPush2Add() *bytecode.Program {
	return &bytecode.Program{
		Instructions: []bytecode.Instruction{
			{Op: bytecode.Push, A: bytecode.Lit(bytecode.Int(2))},
			{Op: bytecode.Push, A: bytecode.Lit(bytecode.Int(3))},
			{Op: bytecode.BinaryOp, A: bytecode.Lit(bytecode.String("+"))},
			{Op: bytecode.Pop, A: bytecode.Var(bytecode.Global, "result")},
		},
	}
}

func TestExecuteNextTerminatesAtEndOfProgram(t *testing.T) {
	ctx := NewEvaluationContext(fakeClock{}, 1.0)
	machine := New(programPush2Add(), ctx, NewBuiltins())

	for !machine.HasTerminated() {
		ev, _, err := machine.ExecuteNext()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ev != nil {
			t.Fatalf("unexpected event from an arithmetic-only program")
		}
	}

	v, ok := ctx.Global.Get("result")
	if !ok {
		t.Fatal("expected result to be set in Global scope")
	}
	n, _ := v.AsInt()
	if n != 5 {
		t.Errorf("expected 2+3=5, got %v", n)
	}
}

func TestExecuteNextYieldsOnEmittingBuiltin(t *testing.T) {
	program := &bytecode.Program{
		Instructions: []bytecode.Instruction{
			// Arguments are pushed in reverse call order: the top of the
			// stack is midi_note's first argument (device id).
			{Op: bytecode.Push, A: bytecode.Lit(bytecode.Int(200000))}, // duration us
			{Op: bytecode.Push, A: bytecode.Lit(bytecode.Int(1))}, // channel
			{Op: bytecode.Push, A: bytecode.Lit(bytecode.Int(100))}, // velocity
			{Op: bytecode.Push, A: bytecode.Lit(bytecode.Int(60))}, // note
			{Op: bytecode.Push, A: bytecode.Lit(bytecode.Int(0))},  // device id
			{Op: bytecode.CallFunction, A: bytecode.Operand{Kind: bytecode.OperandVar, Name: "midi_note"}},
		},
	}
	ctx := NewEvaluationContext(fakeClock{}, 1.0)
	machine := New(program, ctx, NewBuiltins())

	ev, delay, err := machine.ExecuteNext()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev == nil {
		t.Fatal("expected midi_note to yield an event")
	}
	if ev.Note != 60 || ev.Velocity != 100 || ev.Channel != 1 || ev.Duration != 200000 {
		t.Errorf("unexpected event fields: %+v", ev)
	}
	if delay != nil {
		t.Errorf("midi_note should not carry a delay, got %v", *delay)
	}
	if machine.HasTerminated() {
		t.Error("a single yield should not terminate the VM")
	}
}

func TestExecuteNextHonorsSleepDelay(t *testing.T) {
	program := &bytecode.Program{
		Instructions: []bytecode.Instruction{
			{Op: bytecode.Push, A: bytecode.Lit(bytecode.Int(500))},
			{Op: bytecode.CallFunction, A: bytecode.Operand{Kind: bytecode.OperandVar, Name: "sleep"}},
		},
	}
	ctx := NewEvaluationContext(fakeClock{}, 1.0)
	machine := New(program, ctx, NewBuiltins())

	ev, delay, err := machine.ExecuteNext()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev != nil {
		t.Error("sleep should not emit an event")
	}
	if delay == nil || *delay != 500 {
		t.Fatalf("expected a 500us delay, got %v", delay)
	}
}

func TestCallProcedureAndReturn(t *testing.T) {
	program := &bytecode.Program{
		Instructions: []bytecode.Instruction{
			{Op: bytecode.CallProcedure, A: bytecode.Proc(0)},
			{Op: bytecode.Pop, A: bytecode.Var(bytecode.Global, "result")},
		},
		Procedures: [][]bytecode.Instruction{
			{
				{Op: bytecode.Push, A: bytecode.Lit(bytecode.Int(42))},
				{Op: bytecode.Return},
			},
		},
	}
	ctx := NewEvaluationContext(fakeClock{}, 1.0)
	machine := New(program, ctx, NewBuiltins())

	for !machine.HasTerminated() {
		_, _, err := machine.ExecuteNext()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	v, ok := ctx.Global.Get("result")
	if !ok {
		t.Fatal("expected result to be set after procedure call")
	}
	n, _ := v.AsInt()
	if n != 42 {
		t.Errorf("expected 42, got %v", n)
	}
}

func TestStopMarksTerminated(t *testing.T) {
	ctx := NewEvaluationContext(fakeClock{}, 1.0)
	machine := New(programPush2Add(), ctx, NewBuiltins())
	machine.Stop()

	if !machine.HasTerminated() {
		t.Error("expected Stop to mark the VM terminated")
	}
	ev, delay, err := machine.ExecuteNext()
	if ev != nil || delay != nil || err != nil {
		t.Error("expected ExecuteNext to be a no-op after Stop")
	}
}

func TestBadProcedureIndexReturnsError(t *testing.T) {
	program := &bytecode.Program{
		Instructions: []bytecode.Instruction{
			{Op: bytecode.CallProcedure, A: bytecode.Proc(7)},
		},
	}
	ctx := NewEvaluationContext(fakeClock{}, 1.0)
	machine := New(program, ctx, NewBuiltins())

	_, _, err := machine.ExecuteNext()
	if err == nil {
		t.Fatal("expected an error calling an out-of-range procedure index")
	}
}

func TestStackUnderflowOnPopReturnsError(t *testing.T) {
	program := &bytecode.Program{
		Instructions: []bytecode.Instruction{
			{Op: bytecode.Pop, A: bytecode.Var(bytecode.Global, "x")},
		},
	}
	ctx := NewEvaluationContext(fakeClock{}, 1.0)
	machine := New(program, ctx, NewBuiltins())

	_, _, err := machine.ExecuteNext()
	if err == nil {
		t.Fatal("expected an error popping an empty stack")
	}
}

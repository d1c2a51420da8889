package bytecode

import "testing"

func TestValueCoercions(t *testing.T) {
	tests := []struct {
		name    string
		v       Value
		wantInt int64
		okInt   bool
	}{
		{"int", Int(42), 42, true},
		{"float truncates", Float(3.9), 3, true},
		{"bool true", Bool(true), 1, true},
		{"bool false", Bool(false), 0, true},
		{"string does not coerce", String("42"), 0, false},
		{"unit does not coerce", Unit, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.v.AsInt()
			if ok != tt.okInt {
				t.Fatalf("AsInt() ok = %v, want %v", ok, tt.okInt)
			}
			if ok && got != tt.wantInt {
				t.Fatalf("AsInt() = %d, want %d", got, tt.wantInt)
			}
		})
	}
}

func TestValueAsStringCoversAllKinds(t *testing.T) {
	vals := []Value{
		Unit, Bool(true), Int(7), Float(1.5), String("hi"),
		ProgramValue(&Program{}), Array([]Value{Int(1)}), Map(map[string]Value{"a": Int(1)}),
	}
	for _, v := range vals {
		if s := v.AsString(); s == "" && v.Kind != KindUnit {
			t.Errorf("AsString() for kind %s returned empty", v.Kind)
		}
	}
}

func TestOperandBuilders(t *testing.T) {
	lit := Lit(Int(5))
	if lit.Kind != OperandLit || lit.Lit.Kind != KindInt {
		t.Fatalf("Lit() built wrong operand: %+v", lit)
	}
	v := Var(Frame, "x")
	if v.Kind != OperandVar || v.Qualifier != Frame || v.Name != "x" {
		t.Fatalf("Var() built wrong operand: %+v", v)
	}
	back := Back()
	if back.Kind != OperandVar || back.Qualifier != StackBack {
		t.Fatalf("Back() built wrong operand: %+v", back)
	}
}

func TestProgramDisassembleIsStable(t *testing.T) {
	p := &Program{
		Instructions: []Instruction{
			{Op: Push, A: Lit(Int(60))},
			{Op: Pop, A: Var(Frame, "note")},
			{Op: CallProcedure, A: Proc(0)},
			{Op: Return},
		},
		Procedures: [][]Instruction{
			{{Op: Push, A: Var(Frame, "note")}, {Op: CallFunction, A: Lit(String("midi_note"))}},
		},
	}
	first := p.Disassemble()
	second := p.Disassemble()
	if first != second {
		t.Fatalf("Disassemble() is not stable across calls")
	}
	if first == "" {
		t.Fatal("Disassemble() produced empty output")
	}
}

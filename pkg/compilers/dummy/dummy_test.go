package dummy

import (
	"strings"
	"testing"

	"github.com/loomtide/loom/pkg/bytecode"
)

func TestCompilePushPopRoundTrip(t *testing.T) {
	program, err := Compile(`
		PUSH 42
		POP global answer
	`)
	if err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
	if len(program.Instructions) != 2 {
		t.Fatalf("expected 2 instructions, got %d", len(program.Instructions))
	}
	if program.Instructions[0].Op != bytecode.Push {
		t.Errorf("expected first instruction to be Push, got %v", program.Instructions[0].Op)
	}
	if program.Instructions[1].Op != bytecode.Pop || program.Instructions[1].A.Qualifier != bytecode.Global {
		t.Errorf("expected second instruction to be Pop(global, ...), got %+v", program.Instructions[1])
	}
}

func TestCompileNoteShorthandExpandsToFivePushesAndACall(t *testing.T) {
	program, err := Compile("N 60 100 1 200000")
	if err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
	if len(program.Instructions) != 6 {
		t.Fatalf("expected 5 pushes + 1 call = 6 instructions, got %d", len(program.Instructions))
	}
	last := program.Instructions[len(program.Instructions)-1]
	if last.Op != bytecode.CallFunction || last.A.Name != "midi_note" {
		t.Errorf("expected trailing CallFunction(midi_note), got %+v", last)
	}
}

func TestCompileIgnoresBlankLinesAndComments(t *testing.T) {
	program, err := Compile("\n; a comment\nNOP\n\n")
	if err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
	if len(program.Instructions) != 1 || program.Instructions[0].Op != bytecode.Nop {
		t.Fatalf("expected a single Nop instruction, got %+v", program.Instructions)
	}
}

func TestCompileRejectsUnknownInstruction(t *testing.T) {
	_, err := Compile("FROBNICATE")
	if err == nil {
		t.Fatal("expected an error for an unknown instruction")
	}
}

func TestDisassembleProducesStableText(t *testing.T) {
	program, err := Compile("PUSH 1\nPUSH 2\nBINOP +\n")
	if err != nil {
		t.Fatalf("unexpected compile error: %v", err)
	}
	text := program.Disassemble()
	if !strings.Contains(text, "Push") || !strings.Contains(text, "BinaryOp") {
		t.Errorf("expected disassembly to mention Push and BinaryOp, got: %s", text)
	}
	if text != program.Disassemble() {
		t.Error("expected Disassemble to be stable across repeated calls")
	}
}

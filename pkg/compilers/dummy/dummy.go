// Package dummy implements the minimal textual assembly compiler
// SPEC_FULL.md adds under lang "dummy": the worked example of the
// compiler-registry contract ("text + args -> bytecode program"), built
// without requiring an external process. It is not a source-language
// compiler in the Non-goals' excluded sense — it exists to exercise
// pkg/interpreter's Factory contract and pkg/bytecode's Program end to end.
//
// Grounded on the teacher's staged lexer -> parser -> codegen compiler
// pipeline shape (pkg/compiler in the teacher), reduced to a single-pass
// line scanner since the assembly here has no expressions or control flow
// to parse into a tree — each line is one instruction.
package dummy

import (
	"strconv"
	"strings"

	"github.com/loomtide/loom/pkg/bytecode"
	"github.com/loomtide/loom/pkg/errs"
	"github.com/loomtide/loom/pkg/interpreter"
	"github.com/loomtide/loom/pkg/scene"
	"github.com/loomtide/loom/pkg/vm"
)

// Factory registers under lang "dummy".
type Factory struct {
	Builtins *vm.Builtins
	Clock    vm.ClockView
}

func (f *Factory) Name() string { return "dummy" }

// MakeInstance compiles script.Content as dummy assembly and wraps the
// resulting program in a stack-machine VM.
func (f *Factory) MakeInstance(script *scene.Script) (interpreter.Interpreter, error) {
	program, err := Compile(script.Content)
	if err != nil {
		return nil, err
	}
	frameLen := 1.0
	if v, ok := script.Args["frame_len"]; ok {
		if parsed, perr := strconv.ParseFloat(v, 64); perr == nil {
			frameLen = parsed
		}
	}
	ctx := vm.NewEvaluationContext(f.Clock, frameLen)
	builtins := f.Builtins
	if builtins == nil {
		builtins = vm.NewBuiltins()
	}
	return vm.New(program, ctx, builtins), nil
}

// Compile parses dummy assembly into a bytecode.Program. Grammar: one
// instruction per line, blank lines and lines starting with ';' ignored.
//
//	PUSH <int|float|"string">
//	POP <qualifier> <name>
//	MOV <src> <qualifier> <name>
//	CALL <name>
//	BINOP <op>
//	UNOP <op>
//	RETURN
//	NOP
//
// Qualifiers: instance | frame | line | global | back.
// "N 60 100 1 200000" (note shorthand used by the scenario tests in spec
// section 8) expands to five PUSH instructions followed by CALL midi_note.
func Compile(text string) (*bytecode.Program, error) {
	var instrs []bytecode.Instruction
	for lineNo, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, ";") {
			continue
		}
		fields := strings.Fields(line)
		op := strings.ToUpper(fields[0])

		if op == "N" {
			expanded, err := expandNoteShorthand(fields[1:], lineNo)
			if err != nil {
				return nil, err
			}
			instrs = append(instrs, expanded...)
			continue
		}

		ins, err := compileLine(op, fields[1:], lineNo)
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, ins)
	}
	return &bytecode.Program{Instructions: instrs}, nil
}

func expandNoteShorthand(args []string, lineNo int) ([]bytecode.Instruction, error) {
	if len(args) != 4 {
		return nil, errs.Newf(errs.CompileError, "line %d: N requires 4 arguments (note vel channel duration_us)", lineNo+1)
	}
	var instrs []bytecode.Instruction
	// Arguments are pushed in reverse call order (duration first), so the
	// device id, pushed last, is on top of the stack as midi_note's first
	// argument. The device id defaults to 0 (log device) — scripts targeting
	// real hardware must use the full PUSH/CALL form with an explicit device id.
	for i := len(args) - 1; i >= 0; i-- {
		n, err := strconv.ParseInt(args[i], 10, 64)
		if err != nil {
			return nil, errs.Newf(errs.CompileError, "line %d: N argument %q is not an integer", lineNo+1, args[i])
		}
		instrs = append(instrs, bytecode.Instruction{Op: bytecode.Push, A: bytecode.Lit(bytecode.Int(n))})
	}
	instrs = append(instrs, bytecode.Instruction{Op: bytecode.Push, A: bytecode.Lit(bytecode.Int(0))})
	instrs = append(instrs, bytecode.Instruction{Op: bytecode.CallFunction, A: bytecode.Operand{Kind: bytecode.OperandVar, Name: "midi_note"}})
	return instrs, nil
}

func compileLine(op string, args []string, lineNo int) (bytecode.Instruction, error) {
	switch op {
	case "NOP":
		return bytecode.Instruction{Op: bytecode.Nop}, nil
	case "RETURN":
		return bytecode.Instruction{Op: bytecode.Return}, nil
	case "PUSH":
		if len(args) != 1 {
			return bytecode.Instruction{}, errs.Newf(errs.CompileError, "line %d: PUSH requires 1 argument", lineNo+1)
		}
		lit, err := parseLiteral(args[0])
		if err != nil {
			return bytecode.Instruction{}, errs.Newf(errs.CompileError, "line %d: %v", lineNo+1, err)
		}
		return bytecode.Instruction{Op: bytecode.Push, A: bytecode.Lit(lit)}, nil
	case "POP":
		if len(args) != 2 {
			return bytecode.Instruction{}, errs.Newf(errs.CompileError, "line %d: POP requires qualifier and name", lineNo+1)
		}
		q, err := parseQualifier(args[0])
		if err != nil {
			return bytecode.Instruction{}, errs.Newf(errs.CompileError, "line %d: %v", lineNo+1, err)
		}
		return bytecode.Instruction{Op: bytecode.Pop, A: bytecode.Var(q, args[1])}, nil
	case "MOV":
		if len(args) != 3 {
			return bytecode.Instruction{}, errs.Newf(errs.CompileError, "line %d: MOV requires src qualifier name", lineNo+1)
		}
		srcLit, litErr := parseLiteral(args[0])
		var src bytecode.Operand
		if litErr == nil {
			src = bytecode.Lit(srcLit)
		} else {
			src = bytecode.Var(bytecode.Global, args[0])
		}
		q, err := parseQualifier(args[1])
		if err != nil {
			return bytecode.Instruction{}, errs.Newf(errs.CompileError, "line %d: %v", lineNo+1, err)
		}
		return bytecode.Instruction{Op: bytecode.Mov, A: src, B: bytecode.Var(q, args[2])}, nil
	case "CALL":
		if len(args) != 1 {
			return bytecode.Instruction{}, errs.Newf(errs.CompileError, "line %d: CALL requires a function name", lineNo+1)
		}
		return bytecode.Instruction{Op: bytecode.CallFunction, A: bytecode.Operand{Kind: bytecode.OperandVar, Name: args[0]}}, nil
	case "BINOP":
		if len(args) != 1 {
			return bytecode.Instruction{}, errs.Newf(errs.CompileError, "line %d: BINOP requires an operator", lineNo+1)
		}
		return bytecode.Instruction{Op: bytecode.BinaryOp, A: bytecode.Lit(bytecode.String(args[0]))}, nil
	case "UNOP":
		if len(args) != 1 {
			return bytecode.Instruction{}, errs.Newf(errs.CompileError, "line %d: UNOP requires an operator", lineNo+1)
		}
		return bytecode.Instruction{Op: bytecode.UnaryOp, A: bytecode.Lit(bytecode.String(args[0]))}, nil
	default:
		return bytecode.Instruction{}, errs.Newf(errs.CompileError, "line %d: unknown instruction %q", lineNo+1, op)
	}
}

func parseQualifier(s string) (bytecode.Qualifier, error) {
	switch strings.ToLower(s) {
	case "instance":
		return bytecode.Instance, nil
	case "frame":
		return bytecode.Frame, nil
	case "line":
		return bytecode.Line, nil
	case "global":
		return bytecode.Global, nil
	case "back":
		return bytecode.StackBack, nil
	default:
		return 0, errs.Newf(errs.CompileError, "unknown qualifier %q", s)
	}
}

func parseLiteral(s string) (bytecode.Value, error) {
	if strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) && len(s) >= 2 {
		return bytecode.String(s[1 : len(s)-1]), nil
	}
	if s == "true" {
		return bytecode.Bool(true), nil
	}
	if s == "false" {
		return bytecode.Bool(false), nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return bytecode.Int(n), nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return bytecode.Float(f), nil
	}
	return bytecode.Unit, errs.Newf(errs.CompileError, "%q is not a valid literal", s)
}

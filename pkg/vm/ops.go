package vm

import (
	"github.com/loomtide/loom/pkg/bytecode"
	"github.com/loomtide/loom/pkg/errs"
)

// applyBinaryOp implements the VM's arithmetic/logical binary operators
// (spec section 4.5). Operands that are both ints stay integer arithmetic;
// if either is a float the result promotes to float, matching the narrow,
// explicit-coercion philosophy of bytecode.Value (no silent any-typed
// coercion; besides numeric promotion between the two numeric kinds, the
// As* coercions read a Bool operand as 1 or 0).
func applyBinaryOp(op string, lhs, rhs bytecode.Value) (bytecode.Value, error) {
	switch op {
	case "+", "-", "*", "/", "%":
		return arithmetic(op, lhs, rhs)
	case "==":
		return bytecode.Bool(valuesEqual(lhs, rhs)), nil
	case "!=":
		return bytecode.Bool(!valuesEqual(lhs, rhs)), nil
	case "<", "<=", ">", ">=":
		return compare(op, lhs, rhs)
	case "&&":
		a, _ := lhs.AsBool()
		b, _ := rhs.AsBool()
		return bytecode.Bool(a && b), nil
	case "||":
		a, _ := lhs.AsBool()
		b, _ := rhs.AsBool()
		return bytecode.Bool(a || b), nil
	default:
		return bytecode.Unit, errs.Newf(errs.RuntimeError, "unknown binary operator %q", op)
	}
}

func arithmetic(op string, lhs, rhs bytecode.Value) (bytecode.Value, error) {
	if lhs.Kind == bytecode.KindFloat || rhs.Kind == bytecode.KindFloat {
		a, aok := lhs.AsFloat()
		b, bok := rhs.AsFloat()
		if !aok || !bok {
			return bytecode.Unit, errs.Newf(errs.RuntimeError, "operator %q requires numeric operands", op)
		}
		switch op {
		case "+":
			return bytecode.Float(a + b), nil
		case "-":
			return bytecode.Float(a - b), nil
		case "*":
			return bytecode.Float(a * b), nil
		case "/":
			if b == 0 {
				return bytecode.Unit, errs.New(errs.RuntimeError, "division by zero")
			}
			return bytecode.Float(a / b), nil
		case "%":
			return bytecode.Unit, errs.New(errs.RuntimeError, "modulo is not defined for float operands")
		}
	}
	a, aok := lhs.AsInt()
	b, bok := rhs.AsInt()
	if !aok || !bok {
		return bytecode.Unit, errs.Newf(errs.RuntimeError, "operator %q requires numeric operands", op)
	}
	switch op {
	case "+":
		return bytecode.Int(a + b), nil
	case "-":
		return bytecode.Int(a - b), nil
	case "*":
		return bytecode.Int(a * b), nil
	case "/":
		if b == 0 {
			return bytecode.Unit, errs.New(errs.RuntimeError, "division by zero")
		}
		return bytecode.Int(a / b), nil
	case "%":
		if b == 0 {
			return bytecode.Unit, errs.New(errs.RuntimeError, "modulo by zero")
		}
		return bytecode.Int(a % b), nil
	}
	return bytecode.Unit, errs.Newf(errs.RuntimeError, "unhandled arithmetic operator %q", op)
}

func compare(op string, lhs, rhs bytecode.Value) (bytecode.Value, error) {
	a, aok := lhs.AsFloat()
	b, bok := rhs.AsFloat()
	if !aok || !bok {
		return bytecode.Unit, errs.Newf(errs.RuntimeError, "operator %q requires numeric operands", op)
	}
	switch op {
	case "<":
		return bytecode.Bool(a < b), nil
	case "<=":
		return bytecode.Bool(a <= b), nil
	case ">":
		return bytecode.Bool(a > b), nil
	case ">=":
		return bytecode.Bool(a >= b), nil
	default:
		return bytecode.Unit, errs.Newf(errs.RuntimeError, "unknown comparison operator %q", op)
	}
}

func valuesEqual(lhs, rhs bytecode.Value) bool {
	if lhs.Kind != rhs.Kind {
		// Allow cross int/float equality, matching the numeric-promotion
		// leniency arithmetic already applies.
		af, aok := lhs.AsFloat()
		bf, bok := rhs.AsFloat()
		if aok && bok && (lhs.Kind == bytecode.KindInt || lhs.Kind == bytecode.KindFloat) &&
			(rhs.Kind == bytecode.KindInt || rhs.Kind == bytecode.KindFloat) {
			return af == bf
		}
		return false
	}
	switch lhs.Kind {
	case bytecode.KindUnit:
		return true
	case bytecode.KindBool:
		a, _ := lhs.AsBool()
		b, _ := rhs.AsBool()
		return a == b
	case bytecode.KindInt:
		a, _ := lhs.AsInt()
		b, _ := rhs.AsInt()
		return a == b
	case bytecode.KindFloat:
		a, _ := lhs.AsFloat()
		b, _ := rhs.AsFloat()
		return a == b
	case bytecode.KindString:
		return lhs.AsString() == rhs.AsString()
	default:
		return false
	}
}

// applyUnaryOp implements the VM's unary operators: negation and logical not.
func applyUnaryOp(op string, operand bytecode.Value) (bytecode.Value, error) {
	switch op {
	case "-":
		if operand.Kind == bytecode.KindFloat {
			f, _ := operand.AsFloat()
			return bytecode.Float(-f), nil
		}
		n, ok := operand.AsInt()
		if !ok {
			return bytecode.Unit, errs.New(errs.RuntimeError, "unary - requires a numeric operand")
		}
		return bytecode.Int(-n), nil
	case "!":
		b, ok := operand.AsBool()
		if !ok {
			return bytecode.Unit, errs.New(errs.RuntimeError, "unary ! requires a bool-coercible operand")
		}
		return bytecode.Bool(!b), nil
	default:
		return bytecode.Unit, errs.Newf(errs.RuntimeError, "unknown unary operator %q", op)
	}
}

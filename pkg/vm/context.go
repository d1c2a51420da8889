package vm

import "github.com/loomtide/loom/pkg/bytecode"

// ClockView is the narrow read-only slice of clock state the VM needs —
// just enough for builtins like beat-relative sleeps. The VM never holds a
// *clock.Clock directly so that pkg/vm has no dependency on pkg/clock beyond
// this interface.
type ClockView interface {
	Beat() float64
	Tempo() float64
}

// EvaluationContext is the per-step state ExecuteNext runs against: the
// value stack, the four independent scopes ordered Instance -> Frame -> Line
// -> Global for unqualified lookups, a view of the clock snapshot, and the
// owning frame's length in beats.
type EvaluationContext struct {
	Stack []bytecode.Value

	Instance *Scope
	Frame    *Scope
	Line     *Scope
	Global   *Scope

	Clock    ClockView
	FrameLen float64
}

// NewEvaluationContext builds a context with four fresh scopes.
func NewEvaluationContext(clock ClockView, frameLen float64) *EvaluationContext {
	return &EvaluationContext{
		Instance: NewScope(),
		Frame:    NewScope(),
		Line:     NewScope(),
		Global:   NewScope(),
		Clock:    clock,
		FrameLen: frameLen,
	}
}

// Push appends a value to the top of the stack.
func (c *EvaluationContext) Push(v bytecode.Value) {
	c.Stack = append(c.Stack, v)
}

// Pop removes and returns the top of the stack. Popping an empty stack
// returns bytecode.Unit and false rather than panicking — a malformed
// program must not be able to crash the scheduler.
func (c *EvaluationContext) Pop() (bytecode.Value, bool) {
	if len(c.Stack) == 0 {
		return bytecode.Unit, false
	}
	v := c.Stack[len(c.Stack)-1]
	c.Stack = c.Stack[:len(c.Stack)-1]
	return v, true
}

// Peek returns the top of the stack without removing it.
func (c *EvaluationContext) Peek() (bytecode.Value, bool) {
	if len(c.Stack) == 0 {
		return bytecode.Unit, false
	}
	return c.Stack[len(c.Stack)-1], true
}

// scopeFor returns the scope matching a qualifier, or nil for StackBack
// (which the caller handles directly against the stack, not a scope).
func (c *EvaluationContext) scopeFor(q bytecode.Qualifier) *Scope {
	switch q {
	case bytecode.Instance:
		return c.Instance
	case bytecode.Frame:
		return c.Frame
	case bytecode.Line:
		return c.Line
	case bytecode.Global:
		return c.Global
	default:
		return nil
	}
}

// Resolve looks up a named variable in the scope the qualifier names; the
// VM's operand reads all go through it. An unqualified lookup (not
// expressible in bytecode.Qualifier) is done with ResolveAny instead.
func (c *EvaluationContext) Resolve(q bytecode.Qualifier, name string) (bytecode.Value, bool) {
	if s := c.scopeFor(q); s != nil {
		return s.Get(name)
	}
	return bytecode.Unit, false
}

// ResolveAny searches Instance -> Frame -> Line -> Global in order, the
// lookup order spec section 4.5 assigns to an unqualified Push(name).
func (c *EvaluationContext) ResolveAny(name string) (bytecode.Value, bool) {
	for _, s := range []*Scope{c.Instance, c.Frame, c.Line, c.Global} {
		if v, ok := s.Get(name); ok {
			return v, true
		}
	}
	return bytecode.Unit, false
}

// Assign writes a named variable into the scope the qualifier names.
func (c *EvaluationContext) Assign(q bytecode.Qualifier, name string, v bytecode.Value) {
	if s := c.scopeFor(q); s != nil {
		s.Set(name, v)
	}
}

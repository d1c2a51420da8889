// Package vm implements the loom stack-machine VM: the mandatory built-in
// Interpreter that executes a compiled bytecode.Program against an
// EvaluationContext.
package vm

import (
	"sync"

	"github.com/loomtide/loom/pkg/bytecode"
)

// Scope is a single named-variable store. The VM holds four independent
// Scopes (Instance, Frame, Line, Global) rather than a parent-linked chain —
// resolution order across them is the caller's responsibility (see
// EvaluationContext.ResolveAny), not the Scope's.
type Scope struct {
	variables map[string]bytecode.Value
	mu        sync.RWMutex
}

// NewScope creates an empty scope.
func NewScope() *Scope {
	return &Scope{variables: make(map[string]bytecode.Value)}
}

// Get retrieves a variable value by name.
func (s *Scope) Get(name string) (bytecode.Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variables[name]
	return v, ok
}

// Set stores a variable value, creating the slot if it does not exist.
func (s *Scope) Set(name string, value bytecode.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variables[name] = value
}

// Has reports whether name is bound in this scope.
func (s *Scope) Has(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.variables[name]
	return ok
}

// Delete removes a variable, reporting whether it existed.
func (s *Scope) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.variables[name]; ok {
		delete(s.variables, name)
		return true
	}
	return false
}

// Keys returns the variable names currently bound in this scope.
func (s *Scope) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.variables))
	for k := range s.variables {
		keys = append(keys, k)
	}
	return keys
}

// Size returns the number of variables bound in this scope.
func (s *Scope) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.variables)
}

// Clear removes every variable from this scope.
func (s *Scope) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variables = make(map[string]bytecode.Value)
}

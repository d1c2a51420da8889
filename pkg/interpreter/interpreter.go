// Package interpreter defines the Interpreter/InterpreterFactory contract
// (spec section 4.4) and the process-wide registry mapping a Script's lang
// string to the factory that compiles it. Concrete factories — the
// stack-machine VM (pkg/vm), the external-process interpreter
// (pkg/interpreter/extproc), and the dummy demonstration compiler
// (pkg/compilers/dummy) — register themselves here at init time.
package interpreter

import (
	"sync"

	"github.com/loomtide/loom/pkg/errs"
	"github.com/loomtide/loom/pkg/event"
	"github.com/loomtide/loom/pkg/scene"
)

// Interpreter steps a single script execution. ExecuteNext returns an
// emitted event and/or a delay to advance the execution's ready-at time by;
// both may be nil on an instruction that neither emits nor delays.
type Interpreter interface {
	ExecuteNext() (*event.Event, *int64, error)
	HasTerminated() bool
	Stop()
}

// Factory builds an Interpreter instance for a script. MakeInstance returns
// a structured *errs.Error (Kind CompileError) on a script it cannot
// compile, never a bare string per the spec's pseudocode — SPEC_FULL.md
// carries every error through the shared errs vocabulary.
type Factory interface {
	Name() string
	MakeInstance(script *scene.Script) (Interpreter, error)
}

// Registry is the process-wide lang -> Factory map.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var global = &Registry{factories: make(map[string]Factory)}

// Global returns the process-wide registry.
func Global() *Registry { return global }

// Register adds a factory under its own Name(). Registering a second
// factory under a name already taken replaces the first — compilers are
// expected to register once at startup, not dynamically swap.
func (r *Registry) Register(f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[f.Name()] = f
}

// MakeInstance looks up script.Lang and builds an Interpreter. Returns a
// structured DeviceNotFound-adjacent error (CompileError is closer, so that
// is what's used) if no factory is registered for the lang.
func (r *Registry) MakeInstance(script *scene.Script) (Interpreter, error) {
	r.mu.RLock()
	f, ok := r.factories[script.Lang]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.Newf(errs.CompileError, "no compiler registered for lang %q", script.Lang)
	}
	return f.MakeInstance(script)
}

// Names returns every registered lang, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	return names
}

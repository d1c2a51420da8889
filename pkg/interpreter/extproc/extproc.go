// Package extproc implements the mandatory external-process Interpreter
// (spec section 4.4): a factory that spawns an os/exec child process per
// script execution, serializes the evaluation context as JSON to its
// stdin, and reads back a stream of JSON actions from stdout delimited by
// the sentinel byte 0x07. Grounded on the teacher's own subprocess-free
// design only by contrast — the teacher never shells out — so the
// process-management idiom (explicit Wait/Kill on the exec.Cmd, no
// goroutine leaks) follows the standard library's own
// os/exec patterns rather than a pack repo; see DESIGN.md for why this is
// the one place the module reaches for os/exec directly instead of a
// third-party process-supervision library (none of the pack repos shells
// out to a child process per unit of work the way this interpreter must).
package extproc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os/exec"
	"time"

	"github.com/loomtide/loom/pkg/errs"
	"github.com/loomtide/loom/pkg/event"
	"github.com/loomtide/loom/pkg/interpreter"
	"github.com/loomtide/loom/pkg/scene"
)

// Sentinel delimits one step's action stream on the child's stdout.
const Sentinel = byte(0x07)

// action mirrors the five action kinds spec section 4.4 names.
type action struct {
	Kind  string          `json:"kind"` // "set_var" | "replace_stack" | "emit_event" | "delay" | "terminate"
	Scope string          `json:"scope,omitempty"`
	Name  string          `json:"name,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Stack json.RawMessage `json:"stack,omitempty"`
	Event *wireEvent      `json:"event,omitempty"`
	Micros int64          `json:"micros,omitempty"`
}

// wireContext is the evaluation context serialized to the child's stdin on
// each step: the interpreter's own mirror of variable scopes and the value
// stack, mutated in place by the child's set_var/replace_stack actions and
// handed straight back on the next step.
type wireContext struct {
	Vars  map[string]map[string]json.RawMessage `json:"vars,omitempty"`
	Stack json.RawMessage                       `json:"stack,omitempty"`
}

// wireEvent is the JSON-over-the-wire shape of event.Event.
type wireEvent struct {
	Kind       string `json:"kind"`
	DeviceID   int    `json:"device_id"`
	Note       int    `json:"note,omitempty"`
	Velocity   int    `json:"velocity,omitempty"`
	Channel    int    `json:"channel,omitempty"`
	Duration   int64  `json:"duration_us,omitempty"`
	Controller int    `json:"controller,omitempty"`
	Value      int    `json:"value,omitempty"`
	Program    int    `json:"program,omitempty"`
	Pressure   int    `json:"pressure,omitempty"`
	Transport  string `json:"transport,omitempty"`
	OSCAddress string `json:"osc_address,omitempty"`
	LogMessage string `json:"log_message,omitempty"`
}

func (w *wireEvent) toEvent() event.Event {
	ev := event.Event{DeviceID: w.DeviceID}
	switch w.Kind {
	case "note":
		ev.Kind = event.KindNote
	case "control":
		ev.Kind = event.KindControl
	case "program":
		ev.Kind = event.KindProgram
	case "aftertouch":
		ev.Kind = event.KindAftertouch
	case "channel_pressure":
		ev.Kind = event.KindChannelPressure
	case "sysex":
		ev.Kind = event.KindSysex
	case "transport":
		ev.Kind = event.KindTransport
	case "osc":
		ev.Kind = event.KindOSC
	case "log":
		ev.Kind = event.KindLog
	}
	ev.Note = w.Note
	ev.Velocity = w.Velocity
	ev.Channel = w.Channel
	ev.Duration = w.Duration
	ev.Controller = w.Controller
	ev.Value = w.Value
	ev.Program = w.Program
	ev.Pressure = w.Pressure
	ev.OSCAddress = w.OSCAddress
	ev.LogMessage = w.LogMessage
	return ev
}

// Interpreter drives a child process, one step per ExecuteNext call.
type Interpreter struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     *bufio.Reader
	terminated bool
	stopped    bool

	// vars/stack are this interpreter's own mirror of the evaluation
	// context: set_var/replace_stack actions from the child mutate them
	// here, and the mutated state is what gets serialized back on the
	// next ExecuteNext call.
	vars  map[string]map[string]json.RawMessage
	stack json.RawMessage
}

// Factory builds an extproc Interpreter per script. Command is the
// executable to spawn; Args come first on its command line, followed by the
// script's own Args map flattened as -key=value pairs.
type Factory struct {
	Name_   string
	Command string
	Args    []string
	Timeout time.Duration
}

func (f *Factory) Name() string { return f.Name_ }

func (f *Factory) MakeInstance(script *scene.Script) (interpreter.Interpreter, error) {
	args := append([]string{}, f.Args...)
	for k, v := range script.Args {
		args = append(args, "-"+k+"="+v)
	}

	ctx := context.Background()
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		_ = cancel // the process is killed via Interpreter.Stop, not ctx expiry alone
	}
	cmd := exec.CommandContext(ctx, f.Command, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "open stdout pipe", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Wrap(errs.IoError, "open stdin pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.CompileError, "start external interpreter process", err)
	}

	return &Interpreter{
		cmd:    cmd,
		stdin:  stdin,
		stdout: bufio.NewReader(stdout),
		vars:   make(map[string]map[string]json.RawMessage),
	}, nil
}

// ExecuteNext writes the current evaluation context as one JSON object to
// stdin, then reads and applies actions from stdout until the sentinel
// byte or EOF.
func (i *Interpreter) ExecuteNext() (*event.Event, *int64, error) {
	if i.terminated || i.stopped {
		return nil, nil, nil
	}

	ctxPayload, err := json.Marshal(wireContext{Vars: i.vars, Stack: i.stack})
	if err != nil {
		return nil, nil, errs.Wrap(errs.ProtocolEncodeError, "encode evaluation context for child stdin", err)
	}
	if _, err := i.stdin.Write(append(ctxPayload, '\n')); err != nil {
		return nil, nil, errs.Wrap(errs.IoError, "write step request to child stdin", err)
	}

	for {
		frame, err := i.stdout.ReadBytes(Sentinel)
		if err != nil {
			if err == io.EOF {
				i.terminated = true
				return nil, nil, nil
			}
			return nil, nil, errs.Wrap(errs.IoError, "read action stream from child stdout", err)
		}
		payload := bytes.TrimSuffix(frame, []byte{Sentinel})
		if len(bytes.TrimSpace(payload)) == 0 {
			continue
		}

		var act action
		if err := json.Unmarshal(payload, &act); err != nil {
			return nil, nil, errs.Wrap(errs.ProtocolEncodeError, "decode action from child process", err)
		}

		switch act.Kind {
		case "emit_event":
			if act.Event == nil {
				return nil, nil, errs.New(errs.ProtocolEncodeError, "emit_event action missing event payload")
			}
			ev := act.Event.toEvent()
			return &ev, nil, nil
		case "delay":
			d := act.Micros
			return nil, &d, nil
		case "terminate":
			i.terminated = true
			return nil, nil, nil
		case "set_var":
			if act.Scope == "" || act.Name == "" {
				return nil, nil, errs.New(errs.ProtocolEncodeError, "set_var action missing scope or name")
			}
			scope, ok := i.vars[act.Scope]
			if !ok {
				scope = make(map[string]json.RawMessage)
				i.vars[act.Scope] = scope
			}
			scope[act.Name] = act.Value
			continue
		case "replace_stack":
			i.stack = act.Stack
			continue
		default:
			return nil, nil, errs.Newf(errs.ProtocolEncodeError, "unknown action kind %q", act.Kind)
		}
	}
}

// HasTerminated reports whether the child signalled termination or exited.
func (i *Interpreter) HasTerminated() bool { return i.terminated || i.stopped }

// Stop kills the child process and marks the interpreter terminated.
func (i *Interpreter) Stop() {
	i.stopped = true
	if i.cmd.Process != nil {
		_ = i.cmd.Process.Kill()
	}
	_ = i.stdin.Close()
	_ = i.cmd.Wait()
}

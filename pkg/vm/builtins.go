package vm

import (
	"math/rand/v2"

	"github.com/loomtide/loom/pkg/bytecode"
	"github.com/loomtide/loom/pkg/errs"
	"github.com/loomtide/loom/pkg/event"
)

// BuiltinFunc is a registered environment function. Args arrive already in
// call order (CallFunction's stack convention is reverse-push order; the
// executor un-reverses before invoking). A pure function returns only a
// result value. An emitting function additionally returns an Event and,
// optionally, a delay — returning either causes ExecuteNext to yield rather
// than continue the instruction loop, mirroring the teacher's
// RegisterBuiltinFunction pattern (pkg/vm/builtins_math.go in the teacher)
// generalized with an explicit emission channel the teacher's pure-value
// builtins never needed.
type BuiltinFunc func(args []bytecode.Value) (result bytecode.Value, emitted *event.Event, delay *int64, err error)

// Builtins is a name-keyed registry of environment functions.
type Builtins struct {
	funcs map[string]BuiltinFunc
}

// NewBuiltins builds a registry pre-populated with the shipped builtins
// (spec section 4.5 / SPEC_FULL.md section 4.5): MIDI emitters, OSC, log,
// sleep, and pure value helpers.
func NewBuiltins() *Builtins {
	b := &Builtins{funcs: make(map[string]BuiltinFunc)}
	b.registerMIDI()
	b.registerOSC()
	b.registerMisc()
	b.registerMath()
	return b
}

// Register adds or replaces a builtin function by name.
func (b *Builtins) Register(name string, fn BuiltinFunc) {
	b.funcs[name] = fn
}

// Lookup finds a builtin by name.
func (b *Builtins) Lookup(name string) (BuiltinFunc, bool) {
	fn, ok := b.funcs[name]
	return fn, ok
}

func argInt(args []bytecode.Value, i int) int64 {
	if i >= len(args) {
		return 0
	}
	v, _ := args[i].AsInt()
	return v
}

func argStr(args []bytecode.Value, i int) string {
	if i >= len(args) {
		return ""
	}
	return args[i].AsString()
}

func (b *Builtins) registerMIDI() {
	b.Register("midi_note", func(args []bytecode.Value) (bytecode.Value, *event.Event, *int64, error) {
		if len(args) < 5 {
			return bytecode.Unit, nil, nil, errs.New(errs.InvalidArgument, "midi_note requires (device_id, note, velocity, channel, duration_us)")
		}
		deviceID := int(argInt(args, 0))
		note := int(argInt(args, 1))
		vel := int(argInt(args, 2))
		ch := int(argInt(args, 3))
		dur := argInt(args, 4)
		ev := event.Note(deviceID, note, vel, ch, dur)
		return bytecode.Unit, &ev, nil, nil
	})

	b.Register("midi_cc", func(args []bytecode.Value) (bytecode.Value, *event.Event, *int64, error) {
		if len(args) < 4 {
			return bytecode.Unit, nil, nil, errs.New(errs.InvalidArgument, "midi_cc requires (device_id, controller, value, channel)")
		}
		ev := event.Control(int(argInt(args, 0)), int(argInt(args, 1)), int(argInt(args, 2)), int(argInt(args, 3)))
		return bytecode.Unit, &ev, nil, nil
	})

	b.Register("midi_program", func(args []bytecode.Value) (bytecode.Value, *event.Event, *int64, error) {
		if len(args) < 3 {
			return bytecode.Unit, nil, nil, errs.New(errs.InvalidArgument, "midi_program requires (device_id, program, channel)")
		}
		ev := event.Program(int(argInt(args, 0)), int(argInt(args, 1)), int(argInt(args, 2)))
		return bytecode.Unit, &ev, nil, nil
	})

	b.Register("midi_aftertouch", func(args []bytecode.Value) (bytecode.Value, *event.Event, *int64, error) {
		if len(args) < 4 {
			return bytecode.Unit, nil, nil, errs.New(errs.InvalidArgument, "midi_aftertouch requires (device_id, note, pressure, channel)")
		}
		ev := event.Aftertouch(int(argInt(args, 0)), int(argInt(args, 1)), int(argInt(args, 2)), int(argInt(args, 3)))
		return bytecode.Unit, &ev, nil, nil
	})

	b.Register("midi_pressure", func(args []bytecode.Value) (bytecode.Value, *event.Event, *int64, error) {
		if len(args) < 3 {
			return bytecode.Unit, nil, nil, errs.New(errs.InvalidArgument, "midi_pressure requires (device_id, pressure, channel)")
		}
		ev := event.ChannelPressure(int(argInt(args, 0)), int(argInt(args, 1)), int(argInt(args, 2)))
		return bytecode.Unit, &ev, nil, nil
	})

	b.Register("midi_sysex", func(args []bytecode.Value) (bytecode.Value, *event.Event, *int64, error) {
		if len(args) < 2 {
			return bytecode.Unit, nil, nil, errs.New(errs.InvalidArgument, "midi_sysex requires (device_id, payload)")
		}
		raw, _ := args[1].AsArray()
		payload := make([]byte, len(raw))
		for i, v := range raw {
			n, _ := v.AsInt()
			payload[i] = byte(n)
		}
		ev := event.Sysex(int(argInt(args, 0)), payload)
		return bytecode.Unit, &ev, nil, nil
	})

	b.Register("midi_transport", func(args []bytecode.Value) (bytecode.Value, *event.Event, *int64, error) {
		if len(args) < 2 {
			return bytecode.Unit, nil, nil, errs.New(errs.InvalidArgument, "midi_transport requires (device_id, kind)")
		}
		kind := transportKindFromString(argStr(args, 1))
		ev := event.Transport(int(argInt(args, 0)), kind)
		return bytecode.Unit, &ev, nil, nil
	})
}

func transportKindFromString(s string) event.TransportKind {
	switch s {
	case "stop":
		return event.TransportStop
	case "continue":
		return event.TransportContinue
	case "clock":
		return event.TransportClock
	case "reset":
		return event.TransportReset
	default:
		return event.TransportStart
	}
}

func (b *Builtins) registerOSC() {
	b.Register("osc_send", func(args []bytecode.Value) (bytecode.Value, *event.Event, *int64, error) {
		if len(args) < 2 {
			return bytecode.Unit, nil, nil, errs.New(errs.InvalidArgument, "osc_send requires (device_id, address, ...args)")
		}
		deviceID := int(argInt(args, 0))
		address := argStr(args, 1)
		oscArgs := make([]any, 0, len(args)-2)
		for _, v := range args[2:] {
			oscArgs = append(oscArgs, valueToOSCArg(v))
		}
		ev := event.OSC(deviceID, address, oscArgs)
		return bytecode.Unit, &ev, nil, nil
	})
}

func valueToOSCArg(v bytecode.Value) any {
	if n, ok := v.AsInt(); ok {
		return int32(n)
	}
	if f, ok := v.AsFloat(); ok {
		return float32(f)
	}
	if bv, ok := v.AsBool(); ok {
		return bv
	}
	return v.AsString()
}

func (b *Builtins) registerMisc() {
	b.Register("log", func(args []bytecode.Value) (bytecode.Value, *event.Event, *int64, error) {
		ev := event.Log(argStr(args, 0))
		return bytecode.Unit, &ev, nil, nil
	})

	b.Register("sleep", func(args []bytecode.Value) (bytecode.Value, *event.Event, *int64, error) {
		d := argInt(args, 0)
		return bytecode.Unit, nil, &d, nil
	})
}

func (b *Builtins) registerMath() {
	b.Register("random", func(args []bytecode.Value) (bytecode.Value, *event.Event, *int64, error) {
		var lo, hi int64
		if len(args) == 1 {
			hi = argInt(args, 0)
		} else if len(args) >= 2 {
			lo = argInt(args, 0)
			hi = argInt(args, 1)
		}
		if hi <= lo {
			return bytecode.Int(lo), nil, nil, nil
		}
		return bytecode.Int(lo + int64(rand.IntN(int(hi-lo)))), nil, nil, nil
	})

	b.Register("hi_word", func(args []bytecode.Value) (bytecode.Value, *event.Event, *int64, error) {
		v := argInt(args, 0)
		return bytecode.Int((v >> 16) & 0xFFFF), nil, nil, nil
	})

	b.Register("lo_word", func(args []bytecode.Value) (bytecode.Value, *event.Event, *int64, error) {
		v := argInt(args, 0)
		return bytecode.Int(v & 0xFFFF), nil, nil, nil
	})

	b.Register("make_long", func(args []bytecode.Value) (bytecode.Value, *event.Event, *int64, error) {
		lo := argInt(args, 0)
		hi := argInt(args, 1)
		return bytecode.Int(((hi & 0xFFFF) << 16) | (lo & 0xFFFF)), nil, nil, nil
	})
}

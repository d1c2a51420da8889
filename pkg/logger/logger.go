// Package logger provides the process-wide logger with the four modes
// the scheduler and control server share: Standalone (terminal only),
// Embedded (bounded channel to an embedding host), Network (broadcast
// on a notification watch channel as Log(TimedMessage)), and Dual
// (terminal plus network). Mode switching is atomic so a control
// message can flip it mid-run without tearing a log line in half.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"
)

// Mode selects where log records go.
type Mode int32

const (
	Standalone Mode = iota
	Embedded
	Network
	Dual
)

// Severity mirrors the levels spec.md calls out; Fatal maps to
// slog.LevelError plus a distinct tag for consumers that want to react
// to it (e.g. a host process deciding to restart).
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarn
	SeverityError
	SeverityFatal
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

func (s Severity) slogLevel() slog.Level {
	switch s {
	case SeverityDebug:
		return slog.LevelDebug
	case SeverityWarn:
		return slog.LevelWarn
	case SeverityError, SeverityFatal:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Record is one log entry, used on the Embedded channel and inside the
// Network notification.
type Record struct {
	Time     time.Time
	Severity Severity
	Message  string
	Attrs    map[string]any
}

// Notification is published on the shared watch channel in Network/Dual
// mode, matching the Log(TimedMessage)-shaped notification spec.md
// describes for the control server's outbound stream.
type Notification struct {
	Record Record
}

// Logger is the process-wide sink. The zero value is not usable; use New
// or the package-level Global accessor.
type Logger struct {
	mode atomic.Int32

	term *slog.Logger

	embedded chan Record // Embedded/Dual: bounded, non-blocking send
	watch    chan<- Notification
}

// New builds a Logger in the given starting mode. watch may be nil unless
// mode is Network or Dual, in which case it must be supplied by the
// caller wiring the control server's notification channel. embeddedCap
// bounds the Embedded-mode channel depth.
func New(mode Mode, embeddedCap int, watch chan<- Notification) *Logger {
	if embeddedCap <= 0 {
		embeddedCap = 64
	}
	l := &Logger{
		term:     slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})),
		embedded: make(chan Record, embeddedCap),
		watch:    watch,
	}
	l.mode.Store(int32(mode))
	return l
}

// SetLevel configures the minimum level the terminal handler emits;
// Embedded/Network delivery is unaffected, since a host may filter itself.
func (l *Logger) SetLevel(level string) error {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "info":
		lv = slog.LevelInfo
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		return fmt.Errorf("invalid log level: %s", level)
	}
	l.term = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lv}))
	return nil
}

// SetMode atomically switches delivery mode.
func (l *Logger) SetMode(m Mode) { l.mode.Store(int32(m)) }

// ModeOf reports the current mode.
func (l *Logger) ModeOf() Mode { return Mode(l.mode.Load()) }

// EmbeddedChannel exposes the bounded channel a host reads from in
// Embedded/Dual mode.
func (l *Logger) EmbeddedChannel() <-chan Record { return l.embedded }

func (l *Logger) Log(sev Severity, msg string, attrs map[string]any) {
	rec := Record{Time: time.Now(), Severity: sev, Message: msg, Attrs: attrs}
	mode := l.ModeOf()

	if mode == Standalone || mode == Dual {
		args := make([]any, 0, len(attrs)*2)
		for k, v := range attrs {
			args = append(args, k, v)
		}
		l.term.Log(context.Background(), rec.Severity.slogLevel(), msg, args...)
	}

	if mode == Embedded || mode == Dual {
		l.deliverEmbedded(rec)
	}
	if mode == Network || mode == Dual {
		l.deliverNetwork(rec)
	}
}

// deliverEmbedded sends on the bounded channel without blocking; a full
// channel falls back to the terminal so a log is never lost silently.
func (l *Logger) deliverEmbedded(rec Record) {
	select {
	case l.embedded <- rec:
	default:
		l.term.Warn("embedded log channel full, falling back to terminal", "dropped_message", rec.Message)
		l.term.Log(context.Background(), rec.Severity.slogLevel(), rec.Message)
	}
}

// deliverNetwork publishes on the shared watch channel without blocking;
// a nil or full channel falls back to the terminal.
func (l *Logger) deliverNetwork(rec Record) {
	if l.watch == nil {
		l.term.Log(context.Background(), rec.Severity.slogLevel(), rec.Message)
		return
	}
	select {
	case l.watch <- Notification{Record: rec}:
	default:
		l.term.Warn("network log channel full, falling back to terminal", "dropped_message", rec.Message)
		l.term.Log(context.Background(), rec.Severity.slogLevel(), rec.Message)
	}
}

func (l *Logger) Debug(msg string, attrs map[string]any) { l.Log(SeverityDebug, msg, attrs) }
func (l *Logger) Info(msg string, attrs map[string]any)  { l.Log(SeverityInfo, msg, attrs) }
func (l *Logger) Warn(msg string, attrs map[string]any)  { l.Log(SeverityWarn, msg, attrs) }
func (l *Logger) Error(msg string, attrs map[string]any) { l.Log(SeverityError, msg, attrs) }
func (l *Logger) Fatal(msg string, attrs map[string]any) { l.Log(SeverityFatal, msg, attrs) }

var global atomic.Pointer[Logger]

// Global returns the process-wide Logger, lazily initializing it in
// Standalone mode on first use.
func Global() *Logger {
	if g := global.Load(); g != nil {
		return g
	}
	l := New(Standalone, 64, nil)
	if global.CompareAndSwap(nil, l) {
		return l
	}
	return global.Load()
}

// SetGlobal installs l as the process-wide Logger, e.g. once main has
// wired a real watch channel and wants Network/Dual mode in effect
// everywhere Global() is called.
func SetGlobal(l *Logger) { global.Store(l) }

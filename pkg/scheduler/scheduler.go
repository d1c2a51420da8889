// Package scheduler implements the Scheduler (spec section 4.3): the
// single realtime-priority loop that drains control messages, applies
// deferred actions, locates each line's current frame from beat position
// (step_index), starts/continues executions, and pumps the VM/interpreter
// to forward emitted events to the Device Map and Dispatcher. Grounded on
// the teacher's own single-goroutine tick loop
// (pkg/engine/tick_generator.go's wall-clock-driven advance, read during
// pkg/clock's own grounding) generalized from MIDI-tick advancement to
// frame-boundary detection across many independently-speed-factored lines.
package scheduler

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/loomtide/loom/pkg/clock"
	"github.com/loomtide/loom/pkg/devicemap"
	"github.com/loomtide/loom/pkg/dispatcher"
	"github.com/loomtide/loom/pkg/event"
	"github.com/loomtide/loom/pkg/interpreter"
	"github.com/loomtide/loom/pkg/protocol"
	"github.com/loomtide/loom/pkg/scene"
)

// ScheduledDrift is the small wall-clock lookahead every scheduling decision
// uses instead of "now", so dispatch has time to meet the target instant
// (spec section 4.3).
const ScheduledDrift = 1 * time.Millisecond

// MaxAssignableSlot bounds user-facing slot numbers (spec section 4.8).
const MaxAssignableSlot = 128

// ActionTimingKind tags which predicate a DeferredAction waits on.
type ActionTimingKind int

const (
	Immediate ActionTimingKind = iota
	AtBeat
	EndOfLine
)

// ActionTiming selects when a control message takes effect.
type ActionTiming struct {
	Kind   ActionTimingKind
	Beat   float64 // meaningful for AtBeat
	LineID int     // meaningful for EndOfLine
}

// MessageKind enumerates the control surface's message variants (spec
// section 4.3's minimum set).
type MessageKind int

const (
	MsgSetScript MessageKind = iota
	MsgSetSpeedFactor
	MsgInsertLine
	MsgRemoveLine
	MsgAssignDeviceToSlot
	MsgUnassignDeviceFromSlot
	MsgConnectDeviceByName
	MsgDisconnectDeviceByName
	MsgCreateVirtualMidiOutput
	MsgClockCommand
	MsgKillAll
	MsgQuit
)

// ClockCommandKind enumerates the Clock operations a ClockCommand message
// can request.
type ClockCommandKind int

const (
	ClockPlayPause ClockCommandKind = iota
	ClockResetBeat
	ClockSetTempo
	ClockSetQuantum
	ClockSetStartStopSync
)

// SchedulerMessage is one control-channel entry. Fields are a tagged-union
// in struct form (only the fields relevant to Kind are populated) rather
// than an interface hierarchy, matching the closed-enum style
// bytecode.Instruction and event.Event already use in this module.
type SchedulerMessage struct {
	Kind MessageKind

	LineID  int
	FrameID int

	Lang    string
	Content string
	Args    map[string]string

	SpeedFactor float64

	SlotID     int
	DeviceName string

	ClockCmd   ClockCommandKind
	ClockValue float64
	ClockBool  bool

	Timing ActionTiming
}

type deferredEntry struct {
	msg SchedulerMessage
}

// execution is a live script instance tied to one (line, frame) cell (spec
// "Execution").
type execution struct {
	interp  interpreter.Interpreter
	readyAt clock.SyncTime
	lineID  int
	frameID int
}

// Notification is one item on the outbound watch channel (spec section
// 4.9/5): currently only log-shaped notifications are produced, mirroring
// the Logger's Network-mode broadcast payload.
type Notification struct {
	Message string
}

// Scheduler drives the engine's single realtime loop.
type Scheduler struct {
	scene *scene.Scene
	clk   *clock.Clock
	reg   *interpreter.Registry
	dev   *devicemap.Map
	disp  *dispatcher.Dispatcher
	log   *slog.Logger

	control  chan SchedulerMessage
	notify   chan Notification
	deferred []deferredEntry

	executions map[int]*execution // keyed by line id
	lastBeat   map[int]float64    // per-line last-seen beat, for EndOfLine wrap detection

	quit bool
}

// New builds a Scheduler.
func New(sc *scene.Scene, clk *clock.Clock, reg *interpreter.Registry, dev *devicemap.Map, disp *dispatcher.Dispatcher, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		scene:      sc,
		clk:        clk,
		reg:        reg,
		dev:        dev,
		disp:       disp,
		log:        log,
		control:    make(chan SchedulerMessage, 256),
		notify:     make(chan Notification, 256),
		executions: make(map[int]*execution),
		lastBeat:   make(map[int]float64),
	}
}

// Control returns the channel a server/host thread feeds inbound control
// messages into.
func (s *Scheduler) Control() chan<- SchedulerMessage { return s.control }

// Notifications returns the outbound watch channel.
func (s *Scheduler) Notifications() <-chan Notification { return s.notify }

func (s *Scheduler) emit(format string, args ...any) {
	s.emitMsg(fmt.Sprintf(format, args...))
}

func (s *Scheduler) emitMsg(msg string) {
	select {
	case s.notify <- Notification{Message: msg}:
	default:
		s.log.Warn("notification channel full, dropping", "message", msg)
	}
}

// Run executes the main loop until a Quit message is processed or stop is
// closed. Intended to run pinned to realtime priority on its own OS thread
// (see pkg/realtime).
func (s *Scheduler) Run(stop <-chan struct{}) {
	for !s.quit {
		select {
		case <-stop:
			return
		default:
		}
		s.tick()
		time.Sleep(500 * time.Microsecond)
	}
}

func (s *Scheduler) tick() {
	s.clk.Capture()
	s.drainControl()
	theoretical := clock.Now().Add(ScheduledDrift)
	snap := s.clk.Snap(theoretical)
	s.applyDeferred(snap.Beat)

	for _, line := range s.scene.Lines() {
		s.stepLine(line, snap, theoretical)
	}

	s.pumpExecutions(theoretical)
}

// drainControl processes every pending control message without blocking,
// applying Immediate-timed messages right away and enqueuing the rest as
// deferred actions (spec section 4.3, step 2).
func (s *Scheduler) drainControl() {
	for {
		select {
		case msg := <-s.control:
			if msg.Timing.Kind == Immediate {
				s.apply(msg)
			} else {
				s.deferred = append(s.deferred, deferredEntry{msg: msg})
			}
		default:
			return
		}
	}
}

// applyDeferred fires every queued action whose timing predicate now holds,
// in FIFO order, removing them from the queue, then records this tick's
// per-line beat as next tick's "last beat" for EndOfLine wrap detection.
func (s *Scheduler) applyDeferred(currentBeat float64) {
	var remaining []deferredEntry
	for _, d := range s.deferred {
		fire := false
		switch d.msg.Timing.Kind {
		case AtBeat:
			fire = currentBeat >= d.msg.Timing.Beat
		case EndOfLine:
			fire = s.endOfLineFired(d.msg.Timing.LineID, currentBeat)
		}
		if fire {
			s.apply(d.msg)
		} else {
			remaining = append(remaining, d)
		}
	}
	s.deferred = remaining
	for _, line := range s.scene.Lines() {
		s.lastBeat[line.Index] = s.lineBeat(line, currentBeat)
	}
}

// endOfLineFired reports whether line lineID's modular beat position wrapped
// between the previous tick and now (spec section 4.3: "(last_beat mod
// line.length) > (current_beat mod line.length)").
func (s *Scheduler) endOfLineFired(lineID int, currentBeat float64) bool {
	line := s.scene.LineAt(lineID)
	if line == nil {
		return false
	}
	last, ok := s.lastBeat[lineID]
	if !ok {
		return false
	}
	cur := s.lineBeat(line, currentBeat)
	return last > cur
}

func (s *Scheduler) lineBeat(line *scene.Line, clockBeat float64) float64 {
	trackLen := line.Length()
	if trackLen <= 0 {
		return 0
	}
	return mod(clockBeat*line.SpeedFactor, trackLen)
}

func mod(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	m := math.Mod(a, b)
	if m < 0 {
		m += b
	}
	return m
}

// StepResult is step_index's output (spec section 4.3 and 8): the frame
// located at the given beat, and the beat its span began at.
type StepResult struct {
	FrameIndex     int
	FrameStartBeat float64
}

// StepIndex computes (spec section 4.3) which frame of line contains beat
// clockBeat, after applying the line's speed factor and wrapping modulo the
// line's total length. On an exact frame-boundary tie, the later frame wins.
func StepIndex(line *scene.Line, clockBeat float64) StepResult {
	trackLen := line.Length()
	frames := line.Frames()
	if trackLen <= 0 || len(frames) == 0 {
		return StepResult{}
	}
	beat := mod(clockBeat*line.SpeedFactor, trackLen)

	var acc float64
	resultIdx := len(frames) - 1
	resultStart := 0.0
	for i, f := range frames {
		span := f.FrameLen() * line.SpeedFactor
		start := acc
		end := acc + span
		// beat < end (not <=) so that an exact boundary hit falls through to
		// the next frame's start — the later frame wins the tie (spec
		// section 4.3).
		if beat >= start && beat < end {
			resultIdx = i
			resultStart = start
			break
		}
		acc = end
	}
	return StepResult{FrameIndex: resultIdx, FrameStartBeat: resultStart}
}

func (s *Scheduler) stepLine(line *scene.Line, snap clock.Snapshot, theoretical clock.SyncTime) {
	res := StepIndex(line, snap.Beat)
	_, hasExecution := s.executions[line.Index]
	if res.FrameIndex == line.CurrentFrame && hasExecution {
		return
	}
	line.CurrentFrame = res.FrameIndex
	frame := line.FrameAt(res.FrameIndex)
	if frame == nil {
		return
	}
	scheduledDate := s.clk.DateAtBeat(res.FrameStartBeat)
	s.startExecution(line.Index, res.FrameIndex, frame, scheduledDate)
}

func (s *Scheduler) startExecution(lineID, frameID int, frame *scene.Frame, scheduledDate clock.SyncTime) {
	if old, exists := s.executions[lineID]; exists {
		old.interp.Stop()
		delete(s.executions, lineID)
	}
	inst, err := s.reg.MakeInstance(&frame.Script)
	if err != nil {
		s.emit("compile error on line %d frame %d: %v", lineID, frameID, err)
		return
	}
	s.executions[lineID] = &execution{
		interp:  inst,
		readyAt: scheduledDate,
		lineID:  lineID,
		frameID: frameID,
	}
}

// pumpExecutions runs the execution pump (spec section 4.3): advance every
// execution whose ready_at has arrived, forward emitted events through the
// Device Map to the Dispatcher, and drop terminated executions.
func (s *Scheduler) pumpExecutions(theoretical clock.SyncTime) {
	for lineID, ex := range s.executions {
		if ex.readyAt > theoretical {
			continue
		}
		ev, delay, err := ex.interp.ExecuteNext()
		if err != nil {
			s.emit("runtime error on line %d: %v", lineID, err)
			ex.interp.Stop()
			delete(s.executions, lineID)
			continue
		}
		if ev != nil {
			s.forward(*ev, ex.readyAt)
		}
		if delay != nil {
			ex.readyAt = ex.readyAt.Add(time.Duration(*delay) * time.Microsecond)
		}
		if ex.interp.HasTerminated() {
			delete(s.executions, lineID)
		}
	}
}

// forward translates ev through the Device Map and enqueues the resulting
// protocol messages on the Dispatcher. A Note event's NoteOn/NoteOff pair
// (spec section 4.6) is split across due times here: NoteOn at dueAt,
// NoteOff at dueAt + duration.
func (s *Scheduler) forward(ev event.Event, dueAt clock.SyncTime) {
	msgs := s.dev.MapEvent(ev)
	for i, msg := range msgs {
		due := dueAt
		if ev.Kind == event.KindNote && i == 1 {
			due = dueAt.Add(time.Duration(ev.Duration) * time.Microsecond)
		}
		s.disp.Enqueue(protocol.TimedMessage{Message: msg, DueUs: due.Micros()})
	}
}

// apply executes one SchedulerMessage's effect immediately (spec section
// 4.3's minimum control-message set).
func (s *Scheduler) apply(msg SchedulerMessage) {
	switch msg.Kind {
	case MsgSetScript:
		s.applySetScript(msg)
	case MsgSetSpeedFactor:
		line := s.scene.LineMut(msg.LineID)
		line.SetSpeedFactor(msg.SpeedFactor)
	case MsgInsertLine:
		s.scene.InsertLine(msg.LineID)
		s.scene.MakeConsistent()
	case MsgRemoveLine:
		s.scene.RemoveLine(msg.LineID)
		s.scene.MakeConsistent()
		delete(s.executions, msg.LineID)
	case MsgAssignDeviceToSlot:
		s.applyAssignSlot(msg)
	case MsgUnassignDeviceFromSlot:
		s.dev.UnassignSlot(msg.SlotID)
	case MsgConnectDeviceByName:
		if err := s.dev.ConnectByName(msg.DeviceName); err != nil {
			s.emit("connect %q failed: %v", msg.DeviceName, err)
		}
	case MsgDisconnectDeviceByName:
		if err := s.dev.DisconnectByName(msg.DeviceName); err != nil {
			s.emit("disconnect %q failed: %v", msg.DeviceName, err)
		}
	case MsgCreateVirtualMidiOutput:
		if _, err := s.dev.CreateVirtualOutput(msg.DeviceName); err != nil {
			s.emit("create virtual output %q failed: %v", msg.DeviceName, err)
		}
	case MsgClockCommand:
		s.applyClockCommand(msg)
	case MsgKillAll:
		for id, ex := range s.executions {
			ex.interp.Stop()
			delete(s.executions, id)
		}
	case MsgQuit:
		s.quit = true
	}
}

func (s *Scheduler) applySetScript(msg SchedulerMessage) {
	line := s.scene.LineMut(msg.LineID)
	frame := line.FrameAt(msg.FrameID)
	if frame == nil {
		line.SetFrame(msg.FrameID, scene.NewFrame(scene.Script{Lang: "dummy"}))
		frame = line.FrameAt(msg.FrameID)
	}
	candidate := scene.Script{Lang: msg.Lang, Content: msg.Content, Args: msg.Args}
	inst, err := s.reg.MakeInstance(&candidate)
	if err != nil {
		s.emit("compile error on line %d frame %d: %v (previous script kept)", msg.LineID, msg.FrameID, err)
		return
	}
	inst.Stop()
	frame.SetScript(candidate)
}

func (s *Scheduler) applyAssignSlot(msg SchedulerMessage) {
	if msg.SlotID == 0 || msg.SlotID > MaxAssignableSlot {
		s.emit("rejecting slot assignment: slot %d out of range", msg.SlotID)
		return
	}
	if err := s.dev.AssignSlot(msg.SlotID, msg.DeviceName); err != nil {
		s.emit("assign slot %d to %q failed: %v", msg.SlotID, msg.DeviceName, err)
	}
}

func (s *Scheduler) applyClockCommand(msg SchedulerMessage) {
	switch msg.ClockCmd {
	case ClockPlayPause:
		s.clk.PlayPause()
	case ClockResetBeat:
		s.clk.ResetBeat()
	case ClockSetTempo:
		s.clk.SetTempo(msg.ClockValue)
	case ClockSetQuantum:
		s.clk.SetQuantum(msg.ClockValue)
	case ClockSetStartStopSync:
		s.clk.SetStartStopSync(msg.ClockBool)
	}
}

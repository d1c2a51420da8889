package scheduler

import (
	"testing"

	"github.com/loomtide/loom/pkg/clock"
	"github.com/loomtide/loom/pkg/event"
	"github.com/loomtide/loom/pkg/scene"
)

// TestFrameBoundaryCrossingAt500msAt120BPM exercises spec section 8's first
// scenario directly: at 120bpm a beat is 500ms long, so a one-beat frame's
// boundary falls exactly at the half-second mark. Crossing it must advance
// CurrentFrame and start a fresh execution rather than reusing the old one.
func TestFrameBoundaryCrossingAt500msAt120BPM(t *testing.T) {
	s, sc, clk := newTestScheduler(t)
	line := sc.LineMut(0)
	line.SetFrame(1, scene.NewFrame(scene.Script{Lang: "dummy"}))

	before := clk.Snap(clock.Now())
	before.Beat = 0.25 // 125ms in: still inside frame 0
	s.stepLine(line, before, clock.Now())
	if line.CurrentFrame != 0 {
		t.Fatalf("expected frame 0 at beat 0.25, got %d", line.CurrentFrame)
	}
	firstExec := s.executions[0]

	after := before
	after.Beat = 1.0 // 500ms in: crossed into frame 1
	s.stepLine(line, after, clock.Now())
	if line.CurrentFrame != 1 {
		t.Fatalf("expected frame 1 at beat 1.0 (500ms at 120bpm), got %d", line.CurrentFrame)
	}
	if s.executions[0] == firstExec {
		t.Error("expected a fresh execution to start when the frame boundary was crossed")
	}
}

// TestNoteEventSplitsIntoDueTimedNoteOnNoteOffPair exercises spec section
// 8's scenario of a Note event at T producing a NoteOn at T and a NoteOff
// at T+200ms, both placed on the Dispatcher's due-time queue.
func TestNoteEventSplitsIntoDueTimedNoteOnNoteOffPair(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	s.dev.CreateVirtualOutput("synth")
	s.dev.AssignSlot(1, "synth")

	const durationUs = 200_000
	ev := event.Event{Kind: event.KindNote, DeviceID: 1, Note: 60, Velocity: 100, Duration: durationUs}
	dueAt := clock.Now()

	s.forward(ev, dueAt)

	if got := s.disp.Pending(); got != 2 {
		t.Fatalf("expected NoteOn and NoteOff both enqueued, got %d pending", got)
	}
}

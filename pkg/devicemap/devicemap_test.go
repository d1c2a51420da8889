package devicemap

import (
	"testing"

	"github.com/loomtide/loom/pkg/errs"
	"github.com/loomtide/loom/pkg/event"
	"github.com/loomtide/loom/pkg/protocol"
)

type fakePort struct {
	closed bool
	sent   [][]byte
}

func (p *fakePort) Send(msg []byte) error {
	p.sent = append(p.sent, msg)
	return nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

type fakeLister struct {
	names map[string]*fakePort
}

func newFakeLister(names ...string) *fakeLister {
	l := &fakeLister{names: make(map[string]*fakePort)}
	for _, n := range names {
		l.names[n] = &fakePort{}
	}
	return l
}

func (l *fakeLister) OutPortNames() []string {
	out := make([]string, 0, len(l.names))
	for n := range l.names {
		out = append(out, n)
	}
	return out
}

func (l *fakeLister) OpenOut(name string) (midiPort, error) {
	p, ok := l.names[name]
	if !ok {
		return nil, errs.New(errs.DeviceNotFound, "no such port")
	}
	return p, nil
}

func TestNewSeedsLogDeviceAtIDZero(t *testing.T) {
	m := New(nil, "", 0)
	info, ok := m.Info(LogDeviceID)
	if !ok || info.Name != "log" || info.Kind != protocol.KindLog {
		t.Fatalf("expected log device at id 0, got %+v ok=%v", info, ok)
	}
}

func TestDeviceIDsAreNeverReusedAfterDisconnect(t *testing.T) {
	lister := newFakeLister("synth")
	m := New(lister, "", 0)
	if err := m.RefreshSystemPorts(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	info, ok := m.Info(1)
	if !ok || info.Name != "synth" {
		t.Fatalf("expected synth registered at id 1, got %+v", info)
	}
	delete(lister.names, "synth")
	if err := m.RefreshSystemPorts(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	info, ok = m.Info(1)
	if !ok {
		t.Fatal("expected device record to survive disappearance")
	}
	if info.IsConnected {
		t.Error("expected device marked disconnected after disappearing from the port list")
	}
	lister.names["synth"] = &fakePort{}
	if err := m.RefreshSystemPorts(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	secondID, ok := m.byName["synth"]
	if !ok || secondID != 1 {
		t.Errorf("expected synth to reuse id 1 on reappearance, got %d", secondID)
	}
}

func TestCreateVirtualOutputRejectsNameCollision(t *testing.T) {
	m := New(nil, "", 0)
	if _, err := m.CreateVirtualOutput("loop1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := m.CreateVirtualOutput("loop1"); !errs.Is(err, errs.SlotConflict) {
		t.Errorf("expected SlotConflict, got %v", err)
	}
}

func TestAssignSlotRejectsConflictingReassignment(t *testing.T) {
	m := New(nil, "", 0)
	m.CreateVirtualOutput("a")
	m.CreateVirtualOutput("b")
	if err := m.AssignSlot(1, "a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.AssignSlot(1, "b"); !errs.Is(err, errs.SlotConflict) {
		t.Errorf("expected SlotConflict assigning a taken slot, got %v", err)
	}
	// Re-assigning the same slot to the same device already holding it is fine.
	if err := m.AssignSlot(1, "a"); err != nil {
		t.Errorf("unexpected error re-assigning slot to its current holder: %v", err)
	}
}

func TestUnassignSlotClearsBinding(t *testing.T) {
	m := New(nil, "", 0)
	m.CreateVirtualOutput("a")
	m.AssignSlot(3, "a")
	m.UnassignSlot(3)
	m.CreateVirtualOutput("b")
	if err := m.AssignSlot(3, "b"); err != nil {
		t.Errorf("expected slot free after unassign, got %v", err)
	}
}

func TestMapEventResolvesEventsAddressedByDeviceID(t *testing.T) {
	lister := newFakeLister("synth")
	m := New(lister, "", 0)
	m.RefreshSystemPorts()

	// Device ids are assigned sequentially after the log device (id 0), so
	// the first registered MIDI port is id 1; events address it directly.
	msgs := m.MapEvent(event.Note(1, 60, 100, 1, 200000))
	if len(msgs) != 2 {
		t.Fatalf("expected NoteOn+NoteOff pair, got %d messages", len(msgs))
	}
	if msgs[0].DeviceID != 1 || msgs[1].DeviceID != 1 {
		t.Errorf("expected both messages resolved to device id 1, got %+v", msgs)
	}
	if msgs[0].MIDI.Status != 0x90 {
		t.Errorf("expected NoteOn status 0x90 for 1-based channel 1, got %#x", msgs[0].MIDI.Status)
	}
}

func TestMapEventFallsBackToLogOnUnresolvedDevice(t *testing.T) {
	m := New(nil, "", 0)
	msgs := m.MapEvent(event.Note(999, 60, 100, 1, 1000))
	if len(msgs) != 1 || msgs[0].Kind != protocol.PayloadLog {
		t.Fatalf("expected single log fallback message, got %+v", msgs)
	}
}

func TestMapEventDoesNotResolveASlotIDAsADeviceID(t *testing.T) {
	lister := newFakeLister("synth")
	m := New(lister, "", 0)
	m.RefreshSystemPorts()
	m.AssignSlot(5, "synth") // device id 1 now also holds slot 5

	// An event naming device id 5 (which happens to be a live slot number,
	// not a device id) must not resolve to the slot's device: slots are
	// never consulted on the event path.
	msgs := m.MapEvent(event.Note(5, 60, 100, 1, 200000))
	if len(msgs) != 1 || msgs[0].Kind != protocol.PayloadLog {
		t.Fatalf("expected slot number 5 to fall back to log, not resolve via slots, got %+v", msgs)
	}
}

func TestMapEventTransportAlwaysTargetsChannelZero(t *testing.T) {
	lister := newFakeLister("synth")
	m := New(lister, "", 0)
	m.RefreshSystemPorts()
	msgs := m.MapEvent(event.Transport(1, event.TransportStart))
	if len(msgs) != 1 || msgs[0].MIDI.Status != protocol.SystemStart {
		t.Fatalf("expected single Start transport message, got %+v", msgs)
	}
}

func TestSendMIDIFailsForDisconnectedDevice(t *testing.T) {
	m := New(nil, "", 0)
	m.CreateVirtualOutput("a")
	if err := m.SendMIDI(1, []byte{0x90, 60, 100}); !errs.Is(err, errs.ConnectionFailed) {
		t.Errorf("expected ConnectionFailed for a never-connected virtual port, got %v", err)
	}
}

func TestDeviceListIsSortedByID(t *testing.T) {
	m := New(nil, "", 0)
	m.CreateVirtualOutput("b")
	m.CreateVirtualOutput("a")
	list := m.DeviceList()
	for i := 1; i < len(list); i++ {
		if list[i-1].ID > list[i].ID {
			t.Fatalf("expected device list sorted by id, got %+v", list)
		}
	}
}

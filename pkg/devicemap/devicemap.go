// Package devicemap implements the Device Map (spec section 3): the
// name<->stable-id registry for every output device (log, real MIDI ports,
// virtual MIDI ports, OSC destinations), the slot table mapping slot numbers
// to devices (events themselves carry device ids, never slots), and the
// translation from an abstract event.Event into one or more
// protocol.ProtocolMessage values ready for the Dispatcher.
//
// MIDI connectivity is grounded on gitlab.com/gomidi/midi/v2 (already a
// teacher dependency, used there for SMF file decode in pkg/engine) plus its
// drivers/rtmididrv backend for real hardware ports; this package only needs
// port enumeration and raw byte Send, so it wraps both behind the minimal
// midiPort interface below rather than depending on the driver package
// throughout.
package devicemap

import (
	"sort"
	"sync"

	"github.com/loomtide/loom/pkg/errs"
	"github.com/loomtide/loom/pkg/event"
	"github.com/loomtide/loom/pkg/protocol"
)

// LogDeviceID is reserved; it is never allocated to any other device.
const LogDeviceID = 0

// midiPort is the minimal surface this package needs from a real or virtual
// MIDI output port, satisfied by an adapter over gitlab.com/gomidi/midi/v2's
// drivers.Out.
type midiPort interface {
	Send(msg []byte) error
	Close() error
}

// portLister enumerates system MIDI ports; satisfied by an adapter over
// gitlab.com/gomidi/midi/v2's midi.OutPorts/midi.InPorts.
type portLister interface {
	OutPortNames() []string
	OpenOut(name string) (midiPort, error)
}

type deviceRecord struct {
	info protocol.DeviceInfo
	port midiPort // nil for Log and OSC devices
}

// Map is the process-wide device registry. All methods are safe for
// concurrent use.
type Map struct {
	mu       sync.RWMutex
	byID     map[int]*deviceRecord
	byName   map[string]int
	slots    map[int]int // slot id -> device id
	nextID   int
	lister   portLister
	oscPort  int
	oscHost  string
}

// New builds a Map seeded with the Log device at id 0. lister may be nil in
// tests that never connect real hardware.
func New(lister portLister, oscHost string, oscPort int) *Map {
	m := &Map{
		byID:    make(map[int]*deviceRecord),
		byName:  make(map[string]int),
		slots:   make(map[int]int),
		nextID:  1,
		lister:  lister,
		oscHost: oscHost,
		oscPort: oscPort,
	}
	m.byID[LogDeviceID] = &deviceRecord{info: protocol.DeviceInfo{
		ID: LogDeviceID, Name: "log", Kind: protocol.KindLog,
		Direction: protocol.DirectionOut, IsConnected: true,
	}}
	m.byName["log"] = LogDeviceID
	return m
}

// allocate assigns the next sequential id, never reusing one handed out
// earlier even if that device later disappears.
func (m *Map) allocate() int {
	id := m.nextID
	m.nextID++
	return id
}

// DeviceList returns every known device sorted by id: the log device
// first, then the rest in first-sight order. Ids are handed out in one
// sequence across all kinds, so devices are not grouped by kind.
func (m *Map) DeviceList() []protocol.DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]protocol.DeviceInfo, 0, len(m.byID))
	for _, rec := range m.byID {
		out = append(out, rec.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RefreshSystemPorts re-enumerates the backing MIDI driver's output ports,
// registering any name not already known and marking previously-registered
// ports not currently present as disconnected (without forgetting their id).
func (m *Map) RefreshSystemPorts() error {
	if m.lister == nil {
		return nil
	}
	names := m.lister.OutPortNames()
	seen := make(map[string]bool, len(names))
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		seen[name] = true
		if id, ok := m.byName[name]; ok {
			m.byID[id].info.IsConnected = true
			continue
		}
		id := m.allocate()
		m.byID[id] = &deviceRecord{info: protocol.DeviceInfo{
			ID: id, Name: name, Kind: protocol.KindMIDI,
			Direction: protocol.DirectionOut, IsConnected: true,
		}}
		m.byName[name] = id
	}
	for name, id := range m.byName {
		rec := m.byID[id]
		if rec.info.Kind == protocol.KindMIDI && !rec.info.IsConnected {
			continue
		}
		if rec.info.Kind == protocol.KindMIDI && !seen[name] && rec.port == nil {
			rec.info.IsConnected = false
		}
	}
	return nil
}

// CreateVirtualOutput registers a new virtual MIDI port under name. It
// records the name and a stable id only: no platform virtual port is
// created, and the device stays disconnected. Returns a SlotConflict-kind
// error on a name collision (virtual ports share the same name space as
// real ports and OSC outputs).
func (m *Map) CreateVirtualOutput(name string) (protocol.DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[name]; exists {
		return protocol.DeviceInfo{}, errs.Newf(errs.SlotConflict, "device name %q already in use", name)
	}
	id := m.allocate()
	info := protocol.DeviceInfo{ID: id, Name: name, Kind: protocol.KindMIDI, Direction: protocol.DirectionOut, IsConnected: false}
	m.byID[id] = &deviceRecord{info: info}
	m.byName[name] = id
	return info, nil
}

// RegisterOSCOutput registers an OSC destination device under name, pointed
// at address (host:port). Returns a SlotConflict-kind error on a name
// collision.
func (m *Map) RegisterOSCOutput(name, address string) (protocol.DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[name]; exists {
		return protocol.DeviceInfo{}, errs.Newf(errs.SlotConflict, "device name %q already in use", name)
	}
	id := m.allocate()
	info := protocol.DeviceInfo{ID: id, Name: name, Kind: protocol.KindOSC, Direction: protocol.DirectionOut, IsConnected: true, Address: address}
	m.byID[id] = &deviceRecord{info: info}
	m.byName[name] = id
	return info, nil
}

// ConnectByName opens a MIDI output device's port through the system MIDI
// driver, looked up by the device's name. A no-op if already connected.
// Without a driver (nil lister) it fails with ConnectionFailed; a name
// registered by CreateVirtualOutput opens only if the driver lists a port
// of that name.
func (m *Map) ConnectByName(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byName[name]
	if !ok {
		return errs.Newf(errs.DeviceNotFound, "no device named %q", name)
	}
	rec := m.byID[id]
	if rec.info.Kind != protocol.KindMIDI {
		return errs.Newf(errs.InvalidArgument, "device %q is not a MIDI output", name)
	}
	if rec.port != nil {
		return nil
	}
	if m.lister == nil {
		return errs.New(errs.ConnectionFailed, "no MIDI driver available")
	}
	port, err := m.lister.OpenOut(name)
	if err != nil {
		return errs.Wrap(errs.ConnectionFailed, "open MIDI output port "+name, err)
	}
	rec.port = port
	rec.info.IsConnected = true
	return nil
}

// DisconnectByName closes a MIDI output device's underlying port, leaving
// its id, name, and slot assignment intact.
func (m *Map) DisconnectByName(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byName[name]
	if !ok {
		return errs.Newf(errs.DeviceNotFound, "no device named %q", name)
	}
	rec := m.byID[id]
	if rec.port != nil {
		_ = rec.port.Close()
		rec.port = nil
	}
	rec.info.IsConnected = false
	return nil
}

// AssignSlot binds slotID to the device named name. Returns a SlotConflict
// error if slotID is already bound to a different device, or if the device
// already holds a different slot (slot assignment is one-to-one: a slot
// maps to at most one device and a device holds at most one slot).
func (m *Map) AssignSlot(slotID int, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byName[name]
	if !ok {
		return errs.Newf(errs.DeviceNotFound, "no device named %q", name)
	}
	if existing, taken := m.slots[slotID]; taken && existing != id {
		return errs.Newf(errs.SlotConflict, "slot %d already assigned to device id %d", slotID, existing)
	}
	if cur := m.byID[id].info.SlotID; cur != 0 && cur != slotID {
		return errs.Newf(errs.SlotConflict, "device %q already holds slot %d", name, cur)
	}
	m.slots[slotID] = id
	m.byID[id].info.SlotID = slotID
	return nil
}

// UnassignSlot removes slotID's binding, if any.
func (m *Map) UnassignSlot(slotID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.slots[slotID]; ok {
		delete(m.slots, slotID)
		if rec, ok := m.byID[id]; ok && rec.info.SlotID == slotID {
			rec.info.SlotID = 0
		}
	}
}

// MapEvent translates an abstract event.Event into zero or more
// protocol.ProtocolMessage values bound for a single resolved device.
// A Note event expands to a NoteOn/NoteOff pair, timed duration apart by
// the caller (the scheduler supplies the due-time split); here it returns
// both payloads in order, NoteOn at index 0 and NoteOff at index 1, so the
// caller can place them on the dispatcher queue with the right delay.
func (m *Map) MapEvent(ev event.Event) []protocol.ProtocolMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// Events address devices by id only, never by slot: slot resolution is
	// the scheduler/control-protocol's job, done before an event is built.
	id := ev.DeviceID
	rec, ok := m.byID[id]
	if !ok {
		id = LogDeviceID
		rec = m.byID[LogDeviceID]
	}

	if rec.info.Kind == protocol.KindLog || ev.Kind == event.KindLog {
		return []protocol.ProtocolMessage{{DeviceID: LogDeviceID, Kind: protocol.PayloadLog, Log: describeEvent(ev)}}
	}

	channel := byte(0)
	if ev.Channel > 0 {
		channel = byte(ev.Channel - 1) // 1-based script channel -> 0-based wire channel
	}

	if rec.info.Kind == protocol.KindOSC {
		return []protocol.ProtocolMessage{{DeviceID: id, Kind: protocol.PayloadOSC, OSC: toOSC(ev)}}
	}

	// KindMIDI
	switch ev.Kind {
	case event.KindNote:
		return []protocol.ProtocolMessage{
			{DeviceID: id, Kind: protocol.PayloadMIDI, MIDI: protocol.NoteOn(channel, byte(ev.Note), byte(ev.Velocity))},
			{DeviceID: id, Kind: protocol.PayloadMIDI, MIDI: protocol.NoteOff(channel, byte(ev.Note))},
		}
	case event.KindControl:
		return []protocol.ProtocolMessage{{DeviceID: id, Kind: protocol.PayloadMIDI, MIDI: protocol.Control(channel, byte(ev.Controller), byte(ev.Value))}}
	case event.KindProgram:
		return []protocol.ProtocolMessage{{DeviceID: id, Kind: protocol.PayloadMIDI, MIDI: protocol.Program(channel, byte(ev.Program))}}
	case event.KindAftertouch:
		return []protocol.ProtocolMessage{{DeviceID: id, Kind: protocol.PayloadMIDI, MIDI: protocol.Aftertouch(channel, byte(ev.Note), byte(ev.Pressure))}}
	case event.KindChannelPressure:
		return []protocol.ProtocolMessage{{DeviceID: id, Kind: protocol.PayloadMIDI, MIDI: protocol.ChannelPressure(channel, byte(ev.Pressure))}}
	case event.KindSysex:
		return []protocol.ProtocolMessage{{DeviceID: id, Kind: protocol.PayloadMIDI, MIDI: protocol.Sysex(ev.SysexBytes)}}
	case event.KindTransport:
		// System messages always address channel 0 regardless of ev.Channel.
		return []protocol.ProtocolMessage{{DeviceID: id, Kind: protocol.PayloadMIDI, MIDI: protocol.Transport(transportStatus(ev.Transport))}}
	default:
		return nil
	}
}

func transportStatus(k event.TransportKind) byte {
	switch k {
	case event.TransportStart:
		return protocol.SystemStart
	case event.TransportStop:
		return protocol.SystemStop
	case event.TransportContinue:
		return protocol.SystemContinue
	case event.TransportClock:
		return protocol.SystemClock
	default:
		return protocol.SystemReset
	}
}

func toOSC(ev event.Event) protocol.OSCMessage {
	return protocol.OSCMessage{Address: ev.OSCAddress, Args: ev.OSCArgs}
}

func describeEvent(ev event.Event) string {
	if ev.Kind == event.KindLog {
		return ev.LogMessage
	}
	return ev.Kind.String()
}

// SendMIDI writes raw bytes to the device's connected port. Returns a
// DeviceNotFound or ConnectionFailed-kind error if the device is unknown or
// not currently connected; used by the Dispatcher rather than by scripts
// directly.
func (m *Map) SendMIDI(deviceID int, bytes []byte) error {
	m.mu.RLock()
	rec, ok := m.byID[deviceID]
	m.mu.RUnlock()
	if !ok {
		return errs.Newf(errs.DeviceNotFound, "no device with id %d", deviceID)
	}
	if rec.port == nil {
		return errs.Newf(errs.ConnectionFailed, "device %q is not connected", rec.info.Name)
	}
	return rec.port.Send(bytes)
}

// Info returns the current DeviceInfo for a device id.
func (m *Map) Info(deviceID int) (protocol.DeviceInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.byID[deviceID]
	if !ok {
		return protocol.DeviceInfo{}, false
	}
	return rec.info, true
}

// Package protocol defines the wire-level payload types the Device Map
// produces and the Dispatcher consumes (spec sections 3 and 6): MIDI byte
// encoding, OSC message/bundle encoding with NTP timetag math, device
// handles, and the TimedMessage the dispatcher's priority queue orders on.
// MIDI byte packing is grounded on the example pack's own from-scratch MIDI
// event encoder (other_examples/44e8b78b_winlinvip-audio__midi-event.go.go,
// which packs (status<<4)|channel followed by 1-2 data bytes via
// encoding/binary) — reduced here to status-byte-plus-data-bytes packing
// rather than a full SMF track encoder, since only live wire messages (not
// a file format) are in scope.
package protocol

import "encoding/binary"

// DeviceKind enumerates the protocol families a device can speak.
type DeviceKind int

const (
	KindLog DeviceKind = iota
	KindMIDI
	KindOSC
)

// Direction is the data-flow direction of a device.
type Direction int

const (
	DirectionOut Direction = iota
	DirectionIn
)

// DeviceInfo is the Device Map's public view of one device (spec section 3).
// ID is assigned on first sight and is stable for the life of the process.
type DeviceInfo struct {
	ID          int
	Name        string
	Kind        DeviceKind
	Direction   Direction
	IsConnected bool
	SlotID      int // 0 means unassigned
	Address     string
}

// MIDIPayload is a single MIDI channel or system realtime message, already
// channel-normalized to 0-based.
type MIDIPayload struct {
	Status  byte // e.g. 0x90 for NoteOn on channel 0
	Data1   byte
	Data2   byte
	HasData2 bool
	Sysex   []byte // non-nil only for a sysex payload; Status/Data are unused
}

// Encode renders a MIDIPayload as wire bytes: status byte followed by zero,
// one, or two data bytes, or a full 0xF0 ... 0xF7 sysex frame.
func (p MIDIPayload) Encode() []byte {
	if p.Sysex != nil {
		out := make([]byte, 0, len(p.Sysex)+2)
		out = append(out, 0xF0)
		out = append(out, p.Sysex...)
		out = append(out, 0xF7)
		return out
	}
	switch {
	case p.Status >= 0xF8:
		// System realtime: single status byte, no data.
		return []byte{p.Status}
	case p.HasData2:
		return []byte{p.Status, p.Data1, p.Data2}
	default:
		return []byte{p.Status, p.Data1}
	}
}

// NoteOn builds a NoteOn MIDIPayload. channel is 0-based.
func NoteOn(channel byte, note, velocity byte) MIDIPayload {
	return MIDIPayload{Status: 0x90 | (channel & 0x0F), Data1: note, Data2: velocity, HasData2: true}
}

// NoteOff builds a NoteOff MIDIPayload. channel is 0-based.
func NoteOff(channel byte, note byte) MIDIPayload {
	return MIDIPayload{Status: 0x80 | (channel & 0x0F), Data1: note, Data2: 0, HasData2: true}
}

// Control builds a Control Change MIDIPayload.
func Control(channel byte, controller, value byte) MIDIPayload {
	return MIDIPayload{Status: 0xB0 | (channel & 0x0F), Data1: controller, Data2: value, HasData2: true}
}

// Program builds a Program Change MIDIPayload (single data byte).
func Program(channel byte, program byte) MIDIPayload {
	return MIDIPayload{Status: 0xC0 | (channel & 0x0F), Data1: program, HasData2: false}
}

// Aftertouch builds a polyphonic key pressure MIDIPayload.
func Aftertouch(channel byte, note, pressure byte) MIDIPayload {
	return MIDIPayload{Status: 0xA0 | (channel & 0x0F), Data1: note, Data2: pressure, HasData2: true}
}

// ChannelPressure builds a channel (aftertouch) pressure MIDIPayload
// (single data byte).
func ChannelPressure(channel byte, pressure byte) MIDIPayload {
	return MIDIPayload{Status: 0xD0 | (channel & 0x0F), Data1: pressure, HasData2: false}
}

// Sysex builds a sysex MIDIPayload; payload excludes the 0xF0/0xF7 framing.
func Sysex(payload []byte) MIDIPayload {
	return MIDIPayload{Sysex: payload}
}

// System realtime status bytes (spec section 6).
const (
	SystemStart    = 0xFA
	SystemStop     = 0xFC
	SystemContinue = 0xFB
	SystemClock    = 0xF8
	SystemReset    = 0xFF
)

// Transport builds a system realtime MIDIPayload; channel is always 0.
func Transport(status byte) MIDIPayload {
	return MIDIPayload{Status: status}
}

// OSCMessage is an immediate (unbundled) OSC payload.
type OSCMessage struct {
	Address string
	Args    []any
}

// OSCBundle wraps one or more messages with an NTP timetag for delayed
// delivery.
type OSCBundle struct {
	NTPSeconds  uint32
	NTPFraction uint32
	Messages    []OSCMessage
}

// ntpEpochOffset is the number of seconds between the NTP epoch (1900) and
// the Unix epoch (1970).
const ntpEpochOffset = 2208988800

// NTPTimetag computes the (seconds, fraction) pair for a due time expressed
// as Unix microseconds plus a latency in microseconds (spec section 6):
// ntp_secs = due_us/1e6 + 2208988800, ntp_frac = ((due_us mod 1e6)/1e6) * 2^32.
func NTPTimetag(dueUnixMicros int64, latencyMicros int64) (seconds, fraction uint32) {
	total := dueUnixMicros + latencyMicros
	wholeSeconds := total / 1_000_000
	remainderMicros := total % 1_000_000
	if remainderMicros < 0 {
		remainderMicros += 1_000_000
		wholeSeconds--
	}
	seconds = uint32(wholeSeconds + ntpEpochOffset)
	fraction = uint32((float64(remainderMicros) / 1_000_000.0) * 4294967296.0)
	return seconds, fraction
}

// EncodeBundleHeader renders the 16-byte "#bundle" + timetag header OSC
// bundles are prefixed with, ahead of each contained message's own
// length-prefixed encoding (the actual per-message OSC type-tag encoding is
// delegated to github.com/hypebeast/go-osc at the dispatcher boundary; this
// helper exists so the NTP math is independently testable without a UDP
// socket).
func EncodeBundleHeader(seconds, fraction uint32) []byte {
	out := make([]byte, 16)
	copy(out[0:8], "#bundle\x00")
	binary.BigEndian.PutUint32(out[8:12], seconds)
	binary.BigEndian.PutUint32(out[12:16], fraction)
	return out
}

// ProtocolPayloadKind tags a ProtocolMessage's payload variant.
type ProtocolPayloadKind int

const (
	PayloadLog ProtocolPayloadKind = iota
	PayloadMIDI
	PayloadOSC
)

// ProtocolMessage is one addressed, encoded payload awaiting dispatch.
type ProtocolMessage struct {
	DeviceID int
	Kind     ProtocolPayloadKind
	MIDI     MIDIPayload
	OSC      OSCMessage
	OSCDelay *int64 // microseconds of added latency; non-nil triggers bundle wrapping
	Log      string
}

// TimedMessage pairs a ProtocolMessage with the wall-clock instant it is due.
type TimedMessage struct {
	Message TimedMessagePayload
	DueUs   int64
}

// TimedMessagePayload is an alias kept distinct from ProtocolMessage so that
// dispatcher priority-queue entries (which also need a monotonic sequence
// number for stable same-due-time ordering) can embed it without confusing
// the two.
type TimedMessagePayload = ProtocolMessage

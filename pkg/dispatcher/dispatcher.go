// Package dispatcher implements the Dispatcher (spec section 4.7/6): a
// due-time-ordered delivery loop that pops the earliest-due
// protocol.TimedMessage, sleeps until it is due (bounded so a control
// command is never starved), and writes it to the Device Map (MIDI) or an
// OSC client (github.com/hypebeast/go-osc, grounded on the pack's own
// osc.NewClient/osc.NewMessage/Send usage in
// other_examples/42f338a9_schollz-221e__internal-model-model.go.go). Active
// MIDI notes are tracked so Stop can flush outstanding NoteOffs;
// disconnecting a single device does not flush its notes.
package dispatcher

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"

	"github.com/hypebeast/go-osc/osc"

	"github.com/loomtide/loom/pkg/clock"
	"github.com/loomtide/loom/pkg/devicemap"
	"github.com/loomtide/loom/pkg/protocol"
)

// DefaultGraceMicros is the default tolerance a late message is still sent
// within, rather than silently dropped (spec section 6).
const DefaultGraceMicros = 1000

// maxSleep bounds a single sleep so KillAll/Quit and newly-queued earlier
// messages are never starved behind a far-future entry.
const maxSleep = 50 * time.Millisecond

type queued struct {
	msg   protocol.TimedMessage
	seq   uint64 // monotonic tie-break for identical due times: insertion order wins
	index int
}

type priorityQueue []*queued

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].msg.DueUs != pq[j].msg.DueUs {
		return pq[i].msg.DueUs < pq[j].msg.DueUs
	}
	return pq[i].seq < pq[j].seq
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index, pq[j].index = i, j
}
func (pq *priorityQueue) Push(x any) {
	item := x.(*queued)
	item.index = len(*pq)
	*pq = append(*pq, item)
}
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*pq = old[:n-1]
	return item
}

// activeNote identifies one sounding note for kill-all-on-close bookkeeping.
type activeNote struct {
	deviceID int
	channel  byte
	note     byte
}

// Dispatcher owns the due-time priority queue and the outbound device
// writers.
type Dispatcher struct {
	mu          sync.Mutex
	pq          priorityQueue
	seq         uint64
	devices     *devicemap.Map
	clk         *clock.Clock
	graceMicros int64
	log         *slog.Logger

	active map[activeNote]bool

	wake chan struct{}
	done chan struct{}

	oscClients map[string]*osc.Client
}

// New builds a Dispatcher against devices for MIDI delivery, using clk to
// resolve due beats/times where needed.
func New(devices *devicemap.Map, clk *clock.Clock, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		devices:     devices,
		clk:         clk,
		graceMicros: DefaultGraceMicros,
		log:         log,
		active:      make(map[activeNote]bool),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		oscClients:  make(map[string]*osc.Client),
	}
}

// SetGraceMicros overrides the default late-message tolerance.
func (d *Dispatcher) SetGraceMicros(us int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.graceMicros = us
}

// Pending reports how many messages currently sit in the due-time queue,
// awaiting delivery. Exposed for control-protocol health reporting and
// tests; never blocks the delivery loop.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pq)
}

// Enqueue adds a message due at dueUs. Safe for concurrent use; wakes the
// delivery loop if the new entry is now the earliest.
func (d *Dispatcher) Enqueue(msg protocol.TimedMessage) {
	d.mu.Lock()
	d.seq++
	item := &queued{msg: msg, seq: d.seq}
	heap.Push(&d.pq, item)
	earliest := d.pq[0] == item
	d.mu.Unlock()
	if earliest {
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
}

// Run drives the delivery loop until Stop is called. Intended to run in its
// own goroutine for the lifetime of the process.
func (d *Dispatcher) Run() {
	for {
		select {
		case <-d.done:
			return
		default:
		}
		d.tick()
	}
}

// Stop ends Run's loop and flushes outstanding NoteOffs for every tracked
// active note.
func (d *Dispatcher) Stop() {
	close(d.done)
	d.flushActiveNotes()
}

func (d *Dispatcher) tick() {
	d.mu.Lock()
	if len(d.pq) == 0 {
		d.mu.Unlock()
		select {
		case <-d.wake:
		case <-d.done:
		case <-time.After(maxSleep):
		}
		return
	}
	next := d.pq[0]
	now := int64(d.clk.Micros())
	wait := next.msg.DueUs - now
	if wait > 0 {
		d.mu.Unlock()
		sleepFor := time.Duration(wait) * time.Microsecond
		if sleepFor > maxSleep {
			sleepFor = maxSleep
		}
		select {
		case <-d.wake:
		case <-d.done:
		case <-time.After(sleepFor):
		}
		return
	}
	heap.Pop(&d.pq)
	grace := d.graceMicros
	d.mu.Unlock()

	if wait < -grace {
		d.log.Warn("dropping late message", "lateness_us", -wait, "device_id", next.msg.Message.DeviceID)
		return
	}
	d.deliver(next.msg.Message, next.msg.DueUs)
}

func (d *Dispatcher) deliver(msg protocol.ProtocolMessage, dueUs int64) {
	switch msg.Kind {
	case protocol.PayloadLog:
		d.log.Info("log device", "message", msg.Log)
	case protocol.PayloadMIDI:
		d.deliverMIDI(msg)
	case protocol.PayloadOSC:
		d.deliverOSC(msg, dueUs)
	}
}

func (d *Dispatcher) deliverMIDI(msg protocol.ProtocolMessage) {
	bytes := msg.MIDI.Encode()
	if err := d.devices.SendMIDI(msg.DeviceID, bytes); err != nil {
		d.log.Warn("midi send failed", "device_id", msg.DeviceID, "err", err)
		return
	}
	d.trackActiveNote(msg)
}

func (d *Dispatcher) trackActiveNote(msg protocol.ProtocolMessage) {
	status := msg.MIDI.Status & 0xF0
	channel := msg.MIDI.Status & 0x0F
	key := activeNote{deviceID: msg.DeviceID, channel: channel, note: msg.MIDI.Data1}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch status {
	case 0x90:
		if msg.MIDI.Data2 > 0 {
			d.active[key] = true
		} else {
			delete(d.active, key) // NoteOn velocity 0 is a NoteOff per convention
		}
	case 0x80:
		delete(d.active, key)
	}
}

// flushActiveNotes sends a NoteOff for every still-tracked active note.
// Only Stop calls it; DisconnectByName on the Device Map does not trigger
// a flush.
func (d *Dispatcher) flushActiveNotes() {
	d.mu.Lock()
	toFlush := make([]activeNote, 0, len(d.active))
	for k := range d.active {
		toFlush = append(toFlush, k)
	}
	d.active = make(map[activeNote]bool)
	d.mu.Unlock()

	for _, k := range toFlush {
		off := protocol.NoteOff(k.channel, k.note)
		if err := d.devices.SendMIDI(k.deviceID, off.Encode()); err != nil {
			d.log.Warn("failed to flush active note off", "device_id", k.deviceID, "err", err)
		}
	}
}

func (d *Dispatcher) oscClient(address string) *osc.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.oscClients[address]; ok {
		return c
	}
	host, port := splitHostPort(address)
	c := osc.NewClient(host, port)
	d.oscClients[address] = c
	return c
}

// deliverOSC sends msg.OSC to the device's configured address. A nil
// OSCDelay is sent as a bare, immediate message; a non-nil one is wrapped in
// a bundle carrying dueUs+latency as an NTP timetag (spec section 4.7/6),
// so the receiver schedules playback at the target instant instead of
// whenever this process happened to get around to sending it.
func (d *Dispatcher) deliverOSC(msg protocol.ProtocolMessage, dueUs int64) {
	info, ok := d.devices.Info(msg.DeviceID)
	if !ok {
		d.log.Warn("osc send to unknown device", "device_id", msg.DeviceID)
		return
	}
	client := d.oscClient(info.Address)
	out := osc.NewMessage(msg.OSC.Address)
	for _, arg := range msg.OSC.Args {
		out.Append(arg)
	}

	if msg.OSCDelay == nil {
		if err := client.Send(out); err != nil {
			d.log.Warn("osc send failed", "device_id", msg.DeviceID, "err", err)
		}
		return
	}

	latency := *msg.OSCDelay
	// dueUs is process-relative SyncTime; the NTP timetag needs Unix time.
	dueUnixUs := time.Now().UnixMicro() + (dueUs - int64(d.clk.Micros()))
	seconds, fraction := protocol.NTPTimetag(dueUnixUs, latency)
	bundle := protocol.OSCBundle{NTPSeconds: seconds, NTPFraction: fraction, Messages: []protocol.OSCMessage{msg.OSC}}
	d.log.Debug("osc bundle timetag", "device_id", msg.DeviceID,
		"ntp_seconds", bundle.NTPSeconds, "ntp_fraction", bundle.NTPFraction)

	wrapped := osc.NewBundle(time.UnixMicro(dueUnixUs + latency))
	if err := wrapped.Append(out); err != nil {
		d.log.Warn("osc bundle append failed", "device_id", msg.DeviceID, "err", err)
		return
	}
	if err := client.Send(wrapped); err != nil {
		d.log.Warn("osc bundle send failed", "device_id", msg.DeviceID, "err", err)
	}
}

func splitHostPort(address string) (string, int) {
	host := address
	port := 0
	for i := len(address) - 1; i >= 0; i-- {
		if address[i] == ':' {
			host = address[:i]
			port = atoiSafe(address[i+1:])
			break
		}
	}
	return host, port
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}

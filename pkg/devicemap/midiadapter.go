// midiadapter.go wires the devicemap package's minimal midiPort/portLister
// interfaces to gitlab.com/gomidi/midi/v2 and its rtmididrv backend for
// real hardware ports — the teacher already depends on gomidi/midi/v2 (for
// SMF decode in pkg/engine), so this is the same library reused for its
// live-port half rather than a new dependency.
package devicemap

import (
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

// RtMIDILister adapts the rtmidi driver to portLister.
type RtMIDILister struct {
	drv *rtmididrv.Driver
}

// NewRtMIDILister opens the rtmidi driver backend. Callers keep one
// long-lived instance for the process.
func NewRtMIDILister() (*RtMIDILister, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, err
	}
	return &RtMIDILister{drv: drv}, nil
}

// OutPortNames lists the system's currently visible MIDI output port names.
func (l *RtMIDILister) OutPortNames() []string {
	outs, err := l.drv.Outs()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(outs))
	for _, o := range outs {
		names = append(names, o.String())
	}
	return names
}

// OpenOut opens the named output port and wraps it as a midiPort.
func (l *RtMIDILister) OpenOut(name string) (midiPort, error) {
	out, err := midi.FindOutPort(name)
	if err != nil {
		return nil, err
	}
	send, err := midi.SendTo(out)
	if err != nil {
		return nil, err
	}
	return &rtOutPort{out: out, send: send}, nil
}

type rtOutPort struct {
	out  midi.Out
	send func(midi.Message) error
}

func (p *rtOutPort) Send(msg []byte) error {
	return p.send(midi.Message(msg))
}

func (p *rtOutPort) Close() error {
	return p.out.Close()
}

package clock

import (
	"sync/atomic"
	"time"
)

// PeerSession is the Clock's view of a peer-synchronized session (spec
// "peer session snapshot"). A concrete implementation (pkg/clock/peerlink)
// discovers siblings over mDNS and gossips tempo/quantum/beat-origin; Clock
// never blocks on it — Capture copies out whatever the session last agreed
// on and never calls into the network.
type PeerSession interface {
	// Peek returns the session's last-known (tempo, quantum, peerCount)
	// without blocking. ok is false if no peer state has ever arrived.
	Peek() (tempo, quantum float64, peerCount int, ok bool)
}

// state is the immutable snapshot Clock swaps atomically. OriginTime/
// OriginBeat anchor the linear beat<->time mapping: at OriginTime, the
// position was OriginBeat beats.
type state struct {
	tempo       float64
	quantum     float64
	originTime  SyncTime
	originBeat  float64
	playing     bool
	syncEnabled bool
	peerCount   int
}

// Clock owns tempo, quantum, transport state, and the peer-session
// snapshot. All query methods read one atomically-loaded state value, so a
// single call observes a coherent (tempo, beat-origin) pair even while
// another goroutine is mutating the clock.
//
// Open question (spec section 9): beat_at_date across a tempo change mid-bar
// is under-specified in the original source. This implementation resolves
// it by re-anchoring the origin on every SetTempo/PlayPause/ResetBeat call
// and whenever Capture adopts a peer tempo (SetQuantum leaves the origin
// alone), so beat position is continuous across the change but
// Snapshot values captured before and after are not comparable by
// subtraction — only BeatAtDate/DateAtBeat calls against the *same*
// Snapshot are meaningful together.
type Clock struct {
	st   atomic.Pointer[state]
	peer PeerSession
}

// New creates a Clock at the given initial tempo (BPM) and quantum (beats
// per bar), stopped, with sync disabled and no peer session attached.
func New(tempo, quantum float64) *Clock {
	c := &Clock{}
	c.st.Store(&state{
		tempo:      clampTempo(tempo),
		quantum:    clampQuantum(quantum),
		originTime: Now(),
		originBeat: 0,
	})
	return c
}

func clampTempo(t float64) float64 {
	if t <= 0 {
		return 1
	}
	if t > 1000 {
		return 1000
	}
	return t
}

func clampQuantum(q float64) float64 {
	if q <= 0 {
		return 4
	}
	return q
}

// AttachPeerSession wires a peer session; Capture will refresh tempo/quantum
// from it on future calls whenever sync is enabled.
func (c *Clock) AttachPeerSession(p PeerSession) { c.peer = p }

func (c *Clock) load() *state {
	return c.st.Load()
}

// Micros returns the current instant. Equivalent to the package-level Now;
// provided as a method so callers holding only a *Clock don't need to import
// the free function separately.
func (c *Clock) Micros() SyncTime { return Now() }

// BeatAtDate converts a wall-clock instant to a beat position under the
// current snapshot.
func (c *Clock) BeatAtDate(t SyncTime) float64 {
	s := c.load()
	if !s.playing {
		return s.originBeat
	}
	elapsed := t.Sub(s.originTime).Seconds()
	return s.originBeat + elapsed*s.tempo/60.0
}

// DateAtBeat converts a beat position to a wall-clock instant under the
// current snapshot. date_at_beat(beat_at_date(t)) == t holds whenever tempo
// has not changed between the two calls (spec invariant, section 3).
func (c *Clock) DateAtBeat(beat float64) SyncTime {
	s := c.load()
	if s.tempo == 0 {
		return s.originTime
	}
	seconds := (beat - s.originBeat) * 60.0 / s.tempo
	return s.originTime.Add(time.Duration(seconds * float64(time.Second)))
}

// Tempo returns the current tempo in beats per minute.
func (c *Clock) Tempo() float64 { return c.load().tempo }

// Quantum returns the current quantum in beats per bar.
func (c *Clock) Quantum() float64 { return c.load().quantum }

// IsPlaying reports whether local transport is running.
func (c *Clock) IsPlaying() bool { return c.load().playing }

// SyncEnabled reports whether peer sync is on, i.e. whether Capture adopts
// the peer session's tempo and quantum. Play/pause state is not exchanged
// with peers.
func (c *Clock) SyncEnabled() bool { return c.load().syncEnabled }

// PeerCount returns the number of peers observed in the last Capture.
func (c *Clock) PeerCount() int { return c.load().peerCount }

// SetTempo changes tempo, re-anchoring the origin so the beat position at
// this instant is unchanged.
func (c *Clock) SetTempo(tempo float64) {
	now := Now()
	old := c.load()
	beat := c.BeatAtDate(now)
	c.st.Store(&state{
		tempo:       clampTempo(tempo),
		quantum:     old.quantum,
		originTime:  now,
		originBeat:  beat,
		playing:     old.playing,
		syncEnabled: old.syncEnabled,
		peerCount:   old.peerCount,
	})
}

// SetQuantum changes the bar length in beats.
func (c *Clock) SetQuantum(quantum float64) {
	old := c.load()
	next := *old
	next.quantum = clampQuantum(quantum)
	c.st.Store(&next)
}

// PlayPause toggles local transport, re-anchoring the origin so the beat
// position is continuous across the toggle.
func (c *Clock) PlayPause() {
	now := Now()
	old := c.load()
	beat := c.BeatAtDate(now)
	next := *old
	next.playing = !old.playing
	next.originTime = now
	next.originBeat = beat
	c.st.Store(&next)
}

// ResetBeat reanchors beat 0 to the current instant.
func (c *Clock) ResetBeat() {
	old := c.load()
	next := *old
	next.originTime = Now()
	next.originBeat = 0
	c.st.Store(&next)
}

// SetStartStopSync toggles peer sync, the flag that lets Capture adopt the
// peer session's tempo and quantum. PeerSession carries no play/pause
// state, so local transport is never started or stopped by peers.
func (c *Clock) SetStartStopSync(enabled bool) {
	old := c.load()
	next := *old
	next.syncEnabled = enabled
	c.st.Store(&next)
}

// Capture refreshes the clock's view of the peer session, if sync is
// enabled and a session is attached. It never blocks: PeerSession.Peek must
// be non-blocking, and a miss (ok == false) leaves the clock's own tempo and
// quantum untouched. Intended to be called exactly once per scheduler
// iteration (spec section 4.1/5) so that every query within that iteration
// observes the same snapshot.
func (c *Clock) Capture() {
	if c.peer == nil || !c.SyncEnabled() {
		return
	}
	tempo, quantum, peers, ok := c.peer.Peek()
	if !ok {
		return
	}
	now := Now()
	old := c.load()
	beat := c.BeatAtDate(now)
	c.st.Store(&state{
		tempo:       clampTempo(tempo),
		quantum:     clampQuantum(quantum),
		originTime:  now,
		originBeat:  beat,
		playing:     old.playing,
		syncEnabled: old.syncEnabled,
		peerCount:   peers,
	})
}

// Snapshot is an immutable copy of clock state for consumers (VM
// EvaluationContext, control-protocol state dumps) that must not observe
// tempo changing mid-read.
type Snapshot struct {
	Tempo     float64
	Quantum   float64
	Beat      float64
	Playing   bool
	PeerCount int
}

// Snap captures a coherent read of tempo/quantum/beat/playing/peerCount at
// the given instant.
func (c *Clock) Snap(at SyncTime) Snapshot {
	s := c.load()
	beat := s.originBeat
	if s.playing {
		beat = s.originBeat + at.Sub(s.originTime).Seconds()*s.tempo/60.0
	}
	return Snapshot{
		Tempo:     s.tempo,
		Quantum:   s.quantum,
		Beat:      beat,
		Playing:   s.playing,
		PeerCount: s.peerCount,
	}
}

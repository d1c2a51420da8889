// Package clock implements the synchronized musical clock (spec section
// 4.1): tempo/quantum/beat bookkeeping with a peer-session snapshot
// refreshed once per scheduler tick. The wall-clock-driven, drift-resistant
// beat mapping is grounded on the teacher's TickGenerator
// (pkg/engine/tick_generator.go in the teacher, read during grounding and
// not copied — it computed MIDI ticks from elapsed wall time rather than
// audio sample counts specifically to avoid cumulative drift; Clock applies
// the same idea to beat position).
package clock

import "time"

// SyncTime is monotonic wall-clock microseconds since a fixed,
// process-lifetime epoch. All scheduling arithmetic uses this type rather
// than time.Time so that due times can be compared and subtracted cheaply.
type SyncTime int64

// processEpoch anchors SyncTime(0) to process start. time.Now() here, not
// time.Since applied lazily, so the epoch is fixed once for the process.
var processEpoch = time.Now()

// Now returns the current instant as a SyncTime.
func Now() SyncTime {
	return SyncTime(time.Since(processEpoch).Microseconds())
}

// Add advances a SyncTime by a duration.
func (t SyncTime) Add(d time.Duration) SyncTime {
	return t + SyncTime(d.Microseconds())
}

// Sub returns the duration between two SyncTimes (t - other).
func (t SyncTime) Sub(other SyncTime) time.Duration {
	return time.Duration(int64(t-other)) * time.Microsecond
}

// Before reports whether t occurs strictly before other.
func (t SyncTime) Before(other SyncTime) bool { return t < other }

// Micros returns the raw microsecond count.
func (t SyncTime) Micros() int64 { return int64(t) }

// FromMicros builds a SyncTime from a raw microsecond count, for values that
// arrived over the wire (control frames, dispatcher messages) rather than
// from Now().
func FromMicros(us int64) SyncTime { return SyncTime(us) }

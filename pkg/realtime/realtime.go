// Package realtime makes a best-effort attempt to raise the calling
// OS thread's scheduling priority, for the scheduler's dedicated thread
// (spec.md section 5: "Single scheduler thread at realtime priority is
// mandatory"). Failure is never fatal — most environments (containers,
// non-root users) cannot grant this, and the scheduler degrades to
// ordinary scheduling rather than refusing to start.
package realtime

import (
	"log/slog"

	"golang.org/x/sys/unix"
)

// niceRealtime is the nice value PinCurrentThread applies with
// Setpriority. No realtime scheduling policy (SCHED_FIFO/SCHED_RR) is
// requested; the thread keeps the default policy with a raised nice
// priority. Lowering the nice value below 0 needs CAP_SYS_NICE (or a
// matching RLIMIT_NICE); without it the call fails, is logged, and the
// thread keeps its default priority.
const niceRealtime = -10

// PinCurrentThread asks the OS to raise the calling thread's priority.
// Callers must invoke this from the goroutine that will run the
// scheduler loop after calling runtime.LockOSThread, since thread
// scheduling attributes are per-OS-thread, not per-goroutine.
func PinCurrentThread(log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	tid := unix.Gettid()
	if err := unix.Setpriority(unix.PRIO_PROCESS, tid, niceRealtime); err != nil {
		log.Warn("could not raise scheduler thread priority, continuing at default priority", "err", err)
		return
	}
	log.Info("scheduler thread priority raised", "nice", niceRealtime)
}

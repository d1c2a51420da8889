package realtime

import "testing"

func TestPinCurrentThreadDoesNotPanicWithoutPrivilege(t *testing.T) {
	// Most test environments lack CAP_SYS_NICE; this only verifies the
	// best-effort fallback path never panics or blocks.
	PinCurrentThread(nil)
}

package clstream

import (
	"k8s.io/klog/v2"

	"github.com/gomlx/clstream/cl"
)

// Handle discipline: every handle returned by the API carries one reference
// owned by exactly one wrapper or code path; retain and release are the only
// ownership transfers. Release failures on cleanup paths are logged, never
// propagated -- by the time a release fails there is nothing the caller can
// do about it.

// safeReleaseEvent releases the caller's reference on e. The zero sentinel
// means "no event here" and is a no-op, so it is safe to call on every path,
// including paths where the event was never populated.
func (s *Session) safeReleaseEvent(e cl.Event) {
	if e == 0 {
		return
	}
	if err := s.api.ReleaseEvent(e); err != nil {
		klog.Errorf("clstream session %s: event release failed: %v", s.id, err)
	}
}

// safeReleaseMem releases the caller's reference on m, tolerating the zero
// sentinel.
func (s *Session) safeReleaseMem(m cl.Mem) {
	if m == 0 {
		return
	}
	if err := s.api.ReleaseMemObject(m); err != nil {
		klog.Errorf("clstream session %s: mem release failed: %v", s.id, err)
	}
}

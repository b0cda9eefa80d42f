package clstream

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/clstream/cl"
)

// callKernel resolves the program for key, creates the named kernel, sets
// its arguments in index order, enqueues an N-D-range launch gated on
// waitList, and wires the profiling callback. The returned event carries one
// reference owned by the caller.
//
// Every failing step releases the resources acquired before it and surfaces
// the API error unchanged (wrapped with context).
func (s *Session) callKernel(key SourceKey, name string, args []cl.KernelArg, waitList []cl.Event, dims cl.Dims) (cl.Event, error) {
	prog, err := s.programs.lookup(key)
	if err != nil {
		return 0, err
	}

	kernel, err := s.api.CreateKernel(prog, name)
	// The kernel holds its own program reference from here on; our handout
	// reference is done either way.
	if rerr := s.api.ReleaseProgram(prog); rerr != nil {
		klog.Errorf("clstream session %s: program release failed: %v", s.id, rerr)
	}
	if err != nil {
		return 0, errors.WithMessagef(err, "failed to create kernel %q from program %q", name, key.CacheKey())
	}

	for i, arg := range args {
		if err := s.api.SetKernelArg(kernel, uint(i), arg); err != nil {
			s.releaseKernel(kernel)
			return 0, errors.WithMessagef(err, "failed to set argument %d of kernel %q", i, name)
		}
	}

	ev, err := s.api.EnqueueNDRangeKernel(s.queue, kernel, dims, waitList)
	if err != nil {
		s.releaseKernel(kernel)
		return 0, errors.WithMessagef(err, "failed to enqueue kernel %q", name)
	}

	// The profiling callback owns one event reference so the profile query
	// stays valid no matter when the caller releases its own.
	if err := s.api.RetainEvent(ev); err != nil {
		s.releaseKernel(kernel)
		s.safeReleaseEvent(ev)
		return 0, errors.WithMessagef(err, "failed to retain completion event of kernel %q", name)
	}
	if err := s.api.SetEventCallback(ev, s.profileCallback); err != nil {
		s.safeReleaseEvent(ev) // the callback's reference, never handed over
		s.safeReleaseEvent(ev) // the caller's reference
		s.releaseKernel(kernel)
		return 0, errors.WithMessagef(err, "failed to set completion callback of kernel %q", name)
	}

	// The API retains the kernel internally for the pending launch.
	s.releaseKernel(kernel)
	return ev, nil
}

// profileCallback accumulates the command's end-queued span into the
// session-wide execution-time counter and drops the callback's event
// reference.
func (s *Session) profileCallback(e cl.Event, status int32) {
	defer s.safeReleaseEvent(e)
	if status != cl.CommandComplete {
		klog.Errorf("clstream session %s: kernel finished with status %s", s.id, cl.CodeName(status))
		return
	}
	queued, end, err := s.api.EventProfiling(e)
	if err != nil {
		klog.Errorf("clstream session %s: profiling query failed: %v", s.id, err)
		return
	}
	s.execTimeNS.Add(end - queued)
}

func (s *Session) releaseKernel(k cl.Kernel) {
	if err := s.api.ReleaseKernel(k); err != nil {
		klog.Errorf("clstream session %s: kernel release failed: %v", s.id, err)
	}
}

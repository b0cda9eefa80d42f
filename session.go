package clstream

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/clstream/cl"
)

// Session drives one device through one command queue. Command submission is
// single-threaded per session; parallelism comes from the device executing
// commands asynchronously and from completion callbacks running on
// API-internal threads.
type Session struct {
	api    cl.API
	ctx    cl.Context
	queue  cl.Queue
	device cl.DeviceID

	id       uuid.UUID
	tunables Tunables

	// unified reports whether streamed chunks use the host-visible buffer
	// directly instead of staging through a copy.
	unified bool
	// nGroups and nLocal are the reduction geometry, adjusted for CPU-class
	// devices.
	nGroups, nLocal uint64

	pool     *dustPool
	programs *programCache

	execTimeNS atomic.Uint64
}

// Option configures a Session.
type Option func(*Session)

// WithTunables replaces the default tunables. Zero fields keep their
// defaults.
func WithTunables(t Tunables) Option {
	return func(s *Session) {
		s.tunables = t.withDefaults()
	}
}

// New creates a session over an existing context, command queue and device.
// The session retains the context and queue and releases them on Close; the
// caller keeps its own references.
func New(api cl.API, ctx cl.Context, queue cl.Queue, device cl.DeviceID, opts ...Option) (*Session, error) {
	s := &Session{
		api:      api,
		ctx:      ctx,
		queue:    queue,
		device:   device,
		id:       uuid.New(),
		tunables: DefaultTunables(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.tunables.validate(); err != nil {
		return nil, err
	}

	if err := api.RetainContext(ctx); err != nil {
		return nil, errors.WithMessage(err, "failed to retain context")
	}
	if err := api.RetainQueue(queue); err != nil {
		s.releaseContext()
		return nil, errors.WithMessage(err, "failed to retain queue")
	}

	desc, err := api.DeviceInfo(device)
	if err != nil {
		s.releaseQueue()
		s.releaseContext()
		return nil, errors.WithMessage(err, "failed to query device for upload policy")
	}
	// Unified-memory devices skip the staging copy outright; some discrete
	// devices pin host-ptr buffers transparently, so direct use stays
	// correct and halves buffer residency. The vendor test covers devices
	// that mis-report the unified flag.
	s.unified = desc.HostUnifiedMemory ||
		strings.Contains(strings.ToLower(desc.Vendor), "nvidia")
	s.nGroups, s.nLocal = s.tunables.NGroups, s.tunables.NLocal
	if desc.Type&cl.DeviceTypeCPU != 0 {
		s.nGroups, s.nLocal = 1, 1
	}

	s.pool, err = newDustPool(api, s.id.String(), ctx, s.tunables.DustCount, s.tunables.DustSize)
	if err != nil {
		s.releaseQueue()
		s.releaseContext()
		return nil, err
	}
	s.programs, err = newProgramCache(api, s.id.String(), ctx, device, s.tunables.ProgramCacheCapacity, s.tunables.BuildOptions)
	if err != nil {
		s.pool.close()
		s.releaseQueue()
		s.releaseContext()
		return nil, err
	}

	klog.V(1).Infof("clstream session %s: vendor=%q unified=%v nGroups=%d nLocal=%d",
		s.id, desc.Vendor, s.unified, s.nGroups, s.nLocal)
	return s, nil
}

// ExecutionTimeNS returns the accumulated device execution time of every
// kernel launched so far, in nanoseconds (end minus queued, per command).
func (s *Session) ExecutionTimeNS() uint64 {
	return s.execTimeNS.Load()
}

// ExecutionTime is ExecutionTimeNS as a time.Duration.
func (s *Session) ExecutionTime() time.Duration {
	return time.Duration(s.ExecutionTimeNS())
}

// Close waits for outstanding commands to complete, then tears the session
// down: program cache, dust pool, queue, and context last. Close is
// idempotent.
func (s *Session) Close() error {
	if s.api == nil {
		return nil
	}
	// Outstanding commands complete first, which runs every completion
	// callback and returns all dust buffers.
	err := s.api.Finish(s.queue)
	if err != nil {
		err = errors.WithMessage(err, "failed to drain command queue on close")
	}
	s.programs.close()
	s.pool.close()
	s.releaseQueue()
	s.releaseContext()
	klog.V(1).Infof("clstream session %s: closed, device time %s", s.id, s.ExecutionTime())
	s.api = nil
	return err
}

func (s *Session) releaseContext() {
	if rerr := s.api.ReleaseContext(s.ctx); rerr != nil {
		klog.Errorf("clstream session %s: context release failed: %v", s.id, rerr)
	}
}

func (s *Session) releaseQueue() {
	if rerr := s.api.ReleaseQueue(s.queue); rerr != nil {
		klog.Errorf("clstream session %s: queue release failed: %v", s.id, rerr)
	}
}

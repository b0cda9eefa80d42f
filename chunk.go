package clstream

import (
	"runtime"
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/gomlx/clstream/cl"
	"github.com/gomlx/clstream/codecs"
)

// Chunk is a device-resident, fixed-length typed array paired with the event
// that signals its producer finished writing it.
//
// A chunk owns its device buffer and readiness event; Close releases both
// exactly once. Consumers that outlive the chunk (see Iterate) take their
// own retains. The garbage collector closes leaked chunks as a backstop, but
// owners must close explicitly.
type Chunk[T any] struct {
	// Elems is the element count.
	Elems int
	// Space is the allocated byte capacity, >= Elems*codec.SizeOf().
	Space uint64

	codec   codecs.Codec[T]
	session *Session
	wrapper *chunkWrapper
}

// chunkWrapper wraps the device handles that require cleanup.
type chunkWrapper struct {
	api   cl.API
	sid   string
	mem   cl.Mem
	ready cl.Event
}

func (w *chunkWrapper) valid() bool {
	return w != nil && w.mem != 0
}

func (w *chunkWrapper) destroy() {
	if !w.valid() {
		return
	}
	if err := w.api.ReleaseMemObject(w.mem); err != nil {
		klog.Errorf("clstream session %s: chunk buffer release failed: %v", w.sid, err)
	}
	if w.ready != 0 {
		if err := w.api.ReleaseEvent(w.ready); err != nil {
			klog.Errorf("clstream session %s: chunk ready-event release failed: %v", w.sid, err)
		}
	}
	w.mem = 0
	w.ready = 0
	chunksAlive.Add(-1)
}

var chunksAlive atomic.Int64

// ChunksAlive returns the number of open chunks currently tracked.
func ChunksAlive() int64 {
	return chunksAlive.Load()
}

// newChunk takes ownership of mem and ready and registers the cleanup
// backstop.
func newChunk[T any](s *Session, codec codecs.Codec[T], elems int, space uint64, mem cl.Mem, ready cl.Event) *Chunk[T] {
	c := &Chunk[T]{
		Elems:   elems,
		Space:   space,
		codec:   codec,
		session: s,
		wrapper: &chunkWrapper{api: s.api, sid: s.id.String(), mem: mem, ready: ready},
	}
	chunksAlive.Add(1)
	runtime.AddCleanup(c, func(w *chunkWrapper) {
		w.destroy()
	}, c.wrapper)
	return c
}

// Close releases the chunk's buffer and readiness event. It is idempotent
// and must be called by the chunk's last consumer.
func (c *Chunk[T]) Close() error {
	c.wrapper.destroy()
	return nil
}

// Handle returns the device buffer handle. The chunk keeps ownership.
func (c *Chunk[T]) Handle() cl.Mem {
	return c.wrapper.mem
}

// readyEvent returns the readiness event. The chunk keeps ownership.
func (c *Chunk[T]) readyEvent() cl.Event {
	return c.wrapper.ready
}

// take transfers ownership of the buffer out of the chunk, invalidating it,
// and returns the buffer with the readiness event the caller must release.
// Used by in-place transforms, which consume their input.
func (c *Chunk[T]) take() (cl.Mem, cl.Event) {
	mem, ready := c.wrapper.mem, c.wrapper.ready
	c.wrapper.mem = 0
	c.wrapper.ready = 0
	chunksAlive.Add(-1)
	return mem, ready
}

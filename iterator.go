package clstream

import (
	"runtime"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/clstream/cl"
	"github.com/gomlx/clstream/codecs"
)

// ChunkIterator walks a chunk's contents through mapped host windows: at
// most one window (64 MiB by default) is mapped at a time, and moving past
// it unmaps the current window and maps the next aligned one.
//
// The iterator is finite and non-restartable. It holds its own retains on
// the chunk's buffer and readiness event, so the chunk may be closed while
// iteration is in flight. Close is idempotent and backstopped by the garbage
// collector, but owners must close explicitly.
type ChunkIterator[T any] struct {
	session *Session
	codec   codecs.Codec[T]
	elems   int
	idx     int
	err     error

	wrapper *iterWrapper
}

// iterWrapper wraps the retained handles and the live window state that
// require cleanup.
type iterWrapper struct {
	api   cl.API
	sid   string
	queue cl.Queue
	mem   cl.Mem
	ready cl.Event

	window      []byte
	windowStart uint64 // byte offset of the mapped window within the chunk
	mapEvent    cl.Event
	waited      bool
	closed      bool
}

// Iterate starts reading c back element by element. The precondition that
// the element size divides the mapping window holds for every power-of-two
// codec.
func Iterate[T any](s *Session, c *Chunk[T]) (*ChunkIterator[T], error) {
	if !c.wrapper.valid() {
		return nil, errors.New("cannot iterate a closed chunk")
	}
	if err := s.api.RetainMemObject(c.Handle()); err != nil {
		return nil, errors.WithMessage(err, "failed to retain chunk buffer for iteration")
	}
	if err := s.api.RetainEvent(c.readyEvent()); err != nil {
		s.safeReleaseMem(c.Handle())
		return nil, errors.WithMessage(err, "failed to retain chunk readiness event for iteration")
	}
	it := &ChunkIterator[T]{
		session: s,
		codec:   c.codec,
		elems:   c.Elems,
		wrapper: &iterWrapper{
			api:   s.api,
			sid:   s.id.String(),
			queue: s.queue,
			mem:   c.Handle(),
			ready: c.readyEvent(),
		},
	}
	runtime.AddCleanup(it, func(w *iterWrapper) {
		w.close()
	}, it.wrapper)
	return it, nil
}

// Next returns the next element. The second result is false once the chunk
// is exhausted or an error occurred; check Err afterwards.
func (it *ChunkIterator[T]) Next() (T, bool) {
	var zero T
	if it.err != nil || it.wrapper.closed || it.idx >= it.elems {
		return zero, false
	}
	elemSize := uint64(it.codec.SizeOf())
	byteOff := uint64(it.idx) * elemSize

	w := it.wrapper
	if w.window == nil || byteOff < w.windowStart || byteOff >= w.windowStart+uint64(len(w.window)) {
		if it.err = it.remap(byteOff); it.err != nil {
			return zero, false
		}
	}
	if !w.waited {
		// First touch of a freshly mapped window blocks on its mapping
		// event.
		if err := w.api.WaitForEvents([]cl.Event{w.mapEvent}); err != nil {
			it.err = errors.WithMessage(err, "failed to wait for mapping")
			return zero, false
		}
		it.session.safeReleaseEvent(w.mapEvent)
		w.mapEvent = 0
		w.waited = true
	}

	v := it.codec.Decode(int(byteOff-w.windowStart)/int(elemSize), w.window)
	it.idx++
	return v, true
}

// remap unmaps the current window (if any) and maps the aligned window
// covering byteOff.
func (it *ChunkIterator[T]) remap(byteOff uint64) error {
	w := it.wrapper
	if err := w.unmap(); err != nil {
		return err
	}

	start := alignDown(byteOff, it.session.tunables.MapWindow)
	size := minU64(it.session.tunables.MapWindow, uint64(it.elems)*uint64(it.codec.SizeOf())-start)
	// Every map gates on the chunk's readiness; once it has fired this adds
	// no ordering beyond the queue's.
	var waitList []cl.Event
	if w.ready != 0 {
		waitList = []cl.Event{w.ready}
	}
	window, ev, err := w.api.EnqueueMapBuffer(w.queue, w.mem, false, cl.MapRead, start, size, waitList)
	if err != nil {
		return errors.WithMessage(err, "failed to map read-back window")
	}
	w.window = window
	w.windowStart = start
	w.mapEvent = ev
	w.waited = false
	return nil
}

// unmap releases the current window. Must be followed by a remap or close.
func (w *iterWrapper) unmap() error {
	if w.window == nil {
		return nil
	}
	if w.mapEvent != 0 {
		// The window was never touched; its mapping event is still ours.
		if err := w.api.ReleaseEvent(w.mapEvent); err != nil {
			klog.Errorf("clstream session %s: map event release failed: %v", w.sid, err)
		}
		w.mapEvent = 0
	}
	ev, err := w.api.EnqueueUnmapMemObject(w.queue, w.mem, w.window, nil)
	if err != nil {
		return errors.WithMessage(err, "failed to unmap read-back window")
	}
	if rerr := w.api.ReleaseEvent(ev); rerr != nil {
		klog.Errorf("clstream session %s: unmap event release failed: %v", w.sid, rerr)
	}
	w.window = nil
	return nil
}

// close releases the window and the iterator's retains exactly once.
func (w *iterWrapper) close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.unmap()
	if rerr := w.api.ReleaseMemObject(w.mem); rerr != nil {
		klog.Errorf("clstream session %s: iterator buffer release failed: %v", w.sid, rerr)
	}
	if w.ready != 0 {
		if rerr := w.api.ReleaseEvent(w.ready); rerr != nil {
			klog.Errorf("clstream session %s: iterator ready-event release failed: %v", w.sid, rerr)
		}
		w.ready = 0
	}
	return err
}

// Err returns the first error the iterator hit, if any.
func (it *ChunkIterator[T]) Err() error {
	return it.err
}

// Close unmaps the last window and drops the iterator's retains. Idempotent;
// double close is a no-op.
func (it *ChunkIterator[T]) Close() error {
	return it.wrapper.close()
}

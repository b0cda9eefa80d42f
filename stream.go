package clstream

import (
	"iter"

	"github.com/pkg/errors"

	"github.com/gomlx/clstream/cl"
	"github.com/gomlx/clstream/codecs"
)

// StreamOption configures one Stream call.
type StreamOption func(*streamConfig)

type streamConfig struct {
	groupSize uint64
}

// WithGroupSize overrides the target chunk size in bytes for this stream.
func WithGroupSize(size uint64) StreamOption {
	return func(c *streamConfig) {
		c.groupSize = size
	}
}

// ChunkStream lazily turns a host element sequence into device-resident
// chunks. HasNext mirrors the underlying host sequence; each Next stages up
// to one group of elements. Close stops the underlying sequence; it does not
// touch chunks already produced.
type ChunkStream[T any] struct {
	session   *Session
	codec     codecs.Codec[T]
	groupSize uint64

	next func() (T, bool)
	stop func()

	pending   T
	pendingOK bool
	primed    bool
}

// Stream starts uploading the host sequence seq as chunks of up to the
// configured group size (256 MiB by default).
func Stream[T any](s *Session, codec codecs.Codec[T], seq iter.Seq[T], opts ...StreamOption) *ChunkStream[T] {
	cfg := streamConfig{groupSize: s.tunables.GroupSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	next, stop := iter.Pull(seq)
	return &ChunkStream[T]{
		session:   s,
		codec:     codec,
		groupSize: cfg.groupSize,
		next:      next,
		stop:      stop,
	}
}

func (cs *ChunkStream[T]) prime() {
	if !cs.primed {
		cs.pending, cs.pendingOK = cs.next()
		cs.primed = true
	}
}

// HasNext reports whether the host sequence has more elements.
func (cs *ChunkStream[T]) HasNext() bool {
	cs.prime()
	return cs.pendingOK
}

// Next stages the next group of elements and returns the resulting chunk.
// It blocks only inside the synchronous map that exposes the host-visible
// window for encoding; the chunk's readiness event signals when the device
// copy (or unmap, under the unified policy) completes.
func (cs *ChunkStream[T]) Next() (*Chunk[T], error) {
	if !cs.HasNext() {
		return nil, errors.New("chunk stream is exhausted")
	}
	s := cs.session
	elemSize := uint64(cs.codec.SizeOf())

	hostMem, err := s.api.CreateBuffer(s.ctx, cl.MemReadWrite|cl.MemAllocHostPtr, cs.groupSize)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to allocate host-visible staging buffer")
	}

	window, mapEv, err := s.api.EnqueueMapBuffer(s.queue, hostMem, true,
		cl.MapWriteInvalidateRegion, 0, cs.groupSize, nil)
	if err != nil {
		s.safeReleaseMem(hostMem)
		return nil, errors.WithMessage(err, "failed to map staging buffer for encoding")
	}
	// The map was blocking, so its event is already complete.
	s.safeReleaseEvent(mapEv)

	capacity := int(cs.groupSize / elemSize)
	copied := 0
	for copied < capacity && cs.pendingOK {
		cs.codec.Encode(copied, window, cs.pending)
		copied++
		cs.pending, cs.pendingOK = cs.next()
	}

	unmapEv, err := s.api.EnqueueUnmapMemObject(s.queue, hostMem, window, nil)
	if err != nil {
		s.safeReleaseMem(hostMem)
		return nil, errors.WithMessage(err, "failed to unmap staging buffer")
	}

	if s.unified {
		// The host-visible buffer is the device buffer; the unmap event is
		// the readiness event.
		return newChunk(s, cs.codec, copied, cs.groupSize, hostMem, unmapEv), nil
	}

	// Staged path: copy into a device-only buffer sized to what was
	// actually encoded, and let the copy's completion callback release the
	// staging buffer.
	devSize := uint64(copied) * elemSize
	devMem, err := s.api.CreateBuffer(s.ctx, cl.MemReadOnly, devSize)
	if err != nil {
		s.safeReleaseEvent(unmapEv)
		s.safeReleaseMem(hostMem)
		return nil, errors.WithMessage(err, "failed to allocate device buffer for staged upload")
	}
	copyEv, err := s.api.EnqueueCopyBuffer(s.queue, hostMem, devMem, 0, 0, devSize, []cl.Event{unmapEv})
	s.safeReleaseEvent(unmapEv)
	if err != nil {
		s.safeReleaseMem(devMem)
		s.safeReleaseMem(hostMem)
		return nil, errors.WithMessage(err, "failed to enqueue staged upload copy")
	}
	if err := s.api.SetEventCallback(copyEv, func(cl.Event, int32) {
		s.safeReleaseMem(hostMem)
	}); err != nil {
		s.safeReleaseEvent(copyEv)
		s.safeReleaseMem(devMem)
		s.safeReleaseMem(hostMem)
		return nil, errors.WithMessage(err, "failed to arm staging-buffer release")
	}
	return newChunk(s, cs.codec, copied, devSize, devMem, copyEv), nil
}

// Close stops the underlying host sequence. Chunks already produced stay
// valid.
func (cs *ChunkStream[T]) Close() {
	cs.stop()
}

package clstream

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/gomlx/clstream/cl"
)

// ReduceKernelName is the entry point both reduction-stage programs must
// export. Stage 1 folds the input into one partial per work group; stage 2
// folds the partials into a single value.
const ReduceKernelName = "reduce"

// ReduceChunk runs a two-stage tree reduction over in and returns a future
// resolved with the folded value once the device finishes. The input chunk
// is not consumed.
//
// The kernel owns the associative fold; this engine guarantees only that
// stage 1 produces nGroups partials and stage 2 folds those into one. Both
// intermediates live in pool-backed dust buffers, returned from the final
// completion callback -- or immediately, if any enqueue fails, in which case
// the failure is surfaced synchronously.
func ReduceChunk[T any](s *Session, in *Chunk[T], key ReduceKey) (*Future[T], error) {
	if !in.wrapper.valid() {
		return nil, errors.New("cannot reduce a closed chunk")
	}
	elemSize := uint64(in.codec.SizeOf())
	if elemSize > s.tunables.DustSize {
		panic(fmt.Sprintf("clstream: element size %d exceeds dust-buffer size %d", elemSize, s.tunables.DustSize))
	}
	nLocal := s.nLocal
	nGroups := s.nGroups
	for nGroups > 1 && nGroups*elemSize > s.tunables.DustSize {
		nGroups /= 2
	}

	reduceBuf, resBuf := s.pool.getPair()
	bail := func() {
		s.pool.put(reduceBuf)
		s.pool.put(resBuf)
	}

	stage1Args := []cl.KernelArg{
		cl.MemArg(in.Handle()),
		cl.MemArg(reduceBuf),
		cl.LocalArg(nLocal * elemSize),
		cl.Uint32Arg(uint32(in.Elems)),
	}
	ev1, err := s.callKernel(key, ReduceKernelName, stage1Args,
		[]cl.Event{in.readyEvent()},
		cl.Dims{Global: []uint64{nLocal * nGroups}, Local: []uint64{nLocal}})
	if err != nil {
		bail()
		return nil, err
	}

	stage2Args := []cl.KernelArg{
		cl.MemArg(reduceBuf),
		cl.MemArg(resBuf),
		cl.LocalArg(nLocal * elemSize),
		cl.Uint32Arg(uint32(nGroups)),
	}
	ev2, err := s.callKernel(key.Stage2(), ReduceKernelName, stage2Args,
		[]cl.Event{ev1},
		cl.Dims{Global: []uint64{nLocal}, Local: []uint64{nLocal}})
	s.safeReleaseEvent(ev1)
	if err != nil {
		bail()
		return nil, err
	}

	window := make([]byte, elemSize)
	finished, err := s.api.EnqueueReadBuffer(s.queue, resBuf, false, 0, elemSize, window, []cl.Event{ev2})
	s.safeReleaseEvent(ev2)
	if err != nil {
		bail()
		return nil, err
	}

	fut := newFuture[T]()
	codec := in.codec
	if err := s.api.SetEventCallback(finished, func(_ cl.Event, status int32) {
		// Sole releaser of the dust buffers on the asynchronous path.
		if status != cl.CommandComplete {
			fut.reject(cl.NewError("read reduction result", status))
		} else {
			fut.resolve(codec.Decode(0, window))
		}
		bail()
	}); err != nil {
		s.safeReleaseEvent(finished)
		bail()
		return nil, err
	}
	s.safeReleaseEvent(finished)
	return fut, nil
}

package clstream

import (
	"github.com/pkg/errors"

	"github.com/gomlx/clstream/cl"
	"github.com/gomlx/clstream/codecs"
)

// MapKernelName is the entry point every map program must export:
// one work item per element, input buffer first, output buffer second
// (absent for in-place transforms).
const MapKernelName = "map"

// MapChunk runs a one-to-one kernel over in and returns the output chunk.
//
// With destructive set, the input is consumed: when element sizes match the
// transform runs in place and the returned chunk takes over the input's
// buffer; otherwise the input is closed once the kernel is enqueued -- on
// the failure path as well. Without destructive the input is left untouched
// and stays the caller's to close.
//
// The returned chunk is the sole owner of its buffer, including the
// in-place case.
//
// The output element type is the explicit type argument; the input type is
// inferred: MapChunk[float32](s, chunk, codecs.Float32{}, key, false).
func MapChunk[B, A any](s *Session, in *Chunk[A], outCodec codecs.Codec[B], key SourceKey, destructive bool) (*Chunk[B], error) {
	if !in.wrapper.valid() {
		return nil, errors.New("cannot map a closed chunk")
	}
	sizeA := in.codec.SizeOf()
	sizeB := outCodec.SizeOf()
	inPlace := destructive && sizeA == sizeB

	var outMem cl.Mem
	args := []cl.KernelArg{cl.MemArg(in.Handle())}
	if !inPlace {
		var err error
		outMem, err = s.api.CreateBuffer(s.ctx, cl.MemReadWrite, uint64(in.Elems)*uint64(sizeB))
		if err != nil {
			if destructive {
				_ = in.Close()
			}
			return nil, errors.WithMessage(err, "failed to allocate map output buffer")
		}
		args = append(args, cl.MemArg(outMem))
	}

	ev, err := s.callKernel(key, MapKernelName, args,
		[]cl.Event{in.readyEvent()}, cl.Dims1D(uint64(in.Elems)))
	if err != nil {
		s.safeReleaseMem(outMem)
		if destructive {
			_ = in.Close()
		}
		return nil, err
	}

	if inPlace {
		mem, oldReady := in.take()
		s.safeReleaseEvent(oldReady)
		return newChunk(s, outCodec, in.Elems, in.Space, mem, ev), nil
	}

	out := newChunk(s, outCodec, in.Elems, uint64(in.Elems)*uint64(sizeB), outMem, ev)
	if destructive {
		_ = in.Close()
	}
	return out, nil
}

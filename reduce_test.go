package clstream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// hugeCodec has an element size exceeding the dust-buffer size, which is an
// assert-class precondition violation for reductions.
type hugeCodec struct{}

func (hugeCodec) SizeOf() int                     { return 128 * 1024 }
func (hugeCodec) Encode(int, []byte, struct{})    {}
func (hugeCodec) Decode(int, []byte) (v struct{}) { return }

func TestReduceRejectsOversizedElement(t *testing.T) {
	api := newTestAPI()
	s := newTestSession(t, api, discreteGPU)

	c := newChunk[struct{}](s, hugeCodec{}, 0, 0, 0, 0)
	c.wrapper.mem = 1 // look open without owning a real handle
	require.Panics(t, func() {
		_, _ = ReduceChunk(s, c, sumU32Key)
	})
	c.take() // discard the fake handle without a release

	require.NoError(t, s.Close())
	requireBalanced(t, api)
}

func TestReduceHalvesGroupsToFitDust(t *testing.T) {
	api := newTestAPI()
	tun := DefaultTunables()
	// 8192 groups of 8-byte partials need 64 KiB; shrink the dust buffers
	// so the geometry must halve to fit.
	tun.DustSize = 16 * 1024
	s := newTestSession(t, api, discreteGPU, WithTunables(tun))

	cs := Stream(s, f64Codec, seqFloats(1, 256), WithGroupSize(16*1024))
	c, err := cs.Next()
	require.NoError(t, err)
	cs.Close()

	fut, err := ReduceChunk(s, c, sumF64Key)
	require.NoError(t, err)
	sum, err := fut.Await()
	require.NoError(t, err)
	// Sum of 1..256 regardless of the reduced group count.
	require.Equal(t, float64(256*257/2), sum)

	require.NoError(t, c.Close())
	require.NoError(t, s.Close())
	requireBalanced(t, api)
}

// seqFloats yields start..end as float64.
func seqFloats(start, end int) func(func(float64) bool) {
	return func(yield func(float64) bool) {
		for v := start; v <= end; v++ {
			if !yield(float64(v)) {
				return
			}
		}
	}
}

package codecs

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestInt32RoundTrip(t *testing.T) {
	var c Int32
	window := make([]byte, 4*c.SizeOf())
	values := []int32{0, 1, -1, 1<<31 - 1, -1 << 31}
	for i, v := range values[:4] {
		c.Encode(i, window, v)
	}
	for i, v := range values[:4] {
		require.Equal(t, v, c.Decode(i, window))
	}
}

func TestUint32Layout(t *testing.T) {
	var c Uint32
	window := make([]byte, 8)
	c.Encode(1, window, 0x04030201)
	// Little-endian, element-indexed.
	require.Equal(t, []byte{0, 0, 0, 0, 1, 2, 3, 4}, window)
	require.EqualValues(t, 0x04030201, c.Decode(1, window))
}

func TestInt64RoundTrip(t *testing.T) {
	var c Int64
	window := make([]byte, 2*c.SizeOf())
	c.Encode(0, window, -42)
	c.Encode(1, window, 1<<62)
	require.EqualValues(t, -42, c.Decode(0, window))
	require.EqualValues(t, 1<<62, c.Decode(1, window))
}

func TestFloat32RoundTrip(t *testing.T) {
	var c Float32
	window := make([]byte, 3*c.SizeOf())
	values := []float32{0, 1.5, -math32.Pi}
	for i, v := range values {
		c.Encode(i, window, v)
	}
	for i, v := range values {
		require.Zero(t, math32.Abs(v-c.Decode(i, window)))
	}
}

func TestFloat64RoundTrip(t *testing.T) {
	var c Float64
	window := make([]byte, 2*c.SizeOf())
	c.Encode(0, window, 2.5)
	c.Encode(1, window, -1e300)
	require.Equal(t, 2.5, c.Decode(0, window))
	require.Equal(t, -1e300, c.Decode(1, window))
}

func TestFloat16RoundTrip(t *testing.T) {
	var c Float16
	require.Equal(t, 2, c.SizeOf())
	window := make([]byte, 2*c.SizeOf())
	v := float16.Fromfloat32(3.140625)
	c.Encode(1, window, v)
	require.Equal(t, v.Bits(), c.Decode(1, window).Bits())
	require.Equal(t, float32(3.140625), c.Decode(1, window).Float32())
}

func TestSizesArePowersOfTwo(t *testing.T) {
	// The engine maps 64 MiB windows and 64 KiB dust buffers; power-of-two
	// element sizes divide both.
	for _, size := range []int{Int32{}.SizeOf(), Uint32{}.SizeOf(), Int64{}.SizeOf(), Float32{}.SizeOf(), Float64{}.SizeOf(), Float16{}.SizeOf()} {
		require.NotZero(t, size)
		require.Zero(t, size&(size-1))
	}
}

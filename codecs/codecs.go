// Package codecs defines the fixed-size element codecs used to move typed
// values through host-visible byte windows, and provides implementations for
// the common numeric types.
//
// A codec writes and reads one element at an element index within a window;
// the engine guarantees the window is large enough for the indices it asks
// for. Layout is little-endian fixed-width for every provided codec.
//
// SizeOf must divide both the engine's mapping window and its dust-buffer
// size; all provided codecs are power-of-two sized, which satisfies any
// power-of-two configuration.
package codecs

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// Codec encodes and decodes one element of type T at an element index within
// a host byte window.
type Codec[T any] interface {
	// SizeOf returns the fixed encoded size of one element in bytes.
	SizeOf() int
	// Encode writes v at element index i of the window.
	Encode(i int, window []byte, v T)
	// Decode reads the element at index i of the window.
	Decode(i int, window []byte) T
}

// Int32 is the little-endian 4-byte codec for int32.
type Int32 struct{}

func (Int32) SizeOf() int { return 4 }

func (Int32) Encode(i int, window []byte, v int32) {
	binary.LittleEndian.PutUint32(window[i*4:], uint32(v))
}

func (Int32) Decode(i int, window []byte) int32 {
	return int32(binary.LittleEndian.Uint32(window[i*4:]))
}

// Uint32 is the little-endian 4-byte codec for uint32.
type Uint32 struct{}

func (Uint32) SizeOf() int { return 4 }

func (Uint32) Encode(i int, window []byte, v uint32) {
	binary.LittleEndian.PutUint32(window[i*4:], v)
}

func (Uint32) Decode(i int, window []byte) uint32 {
	return binary.LittleEndian.Uint32(window[i*4:])
}

// Int64 is the little-endian 8-byte codec for int64.
type Int64 struct{}

func (Int64) SizeOf() int { return 8 }

func (Int64) Encode(i int, window []byte, v int64) {
	binary.LittleEndian.PutUint64(window[i*8:], uint64(v))
}

func (Int64) Decode(i int, window []byte) int64 {
	return int64(binary.LittleEndian.Uint64(window[i*8:]))
}

// Float32 is the IEEE-754 binary32 codec.
type Float32 struct{}

func (Float32) SizeOf() int { return 4 }

func (Float32) Encode(i int, window []byte, v float32) {
	binary.LittleEndian.PutUint32(window[i*4:], math.Float32bits(v))
}

func (Float32) Decode(i int, window []byte) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(window[i*4:]))
}

// Float64 is the IEEE-754 binary64 codec.
type Float64 struct{}

func (Float64) SizeOf() int { return 8 }

func (Float64) Encode(i int, window []byte, v float64) {
	binary.LittleEndian.PutUint64(window[i*8:], math.Float64bits(v))
}

func (Float64) Decode(i int, window []byte) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(window[i*8:]))
}

// Float16 is the IEEE-754 binary16 codec, for kernels computing in half
// precision.
type Float16 struct{}

func (Float16) SizeOf() int { return 2 }

func (Float16) Encode(i int, window []byte, v float16.Float16) {
	binary.LittleEndian.PutUint16(window[i*2:], v.Bits())
}

func (Float16) Decode(i int, window []byte) float16.Float16 {
	return float16.Frombits(binary.LittleEndian.Uint16(window[i*2:]))
}

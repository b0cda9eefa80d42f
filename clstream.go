// Package clstream implements a host-side GPU compute session over an
// OpenCL-family API: it stages host element streams into device-resident
// chunks, compiles and caches compute programs, launches map and reduce
// kernels chained through explicit event dependencies, and hands results
// back as asynchronous values.
//
// The entry points are:
//
//   - New: create a Session over a context, command queue and device.
//   - Stream: turn a lazy host sequence into a lazy sequence of device
//     chunks.
//   - MapChunk: run a one-to-one kernel over a chunk.
//   - ReduceChunk: run a two-stage tree reduction, returning a Future.
//   - Iterate: read a chunk back element by element through mapped windows.
//
// Kernel source is consumed as opaque SourceKey values; generating it is the
// caller's job. The concrete cl.API binding and device selection are also
// the caller's job -- see the cl package.
package clstream

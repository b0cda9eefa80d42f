// Package cl defines the surface of the OpenCL-family compute API driven by
// the clstream session engine: opaque reference-counted handles, device
// queries, kernel arguments, N-D-range dimensions and the API interface
// itself.
//
// The package deliberately contains no binding code: creating the platform
// handles (context, command queue, device) is the job of the bootstrap that
// owns the concrete binding, and the engine only ever talks to the API
// interface. This also keeps the engine testable against an in-memory
// implementation (see the cltest sub-package).
package cl

import "encoding/binary"

// Opaque handles of the underlying API. The zero value is the null sentinel
// for every handle kind: passing it to a Release call must be a no-op on the
// caller's side (see clstream's safeReleaseEvent), and implementations may
// reject it on any other call.
type (
	// Context is a device context handle.
	Context uintptr

	// Queue is a command-queue handle. Commands enqueued on the same queue
	// are serially ordered by submission; cross-command causality is
	// expressed through event wait lists.
	Queue uintptr

	// DeviceID identifies a device within a context.
	DeviceID uintptr

	// Mem is a device memory-object handle.
	Mem uintptr

	// Event is a completion signal for one enqueued command.
	Event uintptr

	// Program is a compiled compute program handle.
	Program uintptr

	// Kernel is an entry point of a Program, configured with arguments and
	// enqueued over an N-D range.
	Kernel uintptr
)

// MemFlags configure buffer allocation. Values match the C API.
type MemFlags uint64

const (
	MemReadWrite    MemFlags = 1 << 0
	MemWriteOnly    MemFlags = 1 << 1
	MemReadOnly     MemFlags = 1 << 2
	MemUseHostPtr   MemFlags = 1 << 3
	MemAllocHostPtr MemFlags = 1 << 4
	MemCopyHostPtr  MemFlags = 1 << 5
)

// MapFlags configure buffer mappings. Values match the C API.
type MapFlags uint64

const (
	MapRead                  MapFlags = 1 << 0
	MapWrite                 MapFlags = 1 << 1
	MapWriteInvalidateRegion MapFlags = 1 << 2
)

// DeviceTypeFlags is the device classification bitmask.
type DeviceTypeFlags uint64

const (
	DeviceTypeDefault     DeviceTypeFlags = 1 << 0
	DeviceTypeCPU         DeviceTypeFlags = 1 << 1
	DeviceTypeGPU         DeviceTypeFlags = 1 << 2
	DeviceTypeAccelerator DeviceTypeFlags = 1 << 3
)

// CommandComplete is the event status reported to callbacks when the
// associated command finished successfully. Negative statuses are error
// codes.
const CommandComplete int32 = 0

// DeviceDescription carries the device properties the engine bases policy
// decisions on.
type DeviceDescription struct {
	Name              string
	Vendor            string
	Type              DeviceTypeFlags
	HostUnifiedMemory bool
}

// KernelArg is one kernel argument. Exactly one of the three fields is
// meaningful:
//
//   - Mem: a device memory object.
//   - Bytes: a by-value argument, passed as its raw bytes.
//   - Local: a local (work-group shared) memory slot of the given size in
//     bytes. This is the C API's (NULL pointer, size) argument form.
type KernelArg struct {
	Mem   Mem
	Bytes []byte
	Local uint64
}

// MemArg builds a device memory-object argument.
func MemArg(m Mem) KernelArg { return KernelArg{Mem: m} }

// BytesArg builds a by-value argument from raw bytes. The slice is not
// copied; it must stay unchanged until the kernel is enqueued.
func BytesArg(b []byte) KernelArg { return KernelArg{Bytes: b} }

// Uint32Arg builds a by-value uint32 argument (little-endian, the device ABI
// of every supported platform).
func Uint32Arg(v uint32) KernelArg {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return KernelArg{Bytes: b[:]}
}

// LocalArg builds a local-memory slot argument of the given size in bytes.
func LocalArg(size uint64) KernelArg { return KernelArg{Local: size} }

// IsLocal reports whether the argument is a local-memory slot.
func (a KernelArg) IsLocal() bool { return a.Local > 0 }

// Size returns the argument size in bytes as passed to the C API.
func (a KernelArg) Size() uint64 {
	switch {
	case a.Local > 0:
		return a.Local
	case a.Mem != 0:
		return 8 // sizeof(cl_mem)
	default:
		return uint64(len(a.Bytes))
	}
}

// Dims describes an N-D-range launch. Global must be non-empty; GlobalOffset
// and Local are optional (nil lets the runtime choose the work-group
// shape). When set, all three must have the same rank.
type Dims struct {
	GlobalOffset []uint64
	Global       []uint64
	Local        []uint64
}

// Dims1D is shorthand for a one-dimensional launch with a runtime-chosen
// work-group size.
func Dims1D(global uint64) Dims {
	return Dims{Global: []uint64{global}}
}

// Rank returns the dimensionality of the launch.
func (d Dims) Rank() int { return len(d.Global) }

// TotalGlobal returns the total number of work items.
func (d Dims) TotalGlobal() uint64 {
	total := uint64(1)
	for _, g := range d.Global {
		total *= g
	}
	return total
}

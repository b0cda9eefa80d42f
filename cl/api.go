package cl

// API is the slice of the OpenCL-family C API the session engine drives.
//
// Handle ownership follows the C API's reference counting: every handle
// returned by a Create* or Enqueue* call carries one reference owned by the
// caller; Retain* adds one, Release* removes one. Implementations must keep
// the object alive while kernels or pending commands reference it
// internally, exactly as the C API does.
//
// Completion callbacks registered with SetEventCallback run on
// implementation-internal threads; callers must not assume any goroutine
// affinity, and implementations must not invoke them while holding locks
// that other API methods take re-entrantly.
type API interface {
	// Reference counting.
	RetainContext(c Context) error
	ReleaseContext(c Context) error
	RetainQueue(q Queue) error
	ReleaseQueue(q Queue) error
	RetainMemObject(m Mem) error
	ReleaseMemObject(m Mem) error
	RetainEvent(e Event) error
	ReleaseEvent(e Event) error
	RetainProgram(p Program) error
	ReleaseProgram(p Program) error
	ReleaseKernel(k Kernel) error

	// Device queries.
	DeviceInfo(d DeviceID) (DeviceDescription, error)

	// Memory objects.
	CreateBuffer(c Context, flags MemFlags, size uint64) (Mem, error)

	// EnqueueMapBuffer maps [offset, offset+size) of m into host memory and
	// returns the host window. With blocking set, the returned window is
	// immediately usable and the returned event is already complete;
	// otherwise the window must not be touched before the event fires.
	EnqueueMapBuffer(q Queue, m Mem, blocking bool, flags MapFlags, offset, size uint64, waitList []Event) ([]byte, Event, error)
	EnqueueUnmapMemObject(q Queue, m Mem, window []byte, waitList []Event) (Event, error)
	EnqueueCopyBuffer(q Queue, src, dst Mem, srcOffset, dstOffset, size uint64, waitList []Event) (Event, error)
	EnqueueReadBuffer(q Queue, m Mem, blocking bool, offset, size uint64, dst []byte, waitList []Event) (Event, error)

	// Programs and kernels.
	CreateProgramWithSource(c Context, fragments []string) (Program, error)
	BuildProgram(p Program, devices []DeviceID, options string) error
	ProgramBuildLog(p Program, d DeviceID) string
	CreateKernel(p Program, name string) (Kernel, error)
	SetKernelArg(k Kernel, index uint, arg KernelArg) error
	EnqueueNDRangeKernel(q Queue, k Kernel, dims Dims, waitList []Event) (Event, error)

	// Events.
	SetEventCallback(e Event, fn func(e Event, status int32)) error
	WaitForEvents(events []Event) error
	EventProfiling(e Event) (queuedNS, endNS uint64, err error)

	// Queue control.
	Finish(q Queue) error
}

// Package cltest provides an instrumented in-memory implementation of
// cl.API for tests.
//
// Buffers are backed by host byte slices, commands execute synchronously at
// enqueue time, and completion callbacks run on their own goroutines the way
// a real driver runs them on internal threads. Every retain and release is
// recorded in a per-handle ledger, so tests can assert that the engine keeps
// handle and event ownership exactly balanced, including on injected-failure
// paths.
//
// Kernels are interpreted: the Compiler hook turns program source into a
// table of named KernelFunc implementations, which lets tests express
// "identity", "square" or "sum" kernels as plain Go over the stub's memory.
package cltest

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gomlx/clstream/cl"
)

// commandNS is the fake duration of every enqueued command on the profiling
// timeline.
const commandNS = 1000

// KernelFunc interprets one kernel launch against the stub's memory.
type KernelFunc func(inv *Invocation) error

// Invocation is the launch context handed to a KernelFunc.
type Invocation struct {
	// Source is the full program source the kernel was built from.
	Source string
	// Name is the kernel entry-point name.
	Name string
	// Args are the arguments in index order.
	Args []cl.KernelArg
	// Dims is the launch geometry.
	Dims cl.Dims

	mems map[int][]byte
}

// MemBytes returns the backing storage of the memory object passed as
// argument i. It panics if argument i is not a memory object.
func (inv *Invocation) MemBytes(i int) []byte {
	data, ok := inv.mems[i]
	if !ok {
		panic(fmt.Sprintf("kernel %q: argument %d is not a memory object", inv.Name, i))
	}
	return data
}

// Uint32 decodes the by-value uint32 passed as argument i.
func (inv *Invocation) Uint32(i int) uint32 {
	b := inv.Args[i].Bytes
	if len(b) != 4 {
		panic(fmt.Sprintf("kernel %q: argument %d is not a uint32 (size %d)", inv.Name, i, len(b)))
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// LocalSize returns the size of the local-memory slot passed as argument i.
func (inv *Invocation) LocalSize(i int) uint64 { return inv.Args[i].Local }

// NumGroups returns the number of work groups of the launch (first axis).
func (inv *Invocation) NumGroups() uint64 {
	if len(inv.Dims.Local) == 0 || inv.Dims.Local[0] == 0 {
		return 1
	}
	return inv.Dims.Global[0] / inv.Dims.Local[0]
}

type object struct {
	kind string
	refs int
	root bool // created by a New* constructor, owned by the test

	// mem
	data []byte

	// event
	status      int32
	queued, end uint64

	// program
	source   string
	built    bool
	buildLog string
	kernels  map[string]KernelFunc

	// kernel
	name    string
	fn      KernelFunc
	program uintptr
	args    map[uint]cl.KernelArg
}

// API is the in-memory cl.API implementation.
type API struct {
	// Compiler turns program source into kernel implementations at
	// BuildProgram time. Returning an error fails the build with the error
	// text as build log. A nil Compiler builds every program with no
	// kernels.
	Compiler func(source string) (map[string]KernelFunc, error)

	mu      sync.Mutex
	next    uintptr
	handles map[uintptr]*object
	devices map[cl.DeviceID]cl.DeviceDescription
	misuse  []string

	failNext      map[string][]injectedFailure // op -> queued synchronous failure codes
	failNextEvent map[string][]injectedFailure // op -> queued event-status failure codes

	builds int
	clock  uint64

	callbacks sync.WaitGroup
}

var _ cl.API = (*API)(nil)

// New returns an empty API with no devices or handles.
func New() *API {
	return &API{
		handles:       make(map[uintptr]*object),
		devices:       make(map[cl.DeviceID]cl.DeviceDescription),
		failNext:      make(map[string][]injectedFailure),
		failNextEvent: make(map[string][]injectedFailure),
	}
}

func (a *API) newHandle(kind string, root bool) *object {
	a.next++
	obj := &object{kind: kind, refs: 1, root: root}
	a.handles[a.next] = obj
	return obj
}

// NewContext creates a root context handle owned by the caller.
func (a *API) NewContext() cl.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.newHandle("context", true)
	return cl.Context(a.next)
}

// NewQueue creates a root command-queue handle owned by the caller.
func (a *API) NewQueue() cl.Queue {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.newHandle("queue", true)
	return cl.Queue(a.next)
}

// NewDevice registers a device with the given description and returns its
// id.
func (a *API) NewDevice(desc cl.DeviceDescription) cl.DeviceID {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.newHandle("device", true)
	d := cl.DeviceID(a.next)
	a.devices[d] = desc
	return d
}

type injectedFailure struct {
	skip int
	code int32
}

// FailNext makes the next call of the named operation (e.g.
// "EnqueueNDRangeKernel") fail synchronously with the given code. Repeated
// calls queue up further failures.
func (a *API) FailNext(op string, code int32) {
	a.FailAfter(op, 0, code)
}

// FailAfter makes the named operation succeed skip more times and then fail
// with the given code.
func (a *API) FailAfter(op string, skip int, code int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNext[op] = append(a.failNext[op], injectedFailure{skip: skip, code: code})
}

// FailNextEvent makes the next call of the named enqueue operation succeed
// synchronously but produce an event that completes with the given negative
// status, as a device-side failure would.
func (a *API) FailNextEvent(op string, code int32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failNextEvent[op] = append(a.failNextEvent[op], injectedFailure{code: code})
}

func takeInjected(queue map[string][]injectedFailure, op string) (int32, bool) {
	q := queue[op]
	if len(q) == 0 {
		return 0, false
	}
	if q[0].skip > 0 {
		q[0].skip--
		return 0, false
	}
	queue[op] = q[1:]
	return q[0].code, true
}

func (a *API) takeFailure(op string) (int32, bool) {
	return takeInjected(a.failNext, op)
}

func (a *API) takeEventFailure(op string) (int32, bool) {
	return takeInjected(a.failNextEvent, op)
}

// BuildCount returns how many times BuildProgram ran (including failed
// builds).
func (a *API) BuildCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.builds
}

// LiveHandles lists the handles still alive that the engine was responsible
// for: every non-root handle, plus root handles whose refcount drifted from
// the single reference their creator holds.
func (a *API) LiveHandles() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var live []string
	for id, obj := range a.handles {
		if obj.root && obj.refs == 1 {
			continue
		}
		live = append(live, fmt.Sprintf("%s#%d refs=%d", obj.kind, id, obj.refs))
	}
	sort.Strings(live)
	return live
}

// Misuse lists recorded API misuse: releases of dead handles, uses after
// free, kind mismatches.
func (a *API) Misuse() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.misuse...)
}

func (a *API) recordMisuse(format string, args ...any) {
	a.misuse = append(a.misuse, fmt.Sprintf(format, args...))
}

func (a *API) get(op, kind string, h uintptr) (*object, error) {
	obj, ok := a.handles[h]
	if !ok || obj.kind != kind {
		a.recordMisuse("%s: invalid %s handle %d", op, kind, h)
		return nil, cl.NewError(op, cl.ErrInvalidValue)
	}
	return obj, nil
}

func (a *API) retain(op, kind string, h uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	obj, err := a.get(op, kind, h)
	if err != nil {
		return err
	}
	obj.refs++
	return nil
}

func (a *API) release(op, kind string, h uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	obj, ok := a.handles[h]
	if !ok || obj.kind != kind {
		a.recordMisuse("%s: release of invalid %s handle %d", op, kind, h)
		return cl.NewError(op, cl.ErrInvalidValue)
	}
	obj.refs--
	if obj.refs == 0 {
		if obj.kind == "kernel" && obj.program != 0 {
			// A kernel holds its program alive; dropping the last kernel
			// reference drops that internal program reference too.
			prog := obj.program
			obj.program = 0
			a.mu.Unlock()
			err := a.release("ReleaseKernel", "program", prog)
			a.mu.Lock()
			if err != nil {
				return err
			}
		}
		delete(a.handles, h)
	}
	return nil
}

func (a *API) RetainContext(c cl.Context) error {
	return a.retain("RetainContext", "context", uintptr(c))
}
func (a *API) ReleaseContext(c cl.Context) error {
	return a.release("ReleaseContext", "context", uintptr(c))
}
func (a *API) RetainQueue(q cl.Queue) error  { return a.retain("RetainQueue", "queue", uintptr(q)) }
func (a *API) ReleaseQueue(q cl.Queue) error { return a.release("ReleaseQueue", "queue", uintptr(q)) }
func (a *API) RetainMemObject(m cl.Mem) error {
	return a.retain("RetainMemObject", "mem", uintptr(m))
}
func (a *API) ReleaseMemObject(m cl.Mem) error {
	return a.release("ReleaseMemObject", "mem", uintptr(m))
}
func (a *API) RetainEvent(e cl.Event) error  { return a.retain("RetainEvent", "event", uintptr(e)) }
func (a *API) ReleaseEvent(e cl.Event) error { return a.release("ReleaseEvent", "event", uintptr(e)) }
func (a *API) RetainProgram(p cl.Program) error {
	return a.retain("RetainProgram", "program", uintptr(p))
}
func (a *API) ReleaseProgram(p cl.Program) error {
	return a.release("ReleaseProgram", "program", uintptr(p))
}
func (a *API) ReleaseKernel(k cl.Kernel) error {
	return a.release("ReleaseKernel", "kernel", uintptr(k))
}

func (a *API) DeviceInfo(d cl.DeviceID) (cl.DeviceDescription, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if code, ok := a.takeFailure("DeviceInfo"); ok {
		return cl.DeviceDescription{}, cl.NewError("DeviceInfo", code)
	}
	desc, ok := a.devices[d]
	if !ok {
		return cl.DeviceDescription{}, cl.NewError("DeviceInfo", cl.ErrDeviceNotFound)
	}
	return desc, nil
}

func (a *API) CreateBuffer(c cl.Context, flags cl.MemFlags, size uint64) (cl.Mem, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if code, ok := a.takeFailure("CreateBuffer"); ok {
		return 0, cl.NewError("CreateBuffer", code)
	}
	if _, err := a.get("CreateBuffer", "context", uintptr(c)); err != nil {
		return 0, err
	}
	obj := a.newHandle("mem", false)
	obj.data = make([]byte, size)
	return cl.Mem(a.next), nil
}

// newEvent creates a complete event on the fake profiling timeline. Must be
// called with the lock held.
func (a *API) newEvent(status int32) cl.Event {
	obj := a.newHandle("event", false)
	obj.queued = a.clock
	a.clock += commandNS
	obj.end = a.clock
	obj.status = status
	return cl.Event(a.next)
}

func (a *API) checkWaitList(op string, waitList []cl.Event) error {
	for _, e := range waitList {
		if _, err := a.get(op, "event", uintptr(e)); err != nil {
			return cl.NewError(op, cl.ErrInvalidEventWaitList)
		}
	}
	return nil
}

func (a *API) EnqueueMapBuffer(q cl.Queue, m cl.Mem, blocking bool, flags cl.MapFlags, offset, size uint64, waitList []cl.Event) ([]byte, cl.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if code, ok := a.takeFailure("EnqueueMapBuffer"); ok {
		return nil, 0, cl.NewError("EnqueueMapBuffer", code)
	}
	if _, err := a.get("EnqueueMapBuffer", "queue", uintptr(q)); err != nil {
		return nil, 0, err
	}
	if err := a.checkWaitList("EnqueueMapBuffer", waitList); err != nil {
		return nil, 0, err
	}
	obj, err := a.get("EnqueueMapBuffer", "mem", uintptr(m))
	if err != nil {
		return nil, 0, err
	}
	if offset+size > uint64(len(obj.data)) {
		return nil, 0, cl.NewError("EnqueueMapBuffer", cl.ErrInvalidValue)
	}
	// The window aliases the backing storage, so host writes land directly.
	return obj.data[offset : offset+size], a.newEvent(cl.CommandComplete), nil
}

func (a *API) EnqueueUnmapMemObject(q cl.Queue, m cl.Mem, window []byte, waitList []cl.Event) (cl.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if code, ok := a.takeFailure("EnqueueUnmapMemObject"); ok {
		return 0, cl.NewError("EnqueueUnmapMemObject", code)
	}
	if _, err := a.get("EnqueueUnmapMemObject", "mem", uintptr(m)); err != nil {
		return 0, err
	}
	if err := a.checkWaitList("EnqueueUnmapMemObject", waitList); err != nil {
		return 0, err
	}
	return a.newEvent(cl.CommandComplete), nil
}

func (a *API) EnqueueCopyBuffer(q cl.Queue, src, dst cl.Mem, srcOffset, dstOffset, size uint64, waitList []cl.Event) (cl.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if code, ok := a.takeFailure("EnqueueCopyBuffer"); ok {
		return 0, cl.NewError("EnqueueCopyBuffer", code)
	}
	srcObj, err := a.get("EnqueueCopyBuffer", "mem", uintptr(src))
	if err != nil {
		return 0, err
	}
	dstObj, err := a.get("EnqueueCopyBuffer", "mem", uintptr(dst))
	if err != nil {
		return 0, err
	}
	if err := a.checkWaitList("EnqueueCopyBuffer", waitList); err != nil {
		return 0, err
	}
	if srcOffset+size > uint64(len(srcObj.data)) || dstOffset+size > uint64(len(dstObj.data)) {
		return 0, cl.NewError("EnqueueCopyBuffer", cl.ErrInvalidValue)
	}
	copy(dstObj.data[dstOffset:dstOffset+size], srcObj.data[srcOffset:srcOffset+size])
	return a.newEvent(cl.CommandComplete), nil
}

func (a *API) EnqueueReadBuffer(q cl.Queue, m cl.Mem, blocking bool, offset, size uint64, dst []byte, waitList []cl.Event) (cl.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if code, ok := a.takeFailure("EnqueueReadBuffer"); ok {
		return 0, cl.NewError("EnqueueReadBuffer", code)
	}
	obj, err := a.get("EnqueueReadBuffer", "mem", uintptr(m))
	if err != nil {
		return 0, err
	}
	if err := a.checkWaitList("EnqueueReadBuffer", waitList); err != nil {
		return 0, err
	}
	if code, ok := a.takeEventFailure("EnqueueReadBuffer"); ok {
		return a.newEvent(code), nil
	}
	if offset+size > uint64(len(obj.data)) || uint64(len(dst)) < size {
		return 0, cl.NewError("EnqueueReadBuffer", cl.ErrInvalidValue)
	}
	copy(dst[:size], obj.data[offset:offset+size])
	return a.newEvent(cl.CommandComplete), nil
}

func (a *API) CreateProgramWithSource(c cl.Context, fragments []string) (cl.Program, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if code, ok := a.takeFailure("CreateProgramWithSource"); ok {
		return 0, cl.NewError("CreateProgramWithSource", code)
	}
	if _, err := a.get("CreateProgramWithSource", "context", uintptr(c)); err != nil {
		return 0, err
	}
	var source string
	for _, f := range fragments {
		source += f
	}
	obj := a.newHandle("program", false)
	obj.source = source
	return cl.Program(a.next), nil
}

func (a *API) BuildProgram(p cl.Program, devices []cl.DeviceID, options string) error {
	a.mu.Lock()
	obj, err := a.get("BuildProgram", "program", uintptr(p))
	if err != nil {
		a.mu.Unlock()
		return err
	}
	a.builds++
	if code, ok := a.takeFailure("BuildProgram"); ok {
		obj.buildLog = fmt.Sprintf("build failed: injected %s", cl.CodeName(code))
		a.mu.Unlock()
		return cl.NewError("BuildProgram", code)
	}
	compiler := a.Compiler
	source := obj.source
	a.mu.Unlock()

	var kernels map[string]KernelFunc
	if compiler != nil {
		kernels, err = compiler(source)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		obj.buildLog = err.Error()
		return cl.NewError("BuildProgram", cl.ErrBuildProgramFailure)
	}
	obj.built = true
	obj.kernels = kernels
	obj.buildLog = "build succeeded"
	return nil
}

func (a *API) ProgramBuildLog(p cl.Program, d cl.DeviceID) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	obj, ok := a.handles[uintptr(p)]
	if !ok || obj.kind != "program" {
		return ""
	}
	return obj.buildLog
}

func (a *API) CreateKernel(p cl.Program, name string) (cl.Kernel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if code, ok := a.takeFailure("CreateKernel"); ok {
		return 0, cl.NewError("CreateKernel", code)
	}
	prog, err := a.get("CreateKernel", "program", uintptr(p))
	if err != nil {
		return 0, err
	}
	if !prog.built {
		return 0, cl.NewError("CreateKernel", cl.ErrInvalidProgram)
	}
	fn, ok := prog.kernels[name]
	if !ok {
		return 0, cl.NewError("CreateKernel", cl.ErrInvalidKernelName)
	}
	obj := a.newHandle("kernel", false)
	obj.name = name
	obj.fn = fn
	obj.source = prog.source
	obj.program = uintptr(p)
	obj.args = make(map[uint]cl.KernelArg)
	prog.refs++ // the kernel's internal program reference
	return cl.Kernel(a.next), nil
}

func (a *API) SetKernelArg(k cl.Kernel, index uint, arg cl.KernelArg) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if code, ok := a.takeFailure("SetKernelArg"); ok {
		return cl.NewError("SetKernelArg", code)
	}
	obj, err := a.get("SetKernelArg", "kernel", uintptr(k))
	if err != nil {
		return err
	}
	obj.args[index] = arg
	return nil
}

func (a *API) EnqueueNDRangeKernel(q cl.Queue, k cl.Kernel, dims cl.Dims, waitList []cl.Event) (cl.Event, error) {
	a.mu.Lock()
	if code, ok := a.takeFailure("EnqueueNDRangeKernel"); ok {
		a.mu.Unlock()
		return 0, cl.NewError("EnqueueNDRangeKernel", code)
	}
	obj, err := a.get("EnqueueNDRangeKernel", "kernel", uintptr(k))
	if err != nil {
		a.mu.Unlock()
		return 0, err
	}
	if err := a.checkWaitList("EnqueueNDRangeKernel", waitList); err != nil {
		a.mu.Unlock()
		return 0, err
	}
	if len(dims.Global) == 0 {
		a.mu.Unlock()
		return 0, cl.NewError("EnqueueNDRangeKernel", cl.ErrInvalidGlobalWorkSize)
	}

	// Resolve the invocation while the lock is held, run the kernel without
	// it: implementations must not call back into the API under a lock.
	inv := &Invocation{
		Source: obj.source,
		Name:   obj.name,
		Dims:   dims,
		mems:   make(map[int][]byte),
	}
	maxIdx := uint(0)
	for idx := range obj.args {
		if idx > maxIdx {
			maxIdx = idx
		}
	}
	inv.Args = make([]cl.KernelArg, maxIdx+1)
	for idx, arg := range obj.args {
		inv.Args[idx] = arg
		if arg.Mem != 0 {
			memObj, err := a.get("EnqueueNDRangeKernel", "mem", uintptr(arg.Mem))
			if err != nil {
				a.mu.Unlock()
				return 0, cl.NewError("EnqueueNDRangeKernel", cl.ErrInvalidKernelArgs)
			}
			inv.mems[int(idx)] = memObj.data
		}
	}
	fn := obj.fn
	a.mu.Unlock()

	if err := fn(inv); err != nil {
		return 0, cl.NewError("EnqueueNDRangeKernel", cl.ErrOutOfResources)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if code, ok := a.takeEventFailure("EnqueueNDRangeKernel"); ok {
		return a.newEvent(code), nil
	}
	return a.newEvent(cl.CommandComplete), nil
}

func (a *API) SetEventCallback(e cl.Event, fn func(e cl.Event, status int32)) error {
	a.mu.Lock()
	if code, ok := a.takeFailure("SetEventCallback"); ok {
		a.mu.Unlock()
		return cl.NewError("SetEventCallback", code)
	}
	obj, err := a.get("SetEventCallback", "event", uintptr(e))
	if err != nil {
		a.mu.Unlock()
		return err
	}
	status := obj.status
	a.mu.Unlock()

	// Commands are complete at enqueue time here, so the callback fires
	// right away, on its own goroutine like a driver-internal thread.
	a.callbacks.Add(1)
	go func() {
		defer a.callbacks.Done()
		fn(e, status)
	}()
	return nil
}

func (a *API) WaitForEvents(events []cl.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if code, ok := a.takeFailure("WaitForEvents"); ok {
		return cl.NewError("WaitForEvents", code)
	}
	return a.checkWaitList("WaitForEvents", events)
}

func (a *API) EventProfiling(e cl.Event) (uint64, uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	obj, err := a.get("EventProfiling", "event", uintptr(e))
	if err != nil {
		return 0, 0, err
	}
	return obj.queued, obj.end, nil
}

// Finish waits for all pending completion callbacks, the stub's equivalent
// of draining the command queue.
func (a *API) Finish(q cl.Queue) error {
	a.mu.Lock()
	if code, ok := a.takeFailure("Finish"); ok {
		a.mu.Unlock()
		return cl.NewError("Finish", code)
	}
	_, err := a.get("Finish", "queue", uintptr(q))
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.callbacks.Wait()
	return nil
}

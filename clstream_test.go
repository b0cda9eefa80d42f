package clstream

import (
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/clstream/cl"
	"github.com/gomlx/clstream/cl/cltest"
	"github.com/gomlx/clstream/codecs"
)

// testKey is a SourceKey whose cache identity is its kernel tag; the stub
// compiler interprets the tag.
type testKey string

func (k testKey) CacheKey() string { return string(k) }

func (k testKey) GenerateSource() []string {
	return []string{"// generated test kernel\n", "#pragma kernel ", string(k)}
}

// testReduceKey pairs the two reduction stages.
type testReduceKey struct {
	stage1, stage2 testKey
}

func (k testReduceKey) CacheKey() string         { return k.stage1.CacheKey() }
func (k testReduceKey) GenerateSource() []string { return k.stage1.GenerateSource() }
func (k testReduceKey) Stage2() SourceKey        { return k.stage2 }

var sumU32Key = testReduceKey{stage1: "sum-u32", stage2: "sum2-u32"}
var sumF64Key = testReduceKey{stage1: "sum-f64", stage2: "sum2-f64"}

// testCompiler interprets the kernel tag in the program source and returns
// the matching in-memory kernel implementations.
func testCompiler(source string) (map[string]cltest.KernelFunc, error) {
	switch {
	case strings.Contains(source, "identity-u32"):
		return map[string]cltest.KernelFunc{MapKernelName: mapU32(func(v uint32) uint32 { return v })}, nil
	case strings.Contains(source, "square-u32"):
		return map[string]cltest.KernelFunc{MapKernelName: mapU32(func(v uint32) uint32 { return v * v })}, nil
	case strings.Contains(source, "double-u32-inplace"):
		return map[string]cltest.KernelFunc{MapKernelName: mapU32InPlace(func(v uint32) uint32 { return 2 * v })}, nil
	case strings.Contains(source, "sum-u32"):
		return map[string]cltest.KernelFunc{ReduceKernelName: reduceStage1U32}, nil
	case strings.Contains(source, "sum2-u32"):
		return map[string]cltest.KernelFunc{ReduceKernelName: reduceStage2U32}, nil
	case strings.Contains(source, "sum-f64"):
		return map[string]cltest.KernelFunc{ReduceKernelName: reduceStage1F64}, nil
	case strings.Contains(source, "sum2-f64"):
		return map[string]cltest.KernelFunc{ReduceKernelName: reduceStage2F64}, nil
	case strings.Contains(source, "does-not-compile"):
		return nil, errDoesNotCompile
	default:
		return map[string]cltest.KernelFunc{}, nil
	}
}

var errDoesNotCompile = errors.New("test.cl:3:12: error: use of undeclared identifier")

// mapU32 interprets a one-to-one uint32 kernel with distinct input and
// output buffers.
func mapU32(f func(uint32) uint32) cltest.KernelFunc {
	return func(inv *cltest.Invocation) error {
		in, out := inv.MemBytes(0), inv.MemBytes(1)
		n := int(inv.Dims.Global[0])
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(out[i*4:], f(binary.LittleEndian.Uint32(in[i*4:])))
		}
		return nil
	}
}

// mapU32InPlace interprets a one-to-one uint32 kernel writing over its
// input.
func mapU32InPlace(f func(uint32) uint32) cltest.KernelFunc {
	return func(inv *cltest.Invocation) error {
		buf := inv.MemBytes(0)
		n := int(inv.Dims.Global[0])
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(buf[i*4:], f(binary.LittleEndian.Uint32(buf[i*4:])))
		}
		return nil
	}
}

// reduceStage1U32 folds the input into one partial sum per work group,
// using a strided partition like a real tree-reduction kernel.
func reduceStage1U32(inv *cltest.Invocation) error {
	in, partials := inv.MemBytes(0), inv.MemBytes(1)
	count := int(inv.Uint32(3))
	nGroups := int(inv.NumGroups())
	for g := 0; g < nGroups; g++ {
		var sum uint32
		for i := g; i < count; i += nGroups {
			sum += binary.LittleEndian.Uint32(in[i*4:])
		}
		binary.LittleEndian.PutUint32(partials[g*4:], sum)
	}
	return nil
}

// reduceStage2U32 folds the stage-1 partials into a single value.
func reduceStage2U32(inv *cltest.Invocation) error {
	partials, res := inv.MemBytes(0), inv.MemBytes(1)
	count := int(inv.Uint32(3))
	var sum uint32
	for i := 0; i < count; i++ {
		sum += binary.LittleEndian.Uint32(partials[i*4:])
	}
	binary.LittleEndian.PutUint32(res, sum)
	return nil
}

func reduceStage1F64(inv *cltest.Invocation) error {
	in, partials := inv.MemBytes(0), inv.MemBytes(1)
	count := int(inv.Uint32(3))
	nGroups := int(inv.NumGroups())
	for g := 0; g < nGroups; g++ {
		var sum float64
		for i := g; i < count; i += nGroups {
			sum += f64At(in, i)
		}
		putF64At(partials, g, sum)
	}
	return nil
}

func reduceStage2F64(inv *cltest.Invocation) error {
	partials, res := inv.MemBytes(0), inv.MemBytes(1)
	count := int(inv.Uint32(3))
	var sum float64
	for i := 0; i < count; i++ {
		sum += f64At(partials, i)
	}
	putF64At(res, 0, sum)
	return nil
}

func f64At(b []byte, i int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
}

func putF64At(b []byte, i int, v float64) {
	binary.LittleEndian.PutUint64(b[i*8:], math.Float64bits(v))
}

// Codecs shared across the tests.
var (
	u32Codec = codecs.Uint32{}
	f64Codec = codecs.Float64{}
)

// Device descriptions for the policy variants under test.
var (
	discreteGPU = cl.DeviceDescription{
		Name:   "gfx1100",
		Vendor: "Advanced Micro Devices, Inc.",
		Type:   cl.DeviceTypeGPU,
	}
	nvidiaGPU = cl.DeviceDescription{
		Name:   "GeForce RTX 4090",
		Vendor: "NVIDIA Corporation",
		Type:   cl.DeviceTypeGPU,
	}
	unifiedGPU = cl.DeviceDescription{
		Name:              "Iris Xe",
		Vendor:            "Intel(R) Corporation",
		Type:              cl.DeviceTypeGPU,
		HostUnifiedMemory: true,
	}
	cpuDevice = cl.DeviceDescription{
		Name:   "pocl",
		Vendor: "The pocl project",
		Type:   cl.DeviceTypeCPU,
	}
)

// newTestAPI returns a stub API with the test compiler installed.
func newTestAPI() *cltest.API {
	api := cltest.New()
	api.Compiler = testCompiler
	return api
}

// newTestSession builds a session over a fresh stub context/queue for the
// given device description.
func newTestSession(tb testing.TB, api *cltest.API, desc cl.DeviceDescription, opts ...Option) *Session {
	tb.Helper()
	ctx := api.NewContext()
	queue := api.NewQueue()
	device := api.NewDevice(desc)
	s := must.M1(New(api, ctx, queue, device, opts...))
	return s
}

// requireBalanced asserts that every handle the engine touched was released
// and that no API misuse was recorded.
func requireBalanced(t *testing.T, api *cltest.API) {
	t.Helper()
	require.Empty(t, api.Misuse(), "API misuse recorded")
	require.Empty(t, api.LiveHandles(), "handles leaked")
}

// seqRange yields start..end-1.
func seqRange(start, end uint32) func(func(uint32) bool) {
	return func(yield func(uint32) bool) {
		for v := start; v < end; v++ {
			if !yield(v) {
				return
			}
		}
	}
}

// collect drains a chunk through an iterator and closes both.
func collect(t *testing.T, s *Session, c *Chunk[uint32]) []uint32 {
	t.Helper()
	it := must.M1(Iterate(s, c))
	var out []uint32
	for v, ok := it.Next(); ok; v, ok = it.Next() {
		out = append(out, v)
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	require.NoError(t, c.Close())
	return out
}

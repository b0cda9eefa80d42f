package clstream

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gomlx/clstream/cl"
)

func TestProgramCacheHitBuildsOnce(t *testing.T) {
	api := newTestAPI()
	s := newTestSession(t, api, discreteGPU)

	in := uploadU32(t, s, []uint32{1, 2, 3})
	for i := 0; i < 5; i++ {
		out, err := MapChunk[uint32](s, in, u32Codec, testKey("identity-u32"), false)
		require.NoError(t, err)
		require.NoError(t, out.Close())
	}
	require.Equal(t, 1, api.BuildCount())

	require.NoError(t, in.Close())
	require.NoError(t, s.Close())
	requireBalanced(t, api)
}

func TestProgramCacheSingleFlight(t *testing.T) {
	api := newTestAPI()
	s := newTestSession(t, api, discreteGPU)

	// K concurrent lookups of the same novel key trigger exactly one build.
	const concurrency = 16
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := s.programs.lookup(testKey("identity-u32"))
			if err == nil {
				_ = s.api.ReleaseProgram(p)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, api.BuildCount())

	require.NoError(t, s.Close())
	requireBalanced(t, api)
}

func TestCompileErrorAndRetry(t *testing.T) {
	api := newTestAPI()
	s := newTestSession(t, api, discreteGPU)

	in := uploadU32(t, s, []uint32{1, 2, 3})

	// Force the first build to fail; the caller sees a CompileError with
	// the build diagnostics.
	api.FailNext("BuildProgram", cl.ErrBuildProgramFailure)
	_, err := MapChunk[uint32](s, in, u32Codec, testKey("identity-u32"), false)
	require.Error(t, err)
	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	require.Equal(t, "identity-u32", compileErr.Key.CacheKey())
	require.Contains(t, compileErr.Log, "CL_BUILD_PROGRAM_FAILURE")

	// Retrying the same key builds exactly once more and succeeds.
	out, err := MapChunk[uint32](s, in, u32Codec, testKey("identity-u32"), false)
	require.NoError(t, err)
	require.Equal(t, 2, api.BuildCount())

	require.NoError(t, out.Close())
	require.NoError(t, in.Close())
	require.NoError(t, s.Close())
	requireBalanced(t, api)
}

func TestCompileErrorFromDiagnostics(t *testing.T) {
	api := newTestAPI()
	s := newTestSession(t, api, discreteGPU)

	in := uploadU32(t, s, []uint32{1})
	_, err := MapChunk[uint32](s, in, u32Codec, testKey("does-not-compile"), false)
	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	require.Contains(t, compileErr.Log, "undeclared identifier")

	require.NoError(t, in.Close())
	require.NoError(t, s.Close())
	requireBalanced(t, api)
}

func TestProgramCacheEvictionReleasesPrograms(t *testing.T) {
	api := newTestAPI()
	tun := DefaultTunables()
	tun.ProgramCacheCapacity = 2
	s := newTestSession(t, api, discreteGPU, WithTunables(tun))

	// Distinct keys that the compiler resolves to the default empty program
	// still compile and cache; pushing past capacity releases the oldest.
	for i := 0; i < 5; i++ {
		p, err := s.programs.lookup(testKey(fmt.Sprintf("novel-%d", i)))
		require.NoError(t, err)
		require.NoError(t, s.api.ReleaseProgram(p))
	}
	require.Equal(t, 5, api.BuildCount())
	require.Equal(t, 2, s.programs.entries.Len())

	require.NoError(t, s.Close())
	requireBalanced(t, api)
}

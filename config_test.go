package clstream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTunablesFromYAMLOverrides(t *testing.T) {
	tun, err := TunablesFromYAML([]byte(`
dust_count: 8
n_local: 64
build_options: "-cl-fast-relaxed-math"
`))
	require.NoError(t, err)
	require.Equal(t, 8, tun.DustCount)
	require.EqualValues(t, 64, tun.NLocal)
	require.Equal(t, "-cl-fast-relaxed-math", tun.BuildOptions)

	// Unset fields keep their defaults.
	def := DefaultTunables()
	require.Equal(t, def.GroupSize, tun.GroupSize)
	require.Equal(t, def.DustSize, tun.DustSize)
	require.Equal(t, def.MapWindow, tun.MapWindow)
	require.Equal(t, def.ProgramCacheCapacity, tun.ProgramCacheCapacity)
	require.Equal(t, def.NGroups, tun.NGroups)
}

func TestTunablesFromYAMLRejectsInvalid(t *testing.T) {
	_, err := TunablesFromYAML([]byte("dust_count: 1\n"))
	require.Error(t, err)

	_, err = TunablesFromYAML([]byte("map_window: 3000\n"))
	require.Error(t, err)

	_, err = TunablesFromYAML([]byte("dust_count: [\n"))
	require.Error(t, err)
}

func TestDefaultTunables(t *testing.T) {
	def := DefaultTunables()
	require.EqualValues(t, 256*1024*1024, def.GroupSize)
	require.EqualValues(t, 64*1024, def.DustSize)
	require.Equal(t, 32, def.DustCount)
	require.EqualValues(t, 64*1024*1024, def.MapWindow)
	require.Equal(t, 100, def.ProgramCacheCapacity)
	require.EqualValues(t, 8192, def.NGroups)
	require.EqualValues(t, 128, def.NLocal)
	require.Equal(t, "-cl-unsafe-math-optimizations", def.BuildOptions)
	require.NoError(t, def.validate())
}

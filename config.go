package clstream

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Tunables are the session's sizing knobs. The zero value of any field means
// "use the default"; see DefaultTunables for the defaults.
type Tunables struct {
	// GroupSize is the default byte size of one streamed chunk.
	GroupSize uint64 `yaml:"group_size"`
	// DustSize is the byte size of each pooled dust buffer.
	DustSize uint64 `yaml:"dust_size"`
	// DustCount is the number of dust buffers in circulation.
	DustCount int `yaml:"dust_count"`
	// MapWindow is the byte size of the read-back mapping window.
	MapWindow uint64 `yaml:"map_window"`
	// ProgramCacheCapacity bounds the compiled-program cache.
	ProgramCacheCapacity int `yaml:"program_cache_capacity"`
	// NGroups is the stage-1 work-group count for reductions on GPU-class
	// devices. Reduced to 1 on CPU-class devices.
	NGroups uint64 `yaml:"n_groups"`
	// NLocal is the reduction work-group size on GPU-class devices. Reduced
	// to 1 on CPU-class devices.
	NLocal uint64 `yaml:"n_local"`
	// BuildOptions is the compile option string passed to every program
	// build.
	BuildOptions string `yaml:"build_options"`
}

// DefaultTunables returns the session defaults.
func DefaultTunables() Tunables {
	return Tunables{
		GroupSize:            256 * 1024 * 1024,
		DustSize:             64 * 1024,
		DustCount:            32,
		MapWindow:            64 * 1024 * 1024,
		ProgramCacheCapacity: 100,
		NGroups:              8192,
		NLocal:               128,
		BuildOptions:         "-cl-unsafe-math-optimizations",
	}
}

// withDefaults fills zero fields from DefaultTunables.
func (t Tunables) withDefaults() Tunables {
	def := DefaultTunables()
	if t.GroupSize == 0 {
		t.GroupSize = def.GroupSize
	}
	if t.DustSize == 0 {
		t.DustSize = def.DustSize
	}
	if t.DustCount == 0 {
		t.DustCount = def.DustCount
	}
	if t.MapWindow == 0 {
		t.MapWindow = def.MapWindow
	}
	if t.ProgramCacheCapacity == 0 {
		t.ProgramCacheCapacity = def.ProgramCacheCapacity
	}
	if t.NGroups == 0 {
		t.NGroups = def.NGroups
	}
	if t.NLocal == 0 {
		t.NLocal = def.NLocal
	}
	if t.BuildOptions == "" {
		t.BuildOptions = def.BuildOptions
	}
	return t
}

// validate checks the invariants the engine depends on.
func (t Tunables) validate() error {
	if t.DustCount < 2 {
		// ReduceChunk checks out two dust buffers at a time.
		return errors.Errorf("dust_count must be at least 2, got %d", t.DustCount)
	}
	if t.MapWindow&(t.MapWindow-1) != 0 {
		return errors.Errorf("map_window must be a power of two, got %d", t.MapWindow)
	}
	if t.NLocal == 0 || t.NGroups == 0 {
		return errors.Errorf("n_local and n_groups must be positive, got %d and %d", t.NLocal, t.NGroups)
	}
	return nil
}

// TunablesFromYAML parses a YAML document of tunables; fields left unset
// keep their defaults.
func TunablesFromYAML(data []byte) (Tunables, error) {
	var t Tunables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Tunables{}, errors.WithMessage(err, "failed to parse tunables YAML")
	}
	t = t.withDefaults()
	if err := t.validate(); err != nil {
		return Tunables{}, err
	}
	return t, nil
}

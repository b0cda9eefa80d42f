package clstream

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	"github.com/gomlx/clstream/cl"
)

// SourceKey identifies a compute-program source text. The engine never
// inspects the generated source; it only concatenates the fragments, builds
// them, and caches the result under CacheKey.
type SourceKey interface {
	// CacheKey returns a stable identity for caching. Distinct keys that
	// generate identical source get distinct cache entries.
	CacheKey() string
	// GenerateSource returns the ordered source fragments of the program.
	GenerateSource() []string
}

// ReduceKey is a SourceKey that also provides the program of the second
// reduction stage, which folds stage-1 partials into the final value.
type ReduceKey interface {
	SourceKey
	Stage2() SourceKey
}

// CompileError reports a failed program build, carrying the build
// diagnostics.
type CompileError struct {
	Key SourceKey
	Log string
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	return fmt.Sprintf("program %q failed to build: %s", e.Key.CacheKey(), e.Log)
}

// programCache is a bounded source-key -> compiled-program map, populated on
// miss by compile+build.
//
// The cache holds one reference per entry, released on eviction; lookup
// retains once more on handout and the caller releases that reference after
// creating its kernel (the kernel keeps the program alive on its own from
// then on). Concurrent misses on the same key build exactly once.
type programCache struct {
	api     cl.API
	sid     string
	ctx     cl.Context
	device  cl.DeviceID
	options string

	entries *lru.Cache[string, cl.Program]
	group   singleflight.Group
}

func newProgramCache(api cl.API, sid string, ctx cl.Context, device cl.DeviceID, capacity int, options string) (*programCache, error) {
	pc := &programCache{
		api:     api,
		sid:     sid,
		ctx:     ctx,
		device:  device,
		options: options,
	}
	var err error
	pc.entries, err = lru.NewWithEvict(capacity, func(key string, p cl.Program) {
		if rerr := api.ReleaseProgram(p); rerr != nil {
			klog.Errorf("clstream session %s: evicted program %q release failed: %v", sid, key, rerr)
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create program cache")
	}
	return pc, nil
}

// lookup returns the compiled program for key, building it on a miss. The
// returned program carries one reference owned by the caller.
func (pc *programCache) lookup(key SourceKey) (cl.Program, error) {
	id := key.CacheKey()
	if p, ok := pc.entries.Get(id); ok {
		if err := pc.api.RetainProgram(p); err != nil {
			return 0, errors.WithMessagef(err, "failed to retain cached program %q", id)
		}
		return p, nil
	}

	v, err, _ := pc.group.Do(id, func() (any, error) {
		// Re-check: another flight may have populated the entry between the
		// miss and acquiring the flight.
		if p, ok := pc.entries.Get(id); ok {
			return p, nil
		}
		p, err := pc.build(key)
		if err != nil {
			return cl.Program(0), err
		}
		pc.entries.Add(id, p)
		return p, nil
	})
	if err != nil {
		return 0, err
	}
	p := v.(cl.Program)
	if rerr := pc.api.RetainProgram(p); rerr != nil {
		return 0, errors.WithMessagef(rerr, "failed to retain program %q", id)
	}
	return p, nil
}

// build runs the miss path: generate source, create, build. On build failure
// the program is released and a *CompileError carries the diagnostics.
func (pc *programCache) build(key SourceKey) (cl.Program, error) {
	fragments := key.GenerateSource()
	p, err := pc.api.CreateProgramWithSource(pc.ctx, fragments)
	if err != nil {
		return 0, errors.WithMessagef(err, "failed to create program %q", key.CacheKey())
	}
	if err := pc.api.BuildProgram(p, []cl.DeviceID{pc.device}, pc.options); err != nil {
		log := pc.api.ProgramBuildLog(p, pc.device)
		if rerr := pc.api.ReleaseProgram(p); rerr != nil {
			klog.Errorf("clstream session %s: failed program %q release failed: %v", pc.sid, key.CacheKey(), rerr)
		}
		return 0, &CompileError{Key: key, Log: log}
	}
	return p, nil
}

// close releases every cached program.
func (pc *programCache) close() {
	pc.entries.Purge()
}

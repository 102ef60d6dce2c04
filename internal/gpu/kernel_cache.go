package gpu

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fxnlabs/gpu-backend/internal/gpu/shaders"
	"github.com/fxnlabs/gpu-backend/internal/hal"
	"github.com/fxnlabs/gpu-backend/internal/metrics"
)

// Kernel names one entry point of a shader module together with its binding
// layout and workgroup size.
type Kernel struct {
	Module        string
	EntryPoint    string
	Layout        []hal.BindingKind
	WorkgroupSize hal.Size3
}

func (k Kernel) key() string { return k.Module + "/" + k.EntryPoint }

func (k Kernel) String() string { return k.EntryPoint }

var (
	binaryLayout = []hal.BindingKind{hal.BindingReadOnlyStorage, hal.BindingReadOnlyStorage, hal.BindingStorage, hal.BindingUniform}
	unaryLayout  = []hal.BindingKind{hal.BindingReadOnlyStorage, hal.BindingStorage, hal.BindingUniform}

	linearWorkgroup = hal.Size3{X: 256, Y: 1, Z: 1}
	matmulWorkgroup = hal.Size3{X: 16, Y: 16, Z: 1}
)

// Built-in kernels.
var (
	KernelVectorAdd      = Kernel{Module: shaders.BinaryOps, EntryPoint: "vector_add", Layout: binaryLayout, WorkgroupSize: linearWorkgroup}
	KernelVectorSub      = Kernel{Module: shaders.BinaryOps, EntryPoint: "vector_sub", Layout: binaryLayout, WorkgroupSize: linearWorkgroup}
	KernelVectorMul      = Kernel{Module: shaders.BinaryOps, EntryPoint: "vector_mul", Layout: binaryLayout, WorkgroupSize: linearWorkgroup}
	KernelVectorDiv      = Kernel{Module: shaders.BinaryOps, EntryPoint: "vector_div", Layout: binaryLayout, WorkgroupSize: linearWorkgroup}
	KernelVectorLog      = Kernel{Module: shaders.UnaryOps, EntryPoint: "vector_log", Layout: unaryLayout, WorkgroupSize: linearWorkgroup}
	KernelVectorSum      = Kernel{Module: shaders.ReduceOps, EntryPoint: "vector_sum", Layout: unaryLayout, WorkgroupSize: hal.Size3{X: 1, Y: 1, Z: 1}}
	KernelMatrixMultiply = Kernel{Module: shaders.MatrixOps, EntryPoint: "matrix_multiply", Layout: binaryLayout, WorkgroupSize: matmulWorkgroup}
)

// Kernels lists every built-in kernel.
func Kernels() []Kernel {
	return []Kernel{
		KernelVectorAdd, KernelVectorSub, KernelVectorMul, KernelVectorDiv,
		KernelVectorLog, KernelVectorSum, KernelMatrixMultiply,
	}
}

// SourceFunc resolves a module name to WGSL source.
type SourceFunc func(module string) (string, error)

// CacheStats is a snapshot of kernel cache activity.
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Modules   int   `json:"modules"`
	Pipelines int   `json:"pipelines"`
	Leases    int64 `json:"leases"`
}

type moduleEntry struct {
	module hal.Module
	err    error
}

type pipelineEntry struct {
	pipeline hal.Pipeline
	err      error
}

// KernelCache compiles modules and pipelines on first use and shares them
// across calls. Compile failures are remembered and returned to every later
// caller without retrying.
type KernelCache struct {
	dev     hal.Device
	sources SourceFunc
	log     *zap.Logger

	mu        sync.RWMutex
	modules   map[string]moduleEntry
	pipelines map[string]pipelineEntry
	closed    bool

	group singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
	leases atomic.Int64
}

// NewKernelCache returns an empty cache. A nil sources resolves modules
// from the embedded shaders.
func NewKernelCache(dev hal.Device, sources SourceFunc, log *zap.Logger) *KernelCache {
	if sources == nil {
		sources = shaders.Source
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &KernelCache{
		dev:       dev,
		sources:   sources,
		log:       log.Named("kernel_cache"),
		modules:   make(map[string]moduleEntry),
		pipelines: make(map[string]pipelineEntry),
	}
}

// Acquire returns the pipeline for k, compiling it if needed, and registers a
// lease on it with s. Concurrent first callers share one compilation.
func (c *KernelCache) Acquire(ctx context.Context, s *Scope, k Kernel) (hal.Pipeline, error) {
	p, err := c.lookup(ctx, k)
	if err != nil {
		return nil, err
	}
	c.leases.Add(1)
	var once sync.Once
	s.Defer("lease "+k.EntryPoint, func() error {
		once.Do(func() { c.leases.Add(-1) })
		return nil
	})
	return p, nil
}

func (c *KernelCache) lookup(ctx context.Context, k Kernel) (hal.Pipeline, error) {
	key := k.key()

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil, ErrClosed
	}
	entry, ok := c.pipelines[key]
	c.mu.RUnlock()
	if ok {
		return c.hit(k, entry)
	}

	// Shared is also set for the caller that ran build, so only callers that
	// joined someone else's compile count as hits.
	var compiled bool
	ch := c.group.DoChan(key, func() (interface{}, error) {
		entry, fresh := c.build(k)
		compiled = fresh
		return entry, nil
	})
	select {
	case res := <-ch:
		entry := res.Val.(pipelineEntry)
		if !compiled {
			return c.hit(k, entry)
		}
		if entry.err != nil {
			metrics.KernelCacheLookups.WithLabelValues(metrics.CacheError).Inc()
		}
		return entry.pipeline, entry.err
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire %s: %w", k.EntryPoint, ctx.Err())
	}
}

func (c *KernelCache) hit(k Kernel, entry pipelineEntry) (hal.Pipeline, error) {
	c.hits.Add(1)
	if entry.err != nil {
		metrics.KernelCacheLookups.WithLabelValues(metrics.CacheError).Inc()
		return nil, entry.err
	}
	metrics.KernelCacheLookups.WithLabelValues(metrics.CacheHit).Inc()
	return entry.pipeline, nil
}

// build runs inside the singleflight group for k's key. fresh reports
// whether this call created the entry.
func (c *KernelCache) build(k Kernel) (entry pipelineEntry, fresh bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return pipelineEntry{err: ErrClosed}, true
	}
	if entry, ok := c.pipelines[k.key()]; ok {
		return entry, false
	}

	c.misses.Add(1)
	metrics.KernelCacheLookups.WithLabelValues(metrics.CacheMiss).Inc()

	mod, err := c.moduleLocked(k.Module)
	if err != nil {
		entry.err = err
	} else {
		entry.pipeline, entry.err = c.dev.CreatePipeline(&hal.PipelineDescriptor{
			Label:         k.EntryPoint,
			Module:        mod,
			EntryPoint:    k.EntryPoint,
			Layout:        k.Layout,
			WorkgroupSize: k.WorkgroupSize,
		})
		if entry.err != nil {
			entry.err = fmt.Errorf("%w: pipeline %s: %v", ErrShaderCompilation, k.EntryPoint, entry.err)
		}
	}

	c.pipelines[k.key()] = entry
	if entry.err != nil {
		c.log.Warn("kernel compilation failed", zap.String("kernel", k.EntryPoint), zap.Error(entry.err))
	} else {
		c.log.Debug("compiled kernel", zap.String("module", k.Module), zap.String("kernel", k.EntryPoint))
	}
	return entry, true
}

// moduleLocked returns the compiled module, compiling it once. Callers hold
// c.mu.
func (c *KernelCache) moduleLocked(name string) (hal.Module, error) {
	if entry, ok := c.modules[name]; ok {
		return entry.module, entry.err
	}
	entry := moduleEntry{}
	src, err := c.sources(name)
	if err != nil {
		entry.err = fmt.Errorf("%w: module %s: %v", ErrShaderCompilation, name, err)
	} else if entry.module, err = c.dev.CreateModule(name, src); err != nil {
		entry.err = fmt.Errorf("%w: module %s: %v", ErrShaderCompilation, name, err)
	}
	c.modules[name] = entry
	return entry.module, entry.err
}

// Warm compiles every kernel in ks and returns the first failure.
func (c *KernelCache) Warm(ctx context.Context, ks ...Kernel) error {
	for _, k := range ks {
		if _, err := c.lookup(ctx, k); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns current counters.
func (c *KernelCache) Stats() CacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Leases: c.leases.Load(),
	}
	for _, e := range c.modules {
		if e.err == nil {
			stats.Modules++
		}
	}
	for _, e := range c.pipelines {
		if e.err == nil {
			stats.Pipelines++
		}
	}
	return stats
}

// Close destroys every pipeline and module. Later acquires fail with
// ErrClosed.
func (c *KernelCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var err error
	if n := c.leases.Load(); n > 0 {
		err = multierr.Append(err, fmt.Errorf("kernel cache closed with %d active leases", n))
	}
	for _, e := range c.pipelines {
		if e.pipeline != nil {
			e.pipeline.Destroy()
		}
	}
	for _, e := range c.modules {
		if e.module != nil {
			e.module.Destroy()
		}
	}
	c.pipelines = nil
	c.modules = nil
	return err
}

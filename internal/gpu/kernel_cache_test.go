package gpu

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fxnlabs/gpu-backend/internal/gpu/shaders"
	"github.com/fxnlabs/gpu-backend/internal/hal/software"
)

func TestKernelCache_CompilesOnce(t *testing.T) {
	dev := software.New()
	defer dev.Destroy()
	cache := NewKernelCache(dev, nil, zaptest.NewLogger(t))
	defer cache.Close()

	s := NewScope()
	p1, err := cache.Acquire(context.Background(), s, KernelVectorAdd)
	require.NoError(t, err)
	p2, err := cache.Acquire(context.Background(), s, KernelVectorAdd)
	require.NoError(t, err)
	assert.Same(t, p1, p2)

	// Same module, different entry point: new pipeline, no new module.
	_, err = cache.Acquire(context.Background(), s, KernelVectorSub)
	require.NoError(t, err)

	stats := cache.Stats()
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, 1, stats.Modules)
	assert.Equal(t, 2, stats.Pipelines)
	assert.Equal(t, int64(3), stats.Leases)
	assert.Equal(t, int64(1), dev.Stats().ModulesCompiled)

	require.NoError(t, s.Close())
	assert.Zero(t, cache.Stats().Leases)
}

func TestKernelCache_ConcurrentAcquireCompilesOnce(t *testing.T) {
	dev := software.New()
	defer dev.Destroy()

	var loads atomic.Int64
	sources := func(module string) (string, error) {
		loads.Add(1)
		return shaders.Source(module)
	}
	cache := NewKernelCache(dev, sources, zaptest.NewLogger(t))
	defer cache.Close()

	const callers = 16
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			s := NewScope()
			defer s.Close()
			_, errs[i] = cache.Acquire(context.Background(), s, KernelMatrixMultiply)
		}(i)
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int64(1), loads.Load())
	assert.Equal(t, int64(1), dev.Stats().ModulesCompiled)
	assert.Equal(t, int64(1), dev.Stats().PipelinesCreated)
	// Every lookup is counted exactly once, the compiling caller as the miss.
	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(callers-1), stats.Hits)
}

func TestKernelCache_FailureIsCached(t *testing.T) {
	dev := software.New()
	defer dev.Destroy()

	var loads atomic.Int64
	sources := func(module string) (string, error) {
		loads.Add(1)
		return "", errors.New("boom")
	}
	cache := NewKernelCache(dev, sources, zaptest.NewLogger(t))
	defer cache.Close()

	s := NewScope()
	defer s.Close()
	for i := 0; i < 3; i++ {
		_, err := cache.Acquire(context.Background(), s, KernelVectorAdd)
		assert.ErrorIs(t, err, ErrShaderCompilation)
	}
	// A second entry point of the failed module reuses the cached module error.
	_, err := cache.Acquire(context.Background(), s, KernelVectorMul)
	assert.ErrorIs(t, err, ErrShaderCompilation)

	assert.Equal(t, int64(1), loads.Load())
	assert.Zero(t, cache.Stats().Leases)
	assert.Zero(t, cache.Stats().Pipelines)
}

func TestKernelCache_UnknownEntryPoint(t *testing.T) {
	dev := software.New()
	defer dev.Destroy()
	cache := NewKernelCache(dev, nil, zaptest.NewLogger(t))
	defer cache.Close()

	k := KernelVectorAdd
	k.EntryPoint = "vector_fma"
	s := NewScope()
	defer s.Close()
	_, err := cache.Acquire(context.Background(), s, k)
	assert.ErrorIs(t, err, ErrShaderCompilation)
	assert.Equal(t, int64(1), dev.Stats().ModulesCompiled)
}

func TestKernelCache_Warm(t *testing.T) {
	dev := software.New()
	defer dev.Destroy()
	cache := NewKernelCache(dev, nil, zaptest.NewLogger(t))
	defer cache.Close()

	require.NoError(t, cache.Warm(context.Background(), Kernels()...))
	stats := cache.Stats()
	assert.Equal(t, len(Kernels()), stats.Pipelines)
	assert.Zero(t, stats.Leases)
}

func TestKernelCache_Close(t *testing.T) {
	dev := software.New()
	defer dev.Destroy()
	cache := NewKernelCache(dev, nil, zaptest.NewLogger(t))

	require.NoError(t, cache.Warm(context.Background(), KernelVectorAdd, KernelVectorLog))
	assert.Equal(t, int64(2), dev.Stats().LivePipelines)

	require.NoError(t, cache.Close())
	require.NoError(t, cache.Close())
	assert.Zero(t, dev.Stats().LivePipelines)

	s := NewScope()
	defer s.Close()
	_, err := cache.Acquire(context.Background(), s, KernelVectorAdd)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestKernelCache_CloseWithActiveLease(t *testing.T) {
	dev := software.New()
	defer dev.Destroy()
	cache := NewKernelCache(dev, nil, zaptest.NewLogger(t))

	s := NewScope()
	_, err := cache.Acquire(context.Background(), s, KernelVectorAdd)
	require.NoError(t, err)

	assert.Error(t, cache.Close())
	require.NoError(t, s.Close())
}

func TestKernelCache_CancelledContext(t *testing.T) {
	dev := software.New()
	defer dev.Destroy()
	cache := NewKernelCache(dev, nil, zaptest.NewLogger(t))
	defer cache.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewScope()
	defer s.Close()
	// A cancelled caller either sees the context error or a finished compile.
	_, err := cache.Acquire(ctx, s, KernelVectorAdd)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

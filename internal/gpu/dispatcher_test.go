package gpu

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fxnlabs/gpu-backend/internal/hal"
	"github.com/fxnlabs/gpu-backend/internal/hal/software"
)

type dispatchFixture struct {
	dev        *software.Device
	alloc      *Allocator
	cache      *KernelCache
	dispatcher *Dispatcher
	scope      *Scope
}

func newDispatchFixture(t *testing.T, timeout time.Duration, devOpts ...software.Option) *dispatchFixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	dev := software.New(devOpts...)
	d, err := NewDispatcher(dev, timeout, log)
	require.NoError(t, err)
	f := &dispatchFixture{
		dev:        dev,
		alloc:      NewAllocator(dev, log),
		cache:      NewKernelCache(dev, nil, log),
		dispatcher: d,
		scope:      NewScope(),
	}
	t.Cleanup(func() {
		dev.Resume()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, f.dispatcher.Drain(ctx))
		assert.NoError(t, f.scope.Close())
		assert.NoError(t, f.cache.Close())
		f.dispatcher.Close()
		dev.Destroy()
	})
	return f
}

func (f *dispatchFixture) addOperands(t *testing.T, n uint32) []Binding {
	t.Helper()
	a := make([]float32, n)
	b := make([]float32, n)
	for i := range a {
		a[i] = float32(i)
		b[i] = 1
	}
	bufA, err := f.alloc.Upload(f.scope, "a", a)
	require.NoError(t, err)
	bufB, err := f.alloc.Upload(f.scope, "b", b)
	require.NoError(t, err)
	out, err := f.alloc.AllocScratch(f.scope, "out", uint64(n)*4)
	require.NoError(t, err)
	params, err := f.alloc.UploadParams(f.scope, "params", n)
	require.NoError(t, err)
	return []Binding{{0, bufA}, {1, bufB}, {2, out}, {3, params}}
}

func TestGrids(t *testing.T) {
	tests := []struct {
		name string
		grid Grid
		want Grid
	}{
		{
			name: "linear exact",
			grid: LinearGrid(KernelVectorAdd, 512, 65535),
			want: Grid{Groups: hal.Size3{X: 2, Y: 1, Z: 1}, ThreadsPerGroup: hal.Size3{X: 256, Y: 1, Z: 1}},
		},
		{
			name: "linear remainder",
			grid: LinearGrid(KernelVectorAdd, 257, 65535),
			want: Grid{Groups: hal.Size3{X: 2, Y: 1, Z: 1}, ThreadsPerGroup: hal.Size3{X: 256, Y: 1, Z: 1}},
		},
		{
			name: "linear spills into rows",
			grid: LinearGrid(KernelVectorAdd, 4*256*2+3, 4),
			want: Grid{Groups: hal.Size3{X: 4, Y: 3, Z: 1}, ThreadsPerGroup: hal.Size3{X: 256, Y: 1, Z: 1}},
		},
		{
			name: "linear at the limit",
			grid: LinearGrid(KernelVectorAdd, 65535*256, 65535),
			want: Grid{Groups: hal.Size3{X: 65535, Y: 1, Z: 1}, ThreadsPerGroup: hal.Size3{X: 256, Y: 1, Z: 1}},
		},
		{
			name: "linear past the limit",
			grid: LinearGrid(KernelVectorAdd, 65535*256+1, 65535),
			want: Grid{Groups: hal.Size3{X: 65535, Y: 2, Z: 1}, ThreadsPerGroup: hal.Size3{X: 256, Y: 1, Z: 1}},
		},
		{
			name: "matmul covers rows and columns",
			grid: MatmulGrid(17, 33),
			want: Grid{Groups: hal.Size3{X: 2, Y: 3, Z: 1}, ThreadsPerGroup: hal.Size3{X: 16, Y: 16, Z: 1}},
		},
		{
			name: "single",
			grid: SingleGrid(),
			want: Grid{Groups: hal.Size3{X: 1, Y: 1, Z: 1}, ThreadsPerGroup: hal.Size3{X: 1, Y: 1, Z: 1}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.grid)
		})
	}
}

func TestGrid_Stride(t *testing.T) {
	assert.Equal(t, uint32(1024), LinearGrid(KernelVectorAdd, 5000, 4).Stride())
	assert.Equal(t, uint32(512), LinearGrid(KernelVectorAdd, 300, 0).Stride())
}

func TestCeilDiv(t *testing.T) {
	assert.Equal(t, uint32(0), ceilDiv(0, 16))
	assert.Equal(t, uint32(1), ceilDiv(1, 16))
	assert.Equal(t, uint32(1), ceilDiv(16, 16))
	assert.Equal(t, uint32(2), ceilDiv(17, 16))
	assert.Equal(t, uint32(math.MaxUint32/256+1), ceilDiv(math.MaxUint32, 256))
}

func TestDispatcher_Dispatch(t *testing.T) {
	f := newDispatchFixture(t, 0)
	assert.Equal(t, DefaultWaitTimeout, f.dispatcher.Timeout())

	p, err := f.cache.Acquire(context.Background(), f.scope, KernelVectorAdd)
	require.NoError(t, err)
	bindings := f.addOperands(t, 300)

	require.NoError(t, f.dispatcher.Dispatch(context.Background(), f.scope, p, bindings, LinearGrid(KernelVectorAdd, 300, 0)))
	got, err := ReadFloat32s(bindings[2].Buffer, 300)
	require.NoError(t, err)
	assert.Equal(t, float32(1), got[0])
	assert.Equal(t, float32(300), got[299])

	stats := f.dev.Stats()
	assert.Equal(t, int64(1), stats.Dispatches)
	assert.Equal(t, int64(512), stats.Invocations)
}

func TestDispatcher_Validation(t *testing.T) {
	f := newDispatchFixture(t, time.Second)
	p, err := f.cache.Acquire(context.Background(), f.scope, KernelVectorAdd)
	require.NoError(t, err)
	bindings := f.addOperands(t, 4)
	grid := LinearGrid(KernelVectorAdd, 4, 0)

	tests := []struct {
		name     string
		bindings []Binding
		grid     Grid
		wantErr  error
	}{
		{
			name:     "zero groups",
			bindings: bindings,
			grid:     Grid{Groups: hal.Size3{X: 0, Y: 1, Z: 1}, ThreadsPerGroup: grid.ThreadsPerGroup},
			wantErr:  ErrInvalidDimensions,
		},
		{
			name:     "too many groups",
			bindings: bindings,
			grid:     Grid{Groups: hal.Size3{X: 70000, Y: 1, Z: 1}, ThreadsPerGroup: grid.ThreadsPerGroup},
			wantErr:  ErrInvalidDimensions,
		},
		{
			name:     "workgroup size differs from kernel",
			bindings: bindings,
			grid:     Grid{Groups: grid.Groups, ThreadsPerGroup: hal.Size3{X: 64, Y: 1, Z: 1}},
			wantErr:  ErrInvalidDimensions,
		},
		{
			name:     "missing binding",
			bindings: bindings[:3],
			grid:     grid,
			wantErr:  ErrBindingMismatch,
		},
		{
			name:     "slot out of range",
			bindings: []Binding{bindings[0], bindings[1], bindings[2], {Slot: 7, Buffer: bindings[3].Buffer}},
			grid:     grid,
			wantErr:  ErrBindingMismatch,
		},
		{
			name:     "slot bound twice",
			bindings: []Binding{bindings[0], bindings[0], bindings[2], bindings[3]},
			grid:     grid,
			wantErr:  ErrBindingMismatch,
		},
		{
			name:     "nil buffer",
			bindings: []Binding{bindings[0], {Slot: 1}, bindings[2], bindings[3]},
			grid:     grid,
			wantErr:  ErrBindingMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.dispatcher.Dispatch(context.Background(), f.scope, p, tt.bindings, tt.grid)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
	assert.Zero(t, f.dev.Stats().CommandBuffers)
}

func TestDispatcher_Timeout(t *testing.T) {
	f := newDispatchFixture(t, 20*time.Millisecond, software.WithHang())
	p, err := f.cache.Acquire(context.Background(), f.scope, KernelVectorAdd)
	require.NoError(t, err)
	bindings := f.addOperands(t, 8)

	start := time.Now()
	err = f.dispatcher.Dispatch(context.Background(), f.scope, p, bindings, LinearGrid(KernelVectorAdd, 8, 0))
	assert.ErrorIs(t, err, ErrDeviceTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)

	// The lease and operands moved to the reaper.
	assert.Zero(t, f.scope.Len())
	assert.Equal(t, int64(1), f.dispatcher.Pending())
	assert.Equal(t, int64(4), f.dev.Stats().LiveBuffers)
	assert.Equal(t, int64(1), f.cache.Stats().Leases)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.dispatcher.Drain(ctx), ErrDeviceTimeout)

	f.dev.Resume()
	require.NoError(t, f.dispatcher.Drain(context.Background()))
	assert.Zero(t, f.dispatcher.Pending())
	assert.Zero(t, f.dev.Stats().LiveBuffers)
	assert.Zero(t, f.cache.Stats().Leases)
}

func TestDispatcher_CallerCancel(t *testing.T) {
	f := newDispatchFixture(t, time.Minute, software.WithHang())
	p, err := f.cache.Acquire(context.Background(), f.scope, KernelVectorAdd)
	require.NoError(t, err)
	bindings := f.addOperands(t, 8)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = f.dispatcher.Dispatch(ctx, f.scope, p, bindings, LinearGrid(KernelVectorAdd, 8, 0))
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrDeviceTimeout)
	assert.Equal(t, int64(1), f.dispatcher.Pending())

	f.dev.Resume()
	require.NoError(t, f.dispatcher.Drain(context.Background()))
	assert.Zero(t, f.dev.Stats().LiveBuffers)
}

func TestDispatcher_DeviceErrorReleasesImmediately(t *testing.T) {
	f := newDispatchFixture(t, time.Second)
	p, err := f.cache.Acquire(context.Background(), f.scope, KernelVectorAdd)
	require.NoError(t, err)
	bindings := f.addOperands(t, 8)

	// A storage buffer in the uniform slot fails on the device.
	bindings[3] = Binding{Slot: 3, Buffer: bindings[2].Buffer}
	err = f.dispatcher.Dispatch(context.Background(), f.scope, p, bindings, LinearGrid(KernelVectorAdd, 8, 0))
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrDeviceTimeout)
	assert.Zero(t, f.dispatcher.Pending())
	assert.Equal(t, 5, f.scope.Len())
}

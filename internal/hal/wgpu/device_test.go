package wgpu_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fxnlabs/gpu-backend/internal/gpu"
	"github.com/fxnlabs/gpu-backend/internal/hal"
	"github.com/fxnlabs/gpu-backend/internal/hal/wgpu"
)

func openBackend(t *testing.T) (*gpu.Backend, hal.Device) {
	t.Helper()
	dev, err := wgpu.Open(wgpu.Options{PreferDiscrete: true})
	if errors.Is(err, wgpu.ErrUnavailable) {
		t.Skipf("no GPU available: %v", err)
	}
	require.NoError(t, err)

	log := zaptest.NewLogger(t)
	h, err := gpu.Open(dev, log)
	require.NoError(t, err)
	b, err := gpu.New(h, gpu.WithLogger(log), gpu.WithWarm(true))
	h.Release()
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, b.Close()) })
	return b, dev
}

func TestDevice_Info(t *testing.T) {
	_, dev := openBackend(t)

	info := dev.Info()
	assert.NotEmpty(t, info.Name)
	assert.Equal(t, "vulkan", info.Backend)
	assert.NotEqual(t, hal.DeviceTypeCPU, info.Type)

	limits := dev.Limits()
	assert.NotZero(t, limits.MaxBufferSize)
	assert.NotZero(t, limits.MaxComputeWorkgroupsPerDimension)
}

func TestDevice_Add(t *testing.T) {
	b, _ := openBackend(t)

	// Crosses a workgroup boundary.
	n := 1000
	x := make([]float32, n)
	y := make([]float32, n)
	for i := range x {
		x[i] = float32(i)
		y[i] = 2
	}
	got, err := b.Add(x, y)
	require.NoError(t, err)
	require.Len(t, got, n)
	for i := range got {
		require.Equal(t, float32(i)+2, got[i], "element %d", i)
	}
}

func TestDevice_Matmul(t *testing.T) {
	b, _ := openBackend(t)

	got, err := b.Matmul([]float32{1, 2, 3, 4}, []float32{5, 6, 7, 8}, 2, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{19, 22, 43, 50}, got)

	// 17x17 crosses the 16x16 tile on both axes.
	const m = 17
	a := make([]float32, m*m)
	id := make([]float32, m*m)
	for i := 0; i < m; i++ {
		id[i*m+i] = 1
		for j := 0; j < m; j++ {
			a[i*m+j] = float32(i*m + j)
		}
	}
	got, err = b.Matmul(a, id, m, m, m)
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

package gpu

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fxnlabs/gpu-backend/internal/backend"
	"github.com/fxnlabs/gpu-backend/internal/hal/software"
)

func TestOpen_NilDevice(t *testing.T) {
	_, err := Open(nil, nil)
	assert.ErrorIs(t, err, ErrDeviceCreation)
}

func TestHandle_RefCounting(t *testing.T) {
	dev := software.New()
	h, err := Open(dev, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 1, h.Refs())

	assert.Same(t, h, h.Retain())
	assert.Equal(t, 2, h.Refs())

	h.Release()
	_, err = dev.CreateQueue()
	assert.NoError(t, err, "device must stay open while references remain")

	h.Release()
	assert.Zero(t, h.Refs())
	_, err = dev.CreateQueue()
	assert.Error(t, err)

	// Releasing or retaining a destroyed handle changes nothing.
	h.Release()
	h.Retain()
	assert.Zero(t, h.Refs())
}

func TestHandle_Features(t *testing.T) {
	h, err := OpenSoftware(zaptest.NewLogger(t))
	require.NoError(t, err)
	defer h.Release()

	f := h.Features()
	assert.True(t, f.IsSupported(FeatureFP16))
	assert.False(t, f.IsSupported(FeatureFP64))
	assert.Equal(t, "Half-precision floating point support", f[FeatureFP16].Description)
	assert.Equal(t, "Double-precision floating point support", f[FeatureFP64].Description)

	f[FeatureFP64] = backend.Feature{Supported: true}
	assert.False(t, h.Features().IsSupported(FeatureFP64))
}

func TestHandle_DeviceType(t *testing.T) {
	h, err := OpenSoftware(zaptest.NewLogger(t), software.WithName("emu"))
	require.NoError(t, err)
	defer h.Release()

	assert.Equal(t, backend.DeviceTypeSoftware, h.DeviceType())
	assert.Equal(t, "emu", h.Info().Name)
	assert.Positive(t, h.ThroughputEstimate())
}

func TestSIMDLanes(t *testing.T) {
	lanes := simdLanes()
	assert.Contains(t, []int{1, 4, 8, 16}, lanes)

	h, err := OpenSoftware(nil)
	require.NoError(t, err)
	defer h.Release()
	assert.InDelta(t, float64(runtime.NumCPU()*lanes)*2*2.5e9, h.ThroughputEstimate(), 1)
}

package gpu

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/fxnlabs/gpu-backend/internal/hal"
	"github.com/fxnlabs/gpu-backend/internal/hal/software"
)

func TestAllocator(t *testing.T) {
	dev := software.New()
	defer dev.Destroy()
	alloc := NewAllocator(dev, zaptest.NewLogger(t))

	s := NewScope()
	data := []float32{1.5, -2, float32(math.Inf(1))}
	buf, err := alloc.Upload(s, "data", data)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), buf.Size())

	got, err := ReadFloat32s(buf, len(data))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	params, err := alloc.UploadParams(s, "params", 7, 9)
	require.NoError(t, err)
	assert.Equal(t, uint64(paramsSize), params.Size())

	scratch, err := alloc.AllocScratch(s, "scratch", 8)
	require.NoError(t, err)
	zeros, err := ReadFloat32s(scratch, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, zeros)

	assert.Equal(t, 3, s.Len())
	assert.Equal(t, int64(3), dev.Stats().LiveBuffers)
	require.NoError(t, s.Close())
	assert.Zero(t, dev.Stats().LiveBuffers)
	assert.Zero(t, dev.Stats().OutstandingBytes)
}

func TestAllocator_Errors(t *testing.T) {
	dev := software.New(software.WithAllocationBudget(1))
	defer dev.Destroy()
	alloc := NewAllocator(dev, zaptest.NewLogger(t))
	s := NewScope()
	defer s.Close()

	_, err := alloc.Upload(s, "empty", nil)
	assert.ErrorIs(t, err, ErrInvalidDimensions)

	_, err = alloc.UploadParams(s, "params", 1, 2, 3, 4, 5)
	assert.ErrorIs(t, err, ErrInvalidDimensions)

	_, err = alloc.UploadUint32s(s, "first", hal.BufferUsageStorage, []uint32{1})
	require.NoError(t, err)
	_, err = alloc.AllocScratch(s, "second", 4)
	assert.ErrorIs(t, err, ErrBufferAllocation)
	assert.Equal(t, 1, s.Len())
}

func TestReadFloat32s(t *testing.T) {
	dev := software.New()
	defer dev.Destroy()
	alloc := NewAllocator(dev, nil)
	s := NewScope()
	defer s.Close()

	buf, err := alloc.Upload(s, "two", []float32{1, 2})
	require.NoError(t, err)

	_, err = ReadFloat32s(buf, 3)
	assert.ErrorIs(t, err, ErrBufferSize)
	_, err = ReadFloat32s(buf, -1)
	assert.ErrorIs(t, err, ErrInvalidDimensions)

	got, err := ReadFloat32s(buf, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = ReadFloat32s(buf, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, got)
}

func TestConversions(t *testing.T) {
	in := []float64{0, 1.25, -3}
	assert.Equal(t, []float32{0, 1.25, -3}, Float64ToFloat32(in))
	assert.Equal(t, in, Float32ToFloat64(Float64ToFloat32(in)))
	assert.Equal(t, []float32{0.5, -8}, bytesFloat32(float32Bytes([]float32{0.5, -8})))
	assert.Len(t, uint32Bytes([]uint32{1, 2}), 8)
}

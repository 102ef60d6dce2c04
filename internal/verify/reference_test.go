package verify

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxnlabs/gpu-backend/internal/gpu"
)

func TestReference(t *testing.T) {
	ref := Reference{}
	a := []float32{1, 2, 3, 4}
	b := []float32{5, 6, 7, 8}

	got, err := ref.Add(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{6, 8, 10, 12}, got)

	got, err = ref.Sub(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{-4, -4, -4, -4}, got)

	got, err = ref.Multiply(a, b)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 12, 21, 32}, got)

	got, err = ref.Div([]float32{1, 0}, []float32{0, 0})
	require.NoError(t, err)
	assert.True(t, math.IsInf(float64(got[0]), 1))
	assert.True(t, math.IsNaN(float64(got[1])))

	got, err = ref.Matmul(a, b, 2, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{19, 22, 43, 50}, got)

	got, err = ref.Log([]float32{1, 0, -1})
	require.NoError(t, err)
	assert.Equal(t, float32(0), got[0])
	assert.True(t, math.IsInf(float64(got[1]), -1))
	assert.True(t, math.IsNaN(float64(got[2])))

	sum, err := ref.Sum(a)
	require.NoError(t, err)
	assert.Equal(t, float32(10), sum)

	mean, err := ref.Mean(a)
	require.NoError(t, err)
	assert.Equal(t, float32(2.5), mean)

	mean, err = ref.Mean(nil)
	require.NoError(t, err)
	assert.Zero(t, mean)
}

func TestReference_Errors(t *testing.T) {
	ref := Reference{}
	_, err := ref.Add([]float32{1}, []float32{1, 2})
	assert.ErrorIs(t, err, gpu.ErrLengthMismatch)

	_, err = ref.Matmul(nil, nil, 0, 2, 2)
	assert.ErrorIs(t, err, gpu.ErrInvalidDimensions)

	_, err = ref.Matmul([]float32{1, 2, 3}, []float32{1, 2, 3, 4}, 2, 2, 2)
	assert.ErrorIs(t, err, gpu.ErrLengthMismatch)
}

// Package verify checks backend results against float64 reference math.
package verify

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/fxnlabs/gpu-backend/internal/gpu"
)

// Reference computes every backend operation on the host in float64 and
// rounds the result to float32.
type Reference struct{}

func (Reference) binary(op string, a, b []float32, fn func(dst, s, t []float64) []float64) ([]float32, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w: %s of %d and %d elements", gpu.ErrLengthMismatch, op, len(a), len(b))
	}
	dst := make([]float64, len(a))
	fn(dst, gpu.Float32ToFloat64(a), gpu.Float32ToFloat64(b))
	return gpu.Float64ToFloat32(dst), nil
}

func (r Reference) Add(a, b []float32) ([]float32, error) { return r.binary("add", a, b, floats.AddTo) }
func (r Reference) Sub(a, b []float32) ([]float32, error) { return r.binary("sub", a, b, floats.SubTo) }
func (r Reference) Multiply(a, b []float32) ([]float32, error) {
	return r.binary("multiply", a, b, floats.MulTo)
}
func (r Reference) Div(a, b []float32) ([]float32, error) { return r.binary("div", a, b, floats.DivTo) }

// Matmul multiplies row-major a (m x n) by b (n x k).
func (Reference) Matmul(a, b []float32, m, n, k int) ([]float32, error) {
	if m <= 0 || n <= 0 || k <= 0 {
		return nil, fmt.Errorf("%w: matmul %dx%d by %dx%d", gpu.ErrInvalidDimensions, m, n, n, k)
	}
	if len(a) != m*n || len(b) != n*k {
		return nil, fmt.Errorf("%w: matmul %dx%d by %dx%d", gpu.ErrLengthMismatch, m, n, n, k)
	}
	var c mat.Dense
	c.Mul(mat.NewDense(m, n, gpu.Float32ToFloat64(a)), mat.NewDense(n, k, gpu.Float32ToFloat64(b)))
	return gpu.Float64ToFloat32(c.RawMatrix().Data), nil
}

// Log follows math.Log: -Inf for zero, NaN for negative input.
func (Reference) Log(a []float32) ([]float32, error) {
	out := make([]float32, len(a))
	for i, v := range a {
		out[i] = float32(math.Log(float64(v)))
	}
	return out, nil
}

func (Reference) Sum(a []float32) (float32, error) {
	return float32(floats.Sum(gpu.Float32ToFloat64(a))), nil
}

func (r Reference) Mean(a []float32) (float32, error) {
	if len(a) == 0 {
		return 0, nil
	}
	return float32(floats.Sum(gpu.Float32ToFloat64(a)) / float64(len(a))), nil
}

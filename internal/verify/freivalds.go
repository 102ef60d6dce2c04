package verify

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/fxnlabs/gpu-backend/internal/gpu"
)

// Freivalds probabilistically checks that c = a * b for row-major a (m x n),
// b (n x k) and c (m x k). Each round multiplies by a random 0/1 vector, so a
// wrong product passes all rounds with probability at most 2^-rounds.
// Products are compared with floats.EqualApprox at tol.
func Freivalds(a, b, c []float32, m, n, k, rounds int, rng *rand.Rand, tol float64) (bool, error) {
	if m <= 0 || n <= 0 || k <= 0 {
		return false, fmt.Errorf("%w: %dx%d by %dx%d", gpu.ErrInvalidDimensions, m, n, n, k)
	}
	if len(a) != m*n || len(b) != n*k || len(c) != m*k {
		return false, fmt.Errorf("%w: %dx%d by %dx%d needs %d, %d and %d elements, got %d, %d and %d",
			gpu.ErrLengthMismatch, m, n, n, k, m*n, n*k, m*k, len(a), len(b), len(c))
	}

	A := mat.NewDense(m, n, gpu.Float32ToFloat64(a))
	B := mat.NewDense(n, k, gpu.Float32ToFloat64(b))
	C := mat.NewDense(m, k, gpu.Float32ToFloat64(c))

	r := make([]float64, k)
	var br, abr, cr mat.VecDense
	for i := 0; i < rounds; i++ {
		for j := range r {
			r[j] = float64(rng.Intn(2))
		}
		rv := mat.NewVecDense(k, r)

		br.MulVec(B, rv)
		abr.MulVec(A, &br)
		cr.MulVec(C, rv)

		if !floats.EqualApprox(abr.RawVector().Data, cr.RawVector().Data, tol) {
			return false, nil
		}
	}
	return true, nil
}

package gpu

import (
	"context"
	"fmt"
	"math"

	"github.com/fxnlabs/gpu-backend/internal/hal"
)

// Ops runs the kernel library on one device. Every method allocates through
// the caller's scope, so the caller releases everything by closing it.
type Ops struct {
	alloc      *Allocator
	cache      *KernelCache
	dispatcher *Dispatcher
}

// NewOps wires the operation library to its engine components.
func NewOps(alloc *Allocator, cache *KernelCache, dispatcher *Dispatcher) *Ops {
	return &Ops{alloc: alloc, cache: cache, dispatcher: dispatcher}
}

func elementCount(n int) (uint32, error) {
	if n <= 0 || uint64(n) > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %d elements", ErrInvalidDimensions, n)
	}
	return uint32(n), nil
}

// Binary runs an elementwise kernel over a and b. The lengths must match and
// be non-zero. params holds {len, stride}.
func (o *Ops) Binary(ctx context.Context, s *Scope, k Kernel, a, b []float32) ([]float32, error) {
	if len(a) != len(b) {
		return nil, fmt.Errorf("%w: %s of %d and %d elements", ErrLengthMismatch, k, len(a), len(b))
	}
	n, err := elementCount(len(a))
	if err != nil {
		return nil, err
	}

	bufA, err := o.alloc.Upload(s, k.EntryPoint+"_a", a)
	if err != nil {
		return nil, err
	}
	bufB, err := o.alloc.Upload(s, k.EntryPoint+"_b", b)
	if err != nil {
		return nil, err
	}
	out, err := o.alloc.AllocScratch(s, k.EntryPoint+"_out", uint64(n)*4)
	if err != nil {
		return nil, err
	}
	grid := LinearGrid(k, n, o.dispatcher.MaxGroupsPerDimension())
	params, err := o.alloc.UploadParams(s, k.EntryPoint+"_params", n, grid.Stride())
	if err != nil {
		return nil, err
	}

	if err := o.run(ctx, s, k, grid, bufA, bufB, out, params); err != nil {
		return nil, err
	}
	return ReadFloat32s(out, int(n))
}

// Unary runs an elementwise kernel over a.
func (o *Ops) Unary(ctx context.Context, s *Scope, k Kernel, a []float32) ([]float32, error) {
	n, err := elementCount(len(a))
	if err != nil {
		return nil, err
	}

	in, err := o.alloc.Upload(s, k.EntryPoint+"_in", a)
	if err != nil {
		return nil, err
	}
	out, err := o.alloc.AllocScratch(s, k.EntryPoint+"_out", uint64(n)*4)
	if err != nil {
		return nil, err
	}
	grid := LinearGrid(k, n, o.dispatcher.MaxGroupsPerDimension())
	params, err := o.alloc.UploadParams(s, k.EntryPoint+"_params", n, grid.Stride())
	if err != nil {
		return nil, err
	}

	if err := o.run(ctx, s, k, grid, in, out, params); err != nil {
		return nil, err
	}
	return ReadFloat32s(out, int(n))
}

// Sum reduces a on a single invocation so the summation order is fixed.
func (o *Ops) Sum(ctx context.Context, s *Scope, a []float32) (float32, error) {
	n, err := elementCount(len(a))
	if err != nil {
		return 0, err
	}
	k := KernelVectorSum

	in, err := o.alloc.Upload(s, k.EntryPoint+"_in", a)
	if err != nil {
		return 0, err
	}
	out, err := o.alloc.AllocScratch(s, k.EntryPoint+"_out", 4)
	if err != nil {
		return 0, err
	}
	params, err := o.alloc.UploadParams(s, k.EntryPoint+"_params", n)
	if err != nil {
		return 0, err
	}

	if err := o.run(ctx, s, k, SingleGrid(), in, out, params); err != nil {
		return 0, err
	}
	res, err := ReadFloat32s(out, 1)
	if err != nil {
		return 0, err
	}
	return res[0], nil
}

// Matmul multiplies row-major a (m x n) by b (n x k). Dimensions are checked
// before any buffer is allocated.
func (o *Ops) Matmul(ctx context.Context, s *Scope, a, b []float32, m, n, k int) ([]float32, error) {
	if m <= 0 || n <= 0 || k <= 0 {
		return nil, fmt.Errorf("%w: matmul %dx%d by %dx%d", ErrInvalidDimensions, m, n, n, k)
	}
	if uint64(m) > math.MaxUint32 || uint64(n) > math.MaxUint32 || uint64(m)*uint64(k) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: matmul %dx%d by %dx%d is too large", ErrInvalidDimensions, m, n, n, k)
	}
	if len(a) != m*n || len(b) != n*k {
		return nil, fmt.Errorf("%w: matmul %dx%d by %dx%d needs %d and %d elements, got %d and %d",
			ErrLengthMismatch, m, n, n, k, m*n, n*k, len(a), len(b))
	}
	kern := KernelMatrixMultiply
	m32, n32, k32 := uint32(m), uint32(n), uint32(k)

	bufA, err := o.alloc.Upload(s, "matmul_a", a)
	if err != nil {
		return nil, err
	}
	bufB, err := o.alloc.Upload(s, "matmul_b", b)
	if err != nil {
		return nil, err
	}
	out, err := o.alloc.AllocScratch(s, "matmul_out", uint64(m32)*uint64(k32)*4)
	if err != nil {
		return nil, err
	}
	params, err := o.alloc.UploadParams(s, "matmul_params", m32, n32, k32)
	if err != nil {
		return nil, err
	}

	if err := o.run(ctx, s, kern, MatmulGrid(m32, k32), bufA, bufB, out, params); err != nil {
		return nil, err
	}
	return ReadFloat32s(out, m*k)
}

// run acquires k and dispatches it with buffers bound to slots in order.
func (o *Ops) run(ctx context.Context, s *Scope, k Kernel, grid Grid, buffers ...hal.Buffer) error {
	p, err := o.cache.Acquire(ctx, s, k)
	if err != nil {
		return err
	}
	bindings := make([]Binding, len(buffers))
	for i, b := range buffers {
		bindings[i] = Binding{Slot: uint32(i), Buffer: b}
	}
	return o.dispatcher.Dispatch(ctx, s, p, bindings, grid)
}

package software

import (
	"encoding/binary"
	"math"

	"github.com/fxnlabs/gpu-backend/internal/hal"
)

// Kernel is the host body of one compute entry point. It is called once per
// work item with the global invocation id.
type Kernel func(gid hal.Size3, args *Args)

// Args gives a kernel access to the buffers bound to its slots. Out of range
// accesses follow WebGPU robust buffer access: loads return zero and stores
// are dropped.
type Args struct {
	slots [][]byte
}

// Len returns the number of 32-bit words in slot.
func (a *Args) Len(slot int) uint32 {
	if slot < 0 || slot >= len(a.slots) {
		return 0
	}
	return uint32(len(a.slots[slot]) / 4)
}

// U32 loads word i of slot.
func (a *Args) U32(slot int, i uint32) uint32 {
	if i >= a.Len(slot) {
		return 0
	}
	return binary.LittleEndian.Uint32(a.slots[slot][i*4:])
}

// F32 loads element i of slot.
func (a *Args) F32(slot int, i uint32) float32 {
	return math.Float32frombits(a.U32(slot, i))
}

// SetF32 stores v at element i of slot.
func (a *Args) SetF32(slot int, i uint32, v float32) {
	if i >= a.Len(slot) {
		return
	}
	binary.LittleEndian.PutUint32(a.slots[slot][i*4:], math.Float32bits(v))
}

func builtinKernels() map[string]Kernel {
	return map[string]Kernel{
		"vector_add":      binary32(func(x, y float32) float32 { return x + y }),
		"vector_sub":      binary32(func(x, y float32) float32 { return x - y }),
		"vector_mul":      binary32(func(x, y float32) float32 { return x * y }),
		"vector_div":      binary32(func(x, y float32) float32 { return x / y }),
		"vector_log":      vectorLog,
		"vector_sum":      vectorSum,
		"matrix_multiply": matrixMultiply,
	}
}

// Index returns the element an elementwise invocation handles: gid.x plus
// gid.y rows of stride invocations.
func Index(gid hal.Size3, stride uint32) uint32 {
	return gid.X + gid.Y*stride
}

// binary32 builds an elementwise kernel over slots a=0, b=1, out=2,
// params{len, stride}=3.
func binary32(op func(x, y float32) float32) Kernel {
	return func(gid hal.Size3, args *Args) {
		i := Index(gid, args.U32(3, 1))
		if i >= args.U32(3, 0) {
			return
		}
		args.SetF32(2, i, op(args.F32(0, i), args.F32(1, i)))
	}
}

func vectorLog(gid hal.Size3, args *Args) {
	i := Index(gid, args.U32(2, 1))
	if i >= args.U32(2, 0) {
		return
	}
	x := args.F32(0, i)
	var y float32
	switch {
	case x > 0:
		y = float32(math.Log(float64(x)))
	case x == 0:
		y = float32(math.Inf(-1))
	default:
		y = float32(math.NaN())
	}
	args.SetF32(1, i, y)
}

// vectorSum runs on a single work item and accumulates in index order.
func vectorSum(gid hal.Size3, args *Args) {
	if gid.X != 0 || gid.Y != 0 || gid.Z != 0 {
		return
	}
	n := args.U32(2, 0)
	var acc float32
	for i := uint32(0); i < n; i++ {
		acc += args.F32(0, i)
	}
	args.SetF32(1, 0, acc)
}

// matrixMultiply computes out[row*k+col] for a M x N times b N x K. params
// holds {m, n, k}.
func matrixMultiply(gid hal.Size3, args *Args) {
	m, n, k := args.U32(3, 0), args.U32(3, 1), args.U32(3, 2)
	row, col := gid.X, gid.Y
	if row >= m || col >= k {
		return
	}
	var acc float32
	for i := uint32(0); i < n; i++ {
		acc += args.F32(0, row*n+i) * args.F32(1, i*k+col)
	}
	args.SetF32(2, row*k+col, acc)
}

package gpu

import (
	"golang.org/x/sys/cpu"
)

// simdLanes returns the float32 lanes of the widest vector unit the host
// reports.
func simdLanes() int {
	switch {
	case cpu.X86.HasAVX512:
		return 16
	case cpu.X86.HasAVX2, cpu.X86.HasAVX:
		return 8
	case cpu.X86.HasSSE2, cpu.ARM64.HasASIMD:
		return 4
	default:
		return 1
	}
}

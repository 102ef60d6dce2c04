//go:build nogpu

package wgpu

import (
	"github.com/fxnlabs/gpu-backend/internal/hal"
)

// Open always fails in nogpu builds.
func Open(opts Options) (hal.Device, error) {
	return nil, ErrUnavailable
}

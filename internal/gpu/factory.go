package gpu

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fxnlabs/gpu-backend/internal/hal/software"
	"github.com/fxnlabs/gpu-backend/internal/hal/wgpu"
)

// Device kinds accepted by FactoriesFor.
const (
	KindAuto     = "auto"
	KindWGPU     = "wgpu"
	KindSoftware = "software"
)

// WGPUFactory opens the default GPU.
func WGPUFactory(devOpts wgpu.Options, opts ...Option) Factory {
	return Factory{
		Name: KindWGPU,
		New: func(log *zap.Logger) (*Backend, error) {
			h, err := OpenDefault(devOpts, log)
			if err != nil {
				return nil, err
			}
			defer h.Release()
			return New(h, append([]Option{WithLogger(log)}, opts...)...)
		},
	}
}

// SoftwareFactory opens a host-emulated device.
func SoftwareFactory(devOpts []software.Option, opts ...Option) Factory {
	return Factory{
		Name: KindSoftware,
		New: func(log *zap.Logger) (*Backend, error) {
			h, err := OpenSoftware(log, devOpts...)
			if err != nil {
				return nil, err
			}
			defer h.Release()
			return New(h, append([]Option{WithLogger(log)}, opts...)...)
		},
	}
}

// FactoriesFor returns the candidate factories for a configured device kind.
// Auto prefers the GPU and falls back to the software device.
func FactoriesFor(kind string, devOpts wgpu.Options, opts ...Option) ([]Factory, error) {
	switch kind {
	case KindAuto, "":
		return []Factory{WGPUFactory(devOpts, opts...), SoftwareFactory(nil, opts...)}, nil
	case KindWGPU:
		return []Factory{WGPUFactory(devOpts, opts...)}, nil
	case KindSoftware:
		return []Factory{SoftwareFactory(nil, opts...)}, nil
	default:
		return nil, fmt.Errorf("unknown device kind %q", kind)
	}
}

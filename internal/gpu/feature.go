package gpu

import "github.com/fxnlabs/gpu-backend/internal/backend"

// Feature names reported by Handle.Features.
const (
	FeatureFP16 = "fp16"
	FeatureFP64 = "fp64"
)

// Feature is one entry of a device feature set.
type Feature = backend.Feature

// defaultFeatures is the feature set reported for every device. fp64 is
// reported unsupported without probing the device.
func defaultFeatures() backend.Features {
	return backend.Features{
		FeatureFP16: {Supported: true, Description: "Half-precision floating point support"},
		FeatureFP64: {Supported: false, Description: "Double-precision floating point support"},
	}
}

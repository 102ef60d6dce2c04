// Package wgpu implements hal.Device on a GPU through the gogpu/wgpu HAL.
// Kernels are written in WGSL and compiled to SPIR-V with naga. Building with
// the nogpu tag replaces the device with a stub that always reports the GPU
// as unavailable.
package wgpu

import (
	"errors"
	"time"
)

// ErrUnavailable is returned by Open when no usable adapter exists.
var ErrUnavailable = errors.New("wgpu: no usable GPU adapter")

// Options configures adapter selection.
type Options struct {
	// PreferDiscrete picks a discrete GPU over an integrated one when both
	// are present.
	PreferDiscrete bool
	// ReadTimeout bounds the fence wait of a buffer readback.
	ReadTimeout time.Duration
}

const defaultReadTimeout = 5 * time.Second

func (o Options) readTimeout() time.Duration {
	if o.ReadTimeout <= 0 {
		return defaultReadTimeout
	}
	return o.ReadTimeout
}

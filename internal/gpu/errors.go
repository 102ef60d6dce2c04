package gpu

import "errors"

var (
	// ErrDeviceCreation means no compute device could be acquired.
	ErrDeviceCreation = errors.New("gpu: device creation failed")
	// ErrShaderCompilation means a module or pipeline failed to build.
	ErrShaderCompilation = errors.New("gpu: shader compilation failed")
	// ErrInvalidDimensions means a zero or oversized dimension was given.
	ErrInvalidDimensions = errors.New("gpu: invalid dimensions")
	// ErrNotImplemented means the operation has no kernel.
	ErrNotImplemented = errors.New("gpu: not implemented")

	ErrLengthMismatch   = errors.New("gpu: operand length mismatch")
	ErrBufferAllocation = errors.New("gpu: buffer allocation failed")
	ErrBufferSize       = errors.New("gpu: buffer too small")
	ErrBindingMismatch  = errors.New("gpu: bindings do not match pipeline layout")
	ErrDeviceTimeout    = errors.New("gpu: device did not complete in time")
	ErrNoBackend        = errors.New("gpu: no backend available")
	ErrClosed           = errors.New("gpu: backend closed")
)

package gpu

import (
	"fmt"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/fxnlabs/gpu-backend/internal/backend"
	"github.com/fxnlabs/gpu-backend/internal/hal"
	"github.com/fxnlabs/gpu-backend/internal/hal/software"
	"github.com/fxnlabs/gpu-backend/internal/hal/wgpu"
)

// Handle owns an open device. It is reference counted: Open returns a handle
// with one reference and the last Release destroys the device.
type Handle struct {
	dev      hal.Device
	features backend.Features
	log      *zap.Logger

	mu   sync.Mutex
	refs int
}

// Open wraps dev in a handle.
func Open(dev hal.Device, log *zap.Logger) (*Handle, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil device", ErrDeviceCreation)
	}
	if log == nil {
		log = zap.NewNop()
	}
	info := dev.Info()
	h := &Handle{
		dev:      dev,
		features: defaultFeatures(),
		log:      log.Named("handle"),
		refs:     1,
	}
	h.log.Info("opened compute device",
		zap.String("name", info.Name),
		zap.String("backend", info.Backend),
		zap.Stringer("type", info.Type),
	)
	return h, nil
}

// OpenDefault opens the default GPU.
func OpenDefault(opts wgpu.Options, log *zap.Logger) (*Handle, error) {
	dev, err := wgpu.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceCreation, err)
	}
	return Open(dev, log)
}

// OpenSoftware opens a host-emulated device.
func OpenSoftware(log *zap.Logger, opts ...software.Option) (*Handle, error) {
	return Open(software.New(opts...), log)
}

// Device returns the underlying device.
func (h *Handle) Device() hal.Device { return h.dev }

// Info describes the device.
func (h *Handle) Info() hal.Info { return h.dev.Info() }

// DeviceType classifies the device for the backend contract.
func (h *Handle) DeviceType() backend.DeviceType {
	if h.dev.Info().Type == hal.DeviceTypeCPU {
		return backend.DeviceTypeSoftware
	}
	return backend.DeviceTypeGPU
}

// Features returns a copy of the device feature set.
func (h *Handle) Features() backend.Features {
	out := make(backend.Features, len(h.features))
	for k, v := range h.features {
		out[k] = v
	}
	return out
}

// Retain adds a reference.
func (h *Handle) Retain() *Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs > 0 {
		h.refs++
	}
	return h
}

// Release drops a reference. The last one destroys the device. Releasing a
// destroyed handle is a no-op.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs == 0 {
		return
	}
	h.refs--
	if h.refs == 0 {
		h.dev.Destroy()
		h.log.Info("destroyed compute device", zap.String("name", h.dev.Info().Name))
	}
}

// Refs returns the number of live references.
func (h *Handle) Refs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refs
}

type throughputProfile struct {
	computeUnits float64
	lanesPerUnit uint32
	clockHz      float64
}

var throughputProfiles = map[hal.DeviceType]throughputProfile{
	hal.DeviceTypeDiscreteGPU:   {computeUnits: 40, lanesPerUnit: 64, clockHz: 1.5e9},
	hal.DeviceTypeIntegratedGPU: {computeUnits: 8, lanesPerUnit: 32, clockHz: 1.0e9},
	hal.DeviceTypeVirtualGPU:    {computeUnits: 4, lanesPerUnit: 32, clockHz: 1.0e9},
	hal.DeviceTypeUnknown:       {computeUnits: 4, lanesPerUnit: 32, clockHz: 1.0e9},
}

// ThroughputEstimate returns a theoretical FLOP/s figure: lanes x 2 (one fused
// multiply-add per cycle) x nominal clock. Lanes are bounded by the device's
// invocations-per-workgroup limit. For the software device lanes are the
// host's logical CPUs times the widest SIMD unit it reports.
func (h *Handle) ThroughputEstimate() float64 {
	info, limits := h.dev.Info(), h.dev.Limits()
	if info.Type == hal.DeviceTypeCPU {
		return float64(runtime.NumCPU()*simdLanes()) * 2 * 2.5e9
	}
	p, ok := throughputProfiles[info.Type]
	if !ok {
		p = throughputProfiles[hal.DeviceTypeUnknown]
	}
	lanes := p.lanesPerUnit
	if limits.MaxComputeInvocationsPerWorkgroup > 0 && limits.MaxComputeInvocationsPerWorkgroup < lanes {
		lanes = limits.MaxComputeInvocationsPerWorkgroup
	}
	return p.computeUnits * float64(lanes) * 2 * p.clockHz
}

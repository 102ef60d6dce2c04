// Package hal defines the compute device abstraction used by the dispatch
// engine. Implementations live in subpackages: wgpu drives a real GPU through
// gogpu/wgpu, software emulates a device on the host.
package hal

import (
	"context"
	"fmt"
)

// DeviceType classifies the physical unit behind a Device.
type DeviceType int

const (
	DeviceTypeUnknown DeviceType = iota
	DeviceTypeDiscreteGPU
	DeviceTypeIntegratedGPU
	DeviceTypeVirtualGPU
	DeviceTypeCPU
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeDiscreteGPU:
		return "discrete-gpu"
	case DeviceTypeIntegratedGPU:
		return "integrated-gpu"
	case DeviceTypeVirtualGPU:
		return "virtual-gpu"
	case DeviceTypeCPU:
		return "cpu"
	default:
		return "unknown"
	}
}

// Info describes a device.
type Info struct {
	Name    string     `json:"name"`
	Backend string     `json:"backend"`
	Type    DeviceType `json:"type"`
}

// Limits holds the device limits the engine sizes its work against.
type Limits struct {
	MaxBufferSize                     uint64
	MaxComputeWorkgroupSizeX          uint32
	MaxComputeWorkgroupSizeY          uint32
	MaxComputeWorkgroupSizeZ          uint32
	MaxComputeInvocationsPerWorkgroup uint32
	MaxComputeWorkgroupsPerDimension  uint32
}

// Size3 is a three dimensional extent used for thread groups and grids.
type Size3 struct {
	X, Y, Z uint32
}

// Count returns X*Y*Z.
func (s Size3) Count() uint64 {
	return uint64(s.X) * uint64(s.Y) * uint64(s.Z)
}

// HasZero reports whether any dimension is zero.
func (s Size3) HasZero() bool {
	return s.X == 0 || s.Y == 0 || s.Z == 0
}

func (s Size3) String() string {
	return fmt.Sprintf("%dx%dx%d", s.X, s.Y, s.Z)
}

// BufferUsage is a bitmask describing how a buffer is bound.
type BufferUsage uint32

const (
	// BufferUsageStorage marks a buffer bindable as a storage buffer.
	BufferUsageStorage BufferUsage = 1 << iota
	// BufferUsageUniform marks a buffer bindable as a uniform buffer.
	BufferUsageUniform
)

// BindingKind is the declared type of one kernel parameter slot.
type BindingKind int

const (
	BindingReadOnlyStorage BindingKind = iota
	BindingStorage
	BindingUniform
)

func (k BindingKind) String() string {
	switch k {
	case BindingReadOnlyStorage:
		return "read-only-storage"
	case BindingStorage:
		return "storage"
	case BindingUniform:
		return "uniform"
	default:
		return "unknown"
	}
}

// BufferDescriptor describes a buffer to create. When Contents is non-nil the
// buffer is created pre-filled and Size must equal len(Contents). Otherwise the
// buffer is zeroed.
type BufferDescriptor struct {
	Label    string
	Size     uint64
	Usage    BufferUsage
	Contents []byte
}

// PipelineDescriptor describes a compute pipeline for one entry point.
type PipelineDescriptor struct {
	Label         string
	Module        Module
	EntryPoint    string
	Layout        []BindingKind
	WorkgroupSize Size3
}

// Device is a compute device. All buffers use a host-visible shared mode:
// Buffer.Read returns device results once the command buffer that wrote them
// has completed.
//
// Implementations must be safe for concurrent use. Resources created by a
// device must be destroyed before the device itself.
type Device interface {
	Info() Info
	Limits() Limits

	// CreateBuffer allocates a device buffer.
	CreateBuffer(desc *BufferDescriptor) (Buffer, error)

	// CreateModule compiles shader source into a module. The error is
	// deterministic for a given source.
	CreateModule(label, source string) (Module, error)

	// CreatePipeline resolves an entry point inside a module and links it
	// with the given binding layout.
	CreatePipeline(desc *PipelineDescriptor) (Pipeline, error)

	// CreateQueue returns a queue for submitting command buffers.
	CreateQueue() (Queue, error)

	// Destroy releases the device.
	Destroy()
}

// Buffer is a device memory region of fixed size.
type Buffer interface {
	Label() string
	Size() uint64
	// Read copies len(dst) bytes starting at offset into dst.
	Read(offset uint64, dst []byte) error
	Destroy()
}

// Module is a compiled shader module.
type Module interface {
	Label() string
	Destroy()
}

// Pipeline is a compiled, linked entry point ready to be dispatched.
type Pipeline interface {
	EntryPoint() string
	Layout() []BindingKind
	WorkgroupSize() Size3
	Destroy()
}

// Queue submits command buffers in order.
type Queue interface {
	CommandBuffer(label string) (CommandBuffer, error)
	Destroy()
}

// CommandBuffer records encoded work. It is committed once.
type CommandBuffer interface {
	ComputeEncoder() (ComputeEncoder, error)
	Commit() error
	// Wait blocks until the device signals completion or ctx is done. A wait
	// that ended with ctx may be repeated.
	Wait(ctx context.Context) error
	// Release frees the recorded work. After a successful Commit it must
	// only be called once Wait has reported completion.
	Release()
}

// ComputeEncoder records one compute pass.
type ComputeEncoder interface {
	SetPipeline(p Pipeline)
	SetBuffer(slot uint32, b Buffer)
	DispatchThreadgroups(groups, threadsPerGroup Size3)
	End() error
}

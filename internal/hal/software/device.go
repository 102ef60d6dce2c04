// Package software implements hal.Device on the host. Kernels are Go functions
// keyed by entry point name and are executed one work item at a time over the
// dispatched grid, so grid sizing and bounds guards behave as they would on a
// GPU. The device keeps allocation counters and supports fault injection,
// which makes it the test double for the dispatch engine.
package software

import (
	"fmt"
	"regexp"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/fxnlabs/gpu-backend/internal/hal"
)

// Stats is a snapshot of the device counters.
type Stats struct {
	LiveBuffers      int64
	OutstandingBytes int64
	BuffersCreated   int64
	ModulesCompiled  int64
	PipelinesCreated int64
	LivePipelines    int64
	CommandBuffers   int64
	Dispatches       int64
	Invocations      int64
}

// Option configures a Device.
type Option func(*Device)

// WithName sets the reported device name.
func WithName(name string) Option {
	return func(d *Device) { d.info.Name = name }
}

// WithLimits overrides the default limits.
func WithLimits(l hal.Limits) Option {
	return func(d *Device) { d.limits = l }
}

// WithKernel registers an additional kernel, or replaces a built-in one.
func WithKernel(entryPoint string, k Kernel) Option {
	return func(d *Device) { d.kernels[entryPoint] = k }
}

// WithAllocationBudget makes CreateBuffer fail once n buffers have been
// created. A negative n disables the budget.
func WithAllocationBudget(n int64) Option {
	return func(d *Device) { d.allocBudget = n }
}

// WithHang stalls committed command buffers until Resume or Destroy is
// called.
func WithHang() Option {
	return func(d *Device) { d.stall = make(chan struct{}) }
}

// Device is a host-emulated compute device.
type Device struct {
	info    hal.Info
	limits  hal.Limits
	kernels map[string]Kernel

	allocBudget int64
	stall       chan struct{}
	resume      sync.Once

	// exec serializes command buffer execution, one queue per device.
	exec sync.Mutex

	liveBuffers      atomic.Int64
	outstandingBytes atomic.Int64
	buffersCreated   atomic.Int64
	modulesCompiled  atomic.Int64
	pipelinesCreated atomic.Int64
	livePipelines    atomic.Int64
	commandBuffers   atomic.Int64
	dispatches       atomic.Int64
	invocations      atomic.Int64

	destroyed atomic.Bool
}

var _ hal.Device = (*Device)(nil)

// DefaultLimits mirrors the WebGPU default limits.
func DefaultLimits() hal.Limits {
	return hal.Limits{
		MaxBufferSize:                     256 << 20,
		MaxComputeWorkgroupSizeX:          256,
		MaxComputeWorkgroupSizeY:          256,
		MaxComputeWorkgroupSizeZ:          64,
		MaxComputeInvocationsPerWorkgroup: 256,
		MaxComputeWorkgroupsPerDimension:  65535,
	}
}

// New creates a software device with the built-in kernel set.
func New(opts ...Option) *Device {
	d := &Device{
		info: hal.Info{
			Name:    fmt.Sprintf("software (%s/%s, %d threads)", runtime.GOOS, runtime.GOARCH, runtime.NumCPU()),
			Backend: "software",
			Type:    hal.DeviceTypeCPU,
		},
		limits:      DefaultLimits(),
		kernels:     builtinKernels(),
		allocBudget: -1,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Device) Info() hal.Info     { return d.info }
func (d *Device) Limits() hal.Limits { return d.limits }

// Stats returns the current counters.
func (d *Device) Stats() Stats {
	return Stats{
		LiveBuffers:      d.liveBuffers.Load(),
		OutstandingBytes: d.outstandingBytes.Load(),
		BuffersCreated:   d.buffersCreated.Load(),
		ModulesCompiled:  d.modulesCompiled.Load(),
		PipelinesCreated: d.pipelinesCreated.Load(),
		LivePipelines:    d.livePipelines.Load(),
		CommandBuffers:   d.commandBuffers.Load(),
		Dispatches:       d.dispatches.Load(),
		Invocations:      d.invocations.Load(),
	}
}

// CreateBuffer allocates a zeroed or pre-filled host buffer.
func (d *Device) CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error) {
	if desc == nil {
		return nil, fmt.Errorf("software: nil buffer descriptor")
	}
	if d.destroyed.Load() {
		return nil, fmt.Errorf("software: device destroyed")
	}
	if desc.Size == 0 {
		return nil, fmt.Errorf("software: buffer %q has zero size", desc.Label)
	}
	if desc.Size > d.limits.MaxBufferSize {
		return nil, fmt.Errorf("software: buffer %q size %d exceeds limit %d", desc.Label, desc.Size, d.limits.MaxBufferSize)
	}
	if desc.Contents != nil && uint64(len(desc.Contents)) != desc.Size {
		return nil, fmt.Errorf("software: buffer %q contents length %d does not match size %d", desc.Label, len(desc.Contents), desc.Size)
	}
	if d.allocBudget >= 0 && d.buffersCreated.Load() >= d.allocBudget {
		return nil, fmt.Errorf("software: allocation budget of %d buffers exhausted", d.allocBudget)
	}

	b := &buffer{
		device: d,
		label:  desc.Label,
		usage:  desc.Usage,
		data:   make([]byte, desc.Size),
	}
	copy(b.data, desc.Contents)

	d.buffersCreated.Add(1)
	d.liveBuffers.Add(1)
	d.outstandingBytes.Add(int64(desc.Size))
	return b, nil
}

var entryPointPattern = regexp.MustCompile(`@compute[^{;]*?\bfn\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// CreateModule scans WGSL source for compute entry points. A module without
// any entry point is rejected.
func (d *Device) CreateModule(label, source string) (hal.Module, error) {
	if d.destroyed.Load() {
		return nil, fmt.Errorf("software: device destroyed")
	}
	matches := entryPointPattern.FindAllStringSubmatch(source, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("software: module %q declares no compute entry points", label)
	}
	entries := make(map[string]struct{}, len(matches))
	for _, m := range matches {
		entries[m[1]] = struct{}{}
	}
	d.modulesCompiled.Add(1)
	return &module{label: label, entries: entries}, nil
}

// CreatePipeline links an entry point of a module to its host kernel.
func (d *Device) CreatePipeline(desc *hal.PipelineDescriptor) (hal.Pipeline, error) {
	if desc == nil {
		return nil, fmt.Errorf("software: nil pipeline descriptor")
	}
	mod, ok := desc.Module.(*module)
	if !ok || mod == nil {
		return nil, fmt.Errorf("software: pipeline %q: module was not created by this device", desc.Label)
	}
	if _, ok := mod.entries[desc.EntryPoint]; !ok {
		return nil, fmt.Errorf("software: entry point %q not found in module %q", desc.EntryPoint, mod.label)
	}
	kernel, ok := d.kernels[desc.EntryPoint]
	if !ok {
		return nil, fmt.Errorf("software: no host kernel for entry point %q", desc.EntryPoint)
	}
	if len(desc.Layout) == 0 {
		return nil, fmt.Errorf("software: pipeline %q has an empty binding layout", desc.Label)
	}
	if desc.WorkgroupSize.HasZero() {
		return nil, fmt.Errorf("software: pipeline %q has workgroup size %s", desc.Label, desc.WorkgroupSize)
	}
	if desc.WorkgroupSize.Count() > uint64(d.limits.MaxComputeInvocationsPerWorkgroup) {
		return nil, fmt.Errorf("software: pipeline %q workgroup size %s exceeds %d invocations",
			desc.Label, desc.WorkgroupSize, d.limits.MaxComputeInvocationsPerWorkgroup)
	}

	layout := make([]hal.BindingKind, len(desc.Layout))
	copy(layout, desc.Layout)

	d.pipelinesCreated.Add(1)
	d.livePipelines.Add(1)
	return &pipeline{
		device:        d,
		entryPoint:    desc.EntryPoint,
		layout:        layout,
		workgroupSize: desc.WorkgroupSize,
		kernel:        kernel,
	}, nil
}

// CreateQueue returns a queue bound to this device.
func (d *Device) CreateQueue() (hal.Queue, error) {
	if d.destroyed.Load() {
		return nil, fmt.Errorf("software: device destroyed")
	}
	return &queue{device: d}, nil
}

// Resume lets stalled command buffers run. It is a no-op on a device built
// without WithHang.
func (d *Device) Resume() {
	if d.stall != nil {
		d.resume.Do(func() { close(d.stall) })
	}
}

// Destroy marks the device unusable and resumes stalled command buffers,
// which then fail on their destroyed buffers.
func (d *Device) Destroy() {
	d.destroyed.Store(true)
	d.Resume()
}

type buffer struct {
	device *Device
	label  string
	usage  hal.BufferUsage

	mu        sync.RWMutex
	data      []byte
	destroyed bool
}

func (b *buffer) Label() string { return b.label }

func (b *buffer) Size() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return uint64(len(b.data))
}

func (b *buffer) Read(offset uint64, dst []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.destroyed {
		return fmt.Errorf("software: read from destroyed buffer %q", b.label)
	}
	end := offset + uint64(len(dst))
	if end < offset || end > uint64(len(b.data)) {
		return fmt.Errorf("software: read [%d, %d) out of range for buffer %q of %d bytes", offset, end, b.label, len(b.data))
	}
	copy(dst, b.data[offset:end])
	return nil
}

func (b *buffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return
	}
	b.destroyed = true
	b.device.liveBuffers.Add(-1)
	b.device.outstandingBytes.Add(-int64(len(b.data)))
	b.data = nil
}

type module struct {
	label   string
	entries map[string]struct{}
}

func (m *module) Label() string { return m.label }
func (m *module) Destroy()      {}

type pipeline struct {
	device        *Device
	entryPoint    string
	layout        []hal.BindingKind
	workgroupSize hal.Size3
	kernel        Kernel
	destroyed     atomic.Bool
}

func (p *pipeline) EntryPoint() string        { return p.entryPoint }
func (p *pipeline) Layout() []hal.BindingKind { return p.layout }
func (p *pipeline) WorkgroupSize() hal.Size3  { return p.workgroupSize }

func (p *pipeline) Destroy() {
	if p.destroyed.CompareAndSwap(false, true) {
		p.device.livePipelines.Add(-1)
	}
}
